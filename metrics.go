package installws

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// clientMetrics holds the Prometheus collectors for one client. A nil
// *clientMetrics records nothing.
type clientMetrics struct {
	framesReceived    *prometheus.CounterVec
	parseErrors       prometheus.Counter
	messagesSent      prometheus.Counter
	messagesQueued    prometheus.Gauge
	reconnectAttempts prometheus.Counter
	listenerPanics    prometheus.Counter
	connectionState   prometheus.Gauge
}

func newClientMetrics(reg prometheus.Registerer) (*clientMetrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &clientMetrics{
		framesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "installws",
				Name:      "frames_received_total",
				Help:      "Inbound envelopes dispatched, by category",
			},
			[]string{"category"},
		),
		parseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "installws",
			Name:      "parse_errors_total",
			Help:      "Inbound frames dropped because they were not valid envelopes",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "installws",
			Name:      "messages_sent_total",
			Help:      "Outbound envelopes written to the connection",
		}),
		messagesQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "installws",
			Name:      "messages_queued",
			Help:      "Outbound envelopes waiting for a connection",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "installws",
			Name:      "reconnect_attempts_total",
			Help:      "Automatic reconnects scheduled after an unexpected drop",
		}),
		listenerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "installws",
			Name:      "listener_panics_total",
			Help:      "Subscriber callbacks that panicked during dispatch",
		}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "installws",
			Name:      "connection_state",
			Help:      "Connection state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting, 4=closed)",
		}),
	}

	var err error
	if m.framesReceived, err = register(reg, m.framesReceived); err != nil {
		return nil, err
	}
	if m.parseErrors, err = register(reg, m.parseErrors); err != nil {
		return nil, err
	}
	if m.messagesSent, err = register(reg, m.messagesSent); err != nil {
		return nil, err
	}
	if m.messagesQueued, err = register(reg, m.messagesQueued); err != nil {
		return nil, err
	}
	if m.reconnectAttempts, err = register(reg, m.reconnectAttempts); err != nil {
		return nil, err
	}
	if m.listenerPanics, err = register(reg, m.listenerPanics); err != nil {
		return nil, err
	}
	if m.connectionState, err = register(reg, m.connectionState); err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to reg, reusing an identical collector registered by
// another client on the same registry.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, err
	}
	return c, nil
}

// frameReceived counts one dispatched envelope. Categories the client does
// not know are counted as "other" to bound label cardinality.
func (m *clientMetrics) frameReceived(category string) {
	if m == nil {
		return
	}
	switch category {
	case CategoryInstallationStatus, CategoryInstallationLog, CategoryBoardDetected,
		CategoryConfigUpdated, CategoryError:
	default:
		category = "other"
	}
	m.framesReceived.WithLabelValues(category).Inc()
}

func (m *clientMetrics) parseError() {
	if m != nil {
		m.parseErrors.Inc()
	}
}

func (m *clientMetrics) messageSent() {
	if m != nil {
		m.messagesSent.Inc()
	}
}

func (m *clientMetrics) setQueued(n int) {
	if m != nil {
		m.messagesQueued.Set(float64(n))
	}
}

func (m *clientMetrics) reconnectScheduled() {
	if m != nil {
		m.reconnectAttempts.Inc()
	}
}

func (m *clientMetrics) listenerPanic() {
	if m != nil {
		m.listenerPanics.Inc()
	}
}

func (m *clientMetrics) setState(s ConnectionState) {
	if m != nil {
		m.connectionState.Set(float64(s))
	}
}
