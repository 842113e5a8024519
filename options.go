package installws

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Option configures a Client.
type Option func(*options)

type options struct {
	logger           *slog.Logger
	header           http.Header
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	pingInterval     time.Duration
	jitter           float64
	registerer       prometheus.Registerer
	onError          ErrorHandler
	dialer           dialer
}

func defaultOptions() options {
	return options{
		header:           http.Header{},
		handshakeTimeout: 10 * time.Second,
		writeTimeout:     5 * time.Second,
		pingInterval:     30 * time.Second,
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithHeader adds a header to the WebSocket handshake request.
func WithHeader(key, value string) Option {
	return func(o *options) {
		o.header.Add(key, value)
	}
}

// WithBearerToken sends "Authorization: Bearer <token>" on every handshake.
func WithBearerToken(token string) Option {
	return func(o *options) {
		if token != "" {
			o.header.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithHandshakeTimeout bounds a single dial.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.handshakeTimeout = d
		}
	}
}

// WithWriteTimeout sets the write deadline for each frame.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.writeTimeout = d
		}
	}
}

// WithPingInterval sets the keepalive ping interval. A connection that
// misses two pongs is treated as dropped. Zero or negative disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(o *options) {
		o.pingInterval = d
	}
}

// WithJitter randomizes each backoff wait by up to ±fraction of its length,
// never exceeding the configured MaxDelay. Values outside (0, 1] are ignored.
func WithJitter(fraction float64) Option {
	return func(o *options) {
		if fraction > 0 && fraction <= 1 {
			o.jitter = fraction
		}
	}
}

// WithMetrics registers the client's Prometheus collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithErrorHandler subscribes h to client errors before the client is
// returned, so no error raised during the first Connect is missed.
func WithErrorHandler(h ErrorHandler) Option {
	return func(o *options) {
		o.onError = h
	}
}
