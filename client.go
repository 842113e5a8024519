package installws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Client keeps one connection to the installer backend, queues commands
// while the link is down and fans inbound events out to subscribers.
//
// A Client is safe for concurrent use. Listeners are called synchronously on
// the connection's read goroutine and may call any Client method.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	dialer  dialer
	backoff backoff
	events  *dispatcher
	metrics *clientMetrics

	mu        sync.Mutex
	state     ConnectionState
	conn      transport
	gen       uint64 // identifies the current attempt/handle; bumped to invalidate callbacks
	attempt   int    // automatic reconnects since the last successful connect
	queue     messageQueue
	timer     *time.Timer
	inflight  *connectAttempt
	earlyDrop error // handle lost before the dial result was recorded
	notices   []notice
}

// connectAttempt is one in-flight dial. Callers joining it wait on done.
type connectAttempt struct {
	gen    uint64
	auto   bool
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (a *connectAttempt) finish(err error) {
	a.err = err
	close(a.done)
}

func (a *connectAttempt) wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// notice is a listener notification collected under c.mu and delivered
// after it is released.
type notice struct {
	change *StateChange
	err    error
}

// NewClient creates a client for the given configuration. The client is
// not connected until Connect or Send is called.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	resolved, err := resolveConfig(cfg)
	if err != nil {
		return nil, err
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return newClient(resolved, o)
}

func newClient(cfg Config, o options) (*Client, error) {
	logger := o.logger
	if logger == nil {
		if cfg.Debug {
			logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
		} else {
			logger = slog.Default()
		}
	}
	logger = logger.With("component", "installws")

	metrics, err := newClientMetrics(o.registerer)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	d := o.dialer
	if d == nil {
		d = &wsDialer{
			header:           o.header,
			handshakeTimeout: o.handshakeTimeout,
			writeTimeout:     o.writeTimeout,
			pingInterval:     o.pingInterval,
			logger:           logger,
		}
	}

	b := newBackoff(cfg.ReconnectInterval, cfg.MaxDelay)
	b.jitter = o.jitter

	c := &Client{
		cfg:     cfg,
		logger:  logger,
		dialer:  d,
		backoff: b,
		events:  newDispatcher(logger, metrics),
		metrics: metrics,
	}
	if o.onError != nil {
		c.events.subscribeErrors(o.onError)
	}
	metrics.setState(StateDisconnected)
	return c, nil
}

// URL returns the endpoint the client connects to.
func (c *Client) URL() string {
	return c.cfg.URL
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending returns the number of queued outbound messages.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.len()
}

// Connect opens the connection and flushes queued messages, oldest first.
// It returns nil immediately if already connected, and joins the attempt in
// progress if one is. A failed dial is returned and also reported to
// OnError listeners.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		a := c.inflight
		c.mu.Unlock()
		return a.wait(ctx)
	}

	a, stale := c.beginConnectLocked(ctx, false)
	c.unlockAndNotify()

	if stale != nil {
		stale.close()
	}
	c.runConnect(a)
	return a.err
}

// Disconnect cancels any scheduled reconnect, aborts a dial in progress and
// closes the connection. Queued messages are kept. It is idempotent.
func (c *Client) Disconnect() error {
	return c.shutdown(StateDisconnected)
}

// Close is Disconnect followed by the terminal StateClosed. A later Connect
// starts over with a fresh retry budget.
func (c *Client) Close() error {
	return c.shutdown(StateClosed)
}

func (c *Client) shutdown(to ConnectionState) error {
	c.mu.Lock()
	c.stopTimerLocked()
	c.gen++
	if a := c.inflight; a != nil {
		a.cancel()
		c.inflight = nil
	}
	t := c.conn
	c.conn = nil
	c.setStateLocked(to, nil)
	c.unlockAndNotify()

	if t != nil {
		return t.close()
	}
	return nil
}

// Send transmits env. While connected the frame is written immediately and
// a write failure is reported to OnError and returned. Messages left queued
// by a failed flush are not retried here; they go out on the next successful
// connect. Otherwise env is queued; if the client is disconnected a connect
// is started in the background and Send returns without waiting for it. In
// StateClosed messages are queued until the next explicit Connect.
func (c *Client) Send(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := marshalEnvelope(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if env.Type == "" {
		return errors.New("envelope type must not be empty")
	}

	c.mu.Lock()
	if c.state == StateConnected {
		if err := c.writeLocked(data); err != nil {
			serr := &Error{Kind: ErrSend, Category: env.Type, Cause: err, Timestamp: time.Now()}
			c.notify(serr)
			c.unlockAndNotify()
			return serr
		}
		c.trace("message sent", "type", env.Type)
		c.mu.Unlock()
		return nil
	}

	c.queue.push(env)
	c.metrics.setQueued(c.queue.len())
	c.trace("message queued", "type", env.Type, "state", c.state, "pending", c.queue.len())

	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}

	a, stale := c.beginConnectLocked(context.Background(), false)
	c.unlockAndNotify()

	go func() {
		if stale != nil {
			stale.close()
		}
		c.runConnect(a)
	}()
	return nil
}

// SendJSON marshals v into an envelope of the given category and sends it.
func (c *Client) SendJSON(ctx context.Context, category string, v any) error {
	env, err := NewEnvelope(category, v)
	if err != nil {
		return err
	}
	return c.Send(ctx, env)
}

// OnMessage registers fn for every inbound envelope.
func (c *Client) OnMessage(fn func(Envelope)) Unsubscribe {
	return c.events.subscribeAll(fn)
}

// Subscribe registers fn for envelopes of one category.
func (c *Client) Subscribe(category string, fn func(Envelope)) Unsubscribe {
	return c.events.subscribe(category, fn)
}

// OnInstallationStatus registers fn for installation_status events.
func (c *Client) OnInstallationStatus(fn func(InstallationStatus)) Unsubscribe {
	return c.events.subscribe(CategoryInstallationStatus, decodeInto(c, fn))
}

// OnInstallationLog registers fn for installation_log events.
func (c *Client) OnInstallationLog(fn func(InstallationLog)) Unsubscribe {
	return c.events.subscribe(CategoryInstallationLog, decodeInto(c, fn))
}

// OnError registers fn for client errors. Errors are values of type *Error.
func (c *Client) OnError(fn func(error)) Unsubscribe {
	return c.events.subscribeErrors(fn)
}

// OnStateChange registers fn for connection state transitions.
func (c *Client) OnStateChange(fn func(StateChange)) Unsubscribe {
	return c.events.subscribeStates(fn)
}

// decodeInto adapts a typed listener. A payload that does not decode is
// reported as ErrParse and the listener is skipped.
func decodeInto[T any](c *Client, fn func(T)) func(Envelope) {
	return func(env Envelope) {
		var v T
		if err := env.Decode(&v); err != nil {
			c.metrics.parseError()
			c.events.reportError(&Error{
				Kind:      ErrParse,
				Category:  env.Type,
				Cause:     err,
				Raw:       env.Data,
				Timestamp: time.Now(),
			})
			return
		}
		fn(v)
	}
}

// beginConnectLocked moves to StateConnecting and registers a new attempt.
// The returned stale handle, if any, must be closed before dialing.
func (c *Client) beginConnectLocked(parent context.Context, auto bool) (*connectAttempt, transport) {
	c.stopTimerLocked()
	c.gen++
	if !auto {
		c.attempt = 0
	}
	c.earlyDrop = nil

	stale := c.conn
	c.conn = nil

	ctx, cancel := context.WithCancel(parent)
	a := &connectAttempt{
		gen:    c.gen,
		auto:   auto,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.inflight = a
	c.setStateLocked(StateConnecting, nil)
	return a, stale
}

// runConnect dials and records the outcome of attempt a.
func (c *Client) runConnect(a *connectAttempt) {
	defer a.cancel()

	gen := a.gen
	hooks := transportHooks{
		onFrame: func(data []byte) { c.handleFrame(gen, data) },
		onClose: func(err error) { c.handleDrop(gen, err) },
	}
	t, err := c.dialer.dial(a.ctx, c.cfg.URL, hooks)

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		if t != nil {
			t.close()
		}
		a.finish(ErrConnectAborted)
		return
	}
	// Cleared under the same lock hold that leaves StateConnecting.
	c.inflight = nil

	var lost transport
	if err == nil && c.earlyDrop != nil {
		err = fmt.Errorf("connection lost during handshake: %w", c.earlyDrop)
		c.earlyDrop = nil
		lost = t
	}

	if err != nil {
		cerr := &Error{Kind: ErrConnection, Attempt: c.attempt, Cause: err, Timestamp: time.Now()}
		c.logger.Warn("connect failed", "url", c.cfg.URL, "attempt", c.attempt, "error", err)
		c.notify(cerr)
		if a.auto {
			c.scheduleReconnectLocked(cerr)
		} else {
			c.setStateLocked(StateDisconnected, cerr)
		}
		c.unlockAndNotify()
		if lost != nil {
			lost.close()
		}
		a.finish(cerr)
		return
	}

	c.conn = t
	c.attempt = 0
	c.setStateLocked(StateConnected, nil)
	c.logger.Info("connected", "url", c.cfg.URL, "pending", c.queue.len())

	c.drainLocked()
	c.unlockAndNotify()
	a.finish(nil)
}

// drainLocked flushes the queue over the current handle. On a write error
// the failed message and everything after it stay queued.
func (c *Client) drainLocked() {
	if c.queue.len() == 0 {
		return
	}
	var failed Envelope
	sent, err := c.queue.drain(func(env Envelope) error {
		data, err := marshalEnvelope(env)
		if err == nil {
			err = c.writeLocked(data)
		}
		if err != nil {
			failed = env
		}
		return err
	})
	c.metrics.setQueued(c.queue.len())
	if err != nil {
		c.logger.Warn("queue drain stopped",
			"sent", sent,
			"remaining", c.queue.len(),
			"type", failed.Type,
			"error", err,
		)
		c.notify(&Error{Kind: ErrSend, Category: failed.Type, Cause: err, Timestamp: time.Now()})
		return
	}
	c.trace("queue drained", "sent", sent)
}

func (c *Client) writeLocked(data []byte) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.send(data); err != nil {
		return err
	}
	c.metrics.messageSent()
	return nil
}

// handleDrop is the onClose hook of the handle created for gen.
func (c *Client) handleDrop(gen uint64, cause error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	switch c.state {
	case StateConnecting:
		c.earlyDrop = cause
		c.mu.Unlock()
		return
	case StateConnected:
	default:
		c.mu.Unlock()
		return
	}

	c.logger.Warn("connection lost", "url", c.cfg.URL, "error", cause)
	cerr := &Error{
		Kind:      ErrConnection,
		Attempt:   c.attempt,
		Cause:     fmt.Errorf("connection lost: %w", cause),
		Timestamp: time.Now(),
	}
	c.conn = nil
	c.notify(cerr)
	c.scheduleReconnectLocked(cerr)
	c.unlockAndNotify()
}

// scheduleReconnectLocked arms the reconnect timer, or gives up once the
// retry budget is spent.
func (c *Client) scheduleReconnectLocked(cause error) {
	if c.cfg.MaxRetries < 0 {
		c.setStateLocked(StateDisconnected, cause)
		return
	}
	if c.attempt >= c.cfg.MaxRetries {
		exhausted := &Error{
			Kind:      ErrRetryExhausted,
			Attempt:   c.attempt,
			Cause:     fmt.Errorf("max reconnection attempts reached: %w", cause),
			Timestamp: time.Now(),
		}
		c.logger.Error("giving up reconnecting", "url", c.cfg.URL, "attempts", c.attempt)
		c.setStateLocked(StateClosed, exhausted)
		c.notify(exhausted)
		return
	}

	wait := c.backoff.delay(c.attempt)
	c.attempt++
	c.metrics.reconnectScheduled()
	c.setStateLocked(StateReconnecting, cause)

	gen := c.gen
	c.timer = time.AfterFunc(wait, func() { c.reconnect(gen) })
	c.logger.Info("reconnect scheduled", "attempt", c.attempt, "wait", wait)
}

// reconnect runs when the backoff timer armed for gen fires.
func (c *Client) reconnect(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	a, stale := c.beginConnectLocked(context.Background(), true)
	c.unlockAndNotify()

	if stale != nil {
		stale.close()
	}
	c.trace("reconnecting", "attempt", c.attemptNow())
	c.runConnect(a)
}

// handleFrame is the onFrame hook of the handle created for gen.
func (c *Client) handleFrame(gen uint64, data []byte) {
	c.mu.Lock()
	current := c.gen == gen
	c.mu.Unlock()
	if !current {
		return
	}

	env, err := parseEnvelope(data)
	if err != nil {
		c.metrics.parseError()
		c.logger.Warn("dropping malformed frame", "size", len(data), "error", err)
		c.events.reportError(&Error{Kind: ErrParse, Cause: err, Raw: data, Timestamp: time.Now()})
		return
	}

	c.metrics.frameReceived(env.Type)
	c.trace("frame received", "type", env.Type, "size", len(data))
	c.events.dispatch(env)
}

func (c *Client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Client) setStateLocked(to ConnectionState, cause error) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.metrics.setState(to)
	c.trace("state change", "from", from, "to", to)
	c.notices = append(c.notices, notice{change: &StateChange{From: from, To: to, Err: cause}})
}

func (c *Client) notify(err error) {
	c.notices = append(c.notices, notice{err: err})
}

// unlockAndNotify releases c.mu and then delivers the notices collected
// while it was held, in order.
func (c *Client) unlockAndNotify() {
	pending := c.notices
	c.notices = nil
	c.mu.Unlock()

	for _, n := range pending {
		if n.change != nil {
			c.events.reportState(*n.change)
			continue
		}
		c.events.reportError(n.err)
	}
}

func (c *Client) attemptNow() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

func (c *Client) trace(msg string, args ...any) {
	if c.cfg.Debug {
		c.logger.Debug(msg, args...)
	}
}
