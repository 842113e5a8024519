// Package installation follows one installer run: it starts or attaches to
// an installation and folds the streamed status and log events into a
// snapshot the UI layer can read at any time.
package installation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/klipper-installer/installws"
)

// DefaultMaxLogs bounds the log lines kept in a Snapshot.
const DefaultMaxLogs = 500

// Stream is the event connection a Tracker listens on. *installws.Client
// satisfies it.
type Stream interface {
	OnInstallationStatus(fn func(installws.InstallationStatus)) installws.Unsubscribe
	OnInstallationLog(fn func(installws.InstallationLog)) installws.Unsubscribe
	OnError(fn func(error)) installws.Unsubscribe
	OnStateChange(fn func(installws.StateChange)) installws.Unsubscribe
	SendJSON(ctx context.Context, category string, v any) error
}

// Snapshot is the tracker's view of the installation.
type Snapshot struct {
	ID          string
	Status      installws.InstallStatus
	Progress    int
	CurrentStep string
	Message     string
	Error       string
	Logs        []installws.InstallationLog
	LastError   error
	UpdatedAt   time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithMaxLogs sets how many log lines the snapshot retains.
func WithMaxLogs(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.maxLogs = n
		}
	}
}

// WithLogSink forwards every log line, tagged with the installation id,
// to sink. It is called on the stream's dispatch goroutine.
func WithLogSink(sink func(id string, l installws.InstallationLog)) Option {
	return func(t *Tracker) {
		t.sink = sink
	}
}

// Tracker folds one installation's events into a Snapshot.
type Tracker struct {
	stream  Stream
	starter Starter
	logger  *slog.Logger
	maxLogs int
	sink    func(string, installws.InstallationLog)

	mu       sync.Mutex
	snap     Snapshot
	unsubs   []installws.Unsubscribe
	dropped  bool // connection lost since the last subscribe
	done     chan struct{}
	doneOnce sync.Once
}

// NewTracker subscribes to stream and returns a tracker with an empty
// snapshot. starter may be nil if the tracker only attaches by id.
func NewTracker(stream Stream, starter Starter, logger *slog.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		stream:  stream,
		starter: starter,
		logger:  logger.With("component", "tracker"),
		maxLogs: DefaultMaxLogs,
		snap:    Snapshot{Status: installws.StatusNotStarted},
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}

	t.unsubs = []installws.Unsubscribe{
		stream.OnInstallationStatus(t.handleStatus),
		stream.OnInstallationLog(t.handleLog),
		stream.OnError(t.handleError),
		stream.OnStateChange(t.handleState),
	}
	return t
}

// Start creates an installation for board through the Starter and subscribes
// to its events. It returns the installation id.
func (t *Tracker) Start(ctx context.Context, board string, config map[string]any) (string, error) {
	if t.starter == nil {
		return "", errors.New("tracker has no starter")
	}
	inst, err := t.starter.Start(ctx, StartRequest{Board: board, Config: config})
	if err != nil {
		return "", err
	}

	t.mu.Lock()
	t.snap.ID = inst.ID
	if inst.Status != "" {
		t.snap.Status = inst.Status
	} else {
		t.snap.Status = installws.StatusPending
	}
	t.snap.Progress = inst.Progress
	t.snap.UpdatedAt = time.Now()
	t.mu.Unlock()

	return inst.ID, t.subscribe(ctx, inst.ID)
}

// Watch attaches to an installation that is already running.
func (t *Tracker) Watch(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("installation id is required")
	}
	t.mu.Lock()
	t.snap.ID = id
	t.mu.Unlock()
	return t.subscribe(ctx, id)
}

func (t *Tracker) subscribe(ctx context.Context, id string) error {
	t.logger.Debug("subscribing", "installation", id)
	return t.stream.SendJSON(ctx, installws.CategorySubscribe, installws.SubscribeRequest{InstallationID: id})
}

// Cancel asks the backend to stop the tracked installation.
func (t *Tracker) Cancel(ctx context.Context) error {
	if t.starter == nil {
		return errors.New("tracker has no starter")
	}
	t.mu.Lock()
	id := t.snap.ID
	t.mu.Unlock()
	if id == "" {
		return errors.New("no installation to cancel")
	}
	return t.starter.Cancel(ctx, id)
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.snap
	s.Logs = append([]installws.InstallationLog(nil), t.snap.Logs...)
	return s
}

// Done is closed once a terminal status has been observed.
func (t *Tracker) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the installation reaches a terminal status.
func (t *Tracker) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-t.done:
		return t.Snapshot(), nil
	case <-ctx.Done():
		return t.Snapshot(), ctx.Err()
	}
}

// Detach removes the tracker's subscriptions. It is safe to call twice.
func (t *Tracker) Detach() {
	t.mu.Lock()
	unsubs := t.unsubs
	t.unsubs = nil
	t.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
}

func (t *Tracker) handleStatus(st installws.InstallationStatus) {
	t.mu.Lock()
	t.snap.Status = st.Status
	t.snap.Progress = st.Progress
	if st.CurrentStep != "" {
		t.snap.CurrentStep = st.CurrentStep
	}
	if st.Message != "" {
		t.snap.Message = st.Message
	}
	t.snap.Error = st.Error
	t.snap.UpdatedAt = time.Now()
	id := t.snap.ID
	t.mu.Unlock()

	t.logger.Info("installation status",
		"installation", id,
		"status", st.Status,
		"progress", st.Progress,
		"step", st.CurrentStep,
	)

	if st.Status.Terminal() {
		t.doneOnce.Do(func() { close(t.done) })
	}
}

func (t *Tracker) handleLog(l installws.InstallationLog) {
	t.mu.Lock()
	t.snap.Logs = append(t.snap.Logs, l)
	if over := len(t.snap.Logs) - t.maxLogs; over > 0 {
		t.snap.Logs = append(t.snap.Logs[:0:0], t.snap.Logs[over:]...)
	}
	id := t.snap.ID
	t.mu.Unlock()

	if t.sink != nil {
		t.sink(id, l)
	}
}

// handleState re-sends the subscription once the stream is back after a
// drop; the backend forgets subscriptions with the socket.
func (t *Tracker) handleState(sc installws.StateChange) {
	t.mu.Lock()
	if sc.From == installws.StateConnected {
		t.dropped = true
	}
	resubscribe := sc.To == installws.StateConnected && t.dropped && t.snap.ID != "" && !t.snap.Status.Terminal()
	if sc.To == installws.StateConnected {
		t.dropped = false
	}
	id := t.snap.ID
	t.mu.Unlock()

	if !resubscribe {
		return
	}
	t.logger.Info("resubscribing after reconnect", "installation", id)
	if err := t.subscribe(context.Background(), id); err != nil {
		t.logger.Warn("resubscribe failed", "installation", id, "error", err)
	}
}

func (t *Tracker) handleError(err error) {
	t.mu.Lock()
	t.snap.LastError = err
	t.mu.Unlock()
}
