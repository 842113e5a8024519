package installation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klipper-installer/installws"
)

// fakeStream records subscriptions and sent commands and lets tests push
// typed events straight to the tracker.
type fakeStream struct {
	mu       sync.Mutex
	statuses map[int]func(installws.InstallationStatus)
	logs     map[int]func(installws.InstallationLog)
	errs     map[int]func(error)
	states   map[int]func(installws.StateChange)
	nextID   int
	sent     []installws.Envelope
	sendErr  error
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		statuses: map[int]func(installws.InstallationStatus){},
		logs:     map[int]func(installws.InstallationLog){},
		errs:     map[int]func(error){},
		states:   map[int]func(installws.StateChange){},
	}
}

func (s *fakeStream) OnInstallationStatus(fn func(installws.InstallationStatus)) installws.Unsubscribe {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.statuses[id] = fn
	return func() { s.mu.Lock(); delete(s.statuses, id); s.mu.Unlock() }
}

func (s *fakeStream) OnInstallationLog(fn func(installws.InstallationLog)) installws.Unsubscribe {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.logs[id] = fn
	return func() { s.mu.Lock(); delete(s.logs, id); s.mu.Unlock() }
}

func (s *fakeStream) OnError(fn func(error)) installws.Unsubscribe {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.errs[id] = fn
	return func() { s.mu.Lock(); delete(s.errs, id); s.mu.Unlock() }
}

func (s *fakeStream) OnStateChange(fn func(installws.StateChange)) installws.Unsubscribe {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.states[id] = fn
	return func() { s.mu.Lock(); delete(s.states, id); s.mu.Unlock() }
}

func (s *fakeStream) SendJSON(_ context.Context, category string, v any) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	env, err := installws.NewEnvelope(category, v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sent = append(s.sent, env)
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) status(st installws.InstallationStatus) {
	s.mu.Lock()
	fns := make([]func(installws.InstallationStatus), 0, len(s.statuses))
	for _, fn := range s.statuses {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

func (s *fakeStream) log(l installws.InstallationLog) {
	s.mu.Lock()
	fns := make([]func(installws.InstallationLog), 0, len(s.logs))
	for _, fn := range s.logs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(l)
	}
}

func (s *fakeStream) fail(err error) {
	s.mu.Lock()
	fns := make([]func(error), 0, len(s.errs))
	for _, fn := range s.errs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (s *fakeStream) transition(from, to installws.ConnectionState) {
	s.mu.Lock()
	fns := make([]func(installws.StateChange), 0, len(s.states))
	for _, fn := range s.states {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(installws.StateChange{From: from, To: to})
	}
}

func (s *fakeStream) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *fakeStream) listeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.statuses) + len(s.logs) + len(s.errs) + len(s.states)
}

type fakeStarter struct {
	started   []StartRequest
	cancelled []string
	startErr  error
}

func (f *fakeStarter) Start(_ context.Context, req StartRequest) (*Installation, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = append(f.started, req)
	return &Installation{ID: fmt.Sprintf("inst-%d", len(f.started)), Status: installws.StatusPending}, nil
}

func (f *fakeStarter) Cancel(_ context.Context, id string) error {
	f.cancelled = append(f.cancelled, id)
	return nil
}

func TestTracker_StartSubscribes(t *testing.T) {
	stream := newFakeStream()
	starter := &fakeStarter{}
	tr := NewTracker(stream, starter, nil)

	id, err := tr.Start(context.Background(), "btt-skr-mini-e3", map[string]any{"kinematics": "corexy"})
	require.NoError(t, err)
	assert.Equal(t, "inst-1", id)

	require.Len(t, starter.started, 1)
	assert.Equal(t, "btt-skr-mini-e3", starter.started[0].Board)

	require.Len(t, stream.sent, 1)
	assert.Equal(t, installws.CategorySubscribe, stream.sent[0].Type)
	assert.JSONEq(t, `{"installation_id":"inst-1"}`, string(stream.sent[0].Data))

	snap := tr.Snapshot()
	assert.Equal(t, "inst-1", snap.ID)
	assert.Equal(t, installws.StatusPending, snap.Status)
}

func TestTracker_StartFailure(t *testing.T) {
	stream := newFakeStream()
	tr := NewTracker(stream, &fakeStarter{startErr: errors.New("board busy")}, nil)

	_, err := tr.Start(context.Background(), "rpi-pico", nil)
	assert.ErrorContains(t, err, "board busy")
	assert.Empty(t, stream.sent)
	assert.Equal(t, installws.StatusNotStarted, tr.Snapshot().Status)
}

func TestTracker_FoldsEvents(t *testing.T) {
	stream := newFakeStream()
	tr := NewTracker(stream, nil, nil)
	require.NoError(t, tr.Watch(context.Background(), "inst-9"))

	stream.status(installws.InstallationStatus{Status: installws.StatusBuilding, Progress: 30, CurrentStep: "make", Message: "Compiling"})
	stream.status(installws.InstallationStatus{Status: installws.StatusFlashing, Progress: 70})
	stream.log(installws.InstallationLog{Level: installws.LevelInfo, Message: "Flashing firmware", Timestamp: "2024-05-01T12:00:00Z"})

	snap := tr.Snapshot()
	assert.Equal(t, "inst-9", snap.ID)
	assert.Equal(t, installws.StatusFlashing, snap.Status)
	assert.Equal(t, 70, snap.Progress)
	assert.Equal(t, "make", snap.CurrentStep, "step is kept when an update omits it")
	assert.Equal(t, "Compiling", snap.Message)
	require.Len(t, snap.Logs, 1)
	assert.Equal(t, "Flashing firmware", snap.Logs[0].Message)

	select {
	case <-tr.Done():
		t.Fatal("Done closed before a terminal status")
	default:
	}
}

func TestTracker_WaitForTerminal(t *testing.T) {
	stream := newFakeStream()
	tr := NewTracker(stream, nil, nil)

	go stream.status(installws.InstallationStatus{Status: installws.StatusFailed, Progress: 60, Error: "flash timeout"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := tr.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, installws.StatusFailed, snap.Status)
	assert.Equal(t, "flash timeout", snap.Error)

	// a second terminal status must not close Done twice
	stream.status(installws.InstallationStatus{Status: installws.StatusCancelled})
}

func TestTracker_WaitContextCancelled(t *testing.T) {
	tr := NewTracker(newFakeStream(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTracker_LogRetentionAndSink(t *testing.T) {
	stream := newFakeStream()
	var sunk []string
	tr := NewTracker(stream, nil, nil,
		WithMaxLogs(3),
		WithLogSink(func(id string, l installws.InstallationLog) { sunk = append(sunk, id+":"+l.Message) }),
	)
	require.NoError(t, tr.Watch(context.Background(), "inst-3"))

	for i := 1; i <= 5; i++ {
		stream.log(installws.InstallationLog{Level: installws.LevelInfo, Message: fmt.Sprintf("line %d", i)})
	}

	snap := tr.Snapshot()
	require.Len(t, snap.Logs, 3)
	assert.Equal(t, "line 3", snap.Logs[0].Message)
	assert.Equal(t, "line 5", snap.Logs[2].Message)
	assert.Len(t, sunk, 5)
	assert.Equal(t, "inst-3:line 1", sunk[0])
}

func TestTracker_SnapshotIsACopy(t *testing.T) {
	stream := newFakeStream()
	tr := NewTracker(stream, nil, nil)
	stream.log(installws.InstallationLog{Message: "a"})

	snap := tr.Snapshot()
	snap.Logs[0].Message = "mutated"
	assert.Equal(t, "a", tr.Snapshot().Logs[0].Message)
}

func TestTracker_RecordsLastError(t *testing.T) {
	stream := newFakeStream()
	tr := NewTracker(stream, nil, nil)

	stream.fail(errors.New("connection lost"))
	assert.EqualError(t, tr.Snapshot().LastError, "connection lost")
}

func TestTracker_Cancel(t *testing.T) {
	stream := newFakeStream()
	starter := &fakeStarter{}
	tr := NewTracker(stream, starter, nil)

	assert.Error(t, tr.Cancel(context.Background()), "nothing started yet")

	_, err := tr.Start(context.Background(), "rpi-pico", nil)
	require.NoError(t, err)
	require.NoError(t, tr.Cancel(context.Background()))
	assert.Equal(t, []string{"inst-1"}, starter.cancelled)
}

func TestTracker_Detach(t *testing.T) {
	stream := newFakeStream()
	tr := NewTracker(stream, nil, nil)
	require.Equal(t, 4, stream.listeners())

	tr.Detach()
	tr.Detach()
	assert.Equal(t, 0, stream.listeners())

	stream.status(installws.InstallationStatus{Status: installws.StatusRunning})
	assert.Equal(t, installws.StatusNotStarted, tr.Snapshot().Status)
}

func TestTracker_WatchRequiresID(t *testing.T) {
	tr := NewTracker(newFakeStream(), nil, nil)
	assert.Error(t, tr.Watch(context.Background(), ""))
}

func TestTracker_SubscribePayloadShape(t *testing.T) {
	stream := newFakeStream()
	tr := NewTracker(stream, nil, nil)
	require.NoError(t, tr.Watch(context.Background(), "abc"))

	var req installws.SubscribeRequest
	require.NoError(t, json.Unmarshal(stream.sent[0].Data, &req))
	assert.Equal(t, "abc", req.InstallationID)
}

func TestTracker_ResubscribesAfterReconnect(t *testing.T) {
	stream := newFakeStream()
	tr := NewTracker(stream, nil, nil)
	require.NoError(t, tr.Watch(context.Background(), "inst-5"))
	require.Equal(t, 1, stream.sentCount())

	// first connect: the subscribe above is already queued
	stream.transition(installws.StateDisconnected, installws.StateConnecting)
	stream.transition(installws.StateConnecting, installws.StateConnected)
	assert.Equal(t, 1, stream.sentCount())

	stream.transition(installws.StateConnected, installws.StateReconnecting)
	stream.transition(installws.StateReconnecting, installws.StateConnecting)
	stream.transition(installws.StateConnecting, installws.StateConnected)
	require.Equal(t, 2, stream.sentCount())
	assert.JSONEq(t, `{"installation_id":"inst-5"}`, string(stream.sent[1].Data))

	// nothing to resume once the run is over
	stream.status(installws.InstallationStatus{Status: installws.StatusCompleted, Progress: 100})
	stream.transition(installws.StateConnected, installws.StateReconnecting)
	stream.transition(installws.StateReconnecting, installws.StateConnecting)
	stream.transition(installws.StateConnecting, installws.StateConnected)
	assert.Equal(t, 2, stream.sentCount())
}
