// Package simulator is a stand-in installer backend for development and
// tests. It serves the installation REST endpoints and streams a scripted
// run over the event socket.
package simulator

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/klipper-installer/installws"
	"github.com/klipper-installer/installws/internal/installation"
)

// Config configures a Server.
type Config struct {
	// StepInterval is the pause before each scripted step.
	StepInterval time.Duration

	// Script is the run every installation follows. Defaults to DefaultScript.
	Script []Step

	// Token, when set, is required as a bearer token on every request.
	Token string

	Logger *slog.Logger
}

// Server is the simulated installer backend.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	runs     map[string]*run
	sessions map[*session]struct{}
	done     chan struct{}
	closed   bool
}

// run is one simulated installation.
type run struct {
	info        installation.Installation
	step        installws.InstallationStatus
	subscribers map[*session]struct{}
	cancel      chan struct{}
	cancelOnce  sync.Once
}

// New creates a Server. Runs start advancing as soon as they are created.
func New(cfg Config) *Server {
	if cfg.StepInterval <= 0 {
		cfg.StepInterval = time.Second
	}
	if len(cfg.Script) == 0 {
		cfg.Script = DefaultScript()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "simulator"),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		runs:     make(map[string]*run),
		sessions: make(map[*session]struct{}),
		done:     make(chan struct{}),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Post("/api/installation/start", s.handleStart)
		r.Get("/api/installation/active", s.handleActive)
		r.Get("/api/installation/{id}/status", s.handleStatus)
		r.Post("/api/installation/{id}/cancel", s.handleCancel)
		r.Get("/ws/installation", s.handleSocket)
		r.Post("/debug/drop", s.handleDrop)
	})
	return r
}

// Close stops every run and closes every socket.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
}

// DropConnections closes every socket without a close handshake, as a
// crashed backend would. Runs keep advancing.
func (s *Server) DropConnections() int {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.conn.Close()
	}
	return len(sessions)
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.cfg.Token {
			writeError(w, http.StatusUnauthorized, "missing or invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("ok"))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req installation.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Board) == "" {
		writeError(w, http.StatusBadRequest, "board is required")
		return
	}

	rn := &run{
		info: installation.Installation{
			ID:        uuid.NewString(),
			Board:     req.Board,
			Status:    installws.StatusPending,
			StartedAt: time.Now().UTC().Format(time.RFC3339),
		},
		step:        installws.InstallationStatus{Status: installws.StatusPending, Message: "Queued"},
		subscribers: make(map[*session]struct{}),
		cancel:      make(chan struct{}),
	}

	s.mu.Lock()
	s.runs[rn.info.ID] = rn
	info := rn.info
	s.mu.Unlock()

	go s.advance(rn)

	s.logger.Info("installation started", "id", info.ID, "board", req.Board)
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	active := []installation.Installation{}
	for _, rn := range s.runs {
		if !rn.info.Status.Terminal() {
			active = append(active, rn.info)
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, active)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	rn, ok := s.runs[chi.URLParam(r, "id")]
	var info installation.Installation
	if ok {
		info = rn.info
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "installation not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	rn, ok := s.runs[id]
	terminal := ok && rn.info.Status.Terminal()
	s.mu.Unlock()

	switch {
	case !ok:
		writeError(w, http.StatusNotFound, "installation not found")
	case terminal:
		writeError(w, http.StatusConflict, "installation already finished")
	default:
		rn.cancelOnce.Do(func() { close(rn.cancel) })
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) handleDrop(w http.ResponseWriter, r *http.Request) {
	n := s.DropConnections()
	writeJSON(w, http.StatusOK, map[string]int{"dropped": n})
}

// advance walks rn through the script, publishing each step.
func (s *Server) advance(rn *run) {
	timer := time.NewTimer(s.cfg.StepInterval)
	defer timer.Stop()

	for _, step := range s.cfg.Script {
		select {
		case <-s.done:
			return
		case <-rn.cancel:
			s.apply(rn, installws.InstallationStatus{
				Status:   installws.StatusCancelled,
				Progress: s.progress(rn),
				Message:  "Installation cancelled",
			}, nil)
			return
		case <-timer.C:
			timer.Reset(s.cfg.StepInterval)
		}

		s.apply(rn, installws.InstallationStatus{
			Status:      step.Status,
			Progress:    step.Progress,
			CurrentStep: step.CurrentStep,
			Message:     step.Message,
		}, step.Logs)

		if step.Status.Terminal() {
			return
		}
	}
}

func (s *Server) progress(rn *run) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return rn.info.Progress
}

// apply records a status change and sends it, followed by its log lines, to
// every subscriber of rn.
func (s *Server) apply(rn *run, st installws.InstallationStatus, logs []LogLine) {
	s.mu.Lock()
	rn.step = st
	rn.info.Status = st.Status
	rn.info.Progress = st.Progress
	rn.info.Error = st.Error
	if st.Status.Terminal() {
		rn.info.CompletedAt = time.Now().UTC().Format(time.RFC3339)
	}
	subs := make([]*session, 0, len(rn.subscribers))
	for sess := range rn.subscribers {
		subs = append(subs, sess)
	}
	s.mu.Unlock()

	statusEnv, _ := installws.NewEnvelope(installws.CategoryInstallationStatus, st)
	envs := []installws.Envelope{statusEnv}
	for _, l := range logs {
		env, _ := installws.NewEnvelope(installws.CategoryInstallationLog, installws.InstallationLog{
			Level:     l.Level,
			Message:   l.Message,
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		})
		envs = append(envs, env)
	}

	for _, sess := range subs {
		for _, env := range envs {
			if err := sess.send(env); err != nil {
				s.logger.Debug("dropping subscriber", "session", sess.id, "error", err)
				break
			}
		}
	}
}

// subscribe attaches sess to a run and replays its current status.
func (s *Server) subscribe(sess *session, id string) {
	s.mu.Lock()
	rn, ok := s.runs[id]
	var current installws.InstallationStatus
	if ok {
		rn.subscribers[sess] = struct{}{}
		current = rn.step
	}
	s.mu.Unlock()

	if !ok {
		env, _ := installws.NewEnvelope(installws.CategoryError, map[string]string{
			"message":         "unknown installation",
			"installation_id": id,
		})
		sess.send(env)
		return
	}

	env, _ := installws.NewEnvelope(installws.CategoryInstallationStatus, current)
	sess.send(env)
	s.logger.Debug("session subscribed", "session", sess.id, "installation", id)
}

func (s *Server) forget(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess)
	for _, rn := range s.runs {
		delete(rn.subscribers, sess)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	http.Error(w, msg, status)
}
