package simulator

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/klipper-installer/installws"
)

const writeWait = 5 * time.Second

// session is one client socket.
type session struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
}

func (s *session) send(env installws.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *session) close() {
	s.once.Do(func() {
		s.writeMu.Lock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "simulator shutting down"),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		s.conn.Close()
	})
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	sess := &session{id: uuid.NewString(), conn: conn}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sess.close()
		return
	}
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	s.logger.Debug("session opened", "session", sess.id)
	defer func() {
		s.forget(sess)
		conn.Close()
		s.logger.Debug("session closed", "session", sess.id)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env installws.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			reply, _ := installws.NewEnvelope(installws.CategoryError, map[string]string{"message": "malformed envelope"})
			sess.send(reply)
			continue
		}

		switch env.Type {
		case installws.CategorySubscribe:
			var req installws.SubscribeRequest
			if err := env.Decode(&req); err != nil || req.InstallationID == "" {
				reply, _ := installws.NewEnvelope(installws.CategoryError, map[string]string{"message": "subscribe requires installation_id"})
				sess.send(reply)
				continue
			}
			s.subscribe(sess, req.InstallationID)
		default:
			s.logger.Debug("ignoring command", "session", sess.id, "type", env.Type)
		}
	}
}
