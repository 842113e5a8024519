package installws

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// wsDialer implements dialer over gorilla/websocket.
type wsDialer struct {
	header           http.Header
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	pingInterval     time.Duration
	logger           *slog.Logger
}

func (d *wsDialer) dial(ctx context.Context, rawURL string, hooks transportHooks) (transport, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.handshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, d.header.Clone())
	if err != nil {
		reason := err.Error()
		if resp != nil {
			reason = fmt.Sprintf("%s (status %d)", reason, resp.StatusCode)
		}
		return nil, &ConnectionError{URL: rawURL, Reason: reason}
	}

	s := &wsTransport{
		conn:         conn,
		hooks:        hooks,
		writeTimeout: d.writeTimeout,
		pingInterval: d.pingInterval,
		logger:       d.logger.With("session", uuid.NewString()),
		done:         make(chan struct{}),
	}

	if s.pingInterval > 0 {
		s.extendReadDeadline()
		conn.SetPongHandler(func(string) error {
			s.extendReadDeadline()
			return nil
		})
		go s.heartbeatLoop()
	}
	go s.readLoop()

	s.logger.Debug("websocket connected", "url", rawURL)
	return s, nil
}

// wsTransport is one gorilla websocket connection.
type wsTransport struct {
	conn         *websocket.Conn
	hooks        transportHooks
	writeTimeout time.Duration
	pingInterval time.Duration
	logger       *slog.Logger

	writeMu   sync.Mutex // gorilla allows one concurrent writer
	closeOnce sync.Once
	done      chan struct{}
}

func (s *wsTransport) send(data []byte) error {
	select {
	case <-s.done:
		return ErrNotConnected
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.writeTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsTransport) close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = s.conn.Close()
	})
	return err
}

func (s *wsTransport) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.logger.Debug("websocket read failed", "error", err)
			s.conn.Close()
			if s.hooks.onClose != nil {
				s.hooks.onClose(err)
			}
			return
		}

		if s.pingInterval > 0 {
			s.extendReadDeadline()
		}
		if s.hooks.onFrame != nil {
			s.hooks.onFrame(data)
		}
	}
}

// heartbeatLoop pings the server. A failed ping closes the socket, which
// surfaces through readLoop as an unsolicited close.
func (s *wsTransport) heartbeatLoop() {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.pingInterval)
			if err := s.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				s.logger.Debug("failed to send ping", "error", err)
				s.conn.Close()
				return
			}
		}
	}
}

// extendReadDeadline allows two missed pongs before the read fails.
func (s *wsTransport) extendReadDeadline() {
	s.conn.SetReadDeadline(time.Now().Add(2 * s.pingInterval))
}
