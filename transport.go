package installws

import "context"

// transport is one live connection handle. The Client owns at most one at a
// time and never hands it out.
type transport interface {
	// send writes one text frame.
	send(data []byte) error

	// close tears the connection down. onClose is not delivered for a
	// connection closed this way.
	close() error
}

// transportHooks are the callbacks a transport delivers on its read goroutine.
type transportHooks struct {
	// onFrame is called for each inbound text frame, in arrival order.
	onFrame func(data []byte)

	// onClose is called once when the connection is lost without close
	// having been called.
	onClose func(err error)
}

// dialer opens transports. The websocket implementation lives in socket.go;
// tests substitute an in-memory one.
type dialer interface {
	dial(ctx context.Context, url string, hooks transportHooks) (transport, error)
}
