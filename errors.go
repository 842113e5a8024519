package installws

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Sentinel errors for client state.
var (
	ErrNotConnected   = errors.New("client is not connected")
	ErrConnectAborted = errors.New("connect aborted by disconnect")
)

// ConnectionError describes a failure to establish the transport.
type ConnectionError struct {
	URL    string
	Reason string
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error [%s]: %s", e.URL, e.Reason)
}

// ErrorKind classifies client errors. An ErrorKind is itself an error, so
// errors.Is(err, ErrRetryExhausted) matches any *Error of that kind.
type ErrorKind int

const (
	ErrConnection     ErrorKind = iota // transport could not be established or was lost
	ErrSend                            // writing a specific message failed while connected
	ErrParse                           // inbound frame was malformed and dropped
	ErrRetryExhausted                  // automatic reconnection gave up
	ErrListenerPanic                   // a subscriber panicked during dispatch
)

var errorKindNames = [...]string{
	ErrConnection:     "ErrConnection",
	ErrSend:           "ErrSend",
	ErrParse:          "ErrParse",
	ErrRetryExhausted: "ErrRetryExhausted",
	ErrListenerPanic:  "ErrListenerPanic",
}

func (k ErrorKind) String() string {
	if int(k) >= 0 && int(k) < len(errorKindNames) {
		return errorKindNames[k]
	}
	return fmt.Sprintf("ErrorKind(%d)", k)
}

func (k ErrorKind) Error() string {
	return k.String()
}

// Error is delivered to OnError listeners and returned from Connect and Send.
type Error struct {
	Kind      ErrorKind
	Category  string // envelope category, if known
	Attempt   int    // reconnect attempt, for connection and retry errors
	Cause     error
	Raw       []byte // raw frame, for parse failures
	Timestamp time.Time
}

func newError(kind ErrorKind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause, Timestamp: time.Now()}
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Category != "" {
		s += " [" + e.Category + "]"
	}
	if e.Kind == ErrRetryExhausted || (e.Kind == ErrConnection && e.Attempt > 0) {
		s += fmt.Sprintf(" (attempt=%d)", e.Attempt)
	}
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches an ErrorKind target against e.Kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(ErrorKind)
	return ok && k == e.Kind
}

// ErrorHandler receives errors that have no direct caller, and a copy of
// those that do.
type ErrorHandler func(error)

// LogErrors returns an ErrorHandler that logs every client error.
func LogErrors(logger *slog.Logger) ErrorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(err error) {
		var e *Error
		if !errors.As(err, &e) {
			logger.Error("installws error", "error", err)
			return
		}
		attrs := []any{"kind", e.Kind.String()}
		if e.Category != "" {
			attrs = append(attrs, "category", e.Category)
		}
		if e.Attempt > 0 {
			attrs = append(attrs, "attempt", e.Attempt)
		}
		if e.Cause != nil {
			attrs = append(attrs, "error", e.Cause)
		}
		switch e.Kind {
		case ErrParse, ErrListenerPanic:
			logger.Warn("installws error", attrs...)
		default:
			logger.Error("installws error", attrs...)
		}
	}
}
