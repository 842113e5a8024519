package installws

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Categories emitted by the installer backend.
const (
	CategoryInstallationStatus = "installation_status"
	CategoryInstallationLog    = "installation_log"
	CategoryBoardDetected      = "board_detected"
	CategoryConfigUpdated      = "config_updated"
	CategoryError              = "error"

	// CategorySubscribe is the command asking the backend to stream events
	// for one installation.
	CategorySubscribe = "subscribe"
)

// Envelope is the unit exchanged over the connection. Type is the dispatch
// category; Data is category-specific JSON and is not interpreted by the
// dispatcher.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewEnvelope marshals v as the payload of an envelope of the given category.
func NewEnvelope(category string, v any) (Envelope, error) {
	if category == "" {
		return Envelope{}, errors.New("envelope type must not be empty")
	}
	if v == nil {
		return Envelope{Type: category, Data: json.RawMessage(`null`)}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", category, err)
	}
	return Envelope{Type: category, Data: data}, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return errors.New("envelope has no data")
	}
	return json.Unmarshal(e.Data, v)
}

// InstallStatus is the state of a server-side installation.
type InstallStatus string

const (
	StatusNotStarted  InstallStatus = "not_started"
	StatusPending     InstallStatus = "pending"
	StatusDownloading InstallStatus = "downloading"
	StatusBuilding    InstallStatus = "building"
	StatusFlashing    InstallStatus = "flashing"
	StatusConfiguring InstallStatus = "configuring"
	StatusRunning     InstallStatus = "running"
	StatusCompleted   InstallStatus = "completed"
	StatusFailed      InstallStatus = "failed"
	StatusCancelled   InstallStatus = "cancelled"
)

// Terminal reports whether no further status changes are expected.
func (s InstallStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// InstallationStatus is the payload of an installation_status event.
type InstallationStatus struct {
	Status      InstallStatus `json:"status"`
	Progress    int           `json:"progress"` // 0-100
	Message     string        `json:"message,omitempty"`
	CurrentStep string        `json:"currentStep,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// Log severities used in installation_log events.
const (
	LevelDebug   = "debug"
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// InstallationLog is the payload of an installation_log event.
type InstallationLog struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"` // ISO-8601, kept verbatim
}

// Time parses Timestamp. Offsets are optional; a timestamp without one is
// read as UTC.
func (l InstallationLog) Time() (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, l.Timestamp); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid log timestamp %q", l.Timestamp)
}

// SubscribeRequest is the payload of a subscribe command.
type SubscribeRequest struct {
	InstallationID string `json:"installation_id"`
}

// parseEnvelope decodes one inbound text frame.
func parseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, errors.New("parse envelope: missing type")
	}
	return env, nil
}

// marshalEnvelope encodes an outbound envelope as one text frame.
func marshalEnvelope(env Envelope) ([]byte, error) {
	if env.Data == nil {
		env.Data = json.RawMessage(`null`)
	}
	return json.Marshal(env)
}
