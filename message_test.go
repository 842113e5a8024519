package installws

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseEnvelope_InstallationStatus(t *testing.T) {
	frame := []byte(`{"type":"installation_status","data":{"status":"building","progress":42,"currentStep":"compile klipper"}}`)

	env, err := parseEnvelope(frame)
	if err != nil {
		t.Fatalf("parseEnvelope() error: %v", err)
	}
	if env.Type != CategoryInstallationStatus {
		t.Errorf("Type = %q, want %q", env.Type, CategoryInstallationStatus)
	}

	var st InstallationStatus
	if err := env.Decode(&st); err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if st.Status != StatusBuilding {
		t.Errorf("Status = %q, want %q", st.Status, StatusBuilding)
	}
	if st.Progress != 42 {
		t.Errorf("Progress = %d, want 42", st.Progress)
	}
	if st.CurrentStep != "compile klipper" {
		t.Errorf("CurrentStep = %q, want %q", st.CurrentStep, "compile klipper")
	}
}

func TestParseEnvelope_KeepsUnknownCategoryPayloadVerbatim(t *testing.T) {
	env, err := parseEnvelope([]byte(`{"type":"x","data":[1, 2,3]}`))
	if err != nil {
		t.Fatalf("parseEnvelope() error: %v", err)
	}
	if string(env.Data) != `[1, 2,3]` {
		t.Errorf("Data = %s, want payload untouched", env.Data)
	}
}

func TestParseEnvelope_Malformed(t *testing.T) {
	tests := map[string]string{
		"not json":     `{not json`,
		"missing type": `{"data":{}}`,
		"empty type":   `{"type":"","data":{}}`,
		"array":        `[1,2]`,
	}
	for name, frame := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := parseEnvelope([]byte(frame)); err == nil {
				t.Errorf("parseEnvelope(%s) should fail", frame)
			}
		})
	}
}

func TestMarshalEnvelope_ExactFrame(t *testing.T) {
	env, err := NewEnvelope("cmd", map[string]int{"x": 1})
	if err != nil {
		t.Fatalf("NewEnvelope() error: %v", err)
	}
	data, err := marshalEnvelope(env)
	if err != nil {
		t.Fatalf("marshalEnvelope() error: %v", err)
	}
	if got, want := string(data), `{"type":"cmd","data":{"x":1}}`; got != want {
		t.Errorf("frame = %s, want %s", got, want)
	}
}

func TestMarshalEnvelope_NilData(t *testing.T) {
	data, err := marshalEnvelope(Envelope{Type: "ping"})
	if err != nil {
		t.Fatalf("marshalEnvelope() error: %v", err)
	}
	if got, want := string(data), `{"type":"ping","data":null}`; got != want {
		t.Errorf("frame = %s, want %s", got, want)
	}
}

func TestNewEnvelope_EmptyCategory(t *testing.T) {
	if _, err := NewEnvelope("", nil); err == nil {
		t.Fatal("NewEnvelope() should reject an empty category")
	}
}

func TestEnvelope_DecodeEmpty(t *testing.T) {
	var v map[string]any
	if err := (Envelope{Type: "x"}).Decode(&v); err == nil {
		t.Fatal("Decode() should fail without data")
	}
}

func TestSubscribeRequest_WireName(t *testing.T) {
	data, err := json.Marshal(SubscribeRequest{InstallationID: "inst-7"})
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	if got, want := string(data), `{"installation_id":"inst-7"}`; got != want {
		t.Errorf("payload = %s, want %s", got, want)
	}
}

func TestInstallStatus_Terminal(t *testing.T) {
	for _, s := range []InstallStatus{StatusCompleted, StatusFailed, StatusCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []InstallStatus{StatusPending, StatusBuilding, StatusFlashing, StatusRunning} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestInstallationLog_Time(t *testing.T) {
	tests := []struct {
		ts   string
		want time.Time
	}{
		{"2024-05-01T12:30:00Z", time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)},
		{"2024-05-01T12:30:00.250", time.Date(2024, 5, 1, 12, 30, 0, 250_000_000, time.UTC)},
		{"2024-05-01T14:30:00+02:00", time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := InstallationLog{Timestamp: tt.ts}.Time()
		if err != nil {
			t.Errorf("Time(%q) error: %v", tt.ts, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("Time(%q) = %v, want %v", tt.ts, got, tt.want)
		}
	}

	if _, err := (InstallationLog{Timestamp: "yesterday"}).Time(); err == nil {
		t.Error("Time() should reject a malformed timestamp")
	}
}
