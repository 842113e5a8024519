package installation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/klipper-installer/installws"
)

var (
	// ErrUnauthorized is returned when the backend rejects the bearer token.
	ErrUnauthorized = errors.New("installer API: unauthorized")

	// ErrForbidden is returned when the token is valid but lacks access to
	// the requested installation.
	ErrForbidden = errors.New("installer API: forbidden")
)

// StartRequest is the body of POST /api/installation/start.
type StartRequest struct {
	Board  string         `json:"board"`
	Config map[string]any `json:"config"`
}

// Installation is the backend's record of one installation run.
type Installation struct {
	ID          string                  `json:"id"`
	Board       string                  `json:"board,omitempty"`
	Status      installws.InstallStatus `json:"status"`
	Progress    int                     `json:"progress"`
	StartedAt   string                  `json:"started_at,omitempty"`
	CompletedAt string                  `json:"completed_at,omitempty"`
	Error       string                  `json:"error,omitempty"`
}

// Starter is the REST side of the installer: it creates and cancels
// installations whose progress is then streamed over the event socket.
type Starter interface {
	Start(ctx context.Context, req StartRequest) (*Installation, error)
	Cancel(ctx context.Context, id string) error
}

// APIError is a non-2xx response from the installer API.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("installer API %s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("installer API %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Detail)
}

// HTTPStarter implements Starter against the installer REST API.
type HTTPStarter struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPStarter returns a Starter for the API rooted at baseURL. A non-empty
// token is sent as a bearer token on every request.
func NewHTTPStarter(baseURL, token string, timeout time.Duration, logger *slog.Logger) *HTTPStarter {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPStarter{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With("component", "installer-api"),
	}
}

// Start asks the backend to begin an installation.
func (s *HTTPStarter) Start(ctx context.Context, req StartRequest) (*Installation, error) {
	var inst Installation
	if err := s.do(ctx, http.MethodPost, "/api/installation/start", req, &inst); err != nil {
		return nil, err
	}
	if inst.ID == "" {
		return nil, errors.New("installer API: start response has no id")
	}
	s.logger.Info("installation started", "id", inst.ID, "board", req.Board)
	return &inst, nil
}

// Cancel asks the backend to stop an installation.
func (s *HTTPStarter) Cancel(ctx context.Context, id string) error {
	path := "/api/installation/" + url.PathEscape(id) + "/cancel"
	if err := s.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return err
	}
	s.logger.Info("installation cancel requested", "id", id)
	return nil
}

// Status fetches the backend's current record for an installation.
func (s *HTTPStarter) Status(ctx context.Context, id string) (*Installation, error) {
	var inst Installation
	path := "/api/installation/" + url.PathEscape(id) + "/status"
	if err := s.do(ctx, http.MethodGet, path, nil, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *HTTPStarter) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("installer API %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &APIError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Detail:     strings.TrimSpace(string(detail)),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}
