package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *WatchConfig) Validate() error {
	if err := validateURL("server.ws_url", c.Server.WSURL, "ws", "wss"); err != nil {
		return err
	}
	if err := validateURL("server.api_url", c.Server.APIURL, "http", "https"); err != nil {
		return err
	}
	if c.Server.Timeout < 0 {
		return fmt.Errorf("server.timeout must not be negative, got %v", c.Server.Timeout)
	}

	if c.Reconnect.Interval < 0 {
		return fmt.Errorf("reconnect.interval must not be negative, got %v", c.Reconnect.Interval)
	}
	if c.Reconnect.MaxDelay < c.Reconnect.Interval {
		return fmt.Errorf("reconnect.max_delay (%v) cannot be less than reconnect.interval (%v)",
			c.Reconnect.MaxDelay, c.Reconnect.Interval)
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1 {
		return fmt.Errorf("reconnect.jitter must be between 0 and 1, got %v", c.Reconnect.Jitter)
	}

	if c.Installation.ID == "" && c.Installation.Board == "" {
		return errors.New("installation.id or installation.board is required")
	}

	if c.Archive.Recent < 1 {
		return errors.New("archive.recent must be >= 1")
	}

	if c.Metrics.Addr != "" && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path)
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

func validateURL(field, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s must use %s, got %q", field, strings.Join(schemes, " or "), u.Scheme)
}
