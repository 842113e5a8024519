package installws

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Default values for optional Config fields.
const (
	DefaultReconnectInterval = 1 * time.Second
	DefaultMaxRetries        = 5
	DefaultMaxDelay          = 30 * time.Second
)

// Config holds the configuration for an installer event client.
type Config struct {
	// URL is the WebSocket endpoint of the installer backend.
	// It is fixed for the lifetime of the client.
	// Fallback: INSTALLWS_URL environment variable.
	URL string

	// ReconnectInterval is the base backoff unit. The first automatic
	// reconnect waits this long, the next twice as long, and so on.
	// Fallback: INSTALLWS_RECONNECT_INTERVAL (Go duration syntax).
	ReconnectInterval time.Duration

	// MaxRetries bounds consecutive automatic reconnects after an
	// unexpected drop. Zero means DefaultMaxRetries; a negative value
	// disables automatic reconnection.
	// Fallback: INSTALLWS_MAX_RETRIES.
	MaxRetries int

	// MaxDelay caps a single backoff wait.
	MaxDelay time.Duration

	// Debug enables verbose tracing of state changes, frames and queue activity.
	// Fallback: INSTALLWS_DEBUG.
	Debug bool
}

// resolveConfig fills empty fields from environment variables and defaults,
// then validates the result.
func resolveConfig(cfg Config) (Config, error) {
	if cfg.URL == "" {
		cfg.URL = os.Getenv("INSTALLWS_URL")
	}
	if cfg.ReconnectInterval == 0 {
		if v := os.Getenv("INSTALLWS_RECONNECT_INTERVAL"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return cfg, fmt.Errorf("INSTALLWS_RECONNECT_INTERVAL: %w", err)
			}
			cfg.ReconnectInterval = d
		}
	}
	if cfg.MaxRetries == 0 {
		if v := os.Getenv("INSTALLWS_MAX_RETRIES"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return cfg, fmt.Errorf("INSTALLWS_MAX_RETRIES: %w", err)
			}
			cfg.MaxRetries = n
		}
	}
	if !cfg.Debug {
		if v := os.Getenv("INSTALLWS_DEBUG"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return cfg, fmt.Errorf("INSTALLWS_DEBUG: %w", err)
			}
			cfg.Debug = b
		}
	}

	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}

	if cfg.URL == "" {
		return cfg, errors.New("URL is required (set in Config or INSTALLWS_URL env)")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return cfg, fmt.Errorf("parse URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return cfg, fmt.Errorf("URL scheme must be ws or wss, got %q", u.Scheme)
	}
	if cfg.ReconnectInterval < 0 {
		return cfg, fmt.Errorf("ReconnectInterval must not be negative, got %v", cfg.ReconnectInterval)
	}
	if cfg.MaxDelay < cfg.ReconnectInterval {
		return cfg, fmt.Errorf("MaxDelay (%v) cannot be less than ReconnectInterval (%v)", cfg.MaxDelay, cfg.ReconnectInterval)
	}

	return cfg, nil
}
