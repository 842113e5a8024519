package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultWSURL             = "ws://localhost:8000/ws/installation"
	DefaultAPIURL            = "http://localhost:8000"
	DefaultTimeout           = 10 * time.Second
	DefaultReconnectInterval = 1 * time.Second
	DefaultMaxRetries        = 5
	DefaultMaxDelay          = 30 * time.Second
	DefaultPingInterval      = 30 * time.Second
	DefaultArchiveRecent     = 20
	DefaultMetricsPath       = "/metrics"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
)

func (c *WatchConfig) applyDefaults() {
	// Server defaults
	if c.Server.WSURL == "" {
		c.Server.WSURL = DefaultWSURL
	}
	if c.Server.APIURL == "" {
		c.Server.APIURL = DefaultAPIURL
	}
	if c.Server.Timeout == 0 {
		c.Server.Timeout = DefaultTimeout
	}

	// Reconnect defaults
	if c.Reconnect.Interval == 0 {
		c.Reconnect.Interval = DefaultReconnectInterval
	}
	if c.Reconnect.MaxRetries == 0 {
		c.Reconnect.MaxRetries = DefaultMaxRetries
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = DefaultMaxDelay
	}
	if c.Reconnect.PingInterval == 0 {
		c.Reconnect.PingInterval = DefaultPingInterval
	}

	// Archive defaults
	if c.Archive.Recent == 0 {
		c.Archive.Recent = DefaultArchiveRecent
	}

	// Metrics defaults
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}

// Default returns a config with every optional field at its default, for
// running without a config file.
func Default() *WatchConfig {
	var c WatchConfig
	c.applyDefaults()
	return &c
}
