// Package config loads the installwatch YAML configuration.
package config

import "time"

// WatchConfig is the top-level configuration for cmd/installwatch.
type WatchConfig struct {
	Server       ServerConfig       `yaml:"server"`
	Reconnect    ReconnectConfig    `yaml:"reconnect"`
	Installation InstallationConfig `yaml:"installation"`
	Archive      ArchiveConfig      `yaml:"archive"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Log          LogConfig          `yaml:"log"`
}

// ServerConfig locates the installer backend.
type ServerConfig struct {
	WSURL   string        `yaml:"ws_url"`
	APIURL  string        `yaml:"api_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// ReconnectConfig maps onto installws.Config and its options.
type ReconnectConfig struct {
	Interval     time.Duration `yaml:"interval"`
	MaxRetries   int           `yaml:"max_retries"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Jitter       float64       `yaml:"jitter"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

// InstallationConfig selects what to watch. With ID set the watcher attaches
// to a running installation; otherwise it starts one for Board.
type InstallationConfig struct {
	ID     string         `yaml:"id"`
	Board  string         `yaml:"board"`
	Config map[string]any `yaml:"config"`
}

// ArchiveConfig enables the Postgres log archive when DSN is set.
type ArchiveConfig struct {
	DSN    string `yaml:"dsn"`
	Recent int    `yaml:"recent"`
}

// MetricsConfig controls the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
	Path string `yaml:"path"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
	Debug  bool   `yaml:"debug"`  // verbose client tracing
}

// Enabled reports whether the archive is configured.
func (a ArchiveConfig) Enabled() bool {
	return a.DSN != ""
}
