// installwatch follows one Klipper installation on the installer backend and
// prints its progress and logs until it finishes.
//
// Configuration is read from a YAML file; ${VAR} references are expanded
// from the environment.
//
// Usage:
//
//	go run ./cmd/installwatch -config installwatch.yaml
//	go run ./cmd/installwatch -board btt-skr-mini-e3-v3
//	go run ./cmd/installwatch -id 6f1c...
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/klipper-installer/installws"
	"github.com/klipper-installer/installws/internal/config"
	"github.com/klipper-installer/installws/internal/installation"
	"github.com/klipper-installer/installws/internal/logstore"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (optional)")
	board := flag.String("board", "", "start a new installation for this board")
	id := flag.String("id", "", "watch an existing installation")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	if *board != "" {
		cfg.Installation.Board = *board
	}
	if *id != "" {
		cfg.Installation.ID = *id
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("installwatch failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.WatchConfig, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadWithDefaults(path)
}

func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}

func run(ctx context.Context, cfg *config.WatchConfig, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	client, err := installws.NewClient(installws.Config{
		URL:               cfg.Server.WSURL,
		ReconnectInterval: cfg.Reconnect.Interval,
		MaxRetries:        cfg.Reconnect.MaxRetries,
		MaxDelay:          cfg.Reconnect.MaxDelay,
		Debug:             cfg.Log.Debug,
	},
		installws.WithLogger(logger),
		installws.WithBearerToken(cfg.Server.Token),
		installws.WithHandshakeTimeout(cfg.Server.Timeout),
		installws.WithPingInterval(cfg.Reconnect.PingInterval),
		installws.WithJitter(cfg.Reconnect.Jitter),
		installws.WithMetrics(reg),
		installws.WithErrorHandler(installws.LogErrors(logger)),
	)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer client.Close()

	var store *logstore.Store
	var writer *logstore.Writer
	if cfg.Archive.Enabled() {
		store, err = logstore.Open(ctx, cfg.Archive.DSN, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		writer = logstore.NewWriter(store, logstore.DefaultWriterConfig(), logger)
		writer.Start(ctx)
	}

	sink := func(id string, l installws.InstallationLog) {
		fmt.Printf("       %-7s %s\n", l.Level, l.Message)
		if writer != nil {
			writer.Record(id, l)
		}
	}
	starter := installation.NewHTTPStarter(cfg.Server.APIURL, cfg.Server.Token, cfg.Server.Timeout, logger)
	tracker := installation.NewTracker(client, starter, logger, installation.WithLogSink(sink))
	defer tracker.Detach()

	client.OnInstallationStatus(func(st installws.InstallationStatus) {
		fmt.Printf("[%3d%%] %-12s %s\n", st.Progress, st.Status, st.Message)
	})
	client.OnStateChange(func(sc installws.StateChange) {
		if sc.To == installws.StateReconnecting || sc.To == installws.StateClosed {
			fmt.Printf("connection %s\n", sc.To)
		}
	})

	if err := client.Connect(ctx); err != nil {
		return err
	}

	id := cfg.Installation.ID
	if id != "" {
		if err := tracker.Watch(ctx, id); err != nil {
			return err
		}
	} else {
		id, err = tracker.Start(ctx, cfg.Installation.Board, cfg.Installation.Config)
		if err != nil {
			return err
		}
	}
	logger.Info("watching installation", "id", id)

	snap, waitErr := tracker.Wait(ctx)

	if writer != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		writer.Stop(stopCtx)
		cancel()
		stats := writer.Stats()
		logger.Info("log archive flushed", "inserted", stats.Inserted, "dropped", stats.Dropped)
		printArchive(store, id, cfg.Archive.Recent, logger)
	}

	if waitErr != nil {
		if errors.Is(waitErr, context.Canceled) {
			logger.Info("interrupted", "id", id, "status", snap.Status)
			return nil
		}
		return waitErr
	}

	fmt.Printf("installation %s finished: %s\n", id, snap.Status)
	if snap.Status == installws.StatusFailed {
		return fmt.Errorf("installation failed: %s", snap.Error)
	}
	return nil
}

func serveMetrics(cfg config.MetricsConfig, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", "addr", cfg.Addr, "path", cfg.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}

func printArchive(store *logstore.Store, id string, limit int, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	entries, err := store.Recent(ctx, id, limit)
	if err != nil {
		logger.Warn("read archived logs", "error", err)
		return
	}
	fmt.Printf("last %d archived log lines:\n", len(entries))
	for _, e := range entries {
		fmt.Printf("  %s %-7s %s\n", e.ReceivedAt.Format(time.TimeOnly), e.Level, e.Message)
	}
}
