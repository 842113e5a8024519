// installsim runs a simulated installer backend: the installation REST API
// and event socket, with every run following a scripted Klipper install.
//
// Usage:
//
//	go run ./cmd/installsim -addr :8000 -step 2s
//	go run ./cmd/installsim -token s3cret -debug
//
// POST /debug/drop closes every open socket, to exercise client reconnects.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/klipper-installer/installws/internal/simulator"
)

func main() {
	addr := flag.String("addr", ":8000", "listen address")
	step := flag.Duration("step", time.Second, "pause between scripted steps")
	token := flag.String("token", os.Getenv("INSTALLSIM_TOKEN"), "bearer token required on every request")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	sim := simulator.New(simulator.Config{
		StepInterval: *step,
		Token:        *token,
		Logger:       logger,
	})
	srv := &http.Server{
		Addr:              *addr,
		Handler:           sim.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("simulator listening", "addr", *addr, "step", *step, "auth", *token != "")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	sim.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}
