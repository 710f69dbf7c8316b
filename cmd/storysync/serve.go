package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/epicforge/storysync/internal/api"
	"github.com/epicforge/storysync/internal/config"
	"github.com/epicforge/storysync/internal/monitor"
	"github.com/epicforge/storysync/internal/telemetry"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the monitor and its HTTP control surface",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides http_listen_addr)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	eng, err := buildEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := telemetry.Init(ctx, "storysync", version); err != nil {
		eng.log.Warn("telemetry init failed, continuing without", "error", err)
	}
	defer telemetry.Shutdown(context.Background())

	notifier := monitor.NewNotifier(eng.cfg.NotificationWebhookURL, eng.log)
	scheduler := monitor.NewScheduler(eng.cfg, eng.tracker, eng.worker,
		eng.store, eng.ledger, eng.accountant, notifier, eng.log, version)

	// Hot-reload the tunable fields when the config file changes.
	if eng.cfg.Path() != "" {
		if err := config.Watch(ctx, eng.cfg.Path(), eng.log, func(next *config.Config) {
			scheduler.ApplyConfig(next)
		}); err != nil {
			eng.log.Warn("config watcher unavailable", "error", err)
		}
	}

	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	addr := serveAddr
	if addr == "" {
		addr = eng.cfg.HTTPListenAddr
	}
	srv := api.NewServer(api.ServerConfig{
		Scheduler:  scheduler,
		Worker:     eng.worker,
		Config:     eng.cfg,
		Accountant: eng.accountant,
		Log:        eng.log,
		Version:    version,
	})

	serveErr := make(chan error, 1)
	go func() {
		eng.log.Info("control surface listening", "addr", addr)
		serveErr <- srv.Start(addr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		eng.log.Info("shutdown signal received")
		runErr = errInterrupted
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			eng.log.Error("http server failed", "error", err)
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		eng.log.Warn("http shutdown incomplete", "error", err)
	}
	if err := scheduler.Stop(shutdownCtx); err != nil && !errors.Is(err, monitor.ErrNotRunning) {
		eng.log.Warn("monitor stop incomplete", "error", err)
	}

	if errors.Is(runErr, errInterrupted) {
		return errInterrupted
	}
	return runErr
}
