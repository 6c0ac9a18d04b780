package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/JeanGrijp/ipblock/internal/app"
	"github.com/JeanGrijp/ipblock/internal/config"
	"github.com/JeanGrijp/ipblock/internal/logging"
	"github.com/JeanGrijp/ipblock/internal/metrics"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server_failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := logging.Initialize(app.LoggingConfig(cfg.Logging)); err != nil {
		return fmt.Errorf("failed to init logging: %w", err)
	}
	defer func() { _ = logging.Close() }()
	logger := logging.Get()

	metrics.Register()

	svc, cleanup, err := app.BuildService(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create ip block service: %w", err)
	}
	defer cleanup()

	if cfg.ConfigFile != "" {
		watcher, err := config.NewWatcher(cfg.ConfigFile, logging.WithComponent("config"), app.ReloadFunc(svc, cfg.ConfigFile, logger))
		if err != nil {
			logger.Warn("config_watch_disabled", "path", cfg.ConfigFile, "error", err)
		} else {
			watcher.Start()
			defer func() { _ = watcher.Close() }()
		}
	}

	r := newRouter(svc, routerConfig{
		AdminToken:   cfg.Admin.Token,
		MaxBodyBytes: cfg.IPBlock.MaxBodyBytes,
	}, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server_listening", "addr", srv.Addr, "storage", cfg.Storage.Type, "counters", cfg.Storage.CounterStore)
		err := srv.ListenAndServe()
		if err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown_signal_received")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful_shutdown_failed", "error", err)
	}
	return nil
}
