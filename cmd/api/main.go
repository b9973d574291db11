package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"orchestra/internal/config"
	"orchestra/internal/core"
	"orchestra/internal/gateway"
	"orchestra/internal/logging"
	"orchestra/internal/telemetry"
)

func main() {
	port := flag.String("port", "", "server port (overrides PORT)")
	flag.Parse()

	if err := run(*port); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(portFlag string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if portFlag != "" {
		cfg.Port = config.NormalizePort(portFlag)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.Install(cfg.Metrics.Exporter, os.Stdout, cfg.Metrics.Interval)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			logger.Warn("metrics shutdown", zap.Error(err))
		}
	}()

	orch, cleanup, err := core.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}
	defer cleanup()

	handler := gateway.NewHandler(orch, gateway.NewSessions(0, 0), logger)
	srv := gateway.NewServer(cfg.Port, handler.Routes(), logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down", zap.String("addr", srv.Addr()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
