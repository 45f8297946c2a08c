// Package main runs the background video worker: the reconciliation sweep and
// the asset delete and reconcile job queues.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/orthodoxlms/backend/config"
	"github.com/orthodoxlms/backend/internal/bootstrap"
)

const (
	exitOK            = 0
	exitRuntime       = 1
	exitInvalidConfig = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config", zap.Error(err))
		return exitInvalidConfig
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", zap.Error(err))
		return exitInvalidConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := bootstrap.Open(ctx, cfg, false, logger)
	if err != nil {
		logger.Error("startup", zap.Error(err))
		return exitRuntime
	}
	defer deps.Close()

	processor, reconciler := deps.Workers(cfg, logger)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return reconciler.Run(gctx) })
	g.Go(func() error { return processor.Run(gctx) })
	logger.Info("worker started",
		zap.Duration("reconcile_period", cfg.Reconcile.Period()),
		zap.Duration("reconcile_grace", cfg.Reconcile.Grace()))

	if err := g.Wait(); err != nil {
		logger.Error("worker", zap.Error(err))
		return exitRuntime
	}
	logger.Info("worker stopped")
	return exitOK
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
