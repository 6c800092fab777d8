// Package main runs the background job worker (provisioning sagas, audit
// stream archive).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/orgforge/backend/config"
	"github.com/orgforge/backend/internal/app"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if cfg.Storage.Backend == "memory" {
		logger.Fatal("the standalone worker needs shared storage; the memory backend runs its worker inside the server")
	}

	ctx := context.Background()
	a, err := app.New(ctx, cfg, app.Dependencies{}, logger)
	if err != nil {
		logger.Fatal("init", zap.Error(err))
	}
	defer a.Close()
	if a.Archive == nil {
		logger.Warn("AWS_S3_AUDIT_BUCKET not set, archive jobs stay queued")
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.RunWorker(workerCtx)
	}()
	logger.Info("worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Warn("worker did not stop in time")
	}
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
