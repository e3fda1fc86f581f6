// Package main runs the standalone join-queue worker.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/iconic-events/backend/config"
	"github.com/iconic-events/backend/internal/access"
	"github.com/iconic-events/backend/internal/metrics"
	"github.com/iconic-events/backend/internal/registrations"
	"github.com/iconic-events/backend/internal/store"
	"github.com/iconic-events/backend/internal/worker"
	"github.com/iconic-events/backend/pkg/database"
	"github.com/iconic-events/backend/pkg/queue"
	"github.com/iconic-events/backend/pkg/redis"
	"github.com/iconic-events/backend/pkg/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		newLogger("info").Fatal("load config", zap.Error(err))
	}
	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()

	if cfg.Database.Driver != config.StorePostgres {
		logger.Fatal("the join worker needs the postgres store", zap.String("store", cfg.Database.Driver))
	}
	if !cfg.Redis.Enabled() {
		logger.Fatal("the join worker needs redis")
	}

	ctx := context.Background()
	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing.ServiceName+"-worker", cfg.Tracing.Endpoint)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	}

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	st := store.NewPostgresStore(pool, logger).WithTxAttempts(cfg.Database.TxAttempts)
	policy := access.NewPolicy(access.MembershipMode(cfg.Access.MembershipMode))
	regSvc := registrations.NewService(st, policy, logger)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	processor := worker.NewJoinProcessor(regSvc, jobQueue, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		processor.Run(workerCtx)
		close(done)
	}()
	go metrics.NewMonitor(rdb.Client, cfg.Queue.MonitorInterval, logger, queue.QueueJoins, queue.QueueDLQ).Run(workerCtx)
	logger.Info("worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	select {
	case <-done:
	case <-time.After(cfg.Server.ShutdownTimeout):
		logger.Warn("worker did not stop in time")
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = shutdownTracing(shutdownCtx)
	logger.Info("worker stopped")
}

func newLogger(level string) *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		config.Level = lvl
	}
	logger, _ := config.Build()
	return logger
}
