// Package main runs the event registration and check-in HTTP server with graceful shutdown.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/iconic-events/backend/config"
	"github.com/iconic-events/backend/internal/access"
	"github.com/iconic-events/backend/internal/auth"
	"github.com/iconic-events/backend/internal/checkins"
	"github.com/iconic-events/backend/internal/metrics"
	"github.com/iconic-events/backend/internal/middleware"
	"github.com/iconic-events/backend/internal/realtime"
	"github.com/iconic-events/backend/internal/registrations"
	"github.com/iconic-events/backend/internal/server"
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

	ctx := context.Background()
	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing.ServiceName, cfg.Tracing.Endpoint)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	}

	checks := map[string]server.Checker{}

	var st store.Store
	switch cfg.Database.Driver {
	case config.StoreMemory:
		logger.Warn("using in-memory store; state is lost on restart and not shared between instances")
		st = store.NewMemoryStore()
	default:
		if cfg.Database.AutoMigrate {
			if err := database.Migrate(cfg.Database.DSN(), logger); err != nil {
				logger.Fatal("migrate", zap.Error(err))
			}
		}
		pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
		if err != nil {
			logger.Fatal("database", zap.Error(err))
		}
		defer pool.Close()
		st = store.NewPostgresStore(pool, logger).WithTxAttempts(cfg.Database.TxAttempts)
		checks["postgres"] = pool.Ping
	}

	var (
		rdb      *redis.Client
		hub      *realtime.Hub
		jobQueue *queue.Queue
		limits   server.Limits
	)
	newLimiter := func(limit int) middleware.Limiter {
		if limit <= 0 {
			return nil
		}
		if rdb != nil {
			return middleware.NewRedisLimiter(rdb.Client, limit, cfg.RateLimit.Window)
		}
		return middleware.NewMemoryLimiter(limit, cfg.RateLimit.Window)
	}

	if cfg.Redis.Enabled() {
		rdb, err = redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }

		pubsub := realtime.NewRedisPubSub(rdb.Client, logger)
		hub = realtime.NewHub(logger, pubsub, pubsub)
	} else {
		hub = realtime.NewHub(logger, nil, nil)
	}
	limits = server.Limits{
		Join:     newLimiter(cfg.RateLimit.Join),
		Generate: newLimiter(cfg.RateLimit.Generate),
		Scan:     newLimiter(cfg.RateLimit.Scan),
	}

	policy := access.NewPolicy(access.MembershipMode(cfg.Access.MembershipMode))
	regSvc := registrations.NewService(st, policy, logger)
	checkinSvc := checkins.NewService(st, policy, checkins.Config{
		Window:   cfg.Checkin.Window,
		Cooldown: cfg.Checkin.Cooldown,
	}, hub, logger)

	opts := server.Options{
		Logger:        logger,
		JWT:           auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours),
		Policy:        policy,
		Registrations: regSvc,
		Checkins:      checkinSvc,
		Hub:           hub,
		Limits:        limits,
		CORSOrigins:   cfg.Server.CORSAllowedOrigins,
		Checks:        checks,
	}

	// Background work: join worker and queue gauges
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if cfg.Queue.Enabled {
		jobQueue = queue.NewQueue(rdb.Client, logger)
		opts.JoinQueue = jobQueue
		if cfg.Queue.InProcessWorker {
			go worker.NewJoinProcessor(regSvc, jobQueue, logger).Run(workerCtx)
		}
	}
	if rdb != nil {
		go metrics.NewMonitor(rdb.Client, cfg.Queue.MonitorInterval, logger, queue.QueueJoins, queue.QueueDLQ).Run(workerCtx)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      server.NewRouter(opts),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening",
			zap.String("port", cfg.Server.Port),
			zap.String("store", cfg.Database.Driver),
			zap.Bool("queued_joins", cfg.Queue.Enabled),
			zap.Duration("checkin_window", checkinSvc.Config().Window),
			zap.Duration("checkin_cooldown", checkinSvc.Config().Cooldown))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
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
