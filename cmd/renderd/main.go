package main

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"renderd/internal/config"
	"renderd/internal/daemon/supervisor"
	"renderd/internal/handler"
	"renderd/internal/httpapi"
	"renderd/internal/httpapi/handlers"
	"renderd/internal/pkg/errors"
	"renderd/internal/pkg/logger"
	"renderd/internal/pkg/shutdown"
	"renderd/internal/render"
	"renderd/internal/repositories"
	"renderd/internal/storage"
	"renderd/internal/worker"
	"renderd/internal/worker/processor"
	"renderd/internal/worker/queue"
)

func main() {
	log := logger.New(logger.DefaultConfig())

	cfg, err := config.Load()
	if err != nil {
		log.LogFatal("invalid configuration", err)
	}

	log.Info("starting renderd",
		"transport", string(cfg.Worker.Transport),
		"binary", cfg.Worker.Binary,
		"async", cfg.AsyncEnabled(),
	)

	ctx := context.Background()
	shutdownMgr := shutdown.NewManager(log, cfg.ShutdownTimeout)

	// The worker is registered first so it is the last thing stopped. It
	// runs even when the HTTP drain used up the budget, or it would outlive
	// renderd in its own process group.
	sup := supervisor.New(cfg.Worker, log)
	shutdownMgr.RegisterAlways("worker", sup.Terminate)

	// fatal stops the worker before exiting.
	fatal := func(msg string, err error) {
		shutdownMgr.Shutdown()
		log.LogFatal(msg, err)
	}

	orch := render.New(sup, cfg.Render, log)
	inv := handler.New(orch, log)

	if cfg.EagerStart {
		startCtx, cancel := context.WithTimeout(ctx, cfg.Worker.SocketWait+cfg.Worker.StartupGrace+5*time.Second)
		if _, err := sup.EnsureAlive(startCtx); err != nil {
			// not fatal: the first request retries the spawn
			log.Error("eager worker start failed", "error", err.Error())
		} else {
			log.Info("worker started", "pid", sup.Status().PID)
		}
		cancel()
	}

	deps := handlers.Deps{Invoker: inv, Log: log}
	if cfg.AsyncEnabled() {
		if err := startAsync(ctx, cfg, log, shutdownMgr, orch, &deps); err != nil {
			fatal("failed to start async jobs", err)
		}
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Handlers:    deps,
		CORSOrigins: cfg.CORSOrigins,
		Log:         log,
	})

	// WriteTimeout leaves room for a full render on /runsync.
	server := &http.Server{
		Addr:         "0.0.0.0:" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Render.Timeout + 60*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	shutdownMgr.Register("http-server", func(ctx context.Context) error {
		log.Info("shutting down HTTP server")
		return server.Shutdown(ctx)
	})

	go func() {
		log.Info("HTTP server listening",
			"addr", server.Addr,
			"port", cfg.HTTPPort,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal("HTTP server failed", err)
		}
	}()

	shutdownMgr.Wait(ctx)
}

// startAsync connects Postgres, Redis and storage, and starts the job consumer.
func startAsync(ctx context.Context, cfg config.Config, log *logger.Logger, mgr *shutdown.Manager, orch *render.Orchestrator, deps *handlers.Deps) error {
	log.Info("connecting to PostgreSQL")
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "startAsync", "failed to connect to PostgreSQL")
	}
	mgr.RegisterSimple("postgres", pool.Close)

	if err := pool.Ping(ctx); err != nil {
		return errors.Wrap(err, "startAsync", "failed to ping PostgreSQL")
	}
	jobs := repositories.NewJobRepository(pool)
	if err := jobs.EnsureSchema(ctx); err != nil {
		return errors.Wrap(err, "startAsync", "failed to prepare job table")
	}
	log.Info("PostgreSQL connected")

	log.Info("connecting to Redis")
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	mgr.Register("redis", func(ctx context.Context) error {
		return rdb.Close()
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "startAsync", "failed to ping Redis")
	}
	log.Info("Redis connected")

	log.Info("initializing storage provider")
	sp, err := storage.NewProvider(ctx, cfg.Storage)
	if err != nil {
		return errors.Wrap(err, "startAsync", "failed to initialize storage provider")
	}
	log.Info("storage provider initialized", "provider", sp.Provider())

	q := queue.NewRedisQueue(rdb, cfg.QueueName)
	p := processor.New(processor.Deps{
		Jobs:     jobs,
		Renderer: orch,
		SP:       sp,
		Log:      log,
	})

	consumerCtx, stopConsumer := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = worker.Run(consumerCtx, worker.Deps{Queue: q, Processor: p, Log: log})
	}()
	mgr.Register("job-consumer", func(ctx context.Context) error {
		stopConsumer()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	deps.Jobs = jobs
	deps.Queue = q
	deps.Pool = pool
	deps.RDB = rdb
	deps.SP = sp
	return nil
}
