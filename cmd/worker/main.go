package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"renderfarm/internal/config"
	"renderfarm/internal/metrics"
	"renderfarm/internal/pkg/logger"
	"renderfarm/internal/pkg/shutdown"
	"renderfarm/internal/queue"
	"renderfarm/internal/status"
	"renderfarm/internal/storage"
	"renderfarm/internal/util"
	"renderfarm/internal/worker"
	"renderfarm/internal/worker/renderer"
)

func main() {
	log := logger.New(logger.Config{
		Level:       util.Env("LOG_LEVEL", "info"),
		Format:      util.Env("LOG_FORMAT", "json"),
		ServiceName: "renderfarm-worker",
		AddSource:   util.Env("LOG_SOURCE", "false") == "true",
	})

	cfg, err := config.LoadWorker()
	if err != nil {
		log.LogFatal("invalid configuration", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opt, err := cfg.Redis.Options()
	if err != nil {
		log.LogFatal("invalid redis configuration", err)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	store := status.NewStore(rdb, cfg.Namespace)
	if err := store.Ping(ctx); err != nil {
		log.LogFatal("failed to ping Redis", err)
	}
	log.Info("Redis connected", "addr", opt.Addr, "namespace", cfg.Namespace)

	sp, err := storage.NewProvider(ctx, cfg.Storage)
	if err != nil {
		log.LogFatal("failed to initialize storage provider", err)
	}
	log.Info("storage provider initialized", "provider", sp.Provider())

	rc, err := renderer.NewSubprocess(cfg.RenderCommand, log)
	if err != nil {
		log.LogFatal("invalid render command", err)
	}

	dispatcher := queue.NewDispatcher(rdb, store, nil, log)

	// In-flight renders may run to their own limits before the process exits.
	drain := cfg.PreRenderTimeout + cfg.RenderTimeout + time.Minute
	shutdownMgr := shutdown.NewManager(log, drain)

	if cfg.MetricsAddr != "" {
		r := chi.NewRouter()
		r.Handle("/metrics", metrics.Handler())
		server := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server failed", "error", err.Error())
			}
		}()
		defer server.Close()
	}

	done := make(chan struct{})
	shutdownMgr.Register("worker", func(sctx context.Context) error {
		log.Info("stopping worker, draining in-flight tasks")
		cancel()
		select {
		case <-done:
			return nil
		case <-sctx.Done():
			return sctx.Err()
		}
	})
	shutdownMgr.Start(ctx)

	err = worker.Run(ctx, worker.Deps{
		Tasks:            dispatcher,
		Renderer:         rc,
		SP:               sp,
		WorkRoot:         cfg.WorkRoot,
		CleanupLocal:     cfg.CleanupLocal,
		Concurrency:      cfg.Concurrency,
		ClaimTimeout:     cfg.ClaimTimeout,
		PreRenderTimeout: cfg.PreRenderTimeout,
		RenderTimeout:    cfg.RenderTimeout,
		Log:              log,
	})
	close(done)
	if err != nil && ctx.Err() == nil {
		log.LogFatal("worker stopped", err)
	}
	<-shutdownMgr.Done()
}
