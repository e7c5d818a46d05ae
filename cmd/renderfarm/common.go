package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"renderfarm/internal/config"
	"renderfarm/internal/pkg/errors"
	"renderfarm/internal/pkg/logger"
	"renderfarm/internal/queue"
	"renderfarm/internal/status"
)

// loadConfig reads the control-plane config and applies root flags.
func loadConfig(cmd *cobra.Command) (config.Orchestrator, error) {
	cfg, err := config.LoadOrchestrator()
	if err != nil {
		return cfg, err
	}
	if ns, _ := cmd.Flags().GetString("namespace"); ns != "" {
		cfg.Namespace = ns
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command) *logger.Logger {
	cfg := logger.DefaultConfig()
	cfg.Output = cmd.ErrOrStderr()
	return logger.New(cfg)
}

// backend is the Redis side of the control plane.
type backend struct {
	rdb        *redis.Client
	store      *status.Store
	dispatcher *queue.Dispatcher
}

func (b *backend) Close() error { return b.rdb.Close() }

func connect(ctx context.Context, cfg config.Orchestrator, log *logger.Logger) (*backend, error) {
	opt, err := cfg.Redis.Options()
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)

	store := status.NewStore(rdb, cfg.Namespace)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "cmd.connect", "connect to redis at "+opt.Addr)
	}

	return &backend{
		rdb:        rdb,
		store:      store,
		dispatcher: queue.NewDispatcher(rdb, store, queue.NewCallbacks(log), log),
	}, nil
}
