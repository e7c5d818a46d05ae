// Package config builds typed configuration for the control plane and the
// worker from the environment, and loads job manifests.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"renderfarm/internal/marketplace"
	"renderfarm/internal/storage"
	"renderfarm/internal/util"
)

const (
	DefaultNamespace        = "renderfarm"
	DefaultPollInterval     = 10 * time.Second
	DefaultStaleThreshold   = 3600 * time.Second
	DefaultTeardownDelay    = time.Second
	DefaultPreRenderTimeout = 600 * time.Second
	DefaultRenderTimeout    = 2700 * time.Second
	DefaultShutdownTimeout  = 60 * time.Second
)

// Redis locates the status store. URL wins over Addr when both are set.
type Redis struct {
	URL      string
	Addr     string
	Password string
	DB       int
}

// Options returns go-redis client options.
func (r Redis) Options() (*redis.Options, error) {
	if r.URL != "" {
		opt, err := redis.ParseURL(r.URL)
		if err != nil {
			return nil, fmt.Errorf("config: redis url: %w", err)
		}
		return opt, nil
	}
	return &redis.Options{Addr: r.Addr, Password: r.Password, DB: r.DB}, nil
}

// NodeURL is the Redis URL handed to rented nodes.
func (r Redis) NodeURL() string {
	if r.URL != "" {
		return r.URL
	}
	if r.Password != "" {
		return fmt.Sprintf("redis://:%s@%s/%d", r.Password, r.Addr, r.DB)
	}
	return fmt.Sprintf("redis://%s/%d", r.Addr, r.DB)
}

func redisFromEnv() Redis {
	return Redis{
		URL:      util.Env("REDIS_URL", ""),
		Addr:     util.Env("REDIS_ADDR", "127.0.0.1:6379"),
		Password: util.Env("REDIS_PASSWORD", ""),
		DB:       util.IntEnv("REDIS_DB", 0),
	}
}

// Orchestrator is the control-plane configuration.
type Orchestrator struct {
	Redis     Redis
	Namespace string

	MarketplaceURL string
	MarketplaceKey string
	RetryMax       int

	PollInterval    time.Duration
	StaleThreshold  time.Duration
	TeardownDelay   time.Duration
	ShutdownTimeout time.Duration

	// StatusAddr enables the status API when set, e.g. ":8080".
	StatusAddr string

	Storage storage.Config
}

// LoadOrchestrator reads the control-plane configuration from the environment.
func LoadOrchestrator() (Orchestrator, error) {
	cfg := Orchestrator{
		Redis:           redisFromEnv(),
		Namespace:       util.Env("NAMESPACE", DefaultNamespace),
		MarketplaceURL:  util.Env("MARKETPLACE_URL", marketplace.DefaultBaseURL),
		MarketplaceKey:  util.Env("MARKETPLACE_API_KEY", ""),
		RetryMax:        util.IntEnv("MARKETPLACE_RETRY_MAX", 4),
		PollInterval:    util.DurationEnv("POLL_INTERVAL", DefaultPollInterval),
		StaleThreshold:  util.DurationEnv("STALE_THRESHOLD", DefaultStaleThreshold),
		TeardownDelay:   util.DurationEnv("TEARDOWN_DELAY", DefaultTeardownDelay),
		ShutdownTimeout: util.DurationEnv("SHUTDOWN_TIMEOUT", DefaultShutdownTimeout),
		StatusAddr:      util.Env("STATUS_ADDR", ""),
		Storage:         storage.ConfigFromEnv(),
	}
	return cfg, cfg.validate()
}

func (c Orchestrator) validate() error {
	var errs []string
	if c.Namespace == "" {
		errs = append(errs, "NAMESPACE must not be empty")
	}
	if c.PollInterval <= 0 {
		errs = append(errs, "POLL_INTERVAL must be positive")
	}
	if c.StaleThreshold <= 0 {
		errs = append(errs, "STALE_THRESHOLD must be positive")
	}
	if c.TeardownDelay < 0 {
		errs = append(errs, "TEARDOWN_DELAY must not be negative")
	}
	if c.RetryMax < 0 {
		errs = append(errs, "MARKETPLACE_RETRY_MAX must not be negative")
	}
	return joinErrs("config", errs)
}

// Marketplace returns the marketplace client configuration.
func (c Orchestrator) Marketplace() marketplace.Config {
	return marketplace.Config{
		BaseURL:  c.MarketplaceURL,
		APIKey:   c.MarketplaceKey,
		RetryMax: c.RetryMax,
	}
}

// Worker is the node-side configuration.
type Worker struct {
	Redis     Redis
	Namespace string

	RenderCommand string
	WorkRoot      string
	CleanupLocal  bool
	Concurrency   int

	ClaimTimeout     time.Duration
	PreRenderTimeout time.Duration
	RenderTimeout    time.Duration

	// MetricsAddr enables /metrics when set.
	MetricsAddr string

	Storage storage.Config
}

// LoadWorker reads the worker configuration from the environment.
func LoadWorker() (Worker, error) {
	cfg := Worker{
		Redis:            redisFromEnv(),
		Namespace:        util.Env("NAMESPACE", DefaultNamespace),
		RenderCommand:    util.Env("RENDER_COMMAND", ""),
		WorkRoot:         util.Env("WORK_ROOT", "/data/work"),
		CleanupLocal:     util.BoolEnv("CLEANUP_LOCAL", true),
		Concurrency:      util.IntEnv("WORKER_CONCURRENCY", 1),
		ClaimTimeout:     util.DurationEnv("CLAIM_TIMEOUT", 5*time.Second),
		PreRenderTimeout: util.DurationEnv("PRE_RENDER_TIMEOUT", DefaultPreRenderTimeout),
		RenderTimeout:    util.DurationEnv("RENDER_TIMEOUT", DefaultRenderTimeout),
		MetricsAddr:      util.Env("METRICS_ADDR", ""),
		Storage:          storage.ConfigFromEnv(),
	}
	return cfg, cfg.validate()
}

func (c Worker) validate() error {
	var errs []string
	if c.RenderCommand == "" {
		errs = append(errs, "RENDER_COMMAND is required")
	}
	if c.Namespace == "" {
		errs = append(errs, "NAMESPACE must not be empty")
	}
	if c.Concurrency < 1 {
		errs = append(errs, "WORKER_CONCURRENCY must be at least 1")
	}
	if c.PreRenderTimeout <= 0 {
		errs = append(errs, "PRE_RENDER_TIMEOUT must be positive")
	}
	if c.RenderTimeout <= 0 {
		errs = append(errs, "RENDER_TIMEOUT must be positive")
	}
	return joinErrs("config", errs)
}

func joinErrs(prefix string, errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%s: validation failed: %s", prefix, strings.Join(errs, "; "))
}
