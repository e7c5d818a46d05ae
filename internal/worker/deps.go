package worker

import (
	"context"
	"time"

	"renderfarm/internal/models"
	"renderfarm/internal/pkg/logger"
	"renderfarm/internal/ports"
	"renderfarm/internal/worker/processor"
	"renderfarm/internal/worker/renderer"
)

// TaskSource hands out queued tasks and records their progress.
type TaskSource interface {
	Claim(ctx context.Context, timeout time.Duration) (models.Task, bool, error)
	processor.StatusWriter
}

type Deps struct {
	Tasks    TaskSource
	Renderer renderer.Client
	SP       ports.StorageProvider

	WorkRoot     string
	CleanupLocal bool

	// Concurrency is the number of tasks rendered at once.
	Concurrency      int
	ClaimTimeout     time.Duration
	PreRenderTimeout time.Duration
	RenderTimeout    time.Duration

	Log *logger.Logger
}
