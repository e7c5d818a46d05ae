package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"renderfarm/internal/models"
	"renderfarm/internal/pkg/logger"
)

// SummaryCallback is registered on every Callbacks and logs final counts.
const SummaryCallback = "summary"

// Completion is the record pushed when the last task of a job finishes.
type Completion struct {
	JobID    string        `json:"job_id"`
	Callback string        `json:"callback"`
	Total    int           `json:"total"`
	Counts   models.Counts `json:"counts,omitempty"`
	FiredAt  time.Time     `json:"fired_at"`
}

// CallbackFunc runs once per completed job.
type CallbackFunc func(ctx context.Context, c Completion) error

// Callbacks is a registry of named completion callbacks. Jobs refer to
// callbacks by name because the barrier fires in whichever process writes
// the last terminal status.
type Callbacks struct {
	mu  sync.RWMutex
	fns map[string]CallbackFunc
}

// NewCallbacks returns a registry holding the summary callback.
func NewCallbacks(log *logger.Logger) *Callbacks {
	if log == nil {
		log = logger.NewDefault()
	}
	cb := &Callbacks{fns: make(map[string]CallbackFunc)}
	cb.Register(SummaryCallback, func(ctx context.Context, c Completion) error {
		log.WithJobID(c.JobID).Info("job finished",
			"tasks", c.Total,
			"counts", c.Counts.String(),
		)
		return nil
	})
	return cb
}

// Register adds or replaces a named callback.
func (c *Callbacks) Register(name string, fn CallbackFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fns[name] = fn
}

// Lookup returns the callback registered under name.
func (c *Callbacks) Lookup(name string) (CallbackFunc, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn, ok := c.fns[name]
	return fn, ok
}

// Names lists registered callbacks in sorted order.
func (c *Callbacks) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.fns))
	for name := range c.fns {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
