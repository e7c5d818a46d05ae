// Package monitor watches a job's task statuses until nothing is queued or
// running, reclaiming tasks whose worker went quiet.
package monitor

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"renderfarm/internal/metrics"
	"renderfarm/internal/models"
	"renderfarm/internal/pkg/errors"
	"renderfarm/internal/pkg/logger"
)

const (
	DefaultPollInterval   = 10 * time.Second
	DefaultStaleThreshold = 3600 * time.Second
)

// Store reads task statuses.
type Store interface {
	All(ctx context.Context) (map[string]models.Status, error)
	InProgress(ctx context.Context, all map[string]models.Status) ([]models.Task, error)
}

// Finisher writes a terminal status and advances the task's job.
type Finisher interface {
	Finish(ctx context.Context, taskID string, st models.Status) (bool, error)
}

// Snapshot is the result of one poll.
type Snapshot struct {
	At        time.Time     `json:"at"`
	Counts    models.Counts `json:"counts"`
	Total     int           `json:"total"`
	Reclaimed []string      `json:"reclaimed,omitempty"`
}

type Config struct {
	PollInterval   time.Duration
	StaleThreshold time.Duration
	// Out receives one report line per poll. Nil discards reports.
	Out io.Writer
	Log *logger.Logger
	Now func() time.Time
	// Sleep waits between polls and returns early with ctx's error.
	Sleep func(ctx context.Context, d time.Duration) error
}

type Monitor struct {
	store    Store
	finisher Finisher
	poll     time.Duration
	stale    time.Duration
	out      io.Writer
	log      *logger.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	started  time.Time

	mu   sync.RWMutex
	last Snapshot
	seen bool
}

func New(store Store, finisher Finisher, cfg Config) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultStaleThreshold
	}
	if cfg.Out == nil {
		cfg.Out = io.Discard
	}
	if cfg.Log == nil {
		cfg.Log = logger.NewDefault()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	return &Monitor{
		store:    store,
		finisher: finisher,
		poll:     cfg.PollInterval,
		stale:    cfg.StaleThreshold,
		out:      cfg.Out,
		log:      cfg.Log.WithComponent("monitor"),
		now:      cfg.Now,
		sleep:    cfg.Sleep,
		started:  cfg.Now(),
	}
}

// Run polls until no task is queued or in progress and returns the final
// snapshot. Poll errors are logged and retried on the next interval; only
// ctx ending stops Run early.
func (m *Monitor) Run(ctx context.Context) (Snapshot, error) {
	m.log.Info("monitoring job", "poll_interval", m.poll.String(), "stale_threshold", m.stale.String())
	for {
		snap, err := m.Poll(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return m.lastOrZero(), ctx.Err()
		case err != nil:
			m.log.Warn("poll failed", "error", err.Error())
		case snap.Counts.Finished():
			m.log.Info("job finished", "counts", snap.Counts.String())
			return snap, nil
		}

		if err := m.sleep(ctx, m.poll); err != nil {
			return m.lastOrZero(), err
		}
	}
}

// Poll reads every status once, forces TIMEOUT on stale IN_PROGRESS tasks
// and reports the resulting counts.
func (m *Monitor) Poll(ctx context.Context) (Snapshot, error) {
	all, err := m.store.All(ctx)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "monitor.poll", "read statuses")
	}

	running, err := m.store.InProgress(ctx, all)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "monitor.poll", "read start times")
	}

	now := m.now()
	var reclaimed []string
	for _, task := range running {
		if task.StartedAt.IsZero() {
			continue
		}
		age := now.Sub(task.StartedAt)
		if age <= m.stale {
			continue
		}
		if _, err := m.finisher.Finish(ctx, task.ID, models.StatusTimeout); err != nil {
			m.log.WithTaskID(task.ID).Error("failed to reclaim stale task", "error", err.Error())
			continue
		}
		stale := errors.StaleTask(task.ID, age.Round(time.Second))
		m.log.WithTaskID(task.ID).Warn("stale task forced to timeout", "error", stale.Error(), "age", age.Round(time.Second).String())
		metrics.TasksReclaimedTotal.Inc()
		all[task.ID] = models.StatusTimeout
		reclaimed = append(reclaimed, task.ID)
	}
	sort.Strings(reclaimed)

	counts := models.NewCounts()
	for _, st := range all {
		counts[st]++
	}
	snap := Snapshot{At: now, Counts: counts, Total: len(all), Reclaimed: reclaimed}

	for _, st := range models.AllStatuses {
		metrics.TasksByStatus.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
	m.report(snap)

	m.mu.Lock()
	m.last = snap
	m.seen = true
	m.mu.Unlock()
	return snap, nil
}

// Last returns the most recent snapshot, if any poll succeeded.
func (m *Monitor) Last() (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last, m.seen
}

func (m *Monitor) lastOrZero() Snapshot {
	snap, _ := m.Last()
	return snap
}

func (m *Monitor) report(s Snapshot) {
	done := s.Counts[models.StatusComplete] + s.Counts[models.StatusFailed] + s.Counts[models.StatusTimeout]
	pct := 0.0
	if s.Total > 0 {
		pct = float64(done) / float64(s.Total) * 100
	}
	fmt.Fprintf(m.out, "[%s] %s  %s/%s done (%.0f%%), started %s\n",
		s.At.Format(time.TimeOnly),
		s.Counts,
		humanize.Comma(int64(done)),
		humanize.Comma(int64(s.Total)),
		pct,
		humanize.RelTime(m.started, s.At, "ago", "from now"),
	)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
