package queue

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"renderfarm/internal/models"
	"renderfarm/internal/pkg/errors"
	"renderfarm/internal/pkg/logger"
	"renderfarm/internal/status"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := status.NewStore(rdb, "test")
	return NewDispatcher(rdb, store, NewCallbacks(logger.Discard()), logger.Discard()), mr
}

func renderParams(n int) []models.RenderParams {
	out := make([]models.RenderParams, n)
	for i := range out {
		out[i] = models.RenderParams{
			CombinationIndex: i,
			Resolution:       models.Resolution{Width: 640, Height: 480},
			OutputDir:        "/tmp/out",
			Frames:           models.FrameRange{Start: 1, End: 1},
			Combination:      []byte(`{"seed":1}`),
		}
	}
	return out
}

func TestDispatchQueuesEveryTask(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	job, err := d.Dispatch(ctx, renderParams(3), SummaryCallback)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if job.Total != 3 || len(job.TaskIDs) != 3 {
		t.Fatalf("unexpected job %+v", job)
	}

	counts, _ := d.Store().Counts(ctx)
	if counts[models.StatusQueued] != 3 {
		t.Errorf("expected 3 queued, got %s", counts)
	}
	if n, _ := d.Pending(ctx); n != 3 {
		t.Errorf("expected 3 pending, got %d", n)
	}

	// Claims come back in dispatch order.
	for i, want := range job.TaskIDs {
		task, ok, err := d.Claim(ctx, 100*time.Millisecond)
		if err != nil || !ok {
			t.Fatalf("Claim %d: ok=%v err=%v", i, ok, err)
		}
		if task.ID != want || task.JobID != job.ID || task.Params.CombinationIndex != i {
			t.Errorf("claim %d = %+v, want id %s", i, task, want)
		}
	}

	if _, ok, err := d.Claim(ctx, 50*time.Millisecond); ok || err != nil {
		t.Errorf("expected empty queue, ok=%v err=%v", ok, err)
	}
}

func TestDispatchValidation(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	bad := renderParams(2)
	bad[1].Resolution.Width = 0

	tests := []struct {
		name     string
		params   []models.RenderParams
		callback string
	}{
		{"no tasks", nil, ""},
		{"unknown callback", renderParams(1), "nope"},
		{"invalid params", bad, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Dispatch(ctx, tt.params, tt.callback)
			if !errors.IsCode(err, errors.CodeValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}

	if n, _ := d.Pending(ctx); n != 0 {
		t.Errorf("rejected dispatch must enqueue nothing, got %d", n)
	}
}

func TestAttachToExisting(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	if ok, err := d.AttachToExisting(ctx); ok || err != nil {
		t.Fatalf("empty store: ok=%v err=%v", ok, err)
	}

	job, _ := d.Dispatch(ctx, renderParams(1), "")
	if ok, _ := d.AttachToExisting(ctx); !ok {
		t.Error("expected to attach while a task is queued")
	}

	_, _ = d.Finish(ctx, job.TaskIDs[0], models.StatusComplete)
	if ok, _ := d.AttachToExisting(ctx); ok {
		t.Error("a finished job must not be attached to")
	}
}

func TestBarrierFiresOnce(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	var calls atomic.Int32
	var got Completion
	d.Callbacks().Register("collect", func(ctx context.Context, c Completion) error {
		calls.Add(1)
		got = c
		return nil
	})

	job, err := d.Dispatch(ctx, renderParams(3), "collect")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	statuses := []models.Status{models.StatusComplete, models.StatusFailed, models.StatusTimeout}
	var fired atomic.Int32
	var wg sync.WaitGroup
	for i, id := range job.TaskIDs {
		wg.Add(1)
		go func(id string, st models.Status) {
			defer wg.Done()
			ok, err := d.Finish(ctx, id, st)
			if err != nil {
				t.Errorf("Finish: %v", err)
			}
			if ok {
				fired.Add(1)
			}
		}(id, statuses[i])
	}
	wg.Wait()

	if fired.Load() != 1 {
		t.Fatalf("barrier fired %d times, want 1", fired.Load())
	}

	// A late duplicate terminal write does not fire again.
	if ok, _ := d.Finish(ctx, job.TaskIDs[0], models.StatusComplete); ok {
		t.Error("duplicate arrival fired the barrier")
	}

	n, err := d.DrainCallbacks(ctx)
	if err != nil || n != 1 {
		t.Fatalf("DrainCallbacks = %d, %v", n, err)
	}
	if calls.Load() != 1 {
		t.Errorf("callback ran %d times", calls.Load())
	}
	if got.JobID != job.ID || got.Total != 3 {
		t.Errorf("unexpected completion %+v", got)
	}
	if got.Counts[models.StatusComplete] != 1 || got.Counts[models.StatusFailed] != 1 || got.Counts[models.StatusTimeout] != 1 {
		t.Errorf("unexpected counts %s", got.Counts)
	}
}

func TestBarrierIgnoresNonTerminal(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	job, _ := d.Dispatch(ctx, renderParams(1), "")
	task, _ := d.Load(ctx, job.TaskIDs[0])

	if ok, _ := d.FinishTask(ctx, task, models.StatusInProgress); ok {
		t.Error("IN_PROGRESS must not count toward the barrier")
	}
	if ok, _ := d.FinishTask(ctx, task, models.StatusComplete); !ok {
		t.Error("expected the only task to complete the job")
	}

	jobs, err := d.Jobs(ctx)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("Jobs = %v, %v", jobs, err)
	}
	if !jobs[0].Finished() {
		t.Errorf("expected finished job, got %+v", jobs[0])
	}
}

func TestServeCallbacksStopsOnCancel(t *testing.T) {
	d, _ := newTestDispatcher(t)

	ran := make(chan Completion, 1)
	d.Callbacks().Register("notify", func(ctx context.Context, c Completion) error {
		ran <- c
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.ServeCallbacks(ctx) }()

	job, _ := d.Dispatch(context.Background(), renderParams(1), "notify")
	_, _ = d.Finish(context.Background(), job.TaskIDs[0], models.StatusComplete)

	select {
	case c := <-ran:
		if c.JobID != job.ID {
			t.Errorf("unexpected completion %+v", c)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("callback did not run")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("ServeCallbacks did not return")
	}
}

func TestClaimFailsTaskWithUnusablePayload(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func(mr *miniredis.Miniredis, key string)
	}{
		{"corrupt payload", func(mr *miniredis.Miniredis, key string) { _ = mr.Set(key, "{not json") }},
		{"missing payload", func(mr *miniredis.Miniredis, key string) { mr.Del(key) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, mr := newTestDispatcher(t)
			ctx := context.Background()

			job, err := d.Dispatch(ctx, renderParams(1), "")
			if err != nil {
				t.Fatalf("Dispatch: %v", err)
			}
			id := job.TaskIDs[0]
			tt.corrupt(mr, "test:task:"+id)

			if _, ok, err := d.Claim(ctx, 100*time.Millisecond); ok || err == nil {
				t.Fatalf("Claim: ok=%v err=%v, want an error", ok, err)
			}

			st, err := d.Store().Get(ctx, id)
			if err != nil || st != models.StatusFailed {
				t.Errorf("status = %s, %v; want FAILED", st, err)
			}
			if n, _ := d.Pending(ctx); n != 0 {
				t.Errorf("expected empty queue, got %d", n)
			}
			jobs, err := d.Jobs(ctx)
			if err != nil || len(jobs) != 1 || !jobs[0].Finished() {
				t.Errorf("expected the job to finish, got %+v, %v", jobs, err)
			}
			if active, _ := d.AttachToExisting(ctx); active {
				t.Error("no task should remain active")
			}
		})
	}
}

func TestRequeuedTaskIsClaimedNext(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	job, _ := d.Dispatch(ctx, renderParams(3), "")
	first, _, _ := d.Claim(ctx, 100*time.Millisecond)

	if err := d.queue.Requeue(ctx, first.ID); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if n, _ := d.Pending(ctx); n != 3 {
		t.Fatalf("expected 3 pending, got %d", n)
	}
	again, ok, err := d.Claim(ctx, 100*time.Millisecond)
	if err != nil || !ok || again.ID != job.TaskIDs[0] {
		t.Errorf("Claim = %s ok=%v err=%v, want %s", again.ID, ok, err, job.TaskIDs[0])
	}
}

func TestRetryableLoad(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"canceled", errors.Wrap(context.Canceled, "queue.load", "read task"), true},
		{"deadline", fmt.Errorf("read: %w", context.DeadlineExceeded), true},
		{"connection closed", io.EOF, true},
		{"network", errors.Wrap(&net.OpError{Op: "read", Net: "tcp", Err: io.ErrUnexpectedEOF}, "queue.load", "read task"), true},
		{"missing payload", errors.NotFound("task", "t1"), false},
		{"corrupt payload", errors.WrapWithCode(fmt.Errorf("bad json"), errors.CodeValidation, "queue.load", "decode"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryableLoad(tt.err); got != tt.want {
				t.Errorf("retryableLoad(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
