package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"renderfarm/internal/adapters/storage/localfs"
	"renderfarm/internal/models"
	"renderfarm/internal/pkg/errors"
	"renderfarm/internal/pkg/logger"
	"renderfarm/internal/queue"
	"renderfarm/internal/status"
	"renderfarm/internal/worker/renderer"
)

type renderFunc func(ctx context.Context, spec renderer.Spec) error

func (f renderFunc) Render(ctx context.Context, spec renderer.Spec) error { return f(ctx, spec) }

func TestRunDrainsQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log := logger.Discard()
	d := queue.NewDispatcher(rdb, status.NewStore(rdb, "test"), queue.NewCallbacks(log), log)

	params := make([]models.RenderParams, 5)
	for i := range params {
		params[i] = models.RenderParams{
			CombinationIndex: i,
			Resolution:       models.Resolution{Width: 32, Height: 32},
			OutputDir:        "out",
			Frames:           models.FrameRange{Start: 1, End: 1},
		}
	}
	bg := context.Background()
	job, err := d.Dispatch(bg, params, queue.SummaryCallback)
	if err != nil {
		t.Fatal(err)
	}

	render := renderFunc(func(ctx context.Context, spec renderer.Spec) error {
		if spec.Params.CombinationIndex == 3 {
			return errors.RenderFailure("render", nil)
		}
		return os.WriteFile(filepath.Join(spec.OutputDir, "frame.png"), []byte("x"), 0o644)
	})

	ctx, cancel := context.WithCancel(bg)
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Deps{
			Tasks:        d,
			Renderer:     render,
			SP:           localfs.New(t.TempDir()),
			WorkRoot:     t.TempDir(),
			CleanupLocal: true,
			Concurrency:  2,
			ClaimTimeout: time.Second,
			Log:          log,
		})
	}()

	deadline := time.Now().Add(10 * time.Second)
	for {
		counts, err := d.Store().Counts(bg)
		if err != nil {
			t.Fatal(err)
		}
		if counts.Finished() {
			if counts[models.StatusComplete] != 4 || counts[models.StatusFailed] != 1 {
				t.Fatalf("unexpected counts %s", counts)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("queue not drained, counts %s", counts)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	jobs, err := d.Jobs(bg)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].ID != job.ID || !jobs[0].Finished() {
		t.Errorf("expected finished job %s, got %+v", job.ID, jobs)
	}
	if n, _ := d.DrainCallbacks(bg); n != 1 {
		t.Errorf("expected one completion record, got %d", n)
	}
}
