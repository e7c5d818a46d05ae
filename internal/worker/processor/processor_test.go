package processor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"renderfarm/internal/adapters/storage/localfs"
	"renderfarm/internal/models"
	"renderfarm/internal/pkg/errors"
	"renderfarm/internal/pkg/logger"
	"renderfarm/internal/ports"
	"renderfarm/internal/worker/renderer"
)

type fakeStatus struct {
	mu       sync.Mutex
	started  []string
	terminal map[string][]models.Status
}

func newFakeStatus() *fakeStatus {
	return &fakeStatus{terminal: make(map[string][]models.Status)}
}

func (f *fakeStatus) MarkInProgress(ctx context.Context, task models.Task, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, task.ID)
	return nil
}

func (f *fakeStatus) FinishTask(ctx context.Context, task models.Task, st models.Status) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminal[task.ID] = append(f.terminal[task.ID], st)
	return false, nil
}

func (f *fakeStatus) finals(id string) []models.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Status(nil), f.terminal[id]...)
}

type renderFunc func(ctx context.Context, spec renderer.Spec) error

func (f renderFunc) Render(ctx context.Context, spec renderer.Spec) error { return f(ctx, spec) }

func writeOutput(ctx context.Context, spec renderer.Spec) error {
	return os.WriteFile(filepath.Join(spec.OutputDir, "frame_0001.png"), []byte("png"), 0o644)
}

// hang blocks until the render deadline and reports it the way the
// subprocess renderer does.
func hang(ctx context.Context, spec renderer.Spec) error {
	<-ctx.Done()
	return errors.RenderTimeout("render", ctx.Err())
}

func testTask(id string) models.Task {
	return models.Task{
		ID:    id,
		JobID: "job_1",
		Params: models.RenderParams{
			CombinationIndex: 7,
			Resolution:       models.Resolution{Width: 64, Height: 64},
			OutputDir:        "renders",
			Frames:           models.FrameRange{Start: 1, End: 1},
		},
	}
}

type harness struct {
	status *fakeStatus
	store  *localfs.LocalFS
	root   string
	work   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{
		status: newFakeStatus(),
		root:   t.TempDir(),
		work:   t.TempDir(),
	}
}

func (h *harness) processor(t *testing.T, r renderer.Client, sp ports.StorageProvider, mutate func(*Deps)) *Processor {
	t.Helper()
	if sp == nil {
		h.store = localfs.New(h.root)
		sp = h.store
	}
	d := Deps{
		Status:           h.status,
		Renderer:         r,
		SP:               sp,
		WorkRoot:         h.work,
		CleanupLocal:     true,
		PreRenderTimeout: time.Second,
		RenderTimeout:    time.Second,
		Log:              logger.Discard(),
	}
	if mutate != nil {
		mutate(&d)
	}
	return New(d)
}

func TestProcessOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		render renderFunc
		want   models.Status
		code   errors.Code
	}{
		{"renders and uploads", writeOutput, models.StatusComplete, ""},
		{"killed on timeout", hang, models.StatusTimeout, errors.CodeRenderTimeout},
		{
			"non-zero exit",
			func(ctx context.Context, spec renderer.Spec) error {
				return errors.RenderFailure("render", fmt.Errorf("exit status 3"))
			},
			models.StatusFailed,
			errors.CodeRenderFailure,
		},
		{
			"no output",
			func(ctx context.Context, spec renderer.Spec) error { return nil },
			models.StatusFailed,
			errors.CodeRenderFailure,
		},
		{
			"panic",
			func(ctx context.Context, spec renderer.Spec) error { panic("renderer exploded") },
			models.StatusFailed,
			errors.CodeRenderFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			p := h.processor(t, tt.render, nil, func(d *Deps) { d.RenderTimeout = 100 * time.Millisecond })
			task := testTask("task_a")

			got, err := p.Process(context.Background(), task)

			if got != tt.want {
				t.Fatalf("status = %s, want %s (err %v)", got, tt.want, err)
			}
			if tt.code == "" && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.code != "" && !errors.IsCode(err, tt.code) {
				t.Fatalf("error code = %s, want %s (%v)", errors.GetCode(err), tt.code, err)
			}
			if finals := h.status.finals(task.ID); len(finals) != 1 || finals[0] != tt.want {
				t.Fatalf("terminal writes = %v, want exactly [%s]", finals, tt.want)
			}
			if _, err := os.Stat(filepath.Join(h.work, "tasks", task.ID)); !os.IsNotExist(err) {
				t.Errorf("expected task work dir to be removed, stat err = %v", err)
			}
		})
	}
}

func TestProcessUploadsUnderPrefix(t *testing.T) {
	h := newHarness(t)
	p := h.processor(t, renderFunc(writeOutput), nil, nil)
	task := testTask("task_b")

	if st, err := p.Process(context.Background(), task); st != models.StatusComplete {
		t.Fatalf("status = %s, err = %v", st, err)
	}

	key := OutputPrefix(task) + "/frame_0001.png"
	if key != "renders/0007/task_b/frame_0001.png" {
		t.Fatalf("unexpected key %s", key)
	}
	rc, _, size, err := h.store.GetObject(context.Background(), key)
	if err != nil {
		t.Fatalf("uploaded object missing: %v", err)
	}
	defer rc.Close()
	if size != 3 {
		t.Errorf("size = %d, want 3", size)
	}
}

func TestProcessMaterializesBackground(t *testing.T) {
	h := newHarness(t)
	h.store = localfs.New(h.root)
	if _, err := h.store.PutObject(context.Background(), ports.PutObjectInput{
		ObjectKey: "assets/studio.hdr",
		Reader:    strings.NewReader("radiance"),
		Size:      8,
	}); err != nil {
		t.Fatal(err)
	}

	var seen string
	p := h.processor(t, renderFunc(func(ctx context.Context, spec renderer.Spec) error {
		b, err := os.ReadFile(spec.Background)
		if err != nil {
			return err
		}
		seen = string(b)
		return writeOutput(ctx, spec)
	}), h.store, nil)

	task := testTask("task_c")
	task.Params.BackgroundAsset = "assets/studio.hdr"

	if st, err := p.Process(context.Background(), task); st != models.StatusComplete {
		t.Fatalf("status = %s, err = %v", st, err)
	}
	if seen != "radiance" {
		t.Errorf("renderer saw background %q", seen)
	}
}

// stuckStore never returns from GetObject.
type stuckStore struct {
	ports.StorageProvider
	release chan struct{}
}

func (s *stuckStore) GetObject(ctx context.Context, key string) (io.ReadCloser, string, int64, error) {
	<-s.release
	return nil, "", 0, fmt.Errorf("released")
}

func TestProcessPreRenderTimeout(t *testing.T) {
	h := newHarness(t)
	stuck := &stuckStore{StorageProvider: localfs.New(h.root), release: make(chan struct{})}
	defer close(stuck.release)

	rendered := false
	p := h.processor(t, renderFunc(func(ctx context.Context, spec renderer.Spec) error {
		rendered = true
		return nil
	}), stuck, func(d *Deps) { d.PreRenderTimeout = 50 * time.Millisecond })

	task := testTask("task_d")
	task.Params.BackgroundAsset = "assets/never.hdr"

	st, err := p.Process(context.Background(), task)
	if st != models.StatusTimeout || !errors.IsRenderTimeout(err) {
		t.Fatalf("status = %s, err = %v; want TIMEOUT", st, err)
	}
	if rendered {
		t.Error("render must not start after a pre-render timeout")
	}
}

func TestProcessOneHungTaskAmongMany(t *testing.T) {
	h := newHarness(t)
	p := h.processor(t, renderFunc(func(ctx context.Context, spec renderer.Spec) error {
		if spec.TaskID == "task_hung" {
			return hang(ctx, spec)
		}
		return writeOutput(ctx, spec)
	}), nil, func(d *Deps) { d.RenderTimeout = 150 * time.Millisecond })

	ids := []string{"task_1", "task_hung", "task_2", "task_3"}
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, _ = p.Process(context.Background(), testTask(id))
		}(id)
	}
	wg.Wait()

	for _, id := range ids {
		want := models.StatusComplete
		if id == "task_hung" {
			want = models.StatusTimeout
		}
		if finals := h.status.finals(id); len(finals) != 1 || finals[0] != want {
			t.Errorf("%s terminal writes = %v, want [%s]", id, finals, want)
		}
	}
}

func TestProcessWritesStatusAfterCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	p := h.processor(t, renderFunc(func(rctx context.Context, spec renderer.Spec) error {
		cancel()
		<-rctx.Done()
		return errors.Wrap(rctx.Err(), "render", "render cancelled")
	}), nil, nil)

	st, _ := p.Process(ctx, testTask("task_e"))
	if st != models.StatusFailed {
		t.Fatalf("status = %s, want FAILED", st)
	}
	if finals := h.status.finals("task_e"); len(finals) != 1 {
		t.Fatalf("terminal writes = %v", finals)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"studio.hdr":    "studio.hdr",
		"../etc/passwd": "_etc_passwd",
		"my scene.exr":  "my_scene.exr",
		"   ":           "input",
		`dir\file.png`:  "dir_file.png",
	}
	for in, want := range tests {
		if got := SanitizeFilename(in); got != want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}
