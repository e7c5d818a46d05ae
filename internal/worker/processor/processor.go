package processor

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"time"

	"renderfarm/internal/metrics"
	"renderfarm/internal/models"
	"renderfarm/internal/pkg/errors"
	"renderfarm/internal/pkg/logger"
	"renderfarm/internal/ports"
	"renderfarm/internal/worker/renderer"
)

const (
	DefaultPreRenderTimeout = 600 * time.Second
	DefaultRenderTimeout    = 2700 * time.Second

	// statusWriteTimeout bounds the terminal status write, which runs even
	// after the task context is gone.
	statusWriteTimeout = 30 * time.Second
)

// StatusWriter records task progress.
type StatusWriter interface {
	MarkInProgress(ctx context.Context, task models.Task, at time.Time) error
	FinishTask(ctx context.Context, task models.Task, st models.Status) (bool, error)
}

type Deps struct {
	Status           StatusWriter
	Renderer         renderer.Client
	SP               ports.StorageProvider
	WorkRoot         string
	CleanupLocal     bool
	PreRenderTimeout time.Duration
	RenderTimeout    time.Duration
	Log              *logger.Logger
	Now              func() time.Time
}

type Processor struct {
	status           StatusWriter
	renderer         renderer.Client
	workRoot         string
	preRenderTimeout time.Duration
	renderTimeout    time.Duration
	log              *logger.Logger
	now              func() time.Time

	inputHandler  *InputHandler
	outputHandler *OutputHandler
	cleanup       *Cleanup
}

func New(d Deps) *Processor {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("processor")

	if d.PreRenderTimeout <= 0 {
		d.PreRenderTimeout = DefaultPreRenderTimeout
	}
	if d.RenderTimeout <= 0 {
		d.RenderTimeout = DefaultRenderTimeout
	}
	if d.Now == nil {
		d.Now = time.Now
	}

	return &Processor{
		status:           d.Status,
		renderer:         d.Renderer,
		workRoot:         d.WorkRoot,
		preRenderTimeout: d.PreRenderTimeout,
		renderTimeout:    d.RenderTimeout,
		log:              log,
		now:              d.Now,
		inputHandler:     NewInputHandler(d.SP),
		outputHandler:    NewOutputHandler(d.SP, log),
		cleanup:          NewCleanup(d.WorkRoot, d.CleanupLocal),
	}
}

// taskPaths are the local directories a task works in.
type taskPaths struct {
	root       string
	output     string
	inputs     string
	background string
}

func (p *Processor) pathsFor(task models.Task) taskPaths {
	root := filepath.Join(p.workRoot, "tasks", task.ID)
	return taskPaths{
		root:   root,
		output: filepath.Join(root, "output"),
		inputs: filepath.Join(root, "inputs"),
	}
}

// Process runs one claimed task to a terminal status. Exactly one terminal
// status is written on every path, panics included; the returned status is
// that status and err is its cause.
func (p *Processor) Process(ctx context.Context, task models.Task) (final models.Status, err error) {
	log := p.log.WithJobID(task.JobID).WithTaskID(task.ID)
	start := p.now()
	final = models.StatusFailed

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while processing task", "panic", r, "stack", string(debug.Stack()))
			final = models.StatusFailed
			err = errors.RenderFailure("processor.panic", fmt.Errorf("panic: %v", r))
		}
		p.finish(ctx, log, task, final, err, start)
	}()

	// 1. Claim
	if err := p.status.MarkInProgress(ctx, task, start); err != nil {
		return models.StatusFailed, errors.Wrap(err, "processor.start", "failed to mark task in progress")
	}
	log.Info("task started", "combination", task.Params.CombinationIndex, "resolution", task.Params.Resolution.String())

	// 2. Pre-render
	paths := p.pathsFor(task)
	if err := p.preRender(ctx, task, &paths); err != nil {
		if errors.IsRenderTimeout(err) {
			return models.StatusTimeout, err
		}
		return models.StatusFailed, err
	}

	// 3. Render
	renderCtx, cancel := context.WithTimeout(ctx, p.renderTimeout)
	err = p.renderer.Render(renderCtx, renderer.Spec{
		TaskID:     task.ID,
		Params:     task.Params,
		OutputDir:  paths.output,
		Background: paths.background,
	})
	cancel()
	if err != nil {
		// 4. Killed on timeout / 5. any other failure
		if errors.IsRenderTimeout(err) {
			return models.StatusTimeout, err
		}
		return models.StatusFailed, errors.Wrap(err, "processor.render", "render failed")
	}

	// 6. Upload, then drop local copies
	if _, err := p.outputHandler.Upload(ctx, task, paths.output); err != nil {
		return models.StatusFailed, err
	}

	// 7. Done
	return models.StatusComplete, nil
}

// preRender creates the output directory and materializes the background
// asset, giving up after the pre-render timeout even if a step ignores its
// context.
func (p *Processor) preRender(ctx context.Context, task models.Task, paths *taskPaths) error {
	preCtx, cancel := context.WithTimeout(ctx, p.preRenderTimeout)
	defer cancel()

	type result struct {
		background string
		err        error
	}
	done := make(chan result, 1)
	go func() {
		bg, err := p.inputHandler.Prepare(preCtx, task, paths.output, paths.inputs)
		done <- result{bg, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if preCtx.Err() == context.DeadlineExceeded {
				return errors.RenderTimeout("pre_render", r.err)
			}
			return errors.Wrap(r.err, "processor.pre_render", "failed to prepare task")
		}
		paths.background = r.background
		return nil
	case <-preCtx.Done():
		if preCtx.Err() == context.DeadlineExceeded {
			return errors.RenderTimeout("pre_render", preCtx.Err())
		}
		return errors.Wrap(preCtx.Err(), "processor.pre_render", "cancelled")
	}
}

// finish writes the terminal status, records metrics and removes the
// task's local files.
func (p *Processor) finish(ctx context.Context, log *logger.Logger, task models.Task, st models.Status, cause error, start time.Time) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()

	if _, err := p.status.FinishTask(writeCtx, task, st); err != nil {
		log.Error("failed to write terminal status", "status", string(st), "error", err.Error())
	}

	elapsed := p.now().Sub(start)
	metrics.TasksFinishedTotal.WithLabelValues(string(st)).Inc()
	metrics.RenderDurationSeconds.WithLabelValues(string(st)).Observe(elapsed.Seconds())

	p.cleanup.CleanupTask(task.ID)

	if cause == nil {
		log.Info("task finished", "status", string(st), "duration_ms", elapsed.Milliseconds())
		return
	}
	fields := []any{"status", string(st), "duration_ms", elapsed.Milliseconds(), "error", cause.Error()}
	var e *errors.Error
	if errors.As(cause, &e) {
		fields = append(fields, "code", string(e.Code), "op", e.Op)
	}
	log.Error("task finished", fields...)
}
