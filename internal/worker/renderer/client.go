// Package renderer runs the external render program for one task.
package renderer

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/shlex"

	"renderfarm/internal/models"
	"renderfarm/internal/pkg/errors"
	"renderfarm/internal/pkg/logger"
)

// DefaultWaitDelay bounds how long Wait lingers on output pipes after the
// process group has been killed.
const DefaultWaitDelay = 10 * time.Second

// outputTail is how much combined stdout/stderr is kept for error reports.
const outputTail = 4 << 10

// Spec is one render invocation.
type Spec struct {
	TaskID     string
	Params     models.RenderParams
	OutputDir  string
	Background string
}

// Client renders a spec, returning once the output directory is written.
// A context deadline must surface as a RenderTimeout error.
type Client interface {
	Render(ctx context.Context, spec Spec) error
}

// Subprocess invokes the render program as a child process in its own
// process group.
type Subprocess struct {
	argv      []string
	waitDelay time.Duration
	log       *logger.Logger
}

// NewSubprocess parses command with shell quoting rules. Per-task flags are
// appended after it.
func NewSubprocess(command string, log *logger.Logger) (*Subprocess, error) {
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeValidation, "renderer.new", "parse render command")
	}
	if len(argv) == 0 {
		return nil, errors.Validation("render command is empty")
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Subprocess{argv: argv, waitDelay: DefaultWaitDelay, log: log.WithComponent("renderer")}, nil
}

// Args renders spec as command-line flags.
func Args(spec Spec) []string {
	p := spec.Params
	args := []string{
		"--resolution", p.Resolution.String(),
		"--frame-start", strconv.Itoa(p.Frames.Start),
		"--frame-end", strconv.Itoa(p.Frames.End),
		"--output-dir", spec.OutputDir,
		"--combination-index", strconv.Itoa(p.CombinationIndex),
	}
	if spec.Background != "" {
		args = append(args, "--background", spec.Background)
	}
	combination := p.Combination
	if len(combination) == 0 {
		combination = json.RawMessage("{}")
	}
	return append(args, "--combination", string(combination))
}

// Render runs the program and waits for it. When ctx ends first the whole
// process group is killed.
func (s *Subprocess) Render(ctx context.Context, spec Spec) error {
	const op = "renderer.run"

	argv := append(append([]string{}, s.argv[1:]...), Args(spec)...)
	cmd := exec.CommandContext(ctx, s.argv[0], argv...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = s.waitDelay

	out := &tailBuffer{max: outputTail}
	cmd.Stdout = out
	cmd.Stderr = out

	log := s.log.WithTaskID(spec.TaskID)
	log.Debug("starting render", "command", s.argv[0], "args", strings.Join(argv, " "))

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if ctxErr := ctx.Err(); ctxErr != nil {
		if ctxErr == context.DeadlineExceeded {
			log.Warn("render killed on timeout", "elapsed", elapsed.String())
			return errors.RenderTimeout("render", ctxErr).WithField("output", out.String())
		}
		return errors.Wrap(ctxErr, op, "render cancelled")
	}
	if err != nil {
		e := errors.RenderFailure(op, err).WithField("output", out.String())
		if exitErr, ok := err.(*exec.ExitError); ok {
			e = e.WithField("exit_code", exitErr.ExitCode())
		}
		return e
	}

	log.Debug("render finished", "elapsed", elapsed.String())
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(p)
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(t.buf.String())
}
