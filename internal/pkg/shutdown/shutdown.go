// Package shutdown runs cleanup handlers when the process is interrupted.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"renderfarm/internal/pkg/logger"
)

// ExitCodeInterrupted is the conventional exit status after SIGINT.
const ExitCodeInterrupted = 130

// Manager handles signal-driven cleanup.
type Manager struct {
	log      *logger.Logger
	timeout  time.Duration
	handlers []Handler
	mu       sync.Mutex
	done     chan struct{}
	once     sync.Once

	signals []os.Signal
	notify  func(c chan<- os.Signal, sig ...os.Signal)
	stop    func(c chan<- os.Signal)
	exit    func(code int)
}

// Handler is a function that performs cleanup during shutdown.
type Handler struct {
	Name    string
	Cleanup func(ctx context.Context) error
	// MustFinish handlers are not bound by the shutdown timeout and their
	// context is never cancelled.
	MustFinish bool
}

// Option customizes a Manager.
type Option func(*Manager)

// WithSignals overrides the set of signals that trigger shutdown.
func WithSignals(sigs ...os.Signal) Option {
	return func(m *Manager) { m.signals = sigs }
}

// WithNotifier replaces signal.Notify/signal.Stop, so tests can deliver
// signals without touching the process.
func WithNotifier(notify func(c chan<- os.Signal, sig ...os.Signal), stop func(c chan<- os.Signal)) Option {
	return func(m *Manager) {
		m.notify = notify
		m.stop = stop
	}
}

// WithExit replaces os.Exit.
func WithExit(exit func(code int)) Option {
	return func(m *Manager) { m.exit = exit }
}

// NewManager creates a new shutdown manager.
func NewManager(log *logger.Logger, timeout time.Duration, opts ...Option) *Manager {
	if log == nil {
		log = logger.NewDefault()
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	m := &Manager{
		log:      log.WithComponent("shutdown"),
		timeout:  timeout,
		handlers: make([]Handler, 0),
		done:     make(chan struct{}),
		signals:  []os.Signal{syscall.SIGINT, syscall.SIGTERM},
		notify:   signal.Notify,
		stop:     signal.Stop,
		exit:     os.Exit,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a cleanup handler.
func (m *Manager) Register(name string, cleanup func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, Handler{Name: name, Cleanup: cleanup})
	m.log.Debug("registered shutdown handler", "name", name)
}

// RegisterMustFinish adds a cleanup handler that shutdown waits for past
// the timeout, such as releasing resources that are billed until freed.
func (m *Manager) RegisterMustFinish(name string, cleanup func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, Handler{Name: name, Cleanup: cleanup, MustFinish: true})
	m.log.Debug("registered shutdown handler", "name", name, "must_finish", true)
}

// RegisterSimple adds a simple cleanup handler without context.
func (m *Manager) RegisterSimple(name string, cleanup func()) {
	m.Register(name, func(ctx context.Context) error {
		cleanup()
		return nil
	})
}

// Listen blocks until a shutdown signal arrives or ctx ends. On a signal
// it runs every handler and then exits the process with
// ExitCodeInterrupted. When ctx ends first no handler runs and Listen
// returns false.
func (m *Manager) Listen(ctx context.Context) bool {
	return m.wait(ctx, m.subscribe())
}

// Start is Listen in the background. Signals are subscribed before Start
// returns, so one delivered right after is not lost.
func (m *Manager) Start(ctx context.Context) {
	sigChan := m.subscribe()
	go m.wait(ctx, sigChan)
}

func (m *Manager) subscribe() chan os.Signal {
	sigChan := make(chan os.Signal, 1)
	m.notify(sigChan, m.signals...)
	return sigChan
}

func (m *Manager) wait(ctx context.Context, sigChan chan os.Signal) bool {
	defer m.stop(sigChan)

	select {
	case sig := <-sigChan:
		m.log.Info("shutdown signal received", "signal", sig.String())
		m.Shutdown()
		m.exit(ExitCodeInterrupted)
		return true
	case <-ctx.Done():
		return false
	}
}

// Shutdown runs all cleanup handlers once. Later calls are no-ops.
func (m *Manager) Shutdown() {
	m.once.Do(m.runHandlers)
}

func (m *Manager) runHandlers() {
	m.mu.Lock()
	handlers := make([]Handler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.log.Info("starting graceful shutdown", "handlers", len(handlers), "timeout", m.timeout.String())

	var bounded, unbounded sync.WaitGroup
	mustFinish := 0
	for i := len(handlers) - 1; i >= 0; i-- {
		h := handlers[i]
		wg, hctx := &bounded, ctx
		if h.MustFinish {
			wg, hctx = &unbounded, context.WithoutCancel(ctx)
			mustFinish++
		}
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			start := time.Now()

			if err := h.Cleanup(hctx); err != nil {
				m.log.Error("shutdown handler failed",
					"name", h.Name,
					"error", err.Error(),
					"duration_ms", time.Since(start).Milliseconds(),
				)
				return
			}
			m.log.Debug("shutdown handler completed",
				"name", h.Name,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		}(h)
	}

	finished := make(chan struct{})
	go func() {
		bounded.Wait()
		unbounded.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		m.log.Info("graceful shutdown completed")
	case <-ctx.Done():
		m.log.Warn("shutdown timeout exceeded, forcing exit")
		if mustFinish > 0 {
			m.log.Warn("waiting for handlers that must finish", "handlers", mustFinish)
			unbounded.Wait()
		}
	}

	close(m.done)
}

// Done returns a channel that is closed when shutdown is complete.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}
