package shutdown

import (
	"context"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"renderfarm/internal/pkg/logger"
)

// fakeSignals lets a test deliver a signal to whatever channel Listen registered.
type fakeSignals struct {
	registered chan chan<- os.Signal
}

func newFakeSignals() *fakeSignals {
	return &fakeSignals{registered: make(chan chan<- os.Signal, 1)}
}

func (f *fakeSignals) notify(c chan<- os.Signal, _ ...os.Signal) { f.registered <- c }
func (f *fakeSignals) stop(chan<- os.Signal)                     {}

func TestRegister(t *testing.T) {
	mgr := NewManager(logger.Discard(), 5*time.Second)

	mgr.Register("nodes", func(ctx context.Context) error { return nil })

	if len(mgr.handlers) != 1 || mgr.handlers[0].Name != "nodes" {
		t.Fatalf("expected one handler named nodes, got %+v", mgr.handlers)
	}
}

func TestShutdownRunsHandlersOnce(t *testing.T) {
	mgr := NewManager(logger.Discard(), 5*time.Second)

	var calls atomic.Int32
	mgr.RegisterSimple("count", func() { calls.Add(1) })

	mgr.Shutdown()
	mgr.Shutdown()

	if calls.Load() != 1 {
		t.Errorf("expected handler to run once, ran %d times", calls.Load())
	}
	select {
	case <-mgr.Done():
	case <-time.After(time.Second):
		t.Error("expected done channel to be closed")
	}
}

func TestShutdownHandlesErrors(t *testing.T) {
	mgr := NewManager(logger.Discard(), 5*time.Second)
	mgr.Register("failing", func(ctx context.Context) error { return context.DeadlineExceeded })

	mgr.Shutdown()
}

func TestShutdownTimeout(t *testing.T) {
	mgr := NewManager(logger.Discard(), 100*time.Millisecond)
	mgr.Register("slow", func(ctx context.Context) error {
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
		}
		return nil
	})

	start := time.Now()
	mgr.Shutdown()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("shutdown took too long: %v", elapsed)
	}
}

func TestMustFinishHandlerOutlivesTimeout(t *testing.T) {
	mgr := NewManager(logger.Discard(), 50*time.Millisecond)

	var finished, ctxCancelled atomic.Bool
	mgr.RegisterMustFinish("nodes", func(ctx context.Context) error {
		time.Sleep(300 * time.Millisecond)
		ctxCancelled.Store(ctx.Err() != nil)
		finished.Store(true)
		return nil
	})
	mgr.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	mgr.Shutdown()

	if !finished.Load() {
		t.Fatal("shutdown returned before the must-finish handler completed")
	}
	if ctxCancelled.Load() {
		t.Error("must-finish handler saw a cancelled context")
	}
	select {
	case <-mgr.Done():
	default:
		t.Error("expected done channel to be closed")
	}
}

func TestStartSubscribesBeforeReturning(t *testing.T) {
	sigs := newFakeSignals()
	exited := make(chan int, 1)
	mgr := NewManager(logger.Discard(), time.Second,
		WithNotifier(sigs.notify, sigs.stop),
		WithExit(func(code int) { exited <- code }),
	)

	mgr.Start(context.Background())

	var c chan<- os.Signal
	select {
	case c = <-sigs.registered:
	default:
		t.Fatal("Start returned before subscribing to signals")
	}
	c <- syscall.SIGINT

	select {
	case code := <-exited:
		if code != ExitCodeInterrupted {
			t.Errorf("exit code = %d, want %d", code, ExitCodeInterrupted)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("signal after Start was not handled")
	}
}

func TestListenSignalRunsHandlersThenExits(t *testing.T) {
	sigs := newFakeSignals()
	var exitCode atomic.Int32
	var cleaned atomic.Bool

	mgr := NewManager(logger.Discard(), time.Second,
		WithNotifier(sigs.notify, sigs.stop),
		WithExit(func(code int) {
			if !cleaned.Load() {
				t.Error("exit called before cleanup")
			}
			exitCode.Store(int32(code))
		}),
	)
	mgr.RegisterSimple("nodes", func() { cleaned.Store(true) })

	result := make(chan bool, 1)
	go func() { result <- mgr.Listen(context.Background()) }()

	c := <-sigs.registered
	c <- syscall.SIGINT

	select {
	case got := <-result:
		if !got {
			t.Error("expected Listen to report a signal")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return")
	}
	if exitCode.Load() != ExitCodeInterrupted {
		t.Errorf("expected exit code %d, got %d", ExitCodeInterrupted, exitCode.Load())
	}
}

func TestListenContextDoneSkipsHandlers(t *testing.T) {
	sigs := newFakeSignals()
	mgr := NewManager(logger.Discard(), time.Second,
		WithNotifier(sigs.notify, sigs.stop),
		WithExit(func(int) { t.Error("exit must not be called") }),
	)
	var called atomic.Bool
	mgr.RegisterSimple("nodes", func() { called.Store(true) })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if mgr.Listen(ctx) {
		t.Error("expected Listen to return false on context end")
	}
	if called.Load() {
		t.Error("handlers must not run without a signal")
	}
}
