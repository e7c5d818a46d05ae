// Package orchestrator drives one render job from dispatch to teardown.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"renderfarm/internal/models"
	"renderfarm/internal/monitor"
	"renderfarm/internal/nodes"
	"renderfarm/internal/pkg/errors"
	"renderfarm/internal/pkg/logger"
)

// Dispatcher is the job-facing side of the work queue.
type Dispatcher interface {
	AttachToExisting(ctx context.Context) (bool, error)
	Dispatch(ctx context.Context, params []models.RenderParams, callback string) (models.Job, error)
	ServeCallbacks(ctx context.Context) error
	DrainCallbacks(ctx context.Context) (int, error)
}

// NodePool rents and releases compute nodes.
type NodePool interface {
	RentNodes(ctx context.Context, req nodes.RentRequest) ([]models.Node, error)
	Adopt(ctx context.Context, label string) ([]models.Node, error)
	TerminateNodes(ctx context.Context, nodes []models.Node)
	Nodes() []models.Node
}

// Monitor blocks until the job has no queued or running task.
type Monitor interface {
	Run(ctx context.Context) (monitor.Snapshot, error)
}

// Interrupts runs registered cleanup when the process is interrupted.
// Start must be subscribed to signals by the time it returns.
type Interrupts interface {
	RegisterMustFinish(name string, cleanup func(ctx context.Context) error)
	Start(ctx context.Context)
}

type Deps struct {
	Dispatcher Dispatcher
	Nodes      NodePool
	Monitor    Monitor
	Interrupts Interrupts
	// Out receives operator-facing progress lines.
	Out io.Writer
	Log *logger.Logger
}

// Job is what RunJob dispatches and the nodes it rents for it.
type Job struct {
	Params   []models.RenderParams
	Callback string
	Rent     nodes.RentRequest
}

// Result summarizes a finished RunJob.
type Result struct {
	Attached bool
	Job      models.Job
	Nodes    []models.Node
	Final    monitor.Snapshot
	Elapsed  time.Duration
}

type Orchestrator struct {
	dispatcher Dispatcher
	nodes      NodePool
	monitor    Monitor
	interrupts Interrupts
	out        io.Writer
	log        *logger.Logger
}

func New(d Deps) *Orchestrator {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	out := d.Out
	if out == nil {
		out = io.Discard
	}
	return &Orchestrator{
		dispatcher: d.Dispatcher,
		nodes:      d.Nodes,
		monitor:    d.Monitor,
		interrupts: d.Interrupts,
		out:        out,
		log:        log.WithComponent("orchestrator"),
	}
}

// RunJob dispatches job, or attaches to the one already in flight, rents
// nodes for it, monitors it to the end and tears every node down. Nodes
// are destroyed on every return path once any were rented, and on
// interrupt before the process exits.
func (o *Orchestrator) RunJob(ctx context.Context, job Job) (res Result, err error) {
	const op = "orchestrator.run_job"
	start := time.Now()

	attached, err := o.dispatcher.AttachToExisting(ctx)
	if err != nil {
		return res, errors.Wrap(err, op, "check for job in flight")
	}
	res.Attached = attached

	// renting is held while nodes are being rented or adopted, so the
	// interrupt handler sees every node that call produces.
	var renting sync.Mutex
	rentCtx, stopRenting := context.WithCancel(ctx)
	defer stopRenting()

	o.interrupts.RegisterMustFinish("nodes", func(ctx context.Context) error {
		stopRenting()
		renting.Lock()
		defer renting.Unlock()
		fmt.Fprintln(o.out, "terminating nodes")
		o.nodes.TerminateNodes(ctx, o.nodes.Nodes())
		return nil
	})
	listenCtx, stopListening := context.WithCancel(ctx)
	defer stopListening()
	o.interrupts.Start(listenCtx)

	defer func() {
		o.teardown(ctx)
		res.Nodes = o.nodes.Nodes()
	}()

	if attached {
		fmt.Fprintln(o.out, "attaching to job in flight")
		if job.Rent.Label != "" {
			renting.Lock()
			_, err := o.nodes.Adopt(rentCtx, job.Rent.Label)
			renting.Unlock()
			if err != nil {
				o.log.Warn("could not adopt running nodes", "label", job.Rent.Label, "error", err.Error())
			}
		}
	} else {
		res.Job, err = o.dispatcher.Dispatch(ctx, job.Params, job.Callback)
		if err != nil {
			return res, errors.Wrap(err, op, "dispatch")
		}
		fmt.Fprintf(o.out, "dispatched job %s with %d tasks\n", res.Job.ID, res.Job.Total)

		renting.Lock()
		rented, err := o.nodes.RentNodes(rentCtx, job.Rent)
		renting.Unlock()
		if err != nil {
			return res, errors.Wrap(err, op, "rent nodes")
		}
		fmt.Fprintf(o.out, "rented %d of %d nodes\n", len(rented), job.Rent.MaxNodes)
	}

	cbCtx, stopCallbacks := context.WithCancel(ctx)
	cbDone := make(chan struct{})
	go func() {
		defer close(cbDone)
		if err := o.dispatcher.ServeCallbacks(cbCtx); err != nil && cbCtx.Err() == nil {
			o.log.Error("callback loop stopped", "error", err.Error())
		}
	}()

	res.Final, err = o.monitor.Run(ctx)
	stopCallbacks()
	<-cbDone

	res.Elapsed = time.Since(start)
	if err != nil {
		return res, errors.Wrap(err, op, "monitor")
	}

	if n, err := o.dispatcher.DrainCallbacks(context.WithoutCancel(ctx)); err != nil {
		o.log.Error("failed to drain callbacks", "error", err.Error())
	} else if n > 0 {
		o.log.Info("ran pending callbacks", "count", n)
	}

	fmt.Fprintf(o.out, "job finished in %s: %s\n", res.Elapsed.Round(time.Second), res.Final.Counts)
	return res, nil
}

func (o *Orchestrator) teardown(ctx context.Context) {
	live := o.nodes.Nodes()
	if len(live) == 0 {
		return
	}
	fmt.Fprintf(o.out, "terminating %d nodes\n", len(live))
	o.nodes.TerminateNodes(context.WithoutCancel(ctx), live)
}

// WorkerEnv is the environment handed to every rented node: the job's own
// variables, the artifact store credentials, and where to find the queue.
func WorkerEnv(jobEnv, storageEnv map[string]string, redisURL, namespace string) map[string]string {
	env := make(map[string]string, len(jobEnv)+len(storageEnv)+2)
	for k, v := range jobEnv {
		env[k] = v
	}
	for k, v := range storageEnv {
		env[k] = v
	}
	env["REDIS_URL"] = redisURL
	env["NAMESPACE"] = namespace
	return env
}
