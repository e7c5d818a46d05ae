// Package queue distributes render tasks to workers over a Redis list and
// runs the per-job completion callback once every task is finished.
//
// Keys, all under the status store namespace:
//
//	<ns>:queue               task ids waiting for a worker
//	<ns>:task:<id>           task payload (JSON)
//	<ns>:task_jobs           hash of task id to job id
//	<ns>:jobs                set of job ids
//	<ns>:job:<id>            job metadata hash (total, callback, created_at)
//	<ns>:job:<id>:done       set of task ids that reached a terminal status
//	<ns>:callbacks           completion records waiting to be run
package queue

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"renderfarm/internal/metrics"
	"renderfarm/internal/models"
	"renderfarm/internal/pkg/errors"
	"renderfarm/internal/pkg/logger"
	"renderfarm/internal/status"
	"renderfarm/internal/util"
)

// Dispatcher is both the producer and consumer side of the work queue.
type Dispatcher struct {
	rdb       *redis.Client
	store     *status.Store
	queue     *RedisQueue
	callbacks *Callbacks
	log       *logger.Logger
	now       func() time.Time
}

// NewDispatcher wires a dispatcher over store's namespace.
func NewDispatcher(rdb *redis.Client, store *status.Store, callbacks *Callbacks, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.NewDefault()
	}
	if callbacks == nil {
		callbacks = NewCallbacks(log)
	}
	return &Dispatcher{
		rdb:       rdb,
		store:     store,
		queue:     NewRedisQueue(rdb, store.Key("queue")),
		callbacks: callbacks,
		log:       log.WithComponent("dispatcher"),
		now:       time.Now,
	}
}

// Store returns the status store the dispatcher writes through.
func (d *Dispatcher) Store() *status.Store { return d.store }

// Callbacks returns the callback registry.
func (d *Dispatcher) Callbacks() *Callbacks { return d.callbacks }

func (d *Dispatcher) taskKey(id string) string   { return d.store.Key("task", id) }
func (d *Dispatcher) jobKey(id string) string    { return d.store.Key("job", id) }
func (d *Dispatcher) doneKey(id string) string   { return d.store.Key("job", id, "done") }
func (d *Dispatcher) jobsKey() string            { return d.store.Key("jobs") }
func (d *Dispatcher) taskJobsKey() string        { return d.store.Key("task_jobs") }
func (d *Dispatcher) callbacksKey() string       { return d.store.Key("callbacks") }
func (d *Dispatcher) statusKey(id string) string { return d.store.Key("status", id) }

// Dispatch enqueues one task per params entry as a new job. When callback
// is not empty it names a registered callback to run once every task in
// the job has reached a terminal status.
func (d *Dispatcher) Dispatch(ctx context.Context, params []models.RenderParams, callback string) (models.Job, error) {
	const op = "queue.dispatch"

	if len(params) == 0 {
		return models.Job{}, errors.Validation("a job needs at least one task")
	}
	if callback != "" {
		if _, ok := d.callbacks.Lookup(callback); !ok {
			return models.Job{}, errors.Validationf("unknown callback %q", callback)
		}
	}

	job := models.Job{
		ID:        util.NewID("job"),
		Callback:  callback,
		Total:     len(params),
		CreatedAt: d.now().UTC(),
		TaskIDs:   make([]string, 0, len(params)),
	}

	pipe := d.rdb.TxPipeline()
	for i, p := range params {
		if err := p.Validate(); err != nil {
			return models.Job{}, errors.WrapWithCode(err, errors.CodeValidation, op, "task "+strconv.Itoa(i))
		}
		task := models.Task{
			ID:     util.NewID("task"),
			JobID:  job.ID,
			Params: p,
			Status: models.StatusQueued,
		}
		payload, err := json.Marshal(task)
		if err != nil {
			return models.Job{}, errors.Wrap(err, op, "encode task")
		}
		pipe.Set(ctx, d.taskKey(task.ID), payload, 0)
		pipe.Set(ctx, d.statusKey(task.ID), string(models.StatusQueued), 0)
		pipe.HSet(ctx, d.taskJobsKey(), task.ID, job.ID)
		job.TaskIDs = append(job.TaskIDs, task.ID)
	}
	pipe.HSet(ctx, d.jobKey(job.ID),
		"total", job.Total,
		"callback", job.Callback,
		"created_at", job.CreatedAt.Format(time.RFC3339Nano),
	)
	pipe.SAdd(ctx, d.jobsKey(), job.ID)

	if err := d.queue.Push(ctx, pipe, job.TaskIDs...); err != nil {
		return models.Job{}, errors.Wrap(err, op, "enqueue tasks")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return models.Job{}, errors.Wrap(err, op, "enqueue tasks")
	}

	metrics.TasksDispatchedTotal.Add(float64(job.Total))
	d.log.WithJobID(job.ID).Info("job dispatched", "tasks", job.Total, "callback", job.Callback)
	return job, nil
}

// AttachToExisting reports whether a job is already in flight, i.e. any
// task is QUEUED or IN_PROGRESS. The caller should then monitor instead of
// dispatching again.
func (d *Dispatcher) AttachToExisting(ctx context.Context) (bool, error) {
	active, err := d.store.HasActive(ctx)
	if err != nil {
		return false, errors.Wrap(err, "queue.attach", "check active tasks")
	}
	if active {
		d.log.Info("attaching to job in flight")
	}
	return active, nil
}

// Claim takes the next task off the queue, waiting up to timeout. ok is
// false when the queue stayed empty.
//
// A popped task whose payload cannot be read is never dropped: a
// connection or context failure puts it back at the head of the queue,
// and a missing or corrupt payload marks it FAILED so its job can finish.
func (d *Dispatcher) Claim(ctx context.Context, timeout time.Duration) (task models.Task, ok bool, err error) {
	id, err := d.queue.Pop(ctx, timeout)
	if err != nil {
		return models.Task{}, false, errors.WrapWithCode(err, errors.CodeUnavailable, "queue.claim", "pop task")
	}
	if id == "" {
		return models.Task{}, false, nil
	}

	task, err = d.Load(ctx, id)
	if err == nil {
		return task, true, nil
	}

	log := d.log.WithTaskID(id)
	bg := context.WithoutCancel(ctx)
	if retryableLoad(err) {
		if rerr := d.queue.Requeue(bg, id); rerr != nil {
			log.Error("claimed task lost: requeue failed", "error", rerr.Error(), "cause", err.Error())
			return models.Task{}, false, err
		}
		log.Warn("claimed task requeued", "error", err.Error())
		return models.Task{}, false, err
	}

	if _, ferr := d.Finish(bg, id, models.StatusFailed); ferr != nil {
		log.Error("could not fail unreadable task", "error", ferr.Error(), "cause", err.Error())
		return models.Task{}, false, err
	}
	metrics.TasksFinishedTotal.WithLabelValues(string(models.StatusFailed)).Inc()
	log.Error("claimed task has no usable payload, marked FAILED", "error", err.Error())
	return models.Task{}, false, err
}

// retryableLoad reports whether a payload read failed for reasons outside
// the payload itself.
func retryableLoad(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr)
}

// Load reads the payload of a dispatched task.
func (d *Dispatcher) Load(ctx context.Context, taskID string) (models.Task, error) {
	raw, err := d.rdb.Get(ctx, d.taskKey(taskID)).Bytes()
	if err == redis.Nil {
		return models.Task{}, errors.NotFound("task", taskID)
	}
	if err != nil {
		return models.Task{}, errors.Wrap(err, "queue.load", "read task")
	}
	var task models.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return models.Task{}, errors.WrapWithCode(err, errors.CodeValidation, "queue.load", "decode task "+taskID)
	}
	return task, nil
}

// Pending returns the number of tasks waiting for a worker.
func (d *Dispatcher) Pending(ctx context.Context) (int64, error) {
	return d.queue.Len(ctx)
}

// MarkInProgress records that a worker started task.
func (d *Dispatcher) MarkInProgress(ctx context.Context, task models.Task, at time.Time) error {
	return d.store.MarkInProgress(ctx, task.ID, at)
}

// FinishTask writes st for task and, for a terminal status, checks the
// job's fan-in barrier. fired is true for the one call that completed the
// job.
func (d *Dispatcher) FinishTask(ctx context.Context, task models.Task, st models.Status) (fired bool, err error) {
	if err := d.store.Set(ctx, task.ID, st); err != nil {
		return false, err
	}
	if !st.Terminal() || task.JobID == "" {
		return false, nil
	}
	return d.arrive(ctx, task.JobID, task.ID)
}

// Finish is FinishTask for callers that only know the task id. A task
// whose payload is missing or corrupt still reports to its job through
// the task index.
func (d *Dispatcher) Finish(ctx context.Context, taskID string, st models.Status) (bool, error) {
	task, err := d.Load(ctx, taskID)
	if errors.IsCode(err, errors.CodeNotFound) || errors.IsCode(err, errors.CodeValidation) {
		jobID, herr := d.rdb.HGet(ctx, d.taskJobsKey(), taskID).Result()
		if herr != nil && herr != redis.Nil {
			return false, errors.Wrap(herr, "queue.finish", "look up job of task "+taskID)
		}
		task = models.Task{ID: taskID, JobID: jobID}
	} else if err != nil {
		return false, err
	}
	return d.FinishTask(ctx, task, st)
}

// arrive adds taskID to the job's done set. SADD and SCARD run in one
// MULTI so exactly one arrival observes the set reaching the job total
// for the first time.
func (d *Dispatcher) arrive(ctx context.Context, jobID, taskID string) (bool, error) {
	const op = "queue.barrier"

	pipe := d.rdb.TxPipeline()
	added := pipe.SAdd(ctx, d.doneKey(jobID), taskID)
	card := pipe.SCard(ctx, d.doneKey(jobID))
	meta := pipe.HGetAll(ctx, d.jobKey(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, errors.Wrap(err, op, "record arrival")
	}

	total, _ := strconv.Atoi(meta.Val()["total"])
	if total == 0 || added.Val() != 1 || int(card.Val()) != total {
		return false, nil
	}

	c := Completion{
		JobID:    jobID,
		Callback: meta.Val()["callback"],
		Total:    total,
		FiredAt:  d.now().UTC(),
	}
	counts, err := d.jobCounts(ctx, jobID)
	if err != nil {
		d.log.WithJobID(jobID).Warn("could not count job statuses", "error", err.Error())
	} else {
		c.Counts = counts
	}

	d.log.WithJobID(jobID).Info("all tasks finished", "tasks", total, "callback", c.Callback)
	if c.Callback == "" {
		return true, nil
	}

	payload, err := json.Marshal(c)
	if err != nil {
		return true, errors.Wrap(err, op, "encode completion")
	}
	if err := d.rdb.LPush(ctx, d.callbacksKey(), payload).Err(); err != nil {
		return true, errors.Wrap(err, op, "push completion")
	}
	return true, nil
}

func (d *Dispatcher) jobCounts(ctx context.Context, jobID string) (models.Counts, error) {
	ids, err := d.rdb.SMembers(ctx, d.doneKey(jobID)).Result()
	if err != nil {
		return nil, err
	}
	counts := models.NewCounts()
	if len(ids) == 0 {
		return counts, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = d.statusKey(id)
	}
	vals, err := d.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for _, v := range vals {
		if s, ok := v.(string); ok {
			counts[models.Status(s)]++
		}
	}
	return counts, nil
}

// Jobs lists every job in the namespace, oldest first.
func (d *Dispatcher) Jobs(ctx context.Context) ([]models.Job, error) {
	const op = "queue.jobs"

	ids, err := d.rdb.SMembers(ctx, d.jobsKey()).Result()
	if err != nil {
		return nil, errors.Wrap(err, op, "list jobs")
	}

	jobs := make([]models.Job, 0, len(ids))
	for _, id := range ids {
		pipe := d.rdb.Pipeline()
		meta := pipe.HGetAll(ctx, d.jobKey(id))
		done := pipe.SCard(ctx, d.doneKey(id))
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, errors.Wrap(err, op, "read job "+id)
		}
		m := meta.Val()
		job := models.Job{ID: id, Callback: m["callback"], Done: int(done.Val())}
		job.Total, _ = strconv.Atoi(m["total"])
		job.CreatedAt, _ = time.Parse(time.RFC3339Nano, m["created_at"])
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

// ServeCallbacks runs completion callbacks as the barrier emits them until
// ctx ends.
func (d *Dispatcher) ServeCallbacks(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := d.rdb.BRPop(ctx, time.Second, d.callbacksKey()).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.log.Warn("callback pop error, retrying", "error", err.Error())
			time.Sleep(time.Second)
			continue
		}
		if len(res) == 2 {
			d.runCallback(ctx, res[1])
		}
	}
}

// DrainCallbacks runs every completion record already waiting and returns
// how many ran.
func (d *Dispatcher) DrainCallbacks(ctx context.Context) (int, error) {
	n := 0
	for {
		raw, err := d.rdb.RPop(ctx, d.callbacksKey()).Result()
		if err == redis.Nil {
			return n, nil
		}
		if err != nil {
			return n, errors.Wrap(err, "queue.drain_callbacks", "pop completion")
		}
		d.runCallback(ctx, raw)
		n++
	}
}

func (d *Dispatcher) runCallback(ctx context.Context, raw string) {
	var c Completion
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		d.log.Error("malformed completion record", "error", err.Error())
		return
	}
	log := d.log.WithJobID(c.JobID)

	fn, ok := d.callbacks.Lookup(c.Callback)
	if !ok {
		log.Warn("no callback registered", "callback", c.Callback)
		return
	}
	if err := fn(logger.ContextWithJobID(ctx, c.JobID), c); err != nil {
		log.Error("callback failed", "callback", c.Callback, "error", err.Error())
		return
	}
	log.Debug("callback ran", "callback", c.Callback)
}
