package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"jobpipe/internal/jobs"
	"jobpipe/internal/pipeline"
	"jobpipe/internal/queue"
	"jobpipe/internal/storage"
	logx "jobpipe/pkg/logx"
)

// finalWriteTimeout bounds the outcome write when the run context is
// already canceled (shutdown, queue timeout).
const finalWriteTimeout = 5 * time.Second

type Dispatcher struct {
	js       *jobs.Service
	store    storage.Store
	registry *Registry
	counter  *Counter
	log      logx.Logger
}

func New(js *jobs.Service, registry *Registry, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		js:       js,
		store:    js.Store(),
		registry: registry,
		counter:  NewCounter(),
		log:      log.With(logx.String("comp", "dispatch")),
	}
}

func (d *Dispatcher) Counter() *Counter { return d.counter }

// Dispatch runs the Task's handler and records the outcome.
//
// Only Pending or Processing Tasks are run; anything else is a duplicate or
// late delivery and is ignored. A Pending Task is claimed first under the
// Job's parallelism limit. Handler failures are recorded on the Task and
// never returned; only storage failures are.
func (d *Dispatcher) Dispatch(ctx context.Context, taskID int64) error {
	log := d.log.With(logx.Int64("task_id", taskID))

	t, err := d.store.GetTask(ctx, taskID)
	if errors.Is(err, pipeline.ErrNotFound) {
		log.Debug("dispatch.task_gone")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load task %d: %w", taskID, err)
	}
	if t.Status != pipeline.StatusPending && t.Status != pipeline.StatusProcessing {
		log.Debug("dispatch.skip", logx.String("status", string(t.Status)))
		return nil
	}
	job, err := d.store.GetJob(ctx, t.JobID)
	if errors.Is(err, pipeline.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job %d: %w", t.JobID, err)
	}
	log = log.With(logx.Int64("job_id", job.ID), logx.String("task_type", string(t.Type)))
	if job.Halted {
		log.Debug("dispatch.job_halted")
		if t.Status != pipeline.StatusProcessing {
			return nil
		}
		// claimed before cancel-all landed; give the slot back
		_, err := d.store.TransitionTask(ctx, t.ID, pipeline.Transition{
			From:   []pipeline.Status{pipeline.StatusProcessing},
			To:     pipeline.StatusPending,
			LogAdd: "interrupted: job halted",
		})
		switch {
		case err == nil:
			d.js.PublishTask(pipeline.Task{ID: t.ID, JobID: t.JobID, Type: t.Type, Status: pipeline.StatusPending}, pipeline.StatusProcessing, "")
		case errors.Is(err, pipeline.ErrConflict), errors.Is(err, pipeline.ErrNotFound):
		default:
			return fmt.Errorf("requeue task %d of halted job: %w", t.ID, err)
		}
		return nil
	}

	if t.Status == pipeline.StatusPending {
		ok, err := d.store.ClaimTask(ctx, t.ID, job.Parallelism)
		if err != nil {
			return fmt.Errorf("claim task %d: %w", t.ID, err)
		}
		if !ok {
			log.Debug("dispatch.claim_lost")
			d.js.Trigger(job.ID)
			return nil
		}
		d.js.PublishTask(pipeline.Task{ID: t.ID, JobID: t.JobID, Type: t.Type, Status: pipeline.StatusProcessing}, pipeline.StatusPending, "")
		t.Status = pipeline.StatusProcessing
	}

	if !d.counter.Acquire(job.ID, t.ID) {
		log.Debug("dispatch.already_running")
		return nil
	}
	defer d.counter.Release(job.ID, t.ID)

	start := time.Now()
	runErr := d.run(ctx, &taskRuntime{js: d.js, task: t, job: job}, log)
	dur := time.Since(start)

	wctx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
		defer cancel()
	}

	tr, outcome := outcomeOf(ctx, runErr)
	updated, err := d.store.TransitionTask(wctx, t.ID, tr)
	switch {
	case errors.Is(err, pipeline.ErrConflict):
		// paused, cancelled or reset while the handler ran
		log.Info("dispatch.outcome_dropped", logx.String("outcome", outcome), logx.String("status", string(updated.Status)))
	case errors.Is(err, pipeline.ErrNotFound):
		log.Info("dispatch.task_deleted", logx.String("outcome", outcome))
		return nil
	case err != nil:
		// task stays Processing; stale recovery requeues it
		log.Error("dispatch.outcome_write_failed", logx.String("outcome", outcome), logx.Err(err))
		return queue.NoRetry(fmt.Errorf("record outcome of task %d: %w", t.ID, err))
	default:
		errMsg := ""
		if runErr != nil && outcome == "failed" {
			errMsg = runErr.Error()
		}
		d.js.PublishTask(updated, pipeline.StatusProcessing, errMsg)
		fields := []logx.Field{logx.String("outcome", outcome), logx.Duration("dur", dur)}
		if outcome == "failed" {
			log.Warn("dispatch.task_failed", append(fields, logx.Err(runErr))...)
		} else {
			log.Info("dispatch.task_done", fields...)
		}
	}

	if _, err := d.js.Refresh(wctx, job.ID); err != nil && !errors.Is(err, pipeline.ErrNotFound) {
		log.Warn("dispatch.refresh_failed", logx.Err(err))
	}
	d.js.Trigger(job.ID)
	return nil
}

// outcomeOf maps a handler result to the conditional status write.
func outcomeOf(ctx context.Context, runErr error) (pipeline.Transition, string) {
	processing := []pipeline.Status{pipeline.StatusProcessing}
	switch {
	case runErr == nil:
		return pipeline.Transition{From: processing, To: pipeline.StatusCompleted}, "completed"
	case errors.Is(runErr, pipeline.ErrPrerequisitePending):
		return pipeline.Transition{From: processing, To: pipeline.StatusPending, LogAdd: "waiting for prerequisite task"}, "requeued"
	case errors.Is(runErr, pipeline.ErrInterrupted):
		// Still Processing means the Job was halted; a later resume dispatches it again.
		return pipeline.Transition{From: processing, To: pipeline.StatusPending, LogAdd: "interrupted"}, "interrupted"
	case ctx.Err() != nil && errors.Is(runErr, ctx.Err()):
		return pipeline.Transition{From: processing, To: pipeline.StatusPending, LogAdd: "interrupted: " + runErr.Error()}, "interrupted"
	default:
		return pipeline.Transition{From: processing, To: pipeline.StatusFailed, LogAdd: "error: " + runErr.Error()}, "failed"
	}
}

func (d *Dispatcher) run(ctx context.Context, rt *taskRuntime, log logx.Logger) (err error) {
	h := d.registry.Lookup(rt.task.Type)
	if h == nil {
		return fmt.Errorf("no handler registered for task type %q", rt.task.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			log.Error("dispatch.panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return h.Run(ctx, rt)
}
