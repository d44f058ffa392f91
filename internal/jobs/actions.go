package jobs

import (
	"context"
	"errors"
	"fmt"

	"jobpipe/internal/eventbus"
	"jobpipe/internal/pipeline"
	logx "jobpipe/pkg/logx"
)

// JobAction applies a bulk action to the Job's Tasks.
//
//	pause:  Processing -> Paused; if none were Processing, Pending -> Paused
//	resume: Paused -> Pending
//	cancel: Pending|Processing|Paused -> Cancelled (ErrNothingToDo if none)
//	retry:  Failed|Cancelled -> Pending, progress and logs cleared (ErrNothingToDo if none)
//
// resume, retry and cancel also lift a cancel-all halt.
func (s *Service) JobAction(ctx context.Context, jobID int64, action pipeline.Action) (Detail, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return Detail{}, err
	}

	var n int
	switch action {
	case pipeline.ActionPause:
		n, err = s.transitionAll(ctx, jobID, pipeline.StatusProcessing, pipeline.StatusPaused)
		if err == nil && n == 0 {
			n, err = s.transitionAll(ctx, jobID, pipeline.StatusPending, pipeline.StatusPaused)
		}
	case pipeline.ActionResume:
		n, err = s.store.TransitionJobTasks(ctx, jobID, pipeline.Transition{
			From: []pipeline.Status{pipeline.StatusPaused}, To: pipeline.StatusPending,
		})
	case pipeline.ActionCancel:
		n, err = s.store.TransitionJobTasks(ctx, jobID, pipeline.Transition{
			From: []pipeline.Status{pipeline.StatusPending, pipeline.StatusProcessing, pipeline.StatusPaused},
			To:   pipeline.StatusCancelled,
		})
		if err == nil && n == 0 && !job.Halted {
			err = fmt.Errorf("cancel job %d: %w", jobID, pipeline.ErrNothingToDo)
		}
	case pipeline.ActionRetry:
		n, err = s.store.TransitionJobTasks(ctx, jobID, pipeline.Transition{
			From:  []pipeline.Status{pipeline.StatusFailed, pipeline.StatusCancelled},
			To:    pipeline.StatusPending,
			Reset: true,
		})
		if err == nil && n == 0 && !job.Halted {
			err = fmt.Errorf("retry job %d: %w", jobID, pipeline.ErrNothingToDo)
		}
	default:
		err = fmt.Errorf("%w: unknown action %q", pipeline.ErrInvalidSpec, action)
	}
	if err != nil {
		return Detail{}, err
	}

	if job.Halted && action != pipeline.ActionPause {
		if err := s.store.SetJobHalted(ctx, jobID, false); err != nil {
			return Detail{}, err
		}
	}

	s.log.Info("job.action", logx.Int64("job_id", jobID), logx.String("action", string(action)), logx.Int("tasks", n))
	if _, err := s.Refresh(ctx, jobID); err != nil {
		return Detail{}, err
	}
	if action == pipeline.ActionResume || action == pipeline.ActionRetry {
		s.Trigger(jobID)
	}
	return s.GetJob(ctx, jobID)
}

func (s *Service) transitionAll(ctx context.Context, jobID int64, from, to pipeline.Status) (int, error) {
	return s.store.TransitionJobTasks(ctx, jobID, pipeline.Transition{From: []pipeline.Status{from}, To: to})
}

// TaskAction applies one action to one Task of the Job. An action the
// Task's current status does not allow fails with ErrInvalidTransition and
// changes nothing.
func (s *Service) TaskAction(ctx context.Context, jobID, taskID int64, action pipeline.Action) (pipeline.Task, error) {
	t, err := s.GetTask(ctx, jobID, taskID)
	if err != nil {
		return pipeline.Task{}, err
	}
	src, to := pipeline.ActionSources(action)
	if to == "" {
		return pipeline.Task{}, fmt.Errorf("%w: unknown action %q", pipeline.ErrInvalidSpec, action)
	}
	if _, err := pipeline.ActionTarget(action, t.Status); err != nil {
		return pipeline.Task{}, err
	}

	updated, err := s.store.TransitionTask(ctx, taskID, pipeline.Transition{
		From:  src,
		To:    to,
		Reset: action == pipeline.ActionRetry,
	})
	if errors.Is(err, pipeline.ErrConflict) {
		return pipeline.Task{}, fmt.Errorf("%w: task %d changed to %s", pipeline.ErrInvalidTransition, taskID, updated.Status)
	}
	if err != nil {
		return pipeline.Task{}, err
	}
	s.PublishTask(updated, t.Status, "")

	if action == pipeline.ActionResume || action == pipeline.ActionRetry {
		if job, err := s.store.GetJob(ctx, jobID); err == nil && job.Halted {
			if err := s.store.SetJobHalted(ctx, jobID, false); err != nil {
				return pipeline.Task{}, err
			}
		}
	}

	s.log.Info("task.action",
		logx.Int64("job_id", jobID),
		logx.Int64("task_id", taskID),
		logx.String("action", string(action)),
		logx.String("from", string(t.Status)),
		logx.String("to", string(updated.Status)),
	)
	if _, err := s.Refresh(ctx, jobID); err != nil {
		return pipeline.Task{}, err
	}
	if action == pipeline.ActionResume || action == pipeline.ActionRetry {
		s.Trigger(jobID)
	}
	return updated, nil
}

// CancelAll halts every Pending, Processing or Paused Job of owner ("" for
// all owners): their status is forced to Cancelled and the scheduler stops
// dispatching them. Task rows are left as they are; running handlers see
// IsStillRunnable report false. It returns the number of Jobs affected.
func (s *Service) CancelAll(ctx context.Context, owner string) (int, error) {
	n, err := s.store.CancelJobs(ctx, owner)
	if err != nil {
		return 0, fmt.Errorf("cancel all: %w", err)
	}
	s.log.Info("jobs.cancel_all", logx.String("owner", owner), logx.Int("jobs", n))
	if n > 0 {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobsHalted, Data: eventbus.JobsHalted{Owner: owner, Count: n}})
	}
	return n, nil
}
