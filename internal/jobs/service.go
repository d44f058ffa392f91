package jobs

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"jobpipe/internal/eventbus"
	"jobpipe/internal/pipeline"
	"jobpipe/internal/queue"
	"jobpipe/internal/storage"
	logx "jobpipe/pkg/logx"
)

// Queue item kinds.
const (
	KindReconcile = "reconcile"
	KindDispatch  = "dispatch"
)

// Enqueuer is the queue contract the core depends on.
type Enqueuer interface {
	Enqueue(it queue.Item) error
	EnqueueAfter(d time.Duration, it queue.Item) error
}

// Detail is a Job with its Tasks in creation order.
type Detail struct {
	pipeline.Job
	Tasks []pipeline.Task `json:"tasks"`
}

type Service struct {
	store storage.Store
	q     Enqueuer
	bus   eventbus.Bus
	log   logx.Logger

	types atomic.Pointer[pipeline.TypeRegistry]
}

func New(store storage.Store, q Enqueuer, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{store: store, q: q, bus: bus, log: log.With(logx.String("comp", "jobs"))}
	s.types.Store(&pipeline.TypeRegistry{})
	return s
}

// SetTypes installs the per-type defaults and schemas used by CreateJob.
func (s *Service) SetTypes(reg *pipeline.TypeRegistry) {
	if reg != nil {
		s.types.Store(reg)
	}
}

func (s *Service) Store() storage.Store { return s.store }

// Trigger enqueues a reconciliation pass for the Job. Failures are logged;
// the periodic sweep picks the Job up later.
func (s *Service) Trigger(jobID int64) {
	if err := s.q.Enqueue(queue.Item{Kind: KindReconcile, ID: jobID}); err != nil {
		s.log.Warn("reconcile.trigger_failed", logx.Int64("job_id", jobID), logx.Err(err))
	}
}

// CreateJob validates spec, resolves each Task's effective params and
// persists the Job with all Tasks Pending.
func (s *Service) CreateJob(ctx context.Context, spec pipeline.JobSpec) (Detail, error) {
	if err := spec.Normalize(); err != nil {
		return Detail{}, err
	}
	reg := s.types.Load()
	tasks := make([]pipeline.Task, len(spec.Tasks))
	for i, ts := range spec.Tasks {
		params, err := reg.Resolve(ts.Type, ts.Params)
		if err != nil {
			return Detail{}, fmt.Errorf("tasks[%d]: %w", i, err)
		}
		tasks[i] = pipeline.Task{
			Type:      ts.Type,
			Status:    pipeline.StatusPending,
			ArticleID: ts.ArticleID,
			Params:    params,
		}
	}

	job := pipeline.Job{
		ExternalRef: uuid.NewString(),
		Owner:       spec.Owner,
		Name:        spec.Name,
		Parallelism: spec.Parallelism,
	}
	pipeline.AggregateTasks(tasks).Apply(&job)

	if err := s.store.CreateJob(ctx, &job, tasks); err != nil {
		return Detail{}, fmt.Errorf("create job: %w", err)
	}
	s.log.Info("job.created",
		logx.Int64("job_id", job.ID),
		logx.String("ref", job.ExternalRef),
		logx.String("owner", job.Owner),
		logx.Int("tasks", len(tasks)),
		logx.Int("parallelism", job.Parallelism),
	)
	s.publishJob(job)
	if len(tasks) > 0 {
		s.Trigger(job.ID)
	}
	return Detail{Job: job, Tasks: tasks}, nil
}

func (s *Service) GetJob(ctx context.Context, id int64) (Detail, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	tasks, err := s.store.FindTasks(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	return Detail{Job: job, Tasks: tasks}, nil
}

func (s *Service) GetJobByRef(ctx context.Context, ref string) (Detail, error) {
	job, err := s.store.GetJobByRef(ctx, ref)
	if err != nil {
		return Detail{}, err
	}
	return s.GetJob(ctx, job.ID)
}

func (s *Service) ListJobs(ctx context.Context, f storage.JobFilter) ([]pipeline.Job, error) {
	return s.store.ListJobs(ctx, f)
}

// UpdateJob changes name and/or parallelism. A parallelism change takes
// effect on the next reconciliation pass, which is triggered here.
func (s *Service) UpdateJob(ctx context.Context, id int64, upd pipeline.JobUpdate) (pipeline.Job, error) {
	if err := upd.Validate(); err != nil {
		return pipeline.Job{}, err
	}
	job, err := s.store.UpdateJob(ctx, id, upd)
	if err != nil {
		return pipeline.Job{}, err
	}
	s.log.Info("job.updated", logx.Int64("job_id", id), logx.String("name", job.Name), logx.Int("parallelism", job.Parallelism))
	if upd.Parallelism != nil {
		s.Trigger(id)
	}
	return job, nil
}

// DeleteJob removes the Job and its Tasks. In-flight handlers notice on
// their next runnable check.
func (s *Service) DeleteJob(ctx context.Context, id int64) error {
	if err := s.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	s.log.Info("job.deleted", logx.Int64("job_id", id))
	return nil
}

func (s *Service) ListTasks(ctx context.Context, jobID int64) ([]pipeline.Task, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.store.FindTasks(ctx, jobID)
}

// GetTask returns the Task only if it belongs to jobID.
func (s *Service) GetTask(ctx context.Context, jobID, taskID int64) (pipeline.Task, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return pipeline.Task{}, err
	}
	if t.JobID != jobID {
		return pipeline.Task{}, fmt.Errorf("task %d in job %d: %w", taskID, jobID, pipeline.ErrNotFound)
	}
	return t, nil
}

// Refresh recomputes the Job's status and progress from its Tasks and
// persists them. A changed aggregate is published on the bus.
func (s *Service) Refresh(ctx context.Context, jobID int64) (pipeline.Job, error) {
	prev, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return pipeline.Job{}, err
	}
	tasks, err := s.store.FindTasks(ctx, jobID)
	if err != nil {
		return pipeline.Job{}, err
	}
	job, err := s.store.SetJobAggregate(ctx, jobID, pipeline.AggregateTasks(tasks))
	if err != nil {
		return pipeline.Job{}, err
	}
	if job.Status != prev.Status || job.Progress != prev.Progress {
		s.publishJob(job)
		if job.Status != prev.Status {
			s.log.Info("job.status",
				logx.Int64("job_id", jobID),
				logx.String("from", string(prev.Status)),
				logx.String("to", string(job.Status)),
				logx.Int("progress", job.Progress),
			)
		}
	}
	return job, nil
}

func (s *Service) publishJob(j pipeline.Job) {
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobStatus, Data: eventbus.JobStatus{
		JobID: j.ID, Name: j.Name, Owner: j.Owner, Status: string(j.Status), Progress: j.Progress, At: j.UpdatedAt,
	}})
}

// PublishTask announces a Task status change.
func (s *Service) PublishTask(t pipeline.Task, from pipeline.Status, errMsg string) {
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskStatus, Data: eventbus.TaskStatus{
		JobID: t.JobID, TaskID: t.ID, Type: string(t.Type), From: string(from), To: string(t.Status), Error: errMsg,
	}})
}

// ReportProgress records a handler's progress (clamped to 0..100) and
// re-aggregates the Job.
func (s *Service) ReportProgress(ctx context.Context, taskID int64, pct int) error {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := s.store.SetTaskProgress(ctx, taskID, pct); err != nil {
		return err
	}
	_, err = s.Refresh(ctx, t.JobID)
	return err
}

// AppendLog appends one line to the Task's log.
func (s *Service) AppendLog(ctx context.Context, taskID int64, line string) error {
	return s.store.AppendTaskLog(ctx, taskID, line)
}

// IsStillRunnable reports whether a handler should keep working: the Task
// is still Processing and its Job has not been halted by cancel-all.
// Lookup failures (including a deleted Task) report false.
func (s *Service) IsStillRunnable(ctx context.Context, taskID int64) bool {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil || t.Status != pipeline.StatusProcessing {
		return false
	}
	job, err := s.store.GetJob(ctx, t.JobID)
	if err != nil {
		return false
	}
	return !job.Halted
}
