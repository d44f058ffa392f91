package dispatch

import (
	"context"
	"sync"

	"jobpipe/internal/jobs"
	"jobpipe/internal/pipeline"
)

// Runtime is what a handler may do while it runs. Every method acts on the
// Task the handler was started for.
type Runtime interface {
	Task() pipeline.Task
	Job() pipeline.Job
	// ReportProgress stores pct (clamped to 0..100) and re-aggregates the Job.
	ReportProgress(ctx context.Context, pct int) error
	AppendLog(ctx context.Context, line string) error
	// Runnable must be polled before side effects; false means stop and
	// return pipeline.ErrInterrupted.
	Runnable(ctx context.Context) bool
	// FindSibling looks up a Task of type tt for the same article in the same Job.
	FindSibling(ctx context.Context, tt pipeline.TaskType) (pipeline.Task, bool, error)
	// SpawnJob creates a new Job (for example one per ingested document).
	SpawnJob(ctx context.Context, spec pipeline.JobSpec) (jobs.Detail, error)
}

// Handler executes one Task. Returning nil completes it, pipeline.ErrPrerequisitePending
// sends it back to Pending, pipeline.ErrInterrupted leaves it to whoever
// stopped it, and any other error fails it.
type Handler interface {
	Run(ctx context.Context, rt Runtime) error
}

type HandlerFunc func(ctx context.Context, rt Runtime) error

func (f HandlerFunc) Run(ctx context.Context, rt Runtime) error { return f(ctx, rt) }

// Registry maps task types to handlers.
type Registry struct {
	mu sync.RWMutex
	m  map[pipeline.TaskType]Handler
}

func NewRegistry() *Registry { return &Registry{m: map[pipeline.TaskType]Handler{}} }

func (r *Registry) Register(tt pipeline.TaskType, h Handler) {
	r.mu.Lock()
	r.m[tt] = h
	r.mu.Unlock()
}

func (r *Registry) Lookup(tt pipeline.TaskType) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.m[tt]
}

type taskRuntime struct {
	js   *jobs.Service
	task pipeline.Task
	job  pipeline.Job
}

func (rt *taskRuntime) Task() pipeline.Task { return rt.task }
func (rt *taskRuntime) Job() pipeline.Job   { return rt.job }

func (rt *taskRuntime) ReportProgress(ctx context.Context, pct int) error {
	return rt.js.ReportProgress(ctx, rt.task.ID, pct)
}

func (rt *taskRuntime) AppendLog(ctx context.Context, line string) error {
	return rt.js.AppendLog(ctx, rt.task.ID, line)
}

func (rt *taskRuntime) Runnable(ctx context.Context) bool {
	return rt.js.IsStillRunnable(ctx, rt.task.ID)
}

func (rt *taskRuntime) FindSibling(ctx context.Context, tt pipeline.TaskType) (pipeline.Task, bool, error) {
	return rt.js.Store().FindSibling(ctx, rt.task.JobID, rt.task.ArticleID, tt)
}

func (rt *taskRuntime) SpawnJob(ctx context.Context, spec pipeline.JobSpec) (jobs.Detail, error) {
	if spec.Owner == "" {
		spec.Owner = rt.job.Owner
	}
	return rt.js.CreateJob(ctx, spec)
}
