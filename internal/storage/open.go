package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"jobpipe/internal/pipeline"
	logx "jobpipe/pkg/logx"
)

// Store is the persistence contract of the orchestration core.
//
// Lookups return pipeline.ErrNotFound for missing rows. Conditional writes
// return pipeline.ErrConflict when the row is not in an expected state.
type Store interface {
	// CreateJob inserts job and its tasks atomically, assigning IDs and
	// timestamps in place.
	CreateJob(ctx context.Context, job *pipeline.Job, tasks []pipeline.Task) error
	GetJob(ctx context.Context, id int64) (pipeline.Job, error)
	GetJobByRef(ctx context.Context, ref string) (pipeline.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]pipeline.Job, error)
	UpdateJob(ctx context.Context, id int64, upd pipeline.JobUpdate) (pipeline.Job, error)
	// SetJobAggregate stores a derived status/progress. Halted Jobs keep Cancelled.
	SetJobAggregate(ctx context.Context, id int64, agg pipeline.Aggregate) (pipeline.Job, error)
	SetJobHalted(ctx context.Context, id int64, halted bool) error
	// CancelJobs force-sets every matching Job to Cancelled and halts it.
	CancelJobs(ctx context.Context, owner string) (int, error)
	// DeleteJob removes the Job and its Tasks.
	DeleteJob(ctx context.Context, id int64) error

	GetTask(ctx context.Context, id int64) (pipeline.Task, error)
	// FindTasks returns a Job's Tasks in creation order, optionally filtered by status.
	FindTasks(ctx context.Context, jobID int64, statuses ...pipeline.Status) ([]pipeline.Task, error)
	// FindSibling returns the first Task of the Job with the given article and type.
	FindSibling(ctx context.Context, jobID int64, articleID string, tt pipeline.TaskType) (pipeline.Task, bool, error)

	// TransitionTask applies tr if the Task's status allows it.
	TransitionTask(ctx context.Context, id int64, tr pipeline.Transition) (pipeline.Task, error)
	// TransitionJobTasks applies tr to every Task of the Job it allows and
	// returns how many moved.
	TransitionJobTasks(ctx context.Context, jobID int64, tr pipeline.Transition) (int, error)
	// ClaimTask moves a Pending Task to Processing only while the Job has
	// fewer than limit Processing Tasks. It reports whether the claim won.
	ClaimTask(ctx context.Context, id int64, limit int) (bool, error)
	// RequeueStale moves Processing Tasks of the Job last updated before
	// cutoff back to Pending.
	RequeueStale(ctx context.Context, jobID int64, cutoff time.Time, note string) (int, error)

	SetTaskProgress(ctx context.Context, id int64, pct int) error
	AppendTaskLog(ctx context.Context, id int64, line string) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "memory", "mem":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
