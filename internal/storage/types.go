package storage

import (
	"time"

	"jobpipe/internal/pipeline"
)

// Config configures storage.
//
// Driver values: "sqlite", "file", "memory". Empty means "memory".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// JobFilter narrows ListJobs. Zero value lists every Job.
type JobFilter struct {
	Owner         string
	Statuses      []pipeline.Status
	ExcludeHalted bool
	Limit         int
	Offset        int
}

func (f JobFilter) matches(j *pipeline.Job) bool {
	if f.Owner != "" && j.Owner != f.Owner {
		return false
	}
	if f.ExcludeHalted && j.Halted {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if j.Status == s {
			return true
		}
	}
	return false
}

// ActiveStatuses are the Job statuses cancel-all and the sweep act on.
var ActiveStatuses = []pipeline.Status{
	pipeline.StatusPending, pipeline.StatusProcessing, pipeline.StatusPaused,
}
