package dispatch

import "sync"

// Counter tracks handlers running in this process, per Job and per Task.
// It is a cache for diagnostics and duplicate suppression only; the
// persisted Task rows are the source of truth.
type Counter struct {
	mu    sync.Mutex
	jobs  map[int64]int
	tasks map[int64]struct{}
}

func NewCounter() *Counter {
	return &Counter{jobs: map[int64]int{}, tasks: map[int64]struct{}{}}
}

// Acquire registers a running Task. It returns false if the Task is already
// running in this process.
func (c *Counter) Acquire(jobID, taskID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.tasks[taskID]; dup {
		return false
	}
	c.tasks[taskID] = struct{}{}
	c.jobs[jobID]++
	return true
}

func (c *Counter) Release(jobID, taskID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tasks[taskID]; !ok {
		return
	}
	delete(c.tasks, taskID)
	if c.jobs[jobID]--; c.jobs[jobID] <= 0 {
		delete(c.jobs, jobID)
	}
}

// Running returns the per-Job running counts.
func (c *Counter) Running() map[int64]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int64]int, len(c.jobs))
	for k, v := range c.jobs {
		out[k] = v
	}
	return out
}
