package scheduler

import (
	"sort"

	"jobpipe/internal/pipeline"
)

// Plan is the outcome of inspecting one Job's Tasks.
type Plan struct {
	Processing int
	Pending    int
	Paused     int
	// Available is parallelism minus Processing, never negative.
	Available int
	// AllTerminal is set when every Task is Completed, Failed or Cancelled.
	AllTerminal bool
	// Dispatchable are Pending Tasks with no unfinished prerequisite, in
	// dispatch order.
	Dispatchable []pipeline.Task
	// Candidates is the prefix of Dispatchable that fits in Available.
	Candidates []pipeline.Task
	// Stalled is set when Pending Tasks exist but none can ever start
	// without intervention: nothing is running or paused and every Pending
	// Task waits on a prerequisite that failed or was cancelled.
	Stalled bool
}

type siblingKey struct {
	article string
	typ     pipeline.TaskType
}

// MakePlan selects the Tasks a pass should dispatch.
//
// A Pending Task is blocked while a sibling (same Job, same article id) of
// one of its prerequisite types exists and is not Completed. Dispatch order
// is convert-to-text first, then creation order.
func MakePlan(job pipeline.Job, tasks []pipeline.Task) Plan {
	var p Plan
	c := pipeline.CountTasks(tasks)
	p.Processing = c[pipeline.StatusProcessing]
	p.Pending = c[pipeline.StatusPending]
	p.Paused = c[pipeline.StatusPaused]
	p.AllTerminal = c[pipeline.StatusCompleted]+c[pipeline.StatusFailed]+c[pipeline.StatusCancelled] == len(tasks)
	p.Available = max(job.Parallelism-p.Processing, 0)
	if p.Pending == 0 {
		return p
	}

	siblings := make(map[siblingKey][]pipeline.Status, len(tasks))
	for _, t := range tasks {
		k := siblingKey{t.ArticleID, t.Type}
		siblings[k] = append(siblings[k], t.Status)
	}
	blocked := func(t pipeline.Task) bool {
		for _, bt := range t.Type.BlockedOn() {
			for _, st := range siblings[siblingKey{t.ArticleID, bt}] {
				if st != pipeline.StatusCompleted {
					return true
				}
			}
		}
		return false
	}

	for _, t := range tasks {
		if t.Status == pipeline.StatusPending && !blocked(t) {
			p.Dispatchable = append(p.Dispatchable, t)
		}
	}
	sort.SliceStable(p.Dispatchable, func(i, j int) bool {
		a, b := p.Dispatchable[i], p.Dispatchable[j]
		ac, bc := a.Type == pipeline.TypeConvertToText, b.Type == pipeline.TypeConvertToText
		if ac != bc {
			return ac
		}
		return a.ID < b.ID
	})

	n := min(p.Available, len(p.Dispatchable))
	p.Candidates = p.Dispatchable[:n]
	p.Stalled = len(p.Dispatchable) == 0 && p.Processing == 0 && p.Paused == 0
	return p
}
