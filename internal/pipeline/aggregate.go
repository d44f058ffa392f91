package pipeline

// Aggregate is a Job's derived status and progress.
type Aggregate struct {
	Status   Status
	Progress int
}

// Counts tallies tasks per status.
type Counts map[Status]int

func CountTasks(tasks []Task) Counts {
	c := make(Counts, len(AllStatuses))
	for _, t := range tasks {
		c[t.Status]++
	}
	return c
}

// AggregateTasks derives a Job's status from its Tasks. The first matching
// rule wins:
//
//	all Completed               -> Completed (also for zero tasks)
//	any Failed                  -> Failed
//	any Cancelled               -> Cancelled
//	any Paused, none Processing -> Paused
//	any Processing              -> Processing
//	otherwise                   -> Pending
//
// Progress is the floor of the mean task progress, 0 for zero tasks.
func AggregateTasks(tasks []Task) Aggregate {
	if len(tasks) == 0 {
		return Aggregate{Status: StatusCompleted, Progress: 0}
	}
	sum := 0
	for _, t := range tasks {
		sum += ClampProgress(t.Progress)
	}
	return Aggregate{
		Status:   aggregateStatus(CountTasks(tasks), len(tasks)),
		Progress: sum / len(tasks),
	}
}

func aggregateStatus(c Counts, total int) Status {
	switch {
	case c[StatusCompleted] == total:
		return StatusCompleted
	case c[StatusFailed] > 0:
		return StatusFailed
	case c[StatusCancelled] > 0:
		return StatusCancelled
	case c[StatusPaused] > 0 && c[StatusProcessing] == 0:
		return StatusPaused
	case c[StatusProcessing] > 0:
		return StatusProcessing
	default:
		return StatusPending
	}
}

// Apply writes the aggregate onto j. A halted Job keeps Cancelled.
func (a Aggregate) Apply(j *Job) bool {
	st := a.Status
	if j.Halted {
		st = StatusCancelled
	}
	changed := j.Status != st || j.Progress != a.Progress
	j.Status = st
	j.Progress = a.Progress
	return changed
}
