package pipeline

import "fmt"

// transitions is the full edge set of the Task state machine, including the
// internal Processing -> Pending requeue used by the dispatcher and recovery.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusPaused, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusPaused, StatusCancelled, StatusPending},
	StatusPaused:     {StatusPending, StatusCancelled},
	StatusCompleted:  {StatusPending},
	StatusFailed:     {StatusPending},
	StatusCancelled:  {StatusPending},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ActionTarget resolves a caller action applied to a Task in state from.
// It returns the target status, or ErrInvalidTransition.
func ActionTarget(a Action, from Status) (Status, error) {
	src, to := ActionSources(a)
	for _, s := range src {
		if s == from {
			return to, nil
		}
	}
	return "", fmt.Errorf("%w: cannot %s a %s task", ErrInvalidTransition, a, from)
}

// ActionSources returns the states an action applies to and the state it moves them to.
func ActionSources(a Action) ([]Status, Status) {
	switch a {
	case ActionPause:
		return []Status{StatusPending, StatusProcessing}, StatusPaused
	case ActionResume:
		return []Status{StatusPaused}, StatusPending
	case ActionCancel:
		return []Status{StatusPending, StatusProcessing, StatusPaused}, StatusCancelled
	case ActionRetry:
		return []Status{StatusCompleted, StatusFailed, StatusCancelled}, StatusPending
	default:
		return nil, ""
	}
}

// Transition describes a conditional status write: the Task moves to To only
// if its current status is one of From. Reset clears progress and logs (retry).
type Transition struct {
	From   []Status
	To     Status
	Reset  bool
	LogAdd string
}

// Allows reports whether the transition applies to a Task currently in s.
func (tr Transition) Allows(s Status) bool {
	for _, f := range tr.From {
		if f == s {
			return CanTransition(s, tr.To)
		}
	}
	return false
}

// Apply mutates t per the transition. Callers must check Allows first.
func (tr Transition) Apply(t *Task) {
	t.Status = tr.To
	if tr.Reset {
		t.Progress = 0
		t.Logs = ""
	}
	if tr.To == StatusCompleted {
		t.Progress = 100
	}
	if tr.LogAdd != "" {
		t.Logs = AppendLogLine(t.Logs, tr.LogAdd)
	}
}
