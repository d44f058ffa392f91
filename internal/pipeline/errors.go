package pipeline

import "errors"

var (
	// ErrNotFound is returned when a Job or Task does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned for a state change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrNothingToDo is returned by bulk actions that match no Task.
	ErrNothingToDo = errors.New("no tasks eligible for action")
	// ErrInvalidSpec is returned for malformed create/update requests.
	ErrInvalidSpec = errors.New("invalid job spec")
	// ErrConflict is returned when a conditional write loses a race.
	ErrConflict = errors.New("state changed concurrently")

	// ErrPrerequisitePending is returned by handlers whose upstream sibling
	// Task has not completed yet. The Task goes back to Pending.
	ErrPrerequisitePending = errors.New("prerequisite task not completed")
	// ErrInterrupted is returned by handlers that noticed their Task is no
	// longer runnable. A Task still Processing (its Job was halted) goes back
	// to Pending; a paused or cancelled Task keeps its status.
	ErrInterrupted = errors.New("task no longer runnable")
)

// IsValidation reports whether err is a caller error (bad input or illegal
// state change) as opposed to an infrastructure failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrNothingToDo) ||
		errors.Is(err, ErrInvalidSpec)
}
