package eventbus

import "time"

// Event types published by the orchestration core.
const (
	TypeTaskStatus = "task.status"
	TypeJobStatus  = "job.status"
	TypeJobsHalted = "jobs.halted"
	TypeQueueDrop  = "queue.dropped"
)

// TaskStatus is the payload of TypeTaskStatus.
type TaskStatus struct {
	JobID  int64  `json:"job_id"`
	TaskID int64  `json:"task_id"`
	Type   string `json:"task_type"`
	From   string `json:"from"`
	To     string `json:"to"`
	Error  string `json:"error,omitempty"`
}

// JobStatus is the payload of TypeJobStatus. Published after every
// aggregation that changed the Job.
type JobStatus struct {
	JobID    int64     `json:"job_id"`
	Name     string    `json:"name"`
	Owner    string    `json:"owner,omitempty"`
	Status   string    `json:"status"`
	Progress int       `json:"progress"`
	At       time.Time `json:"at"`
}

// JobsHalted is the payload of TypeJobsHalted (cancel-all).
type JobsHalted struct {
	Owner string `json:"owner,omitempty"`
	Count int    `json:"count"`
}

// QueueDrop is the payload of TypeQueueDrop.
type QueueDrop struct {
	Kind   string `json:"kind"`
	ID     int64  `json:"id"`
	Reason string `json:"reason"`
}
