// Package jobs is the caller-facing side of the orchestration core: Job
// creation and lookup, Job and Task actions, cancel-all, and the progress,
// log and runnable operations handlers use while they work.
//
// Every Task mutation is followed by a re-aggregation of the owning Job and,
// where work may have become runnable, a reconciliation trigger on the queue.
package jobs
