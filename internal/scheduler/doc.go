// Package scheduler reconciles Jobs: each pass reads the persisted Task
// rows of one Job, claims as many dispatchable Pending Tasks as the Job's
// parallelism allows, hands them to the dispatcher through the queue and
// re-arms itself while work remains.
//
// Passes are triggered three ways: edge triggers after every Task change,
// the per-Job re-arm timer, and a cron-driven sweep over all active Jobs
// that also recovers Jobs whose timers were lost in a restart.
package scheduler
