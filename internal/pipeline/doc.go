// Package pipeline holds the Job and Task records, the Task state machine,
// the Job status aggregator and the typed per-task-type configuration.
//
// Everything here is pure: no storage, no queue, no clocks other than the
// timestamps callers put on records.
package pipeline
