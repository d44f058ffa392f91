// Package notifier delivers short operator messages about Job outcomes.
//
// The service is an async pipeline (queue, worker pool, rate limit, retry,
// dedup) in front of a Sender. Watch turns job.status and jobs.halted bus
// events into notifications for the configured targets.
//
// For debugging, the service keeps a small in-memory history of recently
// delivered messages.
package notifier
