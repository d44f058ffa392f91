package queue

import (
	"context"
	"strconv"
	"time"
)

// Config controls the work queue.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout bounds a single handler run. 0 means no timeout.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops items that waited longer than this. 0 disables.
	MaxQueueDelay time.Duration

	HistorySize int

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	// RatePerSec throttles how many items start per second. 0 means unlimited.
	RatePerSec float64
	Burst      int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.Burst <= 0 {
		c.Burst = max(1, int(c.RatePerSec))
	}
	return c
}

// Item is a unit of queued work: a kind routed to a registered Handler plus
// the id of the record it acts on. Items are compared by value, so two
// enqueues of the same Item coalesce while the first is still waiting.
type Item struct {
	Kind string `json:"kind"`
	ID   int64  `json:"id"`
}

func (it Item) String() string { return it.Kind + ":" + strconv.FormatInt(it.ID, 10) }

// Handler executes one Item. Errors are retried per Config unless wrapped with NoRetry.
type Handler func(ctx context.Context, it Item) error

type HistoryItem struct {
	Item       Item
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Attempts   int
	Error      string
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Workers    int           `json:"workers"`
	QueueLen   int           `json:"queue_len"`
	QueueCap   int           `json:"queue_cap"`
	Delayed    int           `json:"delayed"`
	InFlight   int           `json:"in_flight"`
	Coalesced  uint64        `json:"coalesced"`
	Dropped    uint64        `json:"dropped"`
	Failed     uint64        `json:"failed"`
	RatePerSec float64       `json:"rate_per_sec"`
	History    []HistoryItem `json:"history,omitempty"`
}
