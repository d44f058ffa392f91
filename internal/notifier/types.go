package notifier

import (
	"context"
	"time"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int

	Targets []Target
	// Statuses are the Job statuses worth a message. Empty means
	// completed, failed and cancelled.
	Statuses []string
}

// Target is a chat, optionally a forum thread inside it.
type Target struct {
	ChatID   int64 `json:"chat_id"`
	ThreadID int   `json:"thread_id,omitempty"`
}

type Notification struct {
	Target   Target
	Priority int
	Text     string
}

// Sender delivers one message.
type Sender interface {
	SendText(ctx context.Context, to Target, text string) error
}

type HistoryItem struct {
	At   time.Time
	Text string
}

// Event types published on the bus.
const (
	TypeSent    = "notifier.sent"
	TypeFailed  = "notifier.failed"
	TypeDropped = "notifier.dropped"
)

// NotificationEvent is the payload of notifier bus events.
type NotificationEvent struct {
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
