package config

import (
	"bytes"
	"encoding/json"
)

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "15s", "1m"); empty means the component default.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Queue     QueueConfig     `json:"queue"`
	Scheduler SchedulerConfig `json:"scheduler"`
	HTTP      HTTPConfig      `json:"http"`
	Handlers  HandlersConfig  `json:"handlers"`

	// TaskTypes holds per-type param defaults and an optional JSON Schema,
	// keyed by task type ("convert-to-text", ...).
	TaskTypes map[string]TaskTypeConfig `json:"task_types,omitempty"`

	// Notifier is optional; omitted means disabled.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"` // "console" or "json"
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the store driver.
//
//	"storage": { "driver": "sqlite", "path": "./data/jobpipe.db" }
//
// Changes require a restart.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// QueueConfig controls the in-process work queue. Workers and queue_size
// changes restart the worker pool; waiting items are kept.
type QueueConfig struct {
	Workers        int     `json:"workers,omitempty"`
	QueueSize      int     `json:"queue_size,omitempty"`
	DefaultTimeout string  `json:"default_timeout,omitempty"`
	MaxQueueDelay  string  `json:"max_queue_delay,omitempty"`
	HistorySize    int     `json:"history_size,omitempty"`
	RetryMax       int     `json:"retry_max,omitempty"`
	RetryBase      string  `json:"retry_base,omitempty"`
	RetryMaxDelay  string  `json:"retry_max_delay,omitempty"`
	RatePerSec     float64 `json:"rate_per_sec,omitempty"`
	Burst          int     `json:"burst,omitempty"`
}

type SchedulerConfig struct {
	RearmInterval string `json:"rearm_interval,omitempty"`
	// StaleAfter requeues Processing tasks with no update for this long.
	StaleAfter string `json:"stale_after,omitempty"`
	// Sweep accepts cron ("*/5 * * * *"), a duration ("2m") or HH:MM ("00:05").
	Sweep    string `json:"sweep,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

type HTTPConfig struct {
	Enabled         bool   `json:"enabled"`
	Addr            string `json:"addr,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
	BodyLimit       string `json:"body_limit,omitempty"`
	// Debug exposes /debug/status and /debug/pprof, guarded by DebugToken
	// when set.
	Debug      bool   `json:"debug,omitempty"`
	DebugToken string `json:"debug_token,omitempty"`
}

type HandlersConfig struct {
	WorkDir        string          `json:"work_dir,omitempty"`
	MaxUploadBytes int64           `json:"max_upload_bytes,omitempty"`
	Converter      ConverterConfig `json:"converter"`
	Model          ModelConfig     `json:"model"`
}

// ConverterConfig runs an external command for non-text documents. The
// "{path}" argument is replaced with the document path.
type ConverterConfig struct {
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
}

// ModelConfig points at an OpenAI-compatible chat endpoint. The API key is
// usually supplied via APIKeyEnv rather than written in the file.
type ModelConfig struct {
	BaseURL     string  `json:"base_url,omitempty"`
	APIKey      string  `json:"api_key,omitempty"`
	APIKeyEnv   string  `json:"api_key_env,omitempty"`
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	Timeout     string  `json:"timeout,omitempty"`
}

type NotifierConfig struct {
	Enabled         bool             `json:"enabled"`
	TokenEnv        string           `json:"token_env,omitempty"`
	Workers         int              `json:"workers,omitempty"`
	QueueSize       int              `json:"queue_size,omitempty"`
	RatePerSec      int              `json:"rate_per_sec,omitempty"`
	RetryMax        int              `json:"retry_max,omitempty"`
	RetryBase       string           `json:"retry_base,omitempty"`
	RetryMaxDelay   string           `json:"retry_max_delay,omitempty"`
	DedupWindow     string           `json:"dedup_window,omitempty"`
	DedupMaxEntries int              `json:"dedup_max_entries,omitempty"`
	Statuses        []string         `json:"statuses,omitempty"`
	Targets         []NotifierTarget `json:"targets,omitempty"`
}

type NotifierTarget struct {
	ChatID   int64 `json:"chat_id"`
	ThreadID int   `json:"thread_id,omitempty"`
}

type TaskTypeConfig struct {
	Defaults map[string]any  `json:"defaults,omitempty"`
	Schema   json.RawMessage `json:"schema,omitempty"`
}

// UnmarshalJSON rejects unknown keys inside a task type block; the schema
// itself is kept verbatim.
func (t *TaskTypeConfig) UnmarshalJSON(b []byte) error {
	type plain TaskTypeConfig
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var p plain
	if err := dec.Decode(&p); err != nil {
		return err
	}
	*t = TaskTypeConfig(p)
	return nil
}
