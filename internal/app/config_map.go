package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"jobpipe/internal/config"
	"jobpipe/internal/handlers"
	"jobpipe/internal/notifier"
	"jobpipe/internal/pipeline"
	"jobpipe/internal/queue"
	"jobpipe/internal/scheduler"
	"jobpipe/internal/storage"
	"jobpipe/internal/transport/httpapi"
	logx "jobpipe/pkg/logx"
)

const (
	defaultSweep         = "1m"
	defaultTelegramToken = "JOBPIPE_TELEGRAM_TOKEN"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "memory", "mem":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapQueueConfig(cfg *config.Config) (queue.Config, error) {
	qc := cfg.Queue
	if qc.Workers < 0 || qc.QueueSize < 0 || qc.HistorySize < 0 || qc.RetryMax < 0 || qc.RatePerSec < 0 {
		return queue.Config{}, fmt.Errorf("queue: numeric settings must be >= 0")
	}
	out := queue.Config{
		Workers:     qc.Workers,
		QueueSize:   qc.QueueSize,
		HistorySize: qc.HistorySize,
		RetryMax:    qc.RetryMax,
		RatePerSec:  qc.RatePerSec,
		Burst:       qc.Burst,
	}
	var err error
	for _, f := range []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"queue.default_timeout", qc.DefaultTimeout, &out.DefaultTimeout},
		{"queue.max_queue_delay", qc.MaxQueueDelay, &out.MaxQueueDelay},
		{"queue.retry_base", qc.RetryBase, &out.RetryBase},
		{"queue.retry_max_delay", qc.RetryMaxDelay, &out.RetryMaxDelay},
	} {
		if *f.dst, err = config.ParseDurationField(f.key, f.raw); err != nil {
			return queue.Config{}, err
		}
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	rearm, err := config.ParseDurationOrDefault("scheduler.rearm_interval", sc.RearmInterval, scheduler.DefaultRearmInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	stale, err := config.ParseDurationField("scheduler.stale_after", sc.StaleAfter)
	if err != nil {
		return scheduler.Config{}, err
	}
	sweep := strings.TrimSpace(sc.Sweep)
	switch strings.ToLower(sweep) {
	case "":
		sweep = defaultSweep
	case "off", "none":
		sweep = ""
	}
	if sweep != "" {
		if _, err := scheduler.ParseSchedule(sweep); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.sweep: %w", err)
		}
	}
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return scheduler.Config{RearmInterval: rearm, StaleAfter: stale, Sweep: sweep, Timezone: sc.Timezone}, nil
}

func mapTaskTypes(cfg *config.Config) (*pipeline.TypeRegistry, error) {
	m := make(map[pipeline.TaskType]pipeline.TypeConfig, len(cfg.TaskTypes))
	for name, tc := range cfg.TaskTypes {
		tt, err := pipeline.ParseTaskType(name)
		if err != nil {
			return nil, fmt.Errorf("task_types: %w", err)
		}
		m[tt] = pipeline.TypeConfig{Defaults: tc.Defaults, Schema: tc.Schema}
	}
	reg, err := pipeline.NewTypeRegistry(m)
	if err != nil {
		return nil, fmt.Errorf("task_types: %w", err)
	}
	return reg, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	if nc == nil {
		return notifier.Config{}, nil
	}
	if nc.Workers < 0 || nc.QueueSize < 0 || nc.RatePerSec < 0 || nc.RetryMax < 0 || nc.DedupMaxEntries < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: numeric settings must be >= 0")
	}
	out := notifier.Config{
		Enabled:         nc.Enabled,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		DedupMaxEntries: nc.DedupMaxEntries,
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", nc.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", nc.DedupWindow, time.Minute); err != nil {
		return notifier.Config{}, err
	}
	for _, s := range nc.Statuses {
		st, err := pipeline.ParseStatus(s)
		if err != nil {
			return notifier.Config{}, fmt.Errorf("notifier.statuses: %w", err)
		}
		out.Statuses = append(out.Statuses, string(st))
	}
	for _, t := range nc.Targets {
		if t.ChatID == 0 {
			return notifier.Config{}, fmt.Errorf("notifier.targets: chat_id is required")
		}
		out.Targets = append(out.Targets, notifier.Target{ChatID: t.ChatID, ThreadID: t.ThreadID})
	}
	return out, nil
}

func telegramToken(cfg *config.Config) string {
	env := defaultTelegramToken
	if cfg.Notifier != nil && strings.TrimSpace(cfg.Notifier.TokenEnv) != "" {
		env = strings.TrimSpace(cfg.Notifier.TokenEnv)
	}
	return os.Getenv(env)
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	d, err := config.ParseDurationField("http.shutdown_timeout", hc.ShutdownTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:            strings.TrimSpace(hc.Addr),
		ShutdownTimeout: d,
		BodyLimit:       hc.BodyLimit,
		Debug:           hc.Debug,
		DebugToken:      strings.TrimSpace(hc.DebugToken),
	}, nil
}

func mapHandlersConfig(cfg *config.Config) (handlers.Config, error) {
	hc := cfg.Handlers
	if hc.MaxUploadBytes < 0 {
		return handlers.Config{}, fmt.Errorf("handlers.max_upload_bytes must be >= 0")
	}
	return handlers.Config{WorkDir: strings.TrimSpace(hc.WorkDir), MaxUploadBytes: hc.MaxUploadBytes}, nil
}

func mapModelConfig(cfg *config.Config) (handlers.ChatConfig, bool, error) {
	mc := cfg.Handlers.Model
	if strings.TrimSpace(mc.BaseURL) == "" {
		return handlers.ChatConfig{}, false, nil
	}
	timeout, err := config.ParseDurationOrDefault("handlers.model.timeout", mc.Timeout, 2*time.Minute)
	if err != nil {
		return handlers.ChatConfig{}, false, err
	}
	key := mc.APIKey
	if key == "" && strings.TrimSpace(mc.APIKeyEnv) != "" {
		key = os.Getenv(strings.TrimSpace(mc.APIKeyEnv))
	}
	return handlers.ChatConfig{
		BaseURL:     strings.TrimSpace(mc.BaseURL),
		APIKey:      key,
		Model:       mc.Model,
		Temperature: mc.Temperature,
		Timeout:     timeout,
	}, true, nil
}

// validateConfig checks every section the way NewApp maps it, so a bad
// hot reload is rejected before anything is applied.
func validateConfig(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapQueueConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskTypes(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHandlersConfig(cfg); err != nil {
		return err
	}
	_, _, err := mapModelConfig(cfg)
	return err
}
