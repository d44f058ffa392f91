package config

import (
	"reflect"
	"sort"
	"strings"

	logx "jobpipe/pkg/logx"
)

// SummarizeConfigChange lists the changed top-level sections and returns
// log fields describing them. Secrets (API keys, tokens) are never
// included. The third result names the task types whose defaults or
// schema changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var changed []string
	var attrs []logx.Field

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}
	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Int("queue.workers", newCfg.Queue.Workers),
			logx.Int("queue.queue_size", newCfg.Queue.QueueSize),
			logx.Float64("queue.rate_per_sec", newCfg.Queue.RatePerSec),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.rearm_interval", newCfg.Scheduler.RearmInterval),
			logx.String("scheduler.stale_after", newCfg.Scheduler.StaleAfter),
			logx.String("scheduler.sweep", newCfg.Scheduler.Sweep),
		)
	}
	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.debug", newCfg.HTTP.Debug),
			logx.Bool("http.debug_token_set", newCfg.HTTP.DebugToken != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Handlers, newCfg.Handlers) {
		changed = append(changed, "handlers")
		attrs = append(attrs,
			logx.String("handlers.work_dir", newCfg.Handlers.WorkDir),
			logx.String("handlers.model", newCfg.Handlers.Model.Model),
			logx.Bool("handlers.model_key_set", newCfg.Handlers.Model.APIKey != "" || newCfg.Handlers.Model.APIKeyEnv != ""),
			logx.Bool("handlers.converter_set", newCfg.Handlers.Converter.Command != ""),
		)
	}

	oldN, newN := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	if !reflect.DeepEqual(oldN, newN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.targets", len(newN.Targets)),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
		)
	}

	types := diffTaskTypes(oldCfg.TaskTypes, newCfg.TaskTypes)
	if len(types) > 0 {
		changed = append(changed, "task_types")
		attrs = append(attrs, logx.Int("task_types.changed", len(types)))
	}

	sort.Strings(changed)
	return changed, attrs, types
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	return *n
}

func diffTaskTypes(oldM, newM map[string]TaskTypeConfig) []string {
	names := map[string]struct{}{}
	for k := range oldM {
		names[k] = struct{}{}
	}
	for k := range newM {
		names[k] = struct{}{}
	}
	var out []string
	for name := range names {
		o, n := oldM[name], newM[name]
		if canonicalHashJSON(o.Schema) != canonicalHashJSON(n.Schema) || !reflect.DeepEqual(o.Defaults, n.Defaults) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
