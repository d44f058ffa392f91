package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"jobpipe/internal/config"
	"jobpipe/internal/dispatch"
	"jobpipe/internal/eventbus"
	"jobpipe/internal/export"
	"jobpipe/internal/handlers"
	"jobpipe/internal/jobs"
	"jobpipe/internal/notifier"
	"jobpipe/internal/queue"
	"jobpipe/internal/runtime/supervisor"
	"jobpipe/internal/scheduler"
	"jobpipe/internal/storage"
	"jobpipe/internal/transport/httpapi"
	logx "jobpipe/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	queue    *queue.Service
	jobs     *jobs.Service
	sched    *scheduler.Service
	dispatch *dispatch.Dispatcher
	notif    *notifier.Service
	export   *export.Service
	http     *httpapi.Server
}

// NewApp loads the config at cfgPath and builds every component. Nothing
// runs until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	appLog := log.With(logx.String("comp", "app"))

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(sc, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	appLog.Info("storage.opened", logx.String("driver", sc.Driver))

	a, err := build(cfg, log, store)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	a.cfgm = cfgm
	a.logs = logSvc
	return a, nil
}

func build(cfg *config.Config, log logx.Logger, store storage.Store) (*App, error) {
	bus := eventbus.New()

	qcfg, _ := mapQueueConfig(cfg)
	q := queue.New(qcfg, log, bus)

	js := jobs.New(store, q, bus, log)
	types, err := mapTaskTypes(cfg)
	if err != nil {
		return nil, err
	}
	js.SetTypes(types)

	scfg, _ := mapSchedulerConfig(cfg)
	sched := scheduler.New(scfg, js, q, log)

	conv, model, err := buildCollaborators(cfg, log)
	if err != nil {
		return nil, err
	}
	hcfg, _ := mapHandlersConfig(cfg)
	reg := dispatch.NewRegistry()
	handlers.Register(reg, hcfg, conv, model, log)
	d := dispatch.New(js, reg, log)

	q.Handle(jobs.KindReconcile, func(ctx context.Context, it queue.Item) error {
		return sched.Reconcile(ctx, it.ID)
	})
	q.Handle(jobs.KindDispatch, func(ctx context.Context, it queue.Item) error {
		return d.Dispatch(ctx, it.ID)
	})

	sender, err := buildSender(cfg, log)
	if err != nil {
		return nil, err
	}
	ncfg, _ := mapNotifierConfig(cfg)
	notif := notifier.New(ncfg, sender, log, bus)

	ex := export.New(js, log)
	a := &App{
		log:      log.With(logx.String("comp", "app")),
		bus:      bus,
		store:    store,
		queue:    q,
		jobs:     js,
		sched:    sched,
		dispatch: d,
		notif:    notif,
		export:   ex,
	}
	if cfg.HTTP.Enabled {
		hc, _ := mapHTTPConfig(cfg)
		a.http = httpapi.New(hc, js, ex, log)
		a.http.SetStatus(func() any { return a.Status() })
	}
	return a, nil
}

// Status is the diagnostics view served at /debug/status.
type Status struct {
	Queue     queue.Snapshot     `json:"queue"`
	Scheduler scheduler.Snapshot `json:"scheduler"`
	// Running counts in-flight handler runs per Job in this process.
	Running       map[int64]int `json:"running"`
	Notifications int           `json:"notifications_sent"`
	EventsDropped uint64        `json:"events_dropped"`
}

func (a *App) Status() Status {
	q := a.queue.Snapshot()
	q.History = nil
	return Status{
		Queue:         q,
		Scheduler:     a.sched.Snapshot(),
		Running:       a.dispatch.Counter().Running(),
		Notifications: len(a.notif.Snapshot()),
		EventsDropped: eventbus.Dropped(a.bus),
	}
}

func (a *App) Jobs() *jobs.Service { return a.jobs }

// Done is closed once the app context is canceled, by Stop or by a fatal
// error in a supervised goroutine.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.queue.Start(runCtx)
	a.sched.Start(runCtx)
	if a.notif.Enabled() {
		a.notif.Start(runCtx)
	}
	a.sup.Go0("notifier.watch", func(c context.Context) { a.notif.Watch(c, a.bus) })
	if a.http != nil {
		a.sup.Go("http", a.http.Run)
	}

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validateConfig(cfg) })
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app.started", logx.Bool("http", a.http != nil), logx.Bool("notifier", a.notif.Enabled()))
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// keep only the newest of a burst
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(ctx, last, cfg)
			last = cfg
		}
	}
}

// applyConfig pushes the hot-reloadable sections into running components.
// The config was validated before publish, so mapping errors do not occur
// here.
func (a *App) applyConfig(ctx context.Context, prev, cfg *config.Config) {
	sections, attrs, types := config.SummarizeConfigChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Info("config.reloaded_no_changes")
		return
	}
	for _, s := range sections {
		switch s {
		case "storage", "http", "handlers":
			a.log.Warn("config.restart_required", logx.String("section", s))
		}
	}

	if a.logs != nil {
		a.logs.Apply(mapLogging(cfg))
	}
	if qc, err := mapQueueConfig(cfg); err == nil {
		a.queue.Apply(ctx, qc)
	}
	if sc, err := mapSchedulerConfig(cfg); err == nil {
		a.sched.Apply(sc)
	}
	if reg, err := mapTaskTypes(cfg); err == nil {
		a.jobs.SetTypes(reg)
		if len(types) > 0 {
			a.log.Debug("config.task_types_changed", logx.String("types", strings.Join(types, ",")))
		}
	}
	if nc, err := mapNotifierConfig(cfg); err == nil {
		was := a.notif.Enabled()
		a.notif.Apply(nc)
		switch now := a.notif.Enabled(); {
		case was && !now:
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !was && now:
			a.notif.Start(ctx)
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config.reloaded", fields...)
}

// Stop shuts components down in dependency order. Each step is bounded so
// one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("app.stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)
	a.sup.Cancel()

	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	// in-flight handlers see their context canceled and requeue their Tasks
	a.step(ctx, "queue", 5*time.Second, func(c context.Context) error { a.queue.Stop(c); return nil })
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "supervisor", 3*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("app.stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	stepCtx, cancel := context.WithTimeout(ctx, max(limit, 0))
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && err != context.Canceled {
			a.log.Warn("app.stop_step_error", logx.String("step", name), logx.Err(err))
		}
		a.log.Debug("app.stop_step", logx.String("step", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("app.stop_step_timeout", logx.String("step", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("app.stop_step_late", logx.String("step", name), logx.Err(err))
			}
		}()
	}
}
