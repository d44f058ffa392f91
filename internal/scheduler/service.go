package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"jobpipe/internal/jobs"
	"jobpipe/internal/pipeline"
	"jobpipe/internal/queue"
	"jobpipe/internal/storage"
	logx "jobpipe/pkg/logx"
)

type Config struct {
	// RearmInterval is the delay before a Job with unfinished work is
	// reconciled again without any other trigger.
	RearmInterval time.Duration
	// StaleAfter requeues Processing Tasks whose row has not changed for
	// this long. 0 disables orphan recovery.
	StaleAfter time.Duration
	// Sweep is the schedule of the all-Jobs sweep. Empty disables it.
	Sweep    string
	Timezone string
}

const DefaultRearmInterval = 15 * time.Second

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	store storage.Store
	jobs  *jobs.Service
	q     jobs.Enqueuer

	parser   cron.Parser
	c        *cron.Cron
	sweeping atomic.Bool

	passes     atomic.Uint64
	dispatched atomic.Uint64
	lastSweep  atomic.Int64
}

func New(cfg Config, js *jobs.Service, q jobs.Enqueuer, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "scheduler")),
		store:  js.Store(),
		jobs:   js,
		q:      q,
		parser: newParser(),
	}
}

func (s *Service) config() Config {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if cfg.RearmInterval <= 0 {
		cfg.RearmInterval = DefaultRearmInterval
	}
	return cfg
}

// Apply swaps the config; a changed sweep schedule or timezone re-registers the cron entry.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg
	s.cfg = cfg
	if s.c != nil && (prev.Sweep != cfg.Sweep || prev.Timezone != cfg.Timezone) {
		s.c.Stop()
		s.startCronLocked()
	}
}

// Start registers the sweep and runs one sweep immediately, which re-arms
// every Job that was active when the process last stopped.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return
	}
	s.startCronLocked()
	s.mu.Unlock()

	go s.Sweep(ctx)
}

func (s *Service) startCronLocked() {
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			s.log.Warn("scheduler.bad_timezone", logx.String("tz", tz), logx.Err(err))
		}
	}
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	if raw := strings.TrimSpace(s.cfg.Sweep); raw != "" {
		spec, err := ParseSchedule(raw)
		if err != nil {
			s.log.Error("scheduler.bad_sweep", logx.String("sweep", raw), logx.Err(err))
		} else if _, err := s.c.AddFunc(spec, func() { s.Sweep(context.Background()) }); err != nil {
			s.log.Error("scheduler.sweep_register_failed", logx.String("sweep", spec), logx.Err(err))
		} else {
			s.log.Info("scheduler.sweep_registered", logx.String("sweep", spec), logx.String("tz", loc.String()))
		}
	}
	s.c.Start()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler.stopped")
}

// Sweep enqueues a pass for every Job that may still have work. Overlapping
// sweeps are skipped.
func (s *Service) Sweep(ctx context.Context) {
	if !s.sweeping.CompareAndSwap(false, true) {
		return
	}
	defer s.sweeping.Store(false)
	s.lastSweep.Store(time.Now().UnixMilli())

	list, err := s.store.ListJobs(ctx, storage.JobFilter{
		Statuses: []pipeline.Status{
			pipeline.StatusPending, pipeline.StatusProcessing, pipeline.StatusPaused,
			pipeline.StatusFailed, pipeline.StatusCancelled,
		},
		ExcludeHalted: true,
	})
	if err != nil {
		s.log.Warn("scheduler.sweep_failed", logx.Err(err))
		return
	}
	n := 0
	for _, j := range list {
		if err := s.q.Enqueue(queue.Item{Kind: jobs.KindReconcile, ID: j.ID}); err != nil {
			s.log.Warn("scheduler.sweep_enqueue_failed", logx.Int64("job_id", j.ID), logx.Err(err))
			continue
		}
		n++
	}
	s.log.Debug("scheduler.sweep", logx.Int("jobs", n))
}

// Reconcile runs one pass for the Job. It is safe to run concurrently with
// other passes for the same Job in any process: every dispatch goes through
// a conditional claim bounded by the Job's parallelism.
//
// Infrastructure errors abort the pass and are returned so the queue can
// retry it.
func (s *Service) Reconcile(ctx context.Context, jobID int64) error {
	cfg := s.config()
	log := s.log.With(logx.Int64("job_id", jobID))
	s.passes.Add(1)

	job, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, pipeline.ErrNotFound) {
		log.Debug("reconcile.job_gone")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job %d: %w", jobID, err)
	}
	if job.Halted {
		log.Debug("reconcile.halted")
		return nil
	}

	if cfg.StaleAfter > 0 {
		note := "requeued: no progress for " + cfg.StaleAfter.String()
		n, err := s.store.RequeueStale(ctx, jobID, time.Now().Add(-cfg.StaleAfter), note)
		if err != nil {
			return fmt.Errorf("requeue stale tasks: %w", err)
		}
		if n > 0 {
			log.Warn("reconcile.requeued_stale", logx.Int("tasks", n))
		}
	}

	tasks, err := s.store.FindTasks(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	plan := MakePlan(job, tasks)

	switch {
	case plan.Pending == 0 && plan.AllTerminal:
		_, err := s.jobs.Refresh(ctx, jobID)
		log.Debug("reconcile.finished")
		return err
	case plan.Pending == 0:
		return s.refreshAndRearm(ctx, jobID, cfg)
	case plan.Stalled:
		if _, err := s.jobs.Refresh(ctx, jobID); err != nil {
			return err
		}
		log.Warn("reconcile.stalled", logx.Int("pending", plan.Pending))
		return nil
	case plan.Available == 0:
		return s.rearm(jobID, cfg)
	}

	sent := 0
	for _, t := range plan.Candidates {
		ok, err := s.store.ClaimTask(ctx, t.ID, job.Parallelism)
		if err != nil {
			log.Warn("reconcile.claim_failed", logx.Int64("task_id", t.ID), logx.Err(err))
			break
		}
		if !ok {
			continue
		}
		claimed := t
		claimed.Status = pipeline.StatusProcessing
		if err := s.q.Enqueue(queue.Item{Kind: jobs.KindDispatch, ID: t.ID}); err != nil {
			log.Warn("reconcile.dispatch_enqueue_failed", logx.Int64("task_id", t.ID), logx.Err(err))
			if _, err := s.store.TransitionTask(ctx, t.ID, pipeline.Transition{
				From: []pipeline.Status{pipeline.StatusProcessing}, To: pipeline.StatusPending,
			}); err != nil {
				// left Processing with nothing queued until stale recovery
				log.Error("reconcile.claim_revert_failed", logx.Int64("task_id", t.ID), logx.Err(err))
			}
			continue
		}
		s.jobs.PublishTask(claimed, pipeline.StatusPending, "")
		sent++
	}
	s.dispatched.Add(uint64(sent))
	if sent > 0 {
		log.Debug("reconcile.dispatched", logx.Int("tasks", sent), logx.Int("available", plan.Available), logx.Int("pending", plan.Pending))
	}
	return s.refreshAndRearm(ctx, jobID, cfg)
}

func (s *Service) refreshAndRearm(ctx context.Context, jobID int64, cfg Config) error {
	if _, err := s.jobs.Refresh(ctx, jobID); err != nil {
		return err
	}
	return s.rearm(jobID, cfg)
}

func (s *Service) rearm(jobID int64, cfg Config) error {
	return s.q.EnqueueAfter(cfg.RearmInterval, queue.Item{Kind: jobs.KindReconcile, ID: jobID})
}

// Snapshot is a diagnostics view.
type Snapshot struct {
	Passes        uint64        `json:"passes"`
	Dispatched    uint64        `json:"dispatched"`
	LastSweep     time.Time     `json:"last_sweep"`
	RearmInterval time.Duration `json:"rearm_interval"`
	Sweep         string        `json:"sweep"`
}

func (s *Service) Snapshot() Snapshot {
	cfg := s.config()
	snap := Snapshot{
		Passes:        s.passes.Load(),
		Dispatched:    s.dispatched.Load(),
		RearmInterval: cfg.RearmInterval,
		Sweep:         cfg.Sweep,
	}
	if ms := s.lastSweep.Load(); ms > 0 {
		snap.LastSweep = time.UnixMilli(ms)
	}
	return snap
}
