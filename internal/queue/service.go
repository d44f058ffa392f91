package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"jobpipe/internal/eventbus"
	rtsup "jobpipe/internal/runtime/supervisor"
	logx "jobpipe/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service is an in-process work queue with immediate and delayed delivery.
//
// Delivery is at-least-once within the process: handler errors are retried
// with backoff, and items still waiting when the workers restart are carried
// over. Nothing survives a process restart; callers rely on a periodic sweep
// for that.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	handlers map[string]Handler

	q        chan queued
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}
	carry    []Item

	waiting map[Item]struct{}
	timers  map[Item]*delayed
	limiter *rate.Limiter

	hmu     sync.Mutex
	history []HistoryItem

	inFlight  atomic.Int32
	coalesced atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64

	lastDropWarnAt atomic.Int64
}

type queued struct {
	item       Item
	enqueuedAt time.Time
}

type delayed struct {
	due   time.Time
	timer *time.Timer
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "queue")),
		bus:      bus,
		handlers: map[string]Handler{},
		waiting:  map[Item]struct{}{},
		timers:   map[Item]*delayed{},
		limiter:  newLimiter(cfg),
	}
}

func newLimiter(cfg Config) *rate.Limiter {
	if cfg.RatePerSec <= 0 {
		return rate.NewLimiter(rate.Inf, cfg.Burst)
	}
	return rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
}

// Handle registers the handler for kind. Register before Start.
func (s *Service) Handle(kind string, h Handler) {
	s.mu.Lock()
	s.handlers[kind] = h
	s.mu.Unlock()
}

// Apply swaps the config. Worker count or queue size changes restart the
// workers; waiting items are carried over.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	if prev.RatePerSec != cfg.RatePerSec || prev.Burst != cfg.Burst {
		if cfg.RatePerSec <= 0 {
			s.limiter.SetLimit(rate.Inf)
		} else {
			s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
		}
		s.limiter.SetBurst(cfg.Burst)
	}
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize) {
		s.log.Info("queue.restart", logx.Int("workers", cfg.Workers), logx.Int("queue_size", cfg.QueueSize))
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	cfg := s.cfg
	s.q = make(chan queued, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh, queue := s.stopCh, s.q
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// a crashing worker should not take the app down
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup

	carry := s.carry
	s.carry = nil
	now := time.Now()
	for _, it := range carry {
		_ = s.enqueueLocked(it, now)
	}
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("queue.worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, queue, idx)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	s.log.Info("queue.started", logx.Int("workers", cfg.Workers), logx.Int("queue_cap", cap(queue)), logx.Int("carried", len(carry)))
}

// Stop stops the workers and pending timers. Items still queued are kept
// for the next Start.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	for it, d := range s.timers {
		d.timer.Stop()
		delete(s.timers, it)
	}
	s.mu.Unlock()

	sup.Cancel()

	go func() {
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		for drained := false; !drained; {
			select {
			case qt := <-s.q:
				s.carry = append(s.carry, qt.item)
			default:
				drained = true
			}
		}
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.waiting = map[Item]struct{}{}
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("queue.stopped")
	case <-ctx.Done():
		s.log.Warn("queue.stop_timeout", logx.Err(ctx.Err()))
	}
}

// Enqueue adds it without blocking. An identical Item that is still waiting
// absorbs the call.
func (s *Service) Enqueue(it Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueLocked(it, time.Now())
}

func (s *Service) enqueueLocked(it Item, now time.Time) error {
	if s.handlers[it.Kind] == nil {
		return fmt.Errorf("%w: %q", ErrNoHandler, it.Kind)
	}
	if s.q == nil || s.stopCh == nil {
		return ErrStopped
	}
	if s.stopDone != nil {
		return ErrStopping
	}
	if _, dup := s.waiting[it]; dup {
		s.coalesced.Add(1)
		return nil
	}
	select {
	case s.q <- queued{item: it, enqueuedAt: now}:
		s.waiting[it] = struct{}{}
		return nil
	default:
		s.onDropped(now, it, "queue_full")
		return ErrQueueFull
	}
}

// EnqueueAfter delivers it after d. If the same Item already has a timer,
// the earlier deadline wins.
func (s *Service) EnqueueAfter(d time.Duration, it Item) error {
	if d <= 0 {
		return s.Enqueue(it)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers[it.Kind] == nil {
		return fmt.Errorf("%w: %q", ErrNoHandler, it.Kind)
	}
	if s.stopCh == nil {
		return ErrStopped
	}
	if s.stopDone != nil {
		return ErrStopping
	}

	due := time.Now().Add(d)
	if prev, ok := s.timers[it]; ok {
		if !due.Before(prev.due) {
			s.coalesced.Add(1)
			return nil
		}
		prev.timer.Stop()
	}
	dl := &delayed{due: due}
	dl.timer = time.AfterFunc(d, func() { s.fire(it, dl) })
	s.timers[it] = dl
	return nil
}

func (s *Service) fire(it Item, dl *delayed) {
	s.mu.Lock()
	if s.timers[it] != dl {
		s.mu.Unlock()
		return
	}
	delete(s.timers, it)
	err := s.enqueueLocked(it, time.Now())
	s.mu.Unlock()
	if err != nil {
		s.log.Warn("queue.delayed_enqueue_failed", logx.String("item", it.String()), logx.Err(err))
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	ql, qc := 0, 0
	if s.q != nil {
		ql, qc = len(s.q), cap(s.q)
	}
	delayedN := len(s.timers)
	s.mu.Unlock()

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Workers:    cfg.Workers,
		QueueLen:   ql,
		QueueCap:   qc,
		Delayed:    delayedN,
		InFlight:   int(s.inFlight.Load()),
		Coalesced:  s.coalesced.Load(),
		Dropped:    s.dropped.Load(),
		Failed:     s.failed.Load(),
		RatePerSec: cfg.RatePerSec,
		History:    h,
	}
}

func (s *Service) record(item HistoryItem, size int) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) shouldWarn(now time.Time) bool {
	prev := s.lastDropWarnAt.Load()
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return s.lastDropWarnAt.CompareAndSwap(prev, n)
}

func (s *Service) onDropped(now time.Time, it Item, reason string) {
	s.dropped.Add(1)
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeQueueDrop, Time: now, Data: eventbus.QueueDrop{Kind: it.Kind, ID: it.ID, Reason: reason}})
	if s.shouldWarn(now) {
		s.log.Warn("queue.dropped", logx.String("item", it.String()), logx.String("reason", reason), logx.Uint64("dropped", s.dropped.Load()))
	}
}
