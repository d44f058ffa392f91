package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	logx "jobpipe/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queued, idx int) {
	// Per-worker RNG keeps retry jitter off the global lock.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt, ok := <-queue:
			if !ok {
				return
			}
			s.mu.Lock()
			delete(s.waiting, qt.item)
			h := s.handlers[qt.item.Kind]
			cfg := s.cfg
			lim := s.limiter
			s.mu.Unlock()

			if err := lim.Wait(ctx); err != nil {
				s.mu.Lock()
				s.carry = append(s.carry, qt.item)
				s.mu.Unlock()
				return
			}

			s.inFlight.Add(1)
			s.execOne(ctx, stopCh, qt, h, cfg, rng)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queued, h Handler, cfg Config, rng *rand.Rand) {
	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)
	log := s.log.With(logx.String("item", qt.item.String()))

	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.onDropped(start, qt.item, "stale_queue_delay")
		s.record(HistoryItem{Item: qt.item, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"}, cfg.HistorySize)
		return
	}

	var err error
	attempts := 0
attemptLoop:
	for attempt := 1; attempt <= 1+cfg.RetryMax; attempt++ {
		attempts = attempt

		runCtx := ctx
		var cancel context.CancelFunc
		if cfg.DefaultTimeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, cfg.DefaultTimeout)
		}
		err = runSafe(runCtx, h, qt.item, log)
		if cancel != nil {
			cancel()
		}
		if err == nil || ctx.Err() != nil {
			break
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if attempt > cfg.RetryMax {
			break
		}

		delay := backoffDelayWithHint(cfg, attempt, err, rng)
		log.Debug("queue.retry_scheduled", logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			err = ctx.Err()
			break attemptLoop
		case <-stopCh:
			tmr.Stop()
			err = ErrStopping
			break attemptLoop
		case <-tmr.C:
		}
	}

	dur := time.Since(start)
	item := HistoryItem{Item: qt.item, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
		s.failed.Add(1)
		log.Warn("queue.item_failed", logx.Err(err), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))
	} else if dur >= 750*time.Millisecond {
		log.Info("queue.item_done", logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))
	} else {
		log.Trace("queue.item_done", logx.Duration("dur", dur))
	}
	s.record(item, cfg.HistorySize)
}

// runSafe converts handler panics into errors so one bad item cannot kill a worker.
func runSafe(ctx context.Context, h Handler, it Item, log logx.Logger) (err error) {
	if h == nil {
		return NoRetry(fmt.Errorf("%w: %q", ErrNoHandler, it.Kind))
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("queue.panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return h(ctx, it)
}

func backoffDelayWithHint(cfg Config, retry int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return jitter(min(max(ra.RetryAfter(), 0), cfg.RetryMaxDelay), cfg, rng)
	}
	return backoffDelay(cfg, retry, rng)
}

func backoffDelay(cfg Config, retry int, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	return jitter(d, cfg, rng)
}

func jitter(d time.Duration, cfg Config, rng *rand.Rand) time.Duration {
	if cfg.RetryJitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * cfg.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
	}
	return min(max(d, 0), cfg.RetryMaxDelay)
}
