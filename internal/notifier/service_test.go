package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"jobpipe/internal/eventbus"
	logx "jobpipe/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	fails int
}

func (f *fakeSender) SendText(_ context.Context, _ Target, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("boom")
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met")
}

func testConfig() Config {
	return Config{
		Enabled:     true,
		Workers:     1,
		RatePerSec:  100,
		RetryMax:    2,
		RetryBase:   time.Millisecond,
		DedupWindow: time.Minute,
		Targets:     []Target{{ChatID: 42}},
	}
}

func startService(t *testing.T, cfg Config, snd Sender, bus eventbus.Bus) *Service {
	t.Helper()
	s := New(cfg, snd, logx.Nop(), bus)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		stopCtx, c := context.WithTimeout(context.Background(), time.Second)
		defer c()
		s.Stop(stopCtx)
		cancel()
	})
	return s
}

func TestNotifyRetriesAndRecordsHistory(t *testing.T) {
	snd := &fakeSender{fails: 2}
	s := startService(t, testConfig(), snd, nil)

	if err := s.Notify(context.Background(), Notification{Target: Target{ChatID: 1}, Text: "hello"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	waitFor(t, func() bool { return len(snd.texts()) == 1 })
	if got := s.Snapshot(); len(got) != 1 || got[0].Text != "hello" {
		t.Fatalf("history = %+v", got)
	}
}

func TestNotifyDedup(t *testing.T) {
	snd := &fakeSender{}
	s := startService(t, testConfig(), snd, nil)

	n := Notification{Target: Target{ChatID: 1}, Text: "same"}
	for i := 0; i < 3; i++ {
		if err := s.Notify(context.Background(), n); err != nil {
			t.Fatalf("notify %d: %v", i, err)
		}
	}
	_ = s.Notify(context.Background(), Notification{Target: Target{ChatID: 2}, Text: "same"})
	waitFor(t, func() bool { return len(snd.texts()) == 2 })
	time.Sleep(20 * time.Millisecond)
	if got := len(snd.texts()); got != 2 {
		t.Fatalf("sent %d messages, want 2", got)
	}
}

func TestNotifyDisabledAndStopped(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	s := New(cfg, &fakeSender{}, logx.Nop(), nil)
	s.Start(context.Background())
	if err := s.Notify(context.Background(), Notification{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}

	s = New(testConfig(), &fakeSender{}, logx.Nop(), nil)
	if err := s.Notify(context.Background(), Notification{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestWatchAnnouncesStatusChanges(t *testing.T) {
	bus := eventbus.New()
	snd := &fakeSender{}
	s := startService(t, testConfig(), snd, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.Watch(ctx, bus)
		close(done)
	}()
	// let the subscription register
	time.Sleep(20 * time.Millisecond)

	bus.Publish(eventbus.Event{Type: eventbus.TypeJobStatus, Data: eventbus.JobStatus{JobID: 5, Name: "docs", Status: "processing", Progress: 50}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeJobStatus, Data: eventbus.JobStatus{JobID: 5, Name: "docs", Owner: "u1", Status: "completed", Progress: 100}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeJobStatus, Data: eventbus.JobStatus{JobID: 5, Name: "docs", Owner: "u1", Status: "completed", Progress: 100}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeJobsHalted, Data: eventbus.JobsHalted{Count: 3}})

	waitFor(t, func() bool { return len(snd.texts()) == 2 })
	got := snd.texts()
	if !strings.Contains(got[0], "Job #5 docs: completed (100%)") || !strings.Contains(got[0], "owner: u1") {
		t.Fatalf("job message = %q", got[0])
	}
	if !strings.Contains(got[1], "Cancelled 3 active job(s) for all owners") {
		t.Fatalf("halt message = %q", got[1])
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("watch did not return")
	}
}

func TestRetryDelayCapped(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: 300 * time.Millisecond}
	for attempt := 1; attempt <= 6; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > cfg.RetryMaxDelay {
			t.Fatalf("attempt %d: delay %v out of range", attempt, d)
		}
	}
}
