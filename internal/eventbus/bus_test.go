package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	b := New()
	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub2()

	b.Publish(Event{Type: TypeJobStatus, Data: JobStatus{JobID: 1, Status: "completed"}})
	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != TypeJobStatus || e.Time.IsZero() {
				t.Fatalf("sub %d: %+v", i, e)
			}
		case <-time.After(time.Second):
			t.Fatalf("sub %d: no event", i)
		}
	}

	unsub1()
	unsub1()
	b.Publish(Event{Type: TypeTaskStatus})
	if _, ok := <-ch1; ok {
		t.Fatalf("unsubscribed channel should be closed")
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: TypeTaskStatus})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on slow subscriber")
	}
}

func TestFullSubscriberMissesAndCounts(t *testing.T) {
	b := New()
	slow, unsubSlow := b.Subscribe(1)
	defer unsubSlow()
	fast, unsubFast := b.Subscribe(8)
	defer unsubFast()

	for i := 0; i < 3; i++ {
		b.Publish(Event{Type: TypeTaskStatus})
	}
	if got := len(slow); got != 1 {
		t.Fatalf("slow buffered %d, want 1", got)
	}
	if got := len(fast); got != 3 {
		t.Fatalf("fast buffered %d, want 3", got)
	}
	if got := Dropped(b); got != 2 {
		t.Fatalf("dropped = %d, want 2", got)
	}
	if got := Dropped(Nop{}); got != 0 {
		t.Fatalf("nop dropped = %d", got)
	}
}
