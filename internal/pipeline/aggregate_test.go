package pipeline

import (
	"math/rand"
	"testing"
)

func tasksWith(statuses ...Status) []Task {
	out := make([]Task, len(statuses))
	for i, s := range statuses {
		out[i] = Task{ID: int64(i + 1), Status: s}
	}
	return out
}

func TestAggregateStatusRules(t *testing.T) {
	cases := []struct {
		name string
		in   []Status
		want Status
	}{
		{"empty", nil, StatusCompleted},
		{"all completed", []Status{StatusCompleted, StatusCompleted}, StatusCompleted},
		{"failed beats cancelled", []Status{StatusFailed, StatusCancelled, StatusProcessing}, StatusFailed},
		{"cancelled beats processing", []Status{StatusCancelled, StatusProcessing}, StatusCancelled},
		{"paused none processing", []Status{StatusPaused, StatusPending, StatusCompleted}, StatusPaused},
		{"paused with processing", []Status{StatusPaused, StatusProcessing}, StatusProcessing},
		{"processing and pending", []Status{StatusProcessing, StatusPending}, StatusProcessing},
		{"pending only", []Status{StatusPending}, StatusPending},
		{"pending and completed", []Status{StatusPending, StatusCompleted}, StatusPending},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := AggregateTasks(tasksWith(tc.in...)).Status
			if got != tc.want {
				t.Fatalf("got %s want %s", got, tc.want)
			}
		})
	}
}

// reference implements the rules independently over counts.
func reference(c [6]int) Status {
	pending, processing, paused, completed, failed, cancelled := c[0], c[1], c[2], c[3], c[4], c[5]
	total := pending + processing + paused + completed + failed + cancelled
	if completed == total {
		return StatusCompleted
	}
	if failed > 0 {
		return StatusFailed
	}
	if cancelled > 0 {
		return StatusCancelled
	}
	if paused > 0 && processing == 0 {
		return StatusPaused
	}
	if processing > 0 {
		return StatusProcessing
	}
	return StatusPending
}

func TestAggregateExhaustiveMultisets(t *testing.T) {
	// Every multiset with up to 2 tasks of each status.
	var c [6]int
	var walk func(i int)
	walk = func(i int) {
		if i == len(c) {
			var tasks []Task
			for si, n := range c {
				for k := 0; k < n; k++ {
					tasks = append(tasks, Task{Status: AllStatuses[si]})
				}
			}
			got := AggregateTasks(tasks).Status
			if want := reference(c); got != want {
				t.Fatalf("counts %v: got %s want %s", c, got, want)
			}
			return
		}
		for n := 0; n <= 2; n++ {
			c[i] = n
			walk(i + 1)
		}
	}
	walk(0)
}

func TestAggregateProgressFloorMean(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for iter := 0; iter < 500; iter++ {
		n := 1 + r.Intn(12)
		tasks := make([]Task, n)
		sum := 0
		for i := range tasks {
			p := r.Intn(101)
			tasks[i] = Task{Status: StatusPending, Progress: p}
			sum += p
		}
		got := AggregateTasks(tasks).Progress
		if got != sum/n {
			t.Fatalf("progress=%d want %d", got, sum/n)
		}
		if got < 0 || got > 100 {
			t.Fatalf("progress out of range: %d", got)
		}
	}
}

func TestAggregateClampsTaskProgress(t *testing.T) {
	got := AggregateTasks([]Task{{Progress: 250}, {Progress: -5}}).Progress
	if got != 50 {
		t.Fatalf("got %d want 50", got)
	}
}

func TestAggregateApplyHalted(t *testing.T) {
	j := Job{Status: StatusProcessing, Halted: true}
	Aggregate{Status: StatusPending, Progress: 10}.Apply(&j)
	if j.Status != StatusCancelled || j.Progress != 10 {
		t.Fatalf("halted job: %+v", j)
	}
	j.Halted = false
	if !(Aggregate{Status: StatusPending, Progress: 10}).Apply(&j) {
		t.Fatalf("expected change")
	}
	if j.Status != StatusPending {
		t.Fatalf("status=%s", j.Status)
	}
}
