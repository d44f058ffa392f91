package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"jobpipe/internal/jobs"
	"jobpipe/internal/pipeline"
	"jobpipe/internal/queue"
	"jobpipe/internal/storage"
	logx "jobpipe/pkg/logx"
)

// recordingQueue captures what the scheduler enqueues without running it.
type recordingQueue struct {
	mu       sync.Mutex
	items    []queue.Item
	delayed  []queue.Item
	failKind string
}

func (q *recordingQueue) Enqueue(it queue.Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it.Kind == q.failKind {
		return errors.New("queue full")
	}
	q.items = append(q.items, it)
	return nil
}

func (q *recordingQueue) EnqueueAfter(d time.Duration, it queue.Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delayed = append(q.delayed, it)
	return nil
}

func (q *recordingQueue) reset() {
	q.mu.Lock()
	q.items, q.delayed = nil, nil
	q.mu.Unlock()
}

func (q *recordingQueue) count(kind string, delayed bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	src := q.items
	if delayed {
		src = q.delayed
	}
	n := 0
	for _, it := range src {
		if it.Kind == kind {
			n++
		}
	}
	return n
}

func (q *recordingQueue) dispatched() map[int64]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := map[int64]int{}
	for _, it := range q.items {
		if it.Kind == jobs.KindDispatch {
			out[it.ID]++
		}
	}
	return out
}

type harness struct {
	store storage.Store
	q     *recordingQueue
	jobs  *jobs.Service
	sched *Service
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	st := storage.NewMemory()
	q := &recordingQueue{}
	js := jobs.New(st, q, nil, logx.Nop())
	return &harness{store: st, q: q, jobs: js, sched: New(cfg, js, q, logx.Nop())}
}

func (h *harness) create(t *testing.T, owner string, parallelism int, tasks ...pipeline.TaskSpec) jobs.Detail {
	t.Helper()
	d, err := h.jobs.CreateJob(context.Background(), pipeline.JobSpec{
		Owner: owner, Name: "job", Parallelism: parallelism, Tasks: tasks,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return d
}

func (h *harness) statuses(t *testing.T, jobID int64) pipeline.Counts {
	t.Helper()
	tasks, err := h.store.FindTasks(context.Background(), jobID)
	if err != nil {
		t.Fatalf("find tasks: %v", err)
	}
	return pipeline.CountTasks(tasks)
}

func (h *harness) finish(t *testing.T, taskID int64, to pipeline.Status) {
	t.Helper()
	ctx := context.Background()
	task, err := h.store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status == pipeline.StatusPending {
		if ok, err := h.store.ClaimTask(ctx, taskID, 1<<20); err != nil || !ok {
			t.Fatalf("claim %d: ok=%v err=%v", taskID, ok, err)
		}
	}
	if _, err := h.store.TransitionTask(ctx, taskID, pipeline.Transition{
		From: []pipeline.Status{pipeline.StatusProcessing}, To: to,
	}); err != nil {
		t.Fatalf("finish %d: %v", taskID, err)
	}
}

func convert(article string) pipeline.TaskSpec {
	return pipeline.TaskSpec{Type: pipeline.TypeConvertToText, ArticleID: article}
}

func analyze(article string) pipeline.TaskSpec {
	return pipeline.TaskSpec{Type: pipeline.TypeAnalyzeWithModel, ArticleID: article}
}
