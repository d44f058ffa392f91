package handlers

import (
	"context"
	"fmt"
	"sync"

	"jobpipe/internal/jobs"
	"jobpipe/internal/pipeline"
)

// fakeRuntime is an in-memory dispatch.Runtime.
type fakeRuntime struct {
	mu       sync.Mutex
	task     pipeline.Task
	job      pipeline.Job
	runnable bool
	siblings map[pipeline.TaskType]pipeline.Task
	progress []int
	logs     []string
	spawned  []pipeline.JobSpec
}

func newRuntime(tt pipeline.TaskType, article string, params map[string]any) *fakeRuntime {
	return &fakeRuntime{
		task:     pipeline.Task{ID: 7, JobID: 3, Type: tt, Status: pipeline.StatusProcessing, ArticleID: article, Params: params},
		job:      pipeline.Job{ID: 3, ExternalRef: "ref-3", Owner: "u1", Parallelism: 1},
		runnable: true,
		siblings: map[pipeline.TaskType]pipeline.Task{},
	}
}

func (r *fakeRuntime) Task() pipeline.Task { return r.task }
func (r *fakeRuntime) Job() pipeline.Job   { return r.job }

func (r *fakeRuntime) ReportProgress(_ context.Context, pct int) error {
	r.mu.Lock()
	r.progress = append(r.progress, pct)
	r.mu.Unlock()
	return nil
}

func (r *fakeRuntime) AppendLog(_ context.Context, line string) error {
	r.mu.Lock()
	r.logs = append(r.logs, line)
	r.mu.Unlock()
	return nil
}

func (r *fakeRuntime) Runnable(context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runnable
}

func (r *fakeRuntime) FindSibling(_ context.Context, tt pipeline.TaskType) (pipeline.Task, bool, error) {
	t, ok := r.siblings[tt]
	return t, ok, nil
}

func (r *fakeRuntime) SpawnJob(_ context.Context, spec pipeline.JobSpec) (jobs.Detail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spawned = append(r.spawned, spec)
	n := int64(len(r.spawned))
	return jobs.Detail{Job: pipeline.Job{ID: 100 + n, ExternalRef: fmt.Sprintf("child-%d", n), Name: spec.Name}}, nil
}

type fakeModel struct {
	mu     sync.Mutex
	answer string
	err    error
	reqs   []ModelRequest
}

func (m *fakeModel) Complete(_ context.Context, req ModelRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reqs = append(m.reqs, req)
	return m.answer, m.err
}

type fakeConverter struct{ out string }

func (c fakeConverter) Convert(context.Context, string) (string, error) { return c.out, nil }
