package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"jobpipe/internal/pipeline"
)

// memStore keeps everything in maps behind one mutex. The file driver wraps
// it with a snapshot hook.
type memStore struct {
	mu sync.Mutex

	nextJob  int64
	nextTask int64
	jobs     map[int64]*pipeline.Job
	tasks    map[int64]*pipeline.Task
	byJob    map[int64][]int64 // task ids in creation order

	// persist runs after every successful write while mu is held. A failed
	// persist rolls the write back.
	persist func() error
}

// NewMemory returns an empty in-memory Store.
func NewMemory() Store { return newMemStore() }

func newMemStore() *memStore {
	return &memStore{
		jobs:  map[int64]*pipeline.Job{},
		tasks: map[int64]*pipeline.Task{},
		byJob: map[int64][]int64{},
	}
}

// checkpointLocked captures the dataset before a write. It returns nil when
// nothing is persisted, since a memory-only write cannot fail.
func (s *memStore) checkpointLocked() func() {
	if s.persist == nil {
		return nil
	}
	nextJob, nextTask := s.nextJob, s.nextTask
	jobs := make(map[int64]*pipeline.Job, len(s.jobs))
	for id, j := range s.jobs {
		cp := *j
		jobs[id] = &cp
	}
	tasks := make(map[int64]*pipeline.Task, len(s.tasks))
	for id, t := range s.tasks {
		cp := copyTask(t)
		tasks[id] = &cp
	}
	byJob := make(map[int64][]int64, len(s.byJob))
	for id, ids := range s.byJob {
		byJob[id] = append([]int64(nil), ids...)
	}
	return func() {
		s.nextJob, s.nextTask = nextJob, nextTask
		s.jobs, s.tasks, s.byJob = jobs, tasks, byJob
	}
}

func (s *memStore) commitLocked(undo func()) error {
	if s.persist == nil {
		return nil
	}
	if err := s.persist(); err != nil {
		if undo != nil {
			undo()
		}
		return err
	}
	return nil
}

func copyTask(t *pipeline.Task) pipeline.Task {
	cp := *t
	cp.Params = pipeline.CloneParams(t.Params)
	return cp
}

func (s *memStore) Close() error { return nil }

func (s *memStore) CreateJob(ctx context.Context, job *pipeline.Job, tasks []pipeline.Task) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	undo := s.checkpointLocked()

	now := time.Now().UTC()
	s.nextJob++
	job.ID = s.nextJob
	job.CreatedAt, job.UpdatedAt = now, now
	j := *job
	s.jobs[j.ID] = &j

	ids := make([]int64, 0, len(tasks))
	for i := range tasks {
		s.nextTask++
		tasks[i].ID = s.nextTask
		tasks[i].JobID = j.ID
		tasks[i].CreatedAt, tasks[i].UpdatedAt = now, now
		t := copyTask(&tasks[i])
		s.tasks[t.ID] = &t
		ids = append(ids, t.ID)
	}
	s.byJob[j.ID] = ids
	return s.commitLocked(undo)
}

func (s *memStore) GetJob(ctx context.Context, id int64) (pipeline.Job, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return pipeline.Job{}, fmt.Errorf("job %d: %w", id, pipeline.ErrNotFound)
	}
	return *j, nil
}

func (s *memStore) GetJobByRef(ctx context.Context, ref string) (pipeline.Job, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ExternalRef == ref {
			return *j, nil
		}
	}
	return pipeline.Job{}, fmt.Errorf("job ref %q: %w", ref, pipeline.ErrNotFound)
}

func (s *memStore) ListJobs(ctx context.Context, f JobFilter) ([]pipeline.Job, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pipeline.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if f.matches(j) {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []pipeline.Job{}, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *memStore) UpdateJob(ctx context.Context, id int64, upd pipeline.JobUpdate) (pipeline.Job, error) {
	return s.mutateJob(ctx, id, func(j *pipeline.Job) {
		if upd.Name != nil {
			j.Name = *upd.Name
		}
		if upd.Parallelism != nil {
			j.Parallelism = *upd.Parallelism
		}
	})
}

func (s *memStore) SetJobAggregate(ctx context.Context, id int64, agg pipeline.Aggregate) (pipeline.Job, error) {
	return s.mutateJob(ctx, id, func(j *pipeline.Job) { agg.Apply(j) })
}

func (s *memStore) SetJobHalted(ctx context.Context, id int64, halted bool) error {
	_, err := s.mutateJob(ctx, id, func(j *pipeline.Job) { j.Halted = halted })
	return err
}

func (s *memStore) mutateJob(ctx context.Context, id int64, fn func(*pipeline.Job)) (pipeline.Job, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	undo := s.checkpointLocked()
	j, ok := s.jobs[id]
	if !ok {
		return pipeline.Job{}, fmt.Errorf("job %d: %w", id, pipeline.ErrNotFound)
	}
	fn(j)
	j.UpdatedAt = time.Now().UTC()
	out := *j
	if err := s.commitLocked(undo); err != nil {
		return pipeline.Job{}, err
	}
	return out, nil
}

func (s *memStore) CancelJobs(ctx context.Context, owner string) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	undo := s.checkpointLocked()
	f := JobFilter{Owner: owner, Statuses: ActiveStatuses}
	now := time.Now().UTC()
	n := 0
	for _, j := range s.jobs {
		if !f.matches(j) {
			continue
		}
		j.Status = pipeline.StatusCancelled
		j.Halted = true
		j.UpdatedAt = now
		n++
	}
	if n == 0 {
		return 0, nil
	}
	if err := s.commitLocked(undo); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *memStore) DeleteJob(ctx context.Context, id int64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	undo := s.checkpointLocked()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("job %d: %w", id, pipeline.ErrNotFound)
	}
	for _, tid := range s.byJob[id] {
		delete(s.tasks, tid)
	}
	delete(s.byJob, id)
	delete(s.jobs, id)
	return s.commitLocked(undo)
}

func (s *memStore) GetTask(ctx context.Context, id int64) (pipeline.Task, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return pipeline.Task{}, fmt.Errorf("task %d: %w", id, pipeline.ErrNotFound)
	}
	return copyTask(t), nil
}

func (s *memStore) FindTasks(ctx context.Context, jobID int64, statuses ...pipeline.Status) ([]pipeline.Task, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byJob[jobID]
	out := make([]pipeline.Task, 0, len(ids))
	for _, id := range ids {
		t := s.tasks[id]
		if len(statuses) > 0 && !statusIn(t.Status, statuses) {
			continue
		}
		out = append(out, copyTask(t))
	}
	return out, nil
}

func (s *memStore) FindSibling(ctx context.Context, jobID int64, articleID string, tt pipeline.TaskType) (pipeline.Task, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.byJob[jobID] {
		t := s.tasks[id]
		if t.ArticleID == articleID && t.Type == tt {
			return copyTask(t), true, nil
		}
	}
	return pipeline.Task{}, false, nil
}

func (s *memStore) TransitionTask(ctx context.Context, id int64, tr pipeline.Transition) (pipeline.Task, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	undo := s.checkpointLocked()
	t, ok := s.tasks[id]
	if !ok {
		return pipeline.Task{}, fmt.Errorf("task %d: %w", id, pipeline.ErrNotFound)
	}
	if !tr.Allows(t.Status) {
		return copyTask(t), fmt.Errorf("task %d is %s: %w", id, t.Status, pipeline.ErrConflict)
	}
	prev := copyTask(t)
	tr.Apply(t)
	t.UpdatedAt = time.Now().UTC()
	out := copyTask(t)
	if err := s.commitLocked(undo); err != nil {
		return prev, err
	}
	return out, nil
}

func (s *memStore) TransitionJobTasks(ctx context.Context, jobID int64, tr pipeline.Transition) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	undo := s.checkpointLocked()
	now := time.Now().UTC()
	n := 0
	for _, id := range s.byJob[jobID] {
		t := s.tasks[id]
		if !tr.Allows(t.Status) {
			continue
		}
		tr.Apply(t)
		t.UpdatedAt = now
		n++
	}
	if n == 0 {
		return 0, nil
	}
	if err := s.commitLocked(undo); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *memStore) ClaimTask(ctx context.Context, id int64, limit int) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	undo := s.checkpointLocked()
	t, ok := s.tasks[id]
	if !ok {
		return false, fmt.Errorf("task %d: %w", id, pipeline.ErrNotFound)
	}
	if t.Status != pipeline.StatusPending {
		return false, nil
	}
	processing := 0
	for _, sid := range s.byJob[t.JobID] {
		if s.tasks[sid].Status == pipeline.StatusProcessing {
			processing++
		}
	}
	if processing >= limit {
		return false, nil
	}
	t.Status = pipeline.StatusProcessing
	t.UpdatedAt = time.Now().UTC()
	if err := s.commitLocked(undo); err != nil {
		return false, err
	}
	return true, nil
}

func (s *memStore) RequeueStale(ctx context.Context, jobID int64, cutoff time.Time, note string) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	undo := s.checkpointLocked()
	now := time.Now().UTC()
	n := 0
	for _, id := range s.byJob[jobID] {
		t := s.tasks[id]
		if t.Status != pipeline.StatusProcessing || !t.UpdatedAt.Before(cutoff) {
			continue
		}
		t.Status = pipeline.StatusPending
		if note != "" {
			t.Logs = pipeline.AppendLogLine(t.Logs, note)
		}
		t.UpdatedAt = now
		n++
	}
	if n == 0 {
		return 0, nil
	}
	if err := s.commitLocked(undo); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *memStore) SetTaskProgress(ctx context.Context, id int64, pct int) error {
	return s.mutateTask(ctx, id, func(t *pipeline.Task) { t.Progress = pipeline.ClampProgress(pct) })
}

func (s *memStore) AppendTaskLog(ctx context.Context, id int64, line string) error {
	return s.mutateTask(ctx, id, func(t *pipeline.Task) { t.Logs = pipeline.AppendLogLine(t.Logs, line) })
}

func (s *memStore) mutateTask(ctx context.Context, id int64, fn func(*pipeline.Task)) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	undo := s.checkpointLocked()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %d: %w", id, pipeline.ErrNotFound)
	}
	fn(t)
	t.UpdatedAt = time.Now().UTC()
	return s.commitLocked(undo)
}

func statusIn(s pipeline.Status, set []pipeline.Status) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}
