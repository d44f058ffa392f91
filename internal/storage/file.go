package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"jobpipe/internal/pipeline"
	logx "jobpipe/pkg/logx"
)

// fileStore is the memory store plus a JSON snapshot of the whole dataset,
// rewritten (tmp + rename) after every write and loaded on open.
//
// Suitable for single-process deployments with small datasets.
type fileStore struct {
	*memStore
	path string
	log  logx.Logger
}

type fileSnapshot struct {
	NextJob  int64           `json:"next_job"`
	NextTask int64           `json:"next_task"`
	Jobs     []pipeline.Job  `json:"jobs"`
	Tasks    []pipeline.Task `json:"tasks"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	fs := &fileStore{memStore: newMemStore(), path: path, log: log}
	if err := fs.load(); err != nil {
		return nil, err
	}
	fs.memStore.persist = fs.snapshotLocked
	return fs, nil
}

func (s *fileStore) load() error {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	s.nextJob, s.nextTask = snap.NextJob, snap.NextTask
	for i := range snap.Jobs {
		j := snap.Jobs[i]
		s.jobs[j.ID] = &j
	}
	for i := range snap.Tasks {
		t := snap.Tasks[i]
		s.tasks[t.ID] = &t
		s.byJob[t.JobID] = append(s.byJob[t.JobID], t.ID)
	}
	s.log.Info("storage.snapshot_loaded", logx.Int("jobs", len(snap.Jobs)), logx.Int("tasks", len(snap.Tasks)))
	return nil
}

// snapshotLocked runs with memStore.mu held.
func (s *fileStore) snapshotLocked() error {
	snap := fileSnapshot{NextJob: s.nextJob, NextTask: s.nextTask}
	for _, j := range s.jobs {
		snap.Jobs = append(snap.Jobs, *j)
	}
	for _, t := range s.tasks {
		snap.Tasks = append(snap.Tasks, *t)
	}
	sortSnapshot(&snap)

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func sortSnapshot(snap *fileSnapshot) {
	// task order inside a job must survive reloads
	sort.Slice(snap.Jobs, func(a, b int) bool { return snap.Jobs[a].ID < snap.Jobs[b].ID })
	sort.Slice(snap.Tasks, func(a, b int) bool { return snap.Tasks[a].ID < snap.Tasks[b].ID })
}
