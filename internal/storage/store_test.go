package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"jobpipe/internal/pipeline"
	logx "jobpipe/pkg/logx"
)

func eachDriver(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Helper()
	drivers := []struct {
		name string
		cfg  func(dir string) Config
	}{
		{"memory", func(string) Config { return Config{Driver: "memory"} }},
		{"file", func(dir string) Config { return Config{Driver: "file", Path: filepath.Join(dir, "jobs.json")} }},
		{"sqlite", func(dir string) Config { return Config{Driver: "sqlite", Path: filepath.Join(dir, "jobs.db")} }},
	}
	for _, d := range drivers {
		t.Run(d.name, func(t *testing.T) {
			st, err := Open(d.cfg(t.TempDir()), logx.Nop())
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			t.Cleanup(func() { _ = st.Close() })
			fn(t, st)
		})
	}
}

var refSeq atomic.Int64

func seedJob(t *testing.T, st Store, owner string, parallelism int, types ...pipeline.TaskType) (pipeline.Job, []pipeline.Task) {
	t.Helper()
	job := pipeline.Job{
		ExternalRef: fmt.Sprintf("ref-%s-%d", owner, refSeq.Add(1)),
		Owner:       owner,
		Name:        "job",
		Parallelism: parallelism,
		Status:      pipeline.StatusPending,
	}
	tasks := make([]pipeline.Task, len(types))
	for i, tt := range types {
		tasks[i] = pipeline.Task{Type: tt, Status: pipeline.StatusPending, ArticleID: "a1", Params: map[string]any{"n": float64(i)}}
	}
	if err := st.CreateJob(context.Background(), &job, tasks); err != nil {
		t.Fatalf("create: %v", err)
	}
	return job, tasks
}

func TestStoreCreateAndFind(t *testing.T) {
	eachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		job, tasks := seedJob(t, st, "alice", 2, pipeline.TypeConvertToText, pipeline.TypeAnalyzeWithModel)
		if job.ID == 0 || tasks[0].ID == 0 || tasks[1].JobID != job.ID {
			t.Fatalf("ids not assigned: %+v %+v", job, tasks)
		}

		got, err := st.GetJob(ctx, job.ID)
		if err != nil || got.Name != "job" || got.Parallelism != 2 {
			t.Fatalf("get job: %+v err=%v", got, err)
		}
		if byRef, err := st.GetJobByRef(ctx, job.ExternalRef); err != nil || byRef.ID != job.ID {
			t.Fatalf("by ref: %+v err=%v", byRef, err)
		}

		all, err := st.FindTasks(ctx, job.ID)
		if err != nil || len(all) != 2 || all[0].ID > all[1].ID {
			t.Fatalf("find tasks: %+v err=%v", all, err)
		}
		if all[1].Params["n"] != float64(1) {
			t.Fatalf("params not persisted: %#v", all[1].Params)
		}

		sib, ok, err := st.FindSibling(ctx, job.ID, "a1", pipeline.TypeConvertToText)
		if err != nil || !ok || sib.ID != tasks[0].ID {
			t.Fatalf("sibling: %+v ok=%v err=%v", sib, ok, err)
		}
		if _, ok, _ := st.FindSibling(ctx, job.ID, "zz", pipeline.TypeConvertToText); ok {
			t.Fatalf("unexpected sibling")
		}

		if _, err := st.GetJob(ctx, 9999); !errors.Is(err, pipeline.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})
}

func TestStoreTransitionConditional(t *testing.T) {
	eachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		_, tasks := seedJob(t, st, "", 1, pipeline.TypeConvertToText)
		id := tasks[0].ID

		complete := pipeline.Transition{From: []pipeline.Status{pipeline.StatusProcessing}, To: pipeline.StatusCompleted}
		if _, err := st.TransitionTask(ctx, id, complete); !errors.Is(err, pipeline.ErrConflict) {
			t.Fatalf("pending task must not complete: %v", err)
		}

		ok, err := st.ClaimTask(ctx, id, 1)
		if err != nil || !ok {
			t.Fatalf("claim: ok=%v err=%v", ok, err)
		}
		if ok, _ := st.ClaimTask(ctx, id, 1); ok {
			t.Fatalf("second claim must lose")
		}

		pause := pipeline.Transition{From: []pipeline.Status{pipeline.StatusProcessing}, To: pipeline.StatusPaused}
		if _, err := st.TransitionTask(ctx, id, pause); err != nil {
			t.Fatalf("pause: %v", err)
		}
		// a late completion from the handler must not overwrite the pause
		if _, err := st.TransitionTask(ctx, id, complete); !errors.Is(err, pipeline.ErrConflict) {
			t.Fatalf("completion after pause: %v", err)
		}
		got, _ := st.GetTask(ctx, id)
		if got.Status != pipeline.StatusPaused {
			t.Fatalf("status=%s", got.Status)
		}
	})
}

func TestStoreClaimRespectsParallelism(t *testing.T) {
	eachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		job, tasks := seedJob(t, st, "", 2,
			pipeline.TypeConvertToText, pipeline.TypeConvertToText, pipeline.TypeConvertToText,
			pipeline.TypeConvertToText, pipeline.TypeConvertToText, pipeline.TypeConvertToText)

		var wg sync.WaitGroup
		var mu sync.Mutex
		won := 0
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for _, task := range tasks {
					ok, err := st.ClaimTask(ctx, task.ID, job.Parallelism)
					if err != nil {
						t.Errorf("claim: %v", err)
						return
					}
					if ok {
						mu.Lock()
						won++
						mu.Unlock()
					}
				}
			}()
		}
		wg.Wait()
		if won != 2 {
			t.Fatalf("claims won=%d want 2", won)
		}
		proc, _ := st.FindTasks(ctx, job.ID, pipeline.StatusProcessing)
		if len(proc) != 2 {
			t.Fatalf("processing=%d want 2", len(proc))
		}
	})
}

func TestStoreBulkAndLogs(t *testing.T) {
	eachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		job, tasks := seedJob(t, st, "", 3, pipeline.TypeConvertToText, pipeline.TypeConvertToText, pipeline.TypeConvertToText)

		if err := st.AppendTaskLog(ctx, tasks[0].ID, "first"); err != nil {
			t.Fatalf("log: %v", err)
		}
		_ = st.AppendTaskLog(ctx, tasks[0].ID, "second\n")
		if err := st.SetTaskProgress(ctx, tasks[0].ID, 140); err != nil {
			t.Fatalf("progress: %v", err)
		}
		got, _ := st.GetTask(ctx, tasks[0].ID)
		if got.Logs != "first\nsecond" || got.Progress != 100 {
			t.Fatalf("task=%+v", got)
		}

		pause := pipeline.Transition{From: []pipeline.Status{pipeline.StatusPending}, To: pipeline.StatusPaused}
		n, err := st.TransitionJobTasks(ctx, job.ID, pause)
		if err != nil || n != 3 {
			t.Fatalf("bulk pause n=%d err=%v", n, err)
		}
		n, _ = st.TransitionJobTasks(ctx, job.ID, pause)
		if n != 0 {
			t.Fatalf("second pause n=%d", n)
		}
	})
}

func TestStoreRequeueStale(t *testing.T) {
	eachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		job, tasks := seedJob(t, st, "", 2, pipeline.TypeConvertToText, pipeline.TypeConvertToText)
		_, _ = st.ClaimTask(ctx, tasks[0].ID, 2)

		n, err := st.RequeueStale(ctx, job.ID, time.Now().Add(-time.Hour), "requeued")
		if err != nil || n != 0 {
			t.Fatalf("fresh task requeued: n=%d err=%v", n, err)
		}
		n, err = st.RequeueStale(ctx, job.ID, time.Now().Add(time.Hour), "requeued")
		if err != nil || n != 1 {
			t.Fatalf("stale requeue n=%d err=%v", n, err)
		}
		got, _ := st.GetTask(ctx, tasks[0].ID)
		if got.Status != pipeline.StatusPending || got.Logs != "requeued" {
			t.Fatalf("task=%+v", got)
		}
	})
}

func TestStoreCancelJobsAndAggregate(t *testing.T) {
	eachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		a, _ := seedJob(t, st, "alice", 1, pipeline.TypeConvertToText)
		b, _ := seedJob(t, st, "alice", 1, pipeline.TypeConvertToText)
		c, _ := seedJob(t, st, "bob", 1, pipeline.TypeConvertToText)
		if _, err := st.SetJobAggregate(ctx, b.ID, pipeline.Aggregate{Status: pipeline.StatusCompleted, Progress: 100}); err != nil {
			t.Fatalf("aggregate: %v", err)
		}

		n, err := st.CancelJobs(ctx, "alice")
		if err != nil || n != 1 {
			t.Fatalf("cancel alice n=%d err=%v", n, err)
		}
		got, _ := st.GetJob(ctx, a.ID)
		if got.Status != pipeline.StatusCancelled || !got.Halted {
			t.Fatalf("job a=%+v", got)
		}
		// aggregate refresh keeps a halted job cancelled
		got, _ = st.SetJobAggregate(ctx, a.ID, pipeline.Aggregate{Status: pipeline.StatusPending, Progress: 5})
		if got.Status != pipeline.StatusCancelled || got.Progress != 5 {
			t.Fatalf("halted aggregate=%+v", got)
		}
		if err := st.SetJobHalted(ctx, a.ID, false); err != nil {
			t.Fatalf("unhalt: %v", err)
		}

		active, _ := st.ListJobs(ctx, JobFilter{Statuses: ActiveStatuses, ExcludeHalted: true})
		if len(active) != 1 || active[0].ID != c.ID {
			t.Fatalf("active=%+v", active)
		}
		owned, _ := st.ListJobs(ctx, JobFilter{Owner: "alice", Limit: 1, Offset: 1})
		if len(owned) != 1 || owned[0].ID != b.ID {
			t.Fatalf("paged=%+v", owned)
		}
	})
}

func TestStoreDeleteCascades(t *testing.T) {
	eachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		job, tasks := seedJob(t, st, "", 1, pipeline.TypeConvertToText)
		if err := st.DeleteJob(ctx, job.ID); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := st.GetTask(ctx, tasks[0].ID); !errors.Is(err, pipeline.ErrNotFound) {
			t.Fatalf("task survived delete: %v", err)
		}
		if err := st.DeleteJob(ctx, job.ID); !errors.Is(err, pipeline.ErrNotFound) {
			t.Fatalf("second delete: %v", err)
		}
	})
}

func TestFileStoreReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	job, tasks := seedJob(t, st, "", 1, pipeline.TypeConvertToText, pipeline.TypeAnalyzeWithModel)
	_ = st.AppendTaskLog(context.Background(), tasks[1].ID, "hello")
	_ = st.Close()

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := st2.FindTasks(context.Background(), job.ID)
	if err != nil || len(got) != 2 || got[1].Logs != "hello" {
		t.Fatalf("reloaded tasks=%+v err=%v", got, err)
	}
	// ids keep increasing after reload
	job2, _ := seedJob(t, st2, "", 1)
	if job2.ID <= job.ID {
		t.Fatalf("job id reused: %d <= %d", job2.ID, job.ID)
	}
}

func TestFileStoreRollsBackFailedWrites(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	job, tasks := seedJob(t, st, "", 1, pipeline.TypeConvertToText)

	// the snapshot cannot be written while its tmp path is a directory
	if err := os.Mkdir(path+".tmp", 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	failed := pipeline.Job{ExternalRef: "ref-failed", Parallelism: 1, Status: pipeline.StatusPending}
	if err := st.CreateJob(ctx, &failed, []pipeline.Task{{Type: pipeline.TypeConvertToText, Status: pipeline.StatusPending}}); err == nil {
		t.Fatalf("create should fail")
	}
	if _, err := st.GetJob(ctx, failed.ID); !errors.Is(err, pipeline.ErrNotFound) {
		t.Fatalf("failed create is visible: err=%v", err)
	}
	if list, _ := st.ListJobs(ctx, JobFilter{}); len(list) != 1 {
		t.Fatalf("jobs=%d want 1", len(list))
	}

	ok, err := st.ClaimTask(ctx, tasks[0].ID, 1)
	if err == nil || ok {
		t.Fatalf("claim ok=%v err=%v", ok, err)
	}
	if _, err := st.TransitionTask(ctx, tasks[0].ID, pipeline.Transition{
		From: []pipeline.Status{pipeline.StatusPending}, To: pipeline.StatusCancelled,
	}); err == nil {
		t.Fatalf("transition should fail")
	}
	if n, err := st.CancelJobs(ctx, ""); err == nil || n != 0 {
		t.Fatalf("cancel-all n=%d err=%v", n, err)
	}
	got, err := st.GetTask(ctx, tasks[0].ID)
	if err != nil || got.Status != pipeline.StatusPending {
		t.Fatalf("task after failed writes: %+v err=%v", got, err)
	}
	if j, _ := st.GetJob(ctx, job.ID); j.Halted || j.Status != pipeline.StatusPending {
		t.Fatalf("job after failed cancel-all: %+v", j)
	}

	if err := os.Remove(path + ".tmp"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	next, _ := seedJob(t, st, "", 1)
	if next.ID != job.ID+1 {
		t.Fatalf("id after rollback=%d want %d", next.ID, job.ID+1)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatalf("expected error")
	}
}
