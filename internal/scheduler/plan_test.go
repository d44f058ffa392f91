package scheduler

import (
	"testing"

	"jobpipe/internal/pipeline"
)

func task(id int64, tt pipeline.TaskType, article string, st pipeline.Status) pipeline.Task {
	return pipeline.Task{ID: id, JobID: 1, Type: tt, ArticleID: article, Status: st}
}

func ids(ts []pipeline.Task) []int64 {
	out := make([]int64, len(ts))
	for i, t := range ts {
		out[i] = t.ID
	}
	return out
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestMakePlanOrderAndBlocking(t *testing.T) {
	const P = pipeline.StatusPending
	tasks := []pipeline.Task{
		task(1, pipeline.TypeAnalyzeWithModel, "a1", P),
		task(2, pipeline.TypeConvertToText, "a1", P),
		task(3, pipeline.TypeConvertToText, "a2", P),
		task(4, pipeline.TypeExtractStructuredData, "a1", P),
		task(5, pipeline.TypeAnalyzeWithModel, "a3", P),
	}
	p := MakePlan(pipeline.Job{Parallelism: 2}, tasks)

	if got, want := ids(p.Dispatchable), []int64{2, 3, 5}; !equalIDs(got, want) {
		t.Fatalf("dispatchable = %v, want %v", got, want)
	}
	if got, want := ids(p.Candidates), []int64{2, 3}; !equalIDs(got, want) {
		t.Fatalf("candidates = %v, want %v", got, want)
	}
	if p.Pending != 5 || p.Available != 2 || p.Stalled || p.AllTerminal {
		t.Fatalf("unexpected plan: %+v", p)
	}
}

func TestMakePlanCases(t *testing.T) {
	var (
		pending    = pipeline.StatusPending
		processing = pipeline.StatusProcessing
		paused     = pipeline.StatusPaused
		completed  = pipeline.StatusCompleted
		failed     = pipeline.StatusFailed
	)
	cases := []struct {
		name        string
		parallelism int
		tasks       []pipeline.Task
		candidates  []int64
		available   int
		stalled     bool
		allTerminal bool
	}{
		{
			name:        "no tasks",
			parallelism: 1,
			candidates:  []int64{},
			available:   1,
			allTerminal: true,
		},
		{
			name:        "prerequisite completed",
			parallelism: 3,
			tasks: []pipeline.Task{
				task(1, pipeline.TypeConvertToText, "a", completed),
				task(2, pipeline.TypeAnalyzeWithModel, "a", pending),
			},
			candidates: []int64{2},
			available:  3,
		},
		{
			name:        "prerequisite failed stalls",
			parallelism: 3,
			tasks: []pipeline.Task{
				task(1, pipeline.TypeConvertToText, "a", failed),
				task(2, pipeline.TypeAnalyzeWithModel, "a", pending),
			},
			candidates: []int64{},
			available:  3,
			stalled:    true,
		},
		{
			name:        "prerequisite paused is not stalled",
			parallelism: 3,
			tasks: []pipeline.Task{
				task(1, pipeline.TypeConvertToText, "a", paused),
				task(2, pipeline.TypeAnalyzeWithModel, "a", pending),
			},
			candidates: []int64{},
			available:  3,
		},
		{
			name:        "chain waits on running convert",
			parallelism: 3,
			tasks: []pipeline.Task{
				task(1, pipeline.TypeConvertToText, "a", processing),
				task(2, pipeline.TypeAnalyzeWithModel, "a", pending),
				task(3, pipeline.TypeExtractStructuredData, "a", pending),
			},
			candidates: []int64{},
			available:  2,
		},
		{
			name:        "slots full",
			parallelism: 1,
			tasks: []pipeline.Task{
				task(1, pipeline.TypeConvertToText, "a", processing),
				task(2, pipeline.TypeConvertToText, "b", pending),
			},
			candidates: []int64{},
			available:  0,
		},
		{
			name:        "over limit after parallelism lowered",
			parallelism: 1,
			tasks: []pipeline.Task{
				task(1, pipeline.TypeConvertToText, "a", processing),
				task(2, pipeline.TypeConvertToText, "b", processing),
				task(3, pipeline.TypeConvertToText, "c", pending),
			},
			candidates: []int64{},
			available:  0,
		},
		{
			name:        "empty article ids are siblings",
			parallelism: 2,
			tasks: []pipeline.Task{
				task(1, pipeline.TypeConvertToText, "", pending),
				task(2, pipeline.TypeAnalyzeWithModel, "", pending),
			},
			candidates: []int64{1},
			available:  2,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := MakePlan(pipeline.Job{Parallelism: tc.parallelism}, tc.tasks)
			if got := ids(p.Candidates); !equalIDs(got, tc.candidates) {
				t.Fatalf("candidates = %v, want %v", got, tc.candidates)
			}
			if p.Available != tc.available {
				t.Fatalf("available = %d, want %d", p.Available, tc.available)
			}
			if p.Stalled != tc.stalled {
				t.Fatalf("stalled = %v, want %v", p.Stalled, tc.stalled)
			}
			if p.AllTerminal != tc.allTerminal {
				t.Fatalf("allTerminal = %v, want %v", p.AllTerminal, tc.allTerminal)
			}
		})
	}
}
