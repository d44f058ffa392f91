package pipeline

import (
	"errors"
	"testing"
)

func TestActionTarget(t *testing.T) {
	cases := []struct {
		action Action
		from   Status
		want   Status
		ok     bool
	}{
		{ActionPause, StatusPending, StatusPaused, true},
		{ActionPause, StatusProcessing, StatusPaused, true},
		{ActionPause, StatusCompleted, "", false},
		{ActionPause, StatusPaused, "", false},
		{ActionResume, StatusPaused, StatusPending, true},
		{ActionResume, StatusPending, "", false},
		{ActionResume, StatusFailed, "", false},
		{ActionCancel, StatusPending, StatusCancelled, true},
		{ActionCancel, StatusProcessing, StatusCancelled, true},
		{ActionCancel, StatusPaused, StatusCancelled, true},
		{ActionCancel, StatusCompleted, "", false},
		{ActionCancel, StatusCancelled, "", false},
		{ActionRetry, StatusCompleted, StatusPending, true},
		{ActionRetry, StatusFailed, StatusPending, true},
		{ActionRetry, StatusCancelled, StatusPending, true},
		{ActionRetry, StatusProcessing, "", false},
		{ActionRetry, StatusPending, "", false},
	}
	for _, tc := range cases {
		t.Run(string(tc.action)+"_"+string(tc.from), func(t *testing.T) {
			got, err := ActionTarget(tc.action, tc.from)
			if tc.ok {
				if err != nil || got != tc.want {
					t.Fatalf("got %q err=%v want %q", got, err, tc.want)
				}
				return
			}
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("expected ErrInvalidTransition, got %v", err)
			}
		})
	}
}

func TestActionTargetsAreStateMachineEdges(t *testing.T) {
	for _, a := range []Action{ActionPause, ActionResume, ActionCancel, ActionRetry} {
		src, to := ActionSources(a)
		for _, s := range src {
			if !CanTransition(s, to) {
				t.Fatalf("%s: %s -> %s missing from state machine", a, s, to)
			}
		}
	}
}

func TestCanTransitionForbidden(t *testing.T) {
	forbidden := [][2]Status{
		{StatusPending, StatusCompleted},
		{StatusPending, StatusFailed},
		{StatusPaused, StatusProcessing},
		{StatusCompleted, StatusFailed},
		{StatusCancelled, StatusProcessing},
	}
	for _, f := range forbidden {
		if CanTransition(f[0], f[1]) {
			t.Fatalf("%s -> %s should be forbidden", f[0], f[1])
		}
	}
}

func TestTransitionApplyRetryResets(t *testing.T) {
	task := Task{Status: StatusFailed, Progress: 70, Logs: "boom"}
	tr := Transition{From: []Status{StatusFailed}, To: StatusPending, Reset: true}
	if !tr.Allows(task.Status) {
		t.Fatalf("retry should be allowed from failed")
	}
	tr.Apply(&task)
	if task.Status != StatusPending || task.Progress != 0 || task.Logs != "" {
		t.Fatalf("retry did not reset: %+v", task)
	}
}

func TestTransitionApplyFailedAppendsLog(t *testing.T) {
	task := Task{Status: StatusProcessing, Logs: "started"}
	tr := Transition{From: []Status{StatusProcessing}, To: StatusFailed, LogAdd: "error: boom"}
	tr.Apply(&task)
	if task.Logs != "started\nerror: boom" {
		t.Fatalf("logs=%q", task.Logs)
	}
}

func TestParseHelpers(t *testing.T) {
	if _, err := ParseTaskType("transcode"); !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("unknown type should be rejected: %v", err)
	}
	if tt, err := ParseTaskType(" convert-to-text "); err != nil || tt != TypeConvertToText {
		t.Fatalf("got %q err=%v", tt, err)
	}
	if _, err := ParseAction("explode"); !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("unknown action should be rejected: %v", err)
	}
	if s, err := ParseStatus("PAUSED"); err != nil || s != StatusPaused {
		t.Fatalf("got %q err=%v", s, err)
	}
}
