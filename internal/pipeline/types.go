package pipeline

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// AllStatuses lists every status in declaration order.
var AllStatuses = []Status{
	StatusPending, StatusProcessing, StatusPaused,
	StatusCompleted, StatusFailed, StatusCancelled,
}

func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal reports Completed, Failed or Cancelled.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidSpec, s)
	}
	return st, nil
}

type TaskType string

const (
	TypeUploadIngest          TaskType = "upload-ingest"
	TypeConvertToText         TaskType = "convert-to-text"
	TypeAnalyzeWithModel      TaskType = "analyze-with-model"
	TypeExtractStructuredData TaskType = "extract-structured-data"
)

var AllTaskTypes = []TaskType{
	TypeUploadIngest, TypeConvertToText, TypeAnalyzeWithModel, TypeExtractStructuredData,
}

func (t TaskType) Valid() bool {
	for _, v := range AllTaskTypes {
		if t == v {
			return true
		}
	}
	return false
}

func ParseTaskType(s string) (TaskType, error) {
	tt := TaskType(strings.TrimSpace(s))
	if !tt.Valid() {
		return "", fmt.Errorf("%w: unknown task type %q", ErrInvalidSpec, s)
	}
	return tt, nil
}

// BlockedOn lists the sibling task types (same Job, same article) that must be
// Completed before a task of type t may be dispatched.
func (t TaskType) BlockedOn() []TaskType {
	switch t {
	case TypeAnalyzeWithModel:
		return []TaskType{TypeConvertToText}
	case TypeExtractStructuredData:
		return []TaskType{TypeConvertToText, TypeAnalyzeWithModel}
	default:
		return nil
	}
}

type Action string

const (
	ActionPause  Action = "pause"
	ActionResume Action = "resume"
	ActionCancel Action = "cancel"
	ActionRetry  Action = "retry"
)

func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionPause, ActionResume, ActionCancel, ActionRetry:
		return a, nil
	default:
		return "", fmt.Errorf("%w: unknown action %q", ErrInvalidSpec, s)
	}
}

// Job is a user-visible pipeline instance. Status and Progress are derived
// from its Tasks; only cancel-all writes Status directly (and sets Halted).
type Job struct {
	ID          int64     `json:"id"`
	ExternalRef string    `json:"external_ref"`
	Owner       string    `json:"owner,omitempty"`
	Name        string    `json:"name"`
	Parallelism int       `json:"parallelism"`
	Status      Status    `json:"status"`
	Progress    int       `json:"progress"`
	Halted      bool      `json:"halted,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Task is one unit of work inside a Job.
type Task struct {
	ID        int64          `json:"id"`
	JobID     int64          `json:"job_id"`
	Type      TaskType       `json:"task_type"`
	Status    Status         `json:"status"`
	Progress  int            `json:"progress"`
	Logs      string         `json:"logs"`
	ArticleID string         `json:"article_id,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ClampProgress bounds p to [0,100].
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// AppendLogLine appends line to logs, one entry per line.
func AppendLogLine(logs, line string) string {
	line = strings.TrimRight(line, "\r\n")
	if logs == "" {
		return line
	}
	return logs + "\n" + line
}
