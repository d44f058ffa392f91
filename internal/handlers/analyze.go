package handlers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"jobpipe/internal/dispatch"
	"jobpipe/internal/pipeline"
	logx "jobpipe/pkg/logx"
)

const defaultAnalyzePrompt = "Review the following document. Summarize it and list its strengths and weaknesses."

// Analyze sends the article text to the model and stores the answer.
//
// Params: model, system, prompt, options (passed through to the client).
type Analyze struct {
	cfg   Config
	model ModelClient
	log   logx.Logger
}

func (h *Analyze) Run(ctx context.Context, rt dispatch.Runtime) error {
	// the scheduler already orders siblings; a manual dispatch may not
	if err := requireCompleted(ctx, rt, pipeline.TypeConvertToText); err != nil {
		return err
	}
	if h.model == nil {
		return errors.New("no model client configured")
	}
	task := rt.Task()
	files := filesFor(h.cfg.WorkDir, rt.Job(), task.ArticleID)
	text, err := articleText(files, task.Params)
	if err != nil {
		return err
	}
	if !rt.Runnable(ctx) {
		return pipeline.ErrInterrupted
	}

	opts, _ := task.Params["options"].(map[string]any)
	answer, err := h.model.Complete(ctx, ModelRequest{
		Model:   pipeline.ParamString(task.Params, "model", ""),
		System:  pipeline.ParamString(task.Params, "system", ""),
		Prompt:  pipeline.ParamString(task.Params, "prompt", defaultAnalyzePrompt) + "\n\n" + text,
		Options: opts,
	})
	if err != nil {
		return fmt.Errorf("model: %w", err)
	}
	if err := rt.ReportProgress(ctx, 80); err != nil {
		return err
	}
	if !rt.Runnable(ctx) {
		return pipeline.ErrInterrupted
	}
	if err := writeFile(files.Analysis, []byte(answer)); err != nil {
		return err
	}
	h.log.Debug("analyze.done", logx.Int64("task_id", task.ID), logx.Int("bytes", len(answer)))
	return rt.AppendLog(ctx, fmt.Sprintf("analysis written to %s (%d bytes)", filepath.Base(files.Analysis), len(answer)))
}

// articleText returns the converted text of the article, or the raw text
// of params.path when no conversion ran.
func articleText(files articleFiles, params map[string]any) (string, error) {
	text, ok, err := readIfExists(files.Text)
	if err != nil || ok {
		return text, err
	}
	src := pipeline.ParamString(params, "path", "")
	switch strings.ToLower(filepath.Ext(src)) {
	case ".txt", ".md", ".markdown":
		b, err := os.ReadFile(src)
		return string(b), err
	}
	return "", fmt.Errorf("no converted text at %s", filepath.Base(files.Text))
}
