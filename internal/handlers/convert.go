package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"jobpipe/internal/dispatch"
	"jobpipe/internal/pipeline"
	logx "jobpipe/pkg/logx"
)

// Convert writes the markdown text of params.path to the article's text file.
// Plain text and markdown are read as is; other formats go through the
// configured Converter.
type Convert struct {
	cfg  Config
	conv Converter
	log  logx.Logger
}

func (h *Convert) Run(ctx context.Context, rt dispatch.Runtime) error {
	task := rt.Task()
	src := pipeline.ParamString(task.Params, "path", "")
	if src == "" {
		return errors.New("params.path is required")
	}
	if !rt.Runnable(ctx) {
		return pipeline.ErrInterrupted
	}

	var text string
	switch ext := strings.ToLower(filepath.Ext(src)); ext {
	case ".txt", ".md", ".markdown":
		b, err := os.ReadFile(src)
		if err != nil {
			return err
		}
		text = string(b)
	default:
		if h.conv == nil {
			return fmt.Errorf("no converter configured for %s files", ext)
		}
		out, err := h.conv.Convert(ctx, src)
		if err != nil {
			return fmt.Errorf("convert %s: %w", filepath.Base(src), err)
		}
		text = out
	}

	if !rt.Runnable(ctx) {
		return pipeline.ErrInterrupted
	}
	article := task.ArticleID
	if article == "" {
		article = filepath.Base(src)
	}
	dst := filesFor(h.cfg.WorkDir, rt.Job(), article).Text
	if err := writeFile(dst, []byte(text)); err != nil {
		return err
	}
	h.log.Debug("convert.done", logx.Int64("task_id", task.ID), logx.Int("bytes", len(text)))
	return rt.AppendLog(ctx, fmt.Sprintf("wrote %d bytes to %s", len(text), filepath.Base(dst)))
}

// CommandConverter runs an external program that prints markdown on stdout.
// "{path}" in Args is replaced by the document path; without it the path is
// appended.
type CommandConverter struct {
	Command string
	Args    []string
}

func (c CommandConverter) Convert(ctx context.Context, path string) (string, error) {
	args := make([]string, 0, len(c.Args)+1)
	substituted := false
	for _, a := range c.Args {
		if strings.Contains(a, "{path}") {
			a = strings.ReplaceAll(a, "{path}", path)
			substituted = true
		}
		args = append(args, a)
	}
	if !substituted {
		args = append(args, path)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Command, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s: %w: %s", c.Command, err, logx.Truncate(strings.TrimSpace(stderr.String()), 200))
	}
	return stdout.String(), nil
}
