package handlers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"jobpipe/internal/dispatch"
	"jobpipe/internal/pipeline"
	logx "jobpipe/pkg/logx"
)

// Converter turns a non-text document into markdown.
type Converter interface {
	Convert(ctx context.Context, path string) (string, error)
}

// ModelRequest is one completion call.
type ModelRequest struct {
	Model  string
	System string
	Prompt string
	// JSON asks the model for a single JSON object.
	JSON    bool
	Options map[string]any
}

// ModelClient sends a prompt to a language model and returns its answer.
type ModelClient interface {
	Complete(ctx context.Context, req ModelRequest) (string, error)
}

type Config struct {
	WorkDir string
	// MaxUploadBytes bounds the uncompressed size of an ingested archive.
	MaxUploadBytes int64
}

const defaultMaxUploadBytes = 512 << 20

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.WorkDir) == "" {
		c.WorkDir = "./data/work"
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = defaultMaxUploadBytes
	}
	return c
}

// Register installs every built-in handler. conv and model may be nil; the
// handlers that need them then fail their Tasks with a clear error.
func Register(reg *dispatch.Registry, cfg Config, conv Converter, model ModelClient, log logx.Logger) {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "handlers"))
	reg.Register(pipeline.TypeUploadIngest, &Ingest{cfg: cfg, log: log})
	reg.Register(pipeline.TypeConvertToText, &Convert{cfg: cfg, conv: conv, log: log})
	reg.Register(pipeline.TypeAnalyzeWithModel, &Analyze{cfg: cfg, model: model, log: log})
	reg.Register(pipeline.TypeExtractStructuredData, &Extract{cfg: cfg, model: model, log: log})
}

// articleFiles are the work file paths of one article of a Job.
type articleFiles struct {
	Text     string
	Analysis string
	Data     string
}

func filesFor(workDir string, job pipeline.Job, article string) articleFiles {
	name := slug(article)
	if name == "" {
		name = "article"
	}
	base := filepath.Join(workDir, slug(job.ExternalRef), name)
	return articleFiles{
		Text:     base + ".md",
		Analysis: base + ".analysis.md",
		Data:     base + ".json",
	}
}

// slug keeps letters, digits, dot, dash and underscore; everything else
// becomes '_'. Leading dots are dropped so the result never walks up.
func slug(s string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return strings.TrimLeft(b.String(), ".")
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readIfExists(path string) (string, bool, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(b), true, nil
}

// requireCompleted returns ErrPrerequisitePending if a sibling of one of
// types exists and has not completed.
func requireCompleted(ctx context.Context, rt dispatch.Runtime, types ...pipeline.TaskType) error {
	for _, tt := range types {
		sib, ok, err := rt.FindSibling(ctx, tt)
		if err != nil {
			return fmt.Errorf("look up %s sibling: %w", tt, err)
		}
		if ok && sib.Status != pipeline.StatusCompleted {
			return pipeline.ErrPrerequisitePending
		}
	}
	return nil
}

func paramInt(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func paramBool(params map[string]any, key string, def bool) bool {
	switch v := params[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}
