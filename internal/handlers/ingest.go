package handlers

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"jobpipe/internal/dispatch"
	"jobpipe/internal/pipeline"
	logx "jobpipe/pkg/logx"
)

var documentExts = map[string]bool{
	".md": true, ".txt": true, ".pdf": true, ".doc": true, ".docx": true,
	".png": true, ".jpg": true, ".jpeg": true,
}

// IsDocument reports whether name has an extension ingest accepts.
func IsDocument(name string) bool {
	return documentExts[strings.ToLower(filepath.Ext(name))]
}

const manifestName = ".ingest.json"

// Ingest unpacks an uploaded file and spawns one Job per document found.
//
// Params:
//
//	path         uploaded file (.zip archives are extracted)
//	parallelism  parallelism of the spawned Jobs (default 1)
//	analyze      add analyze-with-model to spawned Jobs (default true)
//	extract      add extract-structured-data to spawned Jobs (default true)
//	params       params passed to every spawned Task
//
// Spawned Jobs are recorded in a manifest next to the files, so a requeued
// ingest does not spawn the same document twice.
type Ingest struct {
	cfg Config
	log logx.Logger
}

type ingestManifest struct {
	Spawned map[string]string `json:"spawned"`
}

func (h *Ingest) Run(ctx context.Context, rt dispatch.Runtime) error {
	task, job := rt.Task(), rt.Job()
	src := pipeline.ParamString(task.Params, "path", "")
	if src == "" {
		return errors.New("params.path is required")
	}
	if !rt.Runnable(ctx) {
		return pipeline.ErrInterrupted
	}

	dir := filepath.Join(h.cfg.WorkDir, slug(job.ExternalRef), "upload")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if strings.EqualFold(filepath.Ext(src), ".zip") {
		n, err := extractZip(src, dir, h.cfg.MaxUploadBytes)
		if err != nil {
			return fmt.Errorf("extract %s: %w", filepath.Base(src), err)
		}
		_ = rt.AppendLog(ctx, fmt.Sprintf("extracted %d files", n))
	} else if err := copyFile(src, filepath.Join(dir, filepath.Base(src))); err != nil {
		return fmt.Errorf("copy upload: %w", err)
	}

	docs, err := collectDocuments(dir)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return rt.AppendLog(ctx, "no documents found")
	}

	man, err := loadManifest(dir)
	if err != nil {
		return err
	}
	for i, rel := range docs {
		if !rt.Runnable(ctx) {
			return pipeline.ErrInterrupted
		}
		if _, done := man.Spawned[rel]; !done {
			d, err := rt.SpawnJob(ctx, h.documentJob(task, rel, filepath.Join(dir, rel)))
			if err != nil {
				return fmt.Errorf("spawn job for %s: %w", rel, err)
			}
			man.Spawned[rel] = d.ExternalRef
			if err := saveManifest(dir, man); err != nil {
				return err
			}
			_ = rt.AppendLog(ctx, fmt.Sprintf("%s -> job %d", rel, d.ID))
			h.log.Debug("ingest.spawned", logx.Int64("job_id", job.ID), logx.Int64("child_id", d.ID), logx.String("file", rel))
		}
		if err := rt.ReportProgress(ctx, (i+1)*100/len(docs)); err != nil {
			return err
		}
	}
	h.log.Info("ingest.done", logx.Int64("job_id", job.ID), logx.Int("documents", len(docs)))
	return nil
}

func (h *Ingest) documentJob(task pipeline.Task, rel, path string) pipeline.JobSpec {
	article := slug(filepath.ToSlash(rel))
	shared, _ := task.Params["params"].(map[string]any)
	params := func(extra map[string]any) map[string]any {
		return pipeline.MergeParams(shared, extra)
	}
	tasks := []pipeline.TaskSpec{{
		Type: pipeline.TypeConvertToText, ArticleID: article, Params: params(map[string]any{"path": path}),
	}}
	if paramBool(task.Params, "analyze", true) {
		tasks = append(tasks, pipeline.TaskSpec{Type: pipeline.TypeAnalyzeWithModel, ArticleID: article, Params: params(nil)})
	}
	if paramBool(task.Params, "extract", true) {
		tasks = append(tasks, pipeline.TaskSpec{Type: pipeline.TypeExtractStructuredData, ArticleID: article, Params: params(nil)})
	}
	return pipeline.JobSpec{
		Name:        rel,
		Parallelism: paramInt(task.Params, "parallelism", 1),
		Tasks:       tasks,
	}
}

// collectDocuments returns the accepted files under dir as sorted relative paths.
func collectDocuments(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !IsDocument(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		out = append(out, rel)
		return nil
	})
	sort.Strings(out)
	return out, err
}

func extractZip(src, dir string, limit int64) (int, error) {
	r, err := zip.OpenReader(src)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	var total int64
	n := 0
	for _, f := range r.File {
		name := filepath.Clean(filepath.FromSlash(f.Name))
		if name == "." || name == "" {
			continue
		}
		target := filepath.Join(dir, name)
		if !withinDir(dir, target) {
			return n, fmt.Errorf("archive entry escapes target dir: %s", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return n, err
			}
			continue
		}
		written, err := extractOne(f, target, limit-total)
		total += written
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func extractOne(f *zip.File, target string, budget int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}
	in, err := f.Open()
	if err != nil {
		return 0, err
	}
	defer in.Close()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	written, copyErr := io.CopyN(out, in, budget+1)
	closeErr := out.Close()
	if copyErr != nil && !errors.Is(copyErr, io.EOF) {
		return written, copyErr
	}
	if written > budget {
		return written, errors.New("archive exceeds upload size limit")
	}
	return written, closeErr
}

func withinDir(dir, target string) bool {
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func loadManifest(dir string) (ingestManifest, error) {
	man := ingestManifest{Spawned: map[string]string{}}
	b, err := os.ReadFile(filepath.Join(dir, manifestName))
	if os.IsNotExist(err) {
		return man, nil
	}
	if err != nil {
		return man, err
	}
	if err := json.Unmarshal(b, &man); err != nil {
		return man, fmt.Errorf("read ingest manifest: %w", err)
	}
	if man.Spawned == nil {
		man.Spawned = map[string]string{}
	}
	return man, nil
}

func saveManifest(dir string, man ingestManifest) error {
	b, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return err
	}
	return writeFile(filepath.Join(dir, manifestName), b)
}
