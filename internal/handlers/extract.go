package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"jobpipe/internal/dispatch"
	"jobpipe/internal/pipeline"
	logx "jobpipe/pkg/logx"
)

const defaultExtractPrompt = "Extract the requested fields from the document below."

// Extract asks the model for a JSON object matching params.schema and
// stores it after validation. The analysis output is used as input when
// present, the converted text otherwise.
type Extract struct {
	cfg   Config
	model ModelClient
	log   logx.Logger
}

func (h *Extract) Run(ctx context.Context, rt dispatch.Runtime) error {
	if err := requireCompleted(ctx, rt, pipeline.TypeConvertToText, pipeline.TypeAnalyzeWithModel); err != nil {
		return err
	}
	task := rt.Task()
	schemaDoc, ok := task.Params["schema"].(map[string]any)
	if !ok {
		return errors.New("params.schema must be a JSON Schema object")
	}
	rawSchema, err := json.Marshal(schemaDoc)
	if err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}
	sch, err := pipeline.CompileSchema("extract.json", rawSchema)
	if err != nil {
		return err
	}
	if h.model == nil {
		return errors.New("no model client configured")
	}

	files := filesFor(h.cfg.WorkDir, rt.Job(), task.ArticleID)
	input, found, err := readIfExists(files.Analysis)
	if err != nil {
		return err
	}
	if !found {
		if input, err = articleText(files, task.Params); err != nil {
			return err
		}
	}
	if !rt.Runnable(ctx) {
		return pipeline.ErrInterrupted
	}

	opts, _ := task.Params["options"].(map[string]any)
	answer, err := h.model.Complete(ctx, ModelRequest{
		Model:   pipeline.ParamString(task.Params, "model", ""),
		System:  "Return ONLY JSON that matches this JSON Schema:\n" + string(rawSchema),
		Prompt:  pipeline.ParamString(task.Params, "prompt", defaultExtractPrompt) + "\n\n" + input,
		JSON:    true,
		Options: opts,
	})
	if err != nil {
		return fmt.Errorf("model: %w", err)
	}

	var doc any
	if err := json.Unmarshal([]byte(stripFences(answer)), &doc); err != nil {
		return fmt.Errorf("model output is not JSON: %w", err)
	}
	if err := pipeline.ValidateJSON(sch, doc); err != nil {
		return fmt.Errorf("model output does not match schema: %w", err)
	}
	if !rt.Runnable(ctx) {
		return pipeline.ErrInterrupted
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFile(files.Data, out); err != nil {
		return err
	}
	h.log.Debug("extract.done", logx.Int64("task_id", task.ID))
	return rt.AppendLog(ctx, "structured data written to "+filepath.Base(files.Data))
}

// stripFences removes a surrounding ``` or ```json block.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
