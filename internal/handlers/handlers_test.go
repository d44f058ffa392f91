package handlers

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"jobpipe/internal/pipeline"
	logx "jobpipe/pkg/logx"
)

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	zw := zip.NewWriter(f)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip entry: %v", err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("file close: %v", err)
	}
}

func testConfig(t *testing.T) Config {
	return Config{WorkDir: t.TempDir()}.withDefaults()
}

func TestIngestSpawnsOneJobPerDocument(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	upload := filepath.Join(t.TempDir(), "batch.zip")
	writeZip(t, upload, map[string]string{
		"a.txt":       "alpha",
		"sub/b.md":    "# beta",
		"setup.exe":   "nope",
		"notes/c.pdf": "%PDF",
	})

	h := &Ingest{cfg: cfg, log: logx.Nop()}
	rt := newRuntime(pipeline.TypeUploadIngest, "", map[string]any{
		"path":        upload,
		"parallelism": float64(2),
		"extract":     false,
		"params":      map[string]any{"model": "small"},
	})
	if err := h.Run(ctx, rt); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rt.spawned) != 3 {
		t.Fatalf("spawned %d jobs, want 3", len(rt.spawned))
	}
	first := rt.spawned[0]
	if first.Name != "a.txt" || first.Parallelism != 2 || len(first.Tasks) != 2 {
		t.Fatalf("first spawned = %+v", first)
	}
	conv := first.Tasks[0]
	if conv.Type != pipeline.TypeConvertToText || conv.ArticleID != "a.txt" || conv.Params["model"] != "small" {
		t.Fatalf("convert task = %+v", conv)
	}
	if p, _ := conv.Params["path"].(string); !strings.HasSuffix(p, filepath.Join("upload", "a.txt")) {
		t.Fatalf("convert path = %v", conv.Params["path"])
	}
	if rt.spawned[2].Tasks[0].ArticleID != "sub_b.md" {
		t.Fatalf("nested article id = %q", rt.spawned[2].Tasks[0].ArticleID)
	}
	if last := rt.progress[len(rt.progress)-1]; last != 100 {
		t.Fatalf("final progress = %d", last)
	}

	// a requeued run does not spawn again
	if err := h.Run(ctx, rt); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(rt.spawned) != 3 {
		t.Fatalf("second run spawned again: %d", len(rt.spawned))
	}
}

func TestIngestStopsWhenNotRunnable(t *testing.T) {
	cfg := testConfig(t)
	src := filepath.Join(t.TempDir(), "one.txt")
	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	rt := newRuntime(pipeline.TypeUploadIngest, "", map[string]any{"path": src})
	rt.runnable = false
	err := (&Ingest{cfg: cfg, log: logx.Nop()}).Run(context.Background(), rt)
	if !errors.Is(err, pipeline.ErrInterrupted) {
		t.Fatalf("err = %v, want ErrInterrupted", err)
	}
	if len(rt.spawned) != 0 {
		t.Fatalf("spawned while not runnable")
	}
}

func TestIngestRejectsEscapingArchive(t *testing.T) {
	cfg := testConfig(t)
	upload := filepath.Join(t.TempDir(), "evil.zip")
	writeZip(t, upload, map[string]string{"../../escape.txt": "x"})
	rt := newRuntime(pipeline.TypeUploadIngest, "", map[string]any{"path": upload})
	if err := (&Ingest{cfg: cfg, log: logx.Nop()}).Run(context.Background(), rt); err == nil {
		t.Fatalf("escaping archive accepted")
	}
	if _, err := os.Stat(filepath.Join(cfg.WorkDir, "escape.txt")); !os.IsNotExist(err) {
		t.Fatalf("file written outside the upload dir: %v", err)
	}
}

func TestIngestSizeLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxUploadBytes = 4
	upload := filepath.Join(t.TempDir(), "big.zip")
	writeZip(t, upload, map[string]string{"big.txt": "0123456789"})
	rt := newRuntime(pipeline.TypeUploadIngest, "", map[string]any{"path": upload})
	err := (&Ingest{cfg: cfg, log: logx.Nop()}).Run(context.Background(), rt)
	if err == nil || !strings.Contains(err.Error(), "size limit") {
		t.Fatalf("err = %v, want size limit error", err)
	}
}

func TestConvert(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	dir := t.TempDir()
	txt := filepath.Join(dir, "doc.txt")
	if err := os.WriteFile(txt, []byte("plain text"), 0o644); err != nil {
		t.Fatal(err)
	}
	pdf := filepath.Join(dir, "doc.pdf")
	if err := os.WriteFile(pdf, []byte("%PDF"), 0o644); err != nil {
		t.Fatal(err)
	}

	rt := newRuntime(pipeline.TypeConvertToText, "doc", map[string]any{"path": txt})
	if err := (&Convert{cfg: cfg, log: logx.Nop()}).Run(ctx, rt); err != nil {
		t.Fatalf("convert txt: %v", err)
	}
	got, err := os.ReadFile(filesFor(cfg.WorkDir, rt.job, "doc").Text)
	if err != nil || string(got) != "plain text" {
		t.Fatalf("text file = %q, %v", got, err)
	}

	rt = newRuntime(pipeline.TypeConvertToText, "pdf", map[string]any{"path": pdf})
	if err := (&Convert{cfg: cfg, log: logx.Nop()}).Run(ctx, rt); err == nil || !strings.Contains(err.Error(), "no converter") {
		t.Fatalf("pdf without converter err = %v", err)
	}
	if err := (&Convert{cfg: cfg, conv: fakeConverter{out: "# converted"}, log: logx.Nop()}).Run(ctx, rt); err != nil {
		t.Fatalf("pdf with converter: %v", err)
	}
	got, _ = os.ReadFile(filesFor(cfg.WorkDir, rt.job, "pdf").Text)
	if string(got) != "# converted" {
		t.Fatalf("converted text = %q", got)
	}

	rt = newRuntime(pipeline.TypeConvertToText, "x", map[string]any{})
	if err := (&Convert{cfg: cfg, log: logx.Nop()}).Run(ctx, rt); err == nil {
		t.Fatalf("missing path accepted")
	}
}

func TestAnalyzeWaitsForConvertSibling(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	model := &fakeModel{answer: "looks fine"}
	h := &Analyze{cfg: cfg, model: model, log: logx.Nop()}

	rt := newRuntime(pipeline.TypeAnalyzeWithModel, "doc", map[string]any{"model": "small", "prompt": "Review:"})
	rt.siblings[pipeline.TypeConvertToText] = pipeline.Task{Type: pipeline.TypeConvertToText, Status: pipeline.StatusProcessing}
	if err := h.Run(ctx, rt); !errors.Is(err, pipeline.ErrPrerequisitePending) {
		t.Fatalf("err = %v, want ErrPrerequisitePending", err)
	}
	if len(model.reqs) != 0 {
		t.Fatalf("model called before prerequisite completed")
	}

	files := filesFor(cfg.WorkDir, rt.job, "doc")
	if err := writeFile(files.Text, []byte("document body")); err != nil {
		t.Fatal(err)
	}
	rt.siblings[pipeline.TypeConvertToText] = pipeline.Task{Type: pipeline.TypeConvertToText, Status: pipeline.StatusCompleted}
	if err := h.Run(ctx, rt); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(model.reqs) != 1 || model.reqs[0].Model != "small" || !strings.Contains(model.reqs[0].Prompt, "document body") {
		t.Fatalf("model requests = %+v", model.reqs)
	}
	got, _ := os.ReadFile(files.Analysis)
	if string(got) != "looks fine" {
		t.Fatalf("analysis = %q", got)
	}
}

func TestAnalyzeWithoutModel(t *testing.T) {
	rt := newRuntime(pipeline.TypeAnalyzeWithModel, "doc", nil)
	err := (&Analyze{cfg: testConfig(t), log: logx.Nop()}).Run(context.Background(), rt)
	if err == nil || !strings.Contains(err.Error(), "no model client") {
		t.Fatalf("err = %v", err)
	}
}

func TestExtractValidatesAgainstSchema(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	schema := map[string]any{
		"type":     "object",
		"required": []any{"title", "score"},
		"properties": map[string]any{
			"title": map[string]any{"type": "string"},
			"score": map[string]any{"type": "number", "minimum": 0, "maximum": 10},
		},
	}
	rt := newRuntime(pipeline.TypeExtractStructuredData, "doc", map[string]any{"schema": schema})
	files := filesFor(cfg.WorkDir, rt.job, "doc")
	if err := writeFile(files.Analysis, []byte("good paper, 8/10")); err != nil {
		t.Fatal(err)
	}

	model := &fakeModel{answer: "```json\n{\"title\": \"Paper\", \"score\": 8}\n```"}
	if err := (&Extract{cfg: cfg, model: model, log: logx.Nop()}).Run(ctx, rt); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !model.reqs[0].JSON || !strings.Contains(model.reqs[0].Prompt, "good paper") {
		t.Fatalf("request = %+v", model.reqs[0])
	}
	raw, err := os.ReadFile(files.Data)
	if err != nil {
		t.Fatalf("read data: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil || doc["title"] != "Paper" {
		t.Fatalf("data = %s, %v", raw, err)
	}

	model.answer = `{"title": "Paper", "score": 42}`
	err = (&Extract{cfg: cfg, model: model, log: logx.Nop()}).Run(ctx, rt)
	if err == nil || !strings.Contains(err.Error(), "does not match schema") {
		t.Fatalf("err = %v, want schema mismatch", err)
	}

	model.answer = "not json"
	if err := (&Extract{cfg: cfg, model: model, log: logx.Nop()}).Run(ctx, rt); err == nil {
		t.Fatalf("non-JSON output accepted")
	}
}

func TestExtractWaitsForAnalyzeSibling(t *testing.T) {
	rt := newRuntime(pipeline.TypeExtractStructuredData, "doc", map[string]any{"schema": map[string]any{"type": "object"}})
	rt.siblings[pipeline.TypeConvertToText] = pipeline.Task{Status: pipeline.StatusCompleted}
	rt.siblings[pipeline.TypeAnalyzeWithModel] = pipeline.Task{Status: pipeline.StatusPending}
	err := (&Extract{cfg: testConfig(t), model: &fakeModel{}, log: logx.Nop()}).Run(context.Background(), rt)
	if !errors.Is(err, pipeline.ErrPrerequisitePending) {
		t.Fatalf("err = %v, want ErrPrerequisitePending", err)
	}
}

func TestChatClient(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" || r.Header.Get("Authorization") != "Bearer k" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":" {\"ok\":true} "}}]}`))
	}))
	defer srv.Close()

	c, err := NewChatClient(ChatConfig{BaseURL: srv.URL + "/v1/", APIKey: "k", Model: "default"}, logx.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	out, err := c.Complete(context.Background(), ModelRequest{System: "sys", Prompt: "hi", JSON: true, Options: map[string]any{"top_p": 0.5}})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != `{"ok":true}` {
		t.Fatalf("out = %q", out)
	}
	if got["model"] != "default" || got["top_p"] != 0.5 || got["response_format"] == nil {
		t.Fatalf("request body = %v", got)
	}
	if msgs, _ := got["messages"].([]any); len(msgs) != 2 {
		t.Fatalf("messages = %v", got["messages"])
	}

	bad, _ := NewChatClient(ChatConfig{BaseURL: srv.URL, APIKey: "wrong"}, logx.Nop())
	if _, err := bad.Complete(context.Background(), ModelRequest{Prompt: "x"}); err == nil || !strings.Contains(err.Error(), "status 400") {
		t.Fatalf("err = %v", err)
	}
}

func TestSlugAndFences(t *testing.T) {
	cases := map[string]string{
		"a.txt":        "a.txt",
		"../etc/pass":  "_etc_pass",
		" sub/b c.md ": "sub_b_c.md",
	}
	for in, want := range cases {
		if got := slug(in); got != want {
			t.Fatalf("slug(%q) = %q, want %q", in, got, want)
		}
	}
	if got := stripFences("```json\n{\"a\":1}\n```"); got != `{"a":1}` {
		t.Fatalf("stripFences = %q", got)
	}
	if got := stripFences(" {} "); got != "{}" {
		t.Fatalf("stripFences plain = %q", got)
	}
}
