package importer

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/starford/notegraph/internal/engine"
	"github.com/starford/notegraph/internal/models"
	"github.com/starford/notegraph/internal/parser"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	dir := t.TempDir()
	e, err := engine.New(context.Background(), engine.Options{
		SandboxRoot:      filepath.Join(dir, "sandbox"),
		SQLitePath:       filepath.Join(dir, "notegraph.db"),
		ConcurrencyLimit: 1,
		Logger:           quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return e
}

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestImportDirectory(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	dir := t.TempDir()

	writeFile(t, dir, "guides/style.md", "# Style guide\nWrite short sentences.\n")
	writeFile(t, dir, "readme.txt", "not a note")
	writeFile(t, dir, ".hidden/skip.md", "---\ntype: Task\n---\n")
	writeFile(t, dir, "bad.md", "---\ntype: Widget\n---\nbody\n")

	res, err := Import(ctx, dir, e, e, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if res.Added != 1 || res.Failed != 1 {
		t.Errorf("result = %+v", res)
	}

	n, err := e.GetNote(ctx, "guides/style")
	if err != nil {
		t.Fatalf("note missing: %v", err)
	}
	if n.Type != models.TypeTemplate || n.Title != "Style guide" {
		t.Errorf("note = %+v", n)
	}
	if _, err := e.GetNote(ctx, ".hidden/skip"); err == nil {
		t.Error("hidden directory imported")
	}
}

func TestImportBindsHTTPTools(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			http.Error(w, "wrong method", http.StatusMethodNotAllowed)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	e := newEngine(t)
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, dir, "hook.md", "---\ntype: tool\nurl: "+srv.URL+"\nmethod: put\n---\nCalls the hook.\n")

	if _, err := Import(ctx, dir, e, e, quietLogger()); err != nil {
		t.Fatal(err)
	}
	out, err := e.ExecuteTool(ctx, "hook", map[string]any{"input": "x"})
	if err != nil {
		t.Fatalf("imported tool not bound: %v", err)
	}
	if out.(map[string]any)["ok"] != true {
		t.Errorf("out = %v", out)
	}
}

func TestReimportTracksChanges(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, dir, "a.md", "---\ntitle: First\n---\nsee [[b]]\n")

	if _, err := Import(ctx, dir, e, nil, quietLogger()); err != nil {
		t.Fatal(err)
	}
	res, _ := Import(ctx, dir, e, nil, quietLogger())
	if res.Unchanged != 1 || res.Added != 0 || res.Updated != 0 {
		t.Errorf("second import = %+v, want one unchanged", res)
	}

	writeFile(t, dir, "a.md", "---\ntitle: Second\n---\nsee [[b]] and [[c]]\n")
	res, _ = Import(ctx, dir, e, nil, quietLogger())
	if res.Updated != 1 {
		t.Errorf("third import = %+v, want one updated", res)
	}
	n, _ := e.GetNote(ctx, "a")
	if n.Title != "Second" || len(n.References) != 2 {
		t.Errorf("note after update = %+v", n)
	}
}

func TestImportMissingDir(t *testing.T) {
	e := newEngine(t)
	if _, err := Import(context.Background(), filepath.Join(t.TempDir(), "nope"), e, nil, quietLogger()); err == nil {
		t.Error("expected error for missing dir")
	}
}

func TestToNote(t *testing.T) {
	r, _ := parser.Parse([]byte("---\nid: job\ntype: Task\npriority: 3\ntool: llm-tool\nreferences: [ctx, ctx2]\ninput: {q: hi}\n---\nUses [[ctx]] and [[other|the other]].\n"))
	n, err := ToNote("jobs/job.md", r)
	if err != nil {
		t.Fatal(err)
	}
	if n.ID != "job" || n.Type != models.TypeTask || n.Status != models.StatusPending || n.Priority != 3 {
		t.Errorf("note = %+v", n)
	}
	want := []string{"ctx", "ctx2", "other"}
	if len(n.References) != len(want) {
		t.Fatalf("references = %v, want %v", n.References, want)
	}
	for i := range want {
		if n.References[i] != want[i] {
			t.Errorf("references = %v, want %v", n.References, want)
		}
	}
	if n.ToolID != "llm-tool" {
		t.Errorf("toolId = %q", n.ToolID)
	}
	if in, ok := n.Config["input"].(map[string]any); !ok || in["q"] != "hi" {
		t.Errorf("config input = %#v", n.Config["input"])
	}
}
