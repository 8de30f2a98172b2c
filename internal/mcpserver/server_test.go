package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/notegraph/internal/engine"
	"github.com/starford/notegraph/internal/models"
	"github.com/starford/notegraph/internal/toolexec"
)

func testServer(t *testing.T) (*Server, *engine.Runtime) {
	t.Helper()

	dir := t.TempDir()
	rt, err := engine.NewRuntime(context.Background(), engine.Options{
		SandboxRoot:      filepath.Join(dir, "sandbox"),
		SQLitePath:       filepath.Join(dir, "notegraph.db"),
		ConcurrencyLimit: 1,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Close(ctx)
	})

	return New(rt), rt
}

func callTool(t *testing.T, srv *Server, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	// mcp-go has no direct "call tool" test helper, so handlers are called
	// directly.
	var result *mcp.CallToolResult
	var err error

	switch name {
	case "list_notes":
		result, err = srv.listNotes(ctx, req)
	case "get_note":
		result, err = srv.getNote(ctx, req)
	case "add_task":
		result, err = srv.addTask(ctx, req)
	case "requeue_task":
		result, err = srv.requeueTask(ctx, req)
	case "execute_tool":
		result, err = srv.executeTool(ctx, req)
	case "get_backlinks":
		result, err = srv.getBacklinks(ctx, req)
	case "get_note_model":
		result, err = srv.getNoteModel(ctx, req)
	case "fetch_to_sandbox":
		result, err = srv.fetchToSandbox(ctx, req)
	default:
		t.Fatalf("unknown tool: %s", name)
	}

	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func TestAddTaskAndGetNote(t *testing.T) {
	srv, _ := testServer(t)

	r := callTool(t, srv, "add_task", map[string]interface{}{
		"title":      "Summarize",
		"content":    "the report",
		"priority":   float64(7),
		"references": "a, b,,c",
		"tool_id":    "missing-tool",
	})
	if r.IsError {
		t.Fatalf("add_task failed: %s", resultText(r))
	}
	var created models.Note
	if err := json.Unmarshal([]byte(resultText(r)), &created); err != nil {
		t.Fatal(err)
	}
	if created.Type != models.TypeTask || created.Priority != 7 {
		t.Errorf("task = %+v", created)
	}
	if strings.Join(created.References, ",") != "a,b,c" {
		t.Errorf("references = %v", created.References)
	}

	r = callTool(t, srv, "get_note", map[string]interface{}{"id": created.ID})
	if r.IsError || !strings.Contains(resultText(r), `"title": "Summarize"`) {
		t.Errorf("get_note = %q", resultText(r))
	}
}

func TestAddTaskRequiresTitle(t *testing.T) {
	srv, _ := testServer(t)
	if r := callTool(t, srv, "add_task", map[string]interface{}{}); !r.IsError {
		t.Error("expected error without title")
	}
}

func TestListNotesFilter(t *testing.T) {
	srv, rt := testServer(t)
	ctx := context.Background()
	_, _ = rt.Engine().AddNote(ctx, &models.Note{ID: "t1", Type: models.TypeTemplate})

	r := callTool(t, srv, "list_notes", map[string]interface{}{"type": "Template"})
	var notes []models.Note
	if err := json.Unmarshal([]byte(resultText(r)), &notes); err != nil {
		t.Fatal(err)
	}
	if len(notes) != 1 || notes[0].ID != "t1" {
		t.Errorf("notes = %+v", notes)
	}

	r = callTool(t, srv, "list_notes", map[string]interface{}{})
	if !strings.Contains(resultText(r), engine.FileToolID) {
		t.Error("unfiltered list should include the built-in file tool")
	}
}

func TestGetNoteMissing(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "get_note", map[string]interface{}{"id": "nope"})
	if !r.IsError {
		t.Error("expected error for missing note")
	}
}

func TestExecuteTool(t *testing.T) {
	srv, rt := testServer(t)

	r := callTool(t, srv, "execute_tool", map[string]interface{}{
		"tool_id": engine.FileToolID,
		"input":   `{"action":"write","filename":"hello.md","content":"# hi"}`,
	})
	if r.IsError {
		t.Fatalf("write failed: %s", resultText(r))
	}
	data, err := os.ReadFile(filepath.Join(rt.Engine().SandboxRoot(), "hello.md"))
	if err != nil || string(data) != "# hi" {
		t.Errorf("file = %q, %v", data, err)
	}

	r = callTool(t, srv, "execute_tool", map[string]interface{}{
		"tool_id": engine.FileToolID,
		"input":   `{"action":"read","filename":"../escape.txt"}`,
	})
	if !r.IsError || !strings.Contains(resultText(r), "outside the safe directory") {
		t.Errorf("escape = %v %q", r.IsError, resultText(r))
	}
}

func TestExecuteToolPlainTextInput(t *testing.T) {
	srv, rt := testServer(t)
	ctx := context.Background()
	_, _ = rt.Engine().AddNote(ctx, &models.Note{ID: "shout", Type: models.TypeTool})
	_ = rt.RegisterToolDefinition("shout", toolexec.Function{Fn: func(_ context.Context, in any) (any, error) {
		return strings.ToUpper(in.(string)), nil
	}})

	r := callTool(t, srv, "execute_tool", map[string]interface{}{"tool_id": "shout", "input": "hello"})
	if got := resultText(r); got != "HELLO" {
		t.Errorf("result = %q", got)
	}
}

func TestRequeueTask(t *testing.T) {
	srv, rt := testServer(t)
	ctx := context.Background()
	_, _ = rt.Engine().AddNote(ctx, &models.Note{ID: "tmpl", Type: models.TypeTemplate})

	if r := callTool(t, srv, "requeue_task", map[string]interface{}{"id": "tmpl"}); !r.IsError {
		t.Error("requeue of a template should fail")
	}
}

func TestGetBacklinks(t *testing.T) {
	srv, rt := testServer(t)
	ctx := context.Background()
	_, _ = rt.Engine().AddNote(ctx, &models.Note{ID: "a", Type: models.TypeTemplate, References: []string{"b"}})

	if got := resultText(callTool(t, srv, "get_backlinks", map[string]interface{}{"id": "b"})); got != "a" {
		t.Errorf("backlinks = %q, want a", got)
	}
	if got := resultText(callTool(t, srv, "get_backlinks", map[string]interface{}{"id": "a"})); !strings.HasPrefix(got, "no notes reference") {
		t.Errorf("backlinks = %q", got)
	}
}

func TestGetNoteModel(t *testing.T) {
	srv, _ := testServer(t)
	if got := resultText(callTool(t, srv, "get_note_model", map[string]interface{}{})); got != NoteModelContract {
		t.Error("note model mismatch")
	}
}

func TestFetchToSandboxDataURI(t *testing.T) {
	srv, rt := testServer(t)
	uri := "data:text/markdown;base64," + base64.StdEncoding.EncodeToString([]byte("# fetched"))

	r := callTool(t, srv, "fetch_to_sandbox", map[string]interface{}{"url": uri, "filename": "../notes/fetched.md"})
	if r.IsError {
		t.Fatalf("fetch failed: %s", resultText(r))
	}
	var res fetchResult
	_ = json.Unmarshal([]byte(resultText(r)), &res)
	if res.Filename != "fetched.md" || res.Size != 9 {
		t.Errorf("result = %+v", res)
	}
	data, err := os.ReadFile(filepath.Join(rt.Engine().SandboxRoot(), "fetched.md"))
	if err != nil || string(data) != "# fetched" {
		t.Errorf("file = %q, %v", data, err)
	}

	// Second fetch to the same name is refused.
	if r := callTool(t, srv, "fetch_to_sandbox", map[string]interface{}{"url": uri, "filename": "fetched.md"}); !r.IsError {
		t.Error("expected error for existing file")
	}
}

func TestFetchToSandboxRejects(t *testing.T) {
	srv, _ := testServer(t)
	tests := []struct {
		name string
		args map[string]interface{}
	}{
		{"image mime", map[string]interface{}{"url": "data:image/png;base64,iVBORw0KGgo="}},
		{"bad extension", map[string]interface{}{"url": "data:text/plain;base64,aGk=", "filename": "run.sh"}},
		{"not base64", map[string]interface{}{"url": "data:text/plain,hi"}},
		{"scheme", map[string]interface{}{"url": "ftp://example.com/a.txt"}},
		{"loopback", map[string]interface{}{"url": "http://127.0.0.1/a.txt"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if r := callTool(t, srv, "fetch_to_sandbox", tt.args); !r.IsError {
				t.Errorf("expected error, got %q", resultText(r))
			}
		})
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct{ in, want string }{
		{"notes.md", "notes.md"},
		{"dir/sub/notes.md", "notes.md"},
		{"we ird$name.txt", "we_ird_name.txt"},
	}
	for _, tt := range tests {
		if got := sanitizeFilename(tt.in); got != tt.want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := sanitizeFilename(".."); !strings.HasSuffix(got, ".txt") || got == ".." {
		t.Errorf("sanitizeFilename(..) = %q", got)
	}
}
