package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/starford/notegraph/internal/engine"
	"github.com/starford/notegraph/internal/models"
	"github.com/starford/notegraph/internal/sandbox"
	"github.com/starford/notegraph/internal/testutil"
)

// testEnv builds a runtime on temp dirs and a router over it.
// An empty authToken means disabled mode.
func testEnv(t *testing.T, authToken string) (*engine.Runtime, http.Handler) {
	t.Helper()
	return testEnvFull(t, authToken != "", authToken, nil)
}

func testEnvFull(t *testing.T, authEnabled bool, authToken string, sseHandler http.Handler) (*engine.Runtime, http.Handler) {
	t.Helper()
	dir := t.TempDir()
	rt, err := engine.NewRuntime(context.Background(), engine.Options{
		SandboxRoot:      filepath.Join(dir, "sandbox"),
		SQLitePath:       filepath.Join(dir, "notegraph.db"),
		ConcurrencyLimit: 2,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Close(ctx)
	})
	return rt, NewRouter(rt, authEnabled, authToken, sseHandler)
}

func do(t *testing.T, router http.Handler, method, target string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, rd)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestCreateAndGetNote(t *testing.T) {
	_, router := testEnv(t, "")

	w := do(t, router, http.MethodPost, "/notes", map[string]any{"type": "Template", "title": "Hello", "content": "World"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	created := decode[models.Note](t, w)
	if created.ID == "" || created.CreatedAt.IsZero() {
		t.Fatalf("id/createdAt not assigned: %+v", created)
	}
	if w.Header().Get("ETag") == "" {
		t.Error("create response missing ETag")
	}

	w = do(t, router, http.MethodGet, "/notes/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	got := decode[models.Note](t, w)
	if got.Title != "Hello" || got.Content != "World" {
		t.Errorf("note = %+v", got)
	}
	if got.References == nil {
		t.Error("references should decode as an empty list")
	}
}

func TestCreateDuplicate(t *testing.T) {
	_, router := testEnv(t, "")
	body := map[string]any{"id": "dup", "type": "Template"}

	if w := do(t, router, http.MethodPost, "/notes", body); w.Code != http.StatusCreated {
		t.Fatalf("first create = %d", w.Code)
	}
	w := do(t, router, http.MethodPost, "/notes", body)
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate create = %d, want 409", w.Code)
	}
	if e := decode[errResponse](t, w); e.Code != "CONFLICT" {
		t.Errorf("code = %q", e.Code)
	}
}

func TestCreateInvalid(t *testing.T) {
	_, router := testEnv(t, "")

	tests := []struct {
		name string
		body any
	}{
		{"missing type", map[string]any{"title": "x"}},
		{"unknown type", map[string]any{"type": "Widget"}},
		{"unknown status", map[string]any{"type": "Task", "status": "paused"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, router, http.MethodPost, "/notes", tt.body); w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/notes", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body = %d, want 400", w.Code)
	}
}

func TestUpdateWithOptimisticLocking(t *testing.T) {
	_, router := testEnv(t, "")

	w := do(t, router, http.MethodPost, "/notes", map[string]any{"id": "lock", "type": "Template", "title": "v1"})
	etag := w.Header().Get("ETag")
	note := decode[models.Note](t, w)

	note.Title = "v2"
	w = do(t, router, http.MethodPut, "/notes/lock", note, "If-Match", etag)
	if w.Code != http.StatusOK {
		t.Fatalf("update with matching etag = %d, body = %s", w.Code, w.Body.String())
	}
	updated := decode[models.Note](t, w)
	if updated.Title != "v2" || updated.UpdatedAt == nil {
		t.Errorf("updated = %+v", updated)
	}
	if !updated.CreatedAt.Equal(note.CreatedAt) {
		t.Errorf("createdAt changed: %v -> %v", note.CreatedAt, updated.CreatedAt)
	}

	// The first etag is now stale.
	note.Title = "v3"
	if w := do(t, router, http.MethodPut, "/notes/lock", note, "If-Match", etag); w.Code != http.StatusConflict {
		t.Errorf("update with stale etag = %d, want 409", w.Code)
	}
}

func TestUpdateWithoutIfMatch(t *testing.T) {
	_, router := testEnv(t, "")
	do(t, router, http.MethodPost, "/notes", map[string]any{"id": "free", "type": "Template"})

	w := do(t, router, http.MethodPut, "/notes/free", map[string]any{"type": "Template", "title": "edited"})
	if w.Code != http.StatusOK {
		t.Fatalf("update = %d", w.Code)
	}
	if got := decode[models.Note](t, w); got.ID != "free" || got.Title != "edited" {
		t.Errorf("note = %+v", got)
	}
}

func TestUpdateNote_NotFound(t *testing.T) {
	_, router := testEnv(t, "")
	if w := do(t, router, http.MethodPut, "/notes/ghost", map[string]any{"type": "Template"}); w.Code != http.StatusNotFound {
		t.Errorf("update missing = %d, want 404", w.Code)
	}
}

func TestGetNote_NotFound(t *testing.T) {
	_, router := testEnv(t, "")
	w := do(t, router, http.MethodGet, "/notes/ghost", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get missing = %d, want 404", w.Code)
	}
	if e := decode[errResponse](t, w); e.Code != "NOT_FOUND" {
		t.Errorf("code = %q", e.Code)
	}
}

func TestDeleteNoteIdempotent(t *testing.T) {
	_, router := testEnv(t, "")
	do(t, router, http.MethodPost, "/notes", map[string]any{"id": "gone", "type": "Template"})

	for i := range 2 {
		if w := do(t, router, http.MethodDelete, "/notes/gone", nil); w.Code != http.StatusNoContent {
			t.Errorf("delete #%d = %d, want 204", i+1, w.Code)
		}
	}
	if w := do(t, router, http.MethodGet, "/notes/gone", nil); w.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d", w.Code)
	}
}

func TestListNotesFilter(t *testing.T) {
	_, router := testEnv(t, "")
	do(t, router, http.MethodPost, "/notes", map[string]any{"id": "t1", "type": "Template"})
	do(t, router, http.MethodPost, "/notes", map[string]any{"id": "t2", "type": "Template"})

	w := do(t, router, http.MethodGet, "/notes?type=Template", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list = %d", w.Code)
	}
	resp := decode[NoteListResponse](t, w)
	if resp.Total != 2 || resp.Notes[0].ID != "t1" || resp.Notes[1].ID != "t2" {
		t.Errorf("list = %+v", resp)
	}

	// The seeded file tool shows up unfiltered.
	all := decode[NoteListResponse](t, do(t, router, http.MethodGet, "/notes", nil))
	if all.Total != 3 {
		t.Errorf("total = %d, want 3", all.Total)
	}
}

func TestRequeueNonTask(t *testing.T) {
	_, router := testEnv(t, "")
	do(t, router, http.MethodPost, "/notes", map[string]any{"id": "tmpl", "type": "Template"})

	if w := do(t, router, http.MethodPost, "/notes/tmpl/requeue", nil); w.Code != http.StatusBadRequest {
		t.Errorf("requeue template = %d, want 400", w.Code)
	}
	if w := do(t, router, http.MethodPost, "/notes/ghost/requeue", nil); w.Code != http.StatusNotFound {
		t.Errorf("requeue missing = %d, want 404", w.Code)
	}
}

func TestRegisterHTTPToolAndRunTask(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Key") != "k1" {
			http.Error(w, "missing key", http.StatusUnauthorized)
			return
		}
		var in map[string]any
		_ = json.NewDecoder(r.Body).Decode(&in)
		_ = json.NewEncoder(w).Encode(map[string]any{"echo": in["input"]})
	}))
	defer upstream.Close()

	_, router := testEnv(t, "")
	w := do(t, router, http.MethodPost, "/tools", RegisterToolRequest{
		ID:      "echo-api",
		URL:     upstream.URL,
		Method:  "post",
		Headers: map[string]string{"X-Key": "k1"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register = %d, body = %s", w.Code, w.Body.String())
	}

	w = do(t, router, http.MethodPost, "/tools/echo-api/execute", ExecuteRequest{Input: map[string]any{"input": "ping"}})
	if w.Code != http.StatusOK {
		t.Fatalf("execute = %d, body = %s", w.Code, w.Body.String())
	}
	out := decode[ExecuteResponse](t, w)
	if out.Output.(map[string]any)["echo"] != "ping" {
		t.Errorf("output = %v", out.Output)
	}

	tools := decode[ToolListResponse](t, do(t, router, http.MethodGet, "/tools", nil))
	var found bool
	for _, it := range tools.Tools {
		if it.Note.ID == "echo-api" {
			found = it.Bound && it.Kind == "http" && !it.BuiltIn
		}
	}
	if !found {
		t.Errorf("tool listing = %+v", tools)
	}

	// A task referencing the tool is picked up by the scheduler.
	w = do(t, router, http.MethodPost, "/notes", map[string]any{"id": "job", "type": "Task", "content": "pong", "references": []string{"echo-api"}})
	if w.Code != http.StatusCreated {
		t.Fatalf("create task = %d", w.Code)
	}
	testutil.Eventually(t, 3*time.Second, 10*time.Millisecond, func() bool {
		n := decode[models.Note](t, do(t, router, http.MethodGet, "/notes/job", nil))
		return n.Status == models.StatusCompleted
	}, "task should complete")
}

func TestRegisterToolInvalid(t *testing.T) {
	_, router := testEnv(t, "")
	tests := []struct {
		name string
		req  RegisterToolRequest
	}{
		{"missing url", RegisterToolRequest{ID: "a"}},
		{"not http", RegisterToolRequest{ID: "b", URL: "ftp://example.com"}},
		{"bad method", RegisterToolRequest{ID: "c", URL: "http://example.com", Method: "BREW"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, router, http.MethodPost, "/tools", tt.req); w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestUnregisterTool(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	rt, router := testEnv(t, "")
	if w := do(t, router, http.MethodPost, "/tools", RegisterToolRequest{ID: "hook", URL: upstream.URL}); w.Code != http.StatusCreated {
		t.Fatalf("register = %d", w.Code)
	}

	if w := do(t, router, http.MethodDelete, "/tools/hook", nil); w.Code != http.StatusNoContent {
		t.Fatalf("unregister = %d, body = %s", w.Code, w.Body.String())
	}
	w := do(t, router, http.MethodPost, "/tools/hook/execute", ExecuteRequest{})
	if w.Code != http.StatusNotFound || decode[errResponse](t, w).Code != "UNREGISTERED" {
		t.Errorf("execute after unregister = %d %s", w.Code, w.Body.String())
	}
	if w := do(t, router, http.MethodGet, "/notes/hook", nil); w.Code != http.StatusOK {
		t.Errorf("tool note should survive unregister, got %d", w.Code)
	}

	// Repeating is harmless.
	if w := do(t, router, http.MethodDelete, "/tools/hook", nil); w.Code != http.StatusNoContent {
		t.Errorf("second unregister = %d", w.Code)
	}
	if w := do(t, router, http.MethodDelete, "/tools/"+engine.FileToolID, nil); w.Code != http.StatusBadRequest {
		t.Errorf("unregister built-in = %d, want 400", w.Code)
	}

	// The binding stays gone after a rebuild.
	if err := rt.ApplySettings(context.Background(), engine.Settings{ConcurrencyLimit: 2, Persistent: true}); err != nil {
		t.Fatal(err)
	}
	for _, b := range rt.Engine().Tools() {
		if b.ToolID == "hook" {
			t.Error("unregistered tool re-bound after rebuild")
		}
	}
}

func TestExecuteToolErrors(t *testing.T) {
	_, router := testEnv(t, "")
	do(t, router, http.MethodPost, "/notes", map[string]any{"id": "unbound", "type": "Tool"})

	w := do(t, router, http.MethodPost, "/tools/unbound/execute", ExecuteRequest{})
	if w.Code != http.StatusNotFound || decode[errResponse](t, w).Code != "UNREGISTERED" {
		t.Errorf("unregistered = %d %s", w.Code, w.Body.String())
	}

	w = do(t, router, http.MethodPost, "/tools/"+engine.FileToolID+"/execute", ExecuteRequest{
		Input: map[string]any{"action": "read", "filename": "../etc/passwd"},
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("escape = %d, want 403", w.Code)
	}
	if e := decode[errResponse](t, w); e.Error != sandbox.MsgOutsideRoot {
		t.Errorf("message = %q", e.Error)
	}
}

func TestSettings(t *testing.T) {
	_, router := testEnv(t, "")

	got := decode[engine.Settings](t, do(t, router, http.MethodGet, "/settings", nil))
	if got.ConcurrencyLimit != 2 || got.Persistent {
		t.Errorf("settings = %+v", got)
	}

	w := do(t, router, http.MethodPut, "/settings", engine.Settings{ConcurrencyLimit: 4})
	if w.Code != http.StatusOK {
		t.Fatalf("put settings = %d", w.Code)
	}
	if got := decode[engine.Settings](t, w); got.ConcurrencyLimit != 4 {
		t.Errorf("limit = %d", got.ConcurrencyLimit)
	}

	if w := do(t, router, http.MethodPut, "/settings", engine.Settings{ConcurrencyLimit: 0}); w.Code != http.StatusBadRequest {
		t.Errorf("zero limit = %d, want 400", w.Code)
	}
}

func TestLogsAndLLM(t *testing.T) {
	_, router := testEnv(t, "")
	do(t, router, http.MethodPost, "/tools/"+engine.FileToolID+"/execute", ExecuteRequest{
		Input: map[string]any{"action": "write", "filename": "a.txt", "content": "x"},
	})

	logs := decode[LogsResponse](t, do(t, router, http.MethodGet, "/logs?limit=10", nil))
	if len(logs.Entries) == 0 {
		t.Fatal("no activity entries")
	}
	newest := logs.Entries[0].ID
	since := decode[LogsResponse](t, do(t, router, http.MethodGet, "/logs?after="+jsonInt(newest), nil))
	if len(since.Entries) != 0 {
		t.Errorf("entries after newest = %v", since.Entries)
	}
	if w := do(t, router, http.MethodGet, "/logs?after=x", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad after = %d", w.Code)
	}

	if llm := decode[LLMResponse](t, do(t, router, http.MethodGet, "/llm", nil)); llm.Configured {
		t.Error("llm reported configured without a model")
	}
}

func jsonInt(v int64) string {
	raw, _ := json.Marshal(v)
	return string(raw)
}

// Auth middleware tests.

func TestAuthMiddleware_ValidToken(t *testing.T) {
	_, router := testEnv(t, "secret")
	if w := do(t, router, http.MethodGet, "/notes", nil, "Authorization", "Bearer secret"); w.Code != http.StatusOK {
		t.Errorf("valid token = %d, want 200", w.Code)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	_, router := testEnv(t, "secret")
	if w := do(t, router, http.MethodGet, "/notes", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("missing token = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_WrongToken(t *testing.T) {
	_, router := testEnv(t, "secret")
	if w := do(t, router, http.MethodGet, "/notes", nil, "Authorization", "Bearer wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_ChallengeHeader(t *testing.T) {
	_, router := testEnv(t, "secret")
	w := do(t, router, http.MethodGet, "/notes", nil, "Authorization", "Basic c2VjcmV0")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("basic auth = %d, want 401", w.Code)
	}
	if got := w.Header().Get("WWW-Authenticate"); !strings.HasPrefix(got, "Bearer") {
		t.Errorf("WWW-Authenticate = %q", got)
	}
}

func TestAuthMiddleware_QueryTokenOnlyForEventStream(t *testing.T) {
	_, router := testEnv(t, "secret")
	if w := do(t, router, http.MethodGet, "/notes?access_token=secret", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("query token on JSON request = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_Disabled(t *testing.T) {
	_, router := testEnvFull(t, false, "ignored", nil)
	if w := do(t, router, http.MethodGet, "/notes", nil); w.Code != http.StatusOK {
		t.Errorf("disabled mode = %d, want 200", w.Code)
	}
}

// SSE endpoint auth tests.

// blockingSSE writes headers and blocks until the request context is done.
var blockingSSE = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	<-r.Context().Done()
})

func TestSSEEvents_AuthProtected(t *testing.T) {
	_, router := testEnvFull(t, true, "secret", blockingSSE)
	if w := do(t, router, http.MethodGet, "/events", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("SSE no auth = %d, want 401", w.Code)
	}
}

func TestSSEEvents_ValidToken(t *testing.T) {
	_, router := testEnvFull(t, true, "tok", blockingSSE)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("SSE with valid token = %d", w.Code)
	}
}

func TestSSEEvents_QueryToken(t *testing.T) {
	_, router := testEnvFull(t, true, "tok", blockingSSE)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events?access_token=tok", nil).WithContext(ctx)
	req.Header.Set("Accept", "text/event-stream")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("SSE with query token = %d", w.Code)
	}
}

// Sandbox file tests.

func uploadFile(t *testing.T, router http.Handler, filename, dir string, content []byte, withFile bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if withFile {
		part, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = io.Copy(part, bytes.NewReader(content))
	}
	if dir != "" {
		_ = mw.WriteField("path", dir)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/sandbox", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestUploadAndServeSandboxFile(t *testing.T) {
	rt, router := testEnv(t, "")

	w := uploadFile(t, router, "report.md", "reports", []byte("# Report"), true)
	if w.Code != http.StatusCreated {
		t.Fatalf("upload = %d, body = %s", w.Code, w.Body.String())
	}
	resp := decode[SandboxFileResponse](t, w)
	if resp.Filename != "reports/report.md" || resp.Size != 8 {
		t.Errorf("response = %+v", resp)
	}
	if _, err := os.Stat(filepath.Join(rt.Engine().SandboxRoot(), "reports", "report.md")); err != nil {
		t.Errorf("file not on disk: %v", err)
	}

	w = do(t, router, http.MethodGet, "/sandbox/reports/report.md", nil)
	if w.Code != http.StatusOK || w.Body.String() != "# Report" {
		t.Errorf("serve = %d %q", w.Code, w.Body.String())
	}
}

func TestServeSandboxFile_NotFound(t *testing.T) {
	_, router := testEnv(t, "")
	if w := do(t, router, http.MethodGet, "/sandbox/missing.txt", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing = %d, want 404", w.Code)
	}
}

func TestServeSandboxFile_TraversalBlocked(t *testing.T) {
	_, router := testEnv(t, "")
	if w := do(t, router, http.MethodGet, "/sandbox/..%2Fsecret.txt", nil); w.Code != http.StatusForbidden {
		t.Errorf("traversal = %d, want 403", w.Code)
	}
}

func TestUploadSandboxFile_InvalidExtension(t *testing.T) {
	_, router := testEnv(t, "")
	w := uploadFile(t, router, "run.sh", "", []byte("rm -rf /"), true)
	if w.Code != http.StatusForbidden {
		t.Fatalf("upload .sh = %d, want 403", w.Code)
	}
	if e := decode[errResponse](t, w); e.Error != sandbox.MsgInvalidExtension {
		t.Errorf("message = %q", e.Error)
	}
}

func TestUploadSandboxFile_MissingFileField(t *testing.T) {
	_, router := testEnv(t, "")
	if w := uploadFile(t, router, "", "docs", nil, false); w.Code != http.StatusBadRequest {
		t.Errorf("missing file field = %d, want 400", w.Code)
	}
}

func TestUploadSandboxFile_AuthProtected(t *testing.T) {
	_, router := testEnv(t, "secret")
	if w := uploadFile(t, router, "a.txt", "", []byte("x"), true); w.Code != http.StatusUnauthorized {
		t.Errorf("upload without token = %d, want 401", w.Code)
	}
}
