// Package sandbox implements the built-in file tool confined to a safe root
// directory and a fixed extension allow-list.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/starford/notegraph/internal/apperr"
)

// Error messages returned verbatim to callers.
const (
	MsgOutsideRoot      = "Filename is outside the safe directory."
	MsgInvalidExtension = "Invalid file extension. Allowed extensions are: .txt, .md, .json, .js"
)

// Actions understood by the tool.
const (
	ActionRead            = "read"
	ActionWrite           = "write"
	ActionCreateDirectory = "createDirectory"
	ActionDeleteFile      = "deleteFile"
)

// AllowedExtensions is the fixed allow-list for read and write.
var AllowedExtensions = []string{".txt", ".md", ".json", ".js"}

// Request is the decoded tool input.
type Request struct {
	Action   string `json:"action"`
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// Tool performs file operations under root.
type Tool struct {
	root string // absolute, symlinks resolved
}

// New creates a file tool rooted at dir, creating the directory if needed.
func New(dir string) (*Tool, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("sandbox: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("sandbox: create root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("sandbox: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("sandbox: root is not a directory: %s", abs)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("sandbox: resolve root: %w", err)
	}
	return &Tool{root: real}, nil
}

// Root returns the absolute safe directory.
func (t *Tool) Root() string { return t.root }

// Execute decodes input into a Request and runs it. input may be a Request,
// a map, or any JSON-encodable value with the Request shape.
func (t *Tool) Execute(ctx context.Context, input any) (map[string]any, error) {
	req, err := decodeRequest(input)
	if err != nil {
		return nil, err
	}
	return t.Do(ctx, req)
}

// Do runs a single request.
func (t *Tool) Do(_ context.Context, req Request) (map[string]any, error) {
	abs, err := t.safePath(req.Filename)
	if err != nil {
		return nil, err
	}

	switch req.Action {
	case ActionRead:
		if !allowedExt(abs) {
			return nil, apperr.NewSandboxViolation(MsgInvalidExtension)
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return nil, apperr.NewExecution(fmt.Errorf("sandbox: read %s: %w", req.Filename, err))
		}
		return result(string(data)), nil

	case ActionWrite:
		if !allowedExt(abs) {
			return nil, apperr.NewSandboxViolation(MsgInvalidExtension)
		}
		if err := writeAtomic(abs, []byte(req.Content)); err != nil {
			return nil, apperr.NewExecution(err)
		}
		return result("File written successfully"), nil

	case ActionCreateDirectory:
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return nil, apperr.NewExecution(fmt.Errorf("sandbox: mkdir %s: %w", req.Filename, err))
		}
		return result("Directory created successfully"), nil

	case ActionDeleteFile:
		if abs == t.root {
			return nil, apperr.NewSandboxViolation(MsgOutsideRoot)
		}
		if err := os.Remove(abs); err != nil {
			return nil, apperr.NewExecution(fmt.Errorf("sandbox: delete %s: %w", req.Filename, err))
		}
		return result("File deleted successfully"), nil

	default:
		return nil, apperr.NewValidation(fmt.Sprintf("unknown file action %q", req.Action))
	}
}

// safePath resolves filename against the root and rejects any result that
// escapes it. Any ".." segment is rejected outright, even if it would land
// back inside the root. Symlinks are followed before the containment check,
// so a link inside the root cannot point outside it.
func (t *Tool) safePath(filename string) (string, error) {
	if filename == "" {
		return "", apperr.NewValidation("filename is required")
	}
	for _, seg := range strings.FieldsFunc(filename, isSeparator) {
		if seg == ".." {
			return "", apperr.NewSandboxViolation(MsgOutsideRoot)
		}
	}

	var abs string
	if filepath.IsAbs(filename) {
		abs = filepath.Clean(filename)
	} else {
		abs = filepath.Join(t.root, filename)
	}
	if !within(abs, t.root) {
		return "", apperr.NewSandboxViolation(MsgOutsideRoot)
	}

	real, err := resolveExisting(abs)
	if err != nil {
		return "", apperr.NewExecution(fmt.Errorf("sandbox: resolve %s: %w", filename, err))
	}
	if !within(real, t.root) {
		return "", apperr.NewSandboxViolation(MsgOutsideRoot)
	}
	return real, nil
}

func within(path, root string) bool {
	return path == root || strings.HasPrefix(path, root+string(os.PathSeparator))
}

// resolveExisting evaluates symlinks in the longest existing prefix of path
// and appends the elements that do not exist yet.
func resolveExisting(path string) (string, error) {
	var missing []string
	cur := path
	for {
		real, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(append([]string{real}, missing...)...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		missing = append([]string{filepath.Base(cur)}, missing...)
		cur = parent
	}
}

func isSeparator(r rune) bool {
	return r == '/' || r == '\\'
}

func allowedExt(path string) bool {
	return slices.Contains(AllowedExtensions, strings.ToLower(filepath.Ext(path)))
}

func result(v any) map[string]any {
	return map[string]any{"result": v}
}

func decodeRequest(input any) (Request, error) {
	switch v := input.(type) {
	case Request:
		return v, nil
	case *Request:
		if v == nil {
			return Request{}, apperr.NewValidation("file tool input is required")
		}
		return *v, nil
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return Request{}, apperr.NewValidation("file tool input must be an object")
	}
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}, apperr.NewValidation("file tool input must be an object")
	}
	return req, nil
}

// writeAtomic writes content via temp file, fsync and rename.
func writeAtomic(abs string, content []byte) error {
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("sandbox: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".notegraph-tmp-*")
	if err != nil {
		return fmt.Errorf("sandbox: create temp: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("sandbox: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sandbox: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("sandbox: close temp: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return fmt.Errorf("sandbox: rename: %w", err)
	}
	success = true
	return nil
}
