package api

import (
	"errors"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/notegraph/internal/engine"
	"github.com/starford/notegraph/internal/sandbox"
)

const maxUploadBytes = 10 << 20 // 10 MB

// SandboxHandler serves and accepts sandbox files. Every access goes through
// the built-in file tool, so containment and the extension allow-list apply
// and each access lands in the activity log.
type SandboxHandler struct {
	rt *engine.Runtime
}

// NewSandboxHandler creates a handler over the runtime's file tool.
func NewSandboxHandler(rt *engine.Runtime) *SandboxHandler {
	return &SandboxHandler{rt: rt}
}

// sandboxPath extracts the file path after /sandbox/. Encoded slashes are
// accepted.
func sandboxPath(r *http.Request) string {
	raw := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// ServeFile handles GET /api/sandbox/*.
//
//	@Summary		Read a sandbox file
//	@Tags			sandbox
//	@Produce		plain
//	@Param			path	path	string	true	"File path relative to the sandbox root"
//	@Success		200
//	@Failure		403	{object}	errResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/sandbox/{path} [get]
func (h *SandboxHandler) ServeFile(w http.ResponseWriter, r *http.Request) {
	name := sandboxPath(r)
	out, err := h.rt.Engine().ExecuteTool(r.Context(), engine.FileToolID, sandbox.Request{
		Action:   sandbox.ActionRead,
		Filename: name,
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
			return
		}
		writeError(w, "read sandbox file", err)
		return
	}
	content, _ := out.(map[string]any)["result"].(string)

	ct := mime.TypeByExtension(path.Ext(name))
	if ct == "" {
		ct = "text/plain; charset=utf-8"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, content)
}

// Upload handles POST /api/sandbox (multipart/form-data, field "file").
// An optional "path" field places the file under a sandbox subdirectory.
//
//	@Summary		Store a file in the sandbox
//	@Tags			sandbox
//	@Accept			mpfd
//	@Produce		json
//	@Param			file	formData	file	true	"File to store"
//	@Param			path	formData	string	false	"Target directory"
//	@Success		201		{object}	SandboxFileResponse
//	@Failure		400		{object}	errResponse
//	@Failure		403		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/sandbox [post]
func (h *SandboxHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("file too large or invalid multipart"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("missing 'file' field in multipart form"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("failed to read file"))
		return
	}

	name := header.Filename
	if dir := r.FormValue("path"); dir != "" {
		name = path.Join(dir, name)
	}
	_, err = h.rt.Engine().ExecuteTool(r.Context(), engine.FileToolID, sandbox.Request{
		Action:   sandbox.ActionWrite,
		Filename: name,
		Content:  string(data),
	})
	if err != nil {
		writeError(w, "upload sandbox file", err)
		return
	}

	writeJSON(w, http.StatusCreated, SandboxFileResponse{
		Filename: name,
		Size:     int64(len(data)),
		URL:      "/sandbox/" + name,
	})
}
