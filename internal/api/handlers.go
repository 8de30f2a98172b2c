package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/notegraph/internal/apperr"
	"github.com/starford/notegraph/internal/engine"
	"github.com/starford/notegraph/internal/models"
	"github.com/starford/notegraph/internal/toolexec"
)

const defaultLogLimit = 100

// Handler holds API route handlers.
type Handler struct {
	rt *engine.Runtime
}

// NewHandler creates a new Handler.
func NewHandler(rt *engine.Runtime) *Handler {
	return &Handler{rt: rt}
}

// setETag writes the quoted entity tag of n.
func setETag(w http.ResponseWriter, n *models.Note) {
	if tag, err := engine.ETag(n); err == nil {
		w.Header().Set("ETag", `"`+tag+`"`)
	}
}

// ListNotes handles GET /api/notes.
//
//	@Summary		List notes ordered by creation time
//	@Tags			notes
//	@Produce		json
//	@Param			type	query		string	false	"Filter by type"	Enums(Task, Tool, Template)
//	@Param			status	query		string	false	"Filter by status"	Enums(pending, active, completed, failed)
//	@Success		200		{object}	NoteListResponse
//	@Security		BearerAuth
//	@Router			/notes [get]
func (h *Handler) ListNotes(w http.ResponseWriter, r *http.Request) {
	notes, err := h.rt.Engine().GetAllNotes(r.Context())
	if err != nil {
		writeError(w, "list notes", err)
		return
	}
	q := r.URL.Query()
	typ, status := q.Get("type"), q.Get("status")

	out := make([]*models.Note, 0, len(notes))
	for _, n := range notes {
		if typ != "" && string(n.Type) != typ {
			continue
		}
		if status != "" && string(n.Status) != status {
			continue
		}
		out = append(out, n)
	}
	writeJSON(w, http.StatusOK, NoteListResponse{Notes: out, Total: len(out)})
}

// GetNote handles GET /api/notes/{id}.
//
//	@Summary		Get a single note by id
//	@Tags			notes
//	@Produce		json
//	@Param			id	path		string	true	"Note id"
//	@Success		200	{object}	models.Note
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes/{id} [get]
func (h *Handler) GetNote(w http.ResponseWriter, r *http.Request) {
	note, err := h.rt.Engine().GetNote(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get note", err)
		return
	}
	setETag(w, note)
	writeJSON(w, http.StatusOK, note)
}

// CreateNote handles POST /api/notes.
//
//	@Summary		Create a new note
//	@Tags			notes
//	@Accept			json
//	@Produce		json
//	@Param			body	body		models.Note	true	"Note to create"
//	@Success		201		{object}	models.Note
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes [post]
func (h *Handler) CreateNote(w http.ResponseWriter, r *http.Request) {
	var req models.Note
	if !decodeJSON(w, r, &req) {
		return
	}
	note, err := h.rt.Engine().AddNote(r.Context(), &req)
	if err != nil {
		writeError(w, "create note", err)
		return
	}
	setETag(w, note)
	writeJSON(w, http.StatusCreated, note)
}

// UpdateNote handles PUT /api/notes/{id}.
//
//	@Summary		Replace a note with optimistic concurrency
//	@Tags			notes
//	@Accept			json
//	@Produce		json
//	@Param			id			path	string		true	"Note id"
//	@Param			If-Match	header	string		false	"ETag from a previous read"
//	@Param			body		body	models.Note	true	"Replacement note"
//	@Success		200	{object}	models.Note
//	@Failure		400	{object}	errResponse
//	@Failure		404	{object}	errResponse
//	@Failure		409	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes/{id} [put]
func (h *Handler) UpdateNote(w http.ResponseWriter, r *http.Request) {
	var req models.Note
	if !decodeJSON(w, r, &req) {
		return
	}
	req.ID = chi.URLParam(r, "id")

	// Strip surrounding quotes if present (standard ETag format).
	ifMatch := strings.Trim(r.Header.Get("If-Match"), `"`)

	note, err := h.rt.Engine().UpdateNoteIfMatch(r.Context(), &req, ifMatch)
	if err != nil {
		writeError(w, "update note", err)
		return
	}
	setETag(w, note)
	writeJSON(w, http.StatusOK, note)
}

// DeleteNote handles DELETE /api/notes/{id}.
//
//	@Summary		Delete a note (idempotent)
//	@Tags			notes
//	@Param			id	path	string	true	"Note id"
//	@Success		204	"Note deleted"
//	@Security		BearerAuth
//	@Router			/notes/{id} [delete]
func (h *Handler) DeleteNote(w http.ResponseWriter, r *http.Request) {
	if err := h.rt.Engine().DeleteNote(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, "delete note", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RequeueNote handles POST /api/notes/{id}/requeue.
//
//	@Summary		Reset a finished task to pending
//	@Tags			notes
//	@Produce		json
//	@Param			id	path		string	true	"Task id"
//	@Success		200	{object}	models.Note
//	@Failure		400	{object}	errResponse
//	@Failure		404	{object}	errResponse
//	@Failure		409	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes/{id}/requeue [post]
func (h *Handler) RequeueNote(w http.ResponseWriter, r *http.Request) {
	note, err := h.rt.Engine().Requeue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "requeue note", err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

// ListTools handles GET /api/tools.
//
//	@Summary		List Tool notes with their runtime bindings
//	@Tags			tools
//	@Produce		json
//	@Success		200	{object}	ToolListResponse
//	@Security		BearerAuth
//	@Router			/tools [get]
func (h *Handler) ListTools(w http.ResponseWriter, r *http.Request) {
	eng := h.rt.Engine()
	notes, err := eng.GetAllNotes(r.Context())
	if err != nil {
		writeError(w, "list tools", err)
		return
	}
	bindings := make(map[string]toolexec.Binding)
	for _, b := range eng.Tools() {
		bindings[b.ToolID] = b
	}

	items := make([]ToolItem, 0)
	for _, n := range notes {
		if !n.IsTool() {
			continue
		}
		b, ok := bindings[n.ID]
		items = append(items, ToolItem{Note: n, Kind: b.Kind, BuiltIn: b.BuiltIn, Bound: ok})
	}
	writeJSON(w, http.StatusOK, ToolListResponse{Tools: items})
}

// RegisterTool handles POST /api/tools.
//
//	@Summary		Create an HTTP tool and bind it
//	@Tags			tools
//	@Accept			json
//	@Produce		json
//	@Param			body	body		RegisterToolRequest	true	"Tool definition"
//	@Success		201		{object}	models.Note
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/tools [post]
func (h *Handler) RegisterTool(w http.ResponseWriter, r *http.Request) {
	var req RegisterToolRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Method = strings.ToUpper(req.Method)
	if err := req.Validate(); err != nil {
		writeError(w, "register tool", apperr.NewValidation(err.Error()))
		return
	}

	note, err := h.rt.Engine().AddNote(r.Context(), req.note())
	if err != nil {
		writeError(w, "register tool", err)
		return
	}
	if err := h.rt.RegisterToolDefinition(note.ID, toolexec.HTTP{}); err != nil {
		writeError(w, "register tool", err)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

// UnregisterTool handles DELETE /api/tools/{id}.
//
//	@Summary		Remove a tool's runtime binding (the note is kept)
//	@Tags			tools
//	@Param			id	path	string	true	"Tool id"
//	@Success		204
//	@Failure		400	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/tools/{id} [delete]
func (h *Handler) UnregisterTool(w http.ResponseWriter, r *http.Request) {
	if err := h.rt.UnregisterToolDefinition(chi.URLParam(r, "id")); err != nil {
		writeError(w, "unregister tool", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ExecuteTool handles POST /api/tools/{id}/execute.
//
//	@Summary		Run a tool directly, outside the scheduler
//	@Tags			tools
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string			true	"Tool id"
//	@Param			body	body		ExecuteRequest	true	"Tool input"
//	@Success		200		{object}	ExecuteResponse
//	@Failure		403		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Failure		500		{object}	errResponse
//	@Failure		502		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/tools/{id}/execute [post]
func (h *Handler) ExecuteTool(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	out, err := h.rt.Engine().ExecuteTool(r.Context(), chi.URLParam(r, "id"), req.Input)
	if err != nil {
		writeError(w, "execute tool", err)
		return
	}
	writeJSON(w, http.StatusOK, ExecuteResponse{Output: out})
}

// GetSettings handles GET /api/settings.
//
//	@Summary		Current engine settings
//	@Tags			settings
//	@Produce		json
//	@Success		200	{object}	engine.Settings
//	@Security		BearerAuth
//	@Router			/settings [get]
func (h *Handler) GetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.rt.Settings())
}

// UpdateSettings handles PUT /api/settings.
//
//	@Summary		Apply engine settings
//	@Description	A persistence toggle rebuilds the engine on the other backend.
//	@Tags			settings
//	@Accept			json
//	@Produce		json
//	@Param			body	body		engine.Settings	true	"New settings"
//	@Success		200		{object}	engine.Settings
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/settings [put]
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req engine.Settings
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.rt.ApplySettings(r.Context(), req); err != nil {
		writeError(w, "update settings", err)
		return
	}
	writeJSON(w, http.StatusOK, h.rt.Settings())
}

// Logs handles GET /api/logs.
//
//	@Summary		Recent activity entries
//	@Tags			logs
//	@Produce		json
//	@Param			limit	query		int	false	"Max entries"
//	@Param			after	query		int	false	"Only entries with a greater id"
//	@Success		200		{object}	LogsResponse
//	@Security		BearerAuth
//	@Router			/logs [get]
func (h *Handler) Logs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	log := h.rt.Engine().Activity()

	if after := q.Get("after"); after != "" {
		id, err := strconv.ParseInt(after, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'after' must be an integer"))
			return
		}
		writeJSON(w, http.StatusOK, LogsResponse{Entries: log.Since(id)})
		return
	}

	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = defaultLogLimit
	}
	writeJSON(w, http.StatusOK, LogsResponse{Entries: log.Recent(limit)})
}

// LLM handles GET /api/llm.
//
//	@Summary		Whether a language model is configured
//	@Tags			settings
//	@Produce		json
//	@Success		200	{object}	LLMResponse
//	@Security		BearerAuth
//	@Router			/llm [get]
func (h *Handler) LLM(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, LLMResponse{Configured: h.rt.Engine().LLM() != nil})
}
