package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/notegraph/internal/engine"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(rt *engine.Runtime, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(rt)
	fh := NewSandboxHandler(rt)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Notes CRUD.
	r.Get("/notes", h.ListNotes)
	r.Post("/notes", h.CreateNote)
	r.Get("/notes/{id}", h.GetNote)
	r.Put("/notes/{id}", h.UpdateNote)
	r.Delete("/notes/{id}", h.DeleteNote)
	r.Post("/notes/{id}/requeue", h.RequeueNote)

	// Tools.
	r.Get("/tools", h.ListTools)
	r.Post("/tools", h.RegisterTool)
	r.Delete("/tools/{id}", h.UnregisterTool)
	r.Post("/tools/{id}/execute", h.ExecuteTool)

	// Engine settings and observability.
	r.Get("/settings", h.GetSettings)
	r.Put("/settings", h.UpdateSettings)
	r.Get("/logs", h.Logs)
	r.Get("/llm", h.LLM)

	// Sandbox files.
	r.Get("/sandbox/*", fh.ServeFile)
	r.Post("/sandbox", fh.Upload)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
