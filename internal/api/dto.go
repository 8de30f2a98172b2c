package api

import (
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/notegraph/internal/activity"
	"github.com/starford/notegraph/internal/models"
)

// NoteListResponse wraps note listings.
type NoteListResponse struct {
	Notes []*models.Note `json:"notes" validate:"required"`
	Total int            `json:"total" example:"42" validate:"required"`
}

// RegisterToolRequest describes an HTTP tool to create and bind.
type RegisterToolRequest struct {
	ID                string            `json:"id" example:"weather"`
	Title             string            `json:"title" example:"Weather lookup"`
	Description       string            `json:"description"`
	URL               string            `json:"url" example:"https://example.com/weather" validate:"required"`
	Method            string            `json:"method" example:"POST"`
	Headers           map[string]string `json:"headers,omitempty"`
	RequiresWebSearch bool              `json:"requiresWebSearch"`
}

// Validate checks the request before a note is created for it.
func (r *RegisterToolRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.URL, validation.Required, validation.By(httpURL)),
		validation.Field(&r.Method, validation.In("", "GET", "POST", "PUT", "PATCH", "DELETE", "HEAD")),
	)
}

func httpURL(v any) error {
	s, _ := v.(string)
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		return validation.NewError("validation_is_http_url", "must be an http(s) URL")
	}
	return nil
}

// note builds the Tool note for the request.
func (r *RegisterToolRequest) note() *models.Note {
	cfg := map[string]any{}
	if r.Method != "" {
		cfg["method"] = r.Method
	}
	if len(r.Headers) > 0 {
		headers := make(map[string]any, len(r.Headers))
		for k, v := range r.Headers {
			headers[k] = v
		}
		cfg["headers"] = headers
	}
	return &models.Note{
		ID:                r.ID,
		Type:              models.TypeTool,
		Title:             r.Title,
		Description:       r.Description,
		Logic:             r.URL,
		Config:            cfg,
		RequiresWebSearch: r.RequiresWebSearch,
	}
}

// ToolItem is a Tool note joined with its runtime binding.
type ToolItem struct {
	Note    *models.Note `json:"note" validate:"required"`
	Kind    string       `json:"kind,omitempty" example:"http"`
	BuiltIn bool         `json:"builtIn"`
	Bound   bool         `json:"bound"`
}

// ToolListResponse wraps the tool listing.
type ToolListResponse struct {
	Tools []ToolItem `json:"tools" validate:"required"`
}

// ExecuteRequest is the body of a direct tool execution.
type ExecuteRequest struct {
	Input any `json:"input"`
}

// ExecuteResponse carries the tool result.
type ExecuteResponse struct {
	Output any `json:"output"`
}

// LogsResponse wraps activity entries: newest first for limit queries,
// oldest first for after queries.
type LogsResponse struct {
	Entries []activity.Entry `json:"entries" validate:"required"`
}

// LLMResponse reports whether a model handle is configured.
type LLMResponse struct {
	Configured bool `json:"configured"`
}

// SandboxFileResponse is returned after a file is stored in the sandbox.
type SandboxFileResponse struct {
	Filename string `json:"filename" example:"report.md" validate:"required"`
	Size     int64  `json:"size" example:"12345" validate:"required"`
	URL      string `json:"url" example:"/sandbox/report.md" validate:"required"`
}
