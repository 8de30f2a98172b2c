package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/starford/notegraph/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", slog.String("error", err.Error()))
	}
}

type errResponse struct {
	Error   string         `json:"error" validate:"required"`
	Code    string         `json:"code,omitempty" example:"NOT_FOUND"`
	Details map[string]any `json:"details,omitempty"`
}

func errorBody(msg string) errResponse {
	return errResponse{Error: msg}
}

// writeError maps engine errors to their status. Untyped errors are logged
// and reported as a bare internal error.
func writeError(w http.ResponseWriter, op string, err error) {
	var e *apperr.Error
	if !errors.As(err, &e) {
		slog.Error(op+" failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	if e.Status >= http.StatusInternalServerError {
		slog.Warn(op+" failed", slog.String("code", string(e.Code)), slog.String("error", e.Error()))
	}
	writeJSON(w, apperr.StatusOf(err), errResponse{Error: e.Message, Code: string(e.Code), Details: e.Details})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return false
	}
	return true
}
