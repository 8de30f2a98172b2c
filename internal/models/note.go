// Package models defines the domain types for notegraph.
package models

import (
	"errors"
	"math"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// NoteType discriminates the kind of a note.
type NoteType string

const (
	TypeTask     NoteType = "Task"
	TypeTool     NoteType = "Tool"
	TypeTemplate NoteType = "Template"
)

// Status is the lifecycle state of a note.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Note is the single entity kind stored in the graph.
// Its JSON form is the wire and storage contract shared with UI consumers.
type Note struct {
	ID                string         `json:"id"`
	Type              NoteType       `json:"type"`
	Title             string         `json:"title"`
	Content           string         `json:"content"`
	Description       string         `json:"description"`
	Status            Status         `json:"status"`
	Priority          float64        `json:"priority"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         *time.Time     `json:"updatedAt"`
	References        []string       `json:"references"`
	RequiresWebSearch bool           `json:"requiresWebSearch"`
	InputSchema       string         `json:"inputSchema,omitempty"`
	OutputSchema      string         `json:"outputSchema,omitempty"`
	Config            map[string]any `json:"config,omitempty"`
	Logic             string         `json:"logic,omitempty"`
	ToolID            string         `json:"toolId,omitempty"`
	Output            any            `json:"output,omitempty"`
	LastError         string         `json:"lastError,omitempty"`
}

// Validate checks the structural invariants of a note.
func (n *Note) Validate() error {
	return validation.ValidateStruct(n,
		validation.Field(&n.Type, validation.Required, validation.In(TypeTask, TypeTool, TypeTemplate)),
		validation.Field(&n.Status, validation.In(StatusPending, StatusActive, StatusCompleted, StatusFailed)),
		validation.Field(&n.Priority, validation.By(finite)),
	)
}

func finite(v any) error {
	f, _ := v.(float64)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return errors.New("must be a finite number")
	}
	return nil
}

// IsTask reports whether the note is schedulable work.
func (n *Note) IsTask() bool { return n.Type == TypeTask }

// IsTool reports whether the note is an invocable capability.
func (n *Note) IsTool() bool { return n.Type == TypeTool }

// Clone returns a deep copy so callers never share mutable state with a backend.
func (n *Note) Clone() *Note {
	if n == nil {
		return nil
	}
	c := *n
	if n.UpdatedAt != nil {
		t := *n.UpdatedAt
		c.UpdatedAt = &t
	}
	if n.References != nil {
		c.References = append([]string(nil), n.References...)
	}
	if n.Config != nil {
		c.Config = cloneValue(n.Config).(map[string]any)
	}
	c.Output = cloneValue(n.Output)
	return &c
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = cloneValue(val)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = cloneValue(val)
		}
		return s
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
