package toolexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/starford/notegraph/internal/activity"
	"github.com/starford/notegraph/internal/apperr"
	"github.com/starford/notegraph/internal/models"
)

// NoteGetter resolves Tool notes by id.
type NoteGetter interface {
	Get(ctx context.Context, id string) (*models.Note, error)
}

// Searcher produces the search context for tools flagged requiresWebSearch.
type Searcher interface {
	Search(ctx context.Context, query string) (string, error)
}

// Binding describes one registered tool for listings.
type Binding struct {
	ToolID  string `json:"toolId"`
	Kind    string `json:"kind"`
	BuiltIn bool   `json:"builtIn"`
}

// Registry holds runtime tool bindings and executes tools.
type Registry struct {
	notes    NoteGetter
	client   *http.Client
	searcher Searcher
	log      *activity.Log
	logger   *slog.Logger

	mu       sync.RWMutex
	bindings map[string]Descriptor
	builtins map[string]Descriptor
}

// Option configures a Registry.
type Option func(*Registry)

// WithHTTPClient sets the client used by HTTP descriptors without their own.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Registry) { r.client = c }
}

// WithSearcher enables the search-augmented path.
func WithSearcher(s Searcher) Option {
	return func(r *Registry) { r.searcher = s }
}

// WithActivityLog records every execution to l.
func WithActivityLog(l *activity.Log) Option {
	return func(r *Registry) { r.log = l }
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithBuiltin recognizes id as a built-in tool with descriptor d. Built-ins
// apply when no explicit binding exists for the id.
func WithBuiltin(id string, d Descriptor) Option {
	return func(r *Registry) { r.builtins[id] = d }
}

// NewRegistry creates a registry resolving Tool notes through notes.
func NewRegistry(notes NoteGetter, opts ...Option) *Registry {
	r := &Registry{
		notes:    notes,
		client:   http.DefaultClient,
		logger:   slog.Default(),
		bindings: make(map[string]Descriptor),
		builtins: make(map[string]Descriptor),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds d to toolID, replacing any prior binding.
func (r *Registry) Register(toolID string, d Descriptor) error {
	if toolID == "" {
		return apperr.NewValidation("tool id is required")
	}
	if err := validateDescriptor(d); err != nil {
		return err
	}
	r.mu.Lock()
	r.bindings[toolID] = d
	r.mu.Unlock()
	r.logger.Debug("tool registered", slog.String("tool_id", toolID), slog.String("kind", d.kind()))
	return nil
}

// Unregister drops an explicit binding. Built-ins are unaffected.
func (r *Registry) Unregister(toolID string) {
	r.mu.Lock()
	delete(r.bindings, toolID)
	r.mu.Unlock()
}

// Lookup returns the descriptor that would run for toolID.
func (r *Registry) Lookup(toolID string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.bindings[toolID]; ok {
		return d, true
	}
	d, ok := r.builtins[toolID]
	return d, ok
}

// IsBuiltin reports whether toolID is a recognized built-in.
func (r *Registry) IsBuiltin(toolID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builtins[toolID]
	return ok
}

// Builtins returns the ids of the built-in tools, sorted.
func (r *Registry) Builtins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.builtins))
	for id := range r.builtins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Bindings lists explicit and built-in bindings, sorted by id.
func (r *Registry) Bindings() []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var out []Binding
	for id, d := range r.bindings {
		_, builtin := r.builtins[id]
		out = append(out, Binding{ToolID: id, Kind: d.kind(), BuiltIn: builtin})
		seen[id] = true
	}
	for id, d := range r.builtins {
		if !seen[id] {
			out = append(out, Binding{ToolID: id, Kind: d.kind(), BuiltIn: true})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToolID < out[j].ToolID })
	return out
}

// Execute resolves the Tool note and runs its bound descriptor with input.
// Every failure is returned as an *apperr.Error.
func (r *Registry) Execute(ctx context.Context, toolID string, input any) (any, error) {
	note, err := r.notes.Get(ctx, toolID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.NewNotFound("tool", toolID)
		}
		return nil, err
	}
	if !note.IsTool() {
		return nil, apperr.NewValidation(fmt.Sprintf("note %s is not a Tool", toolID))
	}

	d, ok := r.Lookup(toolID)
	if !ok {
		return nil, r.record(toolID, nil, apperr.NewUnregistered(toolID))
	}

	if note.RequiresWebSearch && r.searcher != nil {
		input, err = r.augment(ctx, input)
		if err != nil {
			return nil, r.record(toolID, d, err)
		}
	}

	out, err := r.dispatch(ctx, note, d, input)
	return out, r.record(toolID, d, err)
}

// dispatch runs d. A panic inside the tool becomes an EXECUTION error so one
// broken tool cannot take the process down.
func (r *Registry) dispatch(ctx context.Context, note *models.Note, d Descriptor, input any) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked", slog.String("tool_id", note.ID), slog.Any("panic", p))
			out, err = nil, apperr.NewExecution(fmt.Errorf("tool %s panicked: %v", note.ID, p))
		}
	}()

	switch d := d.(type) {
	case Function:
		out, err := d.Fn(ctx, input)
		if err != nil {
			return nil, asExecution(err)
		}
		return out, nil
	case Chain:
		out, err := d.Handle.Invoke(ctx, input)
		if err != nil {
			return nil, asExecution(err)
		}
		return out, nil
	case HTTP:
		client := d.Client
		if client == nil {
			client = r.client
		}
		return callHTTP(ctx, client, note, input)
	case SandboxFile:
		out, err := d.Tool.Execute(ctx, input)
		if err != nil {
			return nil, err
		}
		return out, nil
	default:
		return nil, apperr.NewValidation(fmt.Sprintf("unsupported descriptor %T", d))
	}
}

func (r *Registry) augment(ctx context.Context, input any) (any, error) {
	query, err := queryText(input)
	if err != nil {
		return nil, apperr.NewValidation("search query: " + err.Error())
	}
	results, err := r.searcher.Search(ctx, query)
	if err != nil {
		return nil, asExecution(fmt.Errorf("web search: %w", err))
	}
	return map[string]any{"input": input, "searchResults": results}, nil
}

// record writes an activity entry and returns err unchanged.
func (r *Registry) record(toolID string, d Descriptor, err error) error {
	if r.log == nil {
		return err
	}
	if err != nil {
		r.log.Add(activity.Entry{
			Kind:    activity.KindToolFailed,
			ToolID:  toolID,
			Message: err.Error(),
			Details: map[string]any{"kind": KindOf(d), "code": codeOf(err)},
		})
		return err
	}
	r.log.Add(activity.Entry{
		Kind:    activity.KindToolExecuted,
		ToolID:  toolID,
		Message: fmt.Sprintf("tool %s executed", toolID),
		Details: map[string]any{"kind": KindOf(d)},
	})
	return nil
}

func validateDescriptor(d Descriptor) error {
	switch d := d.(type) {
	case Function:
		if d.Fn == nil {
			return apperr.NewValidation("function descriptor requires Fn")
		}
	case Chain:
		if d.Handle == nil {
			return apperr.NewValidation("chain descriptor requires Handle")
		}
	case HTTP:
	case SandboxFile:
		if d.Tool == nil {
			return apperr.NewValidation("sandbox descriptor requires Tool")
		}
	default:
		return apperr.NewValidation("descriptor is required")
	}
	return nil
}

// asExecution keeps typed errors and wraps anything else as EXECUTION.
func asExecution(err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperr.NewExecution(err)
}

func codeOf(err error) string {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return string(ae.Code)
	}
	return ""
}
