// Package engine wires the note store, tool registry, scheduler and
// notification bus into one explicitly constructed instance.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"

	"github.com/starford/notegraph/internal/activity"
	"github.com/starford/notegraph/internal/apperr"
	"github.com/starford/notegraph/internal/checksum"
	"github.com/starford/notegraph/internal/idgen"
	"github.com/starford/notegraph/internal/models"
	"github.com/starford/notegraph/internal/noteservice"
	"github.com/starford/notegraph/internal/notify"
	"github.com/starford/notegraph/internal/sandbox"
	"github.com/starford/notegraph/internal/scheduler"
	"github.com/starford/notegraph/internal/storage"
	"github.com/starford/notegraph/internal/toolexec"
)

// Built-in tool ids.
const (
	FileToolID      = "file-tool"
	LLMToolID       = "llm-tool"
	WebSearchToolID = "web-search"
)

// Defaults applied by New.
const (
	DefaultConcurrencyLimit = 3
	DefaultSQLitePath       = "notegraph.db"
	DefaultSandboxRoot      = "sandbox"
)

// Options configure an Engine.
type Options struct {
	// LLM is the opaque model handle; nil disables llm-tool.
	LLM              model.BaseChatModel
	SystemPrompt     string
	Persistent       bool
	SQLitePath       string
	ConcurrencyLimit int
	SandboxRoot      string
	IDScheme         string
	HTTPClient       *http.Client
	// SearchTool backs requiresWebSearch tools and the web-search built-in.
	SearchTool       tool.InvokableTool
	ActivityLog      *activity.Log
	Logger           *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.ConcurrencyLimit == 0 {
		o.ConcurrencyLimit = DefaultConcurrencyLimit
	}
	if o.SQLitePath == "" {
		o.SQLitePath = DefaultSQLitePath
	}
	if o.SandboxRoot == "" {
		o.SandboxRoot = DefaultSandboxRoot
	}
	if o.HTTPClient == nil {
		o.HTTPClient = http.DefaultClient
	}
	if o.ActivityLog == nil {
		o.ActivityLog = activity.New(activity.DefaultMaxSize)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Engine is the execution engine facade.
type Engine struct {
	opts    Options
	logger  *slog.Logger
	backend storage.Backend
	bus     *notify.Bus
	notes   *noteservice.Service
	tools   *toolexec.Registry
	files   *sandbox.Tool
	sched   *scheduler.Scheduler
	log     *activity.Log
	unkick  func()
}

// New builds an engine, binds the built-in tools and starts the scheduler.
func New(ctx context.Context, opts Options) (*Engine, error) {
	opts.applyDefaults()
	logger := opts.Logger.With("component", "engine")

	ids, err := idgen.New(opts.IDScheme)
	if err != nil {
		return nil, apperr.NewValidation(err.Error())
	}
	files, err := sandbox.New(opts.SandboxRoot)
	if err != nil {
		return nil, err
	}

	var backend storage.Backend
	if opts.Persistent {
		db, err := storage.OpenSQLite(opts.SQLitePath)
		if err != nil {
			return nil, err
		}
		backend = db
	} else {
		backend = storage.NewMemory()
	}

	bus := notify.NewBus(logger)
	notes := noteservice.NewService(backend, ids, bus, noteservice.WithLogger(logger))

	regOpts := []toolexec.Option{
		toolexec.WithHTTPClient(opts.HTTPClient),
		toolexec.WithActivityLog(opts.ActivityLog),
		toolexec.WithLogger(logger),
		toolexec.WithBuiltin(FileToolID, toolexec.SandboxFile{Tool: files}),
	}
	if opts.LLM != nil {
		regOpts = append(regOpts, toolexec.WithBuiltin(LLMToolID, toolexec.Chain{Handle: toolexec.ModelChain(opts.LLM, opts.SystemPrompt)}))
	}
	if opts.SearchTool != nil {
		regOpts = append(regOpts,
			toolexec.WithSearcher(toolexec.EinoSearcher{Tool: opts.SearchTool}),
			toolexec.WithBuiltin(WebSearchToolID, toolexec.Chain{Handle: toolexec.EinoTool(opts.SearchTool)}))
	}
	tools := toolexec.NewRegistry(notes, regOpts...)

	sched, err := scheduler.New(notes, tools, opts.ConcurrencyLimit,
		scheduler.WithActivityLog(opts.ActivityLog),
		scheduler.WithLogger(logger))
	if err != nil {
		backend.Close()
		return nil, err
	}

	e := &Engine{
		opts:    opts,
		logger:  logger,
		backend: backend,
		bus:     bus,
		notes:   notes,
		tools:   tools,
		files:   files,
		sched:   sched,
		log:     opts.ActivityLog,
	}
	if err := e.seedBuiltins(ctx); err != nil {
		backend.Close()
		return nil, err
	}

	e.unkick = bus.Subscribe(sched.Kick)
	if err := sched.Start(ctx); err != nil {
		e.unkick()
		backend.Close()
		return nil, err
	}

	logger.Info("engine started",
		slog.Bool("persistent", opts.Persistent),
		slog.Int("concurrency_limit", opts.ConcurrencyLimit),
		slog.String("sandbox_root", files.Root()),
		slog.Bool("llm", opts.LLM != nil),
		slog.Bool("web_search", opts.SearchTool != nil))
	return e, nil
}

// seedBuiltins makes sure every built-in tool has a Tool note to resolve.
func (e *Engine) seedBuiltins(ctx context.Context) error {
	builtins := map[string]*models.Note{
		FileToolID: {
			ID:          FileToolID,
			Type:        models.TypeTool,
			Title:       "File Tool",
			Description: "Read, write and delete files inside the sandbox directory.",
			InputSchema: `{"action":"read|write|createDirectory|deleteFile","filename":"string","content":"string"}`,
		},
		LLMToolID: {
			ID:          LLMToolID,
			Type:        models.TypeTool,
			Title:       "LLM Tool",
			Description: "Send the input to the configured language model.",
		},
		WebSearchToolID: {
			ID:          WebSearchToolID,
			Type:        models.TypeTool,
			Title:       "Web Search",
			Description: "Search the web with the configured search endpoint.",
			InputSchema: `{"query":"string"}`,
		},
	}
	for _, id := range e.tools.Builtins() {
		n, ok := builtins[id]
		if !ok {
			continue
		}
		if _, err := e.notes.Get(ctx, id); err == nil {
			continue
		} else if !errors.Is(err, apperr.ErrNotFound) {
			return err
		}
		if _, err := e.notes.Add(ctx, n); err != nil && !errors.Is(err, apperr.ErrConflict) {
			return fmt.Errorf("engine: seed %s: %w", id, err)
		}
	}
	return nil
}

// AddNote stores a new note.
func (e *Engine) AddNote(ctx context.Context, n *models.Note) (*models.Note, error) {
	return e.notes.Add(ctx, n)
}

// GetNote returns the note with id.
func (e *Engine) GetNote(ctx context.Context, id string) (*models.Note, error) {
	return e.notes.Get(ctx, id)
}

// UpdateNote replaces a note wholesale.
func (e *Engine) UpdateNote(ctx context.Context, n *models.Note) (*models.Note, error) {
	return e.notes.Update(ctx, n)
}

// UpdateNoteIfMatch replaces a note only when its current ETag equals etag.
// An empty etag behaves like UpdateNote.
func (e *Engine) UpdateNoteIfMatch(ctx context.Context, n *models.Note, etag string) (*models.Note, error) {
	if etag == "" {
		return e.UpdateNote(ctx, n)
	}
	if n == nil || n.ID == "" {
		return nil, apperr.NewValidation("note id is required")
	}
	return e.notes.Mutate(ctx, n.ID, func(cur *models.Note) error {
		tag, err := ETag(cur)
		if err != nil {
			return err
		}
		if tag != etag {
			return apperr.NewConflict("note was modified concurrently")
		}
		next := n.Clone()
		next.CreatedAt = cur.CreatedAt
		*cur = *next
		return nil
	})
}

// DeleteNote removes a note; missing ids are ignored.
func (e *Engine) DeleteNote(ctx context.Context, id string) error {
	return e.notes.Delete(ctx, id)
}

// GetAllNotes lists every note ordered by creation.
func (e *Engine) GetAllNotes(ctx context.Context) ([]*models.Note, error) {
	return e.notes.List(ctx)
}

// RegisterToolDefinition binds a descriptor to a Tool note id.
func (e *Engine) RegisterToolDefinition(toolID string, d toolexec.Descriptor) error {
	return e.tools.Register(toolID, d)
}

// UnregisterToolDefinition drops the runtime binding of toolID. The Tool note
// is kept; executing it fails as unregistered until it is bound again.
// Built-in tools cannot be unbound.
func (e *Engine) UnregisterToolDefinition(toolID string) error {
	if e.tools.IsBuiltin(toolID) {
		return apperr.NewValidation(fmt.Sprintf("built-in tool %s cannot be unregistered", toolID))
	}
	e.tools.Unregister(toolID)
	return nil
}

// ExecuteTool runs a tool directly, outside the scheduler.
func (e *Engine) ExecuteTool(ctx context.Context, toolID string, input any) (any, error) {
	return e.tools.Execute(ctx, toolID, input)
}

// Tools lists the current tool bindings.
func (e *Engine) Tools() []toolexec.Binding {
	return e.tools.Bindings()
}

// LLM returns the configured model handle, or nil.
func (e *Engine) LLM() model.BaseChatModel {
	return e.opts.LLM
}

// Subscribe registers a change listener and returns its disposer.
func (e *Engine) Subscribe(fn func()) (unsubscribe func()) {
	return e.bus.Subscribe(fn)
}

// SetConcurrencyLimit changes the scheduler limit in place.
func (e *Engine) SetConcurrencyLimit(n int) error {
	return e.sched.SetConcurrencyLimit(n)
}

// ConcurrencyLimit returns the scheduler limit.
func (e *Engine) ConcurrencyLimit() int {
	return e.sched.ConcurrencyLimit()
}

// Persistent reports whether notes are stored in SQLite.
func (e *Engine) Persistent() bool {
	return e.opts.Persistent
}

// Requeue resets a finished task to pending.
func (e *Engine) Requeue(ctx context.Context, id string) (*models.Note, error) {
	return e.sched.Requeue(ctx, id)
}

// Logs returns up to n activity entries, newest first.
func (e *Engine) Logs(n int) []activity.Entry {
	return e.log.Recent(n)
}

// Activity returns the shared activity log.
func (e *Engine) Activity() *activity.Log {
	return e.log
}

// SandboxRoot returns the absolute sandbox directory.
func (e *Engine) SandboxRoot() string {
	return e.files.Root()
}

// Close stops the scheduler, waiting for running tasks, and closes the backend.
func (e *Engine) Close(ctx context.Context) error {
	if e.unkick != nil {
		e.unkick()
	}
	stopErr := e.sched.Stop(ctx)
	closeErr := e.backend.Close()
	e.logger.Info("engine stopped")
	return errors.Join(stopErr, closeErr)
}

// ETag returns the entity tag of a note's current state.
func ETag(n *models.Note) (string, error) {
	return checksum.JSON(n)
}
