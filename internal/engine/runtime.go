package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/notegraph/internal/activity"
	"github.com/starford/notegraph/internal/apperr"
	"github.com/starford/notegraph/internal/toolexec"
)

// RetireTimeout bounds how long a replaced engine may wait for its running
// tasks before its backend is closed.
const RetireTimeout = 30 * time.Second

// Settings are the user-editable engine settings.
type Settings struct {
	ConcurrencyLimit int  `json:"concurrencyLimit"`
	Persistent       bool `json:"persistent"`
}

// Validate checks the settings before they are applied.
func (s Settings) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.ConcurrencyLimit, validation.Required, validation.Min(1)),
	)
}

// Runtime owns the current Engine and rebuilds it when a setting that is
// fixed at construction changes. Listeners and tool registrations made
// through the Runtime survive rebuilds.
type Runtime struct {
	mu     sync.RWMutex
	eng    *Engine
	opts   Options
	logger *slog.Logger

	listeners map[int]*listener
	nextID    int
	tools     map[string]toolexec.Descriptor

	// Engines replaced by a rebuild, still draining their tasks.
	retiring sync.WaitGroup
}

type listener struct {
	fn    func()
	unsub func()
}

// NewRuntime builds the first engine from opts.
func NewRuntime(ctx context.Context, opts Options) (*Runtime, error) {
	if opts.ActivityLog == nil {
		opts.ActivityLog = activity.New(activity.DefaultMaxSize)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	eng, err := New(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Runtime{
		eng:       eng,
		opts:      eng.opts,
		logger:    opts.Logger.With("component", "runtime"),
		listeners: make(map[int]*listener),
		tools:     make(map[string]toolexec.Descriptor),
	}, nil
}

// Engine returns the current engine. Callers should not cache it across
// settings changes.
func (r *Runtime) Engine() *Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.eng
}

// Subscribe registers fn on the current engine and re-attaches it after
// every rebuild.
func (r *Runtime) Subscribe(fn func()) (unsubscribe func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	l := &listener{fn: fn, unsub: r.eng.Subscribe(fn)}
	r.listeners[id] = l
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if l, ok := r.listeners[id]; ok {
				l.unsub()
				delete(r.listeners, id)
			}
			r.mu.Unlock()
		})
	}
}

// RegisterToolDefinition binds d on the current engine and on every
// rebuilt one.
func (r *Runtime) RegisterToolDefinition(toolID string, d toolexec.Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.eng.RegisterToolDefinition(toolID, d); err != nil {
		return err
	}
	r.tools[toolID] = d
	return nil
}

// UnregisterToolDefinition unbinds toolID so later rebuilds do not bind it
// again.
func (r *Runtime) UnregisterToolDefinition(toolID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.eng.UnregisterToolDefinition(toolID); err != nil {
		return err
	}
	delete(r.tools, toolID)
	return nil
}

// Settings returns the current settings.
func (r *Runtime) Settings() Settings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Settings{
		ConcurrencyLimit: r.eng.ConcurrencyLimit(),
		Persistent:       r.opts.Persistent,
	}
}

// ApplySettings validates s and applies it. A limit-only change is applied
// in place; toggling persistence rebuilds the engine on the other backend.
// Notes are not migrated between backends.
func (r *Runtime) ApplySettings(ctx context.Context, s Settings) error {
	if err := s.Validate(); err != nil {
		e := apperr.NewValidation(err.Error())
		e.Err = err
		return e
	}

	fns, err := r.apply(ctx, s)
	if err != nil {
		return err
	}
	// Observers re-read the store, which is now a different backend.
	for _, fn := range fns {
		fn()
	}
	return nil
}

// apply performs the change under the lock and returns the listeners to
// notify after a rebuild. A replaced engine is closed in the background so
// its running tasks never hold the lock.
func (r *Runtime) apply(ctx context.Context, s Settings) ([]func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.Persistent == r.opts.Persistent {
		if err := r.eng.SetConcurrencyLimit(s.ConcurrencyLimit); err != nil {
			return nil, err
		}
		r.opts.ConcurrencyLimit = s.ConcurrencyLimit
		r.record(s)
		return nil, nil
	}

	next := r.opts
	next.Persistent = s.Persistent
	next.ConcurrencyLimit = s.ConcurrencyLimit
	eng, err := New(ctx, next)
	if err != nil {
		return nil, fmt.Errorf("engine: rebuild: %w", err)
	}
	for id, d := range r.tools {
		if err := eng.RegisterToolDefinition(id, d); err != nil {
			r.logger.Warn("runtime: re-register tool failed", slog.String("tool_id", id), slog.String("error", err.Error()))
		}
	}

	old := r.eng
	fns := make([]func(), 0, len(r.listeners))
	for _, l := range r.listeners {
		l.unsub()
		l.unsub = eng.Subscribe(l.fn)
		fns = append(fns, l.fn)
	}
	r.eng = eng
	r.opts = next
	r.retire(old)

	r.logger.Info("runtime: engine rebuilt", slog.Bool("persistent", s.Persistent))
	r.record(s)
	return fns, nil
}

func (r *Runtime) retire(old *Engine) {
	r.retiring.Add(1)
	go func() {
		defer r.retiring.Done()
		ctx, cancel := context.WithTimeout(context.Background(), RetireTimeout)
		defer cancel()
		if err := old.Close(ctx); err != nil {
			r.logger.Warn("runtime: close previous engine", slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) record(s Settings) {
	r.opts.ActivityLog.Add(activity.Entry{
		Kind:    activity.KindSettings,
		Message: fmt.Sprintf("settings applied: concurrency limit %d, persistent %t", s.ConcurrencyLimit, s.Persistent),
	})
}

// Close shuts down the current engine and waits, within ctx, for engines
// retired by earlier rebuilds.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	for id, l := range r.listeners {
		l.unsub()
		delete(r.listeners, id)
	}
	err := r.eng.Close(ctx)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.retiring.Wait()
		close(done)
	}()
	select {
	case <-done:
		return err
	case <-ctx.Done():
		return errors.Join(err, fmt.Errorf("runtime: retired engines: %w", ctx.Err()))
	}
}
