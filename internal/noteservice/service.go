// Package noteservice implements the note store: validated CRUD over a
// storage backend with per-id write ordering and change notification.
package noteservice

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/starford/notegraph/internal/apperr"
	"github.com/starford/notegraph/internal/idgen"
	"github.com/starford/notegraph/internal/models"
	"github.com/starford/notegraph/internal/notify"
	"github.com/starford/notegraph/internal/storage"
)

// Publisher receives one signal per successful mutation.
type Publisher interface {
	Publish()
}

// Service coordinates the backend, id generation and notifications.
type Service struct {
	backend storage.Backend
	ids     idgen.Generator
	bus     Publisher
	logger  *slog.Logger
	now     func() time.Time

	locks keyedMutex
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source used for createdAt/updatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a note store. A nil bus disables notifications.
func NewService(backend storage.Backend, ids idgen.Generator, bus Publisher, opts ...Option) *Service {
	s := &Service{
		backend: backend,
		ids:     ids,
		bus:     bus,
		logger:  slog.Default(),
		now:     time.Now,
		locks:   keyedMutex{m: make(map[string]*lockEntry)},
	}
	if s.bus == nil {
		s.bus = notify.NewBus(nil)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add stores a new note. An empty id is filled from the generator; a zero
// createdAt is stamped; status defaults by type.
func (s *Service) Add(ctx context.Context, n *models.Note) (*models.Note, error) {
	if n == nil {
		return nil, apperr.NewValidation("note is required")
	}
	note := n.Clone()
	if note.ID == "" {
		note.ID = s.ids.Generate()
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = s.now()
	}
	note.CreatedAt = note.CreatedAt.UTC()
	note.UpdatedAt = nil
	if note.Status == "" {
		note.Status = defaultStatus(note.Type)
	}
	if note.References == nil {
		note.References = []string{}
	}
	if err := validate(note); err != nil {
		return nil, err
	}

	unlock := s.locks.lock(note.ID)
	_, err := s.backend.Get(ctx, note.ID)
	switch {
	case err == nil:
		unlock()
		return nil, apperr.NewConflict("note already exists: " + note.ID)
	case !errors.Is(err, storage.ErrNotExist):
		unlock()
		return nil, err
	}
	if err := s.backend.Put(ctx, note); err != nil {
		unlock()
		return nil, err
	}
	unlock()

	s.logger.Debug("note added", slog.String("id", note.ID), slog.String("type", string(note.Type)))
	s.bus.Publish()
	return note.Clone(), nil
}

// Get returns the note with id or a NOT_FOUND error.
func (s *Service) Get(ctx context.Context, id string) (*models.Note, error) {
	n, err := s.backend.Get(ctx, id)
	if errors.Is(err, storage.ErrNotExist) {
		return nil, apperr.NewNotFound("note", id)
	}
	return n, err
}

// Update replaces the stored note wholesale, keeping its createdAt and
// refreshing updatedAt.
func (s *Service) Update(ctx context.Context, n *models.Note) (*models.Note, error) {
	if n == nil || n.ID == "" {
		return nil, apperr.NewValidation("note id is required")
	}
	return s.Mutate(ctx, n.ID, func(cur *models.Note) error {
		next := n.Clone()
		next.CreatedAt = cur.CreatedAt
		*cur = *next
		return nil
	})
}

// Mutate applies fn to the current note under the id's write lock and stores
// the result. fn must not change the id. An error from fn aborts the write.
func (s *Service) Mutate(ctx context.Context, id string, fn func(*models.Note) error) (*models.Note, error) {
	unlock := s.locks.lock(id)
	cur, err := s.backend.Get(ctx, id)
	if errors.Is(err, storage.ErrNotExist) {
		unlock()
		return nil, apperr.NewNotFound("note", id)
	}
	if err != nil {
		unlock()
		return nil, err
	}

	if err := fn(cur); err != nil {
		unlock()
		return nil, err
	}
	cur.ID = id
	now := s.now().UTC()
	cur.UpdatedAt = &now
	if cur.References == nil {
		cur.References = []string{}
	}
	if err := validate(cur); err != nil {
		unlock()
		return nil, err
	}
	if err := s.backend.Put(ctx, cur); err != nil {
		unlock()
		return nil, err
	}
	unlock()

	s.bus.Publish()
	return cur.Clone(), nil
}

// Delete removes the note. Deleting a missing id is a no-op and does not notify.
// Notes that reference the deleted id keep their dangling references.
func (s *Service) Delete(ctx context.Context, id string) error {
	unlock := s.locks.lock(id)
	removed, err := s.backend.Delete(ctx, id)
	unlock()
	if err != nil {
		return err
	}
	if removed {
		s.logger.Debug("note deleted", slog.String("id", id))
		s.bus.Publish()
	}
	return nil
}

// List returns every note ordered by createdAt, then id.
func (s *Service) List(ctx context.Context) ([]*models.Note, error) {
	notes, err := s.backend.List(ctx)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(notes, func(a, b *models.Note) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return notes, nil
}

func defaultStatus(t models.NoteType) models.Status {
	switch t {
	case models.TypeTask:
		return models.StatusPending
	case models.TypeTool:
		return models.StatusActive
	default:
		return ""
	}
}

func validate(n *models.Note) error {
	if err := n.Validate(); err != nil {
		e := apperr.NewValidation(err.Error())
		e.Err = err
		return e
	}
	return nil
}

// keyedMutex serializes writers per note id. Entries are reference counted and
// dropped when no goroutine holds or waits for them.
type keyedMutex struct {
	mu sync.Mutex
	m  map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(id string) (unlock func()) {
	k.mu.Lock()
	e, ok := k.m[id]
	if !ok {
		e = &lockEntry{}
		k.m[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.m, id)
		}
		k.mu.Unlock()
	}
}
