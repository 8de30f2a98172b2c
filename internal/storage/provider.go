// Package storage defines the note backend abstraction and its implementations.
package storage

import (
	"context"
	"errors"

	"github.com/starford/notegraph/internal/models"
)

// ErrNotExist is returned by Get when no note has the requested id.
var ErrNotExist = errors.New("storage: note does not exist")

// Backend is the storage contract shared by the ephemeral and persistent
// implementations. Implementations are safe for concurrent use and never
// hand out memory shared with their internal state.
type Backend interface {
	// Get returns the note with id, or ErrNotExist.
	Get(ctx context.Context, id string) (*models.Note, error)
	// Put inserts or replaces the note keyed by its id.
	Put(ctx context.Context, n *models.Note) error
	// Delete removes the note; it reports whether a note was removed.
	Delete(ctx context.Context, id string) (bool, error)
	// List returns every stored note in no particular order.
	List(ctx context.Context) ([]*models.Note, error)
	// Close releases backend resources.
	Close() error
}
