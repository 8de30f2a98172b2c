// Package idgen issues process-unique identifiers for new notes.
package idgen

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Schemes accepted by New.
const (
	SchemeULID = "ulid"
	SchemeUUID = "uuid"
)

// Generator returns ids unique among those it has generated.
type Generator interface {
	Generate() string
}

// New returns the generator for scheme; an empty scheme selects ULID.
func New(scheme string) (Generator, error) {
	switch scheme {
	case "", SchemeULID:
		return NewULID(), nil
	case SchemeUUID:
		return UUID{}, nil
	default:
		return nil, fmt.Errorf("idgen: unknown scheme %q", scheme)
	}
}

// ULID generates lexicographically sortable ids. Monotonic entropy guarantees
// strictly increasing ids within the same millisecond.
type ULID struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewULID creates a ULID generator seeded from crypto/rand.
func NewULID() *ULID {
	return &ULID{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// Generate returns a new ULID string.
func (g *ULID) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy).String()
}

// UUID generates random version 4 UUIDs.
type UUID struct{}

// Generate returns a new UUID string.
func (UUID) Generate() string {
	return uuid.NewString()
}
