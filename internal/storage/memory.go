package storage

import (
	"context"
	"sync"

	"github.com/starford/notegraph/internal/models"
)

// Memory is the ephemeral backend; its contents die with the process.
type Memory struct {
	mu    sync.RWMutex
	notes map[string]*models.Note
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{notes: make(map[string]*models.Note)}
}

func (m *Memory) Get(_ context.Context, id string) (*models.Note, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notes[id]
	if !ok {
		return nil, ErrNotExist
	}
	return n.Clone(), nil
}

func (m *Memory) Put(_ context.Context, n *models.Note) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notes[n.ID] = n.Clone()
	return nil
}

func (m *Memory) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.notes[id]; !ok {
		return false, nil
	}
	delete(m.notes, id)
	return true, nil
}

func (m *Memory) List(_ context.Context) ([]*models.Note, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Note, 0, len(m.notes))
	for _, n := range m.notes {
		out = append(out, n.Clone())
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }

var _ Backend = (*Memory)(nil)
