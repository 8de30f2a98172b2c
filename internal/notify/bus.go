// Package notify implements the change notification bus: a payload-free
// "dirty" signal that observers answer by re-reading the state they need.
package notify

import (
	"log/slog"
	"slices"
	"sync"
)

// Bus fans a change signal out to independent subscribers.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]func()
	logger *slog.Logger
}

// NewBus creates an empty bus. A nil logger falls back to slog.Default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{subs: make(map[uint64]func()), logger: logger}
}

// Subscribe registers fn and returns its disposer. Calling the disposer more
// than once is a no-op.
func (b *Bus) Subscribe(fn func()) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish invokes every current subscriber once, synchronously, in
// subscription order. Subscribers may subscribe or unsubscribe re-entrantly.
func (b *Bus) Publish() {
	b.mu.RLock()
	ids := make([]uint64, 0, len(b.subs))
	fns := make(map[uint64]func(), len(b.subs))
	for id, fn := range b.subs {
		ids = append(ids, id)
		fns[id] = fn
	}
	b.mu.RUnlock()

	slices.Sort(ids)
	for _, id := range ids {
		b.call(fns[id])
	}
}

// Len returns the number of active subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("notify: subscriber panicked", slog.Any("panic", r))
		}
	}()
	fn()
}
