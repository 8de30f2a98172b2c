// Package activity keeps the bounded, in-memory execution log shown to
// observers next to the note graph.
package activity

import (
	"sync"
	"time"
)

// DefaultMaxSize is the number of entries retained when none is configured.
const DefaultMaxSize = 500

// Entry kinds written by the engine.
const (
	KindToolExecuted  = "tool.executed"
	KindToolFailed    = "tool.failed"
	KindTaskStarted   = "task.started"
	KindTaskCompleted = "task.completed"
	KindTaskFailed    = "task.failed"
	KindTaskRecovered = "task.recovered"
	KindSettings      = "settings.changed"
)

// Entry is a single log record.
type Entry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	NoteID    string    `json:"noteId,omitempty"`
	ToolID    string    `json:"toolId,omitempty"`
	Message   string    `json:"message"`
	Details   any       `json:"details,omitempty"`
}

// Log is a ring of the most recent entries. Listeners are called
// synchronously after each append, outside the lock.
type Log struct {
	mu        sync.RWMutex
	entries   []Entry
	maxSize   int
	seq       int64
	listeners map[int]func(Entry)
	nextL     int
	now       func() time.Time
}

// New creates a log keeping at most maxSize entries.
func New(maxSize int) *Log {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Log{
		entries:   make([]Entry, 0),
		maxSize:   maxSize,
		listeners: make(map[int]func(Entry)),
		now:       time.Now,
	}
}

// Add appends an entry, assigning its id and timestamp.
func (l *Log) Add(e Entry) Entry {
	l.mu.Lock()
	l.seq++
	e.ID = l.seq
	e.Timestamp = l.now()
	l.entries = append(l.entries, e)
	if len(l.entries) > l.maxSize {
		l.entries = l.entries[len(l.entries)-l.maxSize:]
	}
	fns := make([]func(Entry), 0, len(l.listeners))
	for _, fn := range l.listeners {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(e)
	}
	return e
}

// Error records a failure for a note or tool.
func (l *Log) Error(kind, noteID, toolID string, err error) Entry {
	return l.Add(Entry{Kind: kind, NoteID: noteID, ToolID: toolID, Message: err.Error()})
}

// Recent returns up to count entries, newest first. A non-positive count
// returns everything retained.
func (l *Log) Recent(count int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if count <= 0 || count > len(l.entries) {
		count = len(l.entries)
	}
	result := make([]Entry, count)
	for i := range count {
		result[i] = l.entries[len(l.entries)-1-i]
	}
	return result
}

// Since returns entries with an id greater than afterID, oldest first.
func (l *Log) Since(afterID int64) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]Entry, 0)
	for _, e := range l.entries {
		if e.ID > afterID {
			result = append(result, e)
		}
	}
	return result
}

// Listen registers fn for every future entry and returns its disposer.
func (l *Log) Listen(fn func(Entry)) (stop func()) {
	l.mu.Lock()
	id := l.nextL
	l.nextL++
	l.listeners[id] = fn
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.listeners, id)
		l.mu.Unlock()
	}
}
