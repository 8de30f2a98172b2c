// Package sse implements a Server-Sent Events broker that pushes engine
// change signals and activity entries to UI consumers.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// Event types emitted by the broker.
const (
	EventNotesChanged   = "notes.changed"
	EventLogEntry       = "log.entry"
	EventSandboxChanged = "sandbox.changed"
)

const (
	defaultThrottle  = 250 * time.Millisecond
	defaultKeepalive = 15 * time.Second
	clientBuffer     = 64
	// Reconnect delay suggested to EventSource clients, in milliseconds.
	retryMillis = 2000
)

// Event is a single message fanned out to every connected client.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Stats is a point-in-time view of the broker.
type Stats struct {
	Clients int    `json:"clients"`
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

// Broker fans events out to SSE clients.
//
// All mutable state lives in the loop goroutine; the exported methods only
// exchange messages with it. Frames carry a broker-wide sequence number in
// the id field so a client can tell when it missed something.
type Broker struct {
	throttle  time.Duration
	keepalive time.Duration

	joins   chan chan []byte
	leaves  chan chan []byte
	events  chan Event
	dirty   chan struct{}
	statReq chan chan Stats

	quit    chan struct{}
	done    chan struct{}
	closing atomic.Bool
}

// NewBroker starts a broker. notes.changed goes out at most once per
// throttle interval; signals inside the interval collapse into one frame
// sent when it ends.
func NewBroker(throttle time.Duration) *Broker {
	if throttle <= 0 {
		throttle = defaultThrottle
	}
	b := &Broker{
		throttle:  throttle,
		keepalive: defaultKeepalive,
		joins:     make(chan chan []byte),
		leaves:    make(chan chan []byte),
		events:    make(chan Event, 256),
		dirty:     make(chan struct{}, 1),
		statReq:   make(chan chan Stats),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go b.loop()
	return b
}

// fanout is the state owned by the loop goroutine.
type fanout struct {
	clients  map[chan []byte]struct{}
	seq      uint64
	sent     uint64
	dropped  uint64
	lastSent time.Time
	trailing *time.Timer
}

func (f *fanout) send(ev Event) {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return
	}
	f.seq++
	frame := []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", f.seq, ev.Type, payload))
	for ch := range f.clients {
		select {
		case ch <- frame:
			f.sent++
		default:
			f.dropped++
		}
	}
}

func (f *fanout) notesChanged() {
	f.lastSent = time.Now()
	f.send(Event{Type: EventNotesChanged, Data: struct{}{}})
}

func (f *fanout) trailingC() <-chan time.Time {
	if f.trailing == nil {
		return nil
	}
	return f.trailing.C
}

func (b *Broker) loop() {
	defer close(b.done)

	f := &fanout{clients: make(map[chan []byte]struct{})}
	for {
		select {
		case <-b.quit:
			if f.trailing != nil {
				f.trailing.Stop()
			}
			for ch := range f.clients {
				close(ch)
			}
			return

		case ch := <-b.joins:
			f.clients[ch] = struct{}{}

		case ch := <-b.leaves:
			if _, ok := f.clients[ch]; ok {
				delete(f.clients, ch)
				close(ch)
			}

		case ev := <-b.events:
			f.send(ev)

		case <-b.dirty:
			if f.trailing != nil {
				continue
			}
			if wait := b.throttle - time.Since(f.lastSent); wait > 0 {
				f.trailing = time.NewTimer(wait)
				continue
			}
			f.notesChanged()

		case <-f.trailingC():
			f.trailing = nil
			f.notesChanged()

		case resp := <-b.statReq:
			resp <- Stats{Clients: len(f.clients), Sent: f.sent, Dropped: f.dropped}
		}
	}
}

// Close stops the loop and closes every client channel. Safe to call twice.
func (b *Broker) Close() {
	if b.closing.CompareAndSwap(false, true) {
		close(b.quit)
	}
	<-b.done
}

// Subscribe registers a client. The channel is closed on Unsubscribe or
// Close, and is returned already closed once the broker has stopped.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, clientBuffer)
	if b.closing.Load() {
		close(ch)
		return ch
	}
	select {
	case b.joins <- ch:
	case <-b.done:
		close(ch)
	}
	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closing.Load() {
		return
	}
	select {
	case b.leaves <- ch:
	case <-b.done:
	}
}

// Stats reports the client count and delivery counters.
func (b *Broker) Stats() Stats {
	if b.closing.Load() {
		return Stats{}
	}
	resp := make(chan Stats, 1)
	select {
	case b.statReq <- resp:
	case <-b.done:
		return Stats{}
	}
	select {
	case s := <-resp:
		return s
	case <-b.done:
		return Stats{}
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	return b.Stats().Clients
}

// Publish queues an event for every client. Clients whose buffer is full
// miss it.
func (b *Broker) Publish(ev Event) {
	if b.closing.Load() {
		return
	}
	select {
	case b.events <- ev:
	case <-b.done:
	}
}

// NotesChanged marks the note store dirty. It never blocks, so it can be
// handed straight to the engine's change bus.
func (b *Broker) NotesChanged() {
	if b.closing.Load() {
		return
	}
	select {
	case b.dirty <- struct{}{}:
	default:
	}
}

// PublishSandboxChange reports an external edit to a sandbox file.
func (b *Broker) PublishSandboxChange(kind, path string) {
	b.Publish(Event{Type: EventSandboxChanged, Data: map[string]string{"kind": kind, "path": path}})
}

// ServeHTTP streams events to one client (GET /api/events) until the
// request context ends or the broker closes.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "retry: %d\n\n", retryMillis)
	flusher.Flush()

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	ping := time.NewTicker(b.keepalive)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			// Comment lines keep idle proxies from cutting the stream.
			_, _ = w.Write([]byte(": keepalive\n\n"))
			flusher.Flush()
		case frame, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(frame)
			flusher.Flush()
		}
	}
}
