package events

import (
	"sync"
)

// Hub fans events out to subscribed listeners. Progress is dropped when
// nobody listens; completions are queued and replayed to the next subscriber.
type Hub struct {
	mu        sync.Mutex
	listeners map[int]Listener
	nextID    int
	pending   []CompletionEvent
	delivered func(CompletionEvent)
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{listeners: make(map[int]Listener)}
}

// OnDelivered registers fn to run after a completion reached at least one
// listener. The manager uses it to clear the durable outbox.
func (h *Hub) OnDelivered(fn func(CompletionEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.delivered = fn
}

// Subscribe registers l and replays queued completions to it. The returned
// function removes the listener.
func (h *Hub) Subscribe(l Listener) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	h.listeners[id] = l

	queued := h.pending
	h.pending = nil
	for _, ev := range queued {
		l.UploadComplete(ev)
		h.notifyDelivered(ev)
	}

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.listeners, id)
	}
}

// EmitProgress delivers ev to current listeners, if any.
func (h *Hub) EmitProgress(ev ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, l := range h.listeners {
		l.UploadProgress(ev)
	}
}

// EmitTerminal delivers ev, or queues it until a listener subscribes.
// It reports whether ev was delivered immediately.
func (h *Hub) EmitTerminal(ev CompletionEvent) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.listeners) == 0 {
		h.pending = append(h.pending, ev)
		return false
	}
	for _, l := range h.listeners {
		l.UploadComplete(ev)
	}
	h.notifyDelivered(ev)
	return true
}

// Pending returns the number of queued completions.
func (h *Hub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

func (h *Hub) notifyDelivered(ev CompletionEvent) {
	if h.delivered != nil {
		h.delivered(ev)
	}
}
