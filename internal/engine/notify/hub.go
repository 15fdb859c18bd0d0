package notify

import "sync"

// Hub is an in-process broadcast channel. Instances sharing one log inject
// the same Hub handle; there is no process-wide registry, so separate logs
// and tests stay isolated.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]func(height uint64)
	nextID int
	closed bool
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]func(height uint64))}
}

// Notify delivers the height signal to every subscriber. Each handler runs
// on its own goroutine so a slow receiver never stalls the committer;
// receivers tolerate reordering by reading forward from the store.
func (h *Hub) Notify(height uint64) {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	handlers := make([]func(uint64), 0, len(h.subs))
	for _, fn := range h.subs {
		handlers = append(handlers, fn)
	}
	h.mu.Unlock()

	for _, fn := range handlers {
		go fn(height)
	}
}

// Subscribe registers a handler and returns its cancel func. Cancel is
// idempotent.
func (h *Hub) Subscribe(fn func(height uint64)) (cancel func()) {
	if h == nil || fn == nil {
		return func() {}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, id)
	}
}

// Close drops all subscribers.
func (h *Hub) Close() error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.subs = map[int]func(uint64){}
	return nil
}

var _ Notifier = (*Hub)(nil)
