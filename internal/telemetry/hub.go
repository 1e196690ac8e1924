package telemetry

import (
	"fmt"
	"sync"
)

const (
	minHistoryLimit     = 1
	maxHistoryLimit     = 10_000
	defaultHistoryLimit = 16
)

func validateHistoryLimit(limit int) (int, error) {
	if limit == 0 {
		return defaultHistoryLimit, nil
	}
	if limit < minHistoryLimit || limit > maxHistoryLimit {
		return 0, fmt.Errorf("history limit must be between %d and %d", minHistoryLimit, maxHistoryLimit)
	}
	return limit, nil
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// Hub keeps a bounded history of published values and fans them out to
// subscribers. Delivery is synchronous on the publishing goroutine and in
// registration order, so a slow subscriber stalls the publisher.
type Hub[T any] struct {
	mu           sync.RWMutex
	history      []T
	historyLimit int
	subscribers  []subscriber[T]
	nextID       uint64
}

// NewHub builds a hub retaining up to historyLimit values. Zero selects the
// default limit; out of range limits are clamped.
func NewHub[T any](historyLimit int) *Hub[T] {
	limit, err := validateHistoryLimit(historyLimit)
	if err != nil {
		limit = min(max(historyLimit, minHistoryLimit), maxHistoryLimit)
	}
	return &Hub[T]{historyLimit: limit}
}

// Publish records v and delivers it to every current subscriber. Subscribers
// may unsubscribe from inside their callback.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	h.history = append(h.history, v)
	if len(h.history) > h.historyLimit {
		h.history = h.history[len(h.history)-h.historyLimit:]
	}
	subs := h.subscribers
	h.mu.Unlock()

	for _, s := range subs {
		s.fn(v)
	}
}

// Notify delivers v without recording it in the history.
func (h *Hub[T]) Notify(v T) {
	h.mu.RLock()
	subs := h.subscribers
	h.mu.RUnlock()
	for _, s := range subs {
		s.fn(v)
	}
}

// History returns a copy of the stored values, oldest first.
func (h *Hub[T]) History() []T {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]T, len(h.history))
	copy(out, h.history)
	return out
}

// Reset drops the stored history.
func (h *Hub[T]) Reset() {
	h.mu.Lock()
	h.history = nil
	h.mu.Unlock()
}

// Len reports the number of registered subscribers.
func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Subscribe registers fn and returns a function removing it again. The
// returned function is idempotent.
func (h *Hub[T]) Subscribe(fn func(T)) func() {
	if fn == nil {
		return func() {}
	}
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	// copy on write so Publish can iterate a snapshot without holding the lock
	subs := make([]subscriber[T], len(h.subscribers), len(h.subscribers)+1)
	copy(subs, h.subscribers)
	h.subscribers = append(subs, subscriber[T]{id: id, fn: fn})
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { h.remove(id) })
	}
}

func (h *Hub[T]) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := make([]subscriber[T], 0, len(h.subscribers))
	for _, s := range h.subscribers {
		if s.id != id {
			subs = append(subs, s)
		}
	}
	h.subscribers = subs
}
