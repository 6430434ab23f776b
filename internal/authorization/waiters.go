package authorization

import (
	"sync"

	"github.com/google/uuid"

	"github.com/tably/payments/internal/eventlog"
)

// Waiters is the in-process fast-path registry. The ingress registers a
// waiter before returning to the client; a worker running in the same
// process signals it when a terminal status commits. Cross-process
// completion is covered by the read-model poll, so signals are best effort
// and never block the worker.
type Waiters struct {
	mu sync.Mutex
	m  map[uuid.UUID]map[chan eventlog.Status]struct{}
}

func NewWaiters() *Waiters {
	return &Waiters{m: make(map[uuid.UUID]map[chan eventlog.Status]struct{})}
}

// Register adds a waiter for an auth request and returns its signal
// channel (capacity 1). Callers must Unregister the channel when done.
func (w *Waiters) Register(id uuid.UUID) chan eventlog.Status {
	ch := make(chan eventlog.Status, 1)
	w.mu.Lock()
	defer w.mu.Unlock()
	set, ok := w.m[id]
	if !ok {
		set = make(map[chan eventlog.Status]struct{})
		w.m[id] = set
	}
	set[ch] = struct{}{}
	return ch
}

// Unregister removes one waiter channel.
func (w *Waiters) Unregister(id uuid.UUID, ch chan eventlog.Status) {
	w.mu.Lock()
	defer w.mu.Unlock()
	set, ok := w.m[id]
	if !ok {
		return
	}
	delete(set, ch)
	if len(set) == 0 {
		delete(w.m, id)
	}
}

// Signal notifies every waiter for id without blocking. A waiter that
// already holds an undelivered signal keeps the earlier one. Returns the
// number of waiters present.
func (w *Waiters) Signal(id uuid.UUID, status eventlog.Status) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	set := w.m[id]
	for ch := range set {
		select {
		case ch <- status:
		default:
		}
	}
	return len(set)
}

// Waiting reports how many auth requests currently have waiters.
func (w *Waiters) Waiting() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.m)
}
