package store

import (
	"sort"
	"sync"
)

// Listeners is a registry of callbacks shared by the store adapters for
// their write and shutdown feeds.
type Listeners[E any] struct {
	mu     sync.RWMutex
	nextID uint64
	fns    map[uint64]func(E)
}

// NewListeners creates an empty registry.
func NewListeners[E any]() *Listeners[E] {
	return &Listeners[E]{fns: make(map[uint64]func(E))}
}

// Add registers fn and returns its removal function.
func (l *Listeners[E]) Add(fn func(E)) (remove func()) {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.fns[id] = fn
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

// Len returns the number of registered callbacks.
func (l *Listeners[E]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.fns)
}

// Clear removes every callback.
func (l *Listeners[E]) Clear() {
	l.mu.Lock()
	l.fns = make(map[uint64]func(E))
	l.mu.Unlock()
}

// Notify calls every callback with e in registration order. Callbacks are
// invoked without the registry lock held, so they may add or remove listeners.
func (l *Listeners[E]) Notify(e E) {
	l.mu.RLock()
	ids := make([]uint64, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(E), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, l.fns[id])
	}
	l.mu.RUnlock()

	for _, fn := range fns {
		fn(e)
	}
}
