// Package watch wraps a store.Store and remembers what its caller read.
//
// Every Read adds the path to the watched set and every Query adds its
// prefix. Subscribers registered with Subscribe receive the write events of
// the underlying store that touch a watched path or fall under a watched
// prefix, and nothing else. This gives subscribe-on-read without
// intercepting anything: the caller reads through the wrapper and
// subscribes explicitly.
package watch

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/c360/semlayer/store"
)

// Store records accessed paths and query prefixes of an underlying store.
type Store struct {
	store.Store

	mu       sync.RWMutex
	paths    map[string]struct{}
	prefixes map[string]struct{}
	closed   bool

	subscribers   *store.Listeners[store.WriteEvent]
	unsubWrites   func()
	unsubShutdown func()
	logger        *slog.Logger
}

// New wraps s. A nil logger falls back to slog.Default().
func New(s store.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Store{
		Store:       s,
		paths:       make(map[string]struct{}),
		prefixes:    make(map[string]struct{}),
		subscribers: store.NewListeners[store.WriteEvent](),
		logger:      logger.With("component", "watch"),
	}

	unsubWrites := s.SubscribeWrites(w.relay)
	unsubShutdown := s.SubscribeShutdown(w.handleShutdown)

	w.mu.Lock()
	closed := w.closed
	if !closed {
		w.unsubWrites, w.unsubShutdown = unsubWrites, unsubShutdown
	}
	w.mu.Unlock()
	if closed {
		unsubWrites()
		unsubShutdown()
	}
	return w
}

// Read reads path from the underlying store and watches it.
func (w *Store) Read(ctx context.Context, path string) (string, bool, error) {
	w.mu.Lock()
	if !w.closed {
		w.paths[path] = struct{}{}
	}
	w.mu.Unlock()
	return w.Store.Read(ctx, path)
}

// Query queries the underlying store and watches q's prefix.
func (w *Store) Query(ctx context.Context, q store.Query) ([]store.Document, error) {
	w.mu.Lock()
	if !w.closed {
		w.prefixes[q.PathPrefix] = struct{}{}
	}
	w.mu.Unlock()
	return w.Store.Query(ctx, q)
}

// Subscribe registers fn for writes to watched paths and prefixes.
func (w *Store) Subscribe(fn func(store.WriteEvent)) (unsubscribe func()) {
	return w.subscribers.Add(fn)
}

// ClearSubscriptions removes every subscriber registered with Subscribe.
func (w *Store) ClearSubscriptions() {
	w.subscribers.Clear()
}

// ClearWatches forgets every watched path and prefix.
func (w *Store) ClearWatches() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paths = make(map[string]struct{})
	w.prefixes = make(map[string]struct{})
}

// WatchedPaths returns the watched paths in order.
func (w *Store) WatchedPaths() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return sortedKeys(w.paths)
}

// WatchedPrefixes returns the watched query prefixes in order.
func (w *Store) WatchedPrefixes() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return sortedKeys(w.prefixes)
}

// Watches reports whether a write to path would be relayed.
func (w *Store) Watches(path string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.watchesLocked(path)
}

func (w *Store) watchesLocked(path string) bool {
	if _, ok := w.paths[path]; ok {
		return true
	}
	for prefix := range w.prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (w *Store) relay(evt store.WriteEvent) {
	if !w.Watches(evt.Path) {
		return
	}
	w.subscribers.Notify(evt)
}

func (w *Store) handleShutdown() {
	w.logger.Debug("underlying store shut down")
	w.Close()
}

// Close detaches the wrapper from the underlying store and drops all watches
// and subscribers. The underlying store stays open.
func (w *Store) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.paths = make(map[string]struct{})
	w.prefixes = make(map[string]struct{})
	unsubWrites, unsubShutdown := w.unsubWrites, w.unsubShutdown
	w.mu.Unlock()

	if unsubWrites != nil {
		unsubWrites()
	}
	if unsubShutdown != nil {
		unsubShutdown()
	}
	w.subscribers.Clear()
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
