// Package memstore is an in-process, last-writer-wins document store.
//
// Local writes always win and are stamped with a strictly increasing
// microsecond timestamp. Documents arriving from elsewhere (Ingest) carry
// their own timestamp and only replace the local document when newer; older
// ones are still announced, with IsLatest false.
package memstore

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/c360/semlayer/collection"
	"github.com/c360/semlayer/errors"
	"github.com/c360/semlayer/pkg/timestamp"
	"github.com/c360/semlayer/store"
)

// Validator may reject a write before it is stored.
type Validator func(author, path, content string) error

// Store is an in-memory store.Store.
type Store struct {
	mu     sync.RWMutex
	docs   map[string]store.Document
	clock  *timestamp.Clock
	closed bool

	writes   *store.Listeners[store.WriteEvent]
	shutdown *store.Listeners[struct{}]
	// notify delivers write events in the order the writes were applied.
	notify *collection.Dispatcher

	now      func() time.Time
	validate Validator
	logger   *slog.Logger
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithValidator installs a write validator.
func WithValidator(v Validator) Option {
	return func(s *Store) {
		s.validate = v
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		docs:     make(map[string]store.Document),
		writes:   store.NewListeners[store.WriteEvent](),
		shutdown: store.NewListeners[struct{}](),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.clock = timestamp.NewClock(s.now)
	s.logger = s.logger.With("component", "memstore")
	s.notify = collection.NewDispatcher(s.logger)
	return s
}

// Write stores content at path. Subscribers are notified after the store lock
// is released, in the order writes were applied. A write made from inside a
// subscriber is announced once that subscriber returns.
func (s *Store) Write(ctx context.Context, author, path, content string) error {
	if err := ctx.Err(); err != nil {
		return errors.WrapTransient(err, "memstore", "Write", "context done")
	}
	if !strings.HasPrefix(path, "/") {
		return errors.WrapInvalid(errors.ErrInvalidData, "memstore", "Write",
			"path must start with '/': "+path)
	}
	if s.validate != nil {
		if err := s.validate(author, path, content); err != nil {
			return errors.WrapInvalid(err, "memstore", "Write", "validate "+path)
		}
	}

	var err error
	s.notify.Batch(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			err = errors.WrapFatal(errors.ErrStoreClosed, "memstore", "Write", "write "+path)
			return
		}
		doc := store.Document{Path: path, Content: content, Author: author, Timestamp: s.clock.Next()}
		s.docs[path] = doc
		s.notify.Dispatch(func() { s.writes.Notify(store.WriteEvent{Document: doc, IsLatest: true}) })
	})
	return err
}

// Ingest accepts a document written elsewhere. It returns whether the
// document became the latest at its path. Ties on timestamp go to the
// lexically greater author.
func (s *Store) Ingest(doc store.Document) (bool, error) {
	var (
		latest bool
		err    error
	)
	s.notify.Batch(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			err = errors.WrapFatal(errors.ErrStoreClosed, "memstore", "Ingest", "ingest "+doc.Path)
			return
		}
		current, exists := s.docs[doc.Path]
		latest = !exists || newer(doc, current)
		if latest {
			s.docs[doc.Path] = doc
			s.clock.Observe(doc.Timestamp)
		} else {
			s.logger.Debug("ingested superseded document", "path", doc.Path, "timestamp", doc.Timestamp)
		}
		evt := store.WriteEvent{Document: doc, IsLatest: latest}
		s.notify.Dispatch(func() { s.writes.Notify(evt) })
	})
	return latest, err
}

func newer(a, b store.Document) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	return a.Author > b.Author
}

// Read returns the latest content at path.
func (s *Store) Read(ctx context.Context, path string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, errors.WrapTransient(err, "memstore", "Read", "context done")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", false, errors.WrapFatal(errors.ErrStoreClosed, "memstore", "Read", "read "+path)
	}
	doc, ok := s.docs[path]
	return doc.Content, ok, nil
}

// Query returns the latest documents under q.PathPrefix ordered by path.
func (s *Store) Query(ctx context.Context, q store.Query) ([]store.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WrapTransient(err, "memstore", "Query", "context done")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.WrapFatal(errors.ErrStoreClosed, "memstore", "Query", "query "+q.PathPrefix)
	}

	var out []store.Document
	for path, doc := range s.docs {
		if q.Matches(path) {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// SubscribeWrites registers fn for every write and ingested document.
func (s *Store) SubscribeWrites(fn func(store.WriteEvent)) func() {
	return s.writes.Add(fn)
}

// SubscribeShutdown registers fn to run when Close is called.
func (s *Store) SubscribeShutdown(fn func()) func() {
	return s.shutdown.Add(func(struct{}) { fn() })
}

// Len returns the number of stored paths.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// Close marks the store closed and notifies shutdown subscribers once.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.shutdown.Notify(struct{}{})
	s.writes.Clear()
	s.shutdown.Clear()
	return nil
}
