// Package layer is the read/write facade over an indexed entity kind.
//
// Writes go straight to the store and reach the index only through the
// store's write feed, so a caller sees the effect of SetState once the write
// has made the round trip. Between the individual field writes of one
// SetState the index may briefly hold a mix of old and new fields.
//
// Reads are served from the ready collection. On a miss, Get queries the
// store for the id's documents, ingests them and looks again.
package layer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/semlayer/collection"
	"github.com/c360/semlayer/entity"
	"github.com/c360/semlayer/errors"
	"github.com/c360/semlayer/health"
	"github.com/c360/semlayer/indexer"
	"github.com/c360/semlayer/schema"
	"github.com/c360/semlayer/store"
)

// Layer exposes one entity kind stored in a store.Store.
type Layer[D, P any] struct {
	store   store.Store
	def     entity.Definition[D, P]
	index   *indexer.Indexer[D, P]
	logger  *slog.Logger
	metrics *Metrics

	mu            sync.Mutex
	closed        bool
	unsubWrites   func()
	unsubShutdown func()
	done          chan struct{}
	started       time.Time
	errorCount    int
}

// New creates a Layer and subscribes it to the store's write and shutdown
// feeds. The index starts empty; call Load to fill it from the store.
func New[D, P any](s store.Store, def entity.Definition[D, P], opts ...Option) *Layer[D, P] {
	o := applyOptions(opts...)
	logger := o.logger.With("component", "layer", "entity", def.Name())

	ixOpts := []indexer.Option{indexer.WithLogger(o.logger)}
	if o.indexerMetrics != nil {
		ixOpts = append(ixOpts, indexer.WithMetrics(o.indexerMetrics))
	}

	l := &Layer[D, P]{
		store:   s,
		def:     def,
		index:   indexer.New[D, P](def, ixOpts...),
		logger:  logger,
		metrics: o.metrics,
		done:    make(chan struct{}),
		started: time.Now(),
	}

	// A store may run the shutdown hook before SubscribeShutdown returns,
	// so l.mu is not held across the subscribe calls.
	unsubWrites := s.SubscribeWrites(l.handleWrite)
	unsubShutdown := s.SubscribeShutdown(l.handleShutdown)

	l.mu.Lock()
	closed := l.closed
	if !closed {
		l.unsubWrites, l.unsubShutdown = unsubWrites, unsubShutdown
	}
	l.mu.Unlock()
	if closed {
		unsubWrites()
		unsubShutdown()
	}
	return l
}

// Open creates a Layer and batch loads the index.
func Open[D, P any](ctx context.Context, s store.Store, def entity.Definition[D, P], opts ...Option) (*Layer[D, P], error) {
	l := New(s, def, opts...)
	if _, err := l.Load(ctx); err != nil {
		_ = l.Close()
		return nil, err
	}
	return l, nil
}

// Load ingests every document under the entity namespace.
func (l *Layer[D, P]) Load(ctx context.Context) (int, error) {
	if l.Closed() {
		return 0, errors.WrapInvalid(errors.ErrLayerClosed, "Layer", "Load", "load index")
	}
	n, err := l.index.Load(ctx, l.store)
	if err != nil {
		l.recordError()
		return 0, errors.Wrap(err, "Layer", "Load", "load index")
	}
	return n, nil
}

// Ready returns the collection of complete entities.
func (l *Layer[D, P]) Ready() *collection.Collection[D] { return l.index.Ready() }

// Unfinished returns the collection of incomplete entities.
func (l *Layer[D, P]) Unfinished() *collection.Collection[P] { return l.index.Unfinished() }

// Index returns the underlying indexer.
func (l *Layer[D, P]) Index() *indexer.Indexer[D, P] { return l.index }

// Get returns the complete entity for id. ok is false when the entity does
// not exist or is incomplete. After Close only the index is consulted.
func (l *Layer[D, P]) Get(ctx context.Context, id string) (D, bool, error) {
	var zero D
	if err := schema.ValidateID(id); err != nil {
		return zero, false, err
	}

	if d, ok := l.index.Ready().Get(id); ok {
		l.metrics.recordGet("hit")
		return d, true, nil
	}
	if l.Closed() {
		l.metrics.recordGet("miss")
		return zero, false, nil
	}

	docs, err := l.store.Query(ctx, store.Query{PathPrefix: l.def.Schema().IDPrefix(id)})
	if err != nil {
		l.recordError()
		l.logger.Warn("fallback query failed", "id", id, "error", err)
		return zero, false, errors.Wrap(err, "Layer", "Get", "query "+id)
	}

	for _, doc := range docs {
		ref, ok := l.def.PathBelongsToEntity(doc.Path)
		if !ok || ref.ID != id {
			continue
		}
		l.index.Ingest(doc)
	}

	// Other writes may have been ingested while the query was outstanding.
	d, ok := l.index.Ready().Get(id)
	if ok {
		l.metrics.recordGet("fallback")
	} else {
		l.metrics.recordGet("miss")
	}
	return d, ok, nil
}

// SetState writes every present field of p as its own document. Absent
// fields are left alone; a present empty value clears the field. The first
// rejected write aborts the remaining ones and is returned wrapped around
// errors.ErrWriteRejected. Writes are never retried.
func (l *Layer[D, P]) SetState(ctx context.Context, author, id string, p P) error {
	if l.Closed() {
		return errors.WrapInvalid(errors.ErrLayerClosed, "Layer", "SetState", "set "+id)
	}
	if err := schema.ValidateID(id); err != nil {
		return err
	}
	return l.write(ctx, "SetState", author, id, l.def.FieldsToWrite(id, p))
}

// Delete clears every field of id.
func (l *Layer[D, P]) Delete(ctx context.Context, author, id string) error {
	if l.Closed() {
		return errors.WrapInvalid(errors.ErrLayerClosed, "Layer", "Delete", "delete "+id)
	}
	if err := schema.ValidateID(id); err != nil {
		return err
	}

	paths := l.def.Schema().Paths(id)
	writes := make([]store.Write, 0, len(paths))
	for _, path := range paths {
		writes = append(writes, store.Write{Path: path})
	}
	return l.write(ctx, "Delete", author, id, writes)
}

func (l *Layer[D, P]) write(ctx context.Context, method, author, id string, writes []store.Write) error {
	for _, w := range writes {
		if err := l.store.Write(ctx, author, w.Path, w.Content); err != nil {
			l.recordError()
			l.metrics.recordWrite(false)
			l.logger.Error("store rejected write",
				"method", method,
				"id", id,
				"path", w.Path,
				"author", author,
				"error", err)
			return errors.Wrap(fmt.Errorf("%w: %w", errors.ErrWriteRejected, err),
				"Layer", method, "write "+w.Path)
		}
		l.metrics.recordWrite(true)
	}
	return nil
}

func (l *Layer[D, P]) handleWrite(evt store.WriteEvent) {
	if l.Closed() {
		return
	}
	l.index.HandleWrite(evt)
}

func (l *Layer[D, P]) handleShutdown() {
	l.logger.Info("store shut down, detaching layer")
	_ = l.Close()
}

// Close unsubscribes from the store. The store itself stays open. Close is
// idempotent.
func (l *Layer[D, P]) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	unsubWrites, unsubShutdown := l.unsubWrites, l.unsubShutdown
	close(l.done)
	l.mu.Unlock()

	if unsubWrites != nil {
		unsubWrites()
	}
	if unsubShutdown != nil {
		unsubShutdown()
	}
	return nil
}

// Closed reports whether the layer stopped following the store.
func (l *Layer[D, P]) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Done is closed when the layer stops following the store.
func (l *Layer[D, P]) Done() <-chan struct{} {
	return l.done
}

// Health reports unhealthy once the layer is detached from its store.
func (l *Layer[D, P]) Health() health.Status {
	l.mu.Lock()
	closed, errorCount := l.closed, l.errorCount
	l.mu.Unlock()

	name := "layer." + l.def.Name()
	var status health.Status
	if closed {
		status = health.NewUnhealthy(name, "detached from store")
	} else {
		status = health.NewHealthy(name, "following store")
	}
	return status.WithMetrics(&health.Metrics{
		Uptime:     time.Since(l.started),
		ErrorCount: errorCount,
		Ready:      l.index.Ready().Count(),
		Unfinished: l.index.Unfinished().Count(),
	})
}

func (l *Layer[D, P]) recordError() {
	l.mu.Lock()
	l.errorCount++
	l.mu.Unlock()
}
