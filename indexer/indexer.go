// Package indexer maintains an index of assembled entities from a stream of
// single-field store writes.
//
// Every entity id is in one of three states: absent, unfinished (some fields
// known, not complete) or ready (complete). Ingest applies one write and moves
// the id between the unfinished and ready collections. The id is always
// removed from the collection it leaves before it is inserted into the one it
// enters, so no subscriber ever sees it in both.
//
// Writes may arrive in any order across paths. For a single path the store
// must never deliver a superseded write after a newer one; the indexer does no
// timestamp tracking of its own.
package indexer

import (
	"context"
	"log/slog"
	"sync"

	"github.com/c360/semlayer/collection"
	"github.com/c360/semlayer/entity"
	"github.com/c360/semlayer/errors"
	"github.com/c360/semlayer/store"
)

// Transition describes what one ingested write did to its entity.
type Transition string

const (
	// TransitionIgnored: the path does not belong to the entity kind.
	TransitionIgnored Transition = "ignored"
	// TransitionNone: a clear for an id the index does not know.
	TransitionNone Transition = "none"
	// TransitionQuarantined: the entity is, and stays, unfinished.
	TransitionQuarantined Transition = "quarantined"
	// TransitionPromoted: the entity became complete.
	TransitionPromoted Transition = "promoted"
	// TransitionUpdated: the entity was and is complete.
	TransitionUpdated Transition = "updated"
	// TransitionDemoted: the entity lost a required field.
	TransitionDemoted Transition = "demoted"
	// TransitionRemoved: the entity has no fields left.
	TransitionRemoved Transition = "removed"
)

// Querier is the part of store.Store used for batch loads.
type Querier interface {
	Query(ctx context.Context, q store.Query) ([]store.Document, error)
}

// Indexer maintains the ready and unfinished collections for one entity kind.
type Indexer[D, P any] struct {
	def        entity.Definition[D, P]
	ready      *collection.Collection[D]
	unfinished *collection.Collection[P]
	dispatcher *collection.Dispatcher

	// mu serialises state changes across both collections.
	mu      sync.Mutex
	logger  *slog.Logger
	metrics *Metrics
}

// New creates an Indexer with empty collections sharing one dispatcher.
func New[D, P any](def entity.Definition[D, P], opts ...Option) *Indexer[D, P] {
	o := applyOptions(opts...)
	logger := o.logger.With("component", "indexer", "entity", def.Name())

	dispatcher := o.dispatcher
	if dispatcher == nil {
		dispatcher = collection.NewDispatcher(logger)
	}

	cloneReady := func(d D) D {
		out, _ := def.Assemble(def.Disassemble(d))
		return out
	}

	return &Indexer[D, P]{
		def: def,
		ready: collection.New[D](
			collection.WithDispatcher[D](dispatcher),
			collection.WithClone(cloneReady),
			collection.WithLogger[D](logger),
		),
		unfinished: collection.New[P](
			collection.WithDispatcher[P](dispatcher),
			collection.WithClone(def.ClonePartial),
			collection.WithLogger[P](logger),
		),
		dispatcher: dispatcher,
		logger:     logger,
		metrics:    o.metrics,
	}
}

// Ready returns the collection of complete entities.
func (ix *Indexer[D, P]) Ready() *collection.Collection[D] { return ix.ready }

// Unfinished returns the collection of incomplete entities.
func (ix *Indexer[D, P]) Unfinished() *collection.Collection[P] { return ix.unfinished }

// Definition returns the entity kind being indexed.
func (ix *Indexer[D, P]) Definition() entity.Definition[D, P] { return ix.def }

// HandleWrite ingests evt unless the store flagged it as superseded.
func (ix *Indexer[D, P]) HandleWrite(evt store.WriteEvent) {
	if !evt.IsLatest {
		ix.metrics.recordStale()
		ix.logger.Debug("dropping superseded write", "path", evt.Path)
		return
	}
	ix.Ingest(evt.Document)
}

// Ingest applies a single document to the index. Documents for other entity
// kinds or unknown fields are ignored. Ingesting the same document twice
// leaves the index unchanged the second time.
func (ix *Indexer[D, P]) Ingest(doc store.Document) Transition {
	ref, ok := ix.def.PathBelongsToEntity(doc.Path)
	if !ok {
		ix.metrics.recordIgnored()
		ix.logger.Debug("ignoring unrelated path", "path", doc.Path)
		return TransitionIgnored
	}

	var t Transition
	// Delivery is held until the lock is released so handlers may write
	// back into the store and re-enter Ingest.
	ix.dispatcher.Batch(func() {
		ix.mu.Lock()
		defer ix.mu.Unlock()

		field := ix.def.ExtractField(ref, doc.Content)
		t = ix.apply(ref.ID, field)
		if t != TransitionNone {
			ix.metrics.recordIngest(t, ix.ready.Count(), ix.unfinished.Count())
		}
	})

	ix.logger.Debug("ingested write", "path", doc.Path, "id", ref.ID, "transition", t)
	return t
}

// apply merges field into the current state of id. Callers hold ix.mu.
func (ix *Indexer[D, P]) apply(id string, field entity.Field) Transition {
	var (
		existing P
		wasReady bool
		wasKnown bool
	)
	if d, ok := ix.ready.Get(id); ok {
		existing, wasReady, wasKnown = ix.def.Disassemble(d), true, true
	} else if p, ok := ix.unfinished.Get(id); ok {
		existing, wasKnown = p, true
	} else {
		existing = ix.def.NewPartial(id)
	}

	candidate := ix.def.MergeFieldIntoPartial(existing, field)

	if ix.def.IsEmpty(candidate) {
		if !wasKnown {
			return TransitionNone
		}
		ix.ready.Delete(id)
		ix.unfinished.Delete(id)
		return TransitionRemoved
	}

	if complete, ok := ix.def.Assemble(candidate); ok {
		ix.unfinished.Delete(id)
		ix.ready.Set(id, complete)
		if wasReady {
			return TransitionUpdated
		}
		return TransitionPromoted
	}

	ix.ready.Delete(id)
	ix.unfinished.Set(id, candidate)
	if wasReady {
		return TransitionDemoted
	}
	return TransitionQuarantined
}

// Load queries every document under the entity namespace and ingests each
// one. It returns the number of documents that belonged to the entity kind.
// The result does not depend on the order the store returns documents in.
func (ix *Indexer[D, P]) Load(ctx context.Context, q Querier) (int, error) {
	docs, err := q.Query(ctx, store.Query{PathPrefix: ix.def.Schema().Prefix()})
	if err != nil {
		return 0, errors.Wrap(err, "Indexer", "Load", "query namespace")
	}

	n := 0
	for _, doc := range docs {
		if ix.Ingest(doc) != TransitionIgnored {
			n++
		}
	}

	ix.logger.Info("index loaded",
		"documents", len(docs),
		"relevant", n,
		"ready", ix.ready.Count(),
		"unfinished", ix.unfinished.Count())
	return n, nil
}

// Reset empties both collections, emitting a deleted event per entity.
func (ix *Indexer[D, P]) Reset() {
	ix.dispatcher.Batch(func() {
		ix.mu.Lock()
		defer ix.mu.Unlock()
		ix.ready.DeleteAll()
		ix.unfinished.DeleteAll()
	})
}
