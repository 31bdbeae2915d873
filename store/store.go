// Package store defines the port between the indexing layer and a
// path-addressed, last-writer-wins document store.
//
// Adapters live in the sub-packages: memstore (in-process), natskv (NATS
// JetStream key-value bucket) and sqlitestore (SQLite table). The watch
// package wraps any Store and records which paths a caller has read.
//
// Every adapter guarantees that a superseded write is never delivered to
// write subscribers with IsLatest set after a newer write for the same path.
// The indexer relies on that ordering and does not track timestamps itself.
package store

import (
	"context"
	"strings"
)

// Document is the content stored at one path.
type Document struct {
	Path    string
	Content string
	Author  string
	// Timestamp in microseconds since the epoch, as assigned by the store.
	Timestamp int64
}

// WriteEvent announces a write that reached the store.
type WriteEvent struct {
	Document
	// IsLatest is false when a newer document already exists at Path.
	IsLatest bool
}

// Write is one pending field write produced from a partial entity.
type Write struct {
	Path    string
	Content string
}

// Query selects documents by path prefix. An empty prefix matches everything.
type Query struct {
	PathPrefix string
}

// Matches reports whether path is selected by q.
func (q Query) Matches(path string) bool {
	return strings.HasPrefix(path, q.PathPrefix)
}

// Store is the external document store consumed by the layer.
type Store interface {
	// Write stores content at path with last-writer-wins semantics.
	// Empty content marks the field as cleared.
	Write(ctx context.Context, author, path, content string) error
	// Read returns the latest content at path. ok is false when nothing
	// was ever written there.
	Read(ctx context.Context, path string) (content string, ok bool, err error)
	// Query returns the latest document for every path matching q, ordered by path.
	Query(ctx context.Context, q Query) ([]Document, error)
	// SubscribeWrites registers fn for every write event.
	SubscribeWrites(fn func(WriteEvent)) (unsubscribe func())
	// SubscribeShutdown registers fn to be called once when the store shuts down.
	SubscribeShutdown(fn func()) (unsubscribe func())
}
