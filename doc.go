// Package semlayer is a reactive indexing layer over a path-addressed,
// last-writer-wins document store.
//
// A domain object is spread over several documents, one per field, at paths
// such as /todos/v1/{id}/text and /todos/v1/{id}/done. Writers may set those
// fields in any order and from any process. The layer follows the store's
// write feed, assembles the fields into objects and keeps two indexes: one of
// complete objects, one of objects still missing a field. Consumers subscribe
// to the indexes and see exactly one event per real change.
//
// # Architecture
//
// Writes never touch the index directly:
//
//	caller ──SetState──▶ layer ──Write──▶ store.Store
//	                                          │ write feed
//	                                          ▼
//	     subscribers ◀──events── collection ◀── indexer
//
// so the effect of a write becomes visible once it has made the round trip
// through the store, the same way a write from another process does.
//
// # Packages
//
// Core:
//   - collection: keyed container with added/changed/deleted events
//   - schema: path templates and field extraction
//   - entity: the capability interface a domain kind implements
//   - indexer: incremental assembly into the ready and unfinished collections
//   - layer: read/write facade with fallback queries on a cache miss
//   - todo: the todo kind, built on the above
//
// Stores:
//   - store: the store port and shared listener plumbing
//   - store/memstore: in-process store, used by tests and the default daemon
//   - store/sqlitestore: single-file store on modernc.org/sqlite
//   - store/natskv: NATS JetStream key-value bucket, shared between processes
//   - store/watch: records which paths a reader touched and relays their writes
//
// Infrastructure:
//   - natsclient: NATS connection lifecycle and KV helpers
//   - config: layered JSON/YAML configuration with environment overrides
//   - errors: classified errors (transient, invalid, fatal)
//   - metric, health: Prometheus metrics and component health
//   - stream: websocket feed of a collection's events
//   - pkg/retry, pkg/timestamp: connection retries and document timestamps
//
// # Binary
//
//	# In-memory store
//	./bin/semlayer --log-format=text
//
//	# Shared NATS KV bucket
//	SEMLAYER_STORE_TYPE=nats SEMLAYER_NATS_URL=nats://localhost:4222 ./bin/semlayer
//
// The daemon loads the todo layer, serves Prometheus metrics and health on
// :9090 and streams the ready todos on ws://:8080/events.
package semlayer
