// Package sqlitestore keeps documents in a SQLite table with
// last-writer-wins upserts.
//
// Write events are announced to in-process subscribers only; two processes
// sharing one database file do not see each other's writes.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/c360/semlayer/collection"
	"github.com/c360/semlayer/errors"
	"github.com/c360/semlayer/pkg/timestamp"
	"github.com/c360/semlayer/store"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS docs (
	path      TEXT PRIMARY KEY,
	content   TEXT NOT NULL,
	author    TEXT NOT NULL,
	timestamp INTEGER NOT NULL
)`

// upsertSQL replaces the row only when the incoming document is newer.
// Ties on timestamp go to the lexically greater author.
const upsertSQL = `
INSERT INTO docs (path, content, author, timestamp) VALUES (?, ?, ?, ?)
ON CONFLICT(path) DO UPDATE SET
	content = excluded.content,
	author = excluded.author,
	timestamp = excluded.timestamp
WHERE excluded.timestamp > docs.timestamp
   OR (excluded.timestamp = docs.timestamp AND excluded.author > docs.author)`

// Store is a store.Store backed by SQLite.
type Store struct {
	db   *sql.DB
	path string

	// mu orders timestamp assignment with event queueing.
	mu     sync.Mutex
	clock  *timestamp.Clock
	closed bool

	writes   *store.Listeners[store.WriteEvent]
	shutdown *store.Listeners[struct{}]
	notify   *collection.Dispatcher
	logger   *slog.Logger
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the database at path. Use ":memory:" for a private
// in-memory database.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sqlitestore")

	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.WrapFatal(err, "sqlitestore", "Open", "open database")
	}
	// One connection keeps ":memory:" databases shared and writes serialised.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, errors.WrapFatal(err, "sqlitestore", "Open", "create schema")
	}

	var lastTS sql.NullInt64
	if err := db.QueryRowContext(ctx, "SELECT MAX(timestamp) FROM docs").Scan(&lastTS); err != nil {
		db.Close()
		return nil, errors.WrapFatal(err, "sqlitestore", "Open", "read last timestamp")
	}

	clock := timestamp.NewClock(time.Now)
	clock.Observe(lastTS.Int64)

	s := &Store{
		db:       db,
		path:     path,
		clock:    clock,
		writes:   store.NewListeners[store.WriteEvent](),
		shutdown: store.NewListeners[struct{}](),
		notify:   collection.NewDispatcher(logger),
		logger:   logger,
	}
	logger.Info("sqlite store opened", "path", path, "last_write", timestamp.Format(clock.Last()))
	return s, nil
}

// Path returns the database path.
func (s *Store) Path() string { return s.path }

// Write stores content at path with a timestamp newer than every stored one.
func (s *Store) Write(ctx context.Context, author, path, content string) error {
	if !strings.HasPrefix(path, "/") {
		return errors.WrapInvalid(errors.ErrInvalidData, "sqlitestore", "Write",
			"path must start with '/': "+path)
	}

	var err error
	s.notify.Batch(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			err = errors.WrapFatal(errors.ErrStoreClosed, "sqlitestore", "Write", "write "+path)
			return
		}

		doc := store.Document{Path: path, Content: content, Author: author, Timestamp: s.clock.Peek()}
		if _, execErr := s.db.ExecContext(ctx, upsertSQL, doc.Path, doc.Content, doc.Author, doc.Timestamp); execErr != nil {
			err = errors.WrapTransient(execErr, "sqlitestore", "Write", "upsert "+path)
			return
		}
		s.clock.Commit(doc.Timestamp)
		s.notify.Dispatch(func() { s.writes.Notify(store.WriteEvent{Document: doc, IsLatest: true}) })
	})
	return err
}

// Ingest stores a document written elsewhere if it is newer than the stored
// one and announces it either way.
func (s *Store) Ingest(ctx context.Context, doc store.Document) (bool, error) {
	var (
		latest bool
		err    error
	)
	s.notify.Batch(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			err = errors.WrapFatal(errors.ErrStoreClosed, "sqlitestore", "Ingest", "ingest "+doc.Path)
			return
		}

		res, execErr := s.db.ExecContext(ctx, upsertSQL, doc.Path, doc.Content, doc.Author, doc.Timestamp)
		if execErr != nil {
			err = errors.WrapTransient(execErr, "sqlitestore", "Ingest", "upsert "+doc.Path)
			return
		}
		latest, err = upserted(res, doc.Path)
		if err != nil {
			return
		}
		if latest {
			s.clock.Observe(doc.Timestamp)
		}
		evt := store.WriteEvent{Document: doc, IsLatest: latest}
		s.notify.Dispatch(func() { s.writes.Notify(evt) })
	})
	return latest, err
}

// upserted reports whether the conditional upsert replaced or inserted a row.
func upserted(res sql.Result, path string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.WrapTransient(err, "sqlitestore", "Ingest", "rows affected "+path)
	}
	return n > 0, nil
}

// Read returns the content stored at path.
func (s *Store) Read(ctx context.Context, path string) (string, bool, error) {
	if s.isClosed() {
		return "", false, errors.WrapFatal(errors.ErrStoreClosed, "sqlitestore", "Read", "read "+path)
	}

	var content string
	err := s.db.QueryRowContext(ctx, "SELECT content FROM docs WHERE path = ?", path).Scan(&content)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.WrapTransient(err, "sqlitestore", "Read", "select "+path)
	}
	return content, true, nil
}

// Query returns every document whose path starts with q.PathPrefix, ordered
// by path.
func (s *Store) Query(ctx context.Context, q store.Query) ([]store.Document, error) {
	if s.isClosed() {
		return nil, errors.WrapFatal(errors.ErrStoreClosed, "sqlitestore", "Query", "query "+q.PathPrefix)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT path, content, author, timestamp FROM docs
		 WHERE substr(path, 1, length(?)) = ?
		 ORDER BY path`, q.PathPrefix, q.PathPrefix)
	if err != nil {
		return nil, errors.WrapTransient(err, "sqlitestore", "Query", "select "+q.PathPrefix)
	}
	defer rows.Close()

	var docs []store.Document
	for rows.Next() {
		var d store.Document
		if err := rows.Scan(&d.Path, &d.Content, &d.Author, &d.Timestamp); err != nil {
			return nil, errors.WrapFatal(err, "sqlitestore", "Query", "scan row")
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "sqlitestore", "Query", fmt.Sprintf("iterate %q", q.PathPrefix))
	}
	return docs, nil
}

// SubscribeWrites registers fn for writes made through this Store.
func (s *Store) SubscribeWrites(fn func(store.WriteEvent)) func() {
	return s.writes.Add(fn)
}

// SubscribeShutdown registers fn to run when Close is called.
func (s *Store) SubscribeShutdown(fn func()) func() {
	return s.shutdown.Add(func(struct{}) { fn() })
}

// Close notifies shutdown subscribers and closes the database.
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

	if err := s.db.Close(); err != nil {
		return errors.WrapTransient(err, "sqlitestore", "Close", "close database")
	}
	return nil
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
