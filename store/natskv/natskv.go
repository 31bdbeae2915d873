// Package natskv stores documents in a NATS JetStream key-value bucket.
//
// Each path is one key. The bucket serialises puts, so the last put to reach
// the server wins; the write feed is a watch on the whole bucket, which means
// writes from every process sharing the bucket are announced, not only local
// ones. Deleted and purged keys are announced as empty content.
package natskv

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/c360/semlayer/errors"
	"github.com/c360/semlayer/health"
	"github.com/c360/semlayer/metric"
	"github.com/c360/semlayer/natsclient"
	"github.com/c360/semlayer/pkg/timestamp"
	"github.com/c360/semlayer/store"
)

// queryConcurrency bounds the parallel gets of one Query.
const queryConcurrency = 16

// Config selects and shapes the bucket.
type Config struct {
	Bucket      string
	History     uint8
	Description string
	KV          natsclient.KVOptions
}

// DefaultConfig returns a config for bucket with one revision of history.
func DefaultConfig(bucket string) Config {
	return Config{
		Bucket:      bucket,
		History:     1,
		Description: "semlayer documents",
		KV:          natsclient.DefaultKVOptions(),
	}
}

// record is the stored value: KV entries carry no author of their own.
type record struct {
	Author  string `json:"author"`
	Content string `json:"content"`
}

// Store is a store.Store over a JetStream KV bucket.
type Store struct {
	kv      *natsclient.KVStore
	watcher jetstream.KeyWatcher
	cancel  context.CancelFunc

	writes   *store.Listeners[store.WriteEvent]
	shutdown *store.Listeners[struct{}]

	closed       atomic.Bool
	unhookClient func()

	metrics *metric.Metrics
	logger  *slog.Logger
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records write outcomes on the core metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// Open creates or binds the bucket and starts watching it. client must be
// connected. The store shuts down when client's connection closes.
func Open(ctx context.Context, client *natsclient.Client, cfg Config, opts ...Option) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "natskv", "Open", "bucket is required")
	}

	s := &Store{
		writes:   store.NewListeners[store.WriteEvent](),
		shutdown: store.NewListeners[struct{}](),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "natskv", "bucket", cfg.Bucket)

	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		History:     cfg.History,
		Description: cfg.Description,
	})
	if err != nil {
		return nil, errors.Wrap(err, "natskv", "Open", "bind bucket")
	}
	s.kv = client.NewKVStore(bucket, func(o *natsclient.KVOptions) {
		if cfg.KV.Timeout > 0 {
			o.Timeout = cfg.KV.Timeout
		}
		if cfg.KV.MaxValueSize > 0 {
			o.MaxValueSize = cfg.KV.MaxValueSize
		}
	})

	watchCtx, cancel := context.WithCancel(context.Background())
	watcher, err := s.kv.WatchAll(watchCtx, jetstream.UpdatesOnly())
	if err != nil {
		cancel()
		return nil, errors.WrapTransient(err, "natskv", "Open", "watch bucket")
	}
	s.watcher = watcher
	s.cancel = cancel
	s.unhookClient = client.OnClosed(func() {
		s.logger.Warn("NATS connection closed, shutting down store")
		_ = s.Close()
	})

	go s.run()

	s.logger.Info("NATS KV store opened")
	return s, nil
}

func (s *Store) run() {
	for entry := range s.watcher.Updates() {
		// nil marks the end of initial values; UpdatesOnly skips those.
		if entry == nil {
			continue
		}
		if s.closed.Load() {
			return
		}
		doc := toDocument(entry.Key(), entry.Value(), entry.Operation(), entry.Created())
		s.writes.Notify(store.WriteEvent{Document: doc, IsLatest: true})
	}
	if !s.closed.Load() {
		s.logger.Warn("bucket watch ended")
		_ = s.Close()
	}
}

// toDocument decodes a bucket entry. Values that are not records are taken
// as raw content with no author.
func toDocument(key string, value []byte, op jetstream.KeyValueOp, created time.Time) store.Document {
	doc := store.Document{Path: key, Timestamp: timestamp.FromTime(created)}
	if op == jetstream.KeyValueDelete || op == jetstream.KeyValuePurge {
		return doc
	}
	var rec record
	if err := json.Unmarshal(value, &rec); err != nil {
		doc.Content = string(value)
		return doc
	}
	doc.Author = rec.Author
	doc.Content = rec.Content
	return doc
}

// Write puts content at path.
func (s *Store) Write(ctx context.Context, author, path, content string) error {
	if s.closed.Load() {
		return errors.WrapFatal(errors.ErrStoreClosed, "natskv", "Write", "write "+path)
	}
	if !strings.HasPrefix(path, "/") {
		return errors.WrapInvalid(errors.ErrInvalidData, "natskv", "Write",
			"path must start with '/': "+path)
	}

	value, err := json.Marshal(record{Author: author, Content: content})
	if err != nil {
		return errors.WrapInvalid(err, "natskv", "Write", "encode "+path)
	}

	start := time.Now()
	_, err = s.kv.Put(ctx, path, value)
	if s.metrics != nil {
		s.metrics.RecordStoreWrite("natskv", err, time.Since(start))
	}
	if err != nil {
		if errors.Is(err, natsclient.ErrKVValueTooLarge) || errors.Is(err, jetstream.ErrInvalidKey) {
			return errors.WrapInvalid(err, "natskv", "Write", "put "+path)
		}
		return errors.WrapTransient(err, "natskv", "Write", "put "+path)
	}
	return nil
}

// Read returns the content stored at path.
func (s *Store) Read(ctx context.Context, path string) (string, bool, error) {
	if s.closed.Load() {
		return "", false, errors.WrapFatal(errors.ErrStoreClosed, "natskv", "Read", "read "+path)
	}
	entry, err := s.kv.Get(ctx, path)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return "", false, nil
		}
		return "", false, errors.WrapTransient(err, "natskv", "Read", "get "+path)
	}
	doc := toDocument(path, entry.Value, jetstream.KeyValuePut, entry.Created)
	return doc.Content, true, nil
}

// Query returns the live documents under q.PathPrefix, ordered by path.
func (s *Store) Query(ctx context.Context, q store.Query) ([]store.Document, error) {
	if s.closed.Load() {
		return nil, errors.WrapFatal(errors.ErrStoreClosed, "natskv", "Query", "query "+q.PathPrefix)
	}

	keys, err := s.kv.Keys(ctx, q.PathPrefix)
	if err != nil {
		return nil, errors.WrapTransient(err, "natskv", "Query", "list "+q.PathPrefix)
	}
	sort.Strings(keys)

	found := make([]*store.Document, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(queryConcurrency)
	for i, key := range keys {
		g.Go(func() error {
			entry, err := s.kv.Get(gctx, key)
			if err != nil {
				// Deleted since it was listed.
				if natsclient.IsKVNotFoundError(err) {
					return nil
				}
				return errors.WrapTransient(err, "natskv", "Query", "get "+key)
			}
			doc := toDocument(key, entry.Value, jetstream.KeyValuePut, entry.Created)
			found[i] = &doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	docs := make([]store.Document, 0, len(keys))
	for _, doc := range found {
		if doc != nil {
			docs = append(docs, *doc)
		}
	}
	return docs, nil
}

// SubscribeWrites registers fn for every change to the bucket. fn runs on
// the watch goroutine, one event at a time.
func (s *Store) SubscribeWrites(fn func(store.WriteEvent)) func() {
	return s.writes.Add(fn)
}

// SubscribeShutdown registers fn to run when the store closes.
func (s *Store) SubscribeShutdown(fn func()) func() {
	return s.shutdown.Add(func(struct{}) { fn() })
}

// Close stops the watch and notifies shutdown subscribers. It does not close
// the NATS client.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if s.unhookClient != nil {
		s.unhookClient()
	}
	if s.watcher != nil {
		if stopErr := s.watcher.Stop(); stopErr != nil {
			err = errors.WrapTransient(stopErr, "natskv", "Close", "stop watch")
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.shutdown.Notify(struct{}{})
	s.writes.Clear()
	s.shutdown.Clear()
	s.logger.Info("NATS KV store closed")
	return err
}

// Health reports whether the store is usable.
func (s *Store) Health() health.Status {
	if s.closed.Load() {
		return health.NewUnhealthy("natskv", "closed")
	}
	return health.NewHealthy("natskv", "watching "+s.kv.Bucket())
}
