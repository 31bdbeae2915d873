package layer_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semlayer/collection"
	"github.com/c360/semlayer/errors"
	"github.com/c360/semlayer/layer"
	"github.com/c360/semlayer/metric"
	"github.com/c360/semlayer/store"
	"github.com/c360/semlayer/store/memstore"
	"github.com/c360/semlayer/todo"
)

const author = "@suzy"

// countingStore records calls made through it.
type countingStore struct {
	store.Store
	mu      sync.Mutex
	queries []string
	writes  []store.Write
}

func (c *countingStore) Query(ctx context.Context, q store.Query) ([]store.Document, error) {
	c.mu.Lock()
	c.queries = append(c.queries, q.PathPrefix)
	c.mu.Unlock()
	return c.Store.Query(ctx, q)
}

func (c *countingStore) Write(ctx context.Context, author, path, content string) error {
	c.mu.Lock()
	c.writes = append(c.writes, store.Write{Path: path, Content: content})
	c.mu.Unlock()
	return c.Store.Write(ctx, author, path, content)
}

func (c *countingStore) queryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queries)
}

type todoLayer = layer.Layer[todo.Todo, todo.Partial]

func newLayer(t *testing.T, s store.Store, opts ...layer.Option) *todoLayer {
	t.Helper()
	l := layer.New[todo.Todo, todo.Partial](s, todo.NewKind(nil), opts...)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestSetState_RoundTripsThroughStore(t *testing.T) {
	ctx := context.Background()
	mem := memstore.New()
	l := newLayer(t, mem)

	err := l.SetState(ctx, author, "abc", todo.Partial{Text: todo.String("apples"), Done: todo.Bool(false)})
	require.NoError(t, err)

	got, ok, err := l.Get(ctx, "abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, todo.Todo{ID: "abc", Text: "apples", Done: false}, got)

	content, ok, err := mem.Read(ctx, "/todos/v1/abc/done.json")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "false", content)
}

func TestSetState_SubscriberSeesSingleAdded(t *testing.T) {
	ctx := context.Background()
	l := newLayer(t, memstore.New())

	var events []collection.Event[todo.Todo]
	l.Ready().On(collection.ChannelAll, func(e collection.Event[todo.Todo]) {
		if !collection.IsKeyed(e.Channel) {
			events = append(events, e)
		}
	})

	require.NoError(t, l.SetState(ctx, author, "abc", todo.Partial{Text: todo.String("apples")}))
	assert.Empty(t, events, "partial state never reaches ready subscribers")
	assert.True(t, l.Unfinished().Has("abc"))

	require.NoError(t, l.SetState(ctx, author, "abc", todo.Partial{Done: todo.Bool(true)}))

	require.Len(t, events, 1)
	assert.Equal(t, collection.Added, events[0].Kind)
	assert.Equal(t, todo.Todo{ID: "abc", Text: "apples", Done: true}, events[0].Value)
	assert.False(t, l.Unfinished().Has("abc"))
}

func TestSetState_OnlyPresentFieldsAreWritten(t *testing.T) {
	ctx := context.Background()
	cs := &countingStore{Store: memstore.New()}
	l := newLayer(t, cs)

	require.NoError(t, l.SetState(ctx, author, "abc", todo.Partial{Done: todo.Bool(true)}))
	require.Len(t, cs.writes, 1)
	assert.Equal(t, store.Write{Path: "/todos/v1/abc/done.json", Content: "true"}, cs.writes[0])

	require.NoError(t, l.SetState(ctx, author, "abc", todo.Partial{}))
	assert.Len(t, cs.writes, 1)
}

func TestSetState_EmptyValueClearsField(t *testing.T) {
	ctx := context.Background()
	l := newLayer(t, memstore.New())

	require.NoError(t, l.SetState(ctx, author, "abc", todo.Partial{Text: todo.String("apples"), Done: todo.Bool(false)}))
	require.True(t, l.Ready().Has("abc"))

	require.NoError(t, l.SetState(ctx, author, "abc", todo.Partial{Text: todo.String("")}))
	assert.False(t, l.Ready().Has("abc"))
	partial, ok := l.Unfinished().Get("abc")
	require.True(t, ok)
	assert.Nil(t, partial.Text)
	assert.Equal(t, todo.Bool(false), partial.Done)
}

func TestSetState_WriteRejected(t *testing.T) {
	ctx := context.Background()
	mem := memstore.New(memstore.WithValidator(func(_, path, _ string) error {
		if strings.HasSuffix(path, "done.json") {
			return fmt.Errorf("read-only field")
		}
		return nil
	}))
	cs := &countingStore{Store: mem}
	l := newLayer(t, cs)

	err := l.SetState(ctx, author, "abc", todo.Partial{Text: todo.String("apples"), Done: todo.Bool(true)})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrWriteRejected)
	assert.Contains(t, err.Error(), "Layer.SetState")
	assert.Contains(t, err.Error(), "read-only field")

	// Text was written, done was attempted once and not retried.
	assert.Len(t, cs.writes, 2)
	assert.True(t, l.Unfinished().Has("abc"))
	assert.Equal(t, 1, l.Health().Metrics.ErrorCount)
}

func TestSetState_InvalidID(t *testing.T) {
	ctx := context.Background()
	l := newLayer(t, memstore.New())

	for _, id := range []string{"", "a/b"} {
		err := l.SetState(ctx, author, id, todo.Partial{Text: todo.String("x")})
		assert.ErrorIs(t, err, errors.ErrInvalidID, "id %q", id)
		_, _, err = l.Get(ctx, id)
		assert.ErrorIs(t, err, errors.ErrInvalidID, "id %q", id)
	}
}

func TestGet_FallbackQueryAssemblesFromStore(t *testing.T) {
	ctx := context.Background()
	mem := memstore.New()
	require.NoError(t, mem.Write(ctx, author, "/todos/v1/missing/text.txt", "from the store"))
	require.NoError(t, mem.Write(ctx, author, "/todos/v1/missing/done.json", "true"))
	require.NoError(t, mem.Write(ctx, author, "/todos/v1/missing-not/text.txt", "neighbour"))

	cs := &countingStore{Store: mem}
	l := newLayer(t, cs)
	require.Equal(t, 0, l.Ready().Count())

	got, ok, err := l.Get(ctx, "missing")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, todo.Todo{ID: "missing", Text: "from the store", Done: true}, got)
	assert.Equal(t, []string{"/todos/v1/missing/"}, cs.queries)

	assert.True(t, l.Ready().Has("missing"))
	assert.False(t, l.Unfinished().Has("missing-not"))

	_, ok, err = l.Get(ctx, "missing")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, cs.queryCount(), "second get is served from the index")
}

func TestGet_IncompleteIsAbsent(t *testing.T) {
	ctx := context.Background()
	mem := memstore.New()
	require.NoError(t, mem.Write(ctx, author, "/todos/v1/half/text.txt", "only text"))

	l := newLayer(t, mem)
	_, ok, err := l.Get(ctx, "half")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, l.Unfinished().Has("half"))

	_, ok, err = l.Get(ctx, "nothing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGet_QueryError(t *testing.T) {
	ctx := context.Background()
	mem := memstore.New()
	l := newLayer(t, &failingQueryStore{Store: mem})

	_, ok, err := l.Get(ctx, "abc")
	require.Error(t, err)
	assert.False(t, ok)
	assert.True(t, errors.IsTransient(err))
}

func TestDelete_RemovesEntity(t *testing.T) {
	ctx := context.Background()
	l := newLayer(t, memstore.New())

	var deleted []string
	l.Ready().On(string(collection.Deleted), func(e collection.Event[todo.Todo]) { deleted = append(deleted, e.ID) })

	require.NoError(t, l.SetState(ctx, author, "abc", todo.Partial{Text: todo.String("apples"), Done: todo.Bool(true)}))
	require.NoError(t, l.Delete(ctx, author, "abc"))

	assert.Equal(t, []string{"abc"}, deleted)
	assert.False(t, l.Ready().Has("abc"))
	assert.False(t, l.Unfinished().Has("abc"))
}

func TestOpen_LoadsExistingDocuments(t *testing.T) {
	ctx := context.Background()
	mem := memstore.New()
	for _, id := range []string{"a", "b"} {
		require.NoError(t, mem.Write(ctx, author, "/todos/v1/"+id+"/text.txt", "task "+id))
		require.NoError(t, mem.Write(ctx, author, "/todos/v1/"+id+"/done.json", "false"))
	}
	require.NoError(t, mem.Write(ctx, author, "/todos/v1/c/text.txt", "half"))

	l, err := layer.Open[todo.Todo, todo.Partial](ctx, mem, todo.NewKind(nil))
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, []string{"a", "b"}, l.Ready().IDs())
	assert.Equal(t, []string{"c"}, l.Unfinished().IDs())
}

func TestOpen_LoadFailureClosesLayer(t *testing.T) {
	mem := memstore.New()
	_, err := layer.Open[todo.Todo, todo.Partial](context.Background(), &failingQueryStore{Store: mem}, todo.NewKind(nil))
	require.Error(t, err)
}

func TestClose_StopsFollowingStore(t *testing.T) {
	ctx := context.Background()
	mem := memstore.New()
	cs := &countingStore{Store: mem}
	l := newLayer(t, cs)

	require.NoError(t, l.SetState(ctx, author, "abc", todo.Partial{Text: todo.String("apples"), Done: todo.Bool(true)}))
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	assert.True(t, l.Closed())

	require.NoError(t, mem.Write(ctx, author, "/todos/v1/abc/text.txt", "changed"))
	got, ok, err := l.Get(ctx, "abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "apples", got.Text, "index no longer follows the store")

	require.NoError(t, mem.Write(ctx, author, "/todos/v1/new/text.txt", "x"))
	require.NoError(t, mem.Write(ctx, author, "/todos/v1/new/done.json", "true"))
	_, ok, err = l.Get(ctx, "new")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, cs.queryCount(), "closed layer answers from the index only")

	assert.ErrorIs(t, l.SetState(ctx, author, "abc", todo.Partial{}), errors.ErrLayerClosed)
	assert.ErrorIs(t, l.Delete(ctx, author, "abc"), errors.ErrLayerClosed)
	_, err = l.Load(ctx)
	assert.ErrorIs(t, err, errors.ErrLayerClosed)

	// The layer never closes the store.
	_, ok, err = mem.Read(ctx, "/todos/v1/abc/text.txt")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStoreShutdown_DetachesLayer(t *testing.T) {
	mem := memstore.New()
	l := newLayer(t, mem)

	require.NoError(t, mem.Close())

	select {
	case <-l.Done():
	default:
		t.Fatal("layer should be detached after store shutdown")
	}
	assert.True(t, l.Closed())
	assert.False(t, l.Health().Healthy)
}

func TestHealth(t *testing.T) {
	ctx := context.Background()
	l := newLayer(t, memstore.New())
	require.NoError(t, l.SetState(ctx, author, "a", todo.Partial{Text: todo.String("x"), Done: todo.Bool(true)}))
	require.NoError(t, l.SetState(ctx, author, "b", todo.Partial{Text: todo.String("y")}))

	status := l.Health()
	assert.True(t, status.Healthy)
	assert.Equal(t, "layer.todo", status.Component)
	require.NotNil(t, status.Metrics)
	assert.Equal(t, 1, status.Metrics.Ready)
	assert.Equal(t, 1, status.Metrics.Unfinished)
}

func TestLayer_Metrics(t *testing.T) {
	ctx := context.Background()
	registry := metric.NewMetricsRegistry()
	m, err := layer.NewMetrics("todo", registry)
	require.NoError(t, err)

	mem := memstore.New()
	require.NoError(t, mem.Write(ctx, author, "/todos/v1/x/text.txt", "t"))
	require.NoError(t, mem.Write(ctx, author, "/todos/v1/x/done.json", "true"))

	l := newLayer(t, mem, layer.WithMetrics(m))
	_, _, _ = l.Get(ctx, "x")
	_, _, _ = l.Get(ctx, "x")
	_, _, _ = l.Get(ctx, "y")
	require.NoError(t, l.SetState(ctx, author, "z", todo.Partial{Text: todo.String("a"), Done: todo.Bool(false)}))

	expected := `
# HELP semlayer_layer_gets_total Get calls by outcome (hit, fallback, miss)
# TYPE semlayer_layer_gets_total counter
semlayer_layer_gets_total{entity="todo",outcome="fallback"} 1
semlayer_layer_gets_total{entity="todo",outcome="hit"} 1
semlayer_layer_gets_total{entity="todo",outcome="miss"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(registry.PrometheusRegistry(),
		strings.NewReader(expected), "semlayer_layer_gets_total"))
}

type failingQueryStore struct {
	store.Store
}

func (failingQueryStore) Query(context.Context, store.Query) ([]store.Document, error) {
	return nil, errors.WrapTransient(errors.ErrStorageUnavailable, "test", "Query", "query")
}
