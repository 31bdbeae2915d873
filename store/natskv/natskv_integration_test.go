//go:build integration

package natskv_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/c360/semlayer/errors"
	"github.com/c360/semlayer/natsclient"
	"github.com/c360/semlayer/store"
	"github.com/c360/semlayer/store/natskv"
	"github.com/c360/semlayer/todo"
)

type NATSKVSuite struct {
	suite.Suite
	tc    *natsclient.TestClient
	store *natskv.Store
	n     int
}

func TestNATSKVSuite(t *testing.T) {
	suite.Run(t, new(NATSKVSuite))
}

func (s *NATSKVSuite) SetupSuite() {
	s.tc = natsclient.NewTestClient(s.T(), natsclient.WithJetStream())
}

func (s *NATSKVSuite) SetupTest() {
	s.n++
	st, err := natskv.Open(context.Background(), s.tc.Client, natskv.DefaultConfig(bucketName(s.n)))
	s.Require().NoError(err)
	s.store = st
}

func (s *NATSKVSuite) TearDownTest() {
	_ = s.store.Close()
}

func bucketName(n int) string {
	return "docs_" + string(rune('a'+n))
}

type recorder struct {
	mu     sync.Mutex
	events []store.WriteEvent
}

func (r *recorder) add(evt store.WriteEvent) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []store.WriteEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]store.WriteEvent(nil), r.events...)
}

func (s *NATSKVSuite) TestWriteReadAndFeed() {
	ctx := context.Background()
	rec := &recorder{}
	s.store.SubscribeWrites(rec.add)

	s.Require().NoError(s.store.Write(ctx, "@suzy", "/todos/v1/a/text.txt", "apples"))

	content, ok, err := s.store.Read(ctx, "/todos/v1/a/text.txt")
	s.Require().NoError(err)
	s.True(ok)
	s.Equal("apples", content)

	_, ok, err = s.store.Read(ctx, "/todos/v1/missing/text.txt")
	s.Require().NoError(err)
	s.False(ok)

	s.Eventually(func() bool { return len(rec.snapshot()) == 1 }, 5*time.Second, 20*time.Millisecond)
	evt := rec.snapshot()[0]
	s.Equal("/todos/v1/a/text.txt", evt.Path)
	s.Equal("apples", evt.Content)
	s.Equal("@suzy", evt.Author)
	s.True(evt.IsLatest)
}

func (s *NATSKVSuite) TestQueryByPrefix() {
	ctx := context.Background()
	for _, p := range []string{"/todos/v1/b/text.txt", "/todos/v1/a/text.txt", "/notes/v1/a/body.md"} {
		s.Require().NoError(s.store.Write(ctx, "@suzy", p, "x"))
	}

	docs, err := s.store.Query(ctx, store.Query{PathPrefix: "/todos/v1/"})
	s.Require().NoError(err)
	s.Require().Len(docs, 2)
	s.Equal("/todos/v1/a/text.txt", docs[0].Path)
	s.Equal("/todos/v1/b/text.txt", docs[1].Path)

	docs, err = s.store.Query(ctx, store.Query{PathPrefix: "/nothing/"})
	s.Require().NoError(err)
	s.Empty(docs)
}

func (s *NATSKVSuite) TestRejectsInvalidPath() {
	err := s.store.Write(context.Background(), "@suzy", "no-slash", "x")
	s.Require().Error(err)
	s.True(errors.IsInvalid(err))
}

func (s *NATSKVSuite) TestTodoLayerRoundTrip() {
	ctx := context.Background()
	l := todo.NewLayer(s.store, nil)
	defer func() { _ = l.Close() }()

	created, err := l.Create(ctx, "@suzy", "apples")
	s.Require().NoError(err)

	s.Eventually(func() bool { return l.Ready().Has(created.ID) }, 5*time.Second, 20*time.Millisecond)

	done, err := l.Toggle(ctx, "@suzy", created.ID)
	s.Require().NoError(err)
	s.True(done)
	s.Eventually(func() bool {
		got, ok := l.Ready().Get(created.ID)
		return ok && got.Done
	}, 5*time.Second, 20*time.Millisecond)

	// A second layer over the same bucket loads the state from scratch.
	other, err := todo.OpenLayer(ctx, s.store, nil)
	s.Require().NoError(err)
	defer func() { _ = other.Close() }()
	got, ok := other.Ready().Get(created.ID)
	s.Require().True(ok)
	s.Equal(todo.Todo{ID: created.ID, Text: "apples", Done: true}, got)
}

func (s *NATSKVSuite) TestCloseNotifiesShutdown() {
	fired := make(chan struct{}, 1)
	s.store.SubscribeShutdown(func() { fired <- struct{}{} })

	s.Require().NoError(s.store.Close())
	s.Require().NoError(s.store.Close())

	select {
	case <-fired:
	case <-time.After(time.Second):
		s.Fail("shutdown not announced")
	}
	s.True(s.store.Health().IsUnhealthy())

	err := s.store.Write(context.Background(), "@suzy", "/todos/v1/a/text.txt", "x")
	s.ErrorIs(err, errors.ErrStoreClosed)
}

func TestClientCloseShutsDownStore(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	st, err := natskv.Open(context.Background(), tc.Client, natskv.DefaultConfig("docs"))
	require.NoError(t, err)

	fired := make(chan struct{}, 1)
	st.SubscribeShutdown(func() { fired <- struct{}{} })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tc.Client.Close(ctx))

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("store did not shut down with its client")
	}
	assert.True(t, st.Health().IsUnhealthy())
}
