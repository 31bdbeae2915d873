package memstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semlayer/errors"
	"github.com/c360/semlayer/store"
)

func fixedClock() func() time.Time {
	t := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func TestStore_WriteReadQuery(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Write(ctx, "@alice", "/todos/v1/b/text.txt", "bananas"))
	require.NoError(t, s.Write(ctx, "@alice", "/todos/v1/a/text.txt", "apples"))
	require.NoError(t, s.Write(ctx, "@alice", "/notes/x", "other"))

	content, ok, err := s.Read(ctx, "/todos/v1/a/text.txt")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "apples", content)

	_, ok, err = s.Read(ctx, "/missing")
	require.NoError(t, err)
	assert.False(t, ok)

	docs, err := s.Query(ctx, store.Query{PathPrefix: "/todos/v1/"})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "/todos/v1/a/text.txt", docs[0].Path)
	assert.Equal(t, "/todos/v1/b/text.txt", docs[1].Path)
	assert.Equal(t, "@alice", docs[0].Author)

	all, err := s.Query(ctx, store.Query{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStore_TimestampsStrictlyIncrease(t *testing.T) {
	ctx := context.Background()
	s := New(WithClock(fixedClock()))

	var events []store.WriteEvent
	s.SubscribeWrites(func(e store.WriteEvent) { events = append(events, e) })

	require.NoError(t, s.Write(ctx, "@a", "/p", "1"))
	require.NoError(t, s.Write(ctx, "@a", "/p", "2"))

	require.Len(t, events, 2)
	assert.True(t, events[0].IsLatest)
	assert.True(t, events[1].IsLatest)
	assert.Greater(t, events[1].Timestamp, events[0].Timestamp)
}

func TestStore_IngestStaleDocument(t *testing.T) {
	ctx := context.Background()
	s := New()

	var events []store.WriteEvent
	s.SubscribeWrites(func(e store.WriteEvent) { events = append(events, e) })

	require.NoError(t, s.Write(ctx, "@local", "/p", "local"))
	current := events[0].Timestamp

	latest, err := s.Ingest(store.Document{Path: "/p", Content: "old", Author: "@remote", Timestamp: current - 10})
	require.NoError(t, err)
	assert.False(t, latest)
	require.Len(t, events, 2)
	assert.False(t, events[1].IsLatest)

	content, _, _ := s.Read(ctx, "/p")
	assert.Equal(t, "local", content)

	latest, err = s.Ingest(store.Document{Path: "/p", Content: "new", Author: "@remote", Timestamp: current + 10})
	require.NoError(t, err)
	assert.True(t, latest)
	content, _, _ = s.Read(ctx, "/p")
	assert.Equal(t, "new", content)

	// A later local write still wins over the ingested timestamp.
	require.NoError(t, s.Write(ctx, "@local", "/p", "mine"))
	assert.Greater(t, events[len(events)-1].Timestamp, current+10)
}

func TestStore_IngestTieBreaksOnAuthor(t *testing.T) {
	s := New()
	_, err := s.Ingest(store.Document{Path: "/p", Content: "a", Author: "@a", Timestamp: 100})
	require.NoError(t, err)

	latest, _ := s.Ingest(store.Document{Path: "/p", Content: "z", Author: "@z", Timestamp: 100})
	assert.True(t, latest)
	latest, _ = s.Ingest(store.Document{Path: "/p", Content: "b", Author: "@b", Timestamp: 100})
	assert.False(t, latest)
}

func TestStore_WriteValidation(t *testing.T) {
	ctx := context.Background()
	s := New(WithValidator(func(author, path, content string) error {
		if author == "" {
			return fmt.Errorf("author required")
		}
		return nil
	}))

	err := s.Write(ctx, "", "/p", "x")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	err = s.Write(ctx, "@a", "relative", "x")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.Equal(t, 0, s.Len())
}

func TestStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := New()

	assert.ErrorIs(t, s.Write(ctx, "@a", "/p", "x"), context.Canceled)
	_, _, err := s.Read(ctx, "/p")
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.Query(ctx, store.Query{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStore_Close(t *testing.T) {
	ctx := context.Background()
	s := New()

	shutdowns := 0
	s.SubscribeShutdown(func() { shutdowns++ })
	writes := 0
	s.SubscribeWrites(func(store.WriteEvent) { writes++ })

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, shutdowns)

	err := s.Write(ctx, "@a", "/p", "x")
	assert.ErrorIs(t, err, errors.ErrStoreClosed)
	assert.Equal(t, 0, writes)

	_, err = s.Query(ctx, store.Query{})
	assert.ErrorIs(t, err, errors.ErrStoreClosed)
}

func TestStore_Unsubscribe(t *testing.T) {
	ctx := context.Background()
	s := New()

	n := 0
	off := s.SubscribeWrites(func(store.WriteEvent) { n++ })
	require.NoError(t, s.Write(ctx, "@a", "/p", "1"))
	off()
	require.NoError(t, s.Write(ctx, "@a", "/p", "2"))
	assert.Equal(t, 1, n)
}
