// Package collection provides Collection, a keyed container that announces
// every insert, change and removal to subscribers.
//
// A Collection maps string ids to values of type T. Each mutation emits one
// event on the global channel for its kind ("added", "changed", "deleted")
// and one on the per-id channel ("added:{id}" and so on). Subscribers to "*"
// receive both copies of every event and are expected to filter with IsKeyed
// when they only want one. Replacing a value with a deep-equal one emits
// nothing.
package collection

import (
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/google/go-cmp/cmp"
)

// Kind names the type of change an Event describes.
type Kind string

const (
	Added   Kind = "added"
	Changed Kind = "changed"
	Deleted Kind = "deleted"
)

// ChannelAll receives every event, global and keyed.
const ChannelAll = "*"

// Channel returns the per-id channel name for kind, e.g. "added:abc".
func Channel(kind Kind, id string) string {
	return string(kind) + ":" + id
}

// IsKeyed reports whether channel is a per-id channel.
func IsKeyed(channel string) bool {
	return strings.Contains(channel, ":")
}

// Event is a single change notification.
type Event[T any] struct {
	// Channel the event was emitted on.
	Channel string
	Kind    Kind
	ID      string
	// Value is the new value for Added and Changed, the removed value for Deleted.
	Value T
	// Prev is the replaced value, only set for Changed.
	Prev T
}

// Handler receives events from a Collection.
type Handler[T any] func(Event[T])

// Entry is an id/value pair returned by Entries.
type Entry[T any] struct {
	ID    string
	Value T
}

// Collection is a keyed, event-emitting container safe for concurrent use.
type Collection[T any] struct {
	mu    sync.RWMutex
	items map[string]T

	listenersMu sync.RWMutex
	listeners   map[string]map[uint64]Handler[T]
	nextID      uint64

	dispatcher *Dispatcher
	clone      func(T) T
	equal      func(a, b T) bool
	logger     *slog.Logger
}

// New creates an empty Collection.
func New[T any](opts ...Option[T]) *Collection[T] {
	return NewFrom[T](nil, opts...)
}

// NewFrom creates a Collection seeded with initial. Seeding emits no events.
func NewFrom[T any](initial map[string]T, opts ...Option[T]) *Collection[T] {
	o := applyOptions(opts...)

	c := &Collection[T]{
		items:      make(map[string]T, len(initial)),
		listeners:  make(map[string]map[uint64]Handler[T]),
		dispatcher: o.dispatcher,
		clone:      o.clone,
		equal:      o.equal,
		logger:     o.logger,
	}
	if c.dispatcher == nil {
		c.dispatcher = NewDispatcher(c.logger)
	}
	for id, v := range initial {
		c.items[id] = v
	}
	return c
}

// Dispatcher returns the dispatcher delivering this collection's events.
func (c *Collection[T]) Dispatcher() *Dispatcher {
	return c.dispatcher
}

// Set inserts or replaces the value stored under id. The collection takes
// ownership of value.
func (c *Collection[T]) Set(id string, value T) {
	c.mu.Lock()
	prev, existed := c.items[id]
	if existed && c.equal(prev, value) {
		c.mu.Unlock()
		return
	}
	c.items[id] = value

	evt := Event[T]{ID: id, Value: c.clone(value)}
	if existed {
		evt.Kind = Changed
		evt.Prev = prev
	} else {
		evt.Kind = Added
	}
	c.dispatcher.enqueue(func() { c.emit(evt) })
	c.mu.Unlock()

	c.dispatcher.drain()
}

// Delete removes id and reports whether it was present.
func (c *Collection[T]) Delete(id string) bool {
	c.mu.Lock()
	prev, existed := c.items[id]
	if !existed {
		c.mu.Unlock()
		return false
	}
	delete(c.items, id)

	evt := Event[T]{Kind: Deleted, ID: id, Value: prev}
	c.dispatcher.enqueue(func() { c.emit(evt) })
	c.mu.Unlock()

	c.dispatcher.drain()
	return true
}

// DeleteAll removes every item, emitting one deleted event per id in id order.
func (c *Collection[T]) DeleteAll() {
	c.dispatcher.Batch(func() {
		for _, id := range c.IDs() {
			c.Delete(id)
		}
	})
}

// Get returns a copy of the value stored under id.
func (c *Collection[T]) Get(id string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.items[id]
	if !ok {
		var zero T
		return zero, false
	}
	return c.clone(v), true
}

// Has reports whether id is present.
func (c *Collection[T]) Has(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.items[id]
	return ok
}

// Count returns the number of items.
func (c *Collection[T]) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// IDs returns all ids in ascending order.
func (c *Collection[T]) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sortedIDs()
}

// Items returns copies of all values ordered by id.
func (c *Collection[T]) Items() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := c.sortedIDs()
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.clone(c.items[id]))
	}
	return out
}

// Entries returns copies of all id/value pairs ordered by id.
func (c *Collection[T]) Entries() []Entry[T] {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := c.sortedIDs()
	out := make([]Entry[T], 0, len(ids))
	for _, id := range ids {
		out = append(out, Entry[T]{ID: id, Value: c.clone(c.items[id])})
	}
	return out
}

// On subscribes fn to channel and returns a function that removes the
// subscription. Calling the returned function more than once is harmless.
func (c *Collection[T]) On(channel string, fn Handler[T]) (unsubscribe func()) {
	c.listenersMu.Lock()
	c.nextID++
	key := c.nextID
	if c.listeners[channel] == nil {
		c.listeners[channel] = make(map[uint64]Handler[T])
	}
	c.listeners[channel][key] = fn
	c.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.listenersMu.Lock()
			defer c.listenersMu.Unlock()
			delete(c.listeners[channel], key)
			if len(c.listeners[channel]) == 0 {
				delete(c.listeners, channel)
			}
		})
	}
}

// ListenerCount returns the number of subscriptions on channel.
func (c *Collection[T]) ListenerCount(channel string) int {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	return len(c.listeners[channel])
}

func (c *Collection[T]) sortedIDs() []string {
	ids := make([]string, 0, len(c.items))
	for id := range c.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// emit delivers evt on its global channel and then on its keyed channel.
// "*" listeners see both.
func (c *Collection[T]) emit(evt Event[T]) {
	global := evt
	global.Channel = string(evt.Kind)
	c.fire(global.Channel, global)
	c.fire(ChannelAll, global)

	keyed := evt
	keyed.Channel = Channel(evt.Kind, evt.ID)
	c.fire(keyed.Channel, keyed)
	c.fire(ChannelAll, keyed)
}

func (c *Collection[T]) fire(channel string, evt Event[T]) {
	c.listenersMu.RLock()
	subs := c.listeners[channel]
	keys := make([]uint64, 0, len(subs))
	for k := range subs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	handlers := make([]Handler[T], 0, len(keys))
	for _, k := range keys {
		handlers = append(handlers, subs[k])
	}
	c.listenersMu.RUnlock()

	for _, h := range handlers {
		c.call(h, evt)
	}
}

func (c *Collection[T]) call(h Handler[T], evt Event[T]) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("collection handler panicked",
				"channel", evt.Channel,
				"id", evt.ID,
				"panic", r)
		}
	}()
	h(evt)
}

// exportAll lets cmp descend into unexported fields, which it otherwise
// refuses with a panic.
var exportAll = cmp.Exporter(func(reflect.Type) bool { return true })

func defaultEqual[T any](a, b T) bool {
	return cmp.Equal(a, b, exportAll)
}

func identity[T any](v T) T {
	return v
}
