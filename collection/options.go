package collection

import "log/slog"

// Option configures a Collection.
type Option[T any] func(*collectionOptions[T])

type collectionOptions[T any] struct {
	dispatcher *Dispatcher
	clone      func(T) T
	equal      func(a, b T) bool
	logger     *slog.Logger
}

// WithDispatcher makes the collection deliver events through d. Collections
// sharing a dispatcher deliver their events in one global mutation order.
func WithDispatcher[T any](d *Dispatcher) Option[T] {
	return func(o *collectionOptions[T]) {
		if d != nil {
			o.dispatcher = d
		}
	}
}

// WithClone sets the copy function applied to every value handed out by
// reads and events. Value types without references do not need one.
func WithClone[T any](clone func(T) T) Option[T] {
	return func(o *collectionOptions[T]) {
		if clone != nil {
			o.clone = clone
		}
	}
}

// WithEqual replaces the deep-equality check used to suppress no-op updates.
func WithEqual[T any](equal func(a, b T) bool) Option[T] {
	return func(o *collectionOptions[T]) {
		if equal != nil {
			o.equal = equal
		}
	}
}

// WithLogger sets the logger used to report handler panics.
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(o *collectionOptions[T]) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func applyOptions[T any](opts ...Option[T]) *collectionOptions[T] {
	o := &collectionOptions[T]{
		clone:  identity[T],
		equal:  defaultEqual[T],
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}
