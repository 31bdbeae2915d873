package indexer

import (
	"log/slog"

	"github.com/c360/semlayer/collection"
)

// Option configures an Indexer.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	metrics    *Metrics
	dispatcher *collection.Dispatcher
}

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithDispatcher delivers collection events through d instead of a private
// dispatcher.
func WithDispatcher(d *collection.Dispatcher) Option {
	return func(o *options) {
		o.dispatcher = d
	}
}

func applyOptions(opts ...Option) *options {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}
