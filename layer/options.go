package layer

import (
	"log/slog"

	"github.com/c360/semlayer/indexer"
)

// Option configures a Layer.
type Option func(*options)

type options struct {
	logger         *slog.Logger
	metrics        *Metrics
	indexerMetrics *indexer.Metrics
}

// WithLogger sets the logger used by the layer and its indexer.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics enables layer metrics.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithIndexerMetrics enables metrics on the layer's indexer.
func WithIndexerMetrics(m *indexer.Metrics) Option {
	return func(o *options) {
		o.indexerMetrics = m
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
