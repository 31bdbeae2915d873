package indexer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/semlayer/metric"
)

// Metrics holds the Prometheus collectors of one indexer.
type Metrics struct {
	ingested    prometheus.Counter
	ignored     prometheus.Counter
	stale       prometheus.Counter
	transitions *prometheus.CounterVec
	ready       prometheus.Gauge
	unfinished  prometheus.Gauge
}

// NewMetrics creates and registers the indexer metrics for entity. It
// returns nil when registry is nil.
func NewMetrics(entity string, registry *metric.MetricsRegistry) (*Metrics, error) {
	if registry == nil {
		return nil, nil
	}
	labels := prometheus.Labels{"entity": entity}

	m := &Metrics{
		ingested: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "semlayer_indexer_writes_ingested_total",
			Help:        "Total number of store writes applied to the index",
			ConstLabels: labels,
		}),
		ignored: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "semlayer_indexer_writes_ignored_total",
			Help:        "Total number of writes whose path does not belong to the entity",
			ConstLabels: labels,
		}),
		stale: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "semlayer_indexer_writes_stale_total",
			Help:        "Total number of superseded write events dropped",
			ConstLabels: labels,
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "semlayer_indexer_transitions_total",
			Help:        "Index state transitions by type",
			ConstLabels: labels,
		}, []string{"transition"}),
		ready: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "semlayer_indexer_ready_entities",
			Help:        "Number of complete entities in the index",
			ConstLabels: labels,
		}),
		unfinished: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "semlayer_indexer_unfinished_entities",
			Help:        "Number of incomplete entities in the index",
			ConstLabels: labels,
		}),
	}

	service := "indexer_" + entity
	if err := registry.RegisterCounter(service, "writes_ingested_total", m.ingested); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(service, "writes_ignored_total", m.ignored); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(service, "writes_stale_total", m.stale); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(service, "transitions_total", m.transitions); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(service, "ready_entities", m.ready); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(service, "unfinished_entities", m.unfinished); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) recordIgnored() {
	if m != nil {
		m.ignored.Inc()
	}
}

func (m *Metrics) recordStale() {
	if m != nil {
		m.stale.Inc()
	}
}

func (m *Metrics) recordIngest(t Transition, ready, unfinished int) {
	if m == nil {
		return
	}
	m.ingested.Inc()
	m.transitions.WithLabelValues(string(t)).Inc()
	m.ready.Set(float64(ready))
	m.unfinished.Set(float64(unfinished))
}
