package layer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/semlayer/metric"
)

// Metrics counts layer reads and writes.
type Metrics struct {
	gets   *prometheus.CounterVec
	writes *prometheus.CounterVec
}

// NewMetrics registers the layer metrics for entity. A nil registry gives nil
// metrics, which the layer treats as disabled.
func NewMetrics(entity string, registry *metric.MetricsRegistry) (*Metrics, error) {
	if registry == nil {
		return nil, nil
	}
	labels := prometheus.Labels{"entity": entity}

	m := &Metrics{
		gets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "semlayer_layer_gets_total",
			Help:        "Get calls by outcome (hit, fallback, miss)",
			ConstLabels: labels,
		}, []string{"outcome"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "semlayer_layer_field_writes_total",
			Help:        "Field writes sent to the store by status",
			ConstLabels: labels,
		}, []string{"status"}),
	}

	service := "layer_" + entity
	if err := registry.RegisterCounterVec(service, "gets_total", m.gets); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(service, "field_writes_total", m.writes); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) recordGet(outcome string) {
	if m != nil {
		m.gets.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) recordWrite(ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "rejected"
	}
	m.writes.WithLabelValues(status).Inc()
}
