// Package metric provides the Prometheus registry shared by semlayer
// components and an HTTP server exposing it.
//
// Components register their own collectors through MetricsRegistry, which
// rejects duplicate registrations with classified errors. A small set of core
// metrics (store connectivity, write outcomes, health) is always present.
package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the process-wide metrics that are not owned by one component
type Metrics struct {
	StoreWrites        *prometheus.CounterVec
	StoreWriteDuration *prometheus.HistogramVec
	ErrorsTotal        *prometheus.CounterVec
	HealthCheckStatus  *prometheus.GaugeVec

	StoreConnected *prometheus.GaugeVec
	NATSReconnects prometheus.Counter
	StreamClients  prometheus.Gauge
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		StoreWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "semlayer",
				Subsystem: "store",
				Name:      "writes_total",
				Help:      "Total number of writes sent to the document store",
			},
			[]string{"store", "status"},
		),

		StoreWriteDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "semlayer",
				Subsystem: "store",
				Name:      "write_duration_seconds",
				Help:      "Document store write duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"store"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "semlayer",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors",
			},
			[]string{"component", "class"},
		),

		HealthCheckStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "semlayer",
				Subsystem: "health",
				Name:      "status",
				Help:      "Health check status (0=unhealthy, 1=healthy)",
			},
			[]string{"component"},
		),

		StoreConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "semlayer",
				Subsystem: "store",
				Name:      "connected",
				Help:      "Document store connection status (0=disconnected, 1=connected)",
			},
			[]string{"store"},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "semlayer",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),

		StreamClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "semlayer",
				Subsystem: "stream",
				Name:      "clients",
				Help:      "Connected event stream clients",
			},
		),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.StoreWrites,
		c.StoreWriteDuration,
		c.ErrorsTotal,
		c.HealthCheckStatus,
		c.StoreConnected,
		c.NATSReconnects,
		c.StreamClients,
	}
}

// RecordStoreWrite counts one store write and its duration
func (c *Metrics) RecordStoreWrite(store string, err error, duration time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.StoreWrites.WithLabelValues(store, status).Inc()
	c.StoreWriteDuration.WithLabelValues(store).Observe(duration.Seconds())
}

// RecordError increments error counter
func (c *Metrics) RecordError(component, class string) {
	c.ErrorsTotal.WithLabelValues(component, class).Inc()
}

// RecordHealthStatus updates health check status
func (c *Metrics) RecordHealthStatus(component string, healthy bool) {
	c.HealthCheckStatus.WithLabelValues(component).Set(boolToFloat(healthy))
}

// RecordStoreStatus updates the store connection status
func (c *Metrics) RecordStoreStatus(store string, connected bool) {
	c.StoreConnected.WithLabelValues(store).Set(boolToFloat(connected))
}

// RecordNATSReconnect increments reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
