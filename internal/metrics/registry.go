// Package metrics provides Prometheus metrics for the Modbus monitor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all Prometheus metrics for the service.
type Registry struct {
	// Connection metrics
	Connected         prometheus.Gauge
	ConnectsTotal     prometheus.Counter
	ConnectErrors     prometheus.Counter
	ConnectionLatency prometheus.Histogram

	// Cycle metrics
	CyclesTotal         *prometheus.CounterVec
	CycleDuration       prometheus.Histogram
	ConsecutiveFailures prometheus.Gauge

	// Register read metrics
	ReadsTotal prometheus.Counter
	ReadErrors *prometheus.CounterVec

	// Sink metrics
	SinkDeliveries prometheus.Counter
	SinkErrors     prometheus.Counter

	// MQTT metrics
	MQTTMessagesPublished prometheus.Counter
	MQTTMessagesFailed    prometheus.Counter
	MQTTBufferSize        prometheus.Gauge

	// Store metrics
	StoreWrites prometheus.Counter
	StoreErrors prometheus.Counter
}

// NewRegistry creates a new metrics registry with all metrics registered.
func NewRegistry() *Registry {
	return &Registry{
		Connected: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "monitor",
			Subsystem: "modbus",
			Name:      "connected",
			Help:      "1 if the Modbus connection is established",
		}),
		ConnectsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "monitor",
			Subsystem: "modbus",
			Name:      "connects_total",
			Help:      "Total number of Modbus connection attempts",
		}),
		ConnectErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "monitor",
			Subsystem: "modbus",
			Name:      "connect_errors_total",
			Help:      "Total number of failed Modbus connection attempts",
		}),
		ConnectionLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "monitor",
			Subsystem: "modbus",
			Name:      "connection_latency_seconds",
			Help:      "Modbus connection establishment latency",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		CyclesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "monitor",
			Subsystem: "polling",
			Name:      "cycles_total",
			Help:      "Total number of poll cycles by outcome class",
		}, []string{"class"}),
		CycleDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "monitor",
			Subsystem: "polling",
			Name:      "cycle_duration_seconds",
			Help:      "Poll cycle duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		ConsecutiveFailures: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "monitor",
			Subsystem: "polling",
			Name:      "consecutive_failures",
			Help:      "Current consecutive cycle-level failure count",
		}),

		ReadsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "monitor",
			Subsystem: "polling",
			Name:      "reads_total",
			Help:      "Total number of register reads issued",
		}),
		ReadErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "monitor",
			Subsystem: "polling",
			Name:      "read_errors_total",
			Help:      "Total number of failed register reads by kind",
		}, []string{"kind"}),

		SinkDeliveries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "monitor",
			Subsystem: "sink",
			Name:      "deliveries_total",
			Help:      "Total number of cycle outcomes delivered to the sink",
		}),
		SinkErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "monitor",
			Subsystem: "sink",
			Name:      "errors_total",
			Help:      "Total number of failed sink deliveries",
		}),

		MQTTMessagesPublished: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "monitor",
			Subsystem: "mqtt",
			Name:      "messages_published_total",
			Help:      "Total number of MQTT messages published",
		}),
		MQTTMessagesFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "monitor",
			Subsystem: "mqtt",
			Name:      "messages_failed_total",
			Help:      "Total number of failed MQTT publishes",
		}),
		MQTTBufferSize: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "monitor",
			Subsystem: "mqtt",
			Name:      "buffer_size",
			Help:      "Current MQTT message buffer size",
		}),

		StoreWrites: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "monitor",
			Subsystem: "store",
			Name:      "writes_total",
			Help:      "Total number of cycle outcomes written to the store",
		}),
		StoreErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "monitor",
			Subsystem: "store",
			Name:      "errors_total",
			Help:      "Total number of failed store writes",
		}),
	}
}

// RecordConnect records a connection attempt.
func (r *Registry) RecordConnect(success bool, latency float64) {
	r.ConnectsTotal.Inc()
	r.ConnectionLatency.Observe(latency)
	if success {
		r.Connected.Set(1)
	} else {
		r.ConnectErrors.Inc()
		r.Connected.Set(0)
	}
}

// RecordDisconnect marks the connection gauge down.
func (r *Registry) RecordDisconnect() {
	r.Connected.Set(0)
}

// RecordCycle records a completed poll cycle.
func (r *Registry) RecordCycle(class string, duration float64, consecutiveFailures int) {
	r.CyclesTotal.WithLabelValues(class).Inc()
	r.CycleDuration.Observe(duration)
	r.ConsecutiveFailures.Set(float64(consecutiveFailures))
}

// RecordRead records a single register read attempt.
func (r *Registry) RecordRead(kind string, err error) {
	r.ReadsTotal.Inc()
	if err != nil {
		r.ReadErrors.WithLabelValues(kind).Inc()
	}
}

// RecordSinkDelivery records a sink delivery attempt.
func (r *Registry) RecordSinkDelivery(success bool) {
	if success {
		r.SinkDeliveries.Inc()
	} else {
		r.SinkErrors.Inc()
	}
}

// RecordMQTTPublish records an MQTT publish attempt.
func (r *Registry) RecordMQTTPublish(success bool) {
	if success {
		r.MQTTMessagesPublished.Inc()
	} else {
		r.MQTTMessagesFailed.Inc()
	}
}

// UpdateMQTTBufferSize updates the MQTT buffer size gauge.
func (r *Registry) UpdateMQTTBufferSize(size int) {
	r.MQTTBufferSize.Set(float64(size))
}

// RecordStoreWrite records a store write attempt.
func (r *Registry) RecordStoreWrite(success bool) {
	if success {
		r.StoreWrites.Inc()
	} else {
		r.StoreErrors.Inc()
	}
}
