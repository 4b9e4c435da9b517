// Package metrics holds the Prometheus collectors shared by the hub.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "brisa"

// Metrics groups every collector exported by the ingestion pipeline, the
// live hub and the query service.
type Metrics struct {
	MessagesReceived prometheus.Counter
	DecodeFailures   prometheus.Counter
	Duplicates       prometheus.Counter
	SamplesPersisted prometheus.Counter
	PersistErrors    prometheus.Counter
	PersistDropped   prometheus.Counter
	LiveSent         prometheus.Counter
	LiveDropped      *prometheus.CounterVec
	Viewers          prometheus.Gauge
	BrokerState      prometheus.Gauge
	QueryDuration    *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered, which is what most tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Transport messages handed to the pipeline.",
		}),
		DecodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Messages dropped because the payload could not be decoded.",
		}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_total",
			Help:      "Redelivered messages suppressed before persistence.",
		}),
		SamplesPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_persisted_total",
			Help:      "Sensor samples written to the store.",
		}),
		PersistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_errors_total",
			Help:      "Records the store rejected or failed to write.",
		}),
		PersistDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_dropped_total",
			Help:      "Records dropped because the persistence queue was full.",
		}),
		LiveSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_messages_sent_total",
			Help:      "Live updates delivered to viewers.",
		}),
		LiveDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_messages_dropped_total",
			Help:      "Live updates not delivered, by reason.",
		}, []string{"reason"}),
		Viewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_viewers",
			Help:      "Currently registered live viewers.",
		}),
		BrokerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_connection_state",
			Help:      "0 disconnected, 1 connecting, 2 connected.",
		}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Store query latency by operation and outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"op", "status"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.MessagesReceived, m.DecodeFailures, m.Duplicates,
			m.SamplesPersisted, m.PersistErrors, m.PersistDropped,
			m.LiveSent, m.LiveDropped, m.Viewers, m.BrokerState,
			m.QueryDuration,
		)
	}
	return m
}
