// Package metrics exposes the processor's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the queue processor.
type Metrics struct {
	BatchPasses    *prometheus.CounterVec
	BatchDuration  prometheus.Histogram
	JobsProcessed  *prometheus.CounterVec
	JobsRecovered  prometheus.Counter
	MessagesSent   prometheus.Counter
	MessagesFailed prometheus.Counter
	TokensPruned   prometheus.Counter
}

// New registers the processor metrics on reg and returns them. Tests pass a
// fresh prometheus.NewRegistry to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		BatchPasses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pushqueue",
				Name:      "batch_passes_total",
				Help:      "Processing passes by outcome",
			},
			[]string{"outcome"}, // completed, skipped, error
		),
		BatchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "pushqueue",
				Name:      "batch_duration_seconds",
				Help:      "Duration of one processing pass",
				Buckets:   prometheus.DefBuckets,
			},
		),
		JobsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pushqueue",
				Name:      "jobs_processed_total",
				Help:      "Jobs finished by terminal status",
			},
			[]string{"status"}, // completed, failed
		),
		JobsRecovered: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pushqueue",
				Name:      "jobs_recovered_total",
				Help:      "Stale processing jobs recovered",
			},
		),
		MessagesSent: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pushqueue",
				Name:      "messages_sent_total",
				Help:      "Messages confirmed delivered by the gateway",
			},
		),
		MessagesFailed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pushqueue",
				Name:      "messages_failed_total",
				Help:      "Messages rejected or undeliverable",
			},
		),
		TokensPruned: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pushqueue",
				Name:      "tokens_pruned_total",
				Help:      "Device tokens deleted after permanent gateway rejection",
			},
		),
	}
}
