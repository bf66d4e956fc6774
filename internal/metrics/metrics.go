// Package metrics holds the fabric's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics carries all fabric metrics. Construct exactly once per process;
// promauto registers on the default registry.
type Metrics struct {
	// Execution metrics
	Executions        *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec

	// Pipeline metrics
	PipelineEvents *prometheus.CounterVec
	Promotions     *prometheus.CounterVec

	// Matrix metrics
	CommittedSlots prometheus.Gauge
	DirtySlots     prometheus.Gauge

	// Token and persistence metrics
	LiveTokens       prometheus.Gauge
	CheckpointWrites *prometheus.CounterVec
}

// New creates and registers all fabric metrics.
func New() *Metrics {
	return &Metrics{
		Executions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fabric_executions_total",
				Help: "Total node executions, by engine and outcome",
			},
			[]string{"engine", "status"}, // status: success, failure
		),
		ExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fabric_execution_duration_seconds",
				Help:    "Wall time per execution",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"engine"},
		),
		PipelineEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fabric_pipeline_events_total",
				Help: "Staging pipeline audit events by kind",
			},
			[]string{"event"},
		),
		Promotions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fabric_promotions_total",
				Help: "Snippet promotions by engine and outcome",
			},
			[]string{"engine", "status"}, // status: promoted, failed, rejected
		),
		CommittedSlots: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fabric_committed_slots",
			Help: "Bound slots across the matrix",
		}),
		DirtySlots: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fabric_dirty_slots",
			Help: "Bound slots lagging the ledger version",
		}),
		LiveTokens: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fabric_live_marshal_tokens",
			Help: "Marshal tokens inside their TTL",
		}),
		CheckpointWrites: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fabric_checkpoint_writes_total",
				Help: "Checkpoint writes by outcome",
			},
			[]string{"status"}, // status: ok, error
		),
	}
}
