package lineage

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "lineagesync"

// metrics are registered on a per-dispatcher registry so several engines can
// share one process.
type metrics struct {
	registry *prometheus.Registry

	// events counts events leaving a lane. Labels: kind, outcome
	events *prometheus.CounterVec
	// poison counts skipped events. Labels: category
	poison *prometheus.CounterVec

	retries                 prometheus.Counter
	reconcileRaces          prometheus.Counter
	checkpointWriteFailures prometheus.Counter
	checkpointTimestamp     prometheus.Gauge
	applyLatency            *prometheus.HistogramVec
}

func newMetrics(laneDepth func(lane int) int, lanes int) *metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	m := &metrics{
		registry: reg,
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_total",
			Help:      "Events processed by outcome",
		}, []string{"kind", "outcome"}),
		poison: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "poison_events_total",
			Help:      "Events skipped as poison by category",
		}, []string{"category"}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retries_total",
			Help:      "Handler attempts retried after a transient storage failure",
		}),
		reconcileRaces: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconcile_retained_edges_total",
			Help:      "Edges kept by neighbour reconciliation because they were newer than the assertion",
		}),
		checkpointWriteFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "checkpoint_write_failures_total",
			Help:      "Failed checkpoint writes",
		}),
		checkpointTimestamp: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "checkpoint_timestamp_seconds",
			Help:      "Unix time of the in-memory checkpoint",
		}),
		applyLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "apply_duration_seconds",
			Help:      "Time from dequeue to outcome per event kind",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"kind"}),
	}
	for i := 0; i < lanes; i++ {
		lane := i
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "lane_depth",
			Help:        "Events queued on a lane",
			ConstLabels: prometheus.Labels{"lane": strconv.Itoa(lane)},
		}, func() float64 { return float64(laneDepth(lane)) })
	}
	return m
}
