// Package metrics provides Prometheus instrumentation for the predictor.
//
// Metrics exposed:
//   - rackwatch_fetch_seconds: time spent assembling a rack snapshot
//   - rackwatch_preprocess_seconds: time spent encoding a rack graph
//   - rackwatch_inference_seconds{fw}: time spent per inference call
//   - rackwatch_tick_seconds: duration of a whole tick
//   - rackwatch_persist_seconds: time spent persisting the cache
//   - rackwatch_errors_total{stage,reason}: errors by pipeline stage
//   - rackwatch_cursor_index: current position in the timestamp sequence
//   - rackwatch_cache_entries: number of cached prediction records
//   - rackwatch_last_tick_timestamp_seconds: unix time of the last completed tick
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the predictor.
type Metrics struct {
	FetchSeconds      prometheus.Histogram
	PreprocessSeconds prometheus.Histogram
	InferenceSeconds  *prometheus.HistogramVec
	TickSeconds       prometheus.Histogram
	PersistSeconds    prometheus.Histogram
	ErrorsTotal       *prometheus.CounterVec
	CursorIndex       prometheus.Gauge
	CacheEntries      prometheus.Gauge
	LastTickTimestamp prometheus.Gauge
}

// New creates the metrics and registers them with reg. A nil reg uses the
// default Prometheus registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		FetchSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rackwatch_fetch_seconds",
			Help:    "Time spent reading node files and assembling a rack snapshot",
			Buckets: prometheus.DefBuckets,
		}),

		PreprocessSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rackwatch_preprocess_seconds",
			Help:    "Time spent scaling features and building the rack graph",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
		}),

		InferenceSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rackwatch_inference_seconds",
			Help:    "Time spent waiting for the inference service",
			Buckets: prometheus.DefBuckets,
		}, []string{"fw"}),

		TickSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rackwatch_tick_seconds",
			Help:    "Duration of a complete scheduler tick",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}),

		PersistSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rackwatch_persist_seconds",
			Help:    "Time spent persisting the prediction cache",
			Buckets: prometheus.DefBuckets,
		}),

		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rackwatch_errors_total",
			Help: "Total number of pipeline errors by stage and reason",
		}, []string{"stage", "reason"}),

		CursorIndex: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rackwatch_cursor_index",
			Help: "Index of the next timestamp to replay",
		}),

		CacheEntries: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rackwatch_cache_entries",
			Help: "Number of prediction records held in the cache",
		}),

		LastTickTimestamp: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rackwatch_last_tick_timestamp_seconds",
			Help: "Unix time at which the last tick completed",
		}),
	}
}

// RecordError increments the error counter for a stage.
func (m *Metrics) RecordError(stage, reason string) {
	m.ErrorsTotal.WithLabelValues(stage, reason).Inc()
}

// ObserveInference records one inference call duration for a forecast window.
func (m *Metrics) ObserveInference(fw int, seconds float64) {
	m.InferenceSeconds.WithLabelValues(strconv.Itoa(fw)).Observe(seconds)
}
