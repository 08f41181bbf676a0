// Package metrics exposes pipeline counters for Prometheus scraping or
// textfile export at the end of a batch run.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rotisserie/eris"
)

var (
	// RecordsDropped counts malformed input rows, labeled by kind (visit,
	// device) and drop reason.
	RecordsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copresence_records_dropped_total",
			Help: "Input records dropped as malformed",
		},
		[]string{"kind", "reason"},
	)

	// RecordsAccepted counts input rows that passed validation.
	RecordsAccepted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copresence_records_accepted_total",
			Help: "Input records accepted",
		},
		[]string{"kind"},
	)

	// EdgesBuilt counts co-presence edges per layer.
	EdgesBuilt = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copresence_edges_total",
			Help: "Directed co-presence edges emitted per layer",
		},
		[]string{"layer"},
	)

	// DevicesScored counts devices with a defined score.
	DevicesScored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "copresence_devices_scored_total",
			Help: "Devices with a defined functional bandwidth score",
		},
	)

	// ScoresUndefined counts low-class devices excluded for having no
	// cross-class neighbor.
	ScoresUndefined = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "copresence_scores_undefined_total",
			Help: "Low-class devices without a cross-class neighbor",
		},
	)

	// StageDuration measures wall time per pipeline stage.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "copresence_stage_duration_seconds",
			Help:    "Duration of pipeline stages in seconds",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"stage"},
	)

	// ModelFitFailures counts degenerate regression fits by model name.
	ModelFitFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copresence_model_fit_failures_total",
			Help: "Regression fits that failed on degenerate data",
		},
		[]string{"model"},
	)
)

// ObserveDropped adds per-reason drop counts for one record kind.
func ObserveDropped(kind string, dropped map[string]int) {
	for reason, n := range dropped {
		RecordsDropped.WithLabelValues(kind, reason).Add(float64(n))
	}
}

// ObserveStage records how long a stage took since start.
func ObserveStage(stage string, start time.Time) time.Duration {
	d := time.Since(start)
	StageDuration.WithLabelValues(stage).Observe(d.Seconds())
	return d
}

// WriteTextfile writes every registered metric to path in the Prometheus
// text format, for pickup by a node exporter textfile collector.
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return eris.Wrapf(err, "metrics: write textfile %s", path)
	}
	return nil
}
