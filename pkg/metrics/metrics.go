package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	heapMonitor = "heap_monitor"

	// Watcher metrics
	artifactsDetectedTotal = "artifacts_detected_total"

	// Processing metrics
	admissionsTotal         = "admissions_total"
	analyzerDurationSeconds = "analyzer_duration_seconds"
	queueDepth              = "queue_depth"
	busyWorkers             = "busy_workers"

	// Labels
	admissionResultLabel = "result"
	analyzerOutcomeLabel = "outcome"
)

var admissionsTotalLabels = []string{
	admissionResultLabel,
}

var analyzerDurationLabels = []string{
	analyzerOutcomeLabel,
}

/**
* Metrics definition
**/
var artifactsDetectedTotalMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Subsystem: heapMonitor,
		Name:      artifactsDetectedTotal,
		Help:      "number of stable artifacts reported by the watcher",
	},
)

var admissionsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: heapMonitor,
		Name:      admissionsTotal,
		Help:      "number of arrival events partitioned by admission result",
	},
	admissionsTotalLabels,
)

var analyzerDurationMetric = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Subsystem: heapMonitor,
		Name:      analyzerDurationSeconds,
		Help:      "duration of analyzer invocations partitioned by outcome",
		Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	},
	analyzerDurationLabels,
)

var queueDepthMetric = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Subsystem: heapMonitor,
		Name:      queueDepth,
		Help:      "number of admitted artifacts waiting for a worker",
	},
)

var busyWorkersMetric = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Subsystem: heapMonitor,
		Name:      busyWorkers,
		Help:      "number of workers currently running the analyzer",
	},
)

func IncreaseArtifactsDetectedMetric() {
	artifactsDetectedTotalMetric.Inc()
}

func IncreaseAdmissionsTotalMetric(result string) {
	labels := prometheus.Labels{
		admissionResultLabel: result,
	}
	admissionsTotalMetric.With(labels).Inc()
}

func ObserveAnalyzerDurationMetric(outcome string, d time.Duration) {
	labels := prometheus.Labels{
		analyzerOutcomeLabel: outcome,
	}
	analyzerDurationMetric.With(labels).Observe(d.Seconds())
}

func UpdateQueueDepthMetric(depth int) {
	queueDepthMetric.Set(float64(depth))
}

func UpdateBusyWorkersMetric(busy int) {
	busyWorkersMetric.Set(float64(busy))
}

// NewPrometheusMetricsHandler serves the default registry.
func NewPrometheusMetricsHandler() http.Handler {
	return promhttp.Handler()
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(artifactsDetectedTotalMetric)
	prometheus.MustRegister(admissionsTotalMetric)
	prometheus.MustRegister(analyzerDurationMetric)
	prometheus.MustRegister(queueDepthMetric)
	prometheus.MustRegister(busyWorkersMetric)
}
