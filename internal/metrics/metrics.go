// Package metrics provides Prometheus metrics for the prediction service and
// the ingestion worker.
package metrics

import (
	"time"

	"github.com/nadmax/estimo/internal/repository/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PredictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "estimo_predictions_total",
			Help: "Total number of duration predictions by call kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
	ModelResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "estimo_model_resolutions_total",
			Help: "Total number of per-user model resolutions by source",
		},
		[]string{"source"},
	)
	TrainingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "estimo_training_duration_seconds",
			Help:    "Per-user model training duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"tier"},
	)
	TrainingSamples = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "estimo_training_samples",
			Help:    "Number of completed tasks a model was trained on",
			Buckets: []float64{1, 5, 10, 20, 50, 100, 250, 500, 1000, 5000},
		},
	)
	ModelCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "estimo_model_cache_lookups_total",
			Help: "Total number of model cache lookups by result",
		},
		[]string{"result"},
	)
	TagPredictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "estimo_tag_predictions_total",
			Help: "Total number of tag classification requests",
		},
	)
	IngestionEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "estimo_ingestion_events_total",
			Help: "Total number of ingestion events by topic and outcome",
		},
		[]string{"topic", "outcome"},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "estimo_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "estimo_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
	GRPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "estimo_grpc_requests_total",
			Help: "Total number of gRPC requests",
		},
		[]string{"method", "code"},
	)
	GRPCRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "estimo_grpc_request_duration_seconds",
			Help:    "gRPC request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
	StoredTasks = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "estimo_stored_tasks",
			Help: "Current number of stored tasks by state",
		},
		[]string{"state"},
	)
	StoredModels = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "estimo_stored_models",
			Help: "Current number of stored models by state",
		},
		[]string{"state"},
	)
)

func RecordPrediction(kind, outcome string) {
	PredictionsTotal.WithLabelValues(kind, outcome).Inc()
}

func RecordModelResolution(source string) {
	ModelResolutions.WithLabelValues(source).Inc()
}

func RecordTraining(tier string, samples int, duration time.Duration) {
	TrainingDuration.WithLabelValues(tier).Observe(duration.Seconds())
	TrainingSamples.Observe(float64(samples))
}

func RecordModelCacheLookup(result string) {
	ModelCacheLookups.WithLabelValues(result).Inc()
}

func RecordTagPrediction() {
	TagPredictions.Inc()
}

func RecordIngestionEvent(topic, outcome string) {
	IngestionEvents.WithLabelValues(topic, outcome).Inc()
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func RecordGRPCRequest(method, code string, duration time.Duration) {
	GRPCRequestsTotal.WithLabelValues(method, code).Inc()
	GRPCRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func UpdateStoreGauges(stats *models.StoreStats) {
	StoredTasks.WithLabelValues("completed").Set(float64(stats.CompletedTasks))
	StoredTasks.WithLabelValues("open").Set(float64(stats.Tasks - stats.CompletedTasks))
	StoredModels.WithLabelValues("active").Set(float64(stats.ActiveModels))
	StoredModels.WithLabelValues("inactive").Set(float64(stats.InactiveModels))
}
