package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	IngestionRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vdb_center_ingestion_runs_total",
			Help: "Ingestion runs by outcome",
		},
		[]string{"outcome"},
	)

	IngestionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vdb_center_ingestion_duration_seconds",
			Help:    "Wall time of ingestion runs",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
	)

	ChunksWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vdb_center_chunks_written_total",
			Help: "Chunks upserted by ingestion runs and QA operations",
		},
	)

	ChunksSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vdb_center_chunks_skipped_total",
			Help: "Segments dropped as blank or duplicate before embedding",
		},
	)

	QAOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vdb_center_qa_operations_total",
			Help: "Single-item QA operations by kind and outcome",
		},
		[]string{"operation", "outcome"},
	)

	EmbeddingRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vdb_center_embedding_requests_total",
			Help: "Upstream embedding calls by outcome",
		},
		[]string{"outcome"},
	)

	EmbeddingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vdb_center_embedding_duration_seconds",
			Help:    "Upstream embedding call latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vdb_center_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vdb_center_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	RetrievalDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vdb_center_retrieval_duration_seconds",
			Help:    "Hybrid retrieval latency including the query embedding",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)

	RetrievalResults = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vdb_center_retrieval_results_count",
			Help:    "Hits returned per branch",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
		},
		[]string{"branch"},
	)

	TaskRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vdb_center_task_rejections_total",
			Help: "Ingestion runs rejected by the worker pool",
		},
	)

	RunningTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vdb_center_running_tasks",
			Help: "Ingestion runs currently executing",
		},
	)

	DeadLetters = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vdb_center_dead_letters_total",
			Help: "Failure-status writes that failed and were journaled",
		},
	)

	StaleIngesting = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vdb_center_stale_ingesting_knowledge_bases",
			Help: "Knowledge bases stuck in ingesting longer than the stale threshold",
		},
	)

	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vdb_center_http_requests_total",
			Help: "HTTP requests by route and status",
		},
		[]string{"route", "status"},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			IngestionRuns,
			IngestionDuration,
			ChunksWritten,
			ChunksSkipped,
			QAOperations,
			EmbeddingRequests,
			EmbeddingDuration,
			CacheHits,
			CacheMisses,
			RetrievalDuration,
			RetrievalResults,
			TaskRejections,
			RunningTasks,
			DeadLetters,
			StaleIngesting,
			HTTPRequests,
		)
	})
}

func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
