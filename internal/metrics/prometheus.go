package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "raghub_query_duration_seconds",
			Help:    "Query processing duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"mode"},
	)

	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raghub_query_total",
			Help: "Total number of queries processed",
		},
		[]string{"status"},
	)

	QueryAbstained = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "raghub_query_abstained_total",
			Help: "Queries answered with an abstention",
		},
	)

	ConfidenceScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "raghub_confidence_score",
			Help:    "Retrieval confidence scores",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raghub_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"type"},
	)

	DocumentsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raghub_documents_ingested_total",
			Help: "Documents that reached a terminal ingestion state",
		},
		[]string{"status"},
	)

	ChunksCommitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "raghub_chunks_committed_total",
			Help: "Chunks committed across all tenants",
		},
	)

	TenantCacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raghub_tenant_cache_total",
			Help: "Tenant directory cache lookups",
		},
		[]string{"outcome"},
	)

	ActivePartitions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raghub_active_partitions",
			Help: "Open tenant partition handles",
		},
	)
)

func Init() {
	prometheus.MustRegister(QueryDuration)
	prometheus.MustRegister(QueryTotal)
	prometheus.MustRegister(QueryAbstained)
	prometheus.MustRegister(ConfidenceScore)
	prometheus.MustRegister(LLMTokensUsed)
	prometheus.MustRegister(DocumentsIngested)
	prometheus.MustRegister(ChunksCommitted)
	prometheus.MustRegister(TenantCacheHits)
	prometheus.MustRegister(ActivePartitions)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
