package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	IngestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lobbyscope_ingest_duration_seconds",
			Help:    "Document ingestion duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"strategy"},
	)

	IngestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lobbyscope_ingest_total",
			Help: "Total documents ingested, by terminal status",
		},
		[]string{"status", "stage"},
	)

	ChunksPerDocument = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lobbyscope_chunks_per_document",
			Help:    "Number of chunks produced per document",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	ParserFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lobbyscope_parser_fallbacks_total",
			Help: "Layout parses that fell back to the plain backend",
		},
	)

	RetrievalDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lobbyscope_retrieval_duration_seconds",
			Help:    "Retrieval request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"endpoint"},
	)

	RetrievalResults = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lobbyscope_retrieval_results_count",
			Help:    "Number of evidence passages returned per query",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
	)

	RerankDegradations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lobbyscope_rerank_degradations_total",
			Help: "Queries answered in similarity order because reranking failed",
		},
	)

	StanceJudgments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lobbyscope_stance_judgments_total",
			Help: "Per-evidence stance judgments, by outcome",
		},
		[]string{"outcome"},
	)

	StanceConfidence = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lobbyscope_stance_confidence",
			Help:    "Confidence of aggregated stance verdicts",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lobbyscope_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lobbyscope_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lobbyscope_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)
)

func Init() {
	prometheus.MustRegister(IngestDuration)
	prometheus.MustRegister(IngestTotal)
	prometheus.MustRegister(ChunksPerDocument)
	prometheus.MustRegister(ParserFallbacks)
	prometheus.MustRegister(RetrievalDuration)
	prometheus.MustRegister(RetrievalResults)
	prometheus.MustRegister(RerankDegradations)
	prometheus.MustRegister(StanceJudgments)
	prometheus.MustRegister(StanceConfidence)
	prometheus.MustRegister(LLMTokensUsed)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
