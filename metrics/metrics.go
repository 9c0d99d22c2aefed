package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	backendLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ragctx_backend_latency_ms",
		Help:    "Latency of backend calls in milliseconds",
		Buckets: []float64{10, 25, 50, 75, 100, 150, 200, 300, 500, 800, 1200, 2000, 5000},
	}, []string{"backend"})

	backendResults = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ragctx_backend_results",
		Help:    "Number of candidates returned by a backend",
		Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
	}, []string{"backend"})

	backendErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ragctx_backend_errors_total",
		Help: "Backend call failures by error kind",
	}, []string{"backend", "kind"})

	stageLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ragctx_stage_latency_ms",
		Help:    "Latency of orchestrator stages in milliseconds",
		Buckets: []float64{0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	}, []string{"stage"})

	fusionLists = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ragctx_fusion_input_lists",
		Help:    "Number of lists fused per query",
		Buckets: []float64{0, 1, 2, 3},
	})

	cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ragctx_cache_lookups_total",
		Help: "Semantic cache lookups by outcome (miss, exact, similar, error)",
	}, []string{"outcome"})

	breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ragctx_breaker_state",
		Help: "Circuit state per backend (0 closed, 1 half-open, 2 open)",
	}, []string{"backend"})

	breakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ragctx_breaker_transitions_total",
		Help: "Circuit transitions per backend",
	}, []string{"backend", "from", "to"})

	retryAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ragctx_retry_attempts_total",
		Help: "Attempts made by the retry loop",
	}, []string{"backend", "outcome"})

	degradationLevel = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ragctx_degradation_level",
		Help: "Degradation level of the last request (0 none, 1 partial, 2 severe)",
	})

	dedupRemoved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ragctx_dedup_removed_total",
		Help: "Candidates removed by deduplication",
	}, []string{"kind"})

	embeddingBatch = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ragctx_embedding_batch_size",
		Help:    "Texts per embedding provider call",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
	}, []string{"model"})

	embeddingQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ragctx_embedding_queue_depth",
		Help: "Embedding requests waiting to be batched",
	})
)

func ensureRegistered() {
	once.Do(func() {
		prometheus.MustRegister(Collectors()...)
	})
}

// ObserveBackend records latency and result size for a backend call.
func ObserveBackend(backend string, start time.Time, results int) {
	ensureRegistered()
	backendLatency.WithLabelValues(backend).Observe(float64(time.Since(start).Milliseconds()))
	backendResults.WithLabelValues(backend).Observe(float64(results))
}

// IncBackendError counts a failed backend call.
func IncBackendError(backend, kind string) {
	ensureRegistered()
	backendErrors.WithLabelValues(backend, kind).Inc()
}

func ObserveStage(stage string, d time.Duration) {
	ensureRegistered()
	stageLatency.WithLabelValues(stage).Observe(float64(d.Microseconds()) / 1000)
}

// ObserveFusion records how many lists were fused.
func ObserveFusion(n int) {
	ensureRegistered()
	fusionLists.Observe(float64(n))
}

func IncCacheLookup(outcome string) {
	ensureRegistered()
	cacheLookups.WithLabelValues(outcome).Inc()
}

// SetBreakerState records a circuit transition.
func SetBreakerState(backend, from, to string) {
	ensureRegistered()
	breakerTransitions.WithLabelValues(backend, from, to).Inc()
	breakerState.WithLabelValues(backend).Set(stateValue(to))
}

func stateValue(s string) float64 {
	switch s {
	case "open":
		return 2
	case "half-open":
		return 1
	}
	return 0
}

func ObserveRetry(backend string, failed bool) {
	ensureRegistered()
	outcome := "success"
	if failed {
		outcome = "failure"
	}
	retryAttempts.WithLabelValues(backend, outcome).Inc()
}

func SetDegradation(level int) {
	ensureRegistered()
	degradationLevel.Set(float64(level))
}

// AddDedupRemoved counts removals; kind is exact or near.
func AddDedupRemoved(kind string, n int) {
	if n <= 0 {
		return
	}
	ensureRegistered()
	dedupRemoved.WithLabelValues(kind).Add(float64(n))
}

func ObserveEmbeddingBatch(model string, size int) {
	ensureRegistered()
	embeddingBatch.WithLabelValues(model).Observe(float64(size))
}

func SetEmbeddingQueueDepth(depth int) {
	ensureRegistered()
	embeddingQueueDepth.Set(float64(depth))
}

// Collectors exposes all collectors for external registration with a custom registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		backendLatency, backendResults, backendErrors, stageLatency, fusionLists, cacheLookups,
		breakerState, breakerTransitions, retryAttempts, degradationLevel, dedupRemoved,
		embeddingBatch, embeddingQueueDepth,
	}
}
