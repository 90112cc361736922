package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	RunsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "astra_runs_started_total",
			Help: "Total number of research runs started",
		},
		[]string{"intent"},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "astra_runs_completed_total",
			Help: "Total number of research runs completed",
		},
		[]string{"intent", "status"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "astra_run_duration_seconds",
			Help:    "End-to-end research run duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"intent"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "astra_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	RefinementRounds = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "astra_refinement_rounds_total",
			Help: "Total number of coverage-driven refinement rounds",
		},
	)

	RewriteRounds = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "astra_report_rewrite_rounds_total",
			Help: "Total number of quality-driven report rewrites",
		},
	)

	QuotaExhaustedRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "astra_quota_exhausted_runs_total",
			Help: "Runs that hit the provider quota and degraded to fallback retrieval",
		},
	)

	// Evidence metrics
	SourcesAccepted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "astra_sources_accepted_total",
			Help: "Findings accepted into evidence",
		},
		[]string{"intent"},
	)

	SourcesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "astra_sources_rejected_total",
			Help: "Findings rejected by the acceptance caps",
		},
		[]string{"reason"},
	)

	QualityScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "astra_quality_score",
			Help:    "Report quality gate scores",
			Buckets: []float64{10, 30, 50, 60, 70, 72, 80, 90, 100},
		},
	)

	// Provider metrics
	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "astra_provider_calls_total",
			Help: "External search provider calls",
		},
		[]string{"provider", "status"},
	)

	ProviderCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "astra_provider_call_duration_seconds",
			Help:    "Search provider call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	SearchCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "astra_search_cache_hits_total",
			Help: "Search result cache hits",
		},
	)

	SearchCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "astra_search_cache_misses_total",
			Help: "Search result cache misses",
		},
	)

	// Model metrics
	LLMCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "astra_llm_calls_total",
			Help: "Model calls by operation",
		},
		[]string{"operation", "status"},
	)

	LLMCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "astra_llm_call_duration_seconds",
			Help:    "Model call duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60},
		},
		[]string{"operation"},
	)

	// Streaming metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "astra_events_published_total",
			Help: "Events published to the run event bus",
		},
		[]string{"type"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "astra_events_dropped_total",
			Help: "Events dropped because a subscriber fell behind",
		},
	)

	EventSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "astra_event_subscribers",
			Help: "Currently connected event subscribers",
		},
	)

	// Thread metrics
	ThreadsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "astra_threads_created_total",
			Help: "Research threads created",
		},
	)

	// Archive metrics
	ArchiveWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "astra_archive_writes_total",
			Help: "Run archive write attempts",
		},
		[]string{"status"},
	)
)

// RecordRun records metrics for a completed run.
func RecordRun(intent, status string, durationSeconds float64) {
	RunsCompleted.WithLabelValues(intent, status).Inc()
	RunDuration.WithLabelValues(intent).Observe(durationSeconds)
}

// RecordStage records one pipeline stage execution.
func RecordStage(stage string, durationSeconds float64) {
	StageDuration.WithLabelValues(stage).Observe(durationSeconds)
}

// RecordProviderCall records one external provider call.
func RecordProviderCall(provider, status string, durationSeconds float64) {
	ProviderCalls.WithLabelValues(provider, status).Inc()
	if durationSeconds > 0 {
		ProviderCallDuration.WithLabelValues(provider).Observe(durationSeconds)
	}
}

// RecordLLMCall records one model call.
func RecordLLMCall(operation, status string, durationSeconds float64) {
	LLMCalls.WithLabelValues(operation, status).Inc()
	if durationSeconds > 0 {
		LLMCallDuration.WithLabelValues(operation).Observe(durationSeconds)
	}
}
