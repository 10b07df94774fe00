package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	indexSearchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlrag_index_searches_total",
			Help: "Total number of vector index searches by index kind and cache result.",
		},
		[]string{"kind", "cache"},
	)
	refreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlrag_refresh_total",
			Help: "Total number of schema refresh notifications by outcome.",
		},
		[]string{"db_type", "outcome"},
	)
	refreshDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlrag_refresh_duration_seconds",
			Help:    "Duration of database context refreshes.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"db_type"},
	)
	workflowStageDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlrag_workflow_stage_duration_seconds",
			Help:    "Duration of retrieval SQL workflow stages.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"stage"},
	)
	workflowFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlrag_workflow_failures_total",
			Help: "Total number of workflow runs aborted by stage.",
		},
		[]string{"stage"},
	)
	llmRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlrag_llm_requests_total",
			Help: "Total number of language model and embedding requests by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	sqlExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlrag_sql_executions_total",
			Help: "Total number of generated SQL executions by database type and outcome.",
		},
		[]string{"db_type", "outcome"},
	)
	schemaEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlrag_schema_events_total",
			Help: "Total number of schema-change events received by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		indexSearchesTotal,
		refreshTotal,
		refreshDurationSeconds,
		workflowStageDurationSeconds,
		workflowFailuresTotal,
		llmRequestsTotal,
		sqlExecutionsTotal,
		schemaEventsTotal,
	)
}

func ObserveIndexSearch(kind string, cacheHit bool) {
	cache := "miss"
	if cacheHit {
		cache = "hit"
	}
	indexSearchesTotal.WithLabelValues(kind, cache).Inc()
}

func ObserveRefresh(dbType, outcome string, elapsed time.Duration) {
	refreshTotal.WithLabelValues(dbType, outcome).Inc()
	if elapsed > 0 {
		refreshDurationSeconds.WithLabelValues(dbType).Observe(elapsed.Seconds())
	}
}

func ObserveWorkflowStage(stage string, elapsed time.Duration, err error) {
	workflowStageDurationSeconds.WithLabelValues(stage).Observe(elapsed.Seconds())
	if err != nil {
		workflowFailuresTotal.WithLabelValues(stage).Inc()
	}
}

func ObserveLLMRequest(kind string, err error) {
	llmRequestsTotal.WithLabelValues(kind, outcome(err)).Inc()
}

func ObserveSQLExecution(dbType string, err error) {
	sqlExecutionsTotal.WithLabelValues(dbType, outcome(err)).Inc()
}

// ObserveSchemaEvent counts a received schema-change event by result:
// queued, unknown, malformed or error.
func ObserveSchemaEvent(result string) {
	schemaEventsTotal.WithLabelValues(result).Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
