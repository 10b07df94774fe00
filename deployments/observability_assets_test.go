package deployments

import (
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"testing"
)

// exportedMetrics mirrors the collectors registered by internal/observability.
var exportedMetrics = []string{
	"sqlrag_http_requests_total",
	"sqlrag_http_request_duration_seconds",
	"sqlrag_index_searches_total",
	"sqlrag_refresh_total",
	"sqlrag_refresh_duration_seconds",
	"sqlrag_workflow_stage_duration_seconds",
	"sqlrag_workflow_failures_total",
	"sqlrag_llm_requests_total",
	"sqlrag_sql_executions_total",
	"sqlrag_schema_events_total",
}

func TestPrometheusRulesReferenceExportedMetrics(t *testing.T) {
	text := readAsset(t, "sqlrag_rules.yaml")

	for _, alertName := range []string{
		"SQLRagHTTPErrorRateHigh",
		"SQLRagWorkflowStageSlow",
		"SQLRagLLMErrorRateHigh",
		"SQLRagRefreshFailing",
		"SQLRagGeneratedSQLFailing",
	} {
		if !strings.Contains(text, "alert: "+alertName) {
			t.Fatalf("rules missing alert %q", alertName)
		}
	}

	known := map[string]bool{}
	for _, name := range exportedMetrics {
		known[name] = true
	}
	for _, match := range regexp.MustCompile(`\bsqlrag_[a-z_]+`).FindAllString(text, -1) {
		base := strings.TrimSuffix(strings.TrimSuffix(match, "_bucket"), "_count")
		if !known[base] {
			t.Fatalf("rules reference unknown metric %q", match)
		}
	}

	for _, alert := range regexp.MustCompile(`expr: (sqlrag:[a-z0-9_]+)`).FindAllStringSubmatch(text, -1) {
		if !strings.Contains(text, "record: "+alert[1]) {
			t.Fatalf("alert uses unrecorded series %q", alert[1])
		}
	}
}

func TestPrometheusScrapeExampleContainsMetricsPathAndRules(t *testing.T) {
	text := readAsset(t, "prometheus-scrape.example.yaml")

	for _, token := range []string{
		"metrics_path: /v1/metrics",
		"sqlrag_rules.yaml",
		"job_name: sqlrag-api",
	} {
		if !strings.Contains(text, token) {
			t.Fatalf("scrape example missing %q", token)
		}
	}
}

func readAsset(t *testing.T, name string) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	content, err := os.ReadFile(filepath.Join(filepath.Dir(filename), "observability", "prometheus", name))
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return string(content)
}
