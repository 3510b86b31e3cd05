package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()

	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
	if m.Registry() == nil {
		t.Error("Registry is nil")
	}
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()

	// Record some sample metrics so they appear in output
	m.RecordAgentRun("researcher", "completed", 2*time.Second)
	m.RecordStep("researcher")
	m.RecordToolExecution("calculate", 50*time.Millisecond, nil)
	m.RecordToolExecution("web_fetch", 50*time.Millisecond, errors.New("boom"))
	m.AddUsage("gpt-4o-mini", 1000, 500)
	m.AddCost("gpt-4o-mini", 0.00045)
	m.RecordLoopDetection("researcher", "identical_calls")

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	body := w.Body.String()
	expectedMetrics := []string{
		"agent_runs_total",
		"agent_run_duration_seconds",
		"agent_steps_total",
		"tool_executions_total",
		"tool_execution_duration_seconds",
		"tool_execution_errors_total",
		"llm_tokens_total",
		"llm_cost_usd_total",
		"loop_detections_total",
	}
	for _, metric := range expectedMetrics {
		if !strings.Contains(body, metric) {
			t.Errorf("Metrics output missing: %s", metric)
		}
	}
}

func TestToolExecutionStatus(t *testing.T) {
	m := NewMetrics()

	m.RecordToolExecution("calculate", time.Millisecond, nil)
	m.RecordToolExecution("calculate", time.Millisecond, errors.New("bad args"))

	metricFamilies, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	var sawSuccess, sawError bool
	for _, mf := range metricFamilies {
		if *mf.Name != "tool_executions_total" {
			continue
		}
		for _, metric := range mf.Metric {
			for _, label := range metric.Label {
				if *label.Name == "status" && *label.Value == "success" {
					sawSuccess = true
				}
				if *label.Name == "status" && *label.Value == "error" {
					sawError = true
				}
			}
		}
	}

	if !sawSuccess || !sawError {
		t.Errorf("Expected both success and error series, got success=%v error=%v", sawSuccess, sawError)
	}
}

func TestMetricsIsolation(t *testing.T) {
	m1 := NewMetrics()
	m2 := NewMetrics()

	m1.RecordStep("analyst")
	m1.RecordStep("analyst")
	m2.RecordStep("analyst")

	count := func(m *Metrics) float64 {
		metricFamilies, _ := m.Registry().Gather()
		for _, mf := range metricFamilies {
			if *mf.Name == "agent_steps_total" && len(mf.Metric) > 0 {
				return *mf.Metric[0].Counter.Value
			}
		}
		return 0
	}

	if got := count(m1); got != 2 {
		t.Errorf("m1: Expected value 2, got %f", got)
	}
	if got := count(m2); got != 1 {
		t.Errorf("m2: Expected value 1, got %f", got)
	}
}
