package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Record(t *testing.T) {
	m := New()

	m.BranchStarted()
	m.CommandIssued("db", "Start", nil)
	m.CommandIssued("cluster", "Start", errors.New("boom"))
	m.Polled("db")
	m.Polled("db")
	m.Notified(nil)
	m.BranchCompleted("db", "Start", "converged", 120)
	m.BranchFinished()
	m.RunCompleted("Start", "succeeded", 125)

	if got := testutil.ToFloat64(m.commands.WithLabelValues("db", "Start", "ok")); got != 1 {
		t.Errorf("ok commands = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.commands.WithLabelValues("cluster", "Start", "error")); got != 1 {
		t.Errorf("error commands = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.polls.WithLabelValues("db")); got != 2 {
		t.Errorf("polls = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.inFlight); got != 0 {
		t.Errorf("in flight = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.runs.WithLabelValues("Start", "succeeded")); got != 1 {
		t.Errorf("runs = %v, want 1", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.BranchStarted()
	m.BranchCompleted("db", "Stop", "failed", 1)
	m.BranchFinished()
	m.CommandIssued("db", "Stop", nil)
	m.Polled("db")
	m.Notified(nil)
	m.RunCompleted("Stop", "failed", 1)
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.RunCompleted("Stop", "partial", 3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `rds_scheduler_runs_total{mode="Stop",state="partial"} 1`) {
		t.Errorf("runs counter missing from exposition")
	}
}
