package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/talgya/equilibrium/internal/solver"
)

func TestRecordPeriod(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c.RecordPeriod(solver.PeriodResult{
		Period:            2,
		Converged:         true,
		NewtonSteps:       3,
		BisectionSteps:    7,
		Evaluations:       20,
		MaxRelativeExcess: 1e-5,
		Duration:          15 * time.Millisecond,
	})
	c.RecordPeriod(solver.PeriodResult{Period: 3, Evaluations: 4})

	if got := testutil.ToFloat64(c.SolverSteps.WithLabelValues("newton")); got != 3 {
		t.Errorf("newton steps = %v, want 3", got)
	}
	if got := testutil.ToFloat64(c.SolverSteps.WithLabelValues("bisection")); got != 7 {
		t.Errorf("bisection steps = %v, want 7", got)
	}
	if got := testutil.ToFloat64(c.Evaluations); got != 24 {
		t.Errorf("evaluations = %v, want 24", got)
	}
	if got := testutil.ToFloat64(c.Periods.WithLabelValues("converged")); got != 1 {
		t.Errorf("converged periods = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Periods.WithLabelValues("not_converged")); got != 1 {
		t.Errorf("not_converged periods = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.PeriodExcess.WithLabelValues("2")); got != 1e-5 {
		t.Errorf("period 2 excess = %v, want 1e-5", got)
	}
}

func TestNewIsIdempotentPerRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := New(reg)
	if err != nil {
		t.Fatalf("first New: %v", err)
	}
	b, err := New(reg)
	if err != nil {
		t.Fatalf("second New: %v", err)
	}
	a.SetMarkets(5)
	if got := testutil.ToFloat64(b.Markets); got != 5 {
		t.Errorf("shared gauge = %v, want 5", got)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.RecordPeriod(solver.PeriodResult{})
	c.SetMarkets(1)
	c.AddCalibrationWarnings(2)
}

func TestHandlerServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.AddCalibrationWarnings(2)
	c.AddCalibrationWarnings(0)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "equilibrium_calibration_warnings_total 2") {
		t.Errorf("metrics body missing warning counter:\n%s", body)
	}
}
