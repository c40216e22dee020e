// Package api provides the HTTP API for inspecting a run.
// All endpoints are read-only GETs. Dump and curve requests re-evaluate or
// format the whole marketplace and are rate limited per client.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/talgya/equilibrium/internal/engine"
	"github.com/talgya/equilibrium/internal/metrics"
	"github.com/talgya/equilibrium/internal/persistence"
)

const maxCurveSteps = 200

// Server serves a simulation's state over HTTP.
type Server struct {
	Sim     *engine.Simulation
	Eng     *engine.Engine
	DB      *persistence.DB    // optional; history endpoints need it
	Metrics *metrics.Collector // optional
	Port    int

	DumpsPerMinute int // per-client limit on dump and curve requests
}

// Handler builds the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	perMinute := s.DumpsPerMinute
	if perMinute <= 0 {
		perMinute = 30
	}
	heavyLimiter := NewRateLimiter(perMinute, time.Minute)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/periods", s.handlePeriods)
	mux.HandleFunc("/api/v1/markets", s.handleMarkets)
	mux.HandleFunc("/api/v1/history", s.handleHistory)
	mux.HandleFunc("/api/v1/dump", RateLimitMiddleware(heavyLimiter, s.handleDump))
	mux.HandleFunc("/api/v1/curve", RateLimitMiddleware(heavyLimiter, s.handleCurve))
	if s.Metrics != nil {
		mux.Handle("/metrics", s.Metrics.Handler())
	}
	return corsMiddleware(mux)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("HTTP API starting", "addr", srv.Addr, "history", s.DB != nil)

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// corsMiddleware adds CORS headers for allowed frontend origins.
// Set CORS_ORIGINS to a comma-separated list of extra allowed origins.
// Localhost dev servers are always allowed.
func corsMiddleware(next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:3000": true,
	}
	if env := os.Getenv("CORS_ORIGINS"); env != "" {
		for _, origin := range strings.Split(env, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				allowedOrigins[origin] = true
			}
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"run_id":  s.Sim.RunID,
		"periods": s.Sim.Model.Periods,
		"summary": s.Sim.Summary(),
	}
	if s.Eng != nil {
		status["running"] = s.Eng.Running
		status["period"] = s.Eng.Period
	}
	writeJSON(w, status)
}

func (s *Server) handlePeriods(w http.ResponseWriter, r *http.Request) {
	type periodSummary struct {
		Period            int     `json:"period"`
		Year              int     `json:"year"`
		Outcome           string  `json:"outcome"`
		Calibrated        bool    `json:"calibrated"`
		Evaluations       int     `json:"evaluations"`
		MaxRelativeExcess float64 `json:"max_relative_excess"`
		WorstMarket       string  `json:"worst_market,omitempty"`
		Warnings          int     `json:"warnings"`
	}

	reports := s.Sim.Reports()
	out := make([]periodSummary, 0, len(reports))
	for _, rep := range reports {
		out = append(out, periodSummary{
			Period:            rep.Period,
			Year:              rep.Year,
			Outcome:           rep.Result.Outcome(),
			Calibrated:        rep.Calibrated,
			Evaluations:       rep.Result.Evaluations,
			MaxRelativeExcess: rep.Result.MaxRelativeExcess,
			WorstMarket:       rep.Result.WorstMarket,
			Warnings:          len(rep.Warnings),
		})
	}
	writeJSON(w, out)
}

// handleMarkets returns a period's markets, from memory for the live run or
// from the database when another run is named.
func (s *Server) handleMarkets(w http.ResponseWriter, r *http.Request) {
	period, ok := periodParam(w, r)
	if !ok {
		return
	}

	if runID := r.URL.Query().Get("run"); runID != "" && runID != s.Sim.RunID {
		if s.DB == nil {
			http.Error(w, "database not available", http.StatusServiceUnavailable)
			return
		}
		rows, err := s.DB.Markets(runID, period)
		if err != nil {
			slog.Error("markets query failed", "run_id", runID, "period", period, "error", err)
			http.Error(w, "query failed", http.StatusInternalServerError)
			return
		}
		if len(rows) == 0 {
			http.Error(w, "period not stored", http.StatusNotFound)
			return
		}
		writeJSON(w, rows)
		return
	}

	report, ok := s.Sim.Report(period)
	if !ok {
		http.Error(w, "period not solved", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{
		"period":  report.Period,
		"year":    report.Year,
		"markets": report.Markets,
		"flows":   report.Flows,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.DB == nil {
		http.Error(w, "database not available", http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	good, region := q.Get("good"), q.Get("region")
	if good == "" || region == "" {
		http.Error(w, "good and region are required", http.StatusBadRequest)
		return
	}
	runID := q.Get("run")
	if runID == "" {
		runID = s.Sim.RunID
	}

	rows, err := s.DB.PriceHistory(runID, good, region)
	if err != nil {
		slog.Error("price history query failed", "error", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []persistence.MarketRow{}
	}
	writeJSON(w, rows)
}

func (s *Server) handleDump(w http.ResponseWriter, r *http.Request) {
	period, ok := periodParam(w, r)
	if !ok {
		return
	}
	var b strings.Builder
	if err := s.Sim.Dump(&b, period); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, b.String())
}

// handleCurve sweeps one market's price over [from, to] in steps samples.
// format=csv returns CSV; the default is JSON.
func (s *Server) handleCurve(w http.ResponseWriter, r *http.Request) {
	period, ok := periodParam(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	good, region := q.Get("good"), q.Get("region")
	if good == "" || region == "" {
		http.Error(w, "good and region are required", http.StatusBadRequest)
		return
	}
	from, err1 := strconv.ParseFloat(q.Get("from"), 64)
	to, err2 := strconv.ParseFloat(q.Get("to"), 64)
	if err1 != nil || err2 != nil || to <= from {
		http.Error(w, "from and to must be numbers with from < to", http.StatusBadRequest)
		return
	}
	steps := 10
	if v := q.Get("steps"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 2 || n > maxCurveSteps {
			http.Error(w, fmt.Sprintf("steps must be in [2, %d]", maxCurveSteps), http.StatusBadRequest)
			return
		}
		steps = n
	}
	prices := make([]float64, steps)
	for i := range prices {
		prices[i] = from + (to-from)*float64(i)/float64(steps-1)
	}

	curve, err := s.Sim.Curve(r.Context(), good, region, period, prices)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if q.Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		if err := curve.WriteCSV(w); err != nil {
			slog.Error("writing curve", "error", err)
		}
		return
	}
	writeJSON(w, curve)
}

func periodParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("period")
	if v == "" {
		http.Error(w, "period is required", http.StatusBadRequest)
		return 0, false
	}
	period, err := strconv.Atoi(v)
	if err != nil || period < 0 {
		http.Error(w, "invalid period", http.StatusBadRequest)
		return 0, false
	}
	return period, true
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
