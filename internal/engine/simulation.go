// Simulation ties the marketplace, the economy, calibration and the solver
// together and runs them one period at a time.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/talgya/equilibrium/internal/calibration"
	"github.com/talgya/equilibrium/internal/config"
	"github.com/talgya/equilibrium/internal/market"
	"github.com/talgya/equilibrium/internal/metrics"
	"github.com/talgya/equilibrium/internal/scenario"
	"github.com/talgya/equilibrium/internal/solver"
)

// Simulation holds the complete model state of one run.
type Simulation struct {
	RunID   string
	Model   config.ModelConfig
	Economy *scenario.Economy
	Market  *market.Marketplace
	Solver  *solver.Solver
	Metrics *metrics.Collector // optional

	adjuster *calibration.Adjuster

	mu      sync.RWMutex // guards reports and market reads from other goroutines
	reports []PeriodReport
	started time.Time
}

// MarketState is a market's solved state.
type MarketState struct {
	Good     string  `json:"good"`
	Region   string  `json:"region"`
	Kind     string  `json:"kind"`
	Price    float64 `json:"price"`
	Supply   float64 `json:"supply"`
	Demand   float64 `json:"demand"`
	Solvable bool    `json:"solvable"`
	Solved   bool    `json:"solved"`
	Block    int     `json:"block"` // position in the evaluation schedule, -1 when unscheduled
}

// PeriodReport is the outcome of one period.
type PeriodReport struct {
	Period      int                       `json:"period"`
	Year        int                       `json:"year"`
	Result      solver.PeriodResult       `json:"result"`
	Calibrated  bool                      `json:"calibrated"`
	Adjustments int                       `json:"adjustments"`
	Warnings    []calibration.Warning     `json:"warnings,omitempty"`
	Flows       map[string]scenario.Flows `json:"flows"`
	Markets     []MarketState             `json:"markets"`
}

// RunSummary aggregates a finished run.
type RunSummary struct {
	RunID       string        `json:"run_id"`
	Periods     int           `json:"periods"`
	Converged   int           `json:"converged"`
	Evaluations int           `json:"evaluations"`
	Warnings    int           `json:"warnings"`
	Duration    time.Duration `json:"duration"`
}

// NewSimulation registers the economy in a fresh marketplace and resolves the
// evaluation ordering. Dependency errors are configuration errors and abort
// before any period is solved.
func NewSimulation(cfg *config.Config, econ *scenario.Economy, collector *metrics.Collector) (*Simulation, error) {
	mp := market.NewMarketplace(cfg.Model.Periods)
	if err := econ.Register(mp); err != nil {
		return nil, fmt.Errorf("registering economy: %w", err)
	}
	ord, err := mp.ResolveDependencies()
	if err != nil {
		return nil, fmt.Errorf("resolving dependencies: %w", err)
	}
	slog.Info("dependencies resolved", "blocks", len(ord.Blocks), "broken_edges", len(ord.Broken))

	sim := &Simulation{
		RunID:   uuid.New().String(),
		Model:   cfg.Model,
		Economy: econ,
		Market:  mp,
		Solver:  solver.New(mp, econ, cfg.Solver.Options()),
		Metrics: collector,
		adjuster: &calibration.Adjuster{
			Market:                 mp,
			FinalCalibrationPeriod: cfg.Model.FinalCalibrationPeriod,
			TimeStep:               cfg.Model.TimeStepOf,
		},
		started: time.Now(),
	}
	collector.SetMarkets(len(mp.Nodes()))
	return sim, nil
}

// SolvePeriod prepares, solves, calibrates and finalizes one period. A period
// that does not converge is reported, not returned as an error.
func (s *Simulation) SolvePeriod(ctx context.Context, period int) (PeriodReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := PeriodReport{Period: period, Year: s.Model.Year(period)}
	if err := s.Economy.InitCalc(period); err != nil {
		return report, fmt.Errorf("period %d init: %w", period, err)
	}

	report.Calibrated = period <= s.Model.FinalCalibrationPeriod
	resources := s.Economy.Resources()
	adj, warns := s.adjuster.Prepare(resources, period)
	report.Adjustments = adj.Apply(resources, period)
	report.Warnings = warns

	res, err := s.Solver.Solve(ctx, period)
	if err != nil {
		return report, err
	}
	report.Result = res

	// Calibrated production was pinned for the solve; the adders derived at
	// the solved price make the free curves yield it too.
	if report.Calibrated {
		adj, warns := s.adjuster.Compute(resources, period)
		report.Adjustments += adj.Apply(resources, period)
		report.Warnings = append(report.Warnings, warns...)
	}
	s.Metrics.AddCalibrationWarnings(len(report.Warnings))

	flows, err := s.Economy.Finalize(ctx, period)
	if err != nil {
		return report, err
	}
	report.Flows = flows
	report.Markets = s.snapshot(period)
	s.Metrics.RecordPeriod(report.Result)

	s.reports = append(s.reports, report)
	return report, nil
}

func (s *Simulation) snapshot(period int) []MarketState {
	cfg := s.Solver.Config()
	ord := s.Market.Ordering()
	markets := s.Market.Markets(period)
	out := make([]MarketState, 0, len(markets))
	for _, m := range markets {
		block := -1
		if i, ok := ord.Position(m.Good, m.Region); ok {
			block = i
		}
		out = append(out, MarketState{
			Good:     m.Good,
			Region:   m.Region,
			Kind:     m.Kind.String(),
			Price:    m.Price(),
			Supply:   m.Supply(),
			Demand:   m.Demand(),
			Solvable: m.ShouldSolve(),
			Solved:   m.IsSolved(cfg.Tolerance, cfg.RelativeFloor),
			Block:    block,
		})
	}
	return out
}

// Reports returns the periods solved so far.
func (s *Simulation) Reports() []PeriodReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]PeriodReport(nil), s.reports...)
}

// Report returns the report of one solved period.
func (s *Simulation) Report(period int) (PeriodReport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.reports {
		if r.Period == period {
			return r, true
		}
	}
	return PeriodReport{}, false
}

// Dump writes the marketplace state of a period.
func (s *Simulation) Dump(w io.Writer, period int) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if period < 0 || period >= s.Market.Periods() {
		return fmt.Errorf("period %d out of range [0, %d)", period, s.Market.Periods())
	}
	return s.Market.Dump(w, period)
}

// Summary aggregates the reports.
func (s *Simulation) Summary() RunSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := RunSummary{RunID: s.RunID, Periods: len(s.reports), Duration: time.Since(s.started)}
	for _, r := range s.reports {
		if r.Result.Converged {
			sum.Converged++
		}
		sum.Evaluations += r.Result.Evaluations
		sum.Warnings += len(r.Warnings)
	}
	return sum
}

// Curve sweeps one market's price with every other price held and returns
// the resulting supply and demand.
func (s *Simulation) Curve(ctx context.Context, good, region string, period int, prices []float64) (*solver.SupplyDemandCurve, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Solver.Curve(ctx, market.Key{Good: good, Region: region, Period: period}, prices)
}
