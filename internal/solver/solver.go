// Package solver drives the marketplace to equilibrium one period at a time.
//
// Each period is seeded by a single evaluation at the initial trial prices.
// When markets remain unsolved the solver sweeps the dependency blocks in
// schedule order, running damped Newton steps on each block's unknowns and
// falling back to one-dimensional bisection when the Jacobian is singular, a
// step fails to reduce the residual, or the market is excluded from Newton.
package solver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/talgya/equilibrium/internal/balance"
	"github.com/talgya/equilibrium/internal/dependency"
	"github.com/talgya/equilibrium/internal/market"
)

// Evaluator is the sector model. Evaluate adds every producer's and consumer's
// contribution for the period at the marketplace's current prices. The solver
// nulls the period's accumulators before each call.
type Evaluator interface {
	Evaluate(ctx context.Context, period int) error
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, period int) error

// Evaluate calls f.
func (f EvaluatorFunc) Evaluate(ctx context.Context, period int) error {
	return f(ctx, period)
}

// Solver configuration defaults.
const (
	DefaultTolerance         = balance.SmallNumber
	DefaultRelativeFloor     = 1.0
	DefaultMaxIterations     = 50
	DefaultBlockIterations   = 25
	DefaultMaxBisections     = 40
	DefaultJacobianDelta     = 1e-4
	DefaultMaxRelativeStep   = 10.0
	DefaultMaxBacktracks     = 6
	DefaultSingularThreshold = 1e12
	DefaultBracketStep       = 1.0
	DefaultPoorStepRatio     = 0.9
)

// Config holds the numeric thresholds. Zero fields take their defaults.
type Config struct {
	Tolerance         float64 // relative excess at which a market is solved
	RelativeFloor     float64 // smallest demand used to scale the excess
	MaxIterations     int     // outer sweeps over the block schedule
	BlockIterations   int     // inner iterations per block per sweep
	MaxBisections     int     // bracket plus bisection evaluations per market
	JacobianDelta     float64 // relative forward-difference step
	MaxRelativeStep   float64 // Newton step bound as a multiple of max(|p|, 1)
	MaxBacktracks     int     // step halvings in the line search
	SingularThreshold float64 // LU condition number treated as singular
	BracketStep       float64 // initial bracket width as a multiple of max(|p|, 1)
	PoorStepRatio     float64 // norm ratio above which a Newton step counts as poor
}

// DefaultConfig returns the documented thresholds.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Tolerance <= 0 {
		c.Tolerance = DefaultTolerance
	}
	if c.RelativeFloor <= 0 {
		c.RelativeFloor = DefaultRelativeFloor
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.BlockIterations <= 0 {
		c.BlockIterations = DefaultBlockIterations
	}
	if c.MaxBisections <= 0 {
		c.MaxBisections = DefaultMaxBisections
	}
	if c.JacobianDelta <= 0 {
		c.JacobianDelta = DefaultJacobianDelta
	}
	if c.MaxRelativeStep <= 0 {
		c.MaxRelativeStep = DefaultMaxRelativeStep
	}
	if c.MaxBacktracks <= 0 {
		c.MaxBacktracks = DefaultMaxBacktracks
	}
	if c.SingularThreshold <= 0 {
		c.SingularThreshold = DefaultSingularThreshold
	}
	if c.BracketStep <= 0 {
		c.BracketStep = DefaultBracketStep
	}
	if c.PoorStepRatio <= 0 || c.PoorStepRatio >= 1 {
		c.PoorStepRatio = DefaultPoorStepRatio
	}
	return c
}

// Solver finds the clearing prices of one period at a time.
type Solver struct {
	market *market.Marketplace
	model  Evaluator
	cfg    Config
}

// New creates a solver over the marketplace and sector model.
func New(mp *market.Marketplace, model Evaluator, cfg Config) *Solver {
	return &Solver{market: mp, model: model, cfg: cfg.withDefaults()}
}

// Config returns the effective configuration.
func (s *Solver) Config() Config {
	return s.cfg
}

// run carries the per-period counters through the helpers.
type run struct {
	period int
	res    *PeriodResult
}

// evaluate resets the period's accumulators, calls the model once and closes
// the broken dependency edges.
func (s *Solver) evaluate(ctx context.Context, r *run) error {
	s.market.NullSupplyAndDemand(r.period)
	r.res.Evaluations++
	if err := s.model.Evaluate(ctx, r.period); err != nil {
		return fmt.Errorf("evaluating period %d: %w", r.period, err)
	}
	if err := s.market.ReportTrialValues(r.period); err != nil {
		return fmt.Errorf("reporting trial values for period %d: %w", r.period, err)
	}
	return nil
}

func (s *Solver) solved(m *market.Market) bool {
	return m.IsSolved(s.cfg.Tolerance, s.cfg.RelativeFloor)
}

func (s *Solver) allSolved(markets []*market.Market) bool {
	for _, m := range markets {
		if !s.solved(m) {
			return false
		}
	}
	return true
}

// distance is the convergence measure of the whole period: the summed relative
// excess of unsolved markets.
func (s *Solver) distance(markets []*market.Market) float64 {
	d := 0.0
	for _, m := range markets {
		if !s.solved(m) {
			d += balance.RelativeExcess(m, s.cfg.RelativeFloor)
		}
	}
	return d
}

// Solve computes the clearing prices of a period. Errors are returned for a
// failing model or an unresolvable dependency graph. A period that does not
// converge within the budget is reported in the result with the best prices
// found restored. Cancellation is not checked here: a period runs to the end
// of its budget and callers stop between periods.
func (s *Solver) Solve(ctx context.Context, period int) (PeriodResult, error) {
	start := time.Now()
	res := PeriodResult{Period: period}
	r := &run{period: period, res: &res}

	ord := s.market.Ordering()
	if ord == nil {
		var err error
		if ord, err = s.market.ResolveDependencies(); err != nil {
			return res, fmt.Errorf("resolving dependencies: %w", err)
		}
	}

	s.market.InitPrices(period)
	if err := s.evaluate(ctx, r); err != nil {
		return res, err
	}

	solvable := s.market.SolvableMarkets(period)
	if s.allSolved(solvable) {
		res.Converged = true
		res.summarize(solvable, s.cfg.RelativeFloor)
		res.Duration = time.Since(start)
		slog.Debug("period already at equilibrium", "period", period, "markets", len(solvable))
		return res, nil
	}

	groups := s.blocks(ord, period)
	s.market.StorePrices(period)
	best := s.distance(solvable)

	for res.Iterations < s.cfg.MaxIterations {
		res.Iterations++

		for _, g := range groups {
			if err := s.solveBlock(ctx, r, g); err != nil {
				return res, err
			}
		}

		if d := s.distance(solvable); d < best {
			best = d
			s.market.StorePrices(period)
		}
		if s.allSolved(solvable) {
			res.Converged = true
			break
		}
	}

	if !res.Converged {
		s.market.RestorePrices(period)
		if err := s.evaluate(ctx, r); err != nil {
			return res, err
		}
		res.Converged = s.allSolved(solvable)
	}
	res.summarize(solvable, s.cfg.RelativeFloor)
	res.Duration = time.Since(start)

	if res.Converged {
		slog.Info("period solved",
			"period", period,
			"iterations", res.Iterations,
			"newton_steps", res.NewtonSteps,
			"bisection_steps", res.BisectionSteps,
			"evaluations", res.Evaluations,
		)
	} else {
		slog.Warn("period did not converge",
			"period", period,
			"iterations", res.Iterations,
			"residual", res.MaxRelativeExcess,
			"market", res.WorstMarket,
		)
	}
	return res, nil
}

// solveBlock iterates one block until its markets are jointly solved or the
// block budget runs out. Newton is used while it keeps making progress; the
// block falls back to bisection after a failed step or two poor ones.
func (s *Solver) solveBlock(ctx context.Context, r *run, markets []*market.Market) error {
	poor := 0
	for it := 0; it < s.cfg.BlockIterations; it++ {
		unsolved := s.unsolved(markets)
		if len(unsolved) == 0 {
			return nil
		}

		nr := newtonSet(markets)
		if poor < 2 && len(s.unsolved(nr)) > 0 {
			out, err := s.newtonStep(ctx, r, nr)
			if err != nil {
				return err
			}
			switch out {
			case stepGood:
				poor = 0
				continue
			case stepPoor:
				poor++
				continue
			}
			slog.Debug("newton step failed, bisecting", "period", r.period, "unknowns", len(nr))
		}

		if err := s.bisectAll(ctx, r, s.unsolved(markets)); err != nil {
			return err
		}
		poor = 0
	}
	return nil
}

// blocks groups the period's solvable markets by dependency block in schedule
// order. Solvable markets the ordering does not know form trailing singletons.
func (s *Solver) blocks(ord *dependency.Ordering, period int) [][]*market.Market {
	var groups [][]*market.Market
	placed := make(map[*market.Market]bool)
	for _, b := range ord.Blocks {
		var g []*market.Market
		for _, n := range b.Nodes {
			m, err := s.market.LocateMarket(n.Good, n.Region, period)
			if err != nil || !m.ShouldSolve() {
				continue
			}
			g = append(g, m)
			placed[m] = true
		}
		if len(g) > 0 {
			groups = append(groups, g)
		}
	}
	for _, m := range s.market.SolvableMarkets(period) {
		if !placed[m] {
			groups = append(groups, []*market.Market{m})
		}
	}
	return groups
}

func (s *Solver) unsolved(markets []*market.Market) []*market.Market {
	var out []*market.Market
	for _, m := range markets {
		if !s.solved(m) {
			out = append(out, m)
		}
	}
	return out
}

func newtonSet(markets []*market.Market) []*market.Market {
	var out []*market.Market
	for _, m := range markets {
		if m.ShouldSolveNR() {
			out = append(out, m)
		}
	}
	return out
}
