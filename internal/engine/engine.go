// Package engine provides the period-by-period run loop.
package engine

import (
	"context"
	"log/slog"
	"time"
)

// Engine drives a simulation through the model periods in order.
type Engine struct {
	Period  int // next period to solve
	Running bool

	// Callbacks, populated during setup.
	OnPeriod func(PeriodReport) error // after each solved period
	OnDone   func(RunSummary)         // once the horizon is solved
}

// NewEngine creates an engine positioned at the base period.
func NewEngine() *Engine {
	return &Engine{}
}

// Run solves every remaining period of sim. It stops early when the context is
// cancelled or a period fails with an error; a period that merely does not
// converge is logged and the run continues from its best prices.
func (e *Engine) Run(ctx context.Context, sim *Simulation) (RunSummary, error) {
	e.Running = true
	defer func() { e.Running = false }()
	slog.Info("run started", "run_id", sim.RunID, "periods", sim.Model.Periods)

	for ; e.Period < sim.Model.Periods; e.Period++ {
		if err := ctx.Err(); err != nil {
			slog.Warn("run cancelled", "run_id", sim.RunID, "period", e.Period)
			return sim.Summary(), err
		}
		start := time.Now()
		report, err := sim.SolvePeriod(ctx, e.Period)
		if err != nil {
			return sim.Summary(), err
		}
		if !report.Result.Converged {
			slog.Warn("period did not converge",
				"period", report.Period, "year", report.Year,
				"worst_market", report.Result.WorstMarket,
				"max_relative_excess", report.Result.MaxRelativeExcess)
		}
		slog.Info("period solved",
			"period", report.Period, "year", report.Year,
			"outcome", report.Result.Outcome(),
			"calibrated", report.Calibrated,
			"elapsed", time.Since(start).Round(time.Millisecond))

		if e.OnPeriod != nil {
			if err := e.OnPeriod(report); err != nil {
				return sim.Summary(), err
			}
		}
	}

	summary := sim.Summary()
	if e.OnDone != nil {
		e.OnDone(summary)
	}
	slog.Info("run finished", "run_id", summary.RunID, "converged", summary.Converged, "periods", summary.Periods)
	return summary, nil
}
