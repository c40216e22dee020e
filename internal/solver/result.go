package solver

import (
	"time"

	"github.com/talgya/equilibrium/internal/balance"
	"github.com/talgya/equilibrium/internal/market"
)

// PeriodResult reports how a period's solve ended. A non-converged result is not
// an error; the prices left in the marketplace are the best found.
type PeriodResult struct {
	Period            int           `json:"period"`
	Converged         bool          `json:"converged"`
	Iterations        int           `json:"iterations"`      // outer sweeps over the block schedule
	NewtonSteps       int           `json:"newton_steps"`    // accepted Newton updates
	BisectionSteps    int           `json:"bisection_steps"` // bracket and bisection evaluations
	Evaluations       int           `json:"evaluations"`     // calls into the model
	MaxRelativeExcess float64       `json:"max_relative_excess"`
	WorstMarket       string        `json:"worst_market,omitempty"`
	Duration          time.Duration `json:"duration"`
}

// Outcome labels the result for metrics and logs.
func (r PeriodResult) Outcome() string {
	if r.Converged {
		return "converged"
	}
	return "not_converged"
}

// summarize fills the residual fields from the markets' current state.
func (r *PeriodResult) summarize(markets []*market.Market, floor float64) {
	r.MaxRelativeExcess = 0
	r.WorstMarket = ""
	for _, m := range markets {
		if m.MeetsSpecialSolutionCriteria() {
			continue
		}
		rel := balance.RelativeExcess(m, floor)
		if rel > r.MaxRelativeExcess {
			r.MaxRelativeExcess = rel
			r.WorstMarket = m.String()
		}
	}
}
