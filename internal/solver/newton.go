package solver

import (
	"context"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/talgya/equilibrium/internal/balance"
	"github.com/talgya/equilibrium/internal/market"
)

// stepOutcome classifies a Newton step.
type stepOutcome uint8

const (
	stepGood   stepOutcome = iota // residual norm fell by more than the poor ratio
	stepPoor                      // accepted, but the norm barely moved
	stepFailed                    // singular Jacobian or no decrease along the step
)

func excesses(markets []*market.Market) []float64 {
	f := make([]float64, len(markets))
	for i, m := range markets {
		f[i] = balance.Excess(m)
	}
	return f
}

func prices(markets []*market.Market) []float64 {
	p := make([]float64, len(markets))
	for i, m := range markets {
		p[i] = m.RawPrice()
	}
	return p
}

func setPrices(markets []*market.Market, p []float64) {
	for i, m := range markets {
		m.SetRawPrice(p[i])
	}
}

// jacobian approximates d(excess_i)/d(price_j) by forward differences, one
// price at a time, re-evaluating the economy after each perturbation. The
// economy is left evaluated at the last perturbed point.
func (s *Solver) jacobian(ctx context.Context, r *run, markets []*market.Market, base []float64, f0 []float64) (*mat.Dense, error) {
	n := len(markets)
	j := mat.NewDense(n, n, nil)
	for col, m := range markets {
		p := base[col]
		h := math.Max(math.Abs(p)*s.cfg.JacobianDelta, s.cfg.JacobianDelta)
		m.SetRawPrice(p + h)
		if err := s.evaluate(ctx, r); err != nil {
			m.SetRawPrice(p)
			return nil, err
		}
		for row, o := range markets {
			j.Set(row, col, (balance.Excess(o)-f0[row])/h)
		}
		m.SetRawPrice(p)
	}
	return j, nil
}

// newtonStep takes one damped Newton step on the block's unknowns. On failure
// the prices are back at their starting values and the economy is evaluated
// there.
func (s *Solver) newtonStep(ctx context.Context, r *run, markets []*market.Market) (stepOutcome, error) {
	n := len(markets)
	base := prices(markets)
	f0 := excesses(markets)
	norm0 := balance.Norm(f0)

	j, err := s.jacobian(ctx, r, markets, base, f0)
	if err != nil {
		return stepFailed, err
	}

	dx, ok := s.direction(j, f0)
	if !ok {
		return stepFailed, s.evaluate(ctx, r)
	}
	s.boundStep(base, dx)

	trial := make([]float64, n)
	lambda := 1.0
	for k := 0; k <= s.cfg.MaxBacktracks; k++ {
		for i, m := range markets {
			next := base[i] + lambda*dx[i]
			if next < 0 && !m.AllowsNegativePrice() {
				next = base[i] / 2
			}
			trial[i] = next
		}
		setPrices(markets, trial)
		if err := s.evaluate(ctx, r); err != nil {
			return stepFailed, err
		}
		norm := balance.Norm(excesses(markets))
		if norm < norm0 {
			r.res.NewtonSteps++
			if norm > s.cfg.PoorStepRatio*norm0 {
				return stepPoor, nil
			}
			return stepGood, nil
		}
		lambda /= 2
	}

	setPrices(markets, base)
	return stepFailed, s.evaluate(ctx, r)
}

// direction solves J·dx = −f with an LU factorization. It reports false when
// the Jacobian is singular or ill conditioned, or the step is not finite.
func (s *Solver) direction(j *mat.Dense, f []float64) ([]float64, bool) {
	var lu mat.LU
	lu.Factorize(j)
	if c := lu.Cond(); math.IsNaN(c) || c > s.cfg.SingularThreshold {
		return nil, false
	}
	var x mat.VecDense
	if err := lu.SolveVecTo(&x, false, mat.NewVecDense(len(f), f)); err != nil {
		return nil, false
	}
	dx := make([]float64, len(f))
	for i := range dx {
		dx[i] = -x.AtVec(i)
		if !balance.Finite(dx[i]) {
			return nil, false
		}
	}
	return dx, true
}

// boundStep scales dx uniformly so no component moves its price by more than
// MaxRelativeStep·max(|p|, 1). The direction is preserved.
func (s *Solver) boundStep(base, dx []float64) {
	scale := 1.0
	for i, d := range dx {
		limit := s.cfg.MaxRelativeStep * math.Max(math.Abs(base[i]), 1)
		if a := math.Abs(d); a > limit {
			scale = math.Min(scale, limit/a)
		}
	}
	if scale < 1 {
		for i := range dx {
			dx[i] *= scale
		}
	}
}
