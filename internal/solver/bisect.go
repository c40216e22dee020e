package solver

import (
	"context"
	"math"

	"github.com/talgya/equilibrium/internal/balance"
	"github.com/talgya/equilibrium/internal/market"
)

// bisectAll runs one-dimensional bisection on each market in turn, holding the
// other prices fixed.
func (s *Solver) bisectAll(ctx context.Context, r *run, markets []*market.Market) error {
	for _, m := range markets {
		if s.solved(m) {
			continue
		}
		if err := s.bisect(ctx, r, m); err != nil {
			return err
		}
	}
	return nil
}

// bisect brackets the market's root and halves the bracket until the market is
// solved or the evaluation budget is spent. Excess supply is taken to rise with
// the market's own price. A non-negative market whose excess is still positive
// at zero is left at zero, which is where a slack constraint is solved.
func (s *Solver) bisect(ctx context.Context, r *run, m *market.Market) error {
	budget := s.cfg.MaxBisections
	try := func(p float64) (float64, error) {
		budget--
		r.res.BisectionSteps++
		m.SetRawPrice(p)
		if err := s.evaluate(ctx, r); err != nil {
			return 0, err
		}
		return balance.Excess(m), nil
	}

	p := m.RawPrice()
	f := balance.Excess(m)
	step := s.cfg.BracketStep * math.Max(math.Abs(p), 1)

	var lo, hi float64
	if f < 0 {
		// Price too low: walk up until excess turns non-negative.
		lo, hi = p, p+step
		for budget > 0 {
			fh, err := try(hi)
			if err != nil {
				return err
			}
			if fh >= 0 || s.solved(m) {
				break
			}
			lo = hi
			step *= 2
			hi = lo + step
		}
	} else {
		hi, lo = p, p-step
		for budget > 0 {
			if lo < 0 && !m.AllowsNegativePrice() {
				lo = 0
			}
			fl, err := try(lo)
			if err != nil {
				return err
			}
			if fl <= 0 || s.solved(m) {
				break
			}
			if lo == 0 && !m.AllowsNegativePrice() {
				return nil
			}
			hi = lo
			step *= 2
			lo = hi - step
		}
	}

	for budget > 0 && !s.solved(m) {
		mid := (lo + hi) / 2
		fm, err := try(mid)
		if err != nil {
			return err
		}
		if fm < 0 {
			lo = mid
		} else {
			hi = mid
		}
	}
	return nil
}
