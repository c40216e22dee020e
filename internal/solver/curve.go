package solver

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/talgya/equilibrium/internal/market"
)

// CurvePoint is one sample of a market's supply and demand at a trial price.
type CurvePoint struct {
	Price  float64 `json:"price"`
	Supply float64 `json:"supply"`
	Demand float64 `json:"demand"`
}

// Excess returns supply minus demand at the sample.
func (c CurvePoint) Excess() float64 {
	return c.Supply - c.Demand
}

// SupplyDemandCurve is a price sweep of one market.
type SupplyDemandCurve struct {
	Market market.Key   `json:"market"`
	Points []CurvePoint `json:"points"`
}

// Curve sets the market's price to each of prices in turn, evaluates the
// economy with every other price held, and records supply and demand. The
// market's price is restored and the economy re-evaluated before returning.
func (s *Solver) Curve(ctx context.Context, key market.Key, prices []float64) (*SupplyDemandCurve, error) {
	m, err := s.market.LocateMarket(key.Good, key.Region, key.Period)
	if err != nil {
		return nil, err
	}
	res := PeriodResult{Period: key.Period}
	r := &run{period: key.Period, res: &res}

	orig := m.RawPrice()
	curve := &SupplyDemandCurve{Market: key}
	for _, p := range prices {
		m.SetRawPrice(p)
		if err := s.evaluate(ctx, r); err != nil {
			m.SetRawPrice(orig)
			return nil, err
		}
		curve.Points = append(curve.Points, CurvePoint{
			Price:  m.Price(),
			Supply: m.Supply(),
			Demand: m.Demand(),
		})
	}
	sort.Slice(curve.Points, func(a, b int) bool { return curve.Points[a].Price < curve.Points[b].Price })

	m.SetRawPrice(orig)
	if err := s.evaluate(ctx, r); err != nil {
		return nil, err
	}
	return curve, nil
}

// WriteCSV writes the curve with a header row.
func (c *SupplyDemandCurve) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"market", "price", "supply", "demand", "excess"}); err != nil {
		return fmt.Errorf("writing curve header: %w", err)
	}
	f := func(x float64) string { return strconv.FormatFloat(x, 'g', -1, 64) }
	for _, p := range c.Points {
		row := []string{c.Market.String(), f(p.Price), f(p.Supply), f(p.Demand), f(p.Excess())}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing curve row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
