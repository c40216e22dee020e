// Package demand provides named external demand sources and the final demand
// that aggregates them into a market.
package demand

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/talgya/equilibrium/internal/balance"
	"github.com/talgya/equilibrium/internal/market"
)

// Kind selects how a source computes its demand.
type Kind uint8

const (
	KindExogenous   Kind = iota // fixed per-period demand, optionally gated on a carbon price
	KindElastic                 // logistic response to a tax price
	KindOffset                  // fraction of a solved offset quantity
	KindAccumulated             // carry-over of demand left unmet in earlier periods
)

var kindNames = [...]string{
	KindExogenous:   "exogenous",
	KindElastic:     "elastic",
	KindOffset:      "offset",
	KindAccumulated: "accumulated",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// ParseKind maps a kind name back to its Kind.
func ParseKind(name string) (Kind, bool) {
	for i, n := range kindNames {
		if n == name {
			return Kind(i), true
		}
	}
	return KindExogenous, false
}

// OffsetDemandSuffix names the trial-value market an offset source reads.
const OffsetDemandSuffix = "-offset-demand"

// Defaults applied by CompleteInit.
const (
	DefaultTaxName           = "CO2"
	DefaultSteepness         = 0.005
	DefaultMidpoint          = 500.0
	DefaultTrackingMarket    = "unsatisfiedCDRDemand"
	DefaultFractionToSatisfy = 0.5
)

// Source is one named demand source. Only the fields of its Kind are used.
type Source struct {
	Kind Kind
	Name string

	// exogenous
	Demand      []float64
	CarbonPrice string // market that must carry a positive price; empty disables the gate

	// elastic
	MaxDemand   float64
	Steepness   float64
	Midpoint    float64
	MinPrice    float64
	TaxName     string
	StartPeriod int // -1 selects the first period after calibration

	// offset
	OffsetMarket   string
	OffsetRegion   string
	OffsetFraction []float64
	MaxOffset      float64

	// accumulated
	TrackingMarket    string
	TrackingRegion    string
	FractionToSatisfy []float64

	accumulated float64
	current     float64
}

func at(v []float64, period int, missing float64) float64 {
	if period < 0 || period >= len(v) {
		return missing
	}
	return v[period]
}

// OffsetMarketName returns the trial-value market of an offset source.
func (s *Source) OffsetMarketName() string {
	return s.OffsetMarket + OffsetDemandSuffix
}

// CompleteInit applies defaults and registers the markets and dependencies the
// source needs. owner is the good of the final demand the source belongs to.
func (s *Source) CompleteInit(owner, region string, mp *market.Marketplace, finalCalibrationPeriod int) {
	if s.Name == "" {
		s.Name = s.Kind.String() + "-demand-source"
	}
	switch s.Kind {
	case KindElastic:
		if s.StartPeriod < 0 {
			s.StartPeriod = finalCalibrationPeriod + 1
		} else if s.StartPeriod <= finalCalibrationPeriod {
			slog.Warn("elastic demand cannot start in a calibration period",
				"source", s.Name, "region", region, "start_period", s.StartPeriod)
			s.StartPeriod = finalCalibrationPeriod + 1
		}
		if s.TaxName == "" {
			s.TaxName = DefaultTaxName
		}
		if s.Steepness == 0 {
			s.Steepness = DefaultSteepness
		}
		if s.Midpoint == 0 {
			s.Midpoint = DefaultMidpoint
		}
		if s.MaxDemand == 0 {
			slog.Warn("elastic demand source has no maximum demand and will produce none",
				"source", s.Name, "region", region)
		}

	case KindOffset:
		if s.OffsetMarket == "" {
			s.OffsetMarket = DefaultTaxName
		}
		if s.OffsetRegion == "" {
			s.OffsetRegion = region
		}
		if s.MaxOffset <= 0 {
			s.MaxOffset = balance.LargeNumber
		}
		for i, f := range s.OffsetFraction {
			s.OffsetFraction[i] = math.Max(f, 0)
		}
		trial := s.OffsetMarketName()
		if mp.CreateMarket(trial, region, market.KindTrialValue) {
			for p := 1; p < mp.Periods(); p++ {
				_ = mp.SetMarketToSolve(trial, region, p)
			}
		}
		mp.DependencyFinder().AddDependency(owner, region, trial, region, false)

	case KindAccumulated:
		if s.TrackingMarket == "" {
			s.TrackingMarket = DefaultTrackingMarket
		}
		if s.TrackingRegion == "" {
			s.TrackingRegion = region
		}
		for i, f := range s.FractionToSatisfy {
			if f < 0 {
				slog.Warn("negative fraction to satisfy reset to zero",
					"source", s.Name, "region", region, "period", i)
				s.FractionToSatisfy[i] = 0
			}
		}
	}
}

// InitCalc runs once per period before the solve. An accumulated source moves
// the previous period's unmet demand into its backlog and releases a fraction.
func (s *Source) InitCalc(mp *market.Marketplace, period int) {
	if s.Kind != KindAccumulated || period <= 0 {
		return
	}
	price, _ := mp.Price(s.TrackingMarket, s.TrackingRegion, period-1, false)
	if price == market.NoMarketPrice {
		return
	}
	unmet, _ := mp.Demand(s.TrackingMarket, s.TrackingRegion, period-1, false)
	s.accumulated += unmet
	s.current = s.accumulated * at(s.FractionToSatisfy, period, DefaultFractionToSatisfy)
	s.accumulated -= s.current
}

// Backlog returns demand accumulated and not yet released.
func (s *Source) Backlog() float64 {
	return s.accumulated
}

// Value returns the source's demand in a region and period at current prices.
func (s *Source) Value(mp *market.Marketplace, region string, period int) float64 {
	switch s.Kind {
	case KindElastic:
		if period < s.StartPeriod {
			return 0
		}
		price, _ := mp.Price(s.TaxName, region, period, false)
		if price == market.NoMarketPrice || price == 0 || price <= s.MinPrice {
			return 0
		}
		return s.MaxDemand / (1 + math.Exp(-s.Steepness*(price-s.Midpoint)))

	case KindOffset:
		frac := at(s.OffsetFraction, period, 0)
		if frac == 0 {
			return 0
		}
		price, _ := mp.Price(s.OffsetMarketName(), region, period, false)
		if price == market.NoMarketPrice {
			return 0
		}
		return math.Max(0, math.Min(price*frac, s.MaxOffset))

	case KindAccumulated:
		return s.current

	default:
		if s.CarbonPrice != "" {
			price, _ := mp.Price(s.CarbonPrice, region, period, false)
			if price == market.NoMarketPrice || price < balance.TinyNumber {
				return 0
			}
		}
		return at(s.Demand, period, 0)
	}
}
