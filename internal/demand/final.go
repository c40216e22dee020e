package demand

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/talgya/equilibrium/internal/balance"
	"github.com/talgya/equilibrium/internal/market"
)

// DefaultFinalDemandName is the good a FinalDemand adds to when unnamed.
const DefaultFinalDemandName = "CDR"

// FinalDemand sums its sources and adds the total to one market, possibly in
// another region.
type FinalDemand struct {
	Name         string
	Region       string
	MarketRegion string
	MaxDemand    float64 // zero means unbounded
	Sources      []*Source

	cached *market.CachedMarket
	raw    map[int]float64
}

// CompleteInit applies defaults, registers the cross-region dependency and
// initializes every source.
func (fd *FinalDemand) CompleteInit(mp *market.Marketplace, finalCalibrationPeriod int) {
	if fd.Name == "" {
		fd.Name = DefaultFinalDemandName
	}
	if fd.MarketRegion == "" {
		slog.Debug("final demand market region defaulted", "name", fd.Name, "region", fd.Region)
		fd.MarketRegion = fd.Region
	}
	if fd.MaxDemand <= 0 {
		fd.MaxDemand = math.MaxFloat64
	}
	fd.raw = make(map[int]float64)

	finder := mp.DependencyFinder()
	if !mp.HasMarket(fd.Name, fd.Region) {
		finder.AddActivity(fd.Name, fd.Region)
	}
	if fd.Region != fd.MarketRegion {
		finder.AddDependency(fd.Name, fd.Region, fd.Name, fd.MarketRegion, true)
	}
	for _, s := range fd.Sources {
		s.CompleteInit(fd.Name, fd.Region, mp, finalCalibrationPeriod)
	}
}

// InitCalc resolves the period's market and lets each source prepare.
func (fd *FinalDemand) InitCalc(mp *market.Marketplace, period int) error {
	if err := fd.resolve(mp, period); err != nil {
		return err
	}
	for _, s := range fd.Sources {
		s.InitCalc(mp, period)
	}
	return nil
}

func (fd *FinalDemand) resolve(mp *market.Marketplace, period int) error {
	c, err := mp.CachedMarket(fd.Name, fd.MarketRegion, period)
	if err != nil {
		return fmt.Errorf("final demand %s in %s: %w", fd.Name, fd.Region, err)
	}
	fd.cached = c
	return nil
}

// SetFinalDemand sums the sources at current prices, caps the total and adds
// it to the market. Returns the demand added.
func (fd *FinalDemand) SetFinalDemand(mp *market.Marketplace, period int) (float64, error) {
	if fd.cached == nil || fd.cached.Market().Period != period {
		if err := fd.resolve(mp, period); err != nil {
			return 0, err
		}
	}
	total := 0.0
	for _, s := range fd.Sources {
		total += s.Value(mp, fd.Region, period)
	}
	if fd.raw == nil {
		fd.raw = make(map[int]float64)
	}
	fd.raw[period] = total
	total = math.Min(total, fd.MaxDemand)
	if total <= balance.SmallNumber {
		return 0, nil
	}
	fd.cached.AddToDemand(total)
	return total, nil
}

// RawDemand returns the uncapped sum of the sources in the last evaluation of
// a period.
func (fd *FinalDemand) RawDemand(period int) float64 {
	return fd.raw[period]
}
