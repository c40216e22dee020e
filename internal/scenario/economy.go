package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/talgya/equilibrium/internal/calibration"
	"github.com/talgya/equilibrium/internal/config"
	"github.com/talgya/equilibrium/internal/demand"
	"github.com/talgya/equilibrium/internal/market"
)

// Goods traded in the generated economy.
const (
	GoodGas         = "gas"
	GoodElectricity = "electricity"
	GoodBiomass     = "biomass" // price-linked pair
	GoodCO2         = "CO2"     // tax market, a cap after calibration
	GoodCDR         = demand.DefaultFinalDemandName
)

// minPrice keeps iso-elastic curves finite when a trial price reaches zero.
const minPrice = 0.1

// Region holds the sectors of one region.
type Region struct {
	Name string

	GasDemand         float64 // direct use at a unit gas cost
	GasElasticity     float64
	ElecDemand        float64
	ElecElasticity    float64
	ThermalCapacity   float64 // gas-fired output at a unit spark ratio
	ThermalElasticity float64
	HeatRate          float64
	EmissionFactor    float64
	BiomassDemand     float64
	BiomassElasticity float64
	BiomassSlope      float64 // biomass supplied per unit of price
	Growth            float64 // annual demand growth

	Gas   *calibration.Resource
	Power *calibration.Resource // renewable electricity
	CDR   *demand.FinalDemand   // nil when CDR is disabled

	BaseEmissions float64 // emissions in the final calibration period
}

// Flows are the physical quantities of a region at the current prices.
type Flows struct {
	GasSupply        float64 `json:"gas_supply"`
	GasUse           float64 `json:"gas_use"`
	Thermal          float64 `json:"thermal"`
	Wind             float64 `json:"wind"`
	ElecDemand       float64 `json:"elec_demand"`
	BiomassSupply    float64 `json:"biomass_supply"`
	BiomassDemand    float64 `json:"biomass_demand"`
	Emissions        float64 `json:"emissions"`
	CDRDemand        float64 `json:"cdr_demand"`
	CDRUncapped      float64 `json:"cdr_uncapped"` // CDR demand before the cap
	CDRBacklog       float64 `json:"cdr_backlog"`  // accumulated CDR demand not yet released
	CarbonTax        float64 `json:"carbon_tax"`
	GasPrice         float64 `json:"gas_price"`
	ElectricityPrice float64 `json:"electricity_price"`
}

// thermal is gas-fired generation at an electricity price and fuel cost.
func (r *Region) thermal(pe, gasCost float64) float64 {
	return r.ThermalCapacity * math.Pow(math.Max(pe, minPrice)/(r.HeatRate*gasCost), r.ThermalElasticity)
}

// growthFactor scales demand from the base period.
func (r *Region) growthFactor(period int, years float64) float64 {
	return math.Pow(1+r.Growth, years*float64(period))
}

// Economy is the model the solver evaluates: regional sectors plus a global
// CDR market. It implements solver.Evaluator.
type Economy struct {
	Regions     []*Region
	CDRRegion   string
	CDRCapacity float64
	CapPath     []float64 // cap per post-calibration period as a fraction of base emissions
	Parallel    bool
	TrialValues bool // gas reads the electricity price through a trial-value market

	model config.ModelConfig
	mp    *market.Marketplace
}

// NewEconomy assembles an economy from explicit regions.
func NewEconomy(model config.ModelConfig, regions []*Region, cdrRegion string) *Economy {
	return &Economy{
		Regions:     regions,
		CDRRegion:   cdrRegion,
		CDRCapacity: refCDRCapacity * float64(len(regions)),
		model:       model,
	}
}

// Resources returns every calibrated resource.
func (e *Economy) Resources() []*calibration.Resource {
	out := make([]*calibration.Resource, 0, 2*len(e.Regions))
	for _, r := range e.Regions {
		out = append(out, r.Gas, r.Power)
	}
	return out
}

// Marketplace returns the marketplace the economy was registered with.
func (e *Economy) Marketplace() *market.Marketplace {
	return e.mp
}

// policyActive reports whether the carbon cap binds in a period.
func (e *Economy) policyActive(period int) bool {
	return period > e.model.FinalCalibrationPeriod && len(e.CapPath) > 0
}

// capFraction returns the cap of a policy period; the path's last value holds
// for the rest of the horizon.
func (e *Economy) capFraction(period int) float64 {
	i := period - e.model.FinalCalibrationPeriod - 1
	if i >= len(e.CapPath) {
		i = len(e.CapPath) - 1
	}
	return e.CapPath[i]
}

// Register creates the markets and dependencies of the economy.
func (e *Economy) Register(mp *market.Marketplace) error {
	e.mp = mp
	finder := mp.DependencyFinder()
	finalCal := e.model.FinalCalibrationPeriod

	if e.hasCDR() {
		mp.CreateMarket(GoodCDR, e.CDRRegion, market.KindNormal)
	}
	for _, r := range e.Regions {
		mp.CreateMarket(GoodGas, r.Name, market.KindNormal)
		mp.CreateMarket(GoodElectricity, r.Name, market.KindNormal)
		mp.CreateLinkedPair(GoodBiomass, r.Name)
		mp.CreateMarket(GoodCO2, r.Name, market.KindTax)
		for p := 0; p < mp.Periods(); p++ {
			for _, good := range []string{GoodGas, GoodElectricity, GoodBiomass} {
				if err := mp.SetMarketToSolve(good, r.Name, p); err != nil {
					return err
				}
			}
		}

		// Gas feeds thermal generation, which in turn sets the gas call.
		finder.AddDependency(GoodElectricity, r.Name, GoodGas, r.Name, false)
		finder.AddDependency(GoodGas, r.Name, GoodElectricity, r.Name, e.TrialValues)
		finder.AddDependency(GoodCO2, r.Name, GoodGas, r.Name, false)
		finder.AddDependency(GoodCO2, r.Name, GoodElectricity, r.Name, false)

		if r.CDR != nil {
			r.CDR.CompleteInit(mp, finalCal)
			for _, s := range r.CDR.Sources {
				if s.Kind == demand.KindOffset {
					finder.AddDependency(s.OffsetMarketName(), r.Name, GoodGas, r.Name, false)
				}
			}
		}
	}
	slog.Info("economy registered", "regions", len(e.Regions), "markets", len(mp.Nodes()))
	return nil
}

func (e *Economy) hasCDR() bool {
	for _, r := range e.Regions {
		if r.CDR != nil {
			return true
		}
	}
	return false
}

// InitCalc prepares a period before it is solved: the carbon cap and CDR
// market become unknowns once policy is active.
func (e *Economy) InitCalc(period int) error {
	if e.mp == nil {
		return fmt.Errorf("economy not registered")
	}
	policy := e.policyActive(period)
	for _, r := range e.Regions {
		if policy {
			if r.BaseEmissions <= 0 {
				slog.Warn("no base emissions recorded; carbon cap not applied", "region", r.Name, "period", period)
			} else {
				m, err := e.mp.LocateMarket(GoodCO2, r.Name, period)
				if err != nil {
					return err
				}
				m.SetConstraint(e.capFraction(period) * r.BaseEmissions)
				m.SetSolve(true)
			}
		}
		if r.CDR != nil {
			if err := r.CDR.InitCalc(e.mp, period); err != nil {
				return err
			}
		}
	}
	if policy && e.hasCDR() {
		if err := e.mp.SetMarketToSolve(GoodCDR, e.CDRRegion, period); err != nil {
			return err
		}
	}
	return nil
}

// Evaluate runs every sector at the current trial prices. Regions only touch
// their own markets and the shared CDR market, so they may run concurrently.
func (e *Economy) Evaluate(ctx context.Context, period int) error {
	if e.mp == nil {
		return fmt.Errorf("economy not registered")
	}
	if e.Parallel && len(e.Regions) > 1 {
		g, _ := errgroup.WithContext(ctx)
		for _, r := range e.Regions {
			r := r
			g.Go(func() error {
				_, err := e.evaluateRegion(r, period)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	} else {
		for _, r := range e.Regions {
			if _, err := e.evaluateRegion(r, period); err != nil {
				return err
			}
		}
	}
	return e.supplyCDR(period)
}

// carbonTax is the tax consumers pay; it is zero until the cap is active.
func (e *Economy) carbonTax(r *Region, period int) (float64, error) {
	if !e.policyActive(period) || r.BaseEmissions <= 0 {
		return 0, nil
	}
	return e.mp.Price(GoodCO2, r.Name, period, true)
}

func (e *Economy) evaluateRegion(r *Region, period int) (Flows, error) {
	var f Flows
	mp := e.mp
	years := e.model.TimeStepOf(period)

	pg, err := mp.Price(GoodGas, r.Name, period, true)
	if err != nil {
		return f, err
	}
	pe, err := mp.Price(GoodElectricity, r.Name, period, true)
	if err != nil {
		return f, err
	}
	// The gas call sees the electricity price through the trial value when
	// the cycle is broken; the two agree once the period is solved.
	peGas, err := mp.DependentPrice(GoodGas, r.Name, GoodElectricity, r.Name, period, true)
	if err != nil {
		return f, err
	}
	pb, err := mp.Price(GoodBiomass, r.Name, period, true)
	if err != nil {
		return f, err
	}
	tax, err := e.carbonTax(r, period)
	if err != nil {
		return f, err
	}
	growth := r.growthFactor(period, years)
	f.GasPrice, f.ElectricityPrice, f.CarbonTax = pg, pe, tax

	// Gas users and generators pay the carbon tax on combustion.
	gasCost := math.Max(pg+r.EmissionFactor*tax, minPrice)
	direct := growth * r.GasDemand * math.Pow(gasCost, -r.GasElasticity)
	f.Thermal = r.thermal(pe, gasCost)
	f.GasUse = direct + r.HeatRate*r.thermal(peGas, gasCost)
	f.GasSupply = r.Gas.AnnualSupply(pg, period, years)
	f.Wind = r.Power.AnnualSupply(pe, period, years)
	f.ElecDemand = growth * r.ElecDemand * math.Pow(math.Max(pe, minPrice), -r.ElecElasticity)
	f.Emissions = r.EmissionFactor * f.GasUse

	adds := []struct {
		good   string
		supply bool
		qty    float64
	}{
		{GoodGas, true, f.GasSupply},
		{GoodGas, false, f.GasUse},
		{GoodElectricity, true, f.Thermal + f.Wind},
		{GoodElectricity, false, f.ElecDemand},
		{GoodCO2, false, f.Emissions},
	}
	for _, a := range adds {
		if a.supply {
			err = mp.AddToSupply(a.good, r.Name, a.qty, period, true)
		} else {
			err = mp.AddToDemand(a.good, r.Name, a.qty, period, true)
		}
		if err != nil {
			return f, err
		}
	}

	// Biomass is cleared through its price-linked pair: the price market
	// compares the trial price with the price suppliers need to meet demand.
	f.BiomassDemand = growth * r.BiomassDemand * math.Pow(math.Max(pb, minPrice), -r.BiomassElasticity)
	f.BiomassSupply = r.BiomassSlope * math.Max(pb, 0)
	if err := mp.SetPrice(GoodBiomass, r.Name, f.BiomassDemand/r.BiomassSlope, period, true); err != nil {
		return f, err
	}
	if err := mp.AddToSupply(GoodBiomass, r.Name, f.BiomassSupply, period, true); err != nil {
		return f, err
	}

	if r.CDR != nil {
		for _, s := range r.CDR.Sources {
			if s.Kind == demand.KindOffset {
				if err := mp.AddToDemand(s.OffsetMarketName(), r.Name, f.Emissions, period, false); err != nil {
					return f, err
				}
			}
		}
		if f.CDRDemand, err = r.CDR.SetFinalDemand(mp, period); err != nil {
			return f, err
		}
		f.CDRUncapped = r.CDR.RawDemand(period)
		for _, s := range r.CDR.Sources {
			f.CDRBacklog += s.Backlog()
		}
	}
	return f, nil
}

// supplyCDR adds the global removal supply, linear in the CDR price.
func (e *Economy) supplyCDR(period int) error {
	if !e.hasCDR() {
		return nil
	}
	p, err := e.mp.Price(GoodCDR, e.CDRRegion, period, true)
	if err != nil {
		return err
	}
	return e.mp.AddToSupply(GoodCDR, e.CDRRegion, e.CDRCapacity*math.Max(p, 0), period, true)
}

// Finalize re-evaluates the solved period and records what later periods
// depend on: cumulative resource production, base emissions and the
// calibrated price adders. Returns the flows of each region.
func (e *Economy) Finalize(ctx context.Context, period int) (map[string]Flows, error) {
	if e.mp == nil {
		return nil, fmt.Errorf("economy not registered")
	}
	e.mp.NullSupplyAndDemand(period)
	out := make(map[string]Flows, len(e.Regions))
	for _, r := range e.Regions {
		f, err := e.evaluateRegion(r, period)
		if err != nil {
			return nil, fmt.Errorf("finalizing period %d: %w", period, err)
		}
		out[r.Name] = f
	}
	if err := e.supplyCDR(period); err != nil {
		return nil, fmt.Errorf("finalizing period %d: %w", period, err)
	}
	if err := e.mp.ReportTrialValues(period); err != nil {
		return nil, fmt.Errorf("finalizing period %d: %w", period, err)
	}

	years := e.model.TimeStepOf(period)
	for _, r := range e.Regions {
		for _, res := range []*calibration.Resource{r.Gas, r.Power} {
			price, err := e.mp.Price(res.Name, r.Name, period, true)
			if err != nil {
				return nil, err
			}
			for _, sr := range res.SubResources {
				sr.RecordProduction(period, sr.AnnualSupply(price, period, years), years)
				if period == e.model.FinalCalibrationPeriod {
					sr.CarryAdderForward(period)
				}
			}
		}
		if period == e.model.FinalCalibrationPeriod {
			r.BaseEmissions = out[r.Name].Emissions
		}
	}
	return out, nil
}
