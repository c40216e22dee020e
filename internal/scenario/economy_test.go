package scenario

import (
	"context"
	"math"
	"testing"

	"github.com/talgya/equilibrium/internal/calibration"
	"github.com/talgya/equilibrium/internal/config"
	"github.com/talgya/equilibrium/internal/market"
	"github.com/talgya/equilibrium/internal/solver"
)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func testModel() config.ModelConfig {
	return config.ModelConfig{Periods: 3, BaseYear: 2015, TimeStep: 5, FinalCalibrationPeriod: 0}
}

// simpleRegion has a single linear gas grade and no wind, so every curve is
// smooth and the numbers below can be checked by hand.
func simpleRegion(name string, periods int) *Region {
	gas := &calibration.Resource{Name: GoodGas, Region: name, SubResources: []*calibration.SubResource{
		calibration.NewSubResource("conventional", calibration.VariantDepletable, periods,
			[]calibration.Grade{{Available: 1000, Cost: []float64{100}}}),
	}}
	power := &calibration.Resource{Name: GoodElectricity, Region: name, SubResources: []*calibration.SubResource{
		calibration.NewSubResource("wind", calibration.VariantRenewable, periods, nil),
	}}
	return &Region{
		Name:              name,
		GasDemand:         100,
		GasElasticity:     0.5,
		ElecDemand:        50,
		ElecElasticity:    0.5,
		ThermalCapacity:   10,
		ThermalElasticity: 1,
		HeatRate:          2,
		EmissionFactor:    0.5,
		BiomassDemand:     40,
		BiomassElasticity: 1,
		BiomassSlope:      10,
		Gas:               gas,
		Power:             power,
	}
}

func registered(t *testing.T, e *Economy, periods int) *market.Marketplace {
	t.Helper()
	mp := market.NewMarketplace(periods)
	if err := e.Register(mp); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return mp
}

func setPrices(t *testing.T, mp *market.Marketplace, region string, period int, prices map[string]float64) {
	t.Helper()
	for good, p := range prices {
		m, err := mp.LocateMarket(good, region, period)
		if err != nil {
			t.Fatalf("LocateMarket(%s): %v", good, err)
		}
		m.SetRawPrice(p)
	}
}

func read(t *testing.T, fn func(string, string, int, bool) (float64, error), good, region string, period int) float64 {
	t.Helper()
	v, err := fn(good, region, period, true)
	if err != nil {
		t.Fatalf("%s/%s: %v", good, region, err)
	}
	return v
}

func TestEvaluateAccumulatesSectorFlows(t *testing.T) {
	e := NewEconomy(testModel(), []*Region{simpleRegion("usa", 3)}, "global")
	mp := registered(t, e, 3)
	setPrices(t, mp, "usa", 0, map[string]float64{GoodGas: 4, GoodElectricity: 16, GoodBiomass: 2})

	mp.NullSupplyAndDemand(0)
	if err := e.Evaluate(context.Background(), 0); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	// direct 100/√4 = 50, thermal 10·16/(2·4) = 20 burning 40 gas
	if got := read(t, mp.Demand, GoodGas, "usa", 0); !approx(got, 90) {
		t.Errorf("gas demand = %v, want 90", got)
	}
	if got := read(t, mp.Supply, GoodGas, "usa", 0); !approx(got, 8) {
		t.Errorf("gas supply = %v, want 8", got)
	}
	if got := read(t, mp.Supply, GoodElectricity, "usa", 0); !approx(got, 20) {
		t.Errorf("electricity supply = %v, want 20", got)
	}
	if got := read(t, mp.Demand, GoodElectricity, "usa", 0); !approx(got, 12.5) {
		t.Errorf("electricity demand = %v, want 12.5", got)
	}
	if got := read(t, mp.Demand, GoodCO2, "usa", 0); !approx(got, 45) {
		t.Errorf("CO2 demand = %v, want 45", got)
	}

	// Biomass demand 40/2 = 20 needs a price of 2 from suppliers.
	if got := read(t, mp.Demand, GoodBiomass, "usa", 0); !approx(got, 2) {
		t.Errorf("biomass implied price = %v, want 2", got)
	}
	if got := read(t, mp.Supply, GoodBiomass+market.DemandSuffix, "usa", 0); !approx(got, 20) {
		t.Errorf("biomass physical supply = %v, want 20", got)
	}
	bio, _ := mp.LocateMarket(GoodBiomass, "usa", 0)
	if !bio.IsSolved(1e-9, 1) {
		t.Error("biomass should clear at a price of 2")
	}
}

func TestParallelEvaluationMatchesSequential(t *testing.T) {
	build := func(parallel bool) *market.Marketplace {
		e := NewEconomy(testModel(), []*Region{simpleRegion("a", 3), simpleRegion("b", 3), simpleRegion("c", 3)}, "global")
		e.Parallel = parallel
		mp := registered(t, e, 3)
		for i, r := range []string{"a", "b", "c"} {
			setPrices(t, mp, r, 1, map[string]float64{GoodGas: 3 + float64(i), GoodElectricity: 10, GoodBiomass: 1})
		}
		mp.NullSupplyAndDemand(1)
		if err := e.Evaluate(context.Background(), 1); err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		return mp
	}
	seq, par := build(false), build(true)
	for _, m := range seq.Markets(1) {
		other, err := par.LocateMarket(m.Good, m.Region, 1)
		if err != nil {
			t.Fatalf("LocateMarket: %v", err)
		}
		if math.Abs(m.Supply()-other.Supply()) > 1e-9 || math.Abs(m.Demand()-other.Demand()) > 1e-9 {
			t.Errorf("%s: sequential %v/%v, parallel %v/%v", m, m.Supply(), m.Demand(), other.Supply(), other.Demand())
		}
	}
}

func TestRegisterGroupsGasAndElectricity(t *testing.T) {
	e := NewEconomy(testModel(), []*Region{simpleRegion("usa", 3)}, "global")
	mp := registered(t, e, 3)
	ord, err := mp.ResolveDependencies()
	if err != nil {
		t.Fatalf("ResolveDependencies: %v", err)
	}
	gas, ok1 := ord.Position(GoodGas, "usa")
	elec, ok2 := ord.Position(GoodElectricity, "usa")
	co2, ok3 := ord.Position(GoodCO2, "usa")
	if !ok1 || !ok2 || !ok3 {
		t.Fatal("markets missing from the ordering")
	}
	if gas != elec || !ord.Blocks[gas].Cyclic {
		t.Errorf("gas block %d, electricity block %d, want one cyclic block", gas, elec)
	}
	if co2 <= gas {
		t.Errorf("CO2 block %d should follow the gas block %d", co2, gas)
	}
}

func TestInitCalcAppliesCapAfterCalibration(t *testing.T) {
	r := simpleRegion("usa", 3)
	e := NewEconomy(testModel(), []*Region{r}, "global")
	e.CapPath = []float64{0.8}
	mp := registered(t, e, 3)

	if err := e.InitCalc(1); err != nil {
		t.Fatalf("InitCalc: %v", err)
	}
	co2, _ := mp.LocateMarket(GoodCO2, "usa", 1)
	if co2.ShouldSolve() {
		t.Error("cap should not bind without base emissions")
	}

	r.BaseEmissions = 100
	if err := e.InitCalc(2); err != nil {
		t.Fatalf("InitCalc: %v", err)
	}
	co2, _ = mp.LocateMarket(GoodCO2, "usa", 2)
	if !co2.ShouldSolve() || co2.Supply() != 80 {
		t.Errorf("cap market solve=%v supply=%v, want true/80", co2.ShouldSolve(), co2.Supply())
	}
	if err := e.InitCalc(0); err != nil {
		t.Fatalf("InitCalc: %v", err)
	}
	co2, _ = mp.LocateMarket(GoodCO2, "usa", 0)
	if co2.ShouldSolve() {
		t.Error("cap must not bind in a calibration period")
	}
}

func TestCDRDemandFromTaxAndOffset(t *testing.T) {
	r := simpleRegion("usa", 3)
	r.CDR = cdrDemand("usa", config.CDRConfig{
		MarketRegion: "global", MaxDemand: 40, Midpoint: 60, Steepness: 0.05, OffsetFraction: 0.1,
	}, 3, 0)
	e := NewEconomy(testModel(), []*Region{r}, "global")
	mp := registered(t, e, 3)
	if err := e.InitCalc(1); err != nil {
		t.Fatalf("InitCalc: %v", err)
	}
	cdr, _ := mp.LocateMarket(GoodCDR, "global", 1)
	if !cdr.ShouldSolve() {
		t.Error("CDR market should be solved after calibration")
	}

	setPrices(t, mp, "usa", 1, map[string]float64{
		GoodGas: 4, GoodElectricity: 16, GoodBiomass: 2, GoodCO2: 60, GoodCO2 + "-offset-demand": 50,
	})
	setPrices(t, mp, "global", 1, map[string]float64{GoodCDR: 3})
	mp.NullSupplyAndDemand(1)
	if err := e.Evaluate(context.Background(), 1); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	// logistic at the midpoint is 20; the offset is 10% of a trial value of 50
	if got := read(t, mp.Demand, GoodCDR, "global", 1); !approx(got, 25) {
		t.Errorf("CDR demand = %v, want 25", got)
	}
	if got := read(t, mp.Supply, GoodCDR, "global", 1); !approx(got, 6) {
		t.Errorf("CDR supply = %v, want 6", got)
	}
	if got := read(t, mp.Demand, GoodCO2+"-offset-demand", "usa", 1); !approx(got, 45) {
		t.Errorf("offset trial demand = %v, want emissions 45", got)
	}

	flows, err := e.Finalize(context.Background(), 1)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if f := flows["usa"]; !approx(f.CDRDemand, 25) || !approx(f.CDRUncapped, 25) || f.CDRBacklog != 0 {
		t.Errorf("CDR flows = %v/%v/%v, want 25/25/0", f.CDRDemand, f.CDRUncapped, f.CDRBacklog)
	}
}

func TestFinalizeRecordsHistory(t *testing.T) {
	r := simpleRegion("usa", 3)
	r.Power.SubResources[0].PriceAdder[0] = 1.5
	e := NewEconomy(testModel(), []*Region{r}, "global")
	mp := registered(t, e, 3)
	setPrices(t, mp, "usa", 0, map[string]float64{GoodGas: 4, GoodElectricity: 16, GoodBiomass: 2})

	flows, err := e.Finalize(context.Background(), 0)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if f := flows["usa"]; !approx(f.Emissions, 45) || !approx(f.GasSupply, 8) {
		t.Errorf("flows = %+v", f)
	}
	if !approx(r.BaseEmissions, 45) {
		t.Errorf("BaseEmissions = %v, want 45", r.BaseEmissions)
	}
	conv := r.Gas.SubResources[0]
	if !approx(conv.CumulativeProduction[0], 40) {
		t.Errorf("cumulative production = %v, want 40", conv.CumulativeProduction[0])
	}
	if wind := r.Power.SubResources[0]; wind.Adder(2) != 1.5 {
		t.Errorf("adder not carried forward: %v", wind.PriceAdder)
	}
}

func TestSimpleEconomySolves(t *testing.T) {
	e := NewEconomy(testModel(), []*Region{simpleRegion("usa", 3)}, "global")
	mp := registered(t, e, 3)
	s := solver.New(mp, e, solver.DefaultConfig())

	res, err := s.Solve(context.Background(), 0)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if !res.Converged {
		t.Fatalf("not converged: %+v", res)
	}
	// biomass clears where p = 4/p
	if p := read(t, mp.Price, GoodBiomass, "usa", 0); math.Abs(p-2) > 1e-3 {
		t.Errorf("biomass price = %v, want 2", p)
	}
	supply := read(t, mp.Supply, GoodGas, "usa", 0)
	demand := read(t, mp.Demand, GoodGas, "usa", 0)
	if math.Abs(supply-demand)/math.Max(demand, 1) > 1e-3 {
		t.Errorf("gas supply %v vs demand %v", supply, demand)
	}
}

func TestGenerateIsReproducible(t *testing.T) {
	cfg := config.Default()
	a, b := Generate(cfg), Generate(cfg)
	if len(a.Regions) != len(cfg.Scenario.Regions) {
		t.Fatalf("regions = %d, want %d", len(a.Regions), len(cfg.Scenario.Regions))
	}
	for i := range a.Regions {
		ra, rb := a.Regions[i], b.Regions[i]
		if ra.GasDemand != rb.GasDemand || ra.HeatRate != rb.HeatRate || ra.BiomassSlope != rb.BiomassSlope {
			t.Errorf("region %s differs between runs", ra.Name)
		}
		if ra.GasDemand <= 0 || ra.HeatRate <= 0 || ra.BiomassSlope <= 0 {
			t.Errorf("region %s has non-positive parameters: %+v", ra.Name, ra)
		}
		if ra.CDR == nil {
			t.Errorf("region %s has no CDR demand", ra.Name)
		}
	}
	if got := len(a.Resources()); got != 2*len(a.Regions) {
		t.Errorf("resources = %d", got)
	}
}
