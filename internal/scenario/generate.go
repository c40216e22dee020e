// Scenario generation using layered simplex noise.
// Each region gets demand levels, technology parameters and resource curves
// drawn around a reference economy, so runs are reproducible from a seed.
package scenario

import (
	"math"
	"math/rand"

	opensimplex "github.com/ojrac/opensimplex-go"

	"github.com/talgya/equilibrium/internal/calibration"
	"github.com/talgya/equilibrium/internal/config"
	"github.com/talgya/equilibrium/internal/demand"
)

// Reference economy around which regions are drawn.
const (
	refGasDemand      = 800.0 // direct gas use scale
	refElecDemand     = 600.0
	refThermal        = 25.0 // thermal output at a unit spark ratio
	refHeatRate       = 2.0  // gas per unit of electricity
	refEmissionFactor = 0.5  // CO2 per unit of gas burned
	refBiomassDemand  = 120.0
	refBiomassSlope   = 10.0 // biomass supplied per unit of price
	refWindMax        = 300.0
	refCDRCapacity    = 2.0 // CDR supplied per unit of price
	refGrowth         = 0.015
)

// Generate builds the illustrative economy of a configuration.
func Generate(cfg config.Config) *Economy {
	seed := cfg.Scenario.Seed
	if seed == 0 {
		seed = rand.Int63()
	}

	// Independent layers for size, technology and resource endowment.
	sizeNoise := opensimplex.NewNormalized(seed)
	techNoise := opensimplex.NewNormalized(seed + 1)
	endowNoise := opensimplex.NewNormalized(seed + 2)

	periods := cfg.Model.Periods
	finalCal := cfg.Model.FinalCalibrationPeriod
	e := &Economy{
		CDRRegion:   cfg.Scenario.CDR.MarketRegion,
		CDRCapacity: refCDRCapacity * float64(len(cfg.Scenario.Regions)),
		CapPath:     append([]float64(nil), cfg.Scenario.CapPath...),
		Parallel:    cfg.Solver.Parallel,
		TrialValues: cfg.Scenario.TrialValues,
		model:       cfg.Model,
	}

	for i, name := range cfg.Scenario.Regions {
		// Regions sit on a line in noise space; spacing keeps neighbours distinct.
		x := float64(i) * 1.7
		y := float64(seed%97) * 0.31

		size := spread(octaveNoise(sizeNoise, x, y, 3, 0.6, 0.5), 0.6)
		tech := spread(octaveNoise(techNoise, x, y, 3, 0.6, 0.5), 0.3)
		endow := spread(octaveNoise(endowNoise, x, y, 3, 0.6, 0.5), 0.5)

		r := &Region{
			Name:              name,
			GasDemand:         refGasDemand * size,
			GasElasticity:     0.5,
			ElecDemand:        refElecDemand * size,
			ElecElasticity:    0.3,
			ThermalCapacity:   refThermal * size,
			ThermalElasticity: 1.5,
			HeatRate:          refHeatRate * tech,
			EmissionFactor:    refEmissionFactor,
			BiomassDemand:     refBiomassDemand * size,
			BiomassElasticity: 0.7,
			BiomassSlope:      refBiomassSlope * endow,
			Growth:            refGrowth * tech,
		}
		r.Gas = gasResource(name, periods, size, endow)
		r.Power = windResource(name, periods, size, endow)
		if cfg.Scenario.CDR.Enabled {
			r.CDR = cdrDemand(name, cfg.Scenario.CDR, periods, finalCal)
		}
		e.Regions = append(e.Regions, r)
	}
	return e
}

// spread maps normalized noise in [0, 1] to a multiplier in [1-w, 1+w].
func spread(n, w float64) float64 {
	return 1 + w*(2*n-1)
}

// gasResource has a depletable conventional curve calibrated in the calibration
// periods after the base and a small reserve-calibrated unconventional curve.
func gasResource(region string, periods int, size, endow float64) *calibration.Resource {
	scale := size * endow
	conventional := calibration.NewSubResource("conventional", calibration.VariantDepletable, periods, []calibration.Grade{
		{Available: 5000 * scale, Cost: []float64{3}},
		{Available: 20000 * scale, Cost: []float64{6}},
		{Available: 60000 * scale, Cost: []float64{12}},
		{Available: 200000 * scale, Cost: []float64{30}},
	})
	for p := 1; p < periods; p++ {
		conventional.TechCost[p] = 0.5
	}
	if periods > 1 {
		conventional.CalProduction[1] = 550 * size
	}

	unconventional := calibration.NewSubResource("unconventional", calibration.VariantReserve, periods, []calibration.Grade{
		{Available: 2000 * scale, Cost: []float64{8}},
		{Available: 10000 * scale, Cost: []float64{20}},
	})
	unconventional.CalReserve[0] = 250 * scale

	return &calibration.Resource{
		Name:         GoodGas,
		Region:       region,
		SubResources: []*calibration.SubResource{conventional, unconventional},
	}
}

// windResource is a renewable electricity curve; grade availabilities are
// cumulative fractions of the annual maximum.
func windResource(region string, periods int, size, endow float64) *calibration.Resource {
	wind := calibration.NewSubResource("wind", calibration.VariantRenewable, periods, []calibration.Grade{
		{Available: 0, Cost: []float64{5}},
		{Available: 0.3, Cost: []float64{15}},
		{Available: 0.5, Cost: []float64{25}},
		{Available: 0.7, Cost: []float64{50, 45, 40, 35}},
	})
	for p := range wind.MaxAnnual {
		wind.MaxAnnual[p] = refWindMax * size * endow * math.Pow(1.05, float64(p))
	}
	if periods > 1 {
		wind.CalProduction[1] = 0.35 * wind.MaxAnnual[1]
	}
	return &calibration.Resource{
		Name:         GoodElectricity,
		Region:       region,
		SubResources: []*calibration.SubResource{wind},
	}
}

// cdrDemand is logistic in the regional carbon price plus an offset of a
// fraction of regional emissions, both active after calibration.
func cdrDemand(region string, c config.CDRConfig, periods, finalCal int) *demand.FinalDemand {
	fractions := make([]float64, periods)
	for p := finalCal + 1; p < periods; p++ {
		fractions[p] = c.OffsetFraction
	}
	return &demand.FinalDemand{
		Name:         GoodCDR,
		Region:       region,
		MarketRegion: c.MarketRegion,
		Sources: []*demand.Source{
			{
				Kind:        demand.KindElastic,
				MaxDemand:   c.MaxDemand,
				Steepness:   c.Steepness,
				Midpoint:    c.Midpoint,
				TaxName:     GoodCO2,
				StartPeriod: -1,
			},
			{
				Kind:           demand.KindOffset,
				OffsetMarket:   GoodCO2,
				OffsetFraction: fractions,
			},
		},
	}
}

// octaveNoise generates fractal noise by layering multiple frequencies.
func octaveNoise(noise opensimplex.Noise, x, y float64, octaves int, frequency, persistence float64) float64 {
	total := 0.0
	amplitude := 1.0
	maxVal := 0.0

	for i := 0; i < octaves; i++ {
		total += noise.Eval2(x*frequency, y*frequency) * amplitude
		maxVal += amplitude
		amplitude *= persistence
		frequency *= 2
	}

	return total / maxVal
}
