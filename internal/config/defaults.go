package config

import "github.com/talgya/equilibrium/internal/solver"

// Default values for optional configuration fields.
const (
	DefaultPeriods                = 6
	DefaultBaseYear               = 2015
	DefaultTimeStep               = 5
	DefaultFinalCalibrationPeriod = 1
	DefaultSeed                   = 42
	DefaultCDRMarketRegion        = "global"
	DefaultCDRMaxDemand           = 40
	DefaultCDRMidpoint            = 60
	DefaultCDRSteepness           = 0.05
	DefaultStoragePath            = "equilibrium.db"
	DefaultAPIPort                = 8080
	DefaultDumpsPerMinute         = 30
	DefaultLogLevel               = "info"
	DefaultLogFormat              = "auto"
)

// DefaultRegions is the region list of the generated scenario.
var DefaultRegions = []string{"usa", "eu", "china"}

// DefaultCapPath tightens the CO2 cap after calibration.
var DefaultCapPath = []float64{0.95, 0.85, 0.75, 0.65}

// Default returns a configuration usable without a file.
func Default() Config {
	cfg := Config{
		Model: ModelConfig{
			FinalCalibrationPeriod: DefaultFinalCalibrationPeriod,
		},
		Scenario: ScenarioConfig{
			CDR: CDRConfig{Enabled: true, OffsetFraction: 0.1},
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	// Model defaults
	if c.Model.Periods == 0 {
		c.Model.Periods = DefaultPeriods
	}
	if c.Model.BaseYear == 0 {
		c.Model.BaseYear = DefaultBaseYear
	}
	if c.Model.TimeStep == 0 {
		c.Model.TimeStep = DefaultTimeStep
	}

	// Solver defaults
	s := &c.Solver
	if s.Tolerance == 0 {
		s.Tolerance = solver.DefaultTolerance
	}
	if s.RelativeFloor == 0 {
		s.RelativeFloor = solver.DefaultRelativeFloor
	}
	if s.MaxIterations == 0 {
		s.MaxIterations = solver.DefaultMaxIterations
	}
	if s.BlockIterations == 0 {
		s.BlockIterations = solver.DefaultBlockIterations
	}
	if s.MaxBisections == 0 {
		s.MaxBisections = solver.DefaultMaxBisections
	}
	if s.JacobianDelta == 0 {
		s.JacobianDelta = solver.DefaultJacobianDelta
	}
	if s.MaxRelativeStep == 0 {
		s.MaxRelativeStep = solver.DefaultMaxRelativeStep
	}
	if s.MaxBacktracks == 0 {
		s.MaxBacktracks = solver.DefaultMaxBacktracks
	}
	if s.SingularThreshold == 0 {
		s.SingularThreshold = solver.DefaultSingularThreshold
	}
	if s.BracketStep == 0 {
		s.BracketStep = solver.DefaultBracketStep
	}

	// Scenario defaults
	if c.Scenario.Seed == 0 {
		c.Scenario.Seed = DefaultSeed
	}
	if len(c.Scenario.Regions) == 0 {
		c.Scenario.Regions = append([]string(nil), DefaultRegions...)
	}
	if len(c.Scenario.CapPath) == 0 {
		c.Scenario.CapPath = append([]float64(nil), DefaultCapPath...)
	}
	cdr := &c.Scenario.CDR
	if cdr.MarketRegion == "" {
		cdr.MarketRegion = DefaultCDRMarketRegion
	}
	if cdr.MaxDemand == 0 {
		cdr.MaxDemand = DefaultCDRMaxDemand
	}
	if cdr.Midpoint == 0 {
		cdr.Midpoint = DefaultCDRMidpoint
	}
	if cdr.Steepness == 0 {
		cdr.Steepness = DefaultCDRSteepness
	}

	// Storage and API defaults
	if c.Storage.Path == "" {
		c.Storage.Path = DefaultStoragePath
	}
	if c.API.Port == 0 {
		c.API.Port = DefaultAPIPort
	}
	if c.API.DumpsPerMinute == 0 {
		c.API.DumpsPerMinute = DefaultDumpsPerMinute
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}
