// Package config provides the YAML configuration of an equilibrium run.
package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/talgya/equilibrium/internal/solver"
)

// Config is the root configuration.
type Config struct {
	Model    ModelConfig    `yaml:"model"`
	Solver   SolverConfig   `yaml:"solver"`
	Scenario ScenarioConfig `yaml:"scenario"`
	Storage  StorageConfig  `yaml:"storage"`
	API      APIConfig      `yaml:"api"`
	Log      LogConfig      `yaml:"log"`
}

// ModelConfig holds the model time line.
type ModelConfig struct {
	Periods                int `yaml:"periods"`
	BaseYear               int `yaml:"base_year"`
	TimeStep               int `yaml:"time_step"`                // years per period after the base period
	FinalCalibrationPeriod int `yaml:"final_calibration_period"` // last period with calibration targets
}

// Year returns the calendar year of a period.
func (m ModelConfig) Year(period int) int {
	return m.BaseYear + period*m.TimeStep
}

// TimeStepOf returns the length in years of a period.
func (m ModelConfig) TimeStepOf(period int) float64 {
	return float64(m.TimeStep)
}

// SolverConfig holds the equilibrium solver thresholds.
type SolverConfig struct {
	Tolerance         float64 `yaml:"tolerance"`
	RelativeFloor     float64 `yaml:"relative_floor"`
	MaxIterations     int     `yaml:"max_iterations"`
	BlockIterations   int     `yaml:"block_iterations"`
	MaxBisections     int     `yaml:"max_bisections"`
	JacobianDelta     float64 `yaml:"jacobian_delta"`
	MaxRelativeStep   float64 `yaml:"max_relative_step"`
	MaxBacktracks     int     `yaml:"max_backtracks"`
	SingularThreshold float64 `yaml:"singular_threshold"`
	BracketStep       float64 `yaml:"bracket_step"`
	Parallel          bool    `yaml:"parallel"` // evaluate regions concurrently
}

// Options converts the section into solver thresholds.
func (s SolverConfig) Options() solver.Config {
	return solver.Config{
		Tolerance:         s.Tolerance,
		RelativeFloor:     s.RelativeFloor,
		MaxIterations:     s.MaxIterations,
		BlockIterations:   s.BlockIterations,
		MaxBisections:     s.MaxBisections,
		JacobianDelta:     s.JacobianDelta,
		MaxRelativeStep:   s.MaxRelativeStep,
		MaxBacktracks:     s.MaxBacktracks,
		SingularThreshold: s.SingularThreshold,
		BracketStep:       s.BracketStep,
	}
}

// ScenarioConfig drives the generated illustrative economy.
type ScenarioConfig struct {
	Seed        int64     `yaml:"seed"`
	Regions     []string  `yaml:"regions"`
	CapPath     []float64 `yaml:"cap_path"`     // CO2 cap per post-calibration period as a fraction of base emissions
	TrialValues bool      `yaml:"trial_values"` // break the gas/electricity cycle with a trial-value market
	CDR         CDRConfig `yaml:"cdr"`
}

// CDRConfig configures the carbon dioxide removal final demand.
type CDRConfig struct {
	Enabled        bool    `yaml:"enabled"`
	MarketRegion   string  `yaml:"market_region"`
	MaxDemand      float64 `yaml:"max_demand"`
	Midpoint       float64 `yaml:"midpoint"`
	Steepness      float64 `yaml:"steepness"`
	OffsetFraction float64 `yaml:"offset_fraction"`
}

// StorageConfig locates the results database.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// APIConfig configures the read-only results server.
type APIConfig struct {
	Enabled        bool `yaml:"enabled"`
	Port           int  `yaml:"port"`
	DumpsPerMinute int  `yaml:"dumps_per_minute"`
}

// LogConfig selects the log level and handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // auto, text, json
}

// SlogLevel maps the configured level onto slog.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Summary is a one-line description for startup logs.
func (c *Config) Summary() string {
	return fmt.Sprintf("%d periods from %d, %d regions, calibration through period %d",
		c.Model.Periods, c.Model.BaseYear, len(c.Scenario.Regions), c.Model.FinalCalibrationPeriod)
}
