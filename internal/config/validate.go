package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	m := c.Model
	if m.Periods < 1 {
		return errors.New("model.periods must be >= 1")
	}
	if m.TimeStep < 1 {
		return errors.New("model.time_step must be >= 1")
	}
	if m.FinalCalibrationPeriod < 0 || m.FinalCalibrationPeriod >= m.Periods {
		return fmt.Errorf("model.final_calibration_period must be in [0, %d), got %d",
			m.Periods, m.FinalCalibrationPeriod)
	}

	s := c.Solver
	if s.Tolerance <= 0 || s.Tolerance >= 1 {
		return fmt.Errorf("solver.tolerance must be in (0, 1), got %g", s.Tolerance)
	}
	if s.MaxIterations < 1 {
		return errors.New("solver.max_iterations must be >= 1")
	}
	if s.JacobianDelta <= 0 {
		return errors.New("solver.jacobian_delta must be > 0")
	}

	if len(c.Scenario.Regions) == 0 {
		return errors.New("scenario.regions must not be empty")
	}
	seen := make(map[string]bool)
	for _, r := range c.Scenario.Regions {
		if r == "" {
			return errors.New("scenario.regions must not contain empty names")
		}
		if r == c.Scenario.CDR.MarketRegion {
			return fmt.Errorf("scenario.regions must not contain the CDR market region %q", r)
		}
		if seen[r] {
			return fmt.Errorf("scenario.regions contains %q twice", r)
		}
		seen[r] = true
	}
	for i, f := range c.Scenario.CapPath {
		if f <= 0 {
			return fmt.Errorf("scenario.cap_path[%d] must be > 0, got %g", i, f)
		}
	}
	if c.Scenario.CDR.OffsetFraction < 0 || c.Scenario.CDR.OffsetFraction > 1 {
		return fmt.Errorf("scenario.cdr.offset_fraction must be in [0, 1], got %g", c.Scenario.CDR.OffsetFraction)
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("api.port must be between 1 and 65535, got %d", c.API.Port)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "auto", "text", "json":
	default:
		return fmt.Errorf("log.format %q is not one of auto, text, json", c.Log.Format)
	}
	return nil
}
