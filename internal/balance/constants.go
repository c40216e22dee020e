// Package balance provides the numeric constants and the supply/demand balance
// measures shared by markets, the solver and calibration.
package balance

import "math"

// Numeric thresholds used throughout the equilibrium core.
const (
	// TinyNumber is the magnitude below which a quantity is treated as zero.
	TinyNumber = 1e-6

	// SmallNumber is the default relative tolerance for a solved market.
	SmallNumber = 1e-4

	// LargeNumber stands in for "unbounded" in supply curves and adders.
	LargeNumber = 1e6
)

// Finite reports whether x is neither NaN nor ±Inf.
func Finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
