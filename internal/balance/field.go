package balance

import "math"

// Balance is anything with a supply side and a demand side the solver equates:
// a single market, a block of markets or a whole period.
type Balance interface {
	// SolverSupply returns the quantity the solver treats as supply.
	SolverSupply() float64
	// SolverDemand returns the quantity the solver treats as demand.
	SolverDemand() float64
}

// Excess returns supply minus demand. Positive means excess supply.
func Excess(b Balance) float64 {
	return b.SolverSupply() - b.SolverDemand()
}

// RelativeExcess returns |supply − demand| scaled by demand, with floor as the
// smallest admissible denominator so near-zero markets are judged absolutely.
func RelativeExcess(b Balance, floor float64) float64 {
	d := math.Abs(b.SolverDemand())
	if d < floor {
		d = floor
	}
	if d <= 0 {
		d = 1
	}
	return math.Abs(Excess(b)) / d
}

// Norm returns the Euclidean norm of a residual vector.
func Norm(v []float64) float64 {
	sum := 0.0
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}
