// Package calibration provides graded resource supply curves and the adjuster
// that computes, for calibration periods, the price adder each curve needs to
// reproduce observed production.
package calibration

import (
	"fmt"
	"math"
)

// Unset marks a calibration value that was not read in.
const Unset = -1.0

// Variant selects the calibration and supply rule of a sub-resource.
type Variant uint8

const (
	VariantDepletable Variant = iota // finite stock; grades are absolute quantities
	VariantReserve                   // stock added to reserves; calibrated by reserve additions
	VariantRenewable                 // annual flow; grades are fractions of the annual maximum
)

var variantNames = [...]string{
	VariantDepletable: "depletable",
	VariantReserve:    "reserve",
	VariantRenewable:  "renewable",
}

func (v Variant) String() string {
	if int(v) < len(variantNames) {
		return variantNames[v]
	}
	return fmt.Sprintf("variant(%d)", v)
}

// ParseVariant maps a variant name back to its Variant.
func ParseVariant(name string) (Variant, bool) {
	for i, n := range variantNames {
		if n == name {
			return Variant(i), true
		}
	}
	return VariantDepletable, false
}

// Grade is one segment of a supply curve.
type Grade struct {
	Available float64   `yaml:"available"` // quantity, or fraction of MaxAnnual for renewables
	Cost      []float64 `yaml:"cost"`      // marginal cost per period
}

// CostAt returns the grade cost in a period. Periods past the end of the cost
// series reuse the last value.
func (g Grade) CostAt(period int) float64 {
	if len(g.Cost) == 0 {
		return 0
	}
	if period < 0 {
		period = 0
	}
	if period >= len(g.Cost) {
		period = len(g.Cost) - 1
	}
	return g.Cost[period]
}

// SubResource is one supply curve of a resource. Per-period slices are indexed
// by period; missing entries read as zero, or Unset for calibration values.
type SubResource struct {
	Name    string
	Variant Variant
	Grades  []Grade

	CalProduction        []float64 // calibrated annual production, Unset when absent
	CalReserve           []float64 // calibrated reserve additions, Unset when absent
	CumulativeProduction []float64 // cumulative production at the end of each period
	MaxAnnual            []float64 // renewable annual maximum
	TechCost             []float64 // operating cost of the extraction technology

	PriceAdder []float64
	AdderSet   []bool // adder supplied as input rather than computed

	pinned []float64 // annual production fixed for the solve, Unset when free
}

// NewSubResource returns a sub-resource sized for periods with calibration
// values unset.
func NewSubResource(name string, variant Variant, periods int, grades []Grade) *SubResource {
	sr := &SubResource{
		Name:                 name,
		Variant:              variant,
		Grades:               grades,
		CalProduction:        make([]float64, periods),
		CalReserve:           make([]float64, periods),
		CumulativeProduction: make([]float64, periods),
		MaxAnnual:            make([]float64, periods),
		TechCost:             make([]float64, periods),
		PriceAdder:           make([]float64, periods),
		AdderSet:             make([]bool, periods),
	}
	for p := 0; p < periods; p++ {
		sr.CalProduction[p] = Unset
		sr.CalReserve[p] = Unset
	}
	return sr
}

func at(v []float64, period int, missing float64) float64 {
	if period < 0 || period >= len(v) {
		return missing
	}
	return v[period]
}

// Calibrated reports whether a calibration target was read in for the period.
func (sr *SubResource) Calibrated(period int) bool {
	switch sr.Variant {
	case VariantReserve:
		return at(sr.CalReserve, period, Unset) != Unset
	case VariantRenewable:
		return at(sr.CalProduction, period, Unset) > 0
	default:
		return at(sr.CalProduction, period, Unset) != Unset
	}
}

// SetAdder records an input price adder.
func (sr *SubResource) SetAdder(period int, adder float64) {
	if period < 0 || period >= len(sr.PriceAdder) {
		return
	}
	sr.PriceAdder[period] = adder
	sr.AdderSet[period] = true
}

// Adder returns the price adder of a period.
func (sr *SubResource) Adder(period int) float64 {
	return at(sr.PriceAdder, period, 0)
}

// CarryAdderForward copies the adder of period into every later period that
// has no input adder.
func (sr *SubResource) CarryAdderForward(period int) {
	if period < 0 || period >= len(sr.PriceAdder) {
		return
	}
	for p := period + 1; p < len(sr.PriceAdder); p++ {
		if !sr.AdderSet[p] {
			sr.PriceAdder[p] = sr.PriceAdder[period]
		}
	}
}

// Pin fixes the annual production of a period regardless of price. Calibration
// pins the target so the solved price is the one that clears it.
func (sr *SubResource) Pin(period int, annual float64) {
	if period < 0 {
		return
	}
	for len(sr.pinned) <= period {
		sr.pinned = append(sr.pinned, Unset)
	}
	sr.pinned[period] = annual
}

// Pinned returns the pinned annual production of a period.
func (sr *SubResource) Pinned(period int) (float64, bool) {
	v := at(sr.pinned, period, Unset)
	return v, v != Unset
}

// PreviousCumulative returns cumulative production at the end of the previous
// period.
func (sr *SubResource) PreviousCumulative(period int) float64 {
	return at(sr.CumulativeProduction, period-1, 0)
}

// EffectivePrice is the price the supply curve responds to: the market price
// plus the calibration adder, net of the extraction technology's cost.
func (sr *SubResource) EffectivePrice(marketPrice float64, period int) float64 {
	return marketPrice + sr.Adder(period) - at(sr.TechCost, period, 0)
}

// cumulativeAt returns the quantity the grades yield at an effective price,
// interpolating linearly inside the grade whose cost range holds the price.
func (sr *SubResource) cumulativeAt(price float64, period int) float64 {
	total, low := 0.0, 0.0
	for _, g := range sr.Grades {
		high := g.CostAt(period)
		switch {
		case price >= high:
			total += g.Available
		case price > low && high > low:
			return total + g.Available*(price-low)/(high-low)
		default:
			return total
		}
		low = high
	}
	return total
}

// renewableFractionAt returns the fraction of the annual maximum produced at
// an effective price. Grade availabilities are cumulative fractions.
func (sr *SubResource) renewableFractionAt(price float64, period int) float64 {
	if len(sr.Grades) == 0 {
		return 0
	}
	first := sr.Grades[0]
	if price <= first.CostAt(period) {
		return first.Available
	}
	for i := 1; i < len(sr.Grades); i++ {
		lo, hi := sr.Grades[i-1], sr.Grades[i]
		lc, hc := lo.CostAt(period), hi.CostAt(period)
		if price < hc {
			if hc <= lc {
				return hi.Available
			}
			return lo.Available + (hi.Available-lo.Available)*(price-lc)/(hc-lc)
		}
	}
	return sr.Grades[len(sr.Grades)-1].Available
}

// AnnualSupply returns the annual production of the sub-resource at a market
// price: the pinned production when there is one, the curve's otherwise.
// timestep is the length of the period in years.
func (sr *SubResource) AnnualSupply(marketPrice float64, period int, timestep float64) float64 {
	if v, ok := sr.Pinned(period); ok {
		return v
	}
	return sr.CurveSupply(marketPrice, period, timestep)
}

// CurveSupply returns what the supply curve, shifted by the period's adder,
// yields at a market price.
func (sr *SubResource) CurveSupply(marketPrice float64, period int, timestep float64) float64 {
	eff := sr.EffectivePrice(marketPrice, period)
	if sr.Variant == VariantRenewable {
		return sr.renewableFractionAt(eff, period) * at(sr.MaxAnnual, period, 0)
	}
	if timestep <= 0 {
		timestep = 1
	}
	produced := sr.cumulativeAt(eff, period) - sr.PreviousCumulative(period)
	return math.Max(produced, 0) / timestep
}

// RecordProduction advances cumulative production by a period's output.
func (sr *SubResource) RecordProduction(period int, annual, timestep float64) {
	if period < 0 || period >= len(sr.CumulativeProduction) {
		return
	}
	sr.CumulativeProduction[period] = sr.PreviousCumulative(period) + annual*timestep
}

// Resource groups the sub-resources that supply one market.
type Resource struct {
	Name         string
	Region       string
	SubResources []*SubResource
}

// AnnualSupply sums the annual supply of every sub-resource at a market price.
func (r *Resource) AnnualSupply(marketPrice float64, period int, timestep float64) float64 {
	total := 0.0
	for _, sr := range r.SubResources {
		total += sr.AnnualSupply(marketPrice, period, timestep)
	}
	return total
}
