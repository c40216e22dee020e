package calibration

import (
	"fmt"
	"log/slog"

	"github.com/talgya/equilibrium/internal/balance"
	"github.com/talgya/equilibrium/internal/market"
)

// PriceSource is the view of the marketplace the adjuster reads prices from.
type PriceSource interface {
	Price(good, region string, period int, mustExist bool) (float64, error)
}

// SubKey identifies a sub-resource across resources and regions.
type SubKey struct {
	Resource    string
	Region      string
	SubResource string
}

func (k SubKey) String() string {
	return k.Resource + "/" + k.Region + "/" + k.SubResource
}

// Warning is a calibration inconsistency. It never stops a run.
type Warning struct {
	Key     SubKey
	Period  int
	Message string
}

func (w Warning) String() string {
	return fmt.Sprintf("%s period %d: %s", w.Key, w.Period, w.Message)
}

// Adjustments maps each visited sub-resource to its new price adder.
type Adjustments map[SubKey]float64

// Apply writes the adders into the sub-resources. Returns the number written.
func (a Adjustments) Apply(resources []*Resource, period int) int {
	n := 0
	for _, r := range resources {
		for _, sr := range r.SubResources {
			adder, ok := a[SubKey{Resource: r.Name, Region: r.Region, SubResource: sr.Name}]
			if !ok || period < 0 || period >= len(sr.PriceAdder) {
				continue
			}
			sr.PriceAdder[period] = adder
			n++
		}
	}
	return n
}

// Adjuster computes calibration price adders.
type Adjuster struct {
	Market                 PriceSource
	FinalCalibrationPeriod int
	TimeStep               func(period int) float64 // years per period
}

func (a *Adjuster) timestep(period int) float64 {
	if a.TimeStep == nil {
		return 1
	}
	if ts := a.TimeStep(period); ts > 0 {
		return ts
	}
	return 1
}

// Prepare readies the sub-resources for solving a period. Sub-resources
// calibrated in the period have their production pinned to the target. The
// others get the adders returned here: zero in place of a non-zero input adder
// (with a warning) and a prohibitive adder for an uncalibrated reserve in the
// base period. Adders carried forward from calibration are left alone.
func (a *Adjuster) Prepare(resources []*Resource, period int) (Adjustments, []Warning) {
	return a.collect(resources, period, func(r *Resource, sr *SubResource) (float64, bool, string) {
		if a.calibrating(sr, period) {
			sr.Pin(period, a.targetAnnual(sr, period))
			return 0, false, ""
		}
		return a.uncalibrated(sr, period)
	})
}

// Compute returns the adders that make each sub-resource calibrated in the
// period produce its target at the current market price, along with any
// inconsistencies found. It runs after the solve. Nothing is mutated; callers
// pass the result to Adjustments.Apply.
func (a *Adjuster) Compute(resources []*Resource, period int) (Adjustments, []Warning) {
	return a.collect(resources, period, func(r *Resource, sr *SubResource) (float64, bool, string) {
		if !a.calibrating(sr, period) {
			return 0, false, ""
		}
		return a.visit(r, sr, period)
	})
}

type visitFunc func(r *Resource, sr *SubResource) (adder float64, ok bool, warn string)

func (a *Adjuster) collect(resources []*Resource, period int, visit visitFunc) (Adjustments, []Warning) {
	adj := make(Adjustments)
	var warns []Warning
	for _, r := range resources {
		for _, sr := range r.SubResources {
			key := SubKey{Resource: r.Name, Region: r.Region, SubResource: sr.Name}
			adder, ok, w := visit(r, sr)
			if w != "" {
				warns = append(warns, Warning{Key: key, Period: period, Message: w})
				slog.Warn("calibration", "subresource", key.String(), "period", period, "detail", w)
			}
			if ok {
				adj[key] = adder
			}
		}
	}
	return adj, warns
}

// calibrating reports whether a sub-resource's adder is derived in the period.
// Depletable and renewable curves have no history to calibrate against in the
// base period.
func (a *Adjuster) calibrating(sr *SubResource, period int) bool {
	if period > a.FinalCalibrationPeriod || !sr.Calibrated(period) {
		return false
	}
	return sr.Variant == VariantReserve || period > 0
}

// targetAnnual is the annual production a calibrated sub-resource must show.
func (a *Adjuster) targetAnnual(sr *SubResource, period int) float64 {
	if sr.Variant == VariantReserve {
		return at(sr.CalReserve, period, 0) / a.timestep(period)
	}
	return at(sr.CalProduction, period, 0)
}

// visit derives the adder of one calibrated sub-resource from the market
// price. ok is false when there is no price to derive it from.
func (a *Adjuster) visit(r *Resource, sr *SubResource, period int) (float64, bool, string) {
	price, err := a.Market.Price(r.Name, r.Region, period, false)
	if err != nil || price == market.NoMarketPrice {
		return 0, false, "no market price; adder left unchanged"
	}

	var (
		effective float64
		warn      string
		ok        bool
	)
	switch sr.Variant {
	case VariantRenewable:
		effective, warn = renewableEffectivePrice(sr, period)
		ok = true
	case VariantReserve:
		target := sr.PreviousCumulative(period) + at(sr.CalReserve, period, 0)
		effective, ok = gradedEffectivePrice(sr.Grades, target, period)
	default:
		target := sr.PreviousCumulative(period) + at(sr.CalProduction, period, 0)*a.timestep(period)
		effective, ok = gradedEffectivePrice(sr.Grades, target, period)
	}
	if !ok {
		return 0, true, "calibrated production exceeds the supply curve; adder set to zero"
	}
	return effective - price + at(sr.TechCost, period, 0), true, warn
}

// uncalibrated handles a sub-resource that is not calibrated in the period.
// A non-zero input adder is replaced by zero and flagged.
func (a *Adjuster) uncalibrated(sr *SubResource, period int) (float64, bool, string) {
	if sr.Variant == VariantReserve && period == 0 {
		return -balance.LargeNumber, true, ""
	}
	input := sr.Adder(period)
	if period < 0 || period >= len(sr.AdderSet) || !sr.AdderSet[period] || input == 0 {
		return 0, false, ""
	}
	var reason string
	switch {
	case period > a.FinalCalibrationPeriod:
		reason = "input adders are not used after the final calibration period"
	case period == 0 && sr.Calibrated(period):
		reason = "the base period has no production history to calibrate against"
	default:
		reason = "no calibration target in this period"
	}
	return 0, true, fmt.Sprintf("input price adder %g reset to zero: %s", input, reason)
}

// gradedEffectivePrice walks the grades accumulating availability until the
// target cumulative quantity is covered, then interpolates within that grade:
// effective = high − (1 − f)(high − low), with low the previous grade's cost
// (zero for the first grade). Reports false when the target exceeds the curve.
func gradedEffectivePrice(grades []Grade, target float64, period int) (float64, bool) {
	cumulative := 0.0
	for i, g := range grades {
		if cumulative+g.Available < target {
			cumulative += g.Available
			continue
		}
		f := 0.0
		if g.Available > 0 {
			f = (target - cumulative) / g.Available
		}
		low := 0.0
		if i > 0 {
			low = grades[i-1].CostAt(period)
		}
		high := g.CostAt(period)
		return high - (1-f)*(high-low), true
	}
	return 0, false
}

// renewableEffectivePrice interpolates the cost at which the annual curve
// yields the calibrated production. A target above the top of the curve is
// priced at the top grade's cost.
func renewableEffectivePrice(sr *SubResource, period int) (float64, string) {
	target := at(sr.CalProduction, period, 0)
	maxAnnual := at(sr.MaxAnnual, period, 0)
	if len(sr.Grades) == 0 {
		return 0, "no grades"
	}
	prev := sr.Grades[0]
	if target <= prev.Available*maxAnnual {
		return prev.CostAt(period), ""
	}
	for _, g := range sr.Grades[1:] {
		lo, hi := prev.Available*maxAnnual, g.Available*maxAnnual
		if target <= hi {
			f := 0.0
			if hi > lo {
				f = (target - lo) / (hi - lo)
			}
			lc, hc := prev.CostAt(period), g.CostAt(period)
			return lc + f*(hc-lc), ""
		}
		prev = g
	}
	return prev.CostAt(period), "calibrated production above the top of the supply curve; using the top grade cost"
}
