package calibration

import (
	"math"
	"strings"
	"testing"

	"github.com/talgya/equilibrium/internal/balance"
	"github.com/talgya/equilibrium/internal/market"
)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func twoGrades() []Grade {
	return []Grade{
		{Available: 10, Cost: []float64{5}},
		{Available: 10, Cost: []float64{8}},
	}
}

func oilMarket(t *testing.T, price float64) *market.Marketplace {
	t.Helper()
	mp := market.NewMarketplace(3)
	mp.CreateMarket("oil", "usa", market.KindNormal)
	m, err := mp.LocateMarket("oil", "usa", 1)
	if err != nil {
		t.Fatalf("LocateMarket: %v", err)
	}
	m.SetRawPrice(price)
	return mp
}

func TestDepletableInterpolatesWithinBoundaryGrade(t *testing.T) {
	mp := oilMarket(t, 4)
	sr := NewSubResource("crude", VariantDepletable, 3, twoGrades())
	sr.CalProduction[1] = 15
	sr.TechCost[1] = 0.5
	res := []*Resource{{Name: "oil", Region: "usa", SubResources: []*SubResource{sr}}}

	adj := &Adjuster{Market: mp, FinalCalibrationPeriod: 2}
	got, warns := adj.Compute(res, 1)
	if len(warns) != 0 {
		t.Fatalf("warnings = %v, want none", warns)
	}
	key := SubKey{Resource: "oil", Region: "usa", SubResource: "crude"}
	// effective 6.5 = 8 − 0.5·(8 − 5); adder = 6.5 − 4 + 0.5
	if !approx(got[key], 3) {
		t.Fatalf("adder = %v, want 3", got[key])
	}
	if sr.PriceAdder[1] != 0 {
		t.Fatal("Compute mutated the sub-resource")
	}

	if n := got.Apply(res, 1); n != 1 {
		t.Errorf("Apply wrote %d adders, want 1", n)
	}
	if eff := sr.EffectivePrice(4, 1); !approx(eff, 6.5) {
		t.Errorf("EffectivePrice = %v, want 6.5", eff)
	}
	if q := sr.AnnualSupply(4, 1, 1); !approx(q, 15) {
		t.Errorf("AnnualSupply = %v, want calibrated 15", q)
	}
}

func TestDepletableUsesTimestepAndHistory(t *testing.T) {
	mp := oilMarket(t, 0)
	sr := NewSubResource("crude", VariantDepletable, 3, twoGrades())
	sr.CumulativeProduction[0] = 5
	sr.CalProduction[1] = 1
	res := []*Resource{{Name: "oil", Region: "usa", SubResources: []*SubResource{sr}}}

	adj := &Adjuster{Market: mp, FinalCalibrationPeriod: 2, TimeStep: func(int) float64 { return 5 }}
	got, _ := adj.Compute(res, 1)
	// target 5 + 1·5 = 10 lands at the top of the first grade
	if v := got[SubKey{"oil", "usa", "crude"}]; !approx(v, 5) {
		t.Errorf("adder = %v, want 5", v)
	}
}

func TestDepletableBeyondCurveWarnsAndZeroes(t *testing.T) {
	mp := oilMarket(t, 4)
	sr := NewSubResource("crude", VariantDepletable, 3, twoGrades())
	sr.CalProduction[1] = 25
	res := []*Resource{{Name: "oil", Region: "usa", SubResources: []*SubResource{sr}}}

	got, warns := (&Adjuster{Market: mp, FinalCalibrationPeriod: 2}).Compute(res, 1)
	if len(warns) != 1 {
		t.Fatalf("warnings = %v, want one", warns)
	}
	if v, ok := got[SubKey{"oil", "usa", "crude"}]; !ok || v != 0 {
		t.Errorf("adder = %v (ok=%v), want 0", v, ok)
	}
}

func TestRenewableBeyondCurveUsesTopGrade(t *testing.T) {
	mp := oilMarket(t, 2)
	grades := []Grade{
		{Available: 0, Cost: []float64{1}},
		{Available: 0.5, Cost: []float64{3}},
		{Available: 1, Cost: []float64{9}},
	}
	sr := NewSubResource("wind", VariantRenewable, 3, grades)
	sr.MaxAnnual[1] = 100
	sr.CalProduction[1] = 250
	res := []*Resource{{Name: "oil", Region: "usa", SubResources: []*SubResource{sr}}}

	got, warns := (&Adjuster{Market: mp, FinalCalibrationPeriod: 2}).Compute(res, 1)
	if len(warns) != 1 || !strings.Contains(warns[0].Message, "top") {
		t.Fatalf("warnings = %v, want one about the top of the curve", warns)
	}
	// top cost 9 − price 2
	if v := got[SubKey{"oil", "usa", "wind"}]; !approx(v, 7) {
		t.Errorf("adder = %v, want 7", v)
	}
}

func TestRenewableInterpolates(t *testing.T) {
	mp := oilMarket(t, 2)
	grades := []Grade{
		{Available: 0, Cost: []float64{1}},
		{Available: 0.5, Cost: []float64{3}},
		{Available: 1, Cost: []float64{9}},
	}
	sr := NewSubResource("wind", VariantRenewable, 3, grades)
	sr.MaxAnnual[1] = 100
	sr.CalProduction[1] = 75
	res := []*Resource{{Name: "oil", Region: "usa", SubResources: []*SubResource{sr}}}

	got, warns := (&Adjuster{Market: mp, FinalCalibrationPeriod: 2}).Compute(res, 1)
	if len(warns) != 0 {
		t.Fatalf("warnings = %v", warns)
	}
	key := SubKey{"oil", "usa", "wind"}
	// halfway between 50 and 100 → cost 6; adder 6 − 2
	if !approx(got[key], 4) {
		t.Fatalf("adder = %v, want 4", got[key])
	}
	got.Apply(res, 1)
	if q := sr.AnnualSupply(2, 1, 5); !approx(q, 75) {
		t.Errorf("AnnualSupply = %v, want 75", q)
	}
}

func TestUncalibratedInputAdderIsReset(t *testing.T) {
	mp := oilMarket(t, 4)
	sr := NewSubResource("crude", VariantDepletable, 3, twoGrades())
	sr.SetAdder(1, 2.5)
	res := []*Resource{{Name: "oil", Region: "usa", SubResources: []*SubResource{sr}}}

	got, warns := (&Adjuster{Market: mp, FinalCalibrationPeriod: 2}).Prepare(res, 1)
	if len(warns) != 1 || !strings.Contains(warns[0].Message, "no calibration target") {
		t.Fatalf("warnings = %v, want one about the missing target", warns)
	}
	got.Apply(res, 1)
	if sr.Adder(1) != 0 {
		t.Errorf("adder = %v, want 0", sr.Adder(1))
	}
}

func TestInputAdderAfterCalibrationIsReset(t *testing.T) {
	mp := oilMarket(t, 4)
	sr := NewSubResource("crude", VariantDepletable, 3, twoGrades())
	sr.SetAdder(2, 7.5)
	sr.PriceAdder[1] = 3 // carried forward, not input
	res := []*Resource{{Name: "oil", Region: "usa", SubResources: []*SubResource{sr}}}
	adj := &Adjuster{Market: mp, FinalCalibrationPeriod: 0}

	got, warns := adj.Prepare(res, 1)
	if len(got) != 0 || len(warns) != 0 {
		t.Fatalf("period 1: adders %v, warnings %v; want the carried adder left alone", got, warns)
	}
	got.Apply(res, 1)
	if sr.Adder(1) != 3 {
		t.Errorf("carried adder = %v, want 3", sr.Adder(1))
	}

	got, warns = adj.Prepare(res, 2)
	if len(warns) != 1 || !strings.Contains(warns[0].Message, "after the final calibration period") {
		t.Fatalf("period 2 warnings = %v", warns)
	}
	got.Apply(res, 2)
	if sr.Adder(2) != 0 {
		t.Errorf("adder = %v, want 0", sr.Adder(2))
	}
}

func TestBasePeriodTargetIsNotCalibrated(t *testing.T) {
	mp := oilMarket(t, 4)
	sr := NewSubResource("crude", VariantDepletable, 3, twoGrades())
	sr.CalProduction[0] = 10
	sr.SetAdder(0, 1.5)
	res := []*Resource{{Name: "oil", Region: "usa", SubResources: []*SubResource{sr}}}

	got, warns := (&Adjuster{Market: mp, FinalCalibrationPeriod: 1}).Prepare(res, 0)
	if len(warns) != 1 {
		t.Fatalf("warnings = %v, want one", warns)
	}
	if msg := warns[0].Message; !strings.Contains(msg, "base period") || strings.Contains(msg, "after the final") {
		t.Errorf("message = %q, want the base-period reason", msg)
	}
	if _, ok := sr.Pinned(0); ok {
		t.Error("base-period production pinned")
	}
	if v, ok := got[SubKey{"oil", "usa", "crude"}]; !ok || v != 0 {
		t.Errorf("adder = %v (ok=%v), want 0", v, ok)
	}
}

func TestPreparePinsCalibratedProduction(t *testing.T) {
	mp := oilMarket(t, 4)
	crude := NewSubResource("crude", VariantDepletable, 3, twoGrades())
	crude.CalProduction[1] = 3
	reserve := NewSubResource("reserve", VariantReserve, 3, twoGrades())
	reserve.CalReserve[1] = 15
	res := []*Resource{{Name: "oil", Region: "usa", SubResources: []*SubResource{crude, reserve}}}
	adj := &Adjuster{Market: mp, FinalCalibrationPeriod: 1, TimeStep: func(int) float64 { return 5 }}

	got, warns := adj.Prepare(res, 1)
	if len(got) != 0 || len(warns) != 0 {
		t.Fatalf("adders %v, warnings %v; want none", got, warns)
	}
	for _, price := range []float64{0, 4, 100} {
		if q := crude.AnnualSupply(price, 1, 5); q != 3 {
			t.Errorf("crude supply at %v = %v, want pinned 3", price, q)
		}
		if q := reserve.AnnualSupply(price, 1, 5); !approx(q, 3) {
			t.Errorf("reserve supply at %v = %v, want 15/5", price, q)
		}
	}
	if _, ok := crude.Pinned(2); ok {
		t.Error("period 2 pinned")
	}

	// the adder derived at the price the solve settled on reproduces the
	// target on the free curve
	got, _ = adj.Compute(res, 1)
	got.Apply(res, 1)
	if q := crude.CurveSupply(4, 1, 5); !approx(q, 3) {
		t.Errorf("crude curve supply = %v, want 3", q)
	}
	if q := reserve.CurveSupply(4, 1, 5); !approx(q, 3) {
		t.Errorf("reserve curve supply = %v, want 3", q)
	}
}

func TestCalibrationWindowIsHonoured(t *testing.T) {
	mp := oilMarket(t, 4)
	sr := NewSubResource("crude", VariantDepletable, 3, twoGrades())
	sr.CalProduction[1] = 15
	res := []*Resource{{Name: "oil", Region: "usa", SubResources: []*SubResource{sr}}}

	got, warns := (&Adjuster{Market: mp, FinalCalibrationPeriod: 0}).Compute(res, 1)
	if len(warns) != 0 {
		t.Errorf("warnings = %v, want none", warns)
	}
	if v := got[SubKey{"oil", "usa", "crude"}]; v != 0 {
		t.Errorf("adder = %v outside the window, want 0", v)
	}
}

func TestReserveWithoutCalibrationInBasePeriod(t *testing.T) {
	mp := oilMarket(t, 4)
	sr := NewSubResource("reserve", VariantReserve, 3, twoGrades())
	res := []*Resource{{Name: "oil", Region: "usa", SubResources: []*SubResource{sr}}}

	got, _ := (&Adjuster{Market: mp, FinalCalibrationPeriod: 2}).Prepare(res, 0)
	if v := got[SubKey{"oil", "usa", "reserve"}]; v != -balance.LargeNumber {
		t.Errorf("adder = %v, want −LargeNumber", v)
	}
}

func TestReserveCalibratesWithoutTimestep(t *testing.T) {
	mp := oilMarket(t, 4)
	sr := NewSubResource("reserve", VariantReserve, 3, twoGrades())
	sr.CalReserve[1] = 15
	res := []*Resource{{Name: "oil", Region: "usa", SubResources: []*SubResource{sr}}}

	adj := &Adjuster{Market: mp, FinalCalibrationPeriod: 2, TimeStep: func(int) float64 { return 5 }}
	got, _ := adj.Compute(res, 1)
	if v := got[SubKey{"oil", "usa", "reserve"}]; !approx(v, 2.5) {
		t.Errorf("adder = %v, want 2.5", v)
	}
}

func TestMissingMarketPriceLeavesAdder(t *testing.T) {
	mp := market.NewMarketplace(3)
	sr := NewSubResource("crude", VariantDepletable, 3, twoGrades())
	sr.CalProduction[1] = 15
	sr.PriceAdder[1] = 1.25
	res := []*Resource{{Name: "oil", Region: "usa", SubResources: []*SubResource{sr}}}

	got, warns := (&Adjuster{Market: mp, FinalCalibrationPeriod: 2}).Compute(res, 1)
	if len(warns) != 1 {
		t.Fatalf("warnings = %v, want one", warns)
	}
	if _, ok := got[SubKey{"oil", "usa", "crude"}]; ok {
		t.Error("adder computed without a market price")
	}
	got.Apply(res, 1)
	if sr.Adder(1) != 1.25 {
		t.Errorf("adder = %v, want unchanged 1.25", sr.Adder(1))
	}
}

func TestParseVariant(t *testing.T) {
	for _, v := range []Variant{VariantDepletable, VariantReserve, VariantRenewable} {
		got, ok := ParseVariant(v.String())
		if !ok || got != v {
			t.Errorf("ParseVariant(%q) = %v, %v", v.String(), got, ok)
		}
	}
}

func TestCarryAdderForwardSkipsInputAdders(t *testing.T) {
	sr := NewSubResource("crude", VariantDepletable, 4, twoGrades())
	sr.PriceAdder[1] = 2.5
	sr.SetAdder(3, 9)
	sr.CarryAdderForward(1)
	if sr.Adder(2) != 2.5 || sr.Adder(3) != 9 {
		t.Errorf("adders = %v, want [_ 2.5 2.5 9]", sr.PriceAdder)
	}
	sr.CarryAdderForward(10)
}
