package balance

import (
	"math"
	"testing"

	"pgregory.net/rapid"
)

type pair struct{ s, d float64 }

func (p pair) SolverSupply() float64 { return p.s }
func (p pair) SolverDemand() float64 { return p.d }

func TestRelativeExcessUsesFloor(t *testing.T) {
	cases := []struct {
		name  string
		b     pair
		floor float64
		want  float64
	}{
		{"scaled by demand", pair{110, 100}, 1, 0.1},
		{"floor below demand", pair{0.5, 0}, 1, 0.5},
		{"zero floor zero demand", pair{2, 0}, 0, 2},
		{"negative demand uses magnitude", pair{-8, -10}, 1, 0.2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := RelativeExcess(tc.b, tc.floor); math.Abs(got-tc.want) > 1e-12 {
				t.Errorf("RelativeExcess = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRelativeExcessProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.Float64Range(-1e6, 1e6).Draw(t, "supply")
		d := rapid.Float64Range(-1e6, 1e6).Draw(t, "demand")
		floor := rapid.Float64Range(0, 10).Draw(t, "floor")

		r := RelativeExcess(pair{s, d}, floor)
		if r < 0 || !Finite(r) {
			t.Fatalf("RelativeExcess(%v, %v, %v) = %v", s, d, floor, r)
		}
		if s == d && r != 0 {
			t.Fatalf("balanced pair has excess %v", r)
		}
		if math.Abs(Excess(pair{s, d})+Excess(pair{d, s})) > 1e-9 {
			t.Fatalf("Excess is not antisymmetric for %v, %v", s, d)
		}
	})
}

func TestNormAndFinite(t *testing.T) {
	if got := Norm([]float64{3, 4}); got != 5 {
		t.Errorf("Norm = %v, want 5", got)
	}
	if Finite(math.NaN()) || Finite(math.Inf(-1)) || !Finite(0) {
		t.Error("Finite misclassifies")
	}
}
