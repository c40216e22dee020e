package market

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/talgya/equilibrium/internal/dependency"
)

func posInf() float64 { return math.Inf(1) }
func nan() float64    { return math.NaN() }

func TestCreateMarketIsIdempotent(t *testing.T) {
	mp := NewMarketplace(4)
	if !mp.CreateMarket("gas", "usa", KindNormal) {
		t.Fatal("first CreateMarket should report creation")
	}
	if mp.CreateMarket("gas", "usa", KindNormal) {
		t.Error("second CreateMarket should report no creation")
	}
	for p := 0; p < 4; p++ {
		m, err := mp.LocateMarket("gas", "usa", p)
		if err != nil {
			t.Fatalf("LocateMarket period %d: %v", p, err)
		}
		if m.Period != p {
			t.Errorf("market period = %d, want %d", m.Period, p)
		}
	}
}

func TestLocateMarketNeverCreates(t *testing.T) {
	mp := NewMarketplace(2)
	_, err := mp.LocateMarket("coal", "china", 0)
	if !errors.Is(err, ErrNoMarket) {
		t.Fatalf("LocateMarket error = %v, want ErrNoMarket", err)
	}
	if mp.HasMarket("coal", "china") {
		t.Error("LocateMarket created a market")
	}
	mp.CreateMarket("coal", "china", KindNormal)
	if _, err := mp.LocateMarket("coal", "china", 2); !errors.Is(err, ErrNoMarket) {
		t.Errorf("out of range period error = %v, want ErrNoMarket", err)
	}
}

func TestMissingMarketQueries(t *testing.T) {
	mp := NewMarketplace(2)

	price, err := mp.Price("CO2", "usa", 1, false)
	if err != nil {
		t.Fatalf("Price(mustExist=false): %v", err)
	}
	if price != NoMarketPrice {
		t.Errorf("Price = %v, want NoMarketPrice", price)
	}
	if _, err := mp.Price("CO2", "usa", 1, true); !errors.Is(err, ErrNoMarket) {
		t.Errorf("Price(mustExist=true) error = %v, want ErrNoMarket", err)
	}
	if d, err := mp.Demand("CO2", "usa", 1, false); err != nil || d != 0 {
		t.Errorf("Demand = %v, %v; want 0, nil", d, err)
	}
	if err := mp.AddToDemand("CO2", "usa", 3, 1, false); err != nil {
		t.Errorf("AddToDemand(mustExist=false) = %v, want nil", err)
	}
	if err := mp.AddToSupply("CO2", "usa", 3, 1, true); !errors.Is(err, ErrNoMarket) {
		t.Errorf("AddToSupply(mustExist=true) = %v, want ErrNoMarket", err)
	}
}

func TestAddRoutesThroughMarketplace(t *testing.T) {
	mp := NewMarketplace(2)
	mp.CreateMarket("electricity", "eu", KindNormal)

	for _, q := range []float64{1, 2, 3.5} {
		if err := mp.AddToSupply("electricity", "eu", q, 1, true); err != nil {
			t.Fatalf("AddToSupply: %v", err)
		}
	}
	if err := mp.AddToDemand("electricity", "eu", 4, 1, true); err != nil {
		t.Fatalf("AddToDemand: %v", err)
	}

	s, _ := mp.Supply("electricity", "eu", 1, true)
	d, _ := mp.Demand("electricity", "eu", 1, true)
	if s != 6.5 || d != 4 {
		t.Errorf("Supply/Demand = %v/%v, want 6.5/4", s, d)
	}
	other, _ := mp.Supply("electricity", "eu", 0, true)
	if other != 0 {
		t.Errorf("period 0 supply = %v, want 0", other)
	}

	mp.NullSupplyAndDemand(1)
	s, _ = mp.Supply("electricity", "eu", 1, true)
	if s != 0 {
		t.Errorf("Supply after reset = %v, want 0", s)
	}
}

func TestConcurrentAccumulation(t *testing.T) {
	mp := NewMarketplace(1)
	mp.CreateMarket("gas", "usa", KindNormal)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = mp.AddToDemand("gas", "usa", 1, 0, true)
			}
		}()
	}
	wg.Wait()

	d, _ := mp.Demand("gas", "usa", 0, true)
	if d != 5000 {
		t.Errorf("Demand = %v, want 5000", d)
	}
}

func TestInitPricesCarriesForward(t *testing.T) {
	mp := NewMarketplace(3)
	mp.CreateMarket("gas", "usa", KindNormal)
	mp.InitPrices(0)
	m0, _ := mp.LocateMarket("gas", "usa", 0)
	if m0.Price() != 1 {
		t.Errorf("period 0 price = %v, want default 1", m0.Price())
	}
	m0.SetRawPrice(4.2)
	mp.InitPrices(1)
	m1, _ := mp.LocateMarket("gas", "usa", 1)
	if m1.Price() != 4.2 {
		t.Errorf("period 1 price = %v, want carried 4.2", m1.Price())
	}
}

func TestSolvableMarkets(t *testing.T) {
	mp := NewMarketplace(2)
	mp.CreateMarket("gas", "usa", KindNormal)
	mp.CreateMarket("oil", "usa", KindNormal)
	if err := mp.SetMarketToSolve("oil", "usa", 1); err != nil {
		t.Fatalf("SetMarketToSolve: %v", err)
	}
	got := mp.SolvableMarkets(1)
	if len(got) != 1 || got[0].Good != "oil" {
		t.Errorf("SolvableMarkets = %v, want [oil]", got)
	}
	if err := mp.UnsetMarketToSolve("oil", "usa", 1); err != nil {
		t.Fatalf("UnsetMarketToSolve: %v", err)
	}
	if n := len(mp.SolvableMarkets(1)); n != 0 {
		t.Errorf("len(SolvableMarkets) = %d after unset, want 0", n)
	}
	if err := mp.SetMarketToSolve("coal", "usa", 1); !errors.Is(err, ErrNoMarket) {
		t.Errorf("SetMarketToSolve unknown = %v, want ErrNoMarket", err)
	}
}

func TestResolveDependenciesUnknownMarket(t *testing.T) {
	mp := NewMarketplace(2)
	mp.CreateMarket("electricity", "usa", KindNormal)
	mp.DependencyFinder().AddDependency("electricity", "usa", "gas", "usa", false)

	_, err := mp.ResolveDependencies()
	var cfgErr *dependency.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("ResolveDependencies error = %v, want *ConfigError", err)
	}
	if !errors.Is(err, dependency.ErrUnknownMarket) {
		t.Errorf("error %v should wrap ErrUnknownMarket", err)
	}
	if cfgErr.Node.Good != "gas" {
		t.Errorf("ConfigError node = %v, want gas/usa", cfgErr.Node)
	}
}

func TestResolveDependenciesCreatesTrialMarkets(t *testing.T) {
	mp := NewMarketplace(3)
	for _, g := range []string{"electricity", "refining"} {
		mp.CreateMarket(g, "usa", KindNormal)
	}
	f := mp.DependencyFinder()
	f.AddDependency("refining", "usa", "electricity", "usa", false)
	f.AddDependency("electricity", "usa", "refining", "usa", true)

	ord, err := mp.ResolveDependencies()
	if err != nil {
		t.Fatalf("ResolveDependencies: %v", err)
	}
	if len(ord.Broken) != 1 {
		t.Fatalf("len(Broken) = %d, want 1", len(ord.Broken))
	}
	trial := dependency.TrialValueName("refining")
	m, err := mp.LocateMarket(trial, "usa", 1)
	if err != nil {
		t.Fatalf("trial market not created: %v", err)
	}
	if m.Kind != KindTrialValue || !m.ShouldSolve() {
		t.Errorf("trial market kind=%v solve=%v, want trial-value solvable", m.Kind, m.ShouldSolve())
	}
	m0, _ := mp.LocateMarket(trial, "usa", 0)
	if m0.ShouldSolve() {
		t.Error("trial market should not be solved in the base period")
	}
	for _, b := range ord.Blocks {
		if b.Cyclic {
			t.Errorf("block %v still cyclic after breaking", b.Nodes)
		}
	}
}

func TestDependentReadsTrialValue(t *testing.T) {
	mp := NewMarketplace(2)
	for _, g := range []string{"electricity", "refining"} {
		mp.CreateMarket(g, "usa", KindNormal)
	}
	f := mp.DependencyFinder()
	f.AddDependency("refining", "usa", "electricity", "usa", false)
	f.AddDependency("electricity", "usa", "refining", "usa", true)
	if _, err := mp.ResolveDependencies(); err != nil {
		t.Fatalf("ResolveDependencies: %v", err)
	}
	trialGood := dependency.TrialValueName("refining")
	for p := 0; p < 2; p++ {
		r, _ := mp.LocateMarket("refining", "usa", p)
		r.SetRawPrice(30)
	}
	trial, _ := mp.LocateMarket(trialGood, "usa", 1)
	trial.SetRawPrice(12)

	if p, _ := mp.DependentPrice("electricity", "usa", "refining", "usa", 1, true); p != 12 {
		t.Errorf("dependent price = %v, want the trial value 12", p)
	}
	if p, _ := mp.DependentPrice("CO2", "usa", "refining", "usa", 1, true); p != 30 {
		t.Errorf("unbroken edge price = %v, want 30", p)
	}
	if p, _ := mp.DependentPrice("electricity", "usa", "refining", "usa", 0, true); p != 30 {
		t.Errorf("base-period dependent price = %v, want the dependee's 30", p)
	}

	if err := mp.ReportTrialValues(1); err != nil {
		t.Fatalf("ReportTrialValues: %v", err)
	}
	if trial.Demand() != 30 || trial.Supply() != 12 {
		t.Errorf("trial supply/demand = %v/%v, want 12/30", trial.Supply(), trial.Demand())
	}
	if err := mp.ReportTrialValues(0); err != nil {
		t.Fatalf("ReportTrialValues: %v", err)
	}
	base, _ := mp.LocateMarket(trialGood, "usa", 0)
	if base.Price() != 30 {
		t.Errorf("unsolved trial price = %v, want to follow the dependee at 30", base.Price())
	}
}

func TestCachedMarket(t *testing.T) {
	mp := NewMarketplace(2)
	mp.CreateMarket("CDR", "usa", KindNormal)
	c, err := mp.CachedMarket("CDR", "usa", 1)
	if err != nil {
		t.Fatalf("CachedMarket: %v", err)
	}
	c.AddToDemand(2)
	c.AddToSupply(3)
	if c.Market().Demand() != 2 || c.Market().Supply() != 3 {
		t.Errorf("cached Supply/Demand = %v/%v, want 3/2", c.Market().Supply(), c.Market().Demand())
	}
	if _, err := mp.CachedMarket("CDR", "eu", 1); !errors.Is(err, ErrNoMarket) {
		t.Errorf("CachedMarket unknown = %v, want ErrNoMarket", err)
	}
}

func TestMarketplaceDumpIsSorted(t *testing.T) {
	mp := NewMarketplace(1)
	mp.CreateMarket("oil", "usa", KindNormal)
	mp.CreateMarket("gas", "usa", KindNormal)
	mp.CreateMarket("gas", "eu", KindNormal)

	var buf bytes.Buffer
	if err := mp.Dump(&buf, 0); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("dump has %d lines, want 3", len(lines))
	}
	wantPrefix := []string{"gas", "gas", "oil"}
	for i, l := range lines {
		if !strings.HasPrefix(l, wantPrefix[i]) {
			t.Errorf("line %d = %q, want prefix %q", i, l, wantPrefix[i])
		}
	}
	if !strings.Contains(lines[0], "eu") {
		t.Errorf("first line %q should be the eu market", lines[0])
	}
}
