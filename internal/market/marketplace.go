package market

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/talgya/equilibrium/internal/dependency"
)

// NoMarketPrice is returned for the price of a market that does not exist when
// the caller tolerates absence. Callers must check for it before using a price.
const NoMarketPrice = math.MaxFloat64

// DemandSuffix names the physical half of a price-linked pair.
const DemandSuffix = "-demand"

// ErrNoMarket is returned when a required market does not exist.
var ErrNoMarket = errors.New("no such market")

// Key identifies a market.
type Key struct {
	Good   string `json:"good"`
	Region string `json:"region"`
	Period int    `json:"period"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%d", k.Good, k.Region, k.Period)
}

// Marketplace owns every market of a scenario. It is passed explicitly to every
// component that needs market access.
type Marketplace struct {
	periods int

	// mu serializes accumulation when sectors evaluate concurrently.
	mu      sync.Mutex
	markets map[dependency.Node][]*Market // one market per period

	finder   *dependency.Finder
	ordering *dependency.Ordering
	trials   map[dependency.Node]map[dependency.Node]dependency.Node // dependent → dependee → trial market
}

// NewMarketplace creates an empty marketplace for the given number of periods.
func NewMarketplace(periods int) *Marketplace {
	if periods < 1 {
		periods = 1
	}
	return &Marketplace{
		periods: periods,
		markets: make(map[dependency.Node][]*Market),
		finder:  dependency.NewFinder(),
	}
}

// Periods returns the number of model periods.
func (mp *Marketplace) Periods() int {
	return mp.periods
}

// DependencyFinder returns the finder housed by the marketplace.
func (mp *Marketplace) DependencyFinder() *dependency.Finder {
	return mp.finder
}

// Ordering returns the schedule computed by ResolveDependencies, or nil.
func (mp *Marketplace) Ordering() *dependency.Ordering {
	return mp.ordering
}

// CreateMarket creates a market of the given kind in every period if none
// exists yet. Returns true when a market was created.
func (mp *Marketplace) CreateMarket(good, region string, kind Kind) bool {
	node := dependency.Node{Good: good, Region: region}
	if existing, ok := mp.markets[node]; ok {
		if existing[0].Kind != kind {
			slog.Warn("market already exists with a different kind",
				"good", good, "region", region, "existing", existing[0].Kind, "requested", kind)
		}
		return false
	}
	per := make([]*Market, mp.periods)
	for p := range per {
		per[p] = newMarket(good, region, p, kind)
	}
	mp.markets[node] = per
	return true
}

// CreateLinkedPair creates a price market named good and its demand partner
// good + DemandSuffix, linked in every period. Returns true when created.
func (mp *Marketplace) CreateLinkedPair(good, region string) bool {
	if !mp.CreateMarket(good, region, KindPrice) {
		return false
	}
	mp.CreateMarket(good+DemandSuffix, region, KindDemand)
	prices := mp.markets[dependency.Node{Good: good, Region: region}]
	demands := mp.markets[dependency.Node{Good: good + DemandSuffix, Region: region}]
	for p := range prices {
		prices[p].partner = demands[p]
		demands[p].partner = prices[p]
	}
	return true
}

// LocateMarket returns an existing market. It never creates one.
func (mp *Marketplace) LocateMarket(good, region string, period int) (*Market, error) {
	per, ok := mp.markets[dependency.Node{Good: good, Region: region}]
	if !ok || period < 0 || period >= len(per) {
		return nil, fmt.Errorf("%w: %s", ErrNoMarket, Key{Good: good, Region: region, Period: period})
	}
	return per[period], nil
}

// HasMarket implements dependency.MarketChecker.
func (mp *Marketplace) HasMarket(good, region string) bool {
	_, ok := mp.markets[dependency.Node{Good: good, Region: region}]
	return ok
}

// Nodes implements dependency.MarketChecker.
func (mp *Marketplace) Nodes() []dependency.Node {
	out := make([]dependency.Node, 0, len(mp.markets))
	for n := range mp.markets {
		out = append(out, n)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Good != out[b].Good {
			return out[a].Good < out[b].Good
		}
		return out[a].Region < out[b].Region
	})
	return out
}

// SetMarketToSolve marks a market's price as an unknown.
func (mp *Marketplace) SetMarketToSolve(good, region string, period int) error {
	m, err := mp.LocateMarket(good, region, period)
	if err != nil {
		return err
	}
	m.SetSolve(true)
	return nil
}

// UnsetMarketToSolve removes a market from the unknown set.
func (mp *Marketplace) UnsetMarketToSolve(good, region string, period int) error {
	m, err := mp.LocateMarket(good, region, period)
	if err != nil {
		return err
	}
	m.SetSolve(false)
	return nil
}

// Price returns a market price. A missing market yields NoMarketPrice when
// mustExist is false, ErrNoMarket otherwise.
func (mp *Marketplace) Price(good, region string, period int, mustExist bool) (float64, error) {
	m, err := mp.LocateMarket(good, region, period)
	if err != nil {
		if mustExist {
			return 0, err
		}
		return NoMarketPrice, nil
	}
	return m.Price(), nil
}

// Demand returns a market's demand; a tolerated missing market yields zero.
func (mp *Marketplace) Demand(good, region string, period int, mustExist bool) (float64, error) {
	m, err := mp.LocateMarket(good, region, period)
	if err != nil {
		if mustExist {
			return 0, err
		}
		return 0, nil
	}
	return m.Demand(), nil
}

// Supply returns a market's supply; a tolerated missing market yields zero.
func (mp *Marketplace) Supply(good, region string, period int, mustExist bool) (float64, error) {
	m, err := mp.LocateMarket(good, region, period)
	if err != nil {
		if mustExist {
			return 0, err
		}
		return 0, nil
	}
	return m.Supply(), nil
}

// AddToSupply adds a producer's contribution.
func (mp *Marketplace) AddToSupply(good, region string, qty float64, period int, mustExist bool) error {
	m, err := mp.LocateMarket(good, region, period)
	if err != nil {
		if mustExist {
			return err
		}
		return nil
	}
	mp.mu.Lock()
	m.AddToSupply(qty)
	mp.mu.Unlock()
	return nil
}

// AddToDemand adds a consumer's contribution.
func (mp *Marketplace) AddToDemand(good, region string, qty float64, period int, mustExist bool) error {
	m, err := mp.LocateMarket(good, region, period)
	if err != nil {
		if mustExist {
			return err
		}
		return nil
	}
	mp.mu.Lock()
	m.AddToDemand(qty)
	mp.mu.Unlock()
	return nil
}

// SetPrice is the model-facing price write (see Market.SetPrice).
func (mp *Marketplace) SetPrice(good, region string, price float64, period int, mustExist bool) error {
	m, err := mp.LocateMarket(good, region, period)
	if err != nil {
		if mustExist {
			return err
		}
		return nil
	}
	mp.mu.Lock()
	m.SetPrice(price)
	mp.mu.Unlock()
	return nil
}

// NullSupplyAndDemand resets every market of the period once.
func (mp *Marketplace) NullSupplyAndDemand(period int) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	for _, per := range mp.markets {
		if period >= 0 && period < len(per) {
			per[period].NullSupplyAndDemand()
		}
	}
}

// InitPrices gives unset prices their defaults and carries the previous
// period's solution forward.
func (mp *Marketplace) InitPrices(period int) {
	for _, per := range mp.markets {
		if period < 0 || period >= len(per) {
			continue
		}
		m := per[period]
		if period > 0 {
			m.SetPriceToLastIfDefault(per[period-1].RawPrice())
		}
		m.InitPrice()
	}
}

// StorePrices remembers the current prices of the period.
func (mp *Marketplace) StorePrices(period int) {
	for _, m := range mp.Markets(period) {
		m.StorePrice()
	}
}

// RestorePrices reverts the period to the stored prices.
func (mp *Marketplace) RestorePrices(period int) {
	for _, m := range mp.Markets(period) {
		m.RestorePrice()
	}
}

// Markets returns every market of the period sorted by good then region.
func (mp *Marketplace) Markets(period int) []*Market {
	out := make([]*Market, 0, len(mp.markets))
	for _, n := range mp.Nodes() {
		per := mp.markets[n]
		if period >= 0 && period < len(per) {
			out = append(out, per[period])
		}
	}
	return out
}

// SolvableMarkets returns the markets of the period whose price is an unknown.
func (mp *Marketplace) SolvableMarkets(period int) []*Market {
	var out []*Market
	for _, m := range mp.Markets(period) {
		if m.ShouldSolve() {
			out = append(out, m)
		}
	}
	return out
}

// Goods returns the distinct good names.
func (mp *Marketplace) Goods() []string {
	seen := make(map[string]bool)
	var out []string
	for n := range mp.markets {
		if !seen[n.Good] {
			seen[n.Good] = true
			out = append(out, n.Good)
		}
	}
	sort.Strings(out)
	return out
}

// ResolveDependencies computes the evaluation ordering. Placeholder edges that
// close a cycle get a solvable trial-value market in every period after the
// first. Returns a *dependency.ConfigError for edges naming unknown markets.
func (mp *Marketplace) ResolveDependencies() (*dependency.Ordering, error) {
	ord, err := mp.finder.CreateOrdering(mp)
	if err != nil {
		return nil, err
	}
	trials := make(map[dependency.Node]map[dependency.Node]dependency.Node)
	for _, b := range ord.Broken {
		if trials[b.Edge.To] == nil {
			trials[b.Edge.To] = make(map[dependency.Node]dependency.Node)
		}
		trials[b.Edge.To][b.Edge.From] = b.Trial
		if !mp.CreateMarket(b.Trial.Good, b.Trial.Region, KindTrialValue) {
			continue
		}
		for p := 1; p < mp.periods; p++ {
			if err := mp.SetMarketToSolve(b.Trial.Good, b.Trial.Region, p); err != nil {
				return nil, err
			}
		}
	}
	mp.trials = trials
	mp.ordering = ord
	return ord, nil
}

// DependentPrice is the price of good as read by the dependent market. Across
// a broken edge the dependent reads the trial value, which the solver drives
// to the dependee's price. In periods where the trial market is not solved it
// reads the dependee directly.
func (mp *Marketplace) DependentPrice(dependentGood, dependentRegion, good, region string, period int, mustExist bool) (float64, error) {
	dependent := dependency.Node{Good: dependentGood, Region: dependentRegion}
	if trial, ok := mp.trials[dependent][dependency.Node{Good: good, Region: region}]; ok {
		if m, err := mp.LocateMarket(trial.Good, trial.Region, period); err == nil && m.ShouldSolve() {
			return m.Price(), nil
		}
	}
	return mp.Price(good, region, period, mustExist)
}

// ReportTrialValues runs after each model evaluation. Every trial market gets
// its dependee's price as demand, so it clears when the trial value matches.
// Trial markets not solved in the period take the dependee's price, which
// seeds the next period.
func (mp *Marketplace) ReportTrialValues(period int) error {
	if mp.ordering == nil {
		return nil
	}
	seen := make(map[dependency.Node]bool)
	for _, b := range mp.ordering.Broken {
		if seen[b.Trial] {
			continue
		}
		seen[b.Trial] = true
		value, err := mp.Price(b.Edge.From.Good, b.Edge.From.Region, period, true)
		if err != nil {
			return err
		}
		m, err := mp.LocateMarket(b.Trial.Good, b.Trial.Region, period)
		if err != nil {
			return err
		}
		mp.mu.Lock()
		if m.ShouldSolve() {
			m.AddToDemand(value)
		} else {
			m.SetRawPrice(value)
		}
		mp.mu.Unlock()
	}
	return nil
}

// Dump writes every market of the period, one per line, in a stable order.
func (mp *Marketplace) Dump(w io.Writer, period int) error {
	for _, m := range mp.Markets(period) {
		if err := m.Dump(w); err != nil {
			return err
		}
	}
	return nil
}
