// Package market provides the market entity and the marketplace that owns every
// market of a scenario, keyed by good, region and period.
package market

import (
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/talgya/equilibrium/internal/balance"
)

// Kind tags the solving personality of a market.
type Kind uint8

const (
	KindNormal     Kind = iota // Price is the unknown; solved when supply = demand
	KindTax                    // Policy price; supply is a sticky constraint
	KindPrice                  // Price side of a price-linked pair
	KindDemand                 // Physical side of a price-linked pair
	KindTrialValue             // Auxiliary unknown that breaks a dependency cycle
)

// newtonRule decides when a solvable market joins the Newton unknown set.
type newtonRule uint8

const (
	newtonNever      newtonRule = iota // bisection only
	newtonNonTrivial                   // only once supply or demand is non-zero
	newtonAlways                       // equality constraints, sign may be negative
)

// kindPolicy is the capability set of a market kind. Dispatch is on Kind, never
// on a concrete type.
type kindPolicy struct {
	name          string
	nullsSupply   bool       // supply is zeroed every iteration
	redirects     bool       // quantities live on the linked partner
	supplyIsPrice bool       // supply reads back the price
	allowNegative bool       // price may go below zero
	newton        newtonRule // Newton eligibility
	defaultPrice  float64    // initial trial price
}

var kindPolicies = [...]kindPolicy{
	KindNormal:     {name: "normal", nullsSupply: true, newton: newtonNonTrivial, defaultPrice: 1},
	KindTax:        {name: "tax", nullsSupply: false, newton: newtonNever, defaultPrice: 5},
	KindPrice:      {name: "price", redirects: true, supplyIsPrice: true, allowNegative: true, newton: newtonAlways, defaultPrice: 1},
	KindDemand:     {name: "demand", nullsSupply: true, allowNegative: true, newton: newtonNonTrivial, defaultPrice: 1},
	KindTrialValue: {name: "trial-value", nullsSupply: true, supplyIsPrice: true, allowNegative: true, newton: newtonAlways, defaultPrice: 1},
}

func (k Kind) policy() kindPolicy {
	if int(k) < len(kindPolicies) {
		return kindPolicies[k]
	}
	return kindPolicies[KindNormal]
}

// String returns the kind name used in dumps and persistence.
func (k Kind) String() string {
	return k.policy().name
}

// ParseKind maps a kind name back to its Kind.
func ParseKind(name string) (Kind, bool) {
	for k, p := range kindPolicies {
		if p.name == name {
			return Kind(k), true
		}
	}
	return KindNormal, false
}

// Market holds the price, supply and demand of one good in one region and period.
type Market struct {
	Good   string `json:"good"`
	Region string `json:"region"`
	Period int    `json:"period"`
	Kind   Kind   `json:"kind"`

	price       float64
	storedPrice float64
	supply      float64
	demand      float64
	solve       bool

	// partner links the two halves of a price-linked pair.
	partner *Market
}

func newMarket(good, region string, period int, kind Kind) *Market {
	return &Market{
		Good:   good,
		Region: region,
		Period: period,
		Kind:   kind,
	}
}

// Key returns the identity of the market.
func (m *Market) Key() Key {
	return Key{Good: m.Good, Region: m.Region, Period: m.Period}
}

// Partner returns the linked market of a price-linked pair, or nil.
func (m *Market) Partner() *Market {
	return m.partner
}

// NullSupplyAndDemand resets the accumulators at the start of an iteration.
// Tax markets keep their supply because it is the constraint. Price markets keep
// their supply because it is the price.
func (m *Market) NullSupplyAndDemand() {
	p := m.Kind.policy()
	if p.nullsSupply {
		m.supply = 0
	}
	m.demand = 0
}

// AddToSupply accumulates a supply contribution.
func (m *Market) AddToSupply(q float64) {
	if !balance.Finite(q) {
		slog.Warn("ignoring non-finite supply", "market", m.String(), "value", q)
		return
	}
	if m.Kind.policy().redirects && m.partner != nil {
		m.partner.AddToSupply(q)
		return
	}
	m.supply += q
}

// AddToDemand accumulates a demand contribution.
func (m *Market) AddToDemand(q float64) {
	if !balance.Finite(q) {
		slog.Warn("ignoring non-finite demand", "market", m.String(), "value", q)
		return
	}
	if m.Kind.policy().redirects && m.partner != nil {
		m.partner.AddToDemand(q)
		return
	}
	m.demand += q
}

// Price returns the market price as seen by the solver and by consumers.
func (m *Market) Price() float64 {
	return m.price
}

// SetPrice is the model-facing price setter. On the price side of a linked pair
// the value is the model's implied price and is written to the partner's demand;
// the market's own price and demand are left alone.
func (m *Market) SetPrice(p float64) {
	if !balance.Finite(p) {
		slog.Warn("ignoring non-finite price", "market", m.String(), "value", p)
		return
	}
	if m.Kind == KindPrice && m.partner != nil {
		m.partner.demand = p
		return
	}
	m.price = p
}

// RawPrice returns the market's own price field.
func (m *Market) RawPrice() float64 {
	return m.price
}

// SetRawPrice is the solver-facing setter; it always writes the market's own price.
func (m *Market) SetRawPrice(p float64) {
	if !balance.Finite(p) {
		return
	}
	if p < 0 && !m.Kind.policy().allowNegative {
		p = 0
	}
	m.price = p
}

// Supply returns accumulated supply. For price and trial-value markets supply
// is the price by convention.
func (m *Market) Supply() float64 {
	if m.Kind.policy().supplyIsPrice {
		return m.price
	}
	return m.supply
}

// Demand returns accumulated demand, read from the partner on the price side.
func (m *Market) Demand() float64 {
	if m.Kind.policy().redirects && m.partner != nil {
		return m.partner.Demand()
	}
	return m.demand
}

// SolverSupply implements balance.Balance.
func (m *Market) SolverSupply() float64 { return m.Supply() }

// SolverDemand implements balance.Balance.
func (m *Market) SolverDemand() float64 { return m.Demand() }

// SetSolve marks whether the market's price is an unknown.
func (m *Market) SetSolve(solve bool) {
	m.solve = solve
}

// ShouldSolve reports whether the solver adjusts this market's price.
func (m *Market) ShouldSolve() bool {
	return m.solve
}

// ShouldSolveNR reports whether the market joins the Newton unknown set.
func (m *Market) ShouldSolveNR() bool {
	if !m.solve {
		return false
	}
	switch m.Kind.policy().newton {
	case newtonAlways:
		return true
	case newtonNonTrivial:
		return math.Abs(m.Supply()) > balance.TinyNumber || math.Abs(m.Demand()) > balance.TinyNumber
	default:
		return false
	}
}

// AllowsNegativePrice reports whether the price may be driven below zero.
func (m *Market) AllowsNegativePrice() bool {
	return m.Kind.policy().allowNegative
}

// MeetsSpecialSolutionCriteria lets a kind declare itself solved under its own
// rule. A tax market with an exogenous price is always solved; a solvable tax
// (cap) market is solved once the cap is slack at a zero price.
func (m *Market) MeetsSpecialSolutionCriteria() bool {
	if m.Kind != KindTax {
		return false
	}
	if !m.solve {
		return true
	}
	return m.price <= balance.TinyNumber && m.supply >= m.demand
}

// IsSolved reports whether the market is within tolerance.
func (m *Market) IsSolved(tol, floor float64) bool {
	if m.MeetsSpecialSolutionCriteria() {
		return true
	}
	return balance.RelativeExcess(m, floor) <= tol
}

// DefaultPrice returns the initial trial price of the market's kind.
func (m *Market) DefaultPrice() float64 {
	return m.Kind.policy().defaultPrice
}

// InitPrice gives an unset price the kind default.
func (m *Market) InitPrice() {
	if m.price == 0 {
		m.price = m.DefaultPrice()
	}
}

// SetPriceToLastIfDefault carries a previous period's price forward when the
// market still holds its default.
func (m *Market) SetPriceToLastIfDefault(last float64) {
	if (m.price == 0 || m.price == m.DefaultPrice()) && balance.Finite(last) && last != 0 {
		m.price = last
	}
}

// StorePrice remembers the current price as the last good one.
func (m *Market) StorePrice() {
	m.storedPrice = m.price
}

// RestorePrice reverts to the last stored price.
func (m *Market) RestorePrice() {
	m.price = m.storedPrice
}

// SetConstraint fixes the supply of a tax market, which survives resets.
func (m *Market) SetConstraint(q float64) {
	if m.Kind != KindTax || !balance.Finite(q) {
		return
	}
	m.supply = q
}

// String identifies the market.
func (m *Market) String() string {
	return fmt.Sprintf("%s/%s/%d", m.Good, m.Region, m.Period)
}

// Dump writes one line with identity, price, supply and demand.
func (m *Market) Dump(w io.Writer) error {
	_, err := fmt.Fprintf(w, "%-24s %-12s %3d %-11s price=%.6f supply=%.6f demand=%.6f solve=%t\n",
		m.Good, m.Region, m.Period, m.Kind, m.Price(), m.Supply(), m.Demand(), m.solve)
	return err
}
