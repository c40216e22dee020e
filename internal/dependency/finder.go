// Package dependency orders market evaluation. It records "X consumes the output
// of Y" edges between markets, groups cycles into jointly solved blocks and
// yields the block schedule the solver follows.
package dependency

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

// TrialValueSuffix names the trial-value market that stands in for a broken edge.
const TrialValueSuffix = "-trial-value"

// ErrUnknownMarket is wrapped by a ConfigError when an edge names a market that
// was never created.
var ErrUnknownMarket = errors.New("dependency references unknown market")

// ConfigError is a fatal configuration problem found while ordering.
type ConfigError struct {
	Node  Node
	Cause error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error at %s: %v", e.Node, e.Cause)
}

func (e *ConfigError) Unwrap() error { return e.Cause }

// Node identifies a market (or a synthetic activity) independent of period.
type Node struct {
	Good   string `json:"good"`
	Region string `json:"region"`
}

func (n Node) String() string {
	return n.Good + "/" + n.Region
}

func (n Node) less(o Node) bool {
	if n.Good != o.Good {
		return n.Good < o.Good
	}
	return n.Region < o.Region
}

// TrialValueName returns the trial-value good that replaces dependee.
func TrialValueName(dependee string) string {
	return dependee + TrialValueSuffix
}

// Edge points from the dependee (evaluated first) to the dependent.
type Edge struct {
	From        Node `json:"from"`
	To          Node `json:"to"`
	Placeholder bool `json:"placeholder"`
}

// MarketChecker is the view of the marketplace the finder validates against.
type MarketChecker interface {
	// HasMarket reports whether a market exists for the good in the region.
	HasMarket(good, region string) bool
	// Nodes lists every (good, region) with a market.
	Nodes() []Node
}

// Finder accumulates dependency edges during initialization.
type Finder struct {
	edges      map[Edge]struct{}
	activities map[Node]struct{}
	order      []Edge // insertion order, for deterministic output
}

// NewFinder returns an empty finder.
func NewFinder() *Finder {
	return &Finder{
		edges:      make(map[Edge]struct{}),
		activities: make(map[Node]struct{}),
	}
}

// AddDependency records that dependent consumes the output of dependee. A
// placeholder edge may be replaced by a trial-value market when it closes a
// cycle. Returns true when the edge is new.
func (f *Finder) AddDependency(dependentGood, dependentRegion, dependeeGood, dependeeRegion string, placeholder bool) bool {
	e := Edge{
		From:        Node{Good: dependeeGood, Region: dependeeRegion},
		To:          Node{Good: dependentGood, Region: dependentRegion},
		Placeholder: placeholder,
	}
	if _, ok := f.edges[e]; ok {
		return false
	}
	f.edges[e] = struct{}{}
	f.order = append(f.order, e)
	return true
}

// AddActivity registers a synthetic node that need not have a market.
func (f *Finder) AddActivity(good, region string) {
	f.activities[Node{Good: good, Region: region}] = struct{}{}
}

// Edges returns the recorded edges in insertion order.
func (f *Finder) Edges() []Edge {
	out := make([]Edge, len(f.order))
	copy(out, f.order)
	return out
}

// Block is a set of markets solved together. A cyclic block is iterated
// internally until its members jointly converge.
type Block struct {
	Nodes  []Node `json:"nodes"`
	Cyclic bool   `json:"cyclic"`
}

// BrokenEdge records a placeholder edge replaced by a trial-value market.
type BrokenEdge struct {
	Edge  Edge `json:"edge"`
	Trial Node `json:"trial"`
}

// Ordering is the evaluation schedule: blocks with dependees first.
type Ordering struct {
	Blocks []Block      `json:"blocks"`
	Broken []BrokenEdge `json:"broken,omitempty"`
	index  map[Node]int // node → block
}

// Position returns the block index of a node.
func (o *Ordering) Position(good, region string) (int, bool) {
	if o == nil {
		return 0, false
	}
	i, ok := o.index[Node{Good: good, Region: region}]
	return i, ok
}

// CreateOrdering validates the graph, breaks placeholder edges that sit inside
// cycles and groups the remaining cycles into blocks in topological order.
func (f *Finder) CreateOrdering(markets MarketChecker) (*Ordering, error) {
	nodes := make(map[Node]struct{})
	for _, n := range markets.Nodes() {
		nodes[n] = struct{}{}
	}
	for n := range f.activities {
		nodes[n] = struct{}{}
	}

	for _, e := range f.order {
		for _, n := range []Node{e.From, e.To} {
			if _, ok := f.activities[n]; ok {
				continue
			}
			if !markets.HasMarket(n.Good, n.Region) {
				return nil, &ConfigError{Node: n, Cause: ErrUnknownMarket}
			}
		}
	}

	// First pass: find cycles over all edges.
	edges := f.Edges()
	sccs := components(sortedNodes(nodes), edges)
	member := make(map[Node]int)
	for i, c := range sccs {
		for _, n := range c {
			member[n] = i
		}
	}

	// Break placeholder edges whose endpoints share a cycle.
	var broken []BrokenEdge
	kept := edges[:0:0]
	for _, e := range edges {
		if e.Placeholder && member[e.From] == member[e.To] {
			trial := Node{Good: TrialValueName(e.From.Good), Region: e.To.Region}
			broken = append(broken, BrokenEdge{Edge: e, Trial: trial})
			nodes[trial] = struct{}{}
			kept = append(kept, Edge{From: trial, To: e.To})
			slog.Debug("breaking dependency cycle", "from", e.From, "to", e.To, "trial", trial)
			continue
		}
		kept = append(kept, e)
	}

	adj := adjacency(kept)
	ord := &Ordering{Broken: broken, index: make(map[Node]int)}
	for _, c := range components(sortedNodes(nodes), kept) {
		cyclic := len(c) > 1 || hasSelfLoop(c[0], adj)
		for _, n := range c {
			ord.index[n] = len(ord.Blocks)
		}
		ord.Blocks = append(ord.Blocks, Block{Nodes: c, Cyclic: cyclic})
	}

	cycles := 0
	for _, b := range ord.Blocks {
		if b.Cyclic {
			cycles++
		}
	}
	slog.Info("dependency ordering created",
		"nodes", len(nodes),
		"edges", len(kept),
		"blocks", len(ord.Blocks),
		"cyclic_blocks", cycles,
		"broken_edges", len(broken),
	)
	return ord, nil
}

func adjacency(edges []Edge) map[Node][]Node {
	adj := make(map[Node][]Node)
	for _, e := range edges {
		adj[e.From] = append(adj[e.From], e.To)
	}
	for n := range adj {
		out := adj[n]
		sort.Slice(out, func(a, b int) bool { return out[a].less(out[b]) })
	}
	return adj
}

func hasSelfLoop(n Node, adj map[Node][]Node) bool {
	for _, m := range adj[n] {
		if m == n {
			return true
		}
	}
	return false
}

func sortedNodes(set map[Node]struct{}) []Node {
	out := make([]Node, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].less(out[b]) })
	return out
}
