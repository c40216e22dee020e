package dependency

import (
	"errors"
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// components groups the nodes into strongly connected components listed in
// topological order, dependees first. Components with no path between them
// follow node order so the schedule is reproducible. Self edges are dropped
// from the graph; callers detect them with hasSelfLoop.
func components(nodes []Node, edges []Edge) [][]Node {
	g := simple.NewDirectedGraph()
	ids := make(map[Node]int64, len(nodes))
	byID := make([]Node, 0, len(nodes))
	id := func(n Node) int64 {
		if i, ok := ids[n]; ok {
			return i
		}
		i := int64(len(byID))
		ids[n] = i
		byID = append(byID, n)
		g.AddNode(simple.Node(i))
		return i
	}
	for _, n := range nodes {
		id(n)
	}
	for _, e := range edges {
		from, to := id(e.From), id(e.To)
		if from != to {
			g.SetEdge(simple.Edge{F: simple.Node(from), T: simple.Node(to)})
		}
	}

	// Cyclic components sit in the sorted list as nil, in the same order as
	// the Unorderable error lists them.
	sorted, err := topo.SortStabilized(g, nil)
	var cycles topo.Unorderable
	errors.As(err, &cycles)

	out := make([][]Node, 0, len(sorted))
	for _, v := range sorted {
		members := []graph.Node{v}
		if v == nil {
			members, cycles = cycles[0], cycles[1:]
		}
		c := make([]Node, len(members))
		for i, m := range members {
			c[i] = byID[m.ID()]
		}
		sort.Slice(c, func(a, b int) bool { return c[a].less(c[b]) })
		out = append(out, c)
	}
	return out
}
