package compiler

import (
	"sort"

	"github.com/lyzr/workflowcore/blueprint"
)

// graph is a small adjacency-list digraph over node ids, built fresh for
// each analysis (dependency graph, or dependency graph + recursion
// edges) rather than shared/mutated state.
type graph struct {
	edges map[string][]string
}

func newGraph(nodeIDs []string) *graph {
	g := &graph{edges: make(map[string][]string, len(nodeIDs))}
	for _, id := range nodeIDs {
		g.edges[id] = nil
	}
	return g
}

func (g *graph) addEdge(from, to string) {
	g.edges[from] = append(g.edges[from], to)
}

// dependencyGraph builds the plain dependency edges: dep -> node for
// every node's declared Dependencies. This is the "acyclic projection"
// graph (recursion edges excluded), checked by Invariant 2.
func dependencyGraph(nodes []blueprint.NodeSpec) *graph {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	g := newGraph(ids)
	for _, n := range nodes {
		for _, dep := range n.Dependencies {
			if _, ok := g.edges[dep]; ok {
				g.addEdge(dep, n.ID)
			}
		}
	}
	return g
}

// withRecursionEdges returns a copy of g with one extra edge
// recursiveNode -> source for every recursive node's declared
// recursive_sources (including self-loops when a node lists itself).
func withRecursionEdges(base *graph, nodes []blueprint.NodeSpec) *graph {
	g := &graph{edges: make(map[string][]string, len(base.edges))}
	for k, v := range base.edges {
		cp := make([]string, len(v))
		copy(cp, v)
		g.edges[k] = cp
	}
	for _, n := range nodes {
		if n.Kind != blueprint.KindRecursive {
			continue
		}
		var payload blueprint.RecursivePayload
		if err := n.DecodePayload(&payload); err != nil {
			continue
		}
		for _, src := range payload.RecursiveSources {
			if _, ok := g.edges[src]; ok {
				g.addEdge(n.ID, src)
			}
		}
	}
	return g
}

// isAcyclic reports whether g has no cycles at all (including self-loops).
func isAcyclic(g *graph) bool {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(g.edges))
	var dfs func(string) bool
	dfs = func(u string) bool {
		color[u] = gray
		for _, v := range g.edges[u] {
			if v == u {
				return false
			}
			switch color[v] {
			case gray:
				return false
			case white:
				if !dfs(v) {
					return false
				}
			}
		}
		color[u] = black
		return true
	}

	ids := make([]string, 0, len(g.edges))
	for id := range g.edges {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white {
			if !dfs(id) {
				return false
			}
		}
	}
	return true
}

// tarjanSCC returns the strongly connected components of g, each as a
// sorted slice of node ids, in a deterministic order (by the smallest id
// in the component).
func tarjanSCC(g *graph) [][]string {
	index := 0
	indices := map[string]int{}
	lowlink := map[string]int{}
	onStack := map[string]bool{}
	var stack []string
	var sccs [][]string

	ids := make([]string, 0, len(g.edges))
	for id := range g.edges {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var strongconnect func(v string)
	strongconnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		neighbors := append([]string(nil), g.edges[v]...)
		sort.Strings(neighbors)
		for _, w := range neighbors {
			if _, ok := indices[w]; !ok {
				strongconnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] {
				if indices[w] < lowlink[v] {
					lowlink[v] = indices[w]
				}
			}
		}

		if lowlink[v] == indices[v] {
			var comp []string
			for {
				n := len(stack) - 1
				w := stack[n]
				stack = stack[:n]
				onStack[w] = false
				comp = append(comp, w)
				if w == v {
					break
				}
			}
			sort.Strings(comp)
			sccs = append(sccs, comp)
		}
	}

	for _, id := range ids {
		if _, ok := indices[id]; !ok {
			strongconnect(id)
		}
	}

	sort.Slice(sccs, func(i, j int) bool { return sccs[i][0] < sccs[j][0] })
	return sccs
}

// hasSelfLoop reports whether g has an edge v -> v.
func hasSelfLoop(g *graph, v string) bool {
	for _, w := range g.edges[v] {
		if w == v {
			return true
		}
	}
	return false
}

// checkCycles implements §4.2 step 3 (Cycle analysis) and validates
// Invariant 2. It returns every IllegalCycle violation found.
func checkCycles(nodes []blueprint.NodeSpec) []CompileError {
	var errs []CompileError

	byID := make(map[string]blueprint.NodeSpec, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	depGraph := dependencyGraph(nodes)
	if !isAcyclic(depGraph) {
		errs = append(errs, errf("", "dependency graph contains a cycle not induced by recursive_sources (IllegalCycle)"))
		return errs
	}

	recGraph := withRecursionEdges(depGraph, nodes)
	// recursiveSourceOf[s] = set of recursive node ids that declare s as
	// one of their recursive_sources.
	recursiveSourceOf := make(map[string]map[string]bool)
	for _, n := range nodes {
		if n.Kind != blueprint.KindRecursive {
			continue
		}
		var payload blueprint.RecursivePayload
		if err := n.DecodePayload(&payload); err != nil {
			continue
		}
		for _, src := range payload.RecursiveSources {
			if recursiveSourceOf[src] == nil {
				recursiveSourceOf[src] = map[string]bool{}
			}
			recursiveSourceOf[src][n.ID] = true
		}
	}

	for _, scc := range tarjanSCC(recGraph) {
		isCycle := len(scc) > 1
		if len(scc) == 1 && hasSelfLoop(recGraph, scc[0]) {
			isCycle = true
		}
		if !isCycle {
			continue
		}
		inSCC := make(map[string]bool, len(scc))
		for _, id := range scc {
			inSCC[id] = true
		}
		for _, id := range scc {
			n := byID[id]
			sanctioned := n.Kind == blueprint.KindRecursive
			if !sanctioned {
				for recID := range recursiveSourceOf[id] {
					if inSCC[recID] {
						sanctioned = true
						break
					}
				}
			}
			if !sanctioned {
				errs = append(errs, errf(id,
					"node participates in an unauthorized cycle %v: only recursive nodes (and their declared recursive_sources) may form cycles (IllegalCycle)", scc))
			}
		}
	}

	return errs
}
