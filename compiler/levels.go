package compiler

import (
	"sort"

	"github.com/lyzr/workflowcore/blueprint"
)

// assignLevels computes the longest-path level for every node over the
// (already verified acyclic) dependency graph, per §4.2 step 7 and
// Testable Property #2 (level(u) < level(v) for every edge u->v).
func assignLevels(nodes []blueprint.NodeSpec) (levelOf map[string]int, levels [][]string, entry, terminal []string) {
	byID := make(map[string]blueprint.NodeSpec, len(nodes))
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
		ids = append(ids, n.ID)
	}
	sort.Strings(ids)

	levelOf = make(map[string]int, len(nodes))
	var compute func(id string) int
	visiting := make(map[string]bool)
	compute = func(id string) int {
		if lv, ok := levelOf[id]; ok {
			return lv
		}
		n := byID[id]
		if len(n.Dependencies) == 0 {
			levelOf[id] = 0
			return 0
		}
		visiting[id] = true
		max := -1
		for _, dep := range n.Dependencies {
			if _, ok := byID[dep]; !ok {
				continue // dangling ref already reported elsewhere
			}
			if visiting[dep] {
				continue // guard against residual cycles from bad input
			}
			dl := compute(dep)
			if dl > max {
				max = dl
			}
		}
		visiting[id] = false
		lv := max + 1
		levelOf[id] = lv
		return lv
	}

	maxLevel := 0
	for _, id := range ids {
		lv := compute(id)
		if lv > maxLevel {
			maxLevel = lv
		}
	}

	buckets := make([][]string, maxLevel+1)
	for _, id := range ids {
		lv := levelOf[id]
		buckets[lv] = append(buckets[lv], id)
	}
	for i := range buckets {
		sort.Strings(buckets[i])
	}

	dependents := make(map[string]int, len(nodes))
	for _, n := range nodes {
		for _, dep := range n.Dependencies {
			if _, ok := byID[dep]; ok {
				dependents[dep]++
			}
		}
	}
	for _, id := range ids {
		if len(byID[id].Dependencies) == 0 {
			entry = append(entry, id)
		}
		if dependents[id] == 0 {
			terminal = append(terminal, id)
		}
	}

	return levelOf, buckets, entry, terminal
}
