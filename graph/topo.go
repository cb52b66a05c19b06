package graph

import (
	"iter"
	"sort"
)

// findCycle runs a depth-first search over names (visited in the given
// order, successors in the order next returns them) and returns the first
// cycle found as a path that starts and ends with the same name. It returns
// nil for an acyclic relation.
//
// The same routine checks graphs and the derived-input templates of a
// CommandNode, so both report cycles in the same form.
func findCycle(names []string, next func(string) []string) []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(names))
	var stack []string

	var visit func(string) []string
	visit = func(n string) []string {
		color[n] = gray
		stack = append(stack, n)
		for _, m := range next(n) {
			switch color[m] {
			case gray:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == m {
						cycle := append([]string(nil), stack[i:]...)
						return append(cycle, m)
					}
				}
			case white:
				if c := visit(m); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return nil
	}

	for _, n := range names {
		if color[n] == white {
			if c := visit(n); c != nil {
				return c
			}
		}
	}
	return nil
}

// kahnLayers yields groups of names whose predecessors all appear in earlier
// groups. Each group is sorted. Names caught in a cycle are never yielded.
func kahnLayers(names []string, prev func(string) []string) iter.Seq[[]string] {
	return func(yield func([]string) bool) {
		indegree := make(map[string]int, len(names))
		succ := make(map[string][]string, len(names))
		for _, n := range names {
			ps := prev(n)
			indegree[n] = len(ps)
			for _, p := range ps {
				succ[p] = append(succ[p], n)
			}
		}

		var layer []string
		for _, n := range names {
			if indegree[n] == 0 {
				layer = append(layer, n)
			}
		}

		for len(layer) > 0 {
			sort.Strings(layer)
			if !yield(layer) {
				return
			}
			var next []string
			for _, n := range layer {
				for _, m := range succ[n] {
					indegree[m]--
					if indegree[m] == 0 {
						next = append(next, m)
					}
				}
			}
			layer = next
		}
	}
}
