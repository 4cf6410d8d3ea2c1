// Package deps computes the startup and shutdown ordering implied by
// service dependency declarations.
package deps

import (
	"fmt"
	"sort"
	"strings"
)

// Levels computes a topological ordering of services as parallel levels:
// every service's dependencies appear in an earlier level, so all services
// within one level may be started concurrently. The input maps each service
// name to the names it depends on. The result is deterministic (names are
// sorted within each level).
//
// A dependency on an unknown service or a dependency cycle is an error.
func Levels(services map[string][]string) ([][]string, error) {
	indegree := make(map[string]int, len(services))
	dependents := make(map[string][]string, len(services))

	for name := range services {
		indegree[name] = 0
	}
	for name, requires := range services {
		for _, dep := range requires {
			if _, ok := services[dep]; !ok {
				return nil, fmt.Errorf("service %q depends on unknown service %q", name, dep)
			}
			if dep == name {
				return nil, fmt.Errorf("service %q depends on itself", name)
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var levels [][]string
	placed := 0

	current := make([]string, 0, len(services))
	for name, n := range indegree {
		if n == 0 {
			current = append(current, name)
		}
	}

	for len(current) > 0 {
		sort.Strings(current)
		levels = append(levels, current)
		placed += len(current)

		var next []string
		for _, name := range current {
			for _, dep := range dependents[name] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		current = next
	}

	if placed != len(services) {
		return nil, fmt.Errorf("dependency cycle: %s", describeCycle(services, indegree))
	}
	return levels, nil
}

// Flatten joins levels into a single start order.
func Flatten(levels [][]string) []string {
	var out []string
	for _, level := range levels {
		out = append(out, level...)
	}
	return out
}

// Reverse returns the shutdown order for a set of start levels: levels in
// reverse, so dependents stop before the services they depend on.
func Reverse(levels [][]string) [][]string {
	out := make([][]string, 0, len(levels))
	for i := len(levels) - 1; i >= 0; i-- {
		out = append(out, levels[i])
	}
	return out
}

// describeCycle walks the unplaced remainder of the graph to name one cycle
// for the error message.
func describeCycle(services map[string][]string, indegree map[string]int) string {
	remaining := make([]string, 0, len(indegree))
	for name, n := range indegree {
		if n > 0 {
			remaining = append(remaining, name)
		}
	}
	sort.Strings(remaining)
	if len(remaining) == 0 {
		return "unknown"
	}

	inRemainder := make(map[string]bool, len(remaining))
	for _, name := range remaining {
		inRemainder[name] = true
	}

	// Follow dependency edges from the first remaining node until a node
	// repeats; the repeated segment is a cycle.
	seen := make(map[string]int)
	path := []string{}
	node := remaining[0]
	for {
		if at, ok := seen[node]; ok {
			cycle := append(path[at:], node)
			return strings.Join(cycle, " -> ")
		}
		seen[node] = len(path)
		path = append(path, node)

		next := ""
		edges := append([]string(nil), services[node]...)
		sort.Strings(edges)
		for _, dep := range edges {
			if inRemainder[dep] {
				next = dep
				break
			}
		}
		if next == "" {
			// Should not happen for a true cycle; fall back to the node list.
			return strings.Join(remaining, ", ")
		}
		node = next
	}
}
