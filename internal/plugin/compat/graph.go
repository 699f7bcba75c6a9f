// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Lumina Assist Contributors

package compat

import (
	"sort"
	"strings"

	"github.com/lumina-assist/lumina/internal/plugin"
)

// depGraph is the plugin dependency graph. Edges point from a plugin to
// the plugins it depends on. Edges to ids that are not nodes (missing
// dependencies) are kept; they can never close a cycle and the missing
// dependency is reported separately.
type depGraph struct {
	nodes map[string][]string
}

func newDepGraph() *depGraph {
	return &depGraph{nodes: make(map[string][]string)}
}

// add inserts a plugin and its dependency edges. Edges are sorted so
// traversal order, and therefore reported cycles, are deterministic.
func (g *depGraph) add(meta *plugin.Metadata) {
	deps := make([]string, 0, len(meta.Dependencies))
	for dep := range meta.Dependencies {
		deps = append(deps, dep)
	}
	sort.Strings(deps)
	g.nodes[meta.ID] = deps
}

// DFS coloring states.
type color uint8

const (
	white color = iota // unvisited
	gray               // on the current DFS path
	black              // fully explored
)

// findCycles returns every distinct dependency cycle in the graph.
//
// A single DFS coloring is shared across all roots: nodes are colored
// white/gray/black globally, never reset per root. A back-edge to a gray
// node is a cycle. Per-root visited sets would miss cycles reachable
// only through nodes another root already explored (e.g. a diamond whose
// cycle sits behind the second root's shared branch).
func (g *depGraph) findCycles() [][]string {
	colors := make(map[string]color, len(g.nodes))
	var stack []string
	var cycles [][]string

	roots := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		roots = append(roots, id)
	}
	sort.Strings(roots)

	var visit func(id string)
	visit = func(id string) {
		colors[id] = gray
		stack = append(stack, id)

		for _, dep := range g.nodes[id] {
			if _, known := g.nodes[dep]; !known {
				continue // dangling edge, reported as missing_dependency
			}
			switch colors[dep] {
			case gray:
				cycles = append(cycles, extractCycle(stack, dep))
			case white:
				visit(dep)
			case black:
				// already explored, nothing new behind it
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = black
	}

	for _, root := range roots {
		if colors[root] == white {
			visit(root)
		}
	}
	return cycles
}

// extractCycle copies the portion of the DFS stack from the back-edge
// target to the top, which is exactly the cycle's node sequence.
func extractCycle(stack []string, target string) []string {
	for i, id := range stack {
		if id == target {
			cycle := make([]string, len(stack)-i)
			copy(cycle, stack[i:])
			return cycle
		}
	}
	// target is always on the stack when colored gray
	return nil
}

// formatCycle renders a cycle as "a -> b -> c -> a".
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(append(append([]string(nil), cycle...), cycle[0]), " -> ")
}
