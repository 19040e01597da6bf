package graph

import (
	"github.com/ShayCichocki/conductor/pkg/models"
)

// Node is one position in a compiled graph.
type Node struct {
	// ID is the caller-assigned identifier.
	ID string
	// Specs holds one spec for a plain node, two or more for a fork.
	Specs []models.AgentSpec
	// Dependencies lists the ids this node waits for, in declaration order.
	Dependencies []string
}

// IsFork returns true if the node holds alternative variants.
func (n Node) IsFork() bool {
	return len(n.Specs) > 1
}

// Spec returns the primary (first) spec.
func (n Node) Spec() models.AgentSpec {
	if len(n.Specs) == 0 {
		return models.AgentSpec{}
	}
	return n.Specs[0]
}

// Graph is an immutable, validated, acyclic dependency graph. All
// accessors return copies, so a Graph may be shared between goroutines.
type Graph struct {
	order      []string
	nodes      map[string]*Node
	deps       map[string][]string
	dependents map[string][]string
}

// IDs returns node ids in registration order.
func (g *Graph) IDs() []string {
	return append([]string(nil), g.order...)
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.order)
}

// Has reports whether id is a node in the graph.
func (g *Graph) Has(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// Node returns a copy of the node with the given id.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return Node{
		ID:           n.ID,
		Specs:        append([]models.AgentSpec(nil), n.Specs...),
		Dependencies: append([]string(nil), n.Dependencies...),
	}, true
}

// Dependencies returns the ids the given node depends on.
func (g *Graph) Dependencies(id string) []string {
	return append([]string(nil), g.deps[id]...)
}

// Dependents returns the ids that depend on the given node.
func (g *Graph) Dependents(id string) []string {
	return append([]string(nil), g.dependents[id]...)
}

// DependentsMap returns a copy of the full id -> dependents adjacency.
func (g *Graph) DependentsMap() map[string][]string {
	out := make(map[string][]string, len(g.dependents))
	for id, ds := range g.dependents {
		out[id] = append([]string(nil), ds...)
	}
	return out
}

// Roots returns the nodes with no dependencies, in registration order.
func (g *Graph) Roots() []string {
	var roots []string
	for _, id := range g.order {
		if len(g.deps[id]) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// TopologicalOrder returns every node id such that dependencies come
// before their dependents. Ties are broken by registration order, so the
// result is deterministic.
func (g *Graph) TopologicalOrder() []string {
	remaining := make(map[string]int, len(g.order))
	for _, id := range g.order {
		remaining[id] = len(g.deps[id])
	}

	result := make([]string, 0, len(g.order))
	queue := g.Roots()
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		result = append(result, id)
		for _, next := range g.dependents[id] {
			remaining[next]--
			if remaining[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return result
}

// Descendants returns every node reachable from id through dependents,
// in breadth-first order, excluding id itself.
func (g *Graph) Descendants(id string) []string {
	visited := map[string]bool{id: true}
	var out []string
	queue := append([]string(nil), g.dependents[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if visited[next] {
			continue
		}
		visited[next] = true
		out = append(out, next)
		queue = append(queue, g.dependents[next]...)
	}
	return out
}

// NewReadyTracker creates a ReadyTracker over this graph.
func (g *Graph) NewReadyTracker(onReady func(id string)) *ReadyTracker {
	return NewReadyTracker(g.DependentsMap(), g.IDs(), onReady)
}
