// Package graph builds and validates the dependency graph of agent nodes
// and tracks which nodes become ready as their dependencies complete.
package graph

import (
	"github.com/ShayCichocki/conductor/pkg/models"
)

// edge is a declared dependency: to depends on from.
type edge struct {
	from string
	to   string
}

// Builder accumulates nodes, forks, and edges and compiles them into an
// immutable Graph. A Builder is not safe for concurrent use.
type Builder struct {
	// order records node ids in registration order.
	order []string
	// nodes maps node id to its declared specs.
	nodes map[string][]models.AgentSpec
	// edges lists declared edges in declaration order.
	edges []edge
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// NewBuilder creates an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		nodes:    make(map[string][]models.AgentSpec),
		debugLog: func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (b *Builder) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		b.debugLog = fn
	}
}

// AddNode registers a node with a single agent spec. Each id in dependsOn
// is recorded as an edge from that id to this node.
func (b *Builder) AddNode(id string, spec models.AgentSpec, dependsOn ...string) error {
	return b.add(id, []models.AgentSpec{spec}, dependsOn)
}

// AddFork registers a node holding two or more alternative specs that
// share one position in the graph.
func (b *Builder) AddFork(id string, specs []models.AgentSpec, dependsOn ...string) error {
	if len(specs) < 2 {
		return &InvalidForkError{ID: id, Variants: len(specs)}
	}
	return b.add(id, specs, dependsOn)
}

func (b *Builder) add(id string, specs []models.AgentSpec, dependsOn []string) error {
	if id == "" {
		return &UnknownNodeError{}
	}
	if _, exists := b.nodes[id]; exists {
		return &DuplicateNodeError{ID: id}
	}

	copied := make([]models.AgentSpec, len(specs))
	copy(copied, specs)
	b.nodes[id] = copied
	b.order = append(b.order, id)
	b.debugLog("[graph.AddNode] id=%s variants=%d depends_on=%v", id, len(specs), dependsOn)

	for _, dep := range dependsOn {
		if err := b.AddEdge(dep, id); err != nil {
			return err
		}
	}
	return nil
}

// AddEdge declares that to depends on from. Endpoints are resolved at
// Build time, so edges may be declared before their nodes.
func (b *Builder) AddEdge(from, to string) error {
	if from == "" || to == "" {
		return &UnknownNodeError{}
	}
	b.edges = append(b.edges, edge{from: from, to: to})
	return nil
}

// Build validates the declared graph and compiles it. Dangling edges are
// reported before cycles. Build does not modify the Builder.
func (b *Builder) Build() (*Graph, error) {
	b.debugLog("[graph.Build] building graph from %d nodes and %d edges", len(b.order), len(b.edges))

	deps := make(map[string][]string, len(b.order))
	dependents := make(map[string][]string, len(b.order))
	for _, id := range b.order {
		deps[id] = nil
		dependents[id] = nil
	}

	seen := make(map[edge]bool, len(b.edges))
	for _, e := range b.edges {
		if _, ok := b.nodes[e.from]; !ok {
			return nil, &DanglingEdgeError{From: e.from, To: e.to, Missing: e.from}
		}
		if _, ok := b.nodes[e.to]; !ok {
			return nil, &DanglingEdgeError{From: e.from, To: e.to, Missing: e.to}
		}
		if seen[e] {
			continue
		}
		seen[e] = true
		deps[e.to] = append(deps[e.to], e.from)
		dependents[e.from] = append(dependents[e.from], e.to)
	}

	if cycle := findCycle(b.order, dependents); cycle != nil {
		b.debugLog("[graph.Build] cycle detected: %v", cycle)
		return nil, &CycleDetectedError{Cycle: cycle}
	}

	g := &Graph{
		order:      append([]string(nil), b.order...),
		nodes:      make(map[string]*Node, len(b.order)),
		deps:       deps,
		dependents: dependents,
	}
	for _, id := range b.order {
		specs := make([]models.AgentSpec, len(b.nodes[id]))
		copy(specs, b.nodes[id])
		g.nodes[id] = &Node{ID: id, Specs: specs, Dependencies: deps[id]}
	}

	b.debugLog("[graph.Build] graph built successfully with %d nodes", len(g.order))
	return g, nil
}

// findCycle runs a depth-first search with a recursion stack over the
// dependents relation and returns the first cycle found, or nil.
func findCycle(order []string, dependents map[string][]string) []string {
	// Color states: 0 = white (unvisited), 1 = gray (on stack), 2 = black (done).
	colors := make(map[string]int, len(order))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		stack = append(stack, id)

		for _, next := range dependents[id] {
			switch colors[next] {
			case 1:
				// Back edge: the cycle is the stack suffix starting at next.
				for i, s := range stack {
					if s == next {
						cycle = append(append([]string(nil), stack[i:]...), next)
						break
					}
				}
				return true
			case 0:
				if visit(next) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = 2
		return false
	}

	for _, id := range order {
		if colors[id] == 0 && visit(id) {
			return cycle
		}
	}
	return nil
}
