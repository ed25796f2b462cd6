package container

import (
	"maps"
	"slices"
)

// ── ServiceReferenceGraph ─────────────────────────────────────────────────────

// GraphEdge is one reference from a definition to a service. References found
// inside inline definitions are attributed to the enclosing top-level
// definition.
type GraphEdge struct {
	Source *GraphNode
	Target *GraphNode

	// Value is the Reference or ServiceClosure that produced the edge.
	Value any

	// Lazy edges do not construct their target when the source is built:
	// service closures and references to lazy definitions.
	Lazy bool

	// Weak edges come from method call arguments and are resolved after the
	// source instance exists.
	Weak bool
}

// GraphNode is a service id in the reference graph. Definition is nil for
// ids that have no definition, such as "service_container".
type GraphNode struct {
	ID         string
	Definition *Definition
	InEdges    []*GraphEdge
	OutEdges   []*GraphEdge
}

// ServiceReferenceGraph is the dependency graph between definitions.
type ServiceReferenceGraph struct {
	nodes map[string]*GraphNode
	order []string
}

func newServiceReferenceGraph() *ServiceReferenceGraph {
	return &ServiceReferenceGraph{nodes: make(map[string]*GraphNode)}
}

// Node returns the node for id.
func (g *ServiceReferenceGraph) Node(id string) (*GraphNode, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns every node in insertion order.
func (g *ServiceReferenceGraph) Nodes() []*GraphNode {
	out := make([]*GraphNode, len(g.order))
	for i, id := range g.order {
		out[i] = g.nodes[id]
	}
	return out
}

// Edges returns every edge, grouped by source in node order.
func (g *ServiceReferenceGraph) Edges() []*GraphEdge {
	var out []*GraphEdge
	for _, n := range g.Nodes() {
		out = append(out, n.OutEdges...)
	}
	return out
}

// Dependencies returns the distinct ids that id references, in order of
// first reference.
func (g *ServiceReferenceGraph) Dependencies(id string) []string {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	var deps []string
	for _, e := range n.OutEdges {
		if !slices.Contains(deps, e.Target.ID) {
			deps = append(deps, e.Target.ID)
		}
	}
	return deps
}

func (g *ServiceReferenceGraph) node(id string, d *Definition) *GraphNode {
	if n, ok := g.nodes[id]; ok {
		if n.Definition == nil {
			n.Definition = d
		}
		return n
	}
	n := &GraphNode{ID: id, Definition: d}
	g.nodes[id] = n
	g.order = append(g.order, id)
	return n
}

func (g *ServiceReferenceGraph) connect(source, target string, value any, lazy, weak bool) {
	src := g.node(source, nil)
	dst := g.node(target, nil)
	e := &GraphEdge{Source: src, Target: dst, Value: value, Lazy: lazy, Weak: weak}
	src.OutEdges = append(src.OutEdges, e)
	dst.InEdges = append(dst.InEdges, e)
}

// ── AnalyzeServiceReferencesPass ──────────────────────────────────────────────

// AnalyzeServiceReferencesPass builds the reference graph read by the
// passes that follow it. See Builder.ReferenceGraph.
type AnalyzeServiceReferencesPass struct{}

func (p *AnalyzeServiceReferencesPass) Process(b *Builder) error {
	b.graph = analyzeReferences(b)
	return nil
}

func analyzeReferences(b *Builder) *ServiceReferenceGraph {
	g := newServiceReferenceGraph()
	for id, d := range b.Definitions() {
		g.node(id, d)
	}
	for id, d := range b.Definitions() {
		walkReferences(b, g, id, d, false)
	}
	return g
}

func walkReferences(b *Builder, g *ServiceReferenceGraph, source string, d *Definition, weak bool) {
	for _, a := range d.Args {
		walkValue(b, g, source, a, weak)
	}
	for _, c := range d.Calls {
		for _, a := range c.Args {
			walkValue(b, g, source, a, true)
		}
	}
}

func walkValue(b *Builder, g *ServiceReferenceGraph, source string, v any, weak bool) {
	switch x := v.(type) {
	case Reference:
		lazy := false
		if d, ok := b.definitions[x.ID]; ok {
			lazy = d.Lazy
		}
		g.connect(source, x.ID, x, lazy, weak)
	case ServiceClosure:
		g.connect(source, x.Ref.ID, x, true, weak)
	case []any:
		for _, e := range x {
			walkValue(b, g, source, e, weak)
		}
	case map[string]any:
		for _, k := range sortedKeys(x) {
			walkValue(b, g, source, x[k], weak)
		}
	case *Definition:
		walkReferences(b, g, source, x, weak)
	}
}

// ── CheckCircularReferencesPass ───────────────────────────────────────────────

// CheckCircularReferencesPass rejects dependency cycles that could never be
// constructed. Lazy edges break cycles, and so do method call edges leaving
// a shared service, since the instance exists before its calls run.
type CheckCircularReferencesPass struct{}

func (p *CheckCircularReferencesPass) Process(b *Builder) error {
	g := b.graph
	if g == nil {
		g = analyzeReferences(b)
	}

	const (
		visiting = 1
		done     = 2
	)
	state := map[string]int{}
	var stack []string

	var visit func(n *GraphNode) error
	visit = func(n *GraphNode) error {
		state[n.ID] = visiting
		stack = append(stack, n.ID)
		for _, e := range n.OutEdges {
			if e.Lazy || (e.Weak && n.Definition != nil && n.Definition.Shared) {
				continue
			}
			switch state[e.Target.ID] {
			case visiting:
				i := slices.Index(stack, e.Target.ID)
				path := append(slices.Clone(stack[i:]), e.Target.ID)
				return &CircularReferenceError{Path: path}
			case done:
				continue
			}
			if err := visit(e.Target); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[n.ID] = done
		return nil
	}

	for _, n := range g.Nodes() {
		if state[n.ID] == 0 {
			if err := visit(n); err != nil {
				return err
			}
		}
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	return slices.Sorted(maps.Keys(m))
}
