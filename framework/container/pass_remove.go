package container

import (
	"fmt"
	"maps"
	"slices"
)

// ── RemoveAbstractDefinitionsPass ─────────────────────────────────────────────

// RemoveAbstractDefinitionsPass drops abstract definitions once children
// have been merged.
type RemoveAbstractDefinitionsPass struct{}

func (p *RemoveAbstractDefinitionsPass) Process(b *Builder) error {
	for id, d := range b.Definitions() {
		if d.Abstract {
			b.removeDefinition(id)
			b.Log(p, fmt.Sprintf("Removed service %q; reason: abstract.", id))
		}
	}
	return nil
}

// ── RemovePrivateAliasesPass ──────────────────────────────────────────────────

// RemovePrivateAliasesPass rewrites references through private aliases and
// then drops the aliases.
type RemovePrivateAliasesPass struct{}

func (p *RemovePrivateAliasesPass) Process(b *Builder) error {
	private := map[string]string{}
	for id, a := range b.aliases {
		if !a.Public {
			private[id] = a.Target
		}
	}
	if len(private) == 0 {
		return nil
	}

	for _, d := range b.Definitions() {
		err := transformDefinition(d, func(v any) (any, error) {
			switch x := v.(type) {
			case Reference:
				if t, ok := private[x.ID]; ok {
					x.ID = t
				}
				return x, nil
			case ServiceClosure:
				if t, ok := private[x.Ref.ID]; ok {
					x.Ref.ID = t
				}
				return x, nil
			}
			return v, nil
		})
		if err != nil {
			return err
		}
	}
	for _, id := range slices.Sorted(maps.Keys(private)) {
		b.removeAlias(id)
		b.Log(p, fmt.Sprintf("Removed service %q; reason: private alias.", id))
	}
	return nil
}

// ── InlineServiceDefinitionsPass ──────────────────────────────────────────────

// InlineServiceDefinitionsPass replaces references to private definitions by
// the definitions themselves.
//
// A non-shared private definition is copied into every eager reference. A
// shared private definition is moved into its referrer when that referrer is
// shared and is the only one, so it is still built exactly once. The pass
// repeats until nothing changes.
type InlineServiceDefinitionsPass struct{}

type inlineTarget struct {
	def  *Definition
	copy bool
}

func (p *InlineServiceDefinitionsPass) Process(b *Builder) error {
	for range len(b.definitions) + 1 {
		targets := p.candidates(b, analyzeReferences(b))
		if len(targets) == 0 {
			return nil
		}

		changed := false
		for id, d := range b.Definitions() {
			var moved []string
			err := transformDefinition(d, func(v any) (any, error) {
				r, ok := v.(Reference)
				if !ok || r.ID == id {
					return v, nil
				}
				t, ok := targets[r.ID]
				if !ok {
					return v, nil
				}
				changed = true
				if t.copy {
					b.Log(p, fmt.Sprintf("Inlined service %q to %q.", r.ID, id))
					return t.def.Clone(), nil
				}
				delete(targets, r.ID)
				moved = append(moved, r.ID)
				return t.def, nil
			})
			if err != nil {
				return err
			}
			for _, m := range moved {
				b.removeDefinition(m)
				b.Log(p, fmt.Sprintf("Inlined service %q to %q.", m, id))
			}
		}
		if !changed {
			return nil
		}

		// Copied definitions nobody references any more are gone for good;
		// dropping them now frees their own references for the next round.
		g := analyzeReferences(b)
		for id, t := range targets {
			if n, ok := g.Node(id); t.copy && ok && len(n.InEdges) == 0 {
				b.removeDefinition(id)
			}
		}
	}
	return nil
}

func (p *InlineServiceDefinitionsPass) candidates(b *Builder, g *ServiceReferenceGraph) map[string]inlineTarget {
	aliased := map[string]bool{}
	for _, a := range b.aliases {
		aliased[a.Target] = true
	}
	targets := map[string]inlineTarget{}
	for id, d := range b.Definitions() {
		if d.Public || d.Synthetic || d.Lazy || d.Abstract || d.Decorates != nil || len(d.Errors) > 0 || aliased[id] {
			continue
		}
		n, ok := g.Node(id)
		if !ok || len(n.InEdges) == 0 {
			continue
		}

		if !d.Shared {
			for _, e := range n.InEdges {
				if _, ref := e.Value.(Reference); ref && e.Source.ID != id {
					targets[id] = inlineTarget{def: d, copy: true}
					break
				}
			}
			continue
		}

		if len(n.InEdges) != 1 {
			continue
		}
		e := n.InEdges[0]
		if _, ref := e.Value.(Reference); !ref || e.Lazy {
			continue
		}
		src := e.Source.Definition
		if src == nil || !src.Shared || e.Source.ID == id {
			continue
		}
		targets[id] = inlineTarget{def: d}
	}
	return targets
}

// ── RemoveUnusedDefinitionsPass ───────────────────────────────────────────────

// RemoveUnusedDefinitionsPass drops private definitions that no public or
// synthetic service reaches, directly or through other definitions.
type RemoveUnusedDefinitionsPass struct{}

func (p *RemoveUnusedDefinitionsPass) Process(b *Builder) error {
	g := analyzeReferences(b)

	var queue []string
	for id, d := range b.Definitions() {
		if d.Public || d.Synthetic {
			queue = append(queue, id)
		}
	}
	for _, id := range slices.Sorted(maps.Keys(b.aliases)) {
		if a := b.aliases[id]; a.Public {
			queue = append(queue, a.Target)
		}
	}

	reached := map[string]bool{}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if reached[id] {
			continue
		}
		reached[id] = true
		if n, ok := g.Node(id); ok {
			for _, e := range n.OutEdges {
				queue = append(queue, e.Target.ID)
			}
		}
	}

	for id := range b.Definitions() {
		if !reached[id] {
			b.removeDefinition(id)
			b.Log(p, fmt.Sprintf("Removed service %q; reason: unused.", id))
		}
	}
	b.graph = analyzeReferences(b)
	return nil
}
