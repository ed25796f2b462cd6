package container

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"strconv"

	"go.uber.org/multierr"
)

// ── ResolveTaggedIteratorArgumentPass ─────────────────────────────────────────

// ResolveTaggedIteratorArgumentPass replaces TaggedIterator arguments with
// the references they select.
type ResolveTaggedIteratorArgumentPass struct{}

func (p *ResolveTaggedIteratorArgumentPass) Process(b *Builder) error {
	for id, d := range b.Definitions() {
		err := transformDefinition(d, func(v any) (any, error) {
			ti, ok := v.(TaggedIterator)
			if !ok {
				return v, nil
			}
			return p.collect(b, id, ti)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *ResolveTaggedIteratorArgumentPass) collect(b *Builder, source string, ti TaggedIterator) (any, error) {
	type tagged struct {
		id       string
		priority int
		attrs    Attributes
	}
	var found []tagged
	for id, attrs := range b.FindTaggedServiceIDs(ti.Tag) {
		if b.definitions[id].Abstract {
			continue
		}
		found = append(found, tagged{id: id, priority: priorityOf(attrs[0]), attrs: attrs[0]})
	}
	slices.SortStableFunc(found, func(a, b tagged) int { return cmp.Compare(b.priority, a.priority) })

	if ti.IndexBy == "" {
		refs := make([]any, len(found))
		for i, t := range found {
			refs[i] = Ref(t.id)
		}
		b.Log(p, fmt.Sprintf("Injecting %d services tagged %q into %q.", len(refs), ti.Tag, source))
		return refs, nil
	}

	indexed := make(map[string]any, len(found))
	for _, t := range found {
		key := t.id
		if v, ok := t.attrs[ti.IndexBy]; ok && v != nil {
			key = stringify(v)
		}
		if _, dup := indexed[key]; dup {
			return nil, &DefinitionError{
				ID:     source,
				Reason: fmt.Sprintf("services tagged %q share the index %q for attribute %q", ti.Tag, key, ti.IndexBy),
			}
		}
		indexed[key] = Ref(t.id)
	}
	b.Log(p, fmt.Sprintf("Injecting %d services tagged %q into %q, indexed by %q.", len(indexed), ti.Tag, source, ti.IndexBy))
	return indexed, nil
}

// priorityOf reads the "priority" tag attribute. Missing or malformed values
// count as 0.
func priorityOf(attrs Attributes) int {
	switch v := attrs["priority"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

// ── ResolveReferencesToAliasesPass ────────────────────────────────────────────

// ResolveReferencesToAliasesPass points every reference at the definition
// behind its alias chain, and collapses the chains themselves.
type ResolveReferencesToAliasesPass struct{}

func (p *ResolveReferencesToAliasesPass) Process(b *Builder) error {
	for _, id := range slices.Sorted(maps.Keys(b.aliases)) {
		target, err := resolveAliasChain(b, id)
		if err != nil {
			return err
		}
		b.aliases[id].Target = target
	}

	for _, d := range b.Definitions() {
		err := transformDefinition(d, func(v any) (any, error) {
			switch x := v.(type) {
			case Reference:
				if a, ok := b.aliases[x.ID]; ok {
					x.ID = a.Target
				}
				return x, nil
			case ServiceClosure:
				if a, ok := b.aliases[x.Ref.ID]; ok {
					x.Ref.ID = a.Target
				}
				return x, nil
			}
			return v, nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func resolveAliasChain(b *Builder, id string) (string, error) {
	seen := []string{id}
	target := b.aliases[id].Target
	for {
		a, ok := b.aliases[target]
		if !ok {
			return target, nil
		}
		if slices.Contains(seen, target) {
			return "", &CircularReferenceError{Path: append(seen, target)}
		}
		seen = append(seen, target)
		target = a.Target
	}
}

// ── ResolveInvalidReferencesPass ──────────────────────────────────────────────

// ResolveInvalidReferencesPass applies each reference's InvalidBehavior when
// its target does not exist:
//
//	ExceptionOnInvalid  compilation fails
//	NullOnInvalid       the argument becomes nil
//	IgnoreOnInvalid     dropped from collections; the method call is dropped;
//	                    a constructor argument becomes nil to keep positions
//
// Every missing reference is reported, not only the first one.
type ResolveInvalidReferencesPass struct{}

func (p *ResolveInvalidReferencesPass) Process(b *Builder) error {
	var errs error
	for id, d := range b.Definitions() {
		p.definition(b, id, d, &errs)
	}
	return errs
}

func (p *ResolveInvalidReferencesPass) exists(b *Builder, id string) bool {
	return id == ServiceContainerID || b.Has(id)
}

func (p *ResolveInvalidReferencesPass) definition(b *Builder, source string, d *Definition, errs *error) {
	for i, a := range d.Args {
		v, _ := p.value(b, source, a, errs)
		d.Args[i] = v
	}

	calls := d.Calls[:0]
	for _, c := range d.Calls {
		keep := true
		for i, a := range c.Args {
			v, ok := p.value(b, source, a, errs)
			if !ok {
				keep = false
				break
			}
			c.Args[i] = v
		}
		if keep {
			calls = append(calls, c)
		} else {
			b.Log(p, fmt.Sprintf("Removing method call %q from %q: an ignored reference is missing.", c.Method, source))
		}
	}
	d.Calls = calls
}

// value returns the replacement for v and whether v should be kept at all.
func (p *ResolveInvalidReferencesPass) value(b *Builder, source string, v any, errs *error) (any, bool) {
	switch x := v.(type) {
	case Reference:
		if p.exists(b, x.ID) {
			return x, true
		}
		switch x.Invalid {
		case NullOnInvalid:
			return nil, true
		case IgnoreOnInvalid:
			return nil, false
		}
		*errs = multierr.Append(*errs, p.missing(b, source, x.ID))
		return x, true
	case ServiceClosure:
		if p.exists(b, x.Ref.ID) {
			return x, true
		}
		if x.Ref.Invalid == ExceptionOnInvalid {
			*errs = multierr.Append(*errs, p.missing(b, source, x.Ref.ID))
			return x, true
		}
		return nil, true
	case []any:
		out := x[:0]
		for _, e := range x {
			if r, ok := p.value(b, source, e, errs); ok {
				out = append(out, r)
			}
		}
		return out, true
	case map[string]any:
		for k, e := range x {
			if r, ok := p.value(b, source, e, errs); ok {
				x[k] = r
			} else {
				delete(x, k)
			}
		}
		return x, true
	case *Definition:
		p.definition(b, source, x, errs)
		return x, true
	}
	return v, true
}

func (p *ResolveInvalidReferencesPass) missing(b *Builder, source, id string) error {
	return &ServiceNotFoundError{ID: id, SourceID: source, Alternatives: alternatives(id, b.ServiceIDs())}
}
