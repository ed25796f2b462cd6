package container

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/multierr"
)

// ── ResolveChildDefinitionsPass ───────────────────────────────────────────────

// ResolveChildDefinitionsPass merges definitions that name a Parent with
// their parent. The child's class, factory and configurator win when set;
// its arguments override the parent's by position; method calls are
// appended; tags and flags are the child's own.
type ResolveChildDefinitionsPass struct{}

func (p *ResolveChildDefinitionsPass) Process(b *Builder) error {
	for id, d := range b.Definitions() {
		if d.Parent == "" {
			continue
		}
		merged, err := p.resolve(b, id, d, []string{id})
		if err != nil {
			return err
		}
		b.definitions[id] = merged
	}
	return nil
}

func (p *ResolveChildDefinitionsPass) resolve(b *Builder, id string, d *Definition, path []string) (*Definition, error) {
	parentID := d.Parent
	if slices.Contains(path, parentID) {
		return nil, &CircularReferenceError{Path: append(slices.Clone(path), parentID)}
	}
	parent, ok := b.definitions[parentID]
	if !ok {
		return nil, &DefinitionError{ID: id, Reason: fmt.Sprintf("parent definition %q does not exist", parentID)}
	}
	if parent.Parent != "" {
		var err error
		if parent, err = p.resolve(b, parentID, parent, append(path, parentID)); err != nil {
			return nil, err
		}
		b.definitions[parentID] = parent
	}

	child := d.Clone()
	merged := parent.Clone()
	if child.Class != "" {
		merged.Class = child.Class
	}
	if child.Factory != nil {
		merged.Factory = child.Factory
	}
	if child.Configurator != nil {
		merged.Configurator = child.Configurator
	}
	for i, a := range child.Args {
		if i < len(merged.Args) {
			merged.Args[i] = a
		} else {
			merged.Args = append(merged.Args, a)
		}
	}
	merged.Calls = append(merged.Calls, child.Calls...)
	merged.Public = child.Public
	merged.Shared = child.Shared
	merged.Lazy = child.Lazy
	merged.Synthetic = child.Synthetic
	merged.Abstract = child.Abstract
	merged.Decorates = child.Decorates
	merged.Errors = append(merged.Errors, child.Errors...)
	merged.tags = child.tags
	merged.Parent = ""

	b.Log(p, fmt.Sprintf("Resolving inheritance for %q (parent: %q).", id, parentID))
	return merged, nil
}

// ── DecoratorServicePass ──────────────────────────────────────────────────────

// DecoratorServicePass applies Definition.Decorates. The decorated
// definition is renamed to the decoration's inner name, made private, and
// its id becomes an alias to the decorator. Higher priorities are applied
// first, so the lowest priority decorator ends up outermost.
type DecoratorServicePass struct{}

func (p *DecoratorServicePass) Process(b *Builder) error {
	type decorator struct {
		id  string
		def *Definition
	}
	var decorators []decorator
	for id, d := range b.Definitions() {
		if d.Decorates != nil {
			decorators = append(decorators, decorator{id: id, def: d})
		}
	}
	slices.SortStableFunc(decorators, func(a, b decorator) int {
		return cmp.Compare(b.def.Decorates.Priority, a.def.Decorates.Priority)
	})

	for _, dec := range decorators {
		deco := dec.def.Decorates
		dec.def.Decorates = nil
		inner := deco.ID
		renamed := deco.InnerName
		if renamed == "" {
			renamed = dec.id + ".inner"
		}
		if b.Has(renamed) {
			return &DefinitionError{ID: dec.id, Reason: fmt.Sprintf("inner name %q is already in use", renamed)}
		}

		public := false
		switch {
		case b.HasAlias(inner):
			a := b.aliases[inner]
			public = a.Public
			b.aliases[renamed] = &Alias{Target: a.Target}
		case b.HasDefinition(inner):
			d := b.definitions[inner]
			public = d.Public
			d.Public = false
			delete(b.definitions, inner)
			b.definitions[renamed] = d
			if i := slices.Index(b.order, inner); i >= 0 {
				b.order[i] = renamed
			}
		default:
			switch deco.Invalid {
			case IgnoreOnInvalid:
				b.removeDefinition(dec.id)
				b.Log(p, fmt.Sprintf("Removing decorator %q: decorated service %q does not exist.", dec.id, inner))
				continue
			case ExceptionOnInvalid:
				return &ServiceNotFoundError{ID: inner, SourceID: dec.id, Alternatives: alternatives(inner, b.ServiceIDs())}
			}
		}

		b.aliases[inner] = &Alias{Target: dec.id, Public: public}
		b.Log(p, fmt.Sprintf("Decorating %q with %q (inner: %q).", inner, dec.id, renamed))
	}
	return nil
}

// ── ResolveParameterPlaceholdersPass ──────────────────────────────────────────

// ResolveParameterPlaceholdersPass substitutes %name% placeholders in
// classes and arguments, then resolves the parameter bag itself. Escaped
// "%%" sequences survive until UnescapeParametersPass.
type ResolveParameterPlaceholdersPass struct{}

func (p *ResolveParameterPlaceholdersPass) Process(b *Builder) error {
	bag := b.params
	for id, d := range b.Definitions() {
		if err := p.resolveDefinition(bag, d); err != nil {
			var undef *UndefinedParameterError
			if errors.As(err, &undef) {
				undef.SourceID = id
			}
			return err
		}
	}
	return bag.Resolve()
}

func (p *ResolveParameterPlaceholdersPass) resolveDefinition(bag *ParameterBag, d *Definition) error {
	if strings.Contains(d.Class, "%") {
		v, err := bag.ResolveValue(d.Class)
		if err != nil {
			return err
		}
		d.Class = stringify(v)
	}
	return transformDefinition(d, func(v any) (any, error) {
		switch x := v.(type) {
		case string:
			return bag.ResolveValue(x)
		case map[string]any:
			out := make(map[string]any, len(x))
			for k, e := range x {
				rk, err := bag.ResolveValue(k)
				if err != nil {
					return nil, err
				}
				out[stringify(rk)] = e
			}
			return out, nil
		case *Definition:
			if strings.Contains(x.Class, "%") {
				c, err := bag.ResolveValue(x.Class)
				if err != nil {
					return nil, err
				}
				x.Class = stringify(c)
			}
		}
		return v, nil
	})
}

// ── CheckDefinitionValidityPass ───────────────────────────────────────────────

// CheckDefinitionValidityPass reports basic definition mistakes, all at
// once.
type CheckDefinitionValidityPass struct{}

func (p *CheckDefinitionValidityPass) Process(b *Builder) error {
	var errs error
	for id, d := range b.Definitions() {
		if d.Synthetic && !d.Public {
			errs = multierr.Append(errs, &DefinitionError{ID: id, Reason: "a synthetic service must be public"})
		}
		if !d.Synthetic && !d.Abstract && d.Class == "" && d.Factory == nil {
			errs = multierr.Append(errs, &DefinitionError{ID: id, Reason: "the definition has no class"})
		}
		for _, t := range d.Tags() {
			for _, attrs := range t.Attributes {
				for k, v := range attrs {
					if v != nil && !isScalar(v) {
						errs = multierr.Append(errs, &DefinitionError{
							ID:     id,
							Reason: fmt.Sprintf("attribute %q of tag %q must be of a scalar type, got %s", k, t.Name, typeName(v)),
						})
					}
				}
			}
		}
	}
	return errs
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool:
		return true
	}
	return isNumeric(v)
}

// ── DefinitionErrorExceptionPass ──────────────────────────────────────────────

// DefinitionErrorExceptionPass fails on deferred errors of definitions that
// survived pruning.
type DefinitionErrorExceptionPass struct{}

func (p *DefinitionErrorExceptionPass) Process(b *Builder) error {
	var errs error
	for id, d := range b.Definitions() {
		for _, msg := range d.Errors {
			errs = multierr.Append(errs, &DefinitionError{ID: id, Reason: msg})
		}
	}
	return errs
}

// ── UnescapeParametersPass ────────────────────────────────────────────────────

// UnescapeParametersPass turns "%%" into "%" in every string argument.
// EnvPlaceholder templates are left for the env resolver.
type UnescapeParametersPass struct{}

func (p *UnescapeParametersPass) Process(b *Builder) error {
	for _, d := range b.Definitions() {
		d.Class = unescape(d.Class)
		err := transformDefinition(d, func(v any) (any, error) {
			switch x := v.(type) {
			case string:
				return unescape(x), nil
			case map[string]any:
				out := make(map[string]any, len(x))
				for k, e := range x {
					out[unescape(k)] = e
				}
				return out, nil
			}
			return v, nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
