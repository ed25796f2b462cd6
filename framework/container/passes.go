package container

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
)

// Stage groups compiler passes. Stages run in declaration order.
type Stage int

const (
	BeforeOptimization Stage = iota
	Optimize
	BeforeRemoving
	Remove
	AfterRemoving
)

func (s Stage) String() string {
	switch s {
	case BeforeOptimization:
		return "before-optimization"
	case Optimize:
		return "optimize"
	case BeforeRemoving:
		return "before-removing"
	case Remove:
		return "remove"
	case AfterRemoving:
		return "after-removing"
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// Pass transforms the definition graph during compilation.
type Pass interface {
	Process(b *Builder) error
}

// PassFunc adapts a function to Pass.
type PassFunc func(b *Builder) error

func (f PassFunc) Process(b *Builder) error { return f(b) }

// namedPass is a PassFunc carrying a display name.
type namedPass struct {
	name string
	fn   func(b *Builder) error
}

func (p namedPass) Process(b *Builder) error { return p.fn(b) }
func (p namedPass) Name() string             { return p.name }

// NamedPass returns a pass reported as name in logs and errors.
func NamedPass(name string, fn func(b *Builder) error) Pass {
	return namedPass{name: name, fn: fn}
}

func passName(p Pass) string {
	if n, ok := p.(interface{ Name() string }); ok {
		return n.Name()
	}
	name := strings.TrimPrefix(fmt.Sprintf("%T", p), "*")
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// ── PassConfig ────────────────────────────────────────────────────────────────

type passEntry struct {
	pass     Pass
	stage    Stage
	priority int
	seq      int
}

// PassConfig orders passes by stage, then priority (highest first), then
// registration order.
type PassConfig struct {
	entries []passEntry
	seq     int
}

// NewPassConfig returns an empty configuration.
func NewPassConfig() *PassConfig { return &PassConfig{} }

// Add schedules pass.
func (pc *PassConfig) Add(pass Pass, stage Stage, priority int) {
	pc.seq++
	pc.entries = append(pc.entries, passEntry{pass: pass, stage: stage, priority: priority, seq: pc.seq})
}

// Passes returns every pass in execution order.
func (pc *PassConfig) Passes() []Pass {
	sorted := slices.Clone(pc.entries)
	slices.SortFunc(sorted, func(a, b passEntry) int {
		return cmp.Or(
			cmp.Compare(a.stage, b.stage),
			cmp.Compare(b.priority, a.priority),
			cmp.Compare(a.seq, b.seq),
		)
	})
	out := make([]Pass, len(sorted))
	for i, e := range sorted {
		out[i] = e.pass
	}
	return out
}

// Stage returns the passes of one stage in execution order.
func (pc *PassConfig) Stage(stage Stage) []Pass {
	sub := &PassConfig{}
	for _, e := range pc.entries {
		if e.stage == stage {
			sub.entries = append(sub.entries, e)
		}
	}
	return sub.Passes()
}

// registerDefaultPasses installs the built-in pipeline. Priorities leave
// room for user passes at 0 within each stage.
func registerDefaultPasses(pc *PassConfig) {
	pc.Add(&ResolveChildDefinitionsPass{}, Optimize, 100)
	pc.Add(&DecoratorServicePass{}, Optimize, 90)
	pc.Add(&ResolveParameterPlaceholdersPass{}, Optimize, 80)
	pc.Add(&CheckDefinitionValidityPass{}, Optimize, 70)
	pc.Add(&ResolveTaggedIteratorArgumentPass{}, Optimize, 60)
	pc.Add(&ResolveReferencesToAliasesPass{}, Optimize, 50)
	pc.Add(&ResolveInvalidReferencesPass{}, Optimize, 40)
	pc.Add(&AnalyzeServiceReferencesPass{}, Optimize, 30)
	pc.Add(&CheckCircularReferencesPass{}, Optimize, 20)

	pc.Add(&RemoveAbstractDefinitionsPass{}, Remove, 100)
	pc.Add(&RemovePrivateAliasesPass{}, Remove, 90)
	pc.Add(&InlineServiceDefinitionsPass{}, Remove, 80)
	pc.Add(&RemoveUnusedDefinitionsPass{}, Remove, 70)
	pc.Add(&DefinitionErrorExceptionPass{}, Remove, 60)

	pc.Add(&UnescapeParametersPass{}, AfterRemoving, -1000)
}

// ── Value walking ─────────────────────────────────────────────────────────────

// transformValue applies f to v, then recurses into the children of the
// value f returned. Collections and inline definitions are rewritten in
// place.
func transformValue(v any, f func(any) (any, error)) (any, error) {
	v, err := f(v)
	if err != nil {
		return nil, err
	}
	switch x := v.(type) {
	case []any:
		for i := range x {
			if x[i], err = transformValue(x[i], f); err != nil {
				return nil, err
			}
		}
	case map[string]any:
		for k, e := range x {
			if x[k], err = transformValue(e, f); err != nil {
				return nil, err
			}
		}
	case *Definition:
		if err := transformDefinition(x, f); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// transformDefinition applies transformValue to every argument and method
// call argument of d.
func transformDefinition(d *Definition, f func(any) (any, error)) error {
	var err error
	for i := range d.Args {
		if d.Args[i], err = transformValue(d.Args[i], f); err != nil {
			return err
		}
	}
	for ci := range d.Calls {
		for ai := range d.Calls[ci].Args {
			if d.Calls[ci].Args[ai], err = transformValue(d.Calls[ci].Args[ai], f); err != nil {
				return err
			}
		}
	}
	return nil
}
