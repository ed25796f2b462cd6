package container

import (
	"maps"
	"slices"
)

// ── Classes ───────────────────────────────────────────────────────────────────

// Constructor builds an instance from fully resolved arguments.
type Constructor func(args []any) (any, error)

// Method applies a named call on an already constructed instance.
type Method func(instance any, args []any) error

// Class is a named constructor table. Definitions refer to it by Name so that
// declarative front-ends (YAML files) can describe services without the
// container needing runtime type introspection.
//
//	b.RegisterClass(container.Class{
//	    Name: "app.Mailer",
//	    New: func(args []any) (any, error) {
//	        return &Mailer{Transport: args[0].(Transport)}, nil
//	    },
//	    Methods: map[string]container.Method{
//	        "SetLogger": func(m any, args []any) error {
//	            m.(*Mailer).Logger = args[0].(*zap.Logger)
//	            return nil
//	        },
//	    },
//	})
type Class struct {
	Name    string
	New     Constructor
	Methods map[string]Method
}

// ── Definition ────────────────────────────────────────────────────────────────

// Attributes holds the attributes of one tag occurrence.
type Attributes map[string]any

// Tag is one named tag with every attribute set it was declared with, in
// declaration order. A definition may carry the same tag more than once.
type Tag struct {
	Name       string
	Attributes []Attributes
}

// MethodCall is invoked on the instance after construction, in order.
type MethodCall struct {
	Method string
	Args   []any
}

// Decoration makes a definition replace another service while receiving the
// original as "<id>.inner".
type Decoration struct {
	ID        string
	InnerName string
	Priority  int
	Invalid   InvalidBehavior
}

// Definition is the declarative blueprint for one service.
//
// Args and Calls may contain literals, parameter placeholders ("%name%"),
// Reference, ServiceClosure, TaggedIterator, nested []any / map[string]any
// collections and inline *Definition values.
type Definition struct {
	Class string

	// Factory, when set, replaces the class constructor.
	Factory Constructor

	Args  []any
	Calls []MethodCall

	// Configurator runs last, after method calls.
	Configurator func(instance any) error

	Public    bool
	Shared    bool
	Lazy      bool
	Synthetic bool
	Abstract  bool

	// Parent names an abstract definition this one extends.
	Parent string

	Decorates *Decoration

	// Errors are deferred problems found by loaders or passes. They surface
	// as a compile failure if the definition survives pruning.
	Errors []string

	tags []Tag
}

// NewDefinition returns a shared, private definition for class.
//
//	c.Register("mailer", container.NewDefinition("app.Mailer",
//	    container.Ref("mailer.transport"),
//	    "%mailer.from%",
//	).SetPublic(true))
func NewDefinition(class string, args ...any) *Definition {
	return &Definition{Class: class, Args: args, Shared: true}
}

// NewFactoryDefinition returns a shared, private definition built by f.
func NewFactoryDefinition(f Constructor, args ...any) *Definition {
	return &Definition{Factory: f, Args: args, Shared: true}
}

// ── Fluent setters ────────────────────────────────────────────────────────────

func (d *Definition) SetPublic(public bool) *Definition       { d.Public = public; return d }
func (d *Definition) SetShared(shared bool) *Definition       { d.Shared = shared; return d }
func (d *Definition) SetLazy(lazy bool) *Definition           { d.Lazy = lazy; return d }
func (d *Definition) SetSynthetic(synthetic bool) *Definition { d.Synthetic = synthetic; return d }
func (d *Definition) SetAbstract(abstract bool) *Definition   { d.Abstract = abstract; return d }

// AddArgument appends a constructor argument.
func (d *Definition) AddArgument(arg any) *Definition {
	d.Args = append(d.Args, arg)
	return d
}

// ReplaceArgument overwrites the argument at index. It reports false when the
// index is out of range.
func (d *Definition) ReplaceArgument(index int, arg any) bool {
	if index < 0 || index >= len(d.Args) {
		return false
	}
	d.Args[index] = arg
	return true
}

// AddMethodCall appends a method call.
func (d *Definition) AddMethodCall(method string, args ...any) *Definition {
	d.Calls = append(d.Calls, MethodCall{Method: method, Args: args})
	return d
}

// HasMethodCall reports whether a call to method is configured.
func (d *Definition) HasMethodCall(method string) bool {
	return slices.ContainsFunc(d.Calls, func(c MethodCall) bool { return c.Method == method })
}

// SetDecoratedService makes d decorate id. An empty inner name defaults to
// "<decorator id>.inner".
func (d *Definition) SetDecoratedService(id, innerName string, priority int) *Definition {
	d.Decorates = &Decoration{ID: id, InnerName: innerName, Priority: priority}
	return d
}

// ── Tags ──────────────────────────────────────────────────────────────────────

// AddTag attaches a tag occurrence. Calling it twice with the same name keeps
// both attribute sets.
func (d *Definition) AddTag(name string, attrs Attributes) *Definition {
	if attrs == nil {
		attrs = Attributes{}
	}
	for i := range d.tags {
		if d.tags[i].Name == name {
			d.tags[i].Attributes = append(d.tags[i].Attributes, attrs)
			return d
		}
	}
	d.tags = append(d.tags, Tag{Name: name, Attributes: []Attributes{attrs}})
	return d
}

// Tag returns the attribute sets for name, or nil.
func (d *Definition) Tag(name string) []Attributes {
	for _, t := range d.tags {
		if t.Name == name {
			return t.Attributes
		}
	}
	return nil
}

// HasTag reports whether d carries name.
func (d *Definition) HasTag(name string) bool { return d.Tag(name) != nil }

// Tags returns every tag in declaration order.
func (d *Definition) Tags() []Tag { return d.tags }

// ClearTag removes every occurrence of name.
func (d *Definition) ClearTag(name string) *Definition {
	d.tags = slices.DeleteFunc(d.tags, func(t Tag) bool { return t.Name == name })
	return d
}

// AddError records a deferred definition error.
func (d *Definition) AddError(msg string) { d.Errors = append(d.Errors, msg) }

// ── Cloning ───────────────────────────────────────────────────────────────────

// Clone returns a deep copy of d. Literal values that are not collections are
// shared.
func (d *Definition) Clone() *Definition {
	if d == nil {
		return nil
	}
	cp := *d
	cp.Args = cloneSlice(d.Args)
	cp.Calls = make([]MethodCall, len(d.Calls))
	for i, c := range d.Calls {
		cp.Calls[i] = MethodCall{Method: c.Method, Args: cloneSlice(c.Args)}
	}
	if d.Decorates != nil {
		deco := *d.Decorates
		cp.Decorates = &deco
	}
	cp.Errors = slices.Clone(d.Errors)
	cp.tags = make([]Tag, len(d.tags))
	for i, t := range d.tags {
		attrs := make([]Attributes, len(t.Attributes))
		for j, a := range t.Attributes {
			attrs[j] = maps.Clone(a)
		}
		cp.tags[i] = Tag{Name: t.Name, Attributes: attrs}
	}
	return &cp
}

func cloneSlice(in []any) []any {
	if in == nil {
		return nil
	}
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case []any:
		return cloneSlice(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = cloneValue(e)
		}
		return out
	case *Definition:
		return v.Clone()
	default:
		return v
	}
}
