package container

import (
	"fmt"
	"iter"
	"maps"
	"slices"
	"time"

	"go.uber.org/zap"
)

// ── State machine ─────────────────────────────────────────────────────────────

// State is the lifecycle stage of a Builder.
type State int

const (
	// StateRegistered accepts definitions, aliases, parameters and passes.
	StateRegistered State = iota
	// StatePassesRunning is active while compiler passes transform the graph.
	StatePassesRunning
	// StateCompiled is reached once every pass succeeded.
	StateCompiled
	// StateFrozen is terminal: the graph is immutable.
	StateFrozen
)

func (s State) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StatePassesRunning:
		return "passes-running"
	case StateCompiled:
		return "compiled"
	case StateFrozen:
		return "frozen"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ── Builder ───────────────────────────────────────────────────────────────────

// Builder is the definition registry and compiler front door.
//
// It is not safe for concurrent use: register definitions and passes from a
// single goroutine, then call Compile to obtain the concurrent-safe
// Container.
//
//	b := container.NewBuilder(container.WithLogger(logger))
//	b.SetParameter("mailer.from", "noreply@example.com")
//	b.RegisterClass(mailerClass)
//	b.Register("mailer", container.NewDefinition("app.Mailer", "%mailer.from%").SetPublic(true))
//	c, err := b.Compile()
type Builder struct {
	definitions map[string]*Definition
	order       []string
	aliases     map[string]*Alias
	classes     map[string]Class
	params      *ParameterBag
	required    map[string]string
	passes      *PassConfig
	state       State

	usedTags   map[string]struct{}
	removedIDs map[string]struct{}
	graph      *ServiceReferenceGraph
	log        []string

	logger        *zap.Logger
	envLookup     EnvLookup
	strictClasses bool
}

// Option configures a Builder.
type Option func(*Builder)

// WithLogger sets the logger used for compiler messages.
func WithLogger(l *zap.Logger) Option {
	return func(b *Builder) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithParameters seeds the parameter bag.
func WithParameters(params map[string]any) Option {
	return func(b *Builder) { b.params.Add(params) }
}

// WithEnvLookup sets the source of %env()% values for the compiled container.
func WithEnvLookup(lookup EnvLookup) Option {
	return func(b *Builder) { b.envLookup = lookup }
}

// WithStrictClasses makes Compile fail when a definition names a class that
// was never registered. Without it the error surfaces when the service is
// first built, which lets tools compile files without linking every class.
func WithStrictClasses() Option {
	return func(b *Builder) { b.strictClasses = true }
}

// NewBuilder returns an empty builder with the default compiler passes.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{
		definitions: make(map[string]*Definition),
		aliases:     make(map[string]*Alias),
		classes:     make(map[string]Class),
		params:      NewParameterBag(nil),
		required:    make(map[string]string),
		passes:      NewPassConfig(),
		usedTags:    make(map[string]struct{}),
		removedIDs:  make(map[string]struct{}),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	registerDefaultPasses(b.passes)
	return b
}

// State returns the current lifecycle stage.
func (b *Builder) State() State { return b.state }

// Logger returns the compiler logger.
func (b *Builder) Logger() *zap.Logger { return b.logger }

func (b *Builder) checkMutable(op string) error {
	if b.state >= StateCompiled {
		return &FrozenRegistryError{Op: op}
	}
	return nil
}

// ── Definitions ───────────────────────────────────────────────────────────────

// Register adds def under id.
func (b *Builder) Register(id string, def *Definition) (*Definition, error) {
	if err := b.checkMutable(fmt.Sprintf("register service %q", id)); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, &DefinitionError{ID: id, Reason: "service id must not be empty"}
	}
	if _, ok := b.definitions[id]; ok {
		return nil, &DuplicateIdError{ID: id}
	}
	delete(b.aliases, id)
	b.definitions[id] = def
	b.order = append(b.order, id)
	return def, nil
}

// SetDefinition adds or replaces the definition for id.
func (b *Builder) SetDefinition(id string, def *Definition) error {
	if err := b.checkMutable(fmt.Sprintf("set service %q", id)); err != nil {
		return err
	}
	if _, ok := b.definitions[id]; !ok {
		b.order = append(b.order, id)
	}
	delete(b.aliases, id)
	b.definitions[id] = def
	return nil
}

// Definition returns the definition registered under id, ignoring aliases.
func (b *Builder) Definition(id string) (*Definition, error) {
	if d, ok := b.definitions[id]; ok {
		return d, nil
	}
	return nil, &UnknownServiceError{ID: id, Alternatives: alternatives(id, b.ServiceIDs())}
}

// FindDefinition returns the definition for id, following aliases.
func (b *Builder) FindDefinition(id string) (*Definition, error) {
	seen := map[string]bool{}
	for {
		a, ok := b.aliases[id]
		if !ok {
			break
		}
		if seen[id] {
			return nil, &CircularReferenceError{Path: []string{id, a.Target}}
		}
		seen[id] = true
		id = a.Target
	}
	return b.Definition(id)
}

// Has reports whether id is a definition or an alias.
func (b *Builder) Has(id string) bool { return b.HasDefinition(id) || b.HasAlias(id) }

// HasDefinition reports whether id is a definition.
func (b *Builder) HasDefinition(id string) bool {
	_, ok := b.definitions[id]
	return ok
}

// Remove deletes the definition for id.
func (b *Builder) Remove(id string) error {
	if err := b.checkMutable(fmt.Sprintf("remove service %q", id)); err != nil {
		return err
	}
	if _, ok := b.definitions[id]; !ok {
		return &UnknownServiceError{ID: id, Alternatives: alternatives(id, b.ServiceIDs())}
	}
	b.removeDefinition(id)
	return nil
}

// removeDefinition deletes id and records it as removed. Used by passes.
func (b *Builder) removeDefinition(id string) {
	delete(b.definitions, id)
	b.order = slices.DeleteFunc(b.order, func(s string) bool { return s == id })
	if b.state == StatePassesRunning {
		b.removedIDs[id] = struct{}{}
	}
}

// Definitions iterates definitions in registration order.
func (b *Builder) Definitions() iter.Seq2[string, *Definition] {
	return func(yield func(string, *Definition) bool) {
		for _, id := range slices.Clone(b.order) {
			d, ok := b.definitions[id]
			if !ok {
				continue
			}
			if !yield(id, d) {
				return
			}
		}
	}
}

// ServiceIDs returns definition ids in registration order followed by alias
// ids, sorted.
func (b *Builder) ServiceIDs() []string {
	ids := slices.Clone(b.order)
	return append(ids, slices.Sorted(maps.Keys(b.aliases))...)
}

// RemovedIDs returns the ids removed or inlined during compilation.
func (b *Builder) RemovedIDs() []string { return slices.Sorted(maps.Keys(b.removedIDs)) }

// ── Aliases ───────────────────────────────────────────────────────────────────

// SetAlias makes alias point at target. Aliases are private by default.
func (b *Builder) SetAlias(alias, target string) (*Alias, error) {
	if err := b.checkMutable(fmt.Sprintf("set alias %q", alias)); err != nil {
		return nil, err
	}
	if alias == target {
		return nil, &DefinitionError{ID: alias, Reason: "an alias cannot reference itself"}
	}
	if _, ok := b.definitions[alias]; ok {
		delete(b.definitions, alias)
		b.order = slices.DeleteFunc(b.order, func(s string) bool { return s == alias })
	}
	a := &Alias{Target: target}
	b.aliases[alias] = a
	return a, nil
}

// Alias returns the alias registered under id.
func (b *Builder) Alias(id string) (*Alias, bool) {
	a, ok := b.aliases[id]
	return a, ok
}

// HasAlias reports whether id is an alias.
func (b *Builder) HasAlias(id string) bool {
	_, ok := b.aliases[id]
	return ok
}

// Aliases returns a copy of the alias table.
func (b *Builder) Aliases() map[string]*Alias { return maps.Clone(b.aliases) }

func (b *Builder) removeAlias(id string) {
	delete(b.aliases, id)
	if b.state == StatePassesRunning {
		b.removedIDs[id] = struct{}{}
	}
}

// ── Tags ──────────────────────────────────────────────────────────────────────

// FindTaggedServiceIDs iterates the ids carrying tag, in registration order,
// with the attribute sets of every occurrence. The returned sequence can be
// ranged over more than once; each pass reads the current definitions.
//
//	for id, attrs := range b.FindTaggedServiceIDs("kernel.event_listener") {
//	    for _, a := range attrs {
//	        fmt.Println(id, a["event"])
//	    }
//	}
func (b *Builder) FindTaggedServiceIDs(tag string) iter.Seq2[string, []Attributes] {
	b.usedTags[tag] = struct{}{}
	return func(yield func(string, []Attributes) bool) {
		for id, d := range b.Definitions() {
			if attrs := d.Tag(tag); attrs != nil {
				if !yield(id, attrs) {
					return
				}
			}
		}
	}
}

// FindTags returns every tag name in use, sorted.
func (b *Builder) FindTags() []string {
	set := map[string]struct{}{}
	for _, d := range b.definitions {
		for _, t := range d.Tags() {
			set[t.Name] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(set))
}

// FindUnusedTags returns the tags no pass has queried.
func (b *Builder) FindUnusedTags() []string {
	return slices.DeleteFunc(b.FindTags(), func(t string) bool {
		_, used := b.usedTags[t]
		return used
	})
}

// ── Classes ───────────────────────────────────────────────────────────────────

// RegisterClass makes cls available to definitions by name.
func (b *Builder) RegisterClass(cls Class) error {
	if err := b.checkMutable(fmt.Sprintf("register class %q", cls.Name)); err != nil {
		return err
	}
	if cls.Name == "" {
		return fmt.Errorf("container: class name must not be empty")
	}
	b.classes[cls.Name] = cls
	return nil
}

// Class returns the class registered under name.
func (b *Builder) Class(name string) (Class, bool) {
	c, ok := b.classes[name]
	return c, ok
}

// ── Parameters ────────────────────────────────────────────────────────────────

// Parameters returns the parameter bag.
func (b *Builder) Parameters() *ParameterBag { return b.params }

// SetParameter stores a parameter value.
func (b *Builder) SetParameter(name string, value any) error {
	if err := b.checkMutable(fmt.Sprintf("set parameter %q", name)); err != nil {
		return err
	}
	b.params.Set(name, value)
	return nil
}

// Parameter returns the raw value of name.
func (b *Builder) Parameter(name string) (any, error) { return b.params.Get(name) }

// RequireParameter makes Compile fail unless name is defined. hint is
// appended to the error message.
func (b *Builder) RequireParameter(name, hint string) error {
	if err := b.checkMutable(fmt.Sprintf("require parameter %q", name)); err != nil {
		return err
	}
	b.required[name] = hint
	return nil
}

// ── Passes ────────────────────────────────────────────────────────────────────

// AddPass schedules pass in stage. Higher priorities run first; equal
// priorities run in registration order.
func (b *Builder) AddPass(pass Pass, stage Stage, priority int) error {
	if b.state != StateRegistered {
		return &FrozenRegistryError{Op: "add compiler pass " + passName(pass)}
	}
	b.passes.Add(pass, stage, priority)
	return nil
}

// PassConfig returns the scheduled passes.
func (b *Builder) PassConfig() *PassConfig { return b.passes }

// Log records a compiler message attributed to pass.
func (b *Builder) Log(pass Pass, msg string) {
	name := passName(pass)
	b.log = append(b.log, name+": "+msg)
	b.logger.Debug(msg, zap.String("pass", name))
}

// CompilerLog returns the messages recorded by passes.
func (b *Builder) CompilerLog() []string { return slices.Clone(b.log) }

// ReferenceGraph returns the graph last built by AnalyzeServiceReferencesPass.
func (b *Builder) ReferenceGraph() *ServiceReferenceGraph { return b.graph }

// ── Compilation ───────────────────────────────────────────────────────────────

// Compile runs every compiler pass and returns the frozen container.
//
// Passes run against a copy of the graph: when any pass fails, the builder
// keeps its original definitions, returns to StateRegistered and no
// container is produced. On success the builder is frozen.
func (b *Builder) Compile() (*Container, error) {
	if b.state != StateRegistered {
		return nil, &FrozenRegistryError{Op: "compile"}
	}
	start := time.Now()
	b.state = StatePassesRunning

	work := b.fork()
	c, err := work.compile()
	if err != nil {
		b.state = StateRegistered
		b.logger.Error("container compilation failed", zap.Error(err))
		return nil, err
	}

	b.adopt(work)
	b.state = StateFrozen
	b.logger.Info("container compiled",
		zap.Int("services", len(b.definitions)),
		zap.Int("aliases", len(b.aliases)),
		zap.Int("removed", len(b.removedIDs)),
		zap.Duration("took", time.Since(start)))
	return c, nil
}

func (b *Builder) compile() (*Container, error) {
	for _, name := range slices.Sorted(maps.Keys(b.required)) {
		if b.params.Has(name) {
			continue
		}
		err := &UndefinedParameterError{Name: name, Alternatives: alternatives(name, b.params.Names())}
		if hint := b.required[name]; hint != "" {
			return nil, &CompilationError{Pass: "RequiredParameters", Err: fmt.Errorf("%w %s", err, hint)}
		}
		return nil, &CompilationError{Pass: "RequiredParameters", Err: err}
	}

	for _, p := range b.passes.Passes() {
		started := time.Now()
		if err := p.Process(b); err != nil {
			return nil, &CompilationError{Pass: passName(p), Err: err}
		}
		b.logger.Debug("compiler pass done",
			zap.String("pass", passName(p)),
			zap.Duration("took", time.Since(started)))
	}
	b.state = StateCompiled

	c, err := newContainer(b)
	if err != nil {
		return nil, &CompilationError{Pass: "Freeze", Err: err}
	}
	return c, nil
}

// fork returns a deep copy of the mutable graph sharing classes, passes and
// logger.
func (b *Builder) fork() *Builder {
	w := *b
	w.definitions = make(map[string]*Definition, len(b.definitions))
	for id, d := range b.definitions {
		w.definitions[id] = d.Clone()
	}
	w.order = slices.Clone(b.order)
	w.aliases = make(map[string]*Alias, len(b.aliases))
	for id, a := range b.aliases {
		cp := *a
		w.aliases[id] = &cp
	}
	w.params = b.params.Clone()
	w.usedTags = maps.Clone(b.usedTags)
	w.removedIDs = maps.Clone(b.removedIDs)
	w.log = slices.Clone(b.log)
	return &w
}

func (b *Builder) adopt(w *Builder) {
	b.definitions = w.definitions
	b.order = w.order
	b.aliases = w.aliases
	b.params = w.params
	b.usedTags = w.usedTags
	b.removedIDs = w.removedIDs
	b.graph = w.graph
	b.log = w.log
}
