package container

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"reflect"
	"runtime"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ServiceContainerID resolves to the container itself.
const ServiceContainerID = "service_container"

// ── Container ─────────────────────────────────────────────────────────────────

// Container is the frozen result of Builder.Compile. It is safe for
// concurrent use.
//
// Shared services are built at most once, even when many goroutines ask
// for them at the same time: the first caller builds, the others wait.
// Non-shared services are built on every request.
//
//	c, err := b.Compile()
//	mailer, err := container.Resolve[*Mailer](c, "mailer")
type Container struct {
	*state

	// scope is set on the views injected as "service_container" and on
	// service handles. Until the constructor that received the view
	// returns, requests made through it join that constructor's chain, so
	// re-entrant construction is detected instead of deadlocking. Once the
	// constructor returns every request starts a chain of its own.
	scope *scope
}

// scope ties views to one running constructor. closed is guarded by
// state.mu.
type scope struct {
	r      *resolution
	closed bool
}

// state is shared by a container and all of its views.
type state struct {
	defs    map[string]*Definition
	aliases map[string]*Alias
	classes map[string]Class
	params  *ParameterBag
	env     *EnvResolver
	removed map[string]struct{}
	graph   *ServiceReferenceGraph
	logger  *zap.Logger

	mu        sync.Mutex
	instances map[string]any
	pending   map[string]*inflight
}

// inflight tracks a shared service under construction.
type inflight struct {
	done  chan struct{}
	owner *resolution
	// goroutine drives owner. A request from the same goroutine can never
	// see the build finish.
	goroutine uint64
	val       any
	err       error
}

// resolution is one chain of nested constructions started by a single
// top-level request. Only the goroutine driving the chain mutates it, always
// under state.mu.
type resolution struct {
	path []string

	// partial holds shared instances of this chain whose method calls have
	// not finished yet.
	partial map[string]any

	// waiting is the inflight entry this chain is blocked on.
	waiting *inflight
}

func newResolution() *resolution {
	return &resolution{partial: map[string]any{}}
}

// newContainer freezes the compiled builder.
func newContainer(b *Builder) (*Container, error) {
	c := &Container{state: &state{
		defs:      maps.Clone(b.definitions),
		aliases:   maps.Clone(b.aliases),
		classes:   maps.Clone(b.classes),
		params:    b.params,
		env:       NewEnvResolver(b.envLookup, b.params),
		removed:   maps.Clone(b.removedIDs),
		graph:     b.graph,
		logger:    b.logger,
		instances: make(map[string]any),
		pending:   make(map[string]*inflight),
	}}
	if c.graph == nil {
		c.graph = analyzeReferences(b)
	}

	for _, id := range b.order {
		d, ok := c.defs[id]
		if !ok {
			continue
		}
		if err := c.checkClass(id, d, b.strictClasses); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// checkClass verifies that method calls name methods of a registered class.
// With strict set, every non-synthetic definition without a factory must
// name a registered class.
func (c *Container) checkClass(id string, d *Definition, strict bool) error {
	if d.Synthetic {
		return nil
	}
	cls, ok := c.classes[d.Class]
	if !ok {
		if strict && d.Factory == nil {
			return &DefinitionError{ID: id, Reason: fmt.Sprintf("class %q is not registered", d.Class)}
		}
		return nil
	}
	for _, call := range d.Calls {
		if _, ok := cls.Methods[call.Method]; !ok {
			return &DefinitionError{ID: id, Reason: fmt.Sprintf("class %q has no method %q", d.Class, call.Method)}
		}
	}
	return nil
}

// ── Lookup ────────────────────────────────────────────────────────────────────

// Get returns the public service id. For a lazy service it returns the
// service's *ServiceHandle without building anything.
func (c *Container) Get(id string) (any, error) {
	return c.GetContext(context.Background(), id)
}

// GetContext is Get with cancellation. A caller waiting for another
// goroutine to finish building a shared service stops waiting when ctx is
// done; the build itself is not interrupted.
func (c *Container) GetContext(ctx context.Context, id string) (any, error) {
	if err := c.checkPublic(id); err != nil {
		return nil, err
	}
	if d, ok := c.defs[c.canonical(id)]; ok && d.Lazy && !d.Synthetic {
		return &ServiceHandle{c: c, id: id}, nil
	}
	return c.get(ctx, c.resolution(), id, ExceptionOnInvalid)
}

// resolution returns the chain a request made through c belongs to.
func (c *Container) resolution() *resolution {
	if c.scope != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.scope.closed {
			return c.scope.r
		}
	}
	return newResolution()
}

// bound returns a view of c attached to sc.
func (c *Container) bound(sc *scope) *Container {
	return &Container{state: c.state, scope: sc}
}

// Has reports whether id can be fetched with Get.
func (c *Container) Has(id string) bool { return c.checkPublic(id) == nil }

// Initialized reports whether the shared service id has been built or set.
func (c *Container) Initialized(id string) bool {
	id = c.canonical(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.instances[id]
	return ok
}

// Set provides the instance of a synthetic service.
func (c *Container) Set(id string, instance any) error {
	id = c.canonical(id)
	d, ok := c.defs[id]
	if !ok || !d.Synthetic {
		return &FrozenRegistryError{Op: fmt.Sprintf("set non-synthetic service %q", id)}
	}
	c.mu.Lock()
	c.instances[id] = instance
	c.mu.Unlock()
	return nil
}

// ServiceIDs returns the public service and alias ids, sorted.
func (c *Container) ServiceIDs() []string {
	ids := []string{ServiceContainerID}
	for id, d := range c.defs {
		if d.Public {
			ids = append(ids, id)
		}
	}
	for id, a := range c.aliases {
		if a.Public {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// RemovedIDs returns the ids removed or inlined during compilation.
func (c *Container) RemovedIDs() []string { return slices.Sorted(maps.Keys(c.removed)) }

func (c *Container) checkPublic(id string) error {
	if id == ServiceContainerID {
		return nil
	}
	if a, ok := c.aliases[id]; ok {
		if a.Public {
			return nil
		}
		return &ServiceNotPublicError{ID: id}
	}
	if d, ok := c.defs[id]; ok {
		if d.Public {
			return nil
		}
		return &ServiceNotPublicError{ID: id}
	}
	if _, ok := c.removed[id]; ok {
		return &ServiceNotFoundError{ID: id, Removed: true}
	}
	return &ServiceNotFoundError{ID: id, Alternatives: alternatives(id, c.ServiceIDs())}
}

func (c *Container) canonical(id string) string {
	if a, ok := c.aliases[id]; ok {
		return a.Target
	}
	return id
}

// ── Parameters ────────────────────────────────────────────────────────────────

// Parameter returns the resolved value of name with %env()% placeholders
// expanded.
func (c *Container) Parameter(name string) (any, error) {
	v, err := c.params.Get(name)
	if err != nil {
		return nil, err
	}
	return c.env.Expand(v)
}

// HasParameter reports whether name is defined.
func (c *Container) HasParameter(name string) bool { return c.params.Has(name) }

// Parameters returns every parameter with env placeholders expanded.
func (c *Container) Parameters() (map[string]any, error) {
	out := make(map[string]any, len(c.params.params))
	for _, name := range c.params.Names() {
		v, err := c.Parameter(name)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

// Env evaluates an env() expression such as "int:PORT" with the container's
// lookup.
func (c *Container) Env(expr string) (any, error) { return c.env.Env(expr) }

// ── Introspection ─────────────────────────────────────────────────────────────

// ServiceInfo describes one compiled service.
type ServiceInfo struct {
	ID           string   `json:"id" yaml:"id"`
	Class        string   `json:"class,omitempty" yaml:"class,omitempty"`
	Public       bool     `json:"public" yaml:"public"`
	Shared       bool     `json:"shared" yaml:"shared"`
	Lazy         bool     `json:"lazy,omitempty" yaml:"lazy,omitempty"`
	Synthetic    bool     `json:"synthetic,omitempty" yaml:"synthetic,omitempty"`
	Aliases      []string `json:"aliases,omitempty" yaml:"aliases,omitempty"`
	Tags         []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Initialized  bool     `json:"initialized" yaml:"initialized"`
}

// Describe returns a snapshot of the definition behind id. Unlike Get it
// also describes private services.
func (c *Container) Describe(id string) (ServiceInfo, error) {
	id = c.canonical(id)
	d, ok := c.defs[id]
	if !ok {
		_, removed := c.removed[id]
		return ServiceInfo{}, &ServiceNotFoundError{ID: id, Removed: removed, Alternatives: alternatives(id, slices.Collect(maps.Keys(c.defs)))}
	}
	info := ServiceInfo{
		ID:           id,
		Class:        d.Class,
		Public:       d.Public,
		Shared:       d.Shared,
		Lazy:         d.Lazy,
		Synthetic:    d.Synthetic,
		Dependencies: c.graph.Dependencies(id),
		Initialized:  c.Initialized(id),
	}
	for alias, a := range c.aliases {
		if a.Target == id {
			info.Aliases = append(info.Aliases, alias)
		}
	}
	slices.Sort(info.Aliases)
	for _, t := range d.Tags() {
		info.Tags = append(info.Tags, t.Name)
	}
	return info, nil
}

// Services describes every compiled service, sorted by id.
func (c *Container) Services() []ServiceInfo {
	out := make([]ServiceInfo, 0, len(c.defs))
	for _, id := range slices.Sorted(maps.Keys(c.defs)) {
		info, _ := c.Describe(id)
		out = append(out, info)
	}
	return out
}

// Graph returns the final reference graph.
func (c *Container) Graph() *ServiceReferenceGraph { return c.graph }

// Definition returns a copy of the compiled definition of id, public or not.
func (c *Container) Definition(id string) (*Definition, bool) {
	d, ok := c.defs[c.canonical(id)]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// Aliases returns the compiled aliases by id.
func (c *Container) Aliases() map[string]Alias {
	out := make(map[string]Alias, len(c.aliases))
	for id, a := range c.aliases {
		out[id] = *a
	}
	return out
}

// ParameterBag returns a copy of the compiled parameters. Values may still
// hold EnvPlaceholder templates.
func (c *Container) ParameterBag() *ParameterBag { return c.params.Clone() }

// Preload builds the given services concurrently, or every public shared,
// non-lazy service when no id is given. Lazy services named in ids are
// built too.
func (c *Container) Preload(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		for _, id := range slices.Sorted(maps.Keys(c.defs)) {
			d := c.defs[id]
			if d.Public && d.Shared && !d.Lazy && !d.Synthetic {
				ids = append(ids, id)
			}
		}
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			if err := c.checkPublic(id); err != nil {
				return err
			}
			_, err := c.get(ctx, newResolution(), id, ExceptionOnInvalid)
			return err
		})
	}
	return g.Wait()
}

// ── Construction ──────────────────────────────────────────────────────────────

func (c *Container) get(ctx context.Context, r *resolution, id string, invalid InvalidBehavior) (any, error) {
	if id == ServiceContainerID {
		return &Container{state: c.state}, nil
	}
	id = c.canonical(id)
	d, ok := c.defs[id]
	if !ok {
		if invalid != ExceptionOnInvalid {
			return nil, nil
		}
		_, removed := c.removed[id]
		var source string
		if len(r.path) > 0 {
			source = r.path[len(r.path)-1]
		}
		return nil, &ServiceNotFoundError{ID: id, SourceID: source, Removed: removed}
	}

	c.mu.Lock()
	if d.Synthetic {
		v, ok := c.instances[id]
		c.mu.Unlock()
		if !ok {
			if invalid != ExceptionOnInvalid {
				return nil, nil
			}
			return nil, fmt.Errorf("container: synthetic service %q has not been set", id)
		}
		return v, nil
	}
	if v, ok := r.partial[id]; ok {
		c.mu.Unlock()
		return v, nil
	}
	if i := slices.Index(r.path, id); i >= 0 {
		path := append(slices.Clone(r.path[i:]), id)
		c.mu.Unlock()
		return nil, &CircularReferenceError{Path: path, Runtime: true}
	}
	if !d.Shared {
		c.mu.Unlock()
		return c.build(ctx, r, id, d)
	}
	if v, ok := c.instances[id]; ok {
		c.mu.Unlock()
		return v, nil
	}
	if f, ok := c.pending[id]; ok {
		if f.goroutine == goroutineID() {
			var path []string
			if i := slices.Index(f.owner.path, id); i >= 0 {
				path = slices.Clone(f.owner.path[i:])
			}
			path = append(append(path, r.path...), id)
			c.mu.Unlock()
			return nil, &CircularReferenceError{Path: path, Runtime: true}
		}
		if c.blocks(f, r) {
			path := append(slices.Clone(r.path), id)
			if len(r.path) > 0 {
				path = append(path, r.path[0])
			}
			c.mu.Unlock()
			return nil, &CircularReferenceError{Path: path, Runtime: true}
		}
		r.waiting = f
		c.mu.Unlock()
		return c.wait(ctx, r, f)
	}
	f := &inflight{done: make(chan struct{}), owner: r, goroutine: goroutineID()}
	c.pending[id] = f
	c.mu.Unlock()

	v, err := c.build(ctx, r, id, d)

	c.mu.Lock()
	delete(c.pending, id)
	if err == nil {
		c.instances[id] = v
	}
	f.val, f.err = v, err
	c.mu.Unlock()
	close(f.done)
	return v, err
}

// blocks reports whether r waiting on f would never return, because the
// chain building f is itself waiting, directly or not, on r. Caller holds mu.
func (c *Container) blocks(f *inflight, r *resolution) bool {
	for owner := f.owner; owner != nil; {
		if owner == r {
			return true
		}
		if owner.waiting == nil {
			return false
		}
		owner = owner.waiting.owner
	}
	return false
}

// goroutineID returns the id of the calling goroutine as printed in stack
// traces.
func goroutineID() uint64 {
	var buf [64]byte
	b := bytes.TrimPrefix(buf[:runtime.Stack(buf[:], false)], []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}

func (c *Container) wait(ctx context.Context, r *resolution, f *inflight) (any, error) {
	defer func() {
		c.mu.Lock()
		r.waiting = nil
		c.mu.Unlock()
	}()
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Container) build(ctx context.Context, r *resolution, id string, d *Definition) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	r.path = append(r.path, id)
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		r.path = r.path[:len(r.path)-1]
		c.mu.Unlock()
	}()

	start := time.Now()
	v, err := c.construct(ctx, r, id, d, d.Shared)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("service built", zap.String("id", id), zap.Duration("took", time.Since(start)))
	return v, nil
}

// construct runs the constructor, method calls and configurator of d. When
// register is set the instance is visible to the rest of r before its
// method calls run. Views and handles injected into d stay attached to r
// until construct returns.
func (c *Container) construct(ctx context.Context, r *resolution, id string, d *Definition, register bool) (any, error) {
	sc := &scope{r: r}
	defer func() {
		c.mu.Lock()
		sc.closed = true
		c.mu.Unlock()
	}()

	args, err := c.resolveArgs(ctx, sc, d.Args)
	if err != nil {
		return nil, err
	}

	cls, hasClass := c.classes[d.Class]
	ctor := d.Factory
	if ctor == nil {
		if !hasClass || cls.New == nil {
			return nil, fmt.Errorf("container: service %q: class %q is not registered", id, d.Class)
		}
		ctor = cls.New
	}
	instance, err := ctor(args)
	if err != nil {
		return nil, fmt.Errorf("container: building service %q: %w", id, err)
	}
	if register {
		c.mu.Lock()
		r.partial[id] = instance
		c.mu.Unlock()
	}

	for _, call := range d.Calls {
		m, ok := cls.Methods[call.Method]
		if !hasClass || !ok {
			return nil, fmt.Errorf("container: service %q: class %q has no method %q", id, d.Class, call.Method)
		}
		cargs, err := c.resolveArgs(ctx, sc, call.Args)
		if err != nil {
			return nil, err
		}
		if err := m(instance, cargs); err != nil {
			return nil, fmt.Errorf("container: calling %s on service %q: %w", call.Method, id, err)
		}
	}

	if d.Configurator != nil {
		if err := d.Configurator(instance); err != nil {
			return nil, fmt.Errorf("container: configuring service %q: %w", id, err)
		}
	}
	return instance, nil
}

func (c *Container) resolveArgs(ctx context.Context, sc *scope, args []any) ([]any, error) {
	out := make([]any, len(args))
	for i, a := range args {
		v, err := c.resolveArg(ctx, sc, a)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (c *Container) resolveArg(ctx context.Context, sc *scope, v any) (any, error) {
	r := sc.r
	switch x := v.(type) {
	case Reference:
		if x.ID == ServiceContainerID {
			return c.bound(sc), nil
		}
		if d, ok := c.defs[c.canonical(x.ID)]; ok && d.Lazy {
			return &ServiceHandle{c: c.bound(sc), id: x.ID, invalid: x.Invalid}, nil
		}
		return c.get(ctx, r, x.ID, x.Invalid)
	case ServiceClosure:
		return &ServiceHandle{c: c.bound(sc), id: x.Ref.ID, invalid: x.Ref.Invalid}, nil
	case EnvPlaceholder:
		return c.env.Expand(x)
	case []any:
		return c.resolveArgs(ctx, sc, x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			rv, err := c.resolveArg(ctx, sc, e)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case *Definition:
		label := "inline." + x.Class
		if len(r.path) > 0 {
			label = r.path[len(r.path)-1] + " (" + label + ")"
		}
		return c.construct(ctx, r, label, x, false)
	}
	return v, nil
}

// ── ServiceHandle ─────────────────────────────────────────────────────────────

// ServiceHandle defers the construction of a service until Get is called.
// It is injected for ServiceClosure arguments and references to lazy
// services, may target private services, and is what Container.Get returns
// for a lazy service.
//
// Calling Get from the constructor that received the handle joins that
// construction, so asking for a service that is still being built fails
// with a CircularReferenceError. After the constructor returns the handle
// is detached: each Get starts a new chain and waits for builds in
// progress like any other caller. Do not hand the handle to other
// goroutines before that constructor returns.
type ServiceHandle struct {
	c       *Container
	id      string
	invalid InvalidBehavior
}

// ID returns the target service id.
func (h *ServiceHandle) ID() string { return h.id }

// Get builds or returns the target service.
func (h *ServiceHandle) Get() (any, error) { return h.GetContext(context.Background()) }

// GetContext is Get with cancellation.
func (h *ServiceHandle) GetContext(ctx context.Context) (any, error) {
	return h.c.get(ctx, h.c.resolution(), h.id, h.invalid)
}

// ── Generics helpers ──────────────────────────────────────────────────────────

// Resolve fetches id and type-asserts the result. A lazy service is built
// through its handle unless T is *ServiceHandle.
//
//	// Instead of: v, err := c.Get("db"); db := v.(*sql.DB)
//	// Write:      db, err := container.Resolve[*sql.DB](c, "db")
func Resolve[T any](c *Container, id string) (T, error) {
	v, err := c.Get(id)
	if h, ok := v.(*ServiceHandle); ok && err == nil {
		if _, want := v.(T); !want {
			v, err = h.Get()
		}
	}
	if err != nil {
		var zero T
		return zero, err
	}
	return assertService[T](id, v)
}

// MustResolve is like Resolve but panics on error.
func MustResolve[T any](c *Container, id string) T {
	v, err := Resolve[T](c, id)
	if err != nil {
		panic(err)
	}
	return v
}

// ResolveHandle builds the target of h and type-asserts the result.
func ResolveHandle[T any](h *ServiceHandle) (T, error) {
	v, err := h.Get()
	if err != nil {
		var zero T
		return zero, err
	}
	return assertService[T](h.id, v)
}

func assertService[T any](id string, v any) (T, error) {
	typed, ok := v.(T)
	if !ok && v != nil {
		return typed, fmt.Errorf("container: service %q is %T, not %s", id, v, reflect.TypeFor[T]())
	}
	return typed, nil
}
