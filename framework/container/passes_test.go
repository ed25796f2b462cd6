package container_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/km-arc/go-symfony/framework/container"
)

// ── Cycles ────────────────────────────────────────────────────────────────────

func TestCompile_CycleNamesEveryID(t *testing.T) {
	b := newBuilder(t)
	register(t, b, "a", publicNode(container.Ref("b")))
	register(t, b, "b", publicNode(container.Ref("c")))
	register(t, b, "c", publicNode(container.Ref("a")))

	_, err := b.Compile()
	var cycle *container.CircularReferenceError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, []string{"a", "b", "c", "a"}, cycle.Path)
	assert.False(t, cycle.Runtime)
	assert.Contains(t, err.Error(), `path: "a -> b -> c -> a"`)
}

func TestCompile_CycleThroughCollection(t *testing.T) {
	b := newBuilder(t)
	register(t, b, "a", publicNode([]any{map[string]any{"dep": container.Ref("b")}}))
	register(t, b, "b", publicNode(container.Ref("a")))

	_, err := b.Compile()
	var cycle *container.CircularReferenceError
	assert.ErrorAs(t, err, &cycle)
}

func TestCompile_CyclesThatCanBeBuilt(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, b *container.Builder)
	}{
		{"service closure", func(t *testing.T, b *container.Builder) {
			register(t, b, "a", publicNode(container.Ref("b")))
			register(t, b, "b", publicNode(container.Lazy("a")))
		}},
		{"lazy target", func(t *testing.T, b *container.Builder) {
			register(t, b, "a", publicNode(container.Ref("b")).SetLazy(true))
			register(t, b, "b", publicNode(container.Ref("a")))
		}},
		{"setter on shared service", func(t *testing.T, b *container.Builder) {
			register(t, b, "a", publicNode(container.Ref("b")))
			register(t, b, "b", publicNode().AddMethodCall("Set", container.Ref("a")))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBuilder(t)
			tt.setup(t, b)
			_, err := b.Compile()
			assert.NoError(t, err)
		})
	}
}

func TestCompile_SetterOnNonSharedServiceIsACycle(t *testing.T) {
	b := newBuilder(t)
	register(t, b, "a", publicNode(container.Ref("b")))
	register(t, b, "b", publicNode().SetShared(false).AddMethodCall("Set", container.Ref("a")))

	_, err := b.Compile()
	var cycle *container.CircularReferenceError
	assert.ErrorAs(t, err, &cycle)
}

// ── Invalid references ────────────────────────────────────────────────────────

func TestCompile_InvalidReferenceBehaviors(t *testing.T) {
	b := newBuilder(t)
	ignore := container.Reference{ID: "missing", Invalid: container.IgnoreOnInvalid}
	register(t, b, "a", publicNode(
		container.OptionalRef("missing"),
		[]any{"x", ignore, "y"},
		map[string]any{"k": ignore, "v": 1},
		ignore,
	).
		AddMethodCall("Set", "kept").
		AddMethodCall("Set", ignore).
		AddMethodCall("Set", []any{ignore}))

	c := compile(t, b)
	a := getNode(t, c, "a")
	assert.Equal(t, []any{nil, []any{"x", "y"}, map[string]any{"v": 1}, nil}, a.Args)
	assert.Equal(t, []any{"kept", []any{}}, a.Set)
}

func TestCompile_MissingReferencesAreAllReported(t *testing.T) {
	b := newBuilder(t)
	register(t, b, "a", publicNode(container.Ref("one")))
	register(t, b, "b", publicNode(container.Ref("two")))

	_, err := b.Compile()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"one"`)
	assert.Contains(t, err.Error(), `"two"`)
}

// ── Parameters ────────────────────────────────────────────────────────────────

func TestCompile_ParametersInArguments(t *testing.T) {
	b := newBuilder(t)
	require.NoError(t, b.SetParameter("a", 42))
	require.NoError(t, b.SetParameter("host", "db"))
	register(t, b, "svc", publicNode("%a%", "x-%a%-y", "100%%", map[string]any{"%host%": "%host%:%a%"}).
		AddMethodCall("Set", "%host%"))

	c := compile(t, b)
	svc := getNode(t, c, "svc")
	assert.Equal(t, []any{42, "x-42-y", "100%", map[string]any{"db": "db:42"}}, svc.Args)
	assert.Equal(t, []any{"db"}, svc.Set)

	v, err := c.Parameter("a")
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestCompile_UndefinedParameterNamesService(t *testing.T) {
	b := newBuilder(t)
	register(t, b, "svc", publicNode("%nope%"))

	_, err := b.Compile()
	var undef *container.UndefinedParameterError
	require.ErrorAs(t, err, &undef)
	assert.Equal(t, "svc", undef.SourceID)
	assert.Contains(t, err.Error(), `The service "svc" has a dependency on a non-existent parameter "nope".`)
}

func TestCompile_ParameterizedClass(t *testing.T) {
	b := newBuilder(t)
	require.NoError(t, b.SetParameter("node.class", "test.Node"))
	register(t, b, "svc", container.NewDefinition("%node.class%").SetPublic(true))

	c := compile(t, b)
	getNode(t, c, "svc")
}

// ── Child definitions ─────────────────────────────────────────────────────────

func TestCompile_ChildDefinitions(t *testing.T) {
	b := newBuilder(t)
	register(t, b, "base", node("parent-0", "parent-1").
		AddMethodCall("Set", "from-parent").
		AddTag("parent.tag", nil).
		SetAbstract(true))
	child := &container.Definition{Parent: "base", Args: []any{"child-0"}, Shared: true, Public: true}
	child.AddMethodCall("Set", "from-child")
	register(t, b, "child", child)

	c := compile(t, b)
	n := getNode(t, c, "child")
	assert.Equal(t, []any{"child-0", "parent-1"}, n.Args)
	assert.Equal(t, []any{"from-parent", "from-child"}, n.Set)

	info, err := c.Describe("child")
	require.NoError(t, err)
	assert.Empty(t, info.Tags)
	assert.Contains(t, c.RemovedIDs(), "base")
}

func TestCompile_MissingParent(t *testing.T) {
	b := newBuilder(t)
	register(t, b, "child", &container.Definition{Parent: "ghost", Public: true})

	_, err := b.Compile()
	var defErr *container.DefinitionError
	require.ErrorAs(t, err, &defErr)
	assert.Equal(t, "child", defErr.ID)
}

// ── Definition validity ───────────────────────────────────────────────────────

func TestCompile_InvalidDefinitions(t *testing.T) {
	b := newBuilder(t)
	register(t, b, "noclass", &container.Definition{Public: true})
	register(t, b, "private-synthetic", &container.Definition{Synthetic: true})
	register(t, b, "bad-tag", publicNode().AddTag("t", container.Attributes{"list": []any{1}}))

	_, err := b.Compile()
	require.Error(t, err)
	for _, want := range []string{`"noclass"`, `"private-synthetic"`, `"bad-tag"`} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestCompile_DeferredErrorsOnlyForSurvivors(t *testing.T) {
	b := newBuilder(t)
	unused := node()
	unused.AddError("never used, never reported")
	register(t, b, "unused", unused)
	register(t, b, "ok", publicNode())
	_, err := b.Compile()
	require.NoError(t, err)

	b = newBuilder(t)
	used := publicNode()
	used.AddError("broken on purpose")
	register(t, b, "used", used)
	_, err = b.Compile()
	assert.ErrorContains(t, err, "broken on purpose")
}

func TestCompile_StrictClasses(t *testing.T) {
	b := newBuilder(t, container.WithStrictClasses())
	register(t, b, "svc", container.NewDefinition("app.Unknown").SetPublic(true))
	_, err := b.Compile()
	assert.ErrorContains(t, err, `class "app.Unknown" is not registered`)

	lenient := newBuilder(t)
	register(t, lenient, "svc", container.NewDefinition("app.Unknown").SetPublic(true))
	c := compile(t, lenient)
	_, err = c.Get("svc")
	assert.ErrorContains(t, err, `class "app.Unknown" is not registered`)
}

func TestCompile_UnknownMethod(t *testing.T) {
	b := newBuilder(t)
	register(t, b, "svc", publicNode().AddMethodCall("Nope"))
	_, err := b.Compile()
	assert.ErrorContains(t, err, `has no method "Nope"`)
}

// ── Decorators ────────────────────────────────────────────────────────────────

func TestCompile_Decorator(t *testing.T) {
	b := newBuilder(t)
	register(t, b, "mailer", publicNode("smtp"))
	register(t, b, "mailer.logging", node(container.Ref("mailer.logging.inner")).
		SetDecoratedService("mailer", "", 0))

	c := compile(t, b)
	outer := getNode(t, c, "mailer")
	require.Len(t, outer.Args, 1)
	inner, ok := outer.Args[0].(*Node)
	require.True(t, ok, "inner = %T", outer.Args[0])
	assert.Equal(t, []any{"smtp"}, inner.Args)
}

func TestCompile_StackedDecoratorsByPriority(t *testing.T) {
	b := newBuilder(t)
	register(t, b, "svc", publicNode("core"))
	register(t, b, "svc.outer", node("outer", container.Ref("svc.outer.inner")).SetDecoratedService("svc", "", 1))
	register(t, b, "svc.inner", node("innerdeco", container.Ref("svc.inner.inner")).SetDecoratedService("svc", "", 5))

	c := compile(t, b)
	outer := getNode(t, c, "svc")
	assert.Equal(t, "outer", outer.Args[0])
	mid := outer.Args[1].(*Node)
	assert.Equal(t, "innerdeco", mid.Args[0])
	core := mid.Args[1].(*Node)
	assert.Equal(t, []any{"core"}, core.Args)
}

func TestCompile_DecoratingMissingService(t *testing.T) {
	b := newBuilder(t)
	register(t, b, "deco", publicNode().SetDecoratedService("ghost", "", 0))
	_, err := b.Compile()
	var notFound *container.ServiceNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "ghost", notFound.ID)

	b = newBuilder(t)
	d := publicNode()
	d.Decorates = &container.Decoration{ID: "ghost", Invalid: container.IgnoreOnInvalid}
	register(t, b, "deco", d)
	c := compile(t, b)
	assert.False(t, c.Has("deco"))
}

// ── Tagged iterators ──────────────────────────────────────────────────────────

func TestCompile_TaggedIterator(t *testing.T) {
	b := newBuilder(t)
	register(t, b, "low", node("low").AddTag("handler", container.Attributes{"priority": -10, "key": "l"}))
	register(t, b, "first", node("first").AddTag("handler", nil))
	register(t, b, "high", node("high").AddTag("handler", container.Attributes{"priority": 10, "key": "h"}))
	register(t, b, "second", node("second").AddTag("handler", container.Attributes{"key": "s"}))
	register(t, b, "abstract", node("abstract").AddTag("handler", nil).SetAbstract(true))
	register(t, b, "chain", publicNode(container.TaggedIterator{Tag: "handler"}))
	register(t, b, "indexed", publicNode(container.TaggedIterator{Tag: "handler", IndexBy: "key"}))

	c := compile(t, b)
	chain := getNode(t, c, "chain")
	var names []any
	for _, h := range chain.Args[0].([]any) {
		names = append(names, h.(*Node).Args[0])
	}
	assert.Equal(t, []any{"high", "first", "second", "low"}, names)

	indexed := getNode(t, c, "indexed").Args[0].(map[string]any)
	keys := map[string]any{}
	for k, v := range indexed {
		keys[k] = v.(*Node).Args[0]
	}
	assert.Equal(t, map[string]any{"h": "high", "first": "first", "s": "second", "l": "low"}, keys)

	// Tagged services are shared between both consumers.
	assert.Same(t, chain.Args[0].([]any)[0], indexed["h"])
}

// ── Aliases ───────────────────────────────────────────────────────────────────

func TestCompile_Aliases(t *testing.T) {
	b := newBuilder(t)
	register(t, b, "real", node("real"))
	register(t, b, "consumer", publicNode(container.Ref("short")))
	_, err := b.SetAlias("short", "middle")
	require.NoError(t, err)
	_, err = b.SetAlias("middle", "real")
	require.NoError(t, err)
	pub, err := b.SetAlias("public.real", "short")
	require.NoError(t, err)
	pub.Public = true

	c := compile(t, b)
	consumer := getNode(t, c, "consumer")
	real := getNode(t, c, "public.real")
	assert.Same(t, real, consumer.Args[0])
	assert.False(t, c.Has("short"), "private aliases are removed")
	assert.Contains(t, c.RemovedIDs(), "short")
}

func TestCompile_AliasCycle(t *testing.T) {
	b := newBuilder(t)
	_, _ = b.SetAlias("a", "b")
	_, _ = b.SetAlias("b", "a")

	_, err := b.Compile()
	var cycle *container.CircularReferenceError
	assert.ErrorAs(t, err, &cycle)
}

// ── Inlining and removal ──────────────────────────────────────────────────────

func TestCompile_InlinesSingleUseSharedService(t *testing.T) {
	b := newBuilder(t)
	register(t, b, "dep", node("dep"))
	register(t, b, "a", publicNode(container.Ref("dep")))

	c := compile(t, b)
	a := getNode(t, c, "a")
	assert.Equal(t, []any{"dep"}, a.Args[0].(*Node).Args)
	assert.Contains(t, c.RemovedIDs(), "dep")
	assert.Contains(t, b.CompilerLog(), `InlineServiceDefinitionsPass: Inlined service "dep" to "a".`)

	_, err := c.Get("dep")
	var notFound *container.ServiceNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.True(t, notFound.Removed)
	assert.False(t, c.Has("dep"))
}

func TestCompile_InlinesNonSharedServiceEverywhere(t *testing.T) {
	b := newBuilder(t)
	register(t, b, "proto", node("proto").SetShared(false))
	register(t, b, "a", publicNode(container.Ref("proto")))
	register(t, b, "b", publicNode(container.Ref("proto")))

	c := compile(t, b)
	a, bb := getNode(t, c, "a"), getNode(t, c, "b")
	assert.NotSame(t, a.Args[0], bb.Args[0])
	assert.Contains(t, c.RemovedIDs(), "proto")
}

func TestCompile_KeepsSharedServiceUsedTwice(t *testing.T) {
	b := newBuilder(t)
	register(t, b, "dep", node("dep"))
	register(t, b, "a", publicNode(container.Ref("dep")))
	register(t, b, "b", publicNode(container.Ref("dep")))

	c := compile(t, b)
	assert.Same(t, getNode(t, c, "a").Args[0], getNode(t, c, "b").Args[0])
	assert.NotContains(t, c.RemovedIDs(), "dep")

	_, err := c.Get("dep")
	var private *container.ServiceNotPublicError
	assert.ErrorAs(t, err, &private)
}

func TestCompile_RemovesUnreachableChains(t *testing.T) {
	b := newBuilder(t)
	register(t, b, "keep", publicNode(container.Lazy("lazy.dep")))
	register(t, b, "lazy.dep", node())
	register(t, b, "orphan", node(container.Ref("orphan.dep")))
	register(t, b, "orphan.dep", node())
	register(t, b, "synthetic", &container.Definition{Synthetic: true, Public: true})

	c := compile(t, b)
	assert.ElementsMatch(t, []string{"orphan", "orphan.dep"}, c.RemovedIDs())
	info, err := c.Describe("lazy.dep")
	require.NoError(t, err)
	assert.False(t, info.Public)
}
