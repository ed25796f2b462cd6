package container_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/km-arc/go-symfony/framework/container"
)

// ── Registration ──────────────────────────────────────────────────────────────

func TestBuilder_RegisterDuplicate(t *testing.T) {
	b := newBuilder(t)
	register(t, b, "a", node())

	_, err := b.Register("a", node())
	var dup *container.DuplicateIdError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "a", dup.ID)
}

func TestBuilder_RegisterEmptyID(t *testing.T) {
	b := newBuilder(t)
	_, err := b.Register("", node())
	var defErr *container.DefinitionError
	assert.ErrorAs(t, err, &defErr)
}

func TestBuilder_DefinitionsKeepRegistrationOrder(t *testing.T) {
	b := newBuilder(t)
	for _, id := range []string{"zeta", "alpha", "mid"} {
		register(t, b, id, node())
	}

	var ids []string
	for id := range b.Definitions() {
		ids = append(ids, id)
	}
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, ids)
}

func TestBuilder_UnknownDefinitionSuggests(t *testing.T) {
	b := newBuilder(t)
	register(t, b, "mailer", node())

	_, err := b.Definition("mailr")
	var unknown *container.UnknownServiceError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, []string{"mailer"}, unknown.Alternatives)
}

func TestBuilder_FindDefinitionFollowsAliases(t *testing.T) {
	b := newBuilder(t)
	register(t, b, "mailer", node())
	_, err := b.SetAlias("mail", "mailer")
	require.NoError(t, err)
	_, err = b.SetAlias("m", "mail")
	require.NoError(t, err)

	d, err := b.FindDefinition("m")
	require.NoError(t, err)
	assert.Same(t, mustDefinition(t, b, "mailer"), d)
}

func TestBuilder_SelfAliasFails(t *testing.T) {
	b := newBuilder(t)
	_, err := b.SetAlias("a", "a")
	assert.Error(t, err)
}

func mustDefinition(t *testing.T, b *container.Builder, id string) *container.Definition {
	t.Helper()
	d, err := b.Definition(id)
	require.NoError(t, err)
	return d
}

// ── Tags ──────────────────────────────────────────────────────────────────────

func TestBuilder_FindTaggedServiceIDs(t *testing.T) {
	b := newBuilder(t)
	register(t, b, "b", node().AddTag("listener", container.Attributes{"event": "boot"}))
	register(t, b, "untagged", node())
	register(t, b, "a", node().
		AddTag("listener", container.Attributes{"event": "start"}).
		AddTag("listener", container.Attributes{"event": "stop"}))
	register(t, b, "other", node().AddTag("other", nil))

	got := map[string][]string{}
	var order []string
	for id, attrs := range b.FindTaggedServiceIDs("listener") {
		order = append(order, id)
		for _, a := range attrs {
			got[id] = append(got[id], a["event"].(string))
		}
	}
	assert.Equal(t, []string{"b", "a"}, order)
	assert.Equal(t, map[string][]string{"b": {"boot"}, "a": {"start", "stop"}}, got)

	assert.Equal(t, []string{"listener", "other"}, b.FindTags())
	assert.Equal(t, []string{"other"}, b.FindUnusedTags())
}

// ── Passes ────────────────────────────────────────────────────────────────────

func TestBuilder_PassOrdering(t *testing.T) {
	b := newBuilder(t)
	var ran []string
	add := func(name string, stage container.Stage, priority int) {
		require.NoError(t, b.AddPass(container.NamedPass(name, func(*container.Builder) error {
			ran = append(ran, name)
			return nil
		}), stage, priority))
	}
	add("remove", container.Remove, 0)
	add("before-low", container.BeforeOptimization, -5)
	add("before-first", container.BeforeOptimization, 10)
	add("before-fifo-1", container.BeforeOptimization, 0)
	add("before-fifo-2", container.BeforeOptimization, 0)
	add("after", container.AfterRemoving, 0)

	compile(t, b)
	assert.Equal(t, []string{"before-first", "before-fifo-1", "before-fifo-2", "before-low", "remove", "after"}, ran)
}

func TestBuilder_DefaultPassesRunInStages(t *testing.T) {
	b := newBuilder(t)
	optimize := b.PassConfig().Stage(container.Optimize)
	require.NotEmpty(t, optimize)
	assert.IsType(t, &container.ResolveChildDefinitionsPass{}, optimize[0])
	assert.IsType(t, &container.CheckCircularReferencesPass{}, optimize[len(optimize)-1])

	remove := b.PassConfig().Stage(container.Remove)
	assert.IsType(t, &container.RemoveAbstractDefinitionsPass{}, remove[0])
}

// ── Compilation ───────────────────────────────────────────────────────────────

func TestBuilder_CompileFreezes(t *testing.T) {
	b := newBuilder(t)
	register(t, b, "a", publicNode())
	compile(t, b)
	assert.Equal(t, container.StateFrozen, b.State())

	var frozen *container.FrozenRegistryError
	_, err := b.Register("b", node())
	assert.ErrorAs(t, err, &frozen)
	assert.ErrorAs(t, b.Remove("a"), &frozen)
	_, err = b.SetAlias("x", "a")
	assert.ErrorAs(t, err, &frozen)
	assert.ErrorAs(t, b.SetParameter("p", 1), &frozen)
	assert.ErrorAs(t, b.AddPass(container.PassFunc(func(*container.Builder) error { return nil }), container.Optimize, 0), &frozen)

	_, err = b.Compile()
	assert.ErrorAs(t, err, &frozen)
}

func TestBuilder_CompileIsAllOrNothing(t *testing.T) {
	b := newBuilder(t)
	register(t, b, "a", publicNode(container.Ref("missing"), "%param%"))
	register(t, b, "unused", node())
	require.NoError(t, b.SetParameter("param", 1))
	require.NoError(t, b.AddPass(container.NamedPass("mutate", func(b *container.Builder) error {
		return b.SetDefinition("injected", node())
	}), container.BeforeOptimization, 0))

	c, err := b.Compile()
	require.Error(t, err)
	assert.Nil(t, c)

	var compErr *container.CompilationError
	require.ErrorAs(t, err, &compErr)
	assert.Equal(t, "ResolveInvalidReferencesPass", compErr.Pass)
	var notFound *container.ServiceNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.EqualError(t, notFound, `The service "a" has a dependency on a non-existent service "missing".`)

	// The original graph is untouched.
	assert.Equal(t, container.StateRegistered, b.State())
	assert.False(t, b.HasDefinition("injected"))
	assert.True(t, b.HasDefinition("unused"))
	assert.Equal(t, []any{container.Ref("missing"), "%param%"}, mustDefinition(t, b, "a").Args)
	assert.Empty(t, b.RemovedIDs())

	// Fixing the graph and compiling again works.
	register(t, b, "missing", node())
	c = compile(t, b)
	assert.True(t, c.Has("a"))
}

func TestBuilder_RequiredParameter(t *testing.T) {
	b := newBuilder(t)
	require.NoError(t, b.RequireParameter("kernel.secret", "Set APP_SECRET in your .env file."))

	_, err := b.Compile()
	var undef *container.UndefinedParameterError
	require.ErrorAs(t, err, &undef)
	assert.Equal(t, "kernel.secret", undef.Name)
	assert.Contains(t, err.Error(), "Set APP_SECRET")

	require.NoError(t, b.SetParameter("kernel.secret", "x"))
	compile(t, b)
}

func TestBuilder_PassErrorNamesPass(t *testing.T) {
	b := newBuilder(t)
	boom := errors.New("boom")
	require.NoError(t, b.AddPass(container.NamedPass("exploding", func(*container.Builder) error { return boom }), container.Optimize, 500))

	_, err := b.Compile()
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "compiler pass exploding failed")
}

func TestBuilder_CompilerLog(t *testing.T) {
	b := newBuilder(t)
	register(t, b, "a", publicNode())
	register(t, b, "orphan", node())
	compile(t, b)

	assert.True(t, slices.ContainsFunc(b.CompilerLog(), func(l string) bool {
		return l == `RemoveUnusedDefinitionsPass: Removed service "orphan"; reason: unused.`
	}), "log: %v", b.CompilerLog())
	assert.Equal(t, []string{"orphan"}, b.RemovedIDs())
}
