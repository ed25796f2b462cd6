package container_test

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/km-arc/go-symfony/framework/container"
)

// ── fixtures ──────────────────────────────────────────────────────────────────

// Node records what it was built and configured with.
type Node struct {
	Args []any
	Set  []any
}

const nodeClassName = "test.Node"

func nodeClass(built *atomic.Int32) container.Class {
	return container.Class{
		Name: nodeClassName,
		New: func(args []any) (any, error) {
			if built != nil {
				built.Add(1)
			}
			return &Node{Args: args}, nil
		},
		Methods: map[string]container.Method{
			"Set": func(instance any, args []any) error {
				n := instance.(*Node)
				n.Set = append(n.Set, args...)
				return nil
			},
		},
	}
}

func newBuilder(t *testing.T, opts ...container.Option) *container.Builder {
	t.Helper()
	b := container.NewBuilder(opts...)
	require.NoError(t, b.RegisterClass(nodeClass(nil)))
	return b
}

func node(args ...any) *container.Definition {
	return container.NewDefinition(nodeClassName, args...)
}

func publicNode(args ...any) *container.Definition {
	return node(args...).SetPublic(true)
}

func register(t *testing.T, b *container.Builder, id string, d *container.Definition) {
	t.Helper()
	_, err := b.Register(id, d)
	require.NoError(t, err)
}

func compile(t *testing.T, b *container.Builder) *container.Container {
	t.Helper()
	c, err := b.Compile()
	require.NoError(t, err)
	return c
}

func getNode(t *testing.T, c *container.Container, id string) *Node {
	t.Helper()
	n, err := container.Resolve[*Node](c, id)
	require.NoError(t, err)
	return n
}

func mapLookup(env map[string]string) container.EnvLookup {
	return func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}
}
