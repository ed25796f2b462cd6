package container_test

import (
	"errors"
	"testing"

	"github.com/km-arc/go-symfony/framework/container"
)

// ── stub providers ────────────────────────────────────────────────────────────

type eagerProvider struct {
	container.BaseProvider
	registerCalled int
	bootCalled     bool
}

func (p *eagerProvider) Register(b *container.Builder) error {
	p.registerCalled++
	_, err := b.Register("eager-svc", container.NewFactoryDefinition(func([]any) (any, error) {
		return "eager", nil
	}).SetPublic(true))
	return err
}

func (p *eagerProvider) Boot(c *container.Container) error {
	p.bootCalled = true
	return nil
}

// passProvider adds a compiler pass that tags what the eager provider
// registered.
type passProvider struct {
	container.BaseProvider
	seen []string
}

func (p *passProvider) Register(*container.Builder) error { return nil }

func (p *passProvider) Build(b *container.Builder) error {
	return b.AddPass(container.NamedPass("collect", func(b *container.Builder) error {
		for id := range b.Definitions() {
			p.seen = append(p.seen, id)
		}
		return nil
	}), container.BeforeOptimization, 0)
}

type failingProvider struct {
	container.BaseProvider
}

var errBoom = errors.New("boom")

func (p *failingProvider) Register(*container.Builder) error { return errBoom }

// ── ProviderRegistry ──────────────────────────────────────────────────────────

func TestRegistry_RegisterCalledImmediately(t *testing.T) {
	reg := container.NewProviderRegistry(container.NewBuilder())

	p := &eagerProvider{}
	if err := reg.Register(p); err != nil {
		t.Fatal(err)
	}
	if p.registerCalled != 1 {
		t.Errorf("Register() calls = %d, want 1", p.registerCalled)
	}
}

func TestRegistry_BootCalledAfterCompile(t *testing.T) {
	reg := container.NewProviderRegistry(container.NewBuilder())

	p := &eagerProvider{}
	reg.Register(p)
	if p.bootCalled {
		t.Error("Boot() should NOT be called before registry.Boot()")
	}

	c, err := reg.Boot()
	if err != nil {
		t.Fatal(err)
	}
	if !p.bootCalled {
		t.Error("Boot() should be called by registry.Boot()")
	}
	if !reg.Booted() {
		t.Error("Booted() should be true")
	}
	v, err := c.Get("eager-svc")
	if err != nil || v != "eager" {
		t.Errorf("Get(eager-svc) = %v, %v", v, err)
	}
}

func TestRegistry_DeduplicatesProviders(t *testing.T) {
	reg := container.NewProviderRegistry(container.NewBuilder())

	p := &eagerProvider{}
	if err := reg.RegisterAll(p, p); err != nil {
		t.Fatal(err)
	}
	if p.registerCalled != 1 {
		t.Errorf("Register() calls = %d, want 1", p.registerCalled)
	}
	if len(reg.Providers()) != 1 {
		t.Errorf("Providers() = %d, want 1", len(reg.Providers()))
	}
}

func TestRegistry_BuildRunsAfterAllRegistrations(t *testing.T) {
	reg := container.NewProviderRegistry(container.NewBuilder())

	pp := &passProvider{}
	reg.Register(pp)
	reg.Register(&eagerProvider{})

	if _, err := reg.Compile(); err != nil {
		t.Fatal(err)
	}
	if len(pp.seen) != 1 || pp.seen[0] != "eager-svc" {
		t.Errorf("pass saw %v, want [eager-svc]", pp.seen)
	}
}

func TestRegistry_RegisterErrorIsWrapped(t *testing.T) {
	reg := container.NewProviderRegistry(container.NewBuilder())

	err := reg.Register(&failingProvider{})
	if !errors.Is(err, errBoom) {
		t.Errorf("Register() error = %v, want wrapping %v", err, errBoom)
	}
	if len(reg.Providers()) != 0 {
		t.Error("a failing provider should not be kept")
	}
}

func TestRegistry_RegisterAfterCompileFails(t *testing.T) {
	reg := container.NewProviderRegistry(container.NewBuilder())
	if _, err := reg.Compile(); err != nil {
		t.Fatal(err)
	}

	var frozen *container.FrozenRegistryError
	if err := reg.Register(&eagerProvider{}); !errors.As(err, &frozen) {
		t.Errorf("Register() after compile error = %v, want FrozenRegistryError", err)
	}
}

func TestRegistry_BootTwiceIsNoop(t *testing.T) {
	reg := container.NewProviderRegistry(container.NewBuilder())
	p := &eagerProvider{}
	reg.Register(p)

	c1, _ := reg.Boot()
	p.bootCalled = false
	c2, _ := reg.Boot()
	if p.bootCalled {
		t.Error("second Boot() should not boot providers again")
	}
	if c1 != c2 {
		t.Error("Boot() should return the same container")
	}
}
