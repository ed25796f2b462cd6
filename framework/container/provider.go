package container

import (
	"fmt"
)

// ── ServiceProvider interface ─────────────────────────────────────────────────

// ServiceProvider groups the definitions of one feature.
//
// Register adds definitions, aliases and parameters. Build runs once every
// provider is registered and is the place to add compiler passes that
// inspect what other providers registered. Boot runs after compilation and
// may fetch services.
//
//	type MailerProvider struct{ container.BaseProvider }
//
//	func (p *MailerProvider) Register(b *container.Builder) error {
//	    _, err := b.Register("mailer", container.NewDefinition("app.Mailer", "%mailer.dsn%").SetPublic(true))
//	    return err
//	}
//
//	func (p *MailerProvider) Boot(c *container.Container) error {
//	    _, err := c.Get("mailer")
//	    return err
//	}
type ServiceProvider interface {
	// Register adds definitions to the builder. Do not fetch services here.
	Register(b *Builder) error

	// Build is called after every provider is registered, before Compile.
	Build(b *Builder) error

	// Boot is called with the compiled container.
	Boot(c *Container) error
}

// ── BaseProvider ──────────────────────────────────────────────────────────────

// BaseProvider is an embeddable struct with no-op Build and Boot.
// Embed it in your provider and only override what you need.
//
//	type MyProvider struct{ container.BaseProvider }
//	func (p *MyProvider) Register(b *container.Builder) error { ... }
type BaseProvider struct{}

func (p *BaseProvider) Build(_ *Builder) error  { return nil }
func (p *BaseProvider) Boot(_ *Container) error { return nil }

// ── ProviderRegistry ──────────────────────────────────────────────────────────

// ProviderRegistry drives providers through registration, compilation and
// boot.
type ProviderRegistry struct {
	builder    *Builder
	providers  []ServiceProvider
	registered map[ServiceProvider]bool
	built      map[ServiceProvider]bool
	container  *Container
	booted     bool
}

// NewProviderRegistry creates a registry bound to b.
func NewProviderRegistry(b *Builder) *ProviderRegistry {
	return &ProviderRegistry{
		builder:    b,
		registered: make(map[ServiceProvider]bool),
		built:      make(map[ServiceProvider]bool),
	}
}

// Register adds a provider and calls its Register method. Registering the
// same provider twice is a no-op.
func (r *ProviderRegistry) Register(provider ServiceProvider) error {
	if r.registered[provider] {
		return nil
	}
	if r.builder.State() != StateRegistered {
		return &FrozenRegistryError{Op: fmt.Sprintf("register provider %s", providerName(provider))}
	}
	if err := provider.Register(r.builder); err != nil {
		return fmt.Errorf("container: register provider %s: %w", providerName(provider), err)
	}
	r.registered[provider] = true
	r.providers = append(r.providers, provider)
	return nil
}

// RegisterAll registers providers in order and stops at the first error.
func (r *ProviderRegistry) RegisterAll(providers ...ServiceProvider) error {
	for _, p := range providers {
		if err := r.Register(p); err != nil {
			return err
		}
	}
	return nil
}

// Compile calls Build on every provider, then compiles the builder. After a
// failed compile, Build only runs for providers registered since.
func (r *ProviderRegistry) Compile() (*Container, error) {
	if r.container != nil {
		return r.container, nil
	}
	for _, p := range r.providers {
		if r.built[p] {
			continue
		}
		if err := p.Build(r.builder); err != nil {
			return nil, fmt.Errorf("container: build provider %s: %w", providerName(p), err)
		}
		r.built[p] = true
	}
	c, err := r.builder.Compile()
	if err != nil {
		return nil, err
	}
	r.container = c
	return c, nil
}

// Boot compiles if needed, then calls Boot on every provider in
// registration order.
func (r *ProviderRegistry) Boot() (*Container, error) {
	c, err := r.Compile()
	if err != nil {
		return nil, err
	}
	if r.booted {
		return c, nil
	}
	for _, p := range r.providers {
		if err := p.Boot(c); err != nil {
			return nil, fmt.Errorf("container: boot provider %s: %w", providerName(p), err)
		}
	}
	r.booted = true
	return c, nil
}

// Booted returns true if Boot has completed.
func (r *ProviderRegistry) Booted() bool { return r.booted }

// Providers returns the registered providers.
func (r *ProviderRegistry) Providers() []ServiceProvider { return r.providers }

func providerName(p ServiceProvider) string { return fmt.Sprintf("%T", p) }
