// Package container provides a compiled dependency injection container with
// service providers.
//
// # Overview
//
// Services are declared as Definitions on a Builder: a class name or
// factory, constructor arguments, method calls and tags. Compile runs a
// pipeline of compiler passes over the definition graph and freezes it
// into a Container, which builds services on demand and is safe for
// concurrent use.
//
// Go has no runtime constructor reflection, so classes are explicit
// constructor tables registered with Builder.RegisterClass. Definitions
// refer to them by name, which lets YAML files describe services.
//
// # Container Lifecycle
//
//  1. Create: b := container.NewBuilder()
//  2. Register classes, definitions and providers
//  3. Compile: c, err := b.Compile()   passes run, the graph is frozen
//  4. Fetch services: c.Get("mailer")
//
// A failed Compile leaves the builder as it was, so the caller can fix the
// definitions and try again.
//
// # Definitions
//
//	b.RegisterClass(container.Class{
//	    Name: "app.Mailer",
//	    New:  func(args []any) (any, error) { return NewMailer(args[0].(Transport), args[1].(string)), nil },
//	})
//
//	// Shared (one instance), private unless SetPublic(true)
//	b.Register("mailer", container.NewDefinition("app.Mailer",
//	    container.Ref("mailer.transport"),
//	    "%mailer.from%",
//	).SetPublic(true))
//
//	// New instance on every request
//	b.Register("request_id", container.NewFactoryDefinition(newRequestID).SetShared(false))
//
//	// Alias
//	a, _ := b.SetAlias("mail", "mailer")
//	a.Public = true
//
// # Arguments
//
//	container.Ref("id")                      the service, compile error when missing
//	container.OptionalRef("id")              nil when missing
//	container.Lazy("id")                     *ServiceHandle, built on first Get
//	container.TaggedIterator{Tag: "t"}       []any of every service tagged t
//	"%name%"                                 the parameter, type preserved
//	"host:%port%"                            the parameter interpolated
//	"%env(int:PORT)%"                        read from the environment at build time
//	"100%%"                                  a literal "100%"
//
// # Parameters
//
//	b.SetParameter("port", 8080)
//	b.SetParameter("addr", "localhost:%port%")
//
// Parameters are resolved during compilation. Circular and undefined
// parameters are compile errors naming the offending chain.
//
// # Compiler Passes
//
//	b.AddPass(container.NamedPass("listeners", func(b *container.Builder) error {
//	    for id, attrs := range b.FindTaggedServiceIDs("kernel.event_listener") {
//	        ...
//	    }
//	    return nil
//	}), container.BeforeOptimization, 0)
//
// The built-in passes merge child definitions, apply decorators, resolve
// parameters, aliases and tagged iterators, reject invalid references and
// dependency cycles, then inline and remove private services nobody uses.
//
// # Service Providers
//
//	type AppServiceProvider struct{ container.BaseProvider }
//
//	func (p *AppServiceProvider) Register(b *container.Builder) error {
//	    _, err := b.Register("mailer", container.NewDefinition("app.Mailer").SetPublic(true))
//	    return err
//	}
//
//	registry := container.NewProviderRegistry(b)
//	registry.Register(&AppServiceProvider{})
//	c, err := registry.Boot()
package container
