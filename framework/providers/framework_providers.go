// Package providers holds the service providers every kernel registers.
package providers

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/km-arc/go-symfony/framework/config"
	"github.com/km-arc/go-symfony/framework/container"
	"github.com/km-arc/go-symfony/framework/events"
)

// ── ParametersProvider ────────────────────────────────────────────────────────

// ParametersProvider exposes the kernel configuration to definitions.
//
// Parameters:
//   - kernel.name         → Config.AppName
//   - kernel.environment  → Config.Environment
//   - kernel.debug        → Config.Debug
//   - kernel.secret       → %env(APP_SECRET)%, read at runtime
//
// Services:
//   - "config" → *config.Config (synthetic, set on boot)
//
// Usage inside a services file:
//
//	services:
//	  app.cache:
//	    class: app.Cache
//	    arguments: ['%kernel.environment%', '%kernel.secret%']
type ParametersProvider struct {
	container.BaseProvider
	Config *config.Config
}

func (p *ParametersProvider) Register(b *container.Builder) error {
	if p.Config == nil {
		return errors.New("providers: ParametersProvider needs a config")
	}
	for name, v := range map[string]any{
		"kernel.name":        p.Config.AppName,
		"kernel.environment": p.Config.Environment,
		"kernel.debug":       p.Config.Debug,
		"kernel.secret":      "%env(APP_SECRET)%",
	} {
		if err := b.SetParameter(name, v); err != nil {
			return err
		}
	}
	_, err := b.Register("config", &container.Definition{Synthetic: true, Public: true, Shared: true})
	return err
}

func (p *ParametersProvider) Boot(c *container.Container) error {
	return c.Set("config", p.Config)
}

// ── LoggerProvider ────────────────────────────────────────────────────────────

// LoggerProvider publishes the kernel logger.
//
// Services:
//   - "logger" → *zap.Logger (synthetic, set on boot)
//
// Services built before boot cannot depend on it; inject a
// ServiceClosure to "logger" in that case.
type LoggerProvider struct {
	container.BaseProvider
	Logger *zap.Logger
}

func (p *LoggerProvider) Register(b *container.Builder) error {
	_, err := b.Register("logger", &container.Definition{Synthetic: true, Public: true, Shared: true})
	return err
}

func (p *LoggerProvider) Boot(c *container.Container) error {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return c.Set("logger", logger)
}

// ── EventsProvider ────────────────────────────────────────────────────────────

// EventsProvider registers the event dispatcher and the pass that attaches
// services tagged "kernel.event_listener" and "kernel.event_subscriber".
//
// Services:
//   - "event_dispatcher" → *events.Dispatcher
//
// Listener declaration:
//
//	services:
//	  app.order_mailer:
//	    class: app.OrderMailer
//	    tags:
//	      - { name: kernel.event_listener, event: order.placed, priority: 10 }
type EventsProvider struct {
	container.BaseProvider
}

func (p *EventsProvider) Register(b *container.Builder) error {
	if err := b.RegisterClass(events.Class()); err != nil {
		return err
	}
	_, err := b.Register(events.DispatcherID,
		container.NewDefinition(events.ClassName, container.OptionalRef("logger")).SetPublic(true))
	return err
}

func (p *EventsProvider) Build(b *container.Builder) error {
	if err := b.AddPass(&events.RegisterListenersPass{}, container.BeforeOptimization, 0); err != nil {
		return fmt.Errorf("providers: add listener pass: %w", err)
	}
	return nil
}
