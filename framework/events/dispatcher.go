// Package events provides the event dispatcher service and the compiler
// pass that wires tagged listeners into it.
//
// Listeners registered through the container are referenced lazily: a
// listener service is only built the first time one of its events is
// dispatched.
package events

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"
	"unicode"

	"go.uber.org/zap"

	"github.com/km-arc/go-symfony/framework/container"
)

// Listener reacts to one dispatched event.
type Listener func(ctx context.Context, event any) error

// Handler is the fallback a listener service may implement when it has no
// method named after the event.
type Handler interface {
	Handle(ctx context.Context, event any) error
}

// Stoppable events can halt propagation to lower priority listeners.
type Stoppable interface {
	PropagationStopped() bool
}

// Propagation is an embeddable Stoppable.
//
//	type OrderPlaced struct {
//	    events.Propagation
//	    OrderID string
//	}
type Propagation struct{ stopped bool }

// StopPropagation prevents the remaining listeners from running.
func (p *Propagation) StopPropagation() { p.stopped = true }

// PropagationStopped reports whether StopPropagation was called.
func (p *Propagation) PropagationStopped() bool { return p.stopped }

// Subscription is one event a Subscriber listens to.
type Subscription struct {
	Event    string
	Method   string
	Priority int
}

// Subscriber declares its own subscriptions.
type Subscriber interface {
	SubscribedEvents() []Subscription
}

// ── Dispatcher ────────────────────────────────────────────────────────────────

type entry struct {
	priority int

	mu       sync.Mutex
	listener Listener

	// set for listeners that are still container services
	handle *container.ServiceHandle
	event  string
	method string
}

// Dispatcher calls the listeners of an event from the highest priority to
// the lowest. Listeners with equal priority run in registration order.
// It is safe for concurrent use.
type Dispatcher struct {
	mu        sync.RWMutex
	listeners map[string][]*entry
	logger    *zap.Logger
}

// NewDispatcher returns an empty dispatcher. A nil logger is replaced with
// a no-op one.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{listeners: map[string][]*entry{}, logger: logger}
}

// AddListener registers l for event.
func (d *Dispatcher) AddListener(event string, l Listener, priority int) {
	d.add(event, &entry{priority: priority, listener: l})
}

// AddServiceListener registers the method of a lazily built service. An
// empty method defaults to "On" followed by the camel-cased event name, and
// falls back to Handle when the service has no such method.
//
//	// "order.placed" calls OrderMailer.OnOrderPlaced
//	d.AddServiceListener("order.placed", handle, "", 0)
func (d *Dispatcher) AddServiceListener(event string, h *container.ServiceHandle, method string, priority int) {
	d.add(event, &entry{priority: priority, handle: h, event: event, method: method})
}

// AddSubscriber registers every subscription of s.
func (d *Dispatcher) AddSubscriber(s Subscriber) error {
	for _, sub := range s.SubscribedEvents() {
		l, err := bind(s, sub.Event, sub.Method)
		if err != nil {
			return err
		}
		d.AddListener(sub.Event, l, sub.Priority)
	}
	return nil
}

func (d *Dispatcher) add(event string, e *entry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.listeners[event]
	i := slices.IndexFunc(list, func(o *entry) bool { return o.priority < e.priority })
	if i < 0 {
		i = len(list)
	}
	d.listeners[event] = slices.Insert(list, i, e)
}

// HasListeners reports whether event has at least one listener.
func (d *Dispatcher) HasListeners(event string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners[event]) > 0
}

// Events returns the names of events with listeners, sorted.
func (d *Dispatcher) Events() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.listeners))
	for name := range d.listeners {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Listeners returns the listeners of event in call order, building the
// services behind them if needed.
func (d *Dispatcher) Listeners(ctx context.Context, event string) ([]Listener, error) {
	d.mu.RLock()
	entries := slices.Clone(d.listeners[event])
	d.mu.RUnlock()

	out := make([]Listener, 0, len(entries))
	for _, e := range entries {
		l, err := e.resolve(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

// Dispatch calls the listeners of event with payload and stops at the first
// error or once a Stoppable payload stops propagation.
func (d *Dispatcher) Dispatch(ctx context.Context, event string, payload any) error {
	listeners, err := d.Listeners(ctx, event)
	if err != nil {
		return err
	}
	d.logger.Debug("dispatching event", zap.String("event", event), zap.Int("listeners", len(listeners)))

	stoppable, _ := payload.(Stoppable)
	for i, l := range listeners {
		if stoppable != nil && stoppable.PropagationStopped() {
			d.logger.Debug("propagation stopped", zap.String("event", event), zap.Int("skipped", len(listeners)-i))
			return nil
		}
		if err := l(ctx, payload); err != nil {
			return fmt.Errorf("events: listener %d of %q: %w", i, event, err)
		}
	}
	return nil
}

// resolve builds the listener service on first use. mu is not held across
// the build: the container builds the service once and reports a listener
// whose constructor dispatches its own event as a circular reference.
func (e *entry) resolve(ctx context.Context) (Listener, error) {
	e.mu.Lock()
	l := e.listener
	e.mu.Unlock()
	if l != nil {
		return l, nil
	}

	svc, err := e.handle.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("events: listener %q for %q: %w", e.handle.ID(), e.event, err)
	}
	l, err = bind(svc, e.event, e.method)
	if err != nil {
		return nil, fmt.Errorf("events: listener %q: %w", e.handle.ID(), err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		e.listener = l
	}
	return e.listener, nil
}

// ── Method binding ────────────────────────────────────────────────────────────

// bind turns a listener service into a Listener.
func bind(svc any, event, method string) (Listener, error) {
	switch l := svc.(type) {
	case Listener:
		return l, nil
	case func(context.Context, any) error:
		return l, nil
	}

	explicit := method != ""
	if !explicit {
		method = MethodName(event)
	}
	if m := reflect.ValueOf(svc).MethodByName(method); m.IsValid() {
		fn, ok := m.Interface().(func(context.Context, any) error)
		if !ok {
			return nil, fmt.Errorf("method %s of %T is %s, want func(context.Context, any) error", method, svc, m.Type())
		}
		return fn, nil
	}
	if h, ok := svc.(Handler); ok && !explicit {
		return h.Handle, nil
	}
	return nil, fmt.Errorf("%T has no method %s", svc, method)
}

// MethodName returns the default listener method for event.
//
//	MethodName("foo.bar_zar") // "OnFooBarZar"
func MethodName(event string) string {
	var sb strings.Builder
	sb.WriteString("On")
	upper := true
	for _, r := range event {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			upper = true
			continue
		}
		if upper {
			r = unicode.ToUpper(r)
			upper = false
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// ── Container class ───────────────────────────────────────────────────────────

// ClassName is the class the dispatcher is registered under.
const ClassName = "events.Dispatcher"

// Class describes the dispatcher to a container builder. The optional first
// argument is a *zap.Logger. Its methods are the targets of the calls added
// by RegisterListenersPass:
//
//	AddListener(event string, listener *container.ServiceHandle, method string, priority int)
//	AddSubscriber(subscriber Subscriber)
func Class() container.Class {
	return container.Class{
		Name: ClassName,
		New: func(args []any) (any, error) {
			var logger *zap.Logger
			if len(args) > 0 && args[0] != nil {
				l, ok := args[0].(*zap.Logger)
				if !ok {
					return nil, fmt.Errorf("events: dispatcher logger is %T, not *zap.Logger", args[0])
				}
				logger = l
			}
			return NewDispatcher(logger), nil
		},
		Methods: map[string]container.Method{
			"AddListener": func(instance any, args []any) error {
				if len(args) != 4 {
					return fmt.Errorf("events: AddListener takes 4 arguments, got %d", len(args))
				}
				event, ok := args[0].(string)
				if !ok {
					return fmt.Errorf("events: event name is %T, not string", args[0])
				}
				method, _ := args[2].(string)
				priority, err := toInt(args[3])
				if err != nil {
					return err
				}
				d := instance.(*Dispatcher)
				switch l := args[1].(type) {
				case *container.ServiceHandle:
					d.AddServiceListener(event, l, method, priority)
				default:
					fn, err := bind(l, event, method)
					if err != nil {
						return fmt.Errorf("events: listener for %q: %w", event, err)
					}
					d.AddListener(event, fn, priority)
				}
				return nil
			},
			"AddSubscriber": func(instance any, args []any) error {
				if len(args) != 1 {
					return fmt.Errorf("events: AddSubscriber takes 1 argument, got %d", len(args))
				}
				s, ok := args[0].(Subscriber)
				if !ok {
					return fmt.Errorf("events: %T does not implement events.Subscriber", args[0])
				}
				return instance.(*Dispatcher).AddSubscriber(s)
			},
		},
	}
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case nil:
		return 0, nil
	}
	return 0, fmt.Errorf("events: priority is %T, not int", v)
}
