package events

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"

	"github.com/km-arc/go-symfony/framework/container"
)

const (
	// DispatcherID is the service id of the dispatcher.
	DispatcherID = "event_dispatcher"

	// ListenerTag marks listener services. Attributes: event (required),
	// method and priority.
	ListenerTag = "kernel.event_listener"

	// SubscriberTag marks services implementing Subscriber.
	SubscriberTag = "kernel.event_subscriber"

	// AliasesParameter maps event names to the names listeners are
	// registered under.
	AliasesParameter = "event_dispatcher.event_aliases"
)

// RegisterListenersPass adds an AddListener call on the dispatcher for every
// ListenerTag occurrence, highest priority first, and an AddSubscriber call
// for every SubscriberTag service. It does nothing when the dispatcher is
// not defined.
//
//	b.AddPass(&events.RegisterListenersPass{}, container.BeforeOptimization, 0)
type RegisterListenersPass struct {
	// Overrides for DispatcherID, ListenerTag and SubscriberTag.
	Dispatcher  string
	Listeners   string
	Subscribers string
}

func (p *RegisterListenersPass) names() (dispatcher, listeners, subscribers string) {
	return cmp.Or(p.Dispatcher, DispatcherID), cmp.Or(p.Listeners, ListenerTag), cmp.Or(p.Subscribers, SubscriberTag)
}

type listenerCall struct {
	id       string
	event    string
	method   string
	priority int
}

func (p *RegisterListenersPass) Process(b *container.Builder) error {
	dispatcherID, listenerTag, subscriberTag := p.names()
	dispatcher, err := b.FindDefinition(dispatcherID)
	if err != nil {
		return nil
	}

	aliases, err := p.aliases(b)
	if err != nil {
		return err
	}

	var calls []listenerCall
	for id, tags := range b.FindTaggedServiceIDs(listenerTag) {
		d, _ := b.Definition(id)
		if d.Abstract {
			return &container.DefinitionError{ID: id, Reason: fmt.Sprintf("services tagged %q must not be abstract", listenerTag)}
		}
		for _, attrs := range tags {
			event, _ := attrs["event"].(string)
			if event == "" {
				return &container.DefinitionError{ID: id, Reason: fmt.Sprintf("must define the \"event\" attribute on %q tags", listenerTag)}
			}
			if alias, ok := aliases[event]; ok {
				event = alias
			}
			method, _ := attrs["method"].(string)
			priority, err := parsePriority(attrs["priority"])
			if err != nil {
				return &container.DefinitionError{ID: id, Reason: fmt.Sprintf("%q tag: %v", listenerTag, err)}
			}
			calls = append(calls, listenerCall{id: id, event: event, method: method, priority: priority})
		}
	}
	slices.SortStableFunc(calls, func(a, b listenerCall) int { return cmp.Compare(b.priority, a.priority) })

	for _, c := range calls {
		dispatcher.AddMethodCall("AddListener", c.event, container.Lazy(c.id), c.method, c.priority)
	}
	if len(calls) > 0 {
		b.Log(p, fmt.Sprintf("Registered %d listeners on %q.", len(calls), dispatcherID))
	}

	for id := range b.FindTaggedServiceIDs(subscriberTag) {
		d, _ := b.Definition(id)
		if d.Abstract {
			return &container.DefinitionError{ID: id, Reason: fmt.Sprintf("services tagged %q must not be abstract", subscriberTag)}
		}
		dispatcher.AddMethodCall("AddSubscriber", container.Ref(id))
		b.Log(p, fmt.Sprintf("Registered subscriber %q on %q.", id, dispatcherID))
	}
	return nil
}

func (p *RegisterListenersPass) aliases(b *container.Builder) (map[string]string, error) {
	if !b.Parameters().Has(AliasesParameter) {
		return nil, nil
	}
	raw, err := b.Parameter(AliasesParameter)
	if err != nil {
		return nil, err
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("events: parameter %q is %T, want a map of event names", AliasesParameter, raw)
	}
	out := make(map[string]string, len(m))
	for from, to := range m {
		s, ok := to.(string)
		if !ok {
			return nil, fmt.Errorf("events: alias of event %q is %T, not string", from, to)
		}
		out[from] = s
	}
	return out, nil
}

func parsePriority(v any) (int, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("priority %q is not an integer", n)
		}
		return i, nil
	}
	return 0, fmt.Errorf("priority is %T, not an integer", v)
}
