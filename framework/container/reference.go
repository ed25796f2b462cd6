package container

// InvalidBehavior controls what happens when a reference targets an id that
// does not exist.
type InvalidBehavior int

const (
	// ExceptionOnInvalid fails compilation (or the call) with an error.
	ExceptionOnInvalid InvalidBehavior = iota
	// NullOnInvalid substitutes nil.
	NullOnInvalid
	// IgnoreOnInvalid omits the argument. A method call with an omitted
	// argument is dropped entirely.
	IgnoreOnInvalid
)

func (b InvalidBehavior) String() string {
	switch b {
	case ExceptionOnInvalid:
		return "exception"
	case NullOnInvalid:
		return "null"
	case IgnoreOnInvalid:
		return "ignore"
	}
	return "unknown"
}

// Reference is an edge from an argument to another service.
type Reference struct {
	ID      string
	Invalid InvalidBehavior
}

// Ref returns a reference that fails when id is missing.
func Ref(id string) Reference { return Reference{ID: id} }

// OptionalRef returns a reference that resolves to nil when id is missing.
func OptionalRef(id string) Reference { return Reference{ID: id, Invalid: NullOnInvalid} }

func (r Reference) String() string { return "@" + r.ID }

// ServiceClosure wraps a reference that must not be resolved eagerly. It is
// injected as a *ServiceHandle and breaks cycle detection at that edge.
type ServiceClosure struct {
	Ref Reference
}

// Lazy returns a lazy edge to id.
func Lazy(id string) ServiceClosure { return ServiceClosure{Ref: Ref(id)} }

// TaggedIterator is replaced during compilation by the list of references to
// every service carrying Tag, sorted by the "priority" attribute (highest
// first, registration order within equal priority).
//
// When IndexBy is set the result is a map keyed by that tag attribute
// instead of a list.
type TaggedIterator struct {
	Tag     string
	IndexBy string
}

// Alias is an alternative id for a service.
type Alias struct {
	Target string
	Public bool
}

func (a *Alias) String() string { return a.Target }
