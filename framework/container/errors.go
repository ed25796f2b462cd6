package container

import (
	"fmt"
	"strings"
)

// ── Registration errors ───────────────────────────────────────────────────────

// DuplicateIdError is returned by Register when the id is already defined.
type DuplicateIdError struct {
	ID string
}

func (e *DuplicateIdError) Error() string {
	return fmt.Sprintf("container: service %q is already registered", e.ID)
}

// UnknownServiceError is returned by Builder lookups for an id that has no
// definition.
type UnknownServiceError struct {
	ID           string
	Alternatives []string
}

func (e *UnknownServiceError) Error() string {
	return fmt.Sprintf("container: service definition %q does not exist.%s", e.ID, didYouMean(e.Alternatives))
}

// FrozenRegistryError is returned when a structural mutation is attempted on
// a builder that has already been compiled.
type FrozenRegistryError struct {
	Op string
}

func (e *FrozenRegistryError) Error() string {
	return fmt.Sprintf("container: cannot %s on a compiled container", e.Op)
}

// DefinitionError reports an invalid definition.
type DefinitionError struct {
	ID     string
	Reason string
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("container: invalid definition %q: %s", e.ID, e.Reason)
}

// ── Parameter errors ──────────────────────────────────────────────────────────

// UndefinedParameterError is returned when a placeholder names a parameter
// that is not defined.
type UndefinedParameterError struct {
	Name string

	// SourceID is the service whose arguments needed the parameter, if any.
	SourceID string

	// SourceKey is the parameter whose value needed the parameter, if any.
	SourceKey string

	Alternatives []string
}

func (e *UndefinedParameterError) Error() string {
	var msg string
	switch {
	case e.SourceID != "":
		msg = fmt.Sprintf("The service %q has a dependency on a non-existent parameter %q.", e.SourceID, e.Name)
	case e.SourceKey != "":
		msg = fmt.Sprintf("The parameter %q has a dependency on a non-existent parameter %q.", e.SourceKey, e.Name)
	default:
		msg = fmt.Sprintf("You have requested a non-existent parameter %q.", e.Name)
	}
	return msg + didYouMean(e.Alternatives)
}

// ParameterCircularReferenceError is returned when parameters reference each
// other in a loop. Path starts and ends with the same name.
type ParameterCircularReferenceError struct {
	Path []string
}

func (e *ParameterCircularReferenceError) Error() string {
	quoted := make([]string, len(e.Path))
	for i, p := range e.Path {
		quoted[i] = fmt.Sprintf("%q", p)
	}
	return fmt.Sprintf("Circular reference detected for parameter %q (%s).", e.Path[0], strings.Join(quoted, " > "))
}

// EnvNotFoundError is returned when an %env()% placeholder names a variable
// that is not set and has no default.
type EnvNotFoundError struct {
	Name string
}

func (e *EnvNotFoundError) Error() string {
	return fmt.Sprintf("Environment variable not found: %q.", e.Name)
}

// ── Graph errors ──────────────────────────────────────────────────────────────

// CircularReferenceError reports a dependency cycle. Path starts and ends with
// the same id. Runtime is set when the cycle was found during construction
// rather than during compilation.
type CircularReferenceError struct {
	Path    []string
	Runtime bool
}

func (e *CircularReferenceError) Error() string {
	return fmt.Sprintf("Circular reference detected for service %q, path: %q.", e.Path[0], strings.Join(e.Path, " -> "))
}

// CompilationError wraps the failure of a compiler pass.
type CompilationError struct {
	Pass string
	Err  error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("container: compiler pass %s failed: %v", e.Pass, e.Err)
}

func (e *CompilationError) Unwrap() error { return e.Err }

// ── Runtime errors ────────────────────────────────────────────────────────────

// ServiceNotFoundError is returned by the compiled container for unknown ids
// and by the compiler for references to missing services.
type ServiceNotFoundError struct {
	ID string

	// SourceID is the service that references ID, if any.
	SourceID string

	// Removed is set when ID was defined but removed during compilation.
	Removed bool

	Alternatives []string
}

func (e *ServiceNotFoundError) Error() string {
	var msg string
	switch {
	case e.SourceID != "":
		msg = fmt.Sprintf("The service %q has a dependency on a non-existent service %q.", e.SourceID, e.ID)
	case e.Removed:
		msg = fmt.Sprintf("The %q service or alias has been removed or inlined when the container was compiled.", e.ID)
	default:
		msg = fmt.Sprintf("You have requested a non-existent service %q.", e.ID)
	}
	return msg + didYouMean(e.Alternatives)
}

// ServiceNotPublicError is returned when a private service is requested
// directly from the compiled container.
type ServiceNotPublicError struct {
	ID string
}

func (e *ServiceNotPublicError) Error() string {
	return fmt.Sprintf("The %q service is private: it can only be injected into other services, not fetched from the container directly.", e.ID)
}

// didYouMean renders a suggestion suffix for error messages.
func didYouMean(alts []string) string {
	switch len(alts) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf(" Did you mean this: %q?", alts[0])
	}
	quoted := make([]string, len(alts))
	for i, a := range alts {
		quoted[i] = fmt.Sprintf("%q", a)
	}
	return " Did you mean one of these: " + strings.Join(quoted, ", ") + "?"
}
