package container

import (
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"
)

var (
	placeholderRe      = regexp.MustCompile(`%%|%([^%\s]+)%`)
	wholePlaceholderRe = regexp.MustCompile(`^%([^%\s]+)%$`)
)

// ParameterTypeError is returned when a non-scalar parameter is embedded in a
// larger string.
type ParameterTypeError struct {
	Name  string
	Type  string
	Value string
}

func (e *ParameterTypeError) Error() string {
	return fmt.Sprintf("A string value must be composed of strings and/or numbers, but found parameter %q of type %q inside string value %q.", e.Name, e.Type, e.Value)
}

// EnvPlaceholder is a string that still contains %env(...)% placeholders.
// It survives compilation untouched and is expanded when a service is built.
// Literal percent signs inside Template are kept escaped as "%%".
type EnvPlaceholder struct {
	Template string
}

func (e EnvPlaceholder) String() string { return e.Template }

// EnvTemplates replaces every EnvPlaceholder in v, including inside
// collections, with its template string.
func EnvTemplates(v any) any {
	switch x := v.(type) {
	case EnvPlaceholder:
		return x.Template
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = EnvTemplates(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = EnvTemplates(e)
		}
		return out
	}
	return v
}

// ── ParameterBag ──────────────────────────────────────────────────────────────

// ParameterBag holds named configuration values and resolves %name%
// placeholders against them.
type ParameterBag struct {
	params map[string]any
}

// NewParameterBag returns a bag seeded with params.
func NewParameterBag(params map[string]any) *ParameterBag {
	p := &ParameterBag{params: make(map[string]any, len(params))}
	maps.Copy(p.params, params)
	return p
}

// Set stores value under name, replacing any previous value.
func (p *ParameterBag) Set(name string, value any) { p.params[name] = value }

// Add stores every entry of params.
func (p *ParameterBag) Add(params map[string]any) { maps.Copy(p.params, params) }

// Has reports whether name is defined.
func (p *ParameterBag) Has(name string) bool {
	_, ok := p.params[name]
	return ok
}

// Remove deletes name.
func (p *ParameterBag) Remove(name string) { delete(p.params, name) }

// Get returns the raw (possibly unresolved) value of name.
func (p *ParameterBag) Get(name string) (any, error) {
	v, ok := p.params[name]
	if !ok {
		return nil, &UndefinedParameterError{Name: name, Alternatives: alternatives(name, p.Names())}
	}
	return v, nil
}

// All returns a copy of every parameter.
func (p *ParameterBag) All() map[string]any { return maps.Clone(p.params) }

// Names returns the parameter names, sorted.
func (p *ParameterBag) Names() []string { return slices.Sorted(maps.Keys(p.params)) }

// Clone returns an independent copy of the bag.
func (p *ParameterBag) Clone() *ParameterBag {
	out := &ParameterBag{params: make(map[string]any, len(p.params))}
	for k, v := range p.params {
		out.params[k] = cloneValue(v)
	}
	return out
}

// Resolve replaces every parameter value by its resolved form, then
// unescapes "%%". Errors name the parameter that needed the missing one.
func (p *ParameterBag) Resolve() error {
	resolved := make(map[string]any, len(p.params))
	for _, name := range p.Names() {
		v, err := p.resolveValue(p.params[name], []string{name}, resolveOptions{})
		if err != nil {
			var undef *UndefinedParameterError
			if errors.As(err, &undef) && undef.SourceKey == "" {
				undef.SourceKey = name
			}
			return err
		}
		resolved[name] = p.UnescapeValue(v)
	}
	p.params = resolved
	return nil
}

// ── Resolution ────────────────────────────────────────────────────────────────

// ResolveOption tunes ResolveValue.
type ResolveOption func(*resolveOptions)

type resolveOptions struct {
	leaveUndefined bool
}

// LeaveUndefined keeps placeholders naming undefined parameters as-is
// instead of failing, for passes that resolve again later.
func LeaveUndefined() ResolveOption {
	return func(o *resolveOptions) { o.leaveUndefined = true }
}

// ResolveValue substitutes placeholders inside strings, []any and
// map[string]any (keys and values). A string that is exactly "%name%" takes
// the parameter's value with its type preserved; a placeholder inside a
// longer string is interpolated. "%%" is left escaped.
//
//	bag := container.NewParameterBag(map[string]any{"port": 8080})
//	bag.ResolveValue("%port%")           // 8080 (int)
//	bag.ResolveValue("localhost:%port%") // "localhost:8080"
func (p *ParameterBag) ResolveValue(v any, opts ...ResolveOption) (any, error) {
	var o resolveOptions
	for _, opt := range opts {
		opt(&o)
	}
	return p.resolveValue(v, nil, o)
}

func (p *ParameterBag) resolveValue(v any, path []string, o resolveOptions) (any, error) {
	switch v := v.(type) {
	case string:
		return p.resolveString(v, path, o)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			r, err := p.resolveValue(e, path, o)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			rk, err := p.resolveString(k, path, o)
			if err != nil {
				return nil, err
			}
			r, err := p.resolveValue(e, path, o)
			if err != nil {
				return nil, err
			}
			out[stringify(rk)] = r
		}
		return out, nil
	}
	return v, nil
}

func (p *ParameterBag) resolveString(s string, path []string, o resolveOptions) (any, error) {
	if m := wholePlaceholderRe.FindStringSubmatch(s); m != nil {
		key := m[1]
		if isEnvName(key) {
			return EnvPlaceholder{Template: s}, nil
		}
		return p.lookup(key, s, path, o)
	}

	var (
		sb     strings.Builder
		hasEnv bool
		last   int
	)
	for _, loc := range placeholderRe.FindAllStringSubmatchIndex(s, -1) {
		sb.WriteString(s[last:loc[0]])
		last = loc[1]
		if loc[2] < 0 {
			sb.WriteString("%%")
			continue
		}
		key := s[loc[2]:loc[3]]
		if isEnvName(key) {
			sb.WriteString(s[loc[0]:loc[1]])
			hasEnv = true
			continue
		}
		r, err := p.lookup(key, s, path, o)
		if err != nil {
			return nil, err
		}
		switch r := r.(type) {
		case string:
			sb.WriteString(r)
		case EnvPlaceholder:
			sb.WriteString(r.Template)
			hasEnv = true
		default:
			if !isNumeric(r) {
				return nil, &ParameterTypeError{Name: key, Type: typeName(r), Value: s}
			}
			sb.WriteString(fmt.Sprint(r))
		}
	}
	sb.WriteString(s[last:])
	if hasEnv {
		return EnvPlaceholder{Template: sb.String()}, nil
	}
	return sb.String(), nil
}

// lookup resolves one parameter reference found in s.
func (p *ParameterBag) lookup(key, s string, path []string, o resolveOptions) (any, error) {
	if i := slices.Index(path, key); i >= 0 {
		return nil, &ParameterCircularReferenceError{Path: append(slices.Clone(path[i:]), key)}
	}
	v, ok := p.params[key]
	if !ok {
		if o.leaveUndefined {
			return "%" + key + "%", nil
		}
		err := &UndefinedParameterError{Name: key, Alternatives: alternatives(key, p.Names())}
		if len(path) > 0 {
			err.SourceKey = path[len(path)-1]
		}
		return nil, err
	}
	return p.resolveValue(v, append(slices.Clone(path), key), o)
}

// ── Escaping ──────────────────────────────────────────────────────────────────

// EscapeValue doubles every "%" so the value is taken literally.
func (p *ParameterBag) EscapeValue(v any) any { return mapStrings(v, func(s string) string { return strings.ReplaceAll(s, "%", "%%") }) }

// UnescapeValue turns "%%" back into "%". EnvPlaceholder templates keep their
// escapes until they are expanded.
func (p *ParameterBag) UnescapeValue(v any) any { return mapStrings(v, unescape) }

func unescape(s string) string { return strings.ReplaceAll(s, "%%", "%") }

func mapStrings(v any, f func(string) string) any {
	switch v := v.(type) {
	case string:
		return f(v)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = mapStrings(e, f)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[f(k)] = mapStrings(e, f)
		}
		return out
	}
	return v
}

// ── helpers ───────────────────────────────────────────────────────────────────

func isEnvName(key string) bool {
	return strings.HasPrefix(key, "env(") && strings.HasSuffix(key, ")")
}

func isNumeric(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	}
	return false
}

func stringify(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case EnvPlaceholder:
		return v.Template
	}
	return fmt.Sprint(v)
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case []any:
		return "array"
	case map[string]any:
		return "map"
	}
	return fmt.Sprintf("%T", v)
}
