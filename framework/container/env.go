package container

import (
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
)

// EnvLookup returns the raw value of an environment variable.
type EnvLookup func(name string) (string, bool)

// EnvResolver expands %env(...)% placeholders at service construction time.
//
// The expression inside env() is a chain of processors ending in a variable
// name, applied right to left:
//
//	%env(APP_SECRET)%                     raw string
//	%env(int:PORT)%                       8080
//	%env(bool:default:debug_flag:DEBUG)%  DEBUG, or the "debug_flag" parameter when unset
//	%env(json:file:CONFIG_PATH)%          decoded JSON from the file named by CONFIG_PATH
type EnvResolver struct {
	lookup EnvLookup
	params *ParameterBag
}

// NewEnvResolver returns a resolver reading variables through lookup
// (os.LookupEnv when nil) and parameters from params (for default: and
// resolve:). params may be nil.
func NewEnvResolver(lookup EnvLookup, params *ParameterBag) *EnvResolver {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if params == nil {
		params = NewParameterBag(nil)
	}
	return &EnvResolver{lookup: lookup, params: params}
}

// Expand replaces every EnvPlaceholder found in v, recursing into []any and
// map[string]any.
func (r *EnvResolver) Expand(v any) (any, error) { return r.expand(v, nil) }

// Env evaluates one env() expression such as "int:PORT".
func (r *EnvResolver) Env(expr string) (any, error) { return r.getEnv(expr, nil) }

func (r *EnvResolver) expand(v any, path []string) (any, error) {
	switch v := v.(type) {
	case EnvPlaceholder:
		return r.expandTemplate(v.Template, path)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			x, err := r.expand(e, path)
			if err != nil {
				return nil, err
			}
			out[i] = x
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			x, err := r.expand(e, path)
			if err != nil {
				return nil, err
			}
			out[k] = x
		}
		return out, nil
	}
	return v, nil
}

func (r *EnvResolver) expandTemplate(t string, path []string) (any, error) {
	if m := wholePlaceholderRe.FindStringSubmatch(t); m != nil && isEnvName(m[1]) {
		return r.getEnv(envExpr(m[1]), path)
	}

	var sb strings.Builder
	last := 0
	for _, loc := range placeholderRe.FindAllStringSubmatchIndex(t, -1) {
		sb.WriteString(t[last:loc[0]])
		last = loc[1]
		if loc[2] < 0 {
			sb.WriteByte('%')
			continue
		}
		key := t[loc[2]:loc[3]]
		if !isEnvName(key) {
			sb.WriteString(t[loc[0]:loc[1]])
			continue
		}
		v, err := r.getEnv(envExpr(key), path)
		if err != nil {
			return nil, err
		}
		switch v := v.(type) {
		case string:
			sb.WriteString(v)
		default:
			if !isNumeric(v) {
				return nil, &ParameterTypeError{Name: key, Type: typeName(v), Value: t}
			}
			sb.WriteString(fmt.Sprint(v))
		}
	}
	sb.WriteString(t[last:])
	return sb.String(), nil
}

func envExpr(key string) string { return key[len("env(") : len(key)-1] }

// ── Processors ────────────────────────────────────────────────────────────────

func (r *EnvResolver) getEnv(expr string, path []string) (any, error) {
	name := "env(" + expr + ")"
	if i := slices.Index(path, name); i >= 0 {
		return nil, &ParameterCircularReferenceError{Path: append(slices.Clone(path[i:]), name)}
	}
	path = append(slices.Clone(path), name)

	prefix, rest, ok := strings.Cut(expr, ":")
	if !ok {
		v, found := r.lookup(expr)
		if !found {
			return nil, &EnvNotFoundError{Name: expr}
		}
		return v, nil
	}

	if prefix == "default" {
		fallback, inner, ok := strings.Cut(rest, ":")
		if !ok {
			return nil, fmt.Errorf("container: invalid env %q: a fallback parameter should be provided", name)
		}
		v, err := r.getEnv(inner, path)
		var notFound *EnvNotFoundError
		switch {
		case errors.As(err, &notFound):
		case err != nil:
			return nil, err
		case v != nil && v != "":
			return v, nil
		}
		if fallback == "" {
			return nil, nil
		}
		return r.params.ResolveValue("%" + fallback + "%")
	}

	next, err := r.getEnv(rest, path)
	if err != nil {
		return nil, err
	}

	switch prefix {
	case "string":
		return envString(name, next)
	case "bool", "not":
		s, err := envString(name, next)
		if err != nil {
			return nil, err
		}
		b := parseEnvBool(s)
		if prefix == "not" {
			return !b, nil
		}
		return b, nil
	case "int":
		s, err := envString(name, next)
		if err != nil {
			return nil, err
		}
		if i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return int(i), nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fmt.Errorf("container: non-numeric env var %q cannot be cast to int", rest)
		}
		return int(f), nil
	case "float":
		s, err := envString(name, next)
		if err != nil {
			return nil, err
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fmt.Errorf("container: non-numeric env var %q cannot be cast to float", rest)
		}
		return f, nil
	case "json":
		s, err := envString(name, next)
		if err != nil {
			return nil, err
		}
		var out any
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, fmt.Errorf("container: invalid JSON in env var %q: %w", rest, err)
		}
		return out, nil
	case "base64":
		s, err := envString(name, next)
		if err != nil {
			return nil, err
		}
		s = strings.NewReplacer("-", "+", "_", "/").Replace(strings.TrimRight(s, "="))
		b, err := base64.RawStdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("container: invalid base64 in env var %q: %w", rest, err)
		}
		return string(b), nil
	case "trim":
		s, err := envString(name, next)
		if err != nil {
			return nil, err
		}
		return strings.TrimSpace(s), nil
	case "csv":
		s, err := envString(name, next)
		if err != nil {
			return nil, err
		}
		if s == "" {
			return []any{}, nil
		}
		rec, err := csv.NewReader(strings.NewReader(s)).Read()
		if err != nil {
			return nil, fmt.Errorf("container: invalid CSV in env var %q: %w", rest, err)
		}
		out := make([]any, len(rec))
		for i, f := range rec {
			out[i] = f
		}
		return out, nil
	case "file":
		s, err := envString(name, next)
		if err != nil {
			return nil, err
		}
		b, err := os.ReadFile(s)
		if err != nil {
			return nil, fmt.Errorf("container: env var %q: %w", rest, err)
		}
		return string(b), nil
	case "resolve":
		s, err := envString(name, next)
		if err != nil {
			return nil, err
		}
		v, err := r.params.ResolveValue(s)
		if err != nil {
			return nil, err
		}
		if ph, ok := v.(EnvPlaceholder); ok {
			return r.expandTemplate(ph.Template, path)
		}
		return r.params.UnescapeValue(v), nil
	}
	return nil, fmt.Errorf("container: unsupported env var prefix %q for env name %q", prefix, rest)
}

func envString(name string, v any) (string, error) {
	switch v := v.(type) {
	case string:
		return v, nil
	case bool:
		if v {
			return "1", nil
		}
		return "", nil
	case nil:
		return "", nil
	}
	if isNumeric(v) {
		return fmt.Sprint(v), nil
	}
	return "", fmt.Errorf("container: env var %q is of type %s, expected a scalar", name, typeName(v))
}

func parseEnvBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "on", "yes", "y":
		return true
	}
	if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
		return f != 0
	}
	return false
}
