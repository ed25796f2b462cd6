// Package loader reads service definitions from YAML files into a
// container.Builder.
//
//	parameters:
//	  mailer.from: noreply@example.com
//
//	services:
//	  _defaults:
//	    public: true
//
//	  mailer.transport:
//	    class: app.SmtpTransport
//	    arguments: ['%env(MAILER_DSN)%']
//	    public: false
//
//	  mailer:
//	    class: app.Mailer
//	    arguments: ['@mailer.transport', '%mailer.from%', '@?logger']
//	    calls:
//	      - [SetListeners, [!tagged_iterator mailer.listener]]
//
//	  mail: '@mailer'
package loader

import (
	"fmt"
	"io/fs"
	"iter"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/km-arc/go-symfony/framework/container"
)

// ── Errors ────────────────────────────────────────────────────────────────────

// Error reports a problem in a definition file.
type Error struct {
	File string
	Line int
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	loc := e.File
	if e.Line > 0 {
		loc += ":" + strconv.Itoa(e.Line)
	}
	if e.Err != nil {
		return fmt.Sprintf("loader: %s: %s: %v", loc, e.Msg, e.Err)
	}
	return fmt.Sprintf("loader: %s: %s", loc, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// ── Loader ────────────────────────────────────────────────────────────────────

// YAMLLoader registers the parameters, services and aliases of YAML files.
// Definitions loaded later replace earlier ones with the same id.
type YAMLLoader struct {
	b      *container.Builder
	fsys   fs.FS
	env    string
	logger *zap.Logger

	loading []string
}

// Option configures a YAMLLoader.
type Option func(*YAMLLoader)

// WithFS reads files from fsys instead of the operating system.
func WithFS(fsys fs.FS) Option { return func(l *YAMLLoader) { l.fsys = fsys } }

// WithEnvironment enables the top-level "when@<env>" sections of that
// environment.
func WithEnvironment(env string) Option { return func(l *YAMLLoader) { l.env = env } }

// WithLogger sets the logger used to trace loaded files.
func WithLogger(logger *zap.Logger) Option {
	return func(l *YAMLLoader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewYAMLLoader returns a loader that fills b.
func NewYAMLLoader(b *container.Builder, opts ...Option) *YAMLLoader {
	l := &YAMLLoader{b: b, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoadFile loads path and, before it, every file it imports.
func (l *YAMLLoader) LoadFile(path string) error {
	path = filepath.Clean(path)
	if slices.Contains(l.loading, path) {
		chain := append(slices.Clone(l.loading), path)
		return &Error{File: path, Msg: "circular import: " + strings.Join(chain, " -> ")}
	}
	data, err := l.read(path)
	if err != nil {
		return &Error{File: path, Msg: "cannot read file", Err: err}
	}

	l.loading = append(l.loading, path)
	defer func() { l.loading = l.loading[:len(l.loading)-1] }()
	return l.Load(path, data)
}

func (l *YAMLLoader) read(path string) ([]byte, error) {
	if l.fsys != nil {
		return fs.ReadFile(l.fsys, filepath.ToSlash(path))
	}
	return os.ReadFile(path)
}

// Load parses data as the content of file. Imports are resolved relative to
// the directory of file.
func (l *YAMLLoader) Load(file string, data []byte) error {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return &Error{File: file, Msg: "invalid YAML", Err: err}
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return nil
	}
	root := doc.Content[0]
	if isNull(root) {
		return nil
	}
	if root.Kind != yaml.MappingNode {
		return &Error{File: file, Line: root.Line, Msg: "the file is not valid, it should contain a mapping"}
	}

	p := &fileParser{l: l, file: file}
	if err := p.parse(root, true); err != nil {
		return err
	}
	l.logger.Debug("service file loaded", zap.String("file", file), zap.Int("services", p.services))
	return nil
}

// ── File parser ───────────────────────────────────────────────────────────────

type fileParser struct {
	l        *YAMLLoader
	file     string
	services int
}

func (p *fileParser) errorf(n *yaml.Node, format string, args ...any) error {
	line := 0
	if n != nil {
		line = n.Line
	}
	return &Error{File: p.file, Line: line, Msg: fmt.Sprintf(format, args...)}
}

func (p *fileParser) parse(root *yaml.Node, top bool) error {
	sections := map[string]*yaml.Node{}
	for key, val := range pairs(root) {
		switch {
		case key.Value == "imports" || key.Value == "parameters" || key.Value == "services":
			sections[key.Value] = val
		case top && strings.HasPrefix(key.Value, "when@"):
			if val.Kind != yaml.MappingNode {
				return p.errorf(val, "%q must be a mapping", key.Value)
			}
			if strings.TrimPrefix(key.Value, "when@") == p.l.env {
				sections[key.Value] = val
			}
		default:
			return p.errorf(key, "unsupported top-level key %q; expected imports, parameters, services or when@<env>", key.Value)
		}
	}

	if n, ok := sections["imports"]; ok {
		if err := p.imports(n); err != nil {
			return err
		}
	}
	if n, ok := sections["parameters"]; ok {
		if err := p.parameters(n); err != nil {
			return err
		}
	}
	if n, ok := sections["services"]; ok {
		if err := p.servicesSection(n); err != nil {
			return err
		}
	}
	if n, ok := sections["when@"+p.l.env]; ok && p.l.env != "" {
		return p.parse(n, false)
	}
	return nil
}

// ── Imports ───────────────────────────────────────────────────────────────────

func (p *fileParser) imports(n *yaml.Node) error {
	if isNull(n) {
		return nil
	}
	if n.Kind != yaml.SequenceNode {
		return p.errorf(n, `"imports" must be a list`)
	}
	for _, item := range n.Content {
		resource, ignore := "", false
		switch item.Kind {
		case yaml.ScalarNode:
			resource = item.Value
		case yaml.MappingNode:
			for k, v := range pairs(item) {
				switch k.Value {
				case "resource":
					resource = v.Value
				case "ignore_errors":
					var b bool
					if err := v.Decode(&b); err != nil {
						return p.errorf(v, `"ignore_errors" must be a boolean`)
					}
					ignore = b
				default:
					return p.errorf(k, "unsupported import key %q", k.Value)
				}
			}
		default:
			return p.errorf(item, "an import must be a string or a mapping")
		}
		if resource == "" {
			return p.errorf(item, `an import is missing its "resource"`)
		}

		path := resource
		if !filepath.IsAbs(path) {
			path = filepath.Join(filepath.Dir(p.file), path)
		}
		if err := p.l.LoadFile(path); err != nil {
			if ignore {
				p.l.logger.Warn("ignoring failed import", zap.String("file", p.file), zap.String("resource", resource), zap.Error(err))
				continue
			}
			return &Error{File: p.file, Line: item.Line, Msg: fmt.Sprintf("cannot import %q", resource), Err: err}
		}
	}
	return nil
}

// ── Parameters ────────────────────────────────────────────────────────────────

func (p *fileParser) parameters(n *yaml.Node) error {
	if isNull(n) {
		return nil
	}
	if n.Kind != yaml.MappingNode {
		return p.errorf(n, `"parameters" must be a mapping`)
	}
	for k, v := range pairs(n) {
		var value any
		if err := v.Decode(&value); err != nil {
			return p.errorf(v, "parameter %q: %v", k.Value, err)
		}
		if err := p.l.b.SetParameter(k.Value, unescapeAt(value)); err != nil {
			return err
		}
	}
	return nil
}

// unescapeAt turns "@@x" into "@x" in parameter values.
func unescapeAt(v any) any {
	switch x := v.(type) {
	case string:
		if strings.HasPrefix(x, "@@") {
			return x[1:]
		}
	case []any:
		for i := range x {
			x[i] = unescapeAt(x[i])
		}
	case map[string]any:
		for k := range x {
			x[k] = unescapeAt(x[k])
		}
	}
	return v
}

// ── Services ──────────────────────────────────────────────────────────────────

type defaults struct {
	public, shared, lazy *bool
	tags                 []container.Tag
}

var serviceKeys = []string{
	"class", "parent", "abstract", "arguments", "calls", "tags",
	"public", "shared", "lazy", "synthetic",
	"decorates", "decoration_inner_name", "decoration_priority", "decoration_on_invalid",
}

func (p *fileParser) servicesSection(n *yaml.Node) error {
	if isNull(n) {
		return nil
	}
	if n.Kind != yaml.MappingNode {
		return p.errorf(n, `"services" must be a mapping`)
	}

	var defs defaults
	if d, ok := lookup(n, "_defaults"); ok {
		var err error
		if defs, err = p.defaults(d); err != nil {
			return err
		}
	}

	for k, v := range pairs(n) {
		id := k.Value
		if id == "_defaults" {
			continue
		}
		if strings.HasPrefix(id, "_") {
			return p.errorf(k, "service ids starting with an underscore are reserved, rename %q", id)
		}
		if err := p.service(id, v, defs); err != nil {
			return err
		}
		p.services++
	}
	return nil
}

func (p *fileParser) defaults(n *yaml.Node) (defaults, error) {
	var d defaults
	if n.Kind != yaml.MappingNode {
		return d, p.errorf(n, `"_defaults" must be a mapping`)
	}
	for k, v := range pairs(n) {
		switch k.Value {
		case "public":
			d.public = new(bool)
			if err := p.decodeBool(v, "public", d.public); err != nil {
				return d, err
			}
		case "shared":
			d.shared = new(bool)
			if err := p.decodeBool(v, "shared", d.shared); err != nil {
				return d, err
			}
		case "lazy":
			d.lazy = new(bool)
			if err := p.decodeBool(v, "lazy", d.lazy); err != nil {
				return d, err
			}
		case "tags":
			tags, err := p.tags("_defaults", v)
			if err != nil {
				return d, err
			}
			d.tags = tags
		default:
			return d, p.errorf(k, "the configuration key %q cannot be used in _defaults", k.Value)
		}
	}
	return d, nil
}

func (p *fileParser) service(id string, n *yaml.Node, defs defaults) error {
	b := p.l.b

	// Short forms: "id: ~", "id: '@target'" and "id: [args...]".
	switch {
	case isNull(n):
		return b.SetDefinition(id, p.applyDefaults(container.NewDefinition(id), nil, defs))
	case n.Kind == yaml.ScalarNode && strings.HasPrefix(n.Value, "@") && !strings.HasPrefix(n.Value, "@@"):
		return p.alias(id, strings.TrimPrefix(n.Value, "@"), defs.public)
	case n.Kind == yaml.SequenceNode:
		args, err := p.args(id, n)
		if err != nil {
			return err
		}
		return b.SetDefinition(id, p.applyDefaults(container.NewDefinition(id, args...), nil, defs))
	case n.Kind != yaml.MappingNode:
		return p.errorf(n, "service %q must be a mapping, an alias or a list of arguments", id)
	}

	if target, ok := lookup(n, "alias"); ok {
		public := defs.public
		for k, v := range pairs(n) {
			switch k.Value {
			case "alias":
			case "public":
				public = new(bool)
				if err := p.decodeBool(v, "public", public); err != nil {
					return err
				}
			default:
				return p.errorf(k, "the configuration key %q is unsupported for the service %q which is defined as an alias", k.Value, id)
			}
		}
		return p.alias(id, target.Value, public)
	}

	d, err := p.definition(id, n)
	if err != nil {
		return err
	}
	if d.Class == "" && d.Parent == "" && !d.Synthetic {
		d.Class = id
	}
	// Children take everything from their parent unless set here.
	if d.Parent != "" {
		return b.SetDefinition(id, d)
	}
	return b.SetDefinition(id, p.applyDefaults(d, n, defs))
}

func (p *fileParser) alias(id, target string, public *bool) error {
	a, err := p.l.b.SetAlias(id, target)
	if err != nil {
		return err
	}
	if public != nil {
		a.Public = *public
	}
	return nil
}

// applyDefaults fills the flags n does not set from defs. n may be nil for
// short forms.
func (p *fileParser) applyDefaults(d *container.Definition, n *yaml.Node, defs defaults) *container.Definition {
	has := func(key string) bool {
		if n == nil {
			return false
		}
		_, ok := lookup(n, key)
		return ok
	}
	if defs.public != nil && !has("public") {
		d.Public = *defs.public
	}
	if defs.shared != nil && !has("shared") {
		d.Shared = *defs.shared
	}
	if defs.lazy != nil && !has("lazy") {
		d.Lazy = *defs.lazy
	}
	for _, t := range defs.tags {
		if d.HasTag(t.Name) {
			continue
		}
		for _, attrs := range t.Attributes {
			d.AddTag(t.Name, maps.Clone(attrs))
		}
	}
	return d
}

func (p *fileParser) definition(id string, n *yaml.Node) (*container.Definition, error) {
	d := container.NewDefinition("")
	var dec *container.Decoration
	for k, v := range pairs(n) {
		var err error
		switch k.Value {
		case "class":
			d.Class, err = p.decodeString(v, "class")
		case "parent":
			d.Parent, err = p.decodeString(v, "parent")
		case "abstract":
			err = p.decodeBool(v, "abstract", &d.Abstract)
		case "public":
			err = p.decodeBool(v, "public", &d.Public)
		case "shared":
			err = p.decodeBool(v, "shared", &d.Shared)
		case "lazy":
			err = p.decodeBool(v, "lazy", &d.Lazy)
		case "synthetic":
			err = p.decodeBool(v, "synthetic", &d.Synthetic)
		case "arguments":
			if v.Kind != yaml.SequenceNode {
				return nil, p.errorf(v, `"arguments" of service %q must be a list; named arguments are not supported`, id)
			}
			d.Args, err = p.args(id, v)
		case "calls":
			d.Calls, err = p.calls(id, v)
		case "tags":
			var tags []container.Tag
			if tags, err = p.tags(id, v); err == nil {
				for _, t := range tags {
					for _, attrs := range t.Attributes {
						d.AddTag(t.Name, attrs)
					}
				}
			}
		case "decorates", "decoration_inner_name", "decoration_priority", "decoration_on_invalid":
			if dec == nil {
				dec = &container.Decoration{}
			}
			err = p.decoration(k.Value, v, dec)
		default:
			return nil, p.errorf(k, "the configuration key %q is unsupported for definition %q; allowed keys are %s",
				k.Value, id, strings.Join(serviceKeys, ", "))
		}
		if err != nil {
			return nil, err
		}
	}

	if dec != nil {
		if dec.ID == "" {
			return nil, p.errorf(n, `service %q sets decoration options without "decorates"`, id)
		}
		d.Decorates = dec
	}
	return d, nil
}

func (p *fileParser) decoration(key string, v *yaml.Node, dec *container.Decoration) error {
	var err error
	switch key {
	case "decorates":
		dec.ID, err = p.decodeString(v, key)
	case "decoration_inner_name":
		dec.InnerName, err = p.decodeString(v, key)
	case "decoration_priority":
		if err = v.Decode(&dec.Priority); err != nil {
			return p.errorf(v, `"decoration_priority" must be an integer`)
		}
	case "decoration_on_invalid":
		var s string
		if !isNull(v) {
			s = v.Value
		}
		switch s {
		case "exception":
			dec.Invalid = container.ExceptionOnInvalid
		case "ignore":
			dec.Invalid = container.IgnoreOnInvalid
		case "", "null":
			dec.Invalid = container.NullOnInvalid
		default:
			return p.errorf(v, `"decoration_on_invalid" must be "exception", "ignore" or null, got %q`, s)
		}
	}
	return err
}

// ── Calls and tags ────────────────────────────────────────────────────────────

func (p *fileParser) calls(id string, n *yaml.Node) ([]container.MethodCall, error) {
	if n.Kind != yaml.SequenceNode {
		return nil, p.errorf(n, `"calls" of service %q must be a list`, id)
	}
	var calls []container.MethodCall
	for _, item := range n.Content {
		var (
			method string
			args   *yaml.Node
		)
		switch item.Kind {
		case yaml.SequenceNode:
			// [method, [args]]
			if len(item.Content) == 0 || len(item.Content) > 2 {
				return nil, p.errorf(item, "a method call of service %q must be [method, [arguments]]", id)
			}
			method = item.Content[0].Value
			if len(item.Content) == 2 {
				args = item.Content[1]
			}
		case yaml.MappingNode:
			if m, ok := lookup(item, "method"); ok {
				// {method: name, arguments: [...]}
				method = m.Value
				args, _ = lookup(item, "arguments")
			} else if len(item.Content) == 2 {
				// {name: [args]}
				method, args = item.Content[0].Value, item.Content[1]
			} else {
				return nil, p.errorf(item, "a method call of service %q must name exactly one method", id)
			}
		default:
			return nil, p.errorf(item, "a method call of service %q must be a list or a mapping", id)
		}
		if method == "" {
			return nil, p.errorf(item, "a method call of service %q has an empty method name", id)
		}

		call := container.MethodCall{Method: method}
		if args != nil && !isNull(args) {
			if args.Kind != yaml.SequenceNode {
				return nil, p.errorf(args, "the arguments of %s on service %q must be a list", method, id)
			}
			var err error
			if call.Args, err = p.args(id, args); err != nil {
				return nil, err
			}
		}
		calls = append(calls, call)
	}
	return calls, nil
}

func (p *fileParser) tags(id string, n *yaml.Node) ([]container.Tag, error) {
	if n.Kind != yaml.SequenceNode {
		return nil, p.errorf(n, `parameter "tags" must be a list for service %q`, id)
	}
	var tags []container.Tag
	add := func(name string, attrs container.Attributes) {
		for i := range tags {
			if tags[i].Name == name {
				tags[i].Attributes = append(tags[i].Attributes, attrs)
				return
			}
		}
		tags = append(tags, container.Tag{Name: name, Attributes: []container.Attributes{attrs}})
	}

	for _, item := range n.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			// - kernel.reset
			if item.Value == "" {
				return nil, p.errorf(item, "the tag name for service %q must be a non-empty string", id)
			}
			add(item.Value, container.Attributes{})
		case yaml.MappingNode:
			if name, ok := lookup(item, "name"); ok {
				// - { name: kernel.event_listener, event: boot }
				if name.Kind != yaml.ScalarNode || name.Value == "" {
					return nil, p.errorf(name, "the tag name for service %q must be a non-empty string", id)
				}
				attrs := container.Attributes{}
				for k, v := range pairs(item) {
					if k.Value == "name" {
						continue
					}
					var value any
					if err := v.Decode(&value); err != nil {
						return nil, p.errorf(v, "tag attribute %q: %v", k.Value, err)
					}
					attrs[k.Value] = value
				}
				add(name.Value, attrs)
				continue
			}
			if len(item.Content) != 2 {
				return nil, p.errorf(item, `a "tags" entry is missing a "name" key for service %q`, id)
			}
			// - kernel.event_listener: { event: boot }
			attrs := container.Attributes{}
			if v := item.Content[1]; !isNull(v) {
				if err := v.Decode(&attrs); err != nil {
					return nil, p.errorf(v, "the attributes of tag %q on service %q must be a mapping", item.Content[0].Value, id)
				}
			}
			add(item.Content[0].Value, attrs)
		default:
			return nil, p.errorf(item, "a tag of service %q must be a string or a mapping", id)
		}
	}
	return tags, nil
}

// ── Arguments ─────────────────────────────────────────────────────────────────

func (p *fileParser) args(id string, n *yaml.Node) ([]any, error) {
	out := make([]any, 0, len(n.Content))
	for _, item := range n.Content {
		v, err := p.value(id, item)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// value converts an argument node:
//
//	'@id'                  container.Ref("id")
//	'@?id'                 container.OptionalRef("id")
//	'@@text'               "@text"
//	!service_closure '@id' container.Lazy("id")
//	!tagged_iterator tag   container.TaggedIterator{Tag: "tag"}
//	!tagged_iterator {tag: t, index_by: key}
//	!service {class: c, arguments: [...]}   inline definition
func (p *fileParser) value(id string, n *yaml.Node) (any, error) {
	switch n.Tag {
	case "!service_closure":
		ref, ok := reference(n.Value)
		if n.Kind != yaml.ScalarNode || !ok {
			return nil, p.errorf(n, `"!service_closure" on service %q expects a service reference such as '@id'`, id)
		}
		return container.ServiceClosure{Ref: ref}, nil
	case "!tagged_iterator", "!tagged":
		switch n.Kind {
		case yaml.ScalarNode:
			return container.TaggedIterator{Tag: n.Value}, nil
		case yaml.MappingNode:
			var it container.TaggedIterator
			for k, v := range pairs(n) {
				switch k.Value {
				case "tag":
					it.Tag = v.Value
				case "index_by":
					it.IndexBy = v.Value
				default:
					return nil, p.errorf(k, `unsupported "!tagged_iterator" key %q on service %q`, k.Value, id)
				}
			}
			if it.Tag == "" {
				return nil, p.errorf(n, `"!tagged_iterator" on service %q needs a "tag" key`, id)
			}
			return it, nil
		}
		return nil, p.errorf(n, `"!tagged_iterator" on service %q expects a tag name or a mapping`, id)
	case "!service":
		if n.Kind != yaml.MappingNode {
			return nil, p.errorf(n, `"!service" on service %q expects a definition mapping`, id)
		}
		inline, err := p.definition(id, n)
		if err != nil {
			return nil, err
		}
		if inline.Class == "" {
			return nil, p.errorf(n, `inline service in %q needs a "class"`, id)
		}
		return inline, nil
	}

	switch n.Kind {
	case yaml.ScalarNode:
		if n.ShortTag() == "!!str" {
			if ref, ok := reference(n.Value); ok {
				return ref, nil
			}
			if strings.HasPrefix(n.Value, "@@") {
				return n.Value[1:], nil
			}
		}
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, p.errorf(n, "service %q: %v", id, err)
		}
		return v, nil
	case yaml.SequenceNode:
		return p.args(id, n)
	case yaml.MappingNode:
		out := make(map[string]any, len(n.Content)/2)
		for k, v := range pairs(n) {
			val, err := p.value(id, v)
			if err != nil {
				return nil, err
			}
			out[k.Value] = val
		}
		return out, nil
	case yaml.AliasNode:
		return p.value(id, n.Alias)
	}
	return nil, p.errorf(n, "service %q: unsupported YAML node", id)
}

// reference parses '@id' and '@?id'.
func reference(s string) (container.Reference, bool) {
	switch {
	case strings.HasPrefix(s, "@@"), !strings.HasPrefix(s, "@"), len(s) == 1:
		return container.Reference{}, false
	case strings.HasPrefix(s, "@?"):
		if len(s) == 2 {
			return container.Reference{}, false
		}
		return container.OptionalRef(s[2:]), true
	}
	return container.Ref(s[1:]), true
}

// ── Node helpers ──────────────────────────────────────────────────────────────

// pairs yields the key and value nodes of a mapping.
func pairs(n *yaml.Node) iter.Seq2[*yaml.Node, *yaml.Node] {
	return func(yield func(k, v *yaml.Node) bool) {
		if n.Kind != yaml.MappingNode {
			return
		}
		for i := 0; i+1 < len(n.Content); i += 2 {
			if !yield(n.Content[i], n.Content[i+1]) {
				return
			}
		}
	}
}

func lookup(n *yaml.Node, key string) (*yaml.Node, bool) {
	for k, v := range pairs(n) {
		if k.Value == key {
			return v, true
		}
	}
	return nil, false
}

func isNull(n *yaml.Node) bool {
	return n.Kind == yaml.ScalarNode && n.ShortTag() == "!!null"
}

func (p *fileParser) decodeBool(n *yaml.Node, key string, dst *bool) error {
	if err := n.Decode(dst); err != nil {
		return p.errorf(n, "%q must be a boolean", key)
	}
	return nil
}

func (p *fileParser) decodeString(n *yaml.Node, key string) (string, error) {
	if n.Kind != yaml.ScalarNode || isNull(n) {
		return "", p.errorf(n, "%q must be a string", key)
	}
	return n.Value, nil
}
