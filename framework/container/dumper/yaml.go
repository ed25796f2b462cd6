// Package dumper exports a compiled container as YAML or as a Graphviz
// graph.
package dumper

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/km-arc/go-symfony/framework/container"
)

// ── YAML ──────────────────────────────────────────────────────────────────────

// YAML writes the compiled parameters, services and aliases of c in the
// format read by loader.YAMLLoader. Services built by Go factories or
// configurators are marked with a comment since functions cannot be dumped.
func YAML(w io.Writer, c *container.Container) error {
	doc := mapping()

	bag := c.ParameterBag()
	if names := bag.Names(); len(names) > 0 {
		params := mapping()
		for _, name := range names {
			v, _ := bag.Get(name)
			add(params, name, literal(v))
		}
		add(doc, "parameters", params)
	}

	services := mapping()
	for _, info := range c.Services() {
		d, _ := c.Definition(info.ID)
		key := scalar(info.ID)
		key.HeadComment = notes(d)
		services.Content = append(services.Content, key, definitionNode(d))
	}
	aliases := c.Aliases()
	for _, id := range slices.Sorted(maps.Keys(aliases)) {
		a := aliases[id]
		n := mapping()
		add(n, "alias", scalar(a.Target))
		if a.Public {
			add(n, "public", boolean(true))
		}
		add(services, id, n)
	}
	if len(services.Content) > 0 {
		add(doc, "services", services)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("dumper: encode yaml: %w", err)
	}
	return enc.Close()
}

func definitionNode(d *container.Definition) *yaml.Node {
	n := mapping()
	if d.Class != "" {
		add(n, "class", scalar(d.Class))
	}
	if d.Public {
		add(n, "public", boolean(true))
	}
	if !d.Shared {
		add(n, "shared", boolean(false))
	}
	if d.Lazy {
		add(n, "lazy", boolean(true))
	}
	if d.Synthetic {
		add(n, "synthetic", boolean(true))
	}
	if len(d.Args) > 0 {
		add(n, "arguments", sequence(d.Args))
	}
	if len(d.Calls) > 0 {
		calls := &yaml.Node{Kind: yaml.SequenceNode}
		for _, call := range d.Calls {
			item := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
			item.Content = append(item.Content, scalar(call.Method))
			if len(call.Args) > 0 {
				item.Content = append(item.Content, sequence(call.Args))
			}
			calls.Content = append(calls.Content, item)
		}
		add(n, "calls", calls)
	}
	if tags := d.Tags(); len(tags) > 0 {
		seq := &yaml.Node{Kind: yaml.SequenceNode}
		for _, t := range tags {
			for _, attrs := range t.Attributes {
				if len(attrs) == 0 {
					seq.Content = append(seq.Content, scalar(t.Name))
					continue
				}
				tag := &yaml.Node{Kind: yaml.MappingNode, Style: yaml.FlowStyle}
				add(tag, "name", scalar(t.Name))
				for _, k := range slices.Sorted(maps.Keys(attrs)) {
					add(tag, k, literal(attrs[k]))
				}
				seq.Content = append(seq.Content, tag)
			}
		}
		add(n, "tags", seq)
	}

	if len(n.Content) == 0 {
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "~"}
	}
	return n
}

func notes(d *container.Definition) string {
	var out []string
	if d.Factory != nil {
		out = append(out, "built by a Go factory")
	}
	if d.Configurator != nil {
		out = append(out, "has a Go configurator")
	}
	return strings.Join(out, "; ")
}

// value converts an argument back to its YAML notation.
func value(v any) *yaml.Node {
	switch x := v.(type) {
	case container.Reference:
		if x.Invalid == container.ExceptionOnInvalid {
			return scalar("@" + x.ID)
		}
		return scalar("@?" + x.ID)
	case container.ServiceClosure:
		n := value(x.Ref)
		n.Tag = "!service_closure"
		return n
	case container.TaggedIterator:
		if x.IndexBy == "" {
			return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!tagged_iterator", Value: x.Tag}
		}
		n := &yaml.Node{Kind: yaml.MappingNode, Tag: "!tagged_iterator", Style: yaml.FlowStyle}
		add(n, "tag", scalar(x.Tag))
		add(n, "index_by", scalar(x.IndexBy))
		return n
	case *container.Definition:
		n := definitionNode(x)
		n.Tag = "!service"
		n.Style = yaml.FlowStyle
		return n
	case container.EnvPlaceholder:
		return scalar(x.Template)
	case string:
		return scalar(escape(x))
	case []any:
		return sequence(x)
	case map[string]any:
		n := &yaml.Node{Kind: yaml.MappingNode, Style: yaml.FlowStyle}
		for _, k := range slices.Sorted(maps.Keys(x)) {
			add(n, escape(k), value(x[k]))
		}
		return n
	}
	return literal(v)
}

// escape protects compiled strings from being read back as references or
// parameter placeholders.
func escape(s string) string {
	s = strings.ReplaceAll(s, "%", "%%")
	if strings.HasPrefix(s, "@") {
		s = "@" + s
	}
	return s
}

// literal encodes a plain value, recursing into collections.
func literal(v any) *yaml.Node {
	switch x := v.(type) {
	case string, container.Reference, container.ServiceClosure, container.TaggedIterator,
		container.EnvPlaceholder, []any, map[string]any, *container.Definition:
		return value(x)
	case nil:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}
	case bool:
		return boolean(x)
	case int:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.Itoa(x)}
	case float64:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!float", Value: strconv.FormatFloat(x, 'g', -1, 64)}
	}
	var n yaml.Node
	if err := n.Encode(v); err != nil {
		return scalar(fmt.Sprint(v))
	}
	return &n
}

// ── Node helpers ──────────────────────────────────────────────────────────────

func mapping() *yaml.Node { return &yaml.Node{Kind: yaml.MappingNode} }

func add(m *yaml.Node, key string, v *yaml.Node) {
	m.Content = append(m.Content, scalar(key), v)
}

func scalar(s string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s}
}

func boolean(b bool) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: strconv.FormatBool(b)}
}

func sequence(items []any) *yaml.Node {
	n := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
	for _, item := range items {
		n.Content = append(n.Content, value(item))
	}
	return n
}
