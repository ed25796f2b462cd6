package dumper

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/km-arc/go-symfony/framework/container"
)

// ── Graphviz ──────────────────────────────────────────────────────────────────

// GraphvizOptions tunes the DOT output.
type GraphvizOptions struct {
	// Name is the graph identifier. Defaults to "sc".
	Name string

	// HidePrivate leaves out private services and the edges that touch them.
	HidePrivate bool
}

// Graphviz writes the reference graph of c in DOT format. Public services
// are filled, lazy edges are dashed and method call edges are dotted.
//
//	container dump --format dot | dot -Tsvg > services.svg
func Graphviz(w io.Writer, c *container.Container, opts GraphvizOptions) error {
	name := opts.Name
	if name == "" {
		name = "sc"
	}
	g := c.Graph()
	visible := func(n *container.GraphNode) bool {
		if n.Definition == nil {
			return !opts.HidePrivate || n.ID == container.ServiceContainerID
		}
		return !opts.HidePrivate || n.Definition.Public
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "digraph %s {\n", quoteID(name))
	bw.WriteString("  ratio=\"compress\";\n")
	bw.WriteString("  node [fontsize=\"11\" fontname=\"Arial\" shape=\"record\"];\n")
	bw.WriteString("  edge [fontsize=\"9\" fontname=\"Arial\" color=\"grey\" arrowhead=\"open\" arrowsize=\"0.5\"];\n\n")

	for _, n := range g.Nodes() {
		if !visible(n) {
			continue
		}
		fmt.Fprintf(bw, "  %s [%s];\n", nodeID(n.ID), nodeAttrs(n))
	}
	bw.WriteString("\n")
	for _, e := range g.Edges() {
		if !visible(e.Source) || !visible(e.Target) {
			continue
		}
		style := "filled"
		switch {
		case e.Lazy:
			style = "dashed"
		case e.Weak:
			style = "dotted"
		}
		fmt.Fprintf(bw, "  %s -> %s [style=%q];\n", nodeID(e.Source.ID), nodeID(e.Target.ID), style)
	}
	bw.WriteString("}\n")
	return bw.Flush()
}

func nodeAttrs(n *container.GraphNode) string {
	label := n.ID
	color := "#ffffff"
	switch d := n.Definition; {
	case d == nil:
		color = "#9999ff"
	case d.Synthetic:
		label += "\\n(synthetic)"
		color = "#ff9999"
	default:
		if d.Class != "" {
			label += "\\n" + d.Class
		}
		if d.Public {
			color = "#eeeeee"
		}
	}
	return fmt.Sprintf(`label="%s", shape=record, fillcolor="%s", style="filled"`, escapeLabel(label), color)
}

// nodeID turns a service id into a DOT identifier.
func nodeID(id string) string {
	var sb strings.Builder
	sb.WriteString("node_")
	for _, r := range id {
		if r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			sb.WriteRune(r)
			continue
		}
		sb.WriteByte('_')
	}
	return sb.String()
}

func quoteID(s string) string {
	if nodeID(s) == "node_"+s {
		return s
	}
	return fmt.Sprintf("%q", s)
}

// escapeLabel keeps quotes and record-shape separators literal.
var escapeLabel = strings.NewReplacer(
	`"`, `\"`, "{", `\{`, "}", `\}`, "|", `\|`, "<", `\<`, ">", `\>`,
).Replace
