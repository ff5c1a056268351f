package graph

import (
	"fmt"
	"strings"

	"github.com/aretw0/espalier/pkg/domain"
)

// Overlay contains run state to visualize on the graph.
type Overlay struct {
	VisitedNodes []string
	CurrentNode  string
}

// OverlayFor builds an overlay from a run record.
func OverlayFor(rec *domain.ExecutionRecord) *Overlay {
	if rec == nil {
		return nil
	}
	return &Overlay{VisitedNodes: rec.Visited(), CurrentNode: rec.CurrentNode}
}

// Mermaid produces a Mermaid flowchart of the definition.
// It applies semantic styling:
// - Start: ((Circle))
// - Conditional: {Rhombus}
// - Approval: {{Hexagon}}
// - Terminal: ([Stadium])
// - Default: [Rectangle]
// Group defaults are drawn dotted. Overlay styles are applied if provided.
func Mermaid(def *Definition, overlay *Overlay) string {
	var sb strings.Builder
	sb.WriteString("graph TD\n")

	for _, node := range def.Nodes() {
		safeID := sanitizeMermaidID(node.ID)

		opener, closer := "[", "]"
		switch {
		case node.ID == def.Start():
			opener, closer = "((", "))"
		case node.Kind == domain.KindConditional:
			opener, closer = "{", "}"
		case node.Kind == domain.KindApproval:
			opener, closer = "{{", "}}"
		case node.Kind == domain.KindTerminal:
			opener, closer = "([", "])"
		}
		fmt.Fprintf(&sb, "    %s%s\"%s\"%s\n", safeID, opener, node.ID, closer)

		if to, ok := def.Edge(node.ID); ok {
			fmt.Fprintf(&sb, "    %s --> %s\n", safeID, sanitizeMermaidID(to))
		}
		if g, ok := def.Group(node.ID); ok {
			for i, c := range g.Cases {
				label := c.Name
				if label == "" {
					label = fmt.Sprintf("case %d", i+1)
				}
				// Escape double quotes for the Mermaid label
				label = strings.ReplaceAll(label, "\"", "'")
				fmt.Fprintf(&sb, "    %s -- \"%s\" --> %s\n", safeID, label, sanitizeMermaidID(c.To))
			}
			fmt.Fprintf(&sb, "    %s -. \"default\" .-> %s\n", safeID, sanitizeMermaidID(g.Default))
		}
	}

	if overlay != nil {
		sb.WriteString("\n    %% Overlay Styles\n")
		// Force black text (color:#000) for contrast on light backgrounds, regardless of theme
		sb.WriteString("    classDef visited fill:#e1f5fe,stroke:#01579b,stroke-width:2px,color:#000;\n")
		sb.WriteString("    classDef current fill:#ffeb3b,stroke:#fbc02d,stroke-width:4px,color:#000;\n")

		visitedSet := make(map[string]bool)
		for _, id := range overlay.VisitedNodes {
			safeID := sanitizeMermaidID(id)
			if !visitedSet[safeID] && safeID != "" {
				visitedSet[safeID] = true
				fmt.Fprintf(&sb, "    class %s visited;\n", safeID)
			}
		}

		if overlay.CurrentNode != "" {
			fmt.Fprintf(&sb, "    class %s current;\n", sanitizeMermaidID(overlay.CurrentNode))
		}
	}

	return sb.String()
}

func sanitizeMermaidID(id string) string {
	return strings.NewReplacer(".", "_", "-", "_", "/", "_", "\\", "_", " ", "_").Replace(id)
}
