package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a Model as a Mermaid flowchart string.
func RenderMermaid(model *Model) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))
	}

	for _, edge := range model.Edges {
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", mermaidEscapeLabel(edge.Label))
		}
		fmt.Fprintf(&b, "    %s -->%s %s\n", mermaidSafeID(edge.From), label, mermaidSafeID(edge.To))
	}

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef waiting fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")

	for _, node := range model.Nodes {
		if node.Status == nil {
			continue
		}
		fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(node.ID), node.Status.Status)
	}

	return b.String()
}

// mermaidNodeDef returns a Mermaid node definition with the appropriate shape.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := mermaidEscapeLabel(node.Label)

	switch node.Kind {
	case NodeKindCondition:
		return fmt.Sprintf("%s{\"%s\"}", id, label)
	case NodeKindApproval:
		return fmt.Sprintf("%s{{\"%s\"}}", id, label)
	case NodeKindDelay:
		return fmt.Sprintf("%s([\"%s\"])", id, label)
	case NodeKindNotification:
		return fmt.Sprintf("%s>\"%s\"]", id, label)
	case NodeKindIntegration:
		return fmt.Sprintf("%s[[\"%s\"]]", id, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((\"%s\"))", id, label)
	default: // action
		return fmt.Sprintf("%s[\"%s\"]", id, label)
	}
}

var safeID = strings.NewReplacer(".", "_", "-", "_", " ", "_", ":", "_")

// mermaidSafeID converts a step id to a Mermaid-safe identifier.
func mermaidSafeID(id string) string {
	return safeID.Replace(id)
}

var labelEscaper = strings.NewReplacer(`"`, "#quot;", "|", "#124;", "\n", " ")

// mermaidEscapeLabel escapes characters that end a Mermaid label early.
func mermaidEscapeLabel(s string) string {
	return labelEscaper.Replace(s)
}
