package workflow

import (
	"fmt"
	"strings"
)

// Snapshot renders the tree as an XML-like string. Written to the debug log
// every frame so a stuck run can be diagnosed from the last snapshot.
func Snapshot(root *Node) string {
	var b strings.Builder
	writeNode(&b, root, 0)
	return b.String()
}

func writeNode(b *strings.Builder, n *Node, depth int) {
	if n == nil {
		return
	}
	pad := strings.Repeat("  ", depth)

	var attrs []string
	if n.ID != "" {
		attrs = append(attrs, fmt.Sprintf("id=%q", n.ID))
	}
	switch n.Kind {
	case KindLoop:
		attrs = append(attrs, fmt.Sprintf("iteration=%q", itoa(n.Iteration)))
		if n.MaxIterations > 0 {
			attrs = append(attrs, fmt.Sprintf("max=%q", itoa(n.MaxIterations)))
		}
	case KindParallel, KindMergeQueue:
		if n.Cap > 0 {
			attrs = append(attrs, fmt.Sprintf("cap=%q", itoa(n.Cap)))
		}
	case KindWorktree:
		attrs = append(attrs, fmt.Sprintf("workspace=%q", n.WorkspaceID))
	case KindBranch:
		attrs = append(attrs, fmt.Sprintf("active=%q", itoa(n.Active)))
	case KindTask:
		attrs = append(attrs, fmt.Sprintf("schema=%q", n.Task.SchemaKey))
		if n.Task.Skip {
			attrs = append(attrs, `skip="true"`)
		}
	}

	open := string(n.Kind)
	if len(attrs) > 0 {
		open += " " + strings.Join(attrs, " ")
	}
	if len(n.Children) == 0 {
		fmt.Fprintf(b, "%s<%s/>\n", pad, open)
		return
	}
	fmt.Fprintf(b, "%s<%s>\n", pad, open)
	for _, child := range n.Children {
		writeNode(b, child, depth+1)
	}
	fmt.Fprintf(b, "%s</%s>\n", pad, n.Kind)
}

func itoa(n int) string { return fmt.Sprintf("%d", n) }
