package flow

import (
	"fmt"
	"sort"
	"strings"
)

// Sketch renders a workflow as indented ASCII, one line per node, following
// edges from the start node. Handles are shown in brackets; nodes reachable
// through more than one path appear once with a back-reference marker.
// Intended for debug output and example programs, not for parsing.
func Sketch(wf *Workflow) string {
	start := wf.StartNode()
	if start == nil {
		return "(no start node)"
	}
	g := buildGraph(wf)

	var b strings.Builder
	seen := make(map[string]bool)

	var walk func(id, handle string, depth int)
	walk = func(id, handle string, depth int) {
		indent := strings.Repeat("  ", depth)
		label := id
		if node := g.nodes[id]; node != nil {
			label = fmt.Sprintf("%s (%s)", id, node.Type)
		}
		tag := ""
		if handle != HandleDefault {
			tag = "[" + handle + "] "
		}
		if seen[id] {
			fmt.Fprintf(&b, "%s%s%s ^\n", indent, tag, label)
			return
		}
		seen[id] = true
		fmt.Fprintf(&b, "%s%s%s\n", indent, tag, label)

		handles := make([]string, 0, len(g.children[id]))
		for h := range g.children[id] {
			handles = append(handles, h)
		}
		sort.Strings(handles)
		for _, h := range handles {
			for _, target := range g.children[id][h] {
				walk(target, h, depth+1)
			}
		}
	}
	walk(start.ID, HandleDefault, 0)
	return strings.TrimRight(b.String(), "\n")
}
