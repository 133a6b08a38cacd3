package flow

// graph holds the adjacency structures the scheduler traverses. It is built
// once per execution from the workflow's edge list and never mutated.
type graph struct {
	// children maps source node ID -> source handle -> target node IDs,
	// preserving edge-declaration order within each handle.
	children map[string]map[string][]string

	// parents maps target node ID -> source node IDs (declaration order,
	// deduplicated).
	parents map[string][]string

	// edgeByPair maps "source\x00target" to the first edge connecting the
	// pair, used to recover the handle an input arrived on.
	edgeByPair map[string]*Edge

	nodes map[string]*Node
}

func buildGraph(wf *Workflow) *graph {
	g := &graph{
		children:   make(map[string]map[string][]string),
		parents:    make(map[string][]string),
		edgeByPair: make(map[string]*Edge),
		nodes:      make(map[string]*Node, len(wf.Nodes)),
	}
	for i := range wf.Nodes {
		g.nodes[wf.Nodes[i].ID] = &wf.Nodes[i]
	}
	for i := range wf.Edges {
		e := &wf.Edges[i]
		byHandle := g.children[e.Source]
		if byHandle == nil {
			byHandle = make(map[string][]string)
			g.children[e.Source] = byHandle
		}
		byHandle[e.SourceHandle] = append(byHandle[e.SourceHandle], e.Target)

		if !containsString(g.parents[e.Target], e.Source) {
			g.parents[e.Target] = append(g.parents[e.Target], e.Source)
		}
		key := e.Source + "\x00" + e.Target
		if _, dup := g.edgeByPair[key]; !dup {
			g.edgeByPair[key] = e
		}
	}
	return g
}

// childrenOn returns the targets connected to a node's handle, in edge order.
func (g *graph) childrenOn(nodeID, handle string) []string {
	byHandle := g.children[nodeID]
	if byHandle == nil {
		return nil
	}
	return byHandle[handle]
}

// allChildren returns the targets on a node's default output handle in edge
// order. Named handles (routes, branches, body/done, error, rejected) are
// reached only through their owning executors, never by default fan-out.
func (g *graph) allChildren(nodeID string) []string {
	byHandle := g.children[nodeID]
	if byHandle == nil {
		return nil
	}
	return byHandle[HandleDefault]
}

// parentsOf returns the source node IDs feeding into a node.
func (g *graph) parentsOf(nodeID string) []string {
	return g.parents[nodeID]
}

// edgeBetween returns the first edge from source to target, or nil.
func (g *graph) edgeBetween(source, target string) *Edge {
	return g.edgeByPair[source+"\x00"+target]
}

// isLoopReturn reports whether the edge from parent to child is a back-edge
// returning into a whileLoop node from its body subgraph. Such edges are the
// only cycles the data model permits, and the readiness gate exempts them.
func (g *graph) isLoopReturn(parent, child string) bool {
	node := g.nodes[child]
	return node != nil && node.Type == TypeWhileLoop && g.reachableFrom(child, parent, "body")
}

// reachableFrom reports whether target is reachable from the subgraph rooted
// at root's given handle, without traversing back through root.
func (g *graph) reachableFrom(root, target, handle string) bool {
	seen := map[string]bool{root: true}
	queue := append([]string(nil), g.childrenOn(root, handle)...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		if id == target {
			return true
		}
		for _, targets := range g.children[id] {
			queue = append(queue, targets...)
		}
	}
	return false
}

// subgraphScope returns the set of nodes reachable from root without
// crossing stopAt nodes. Used to scope the readiness gate during subgraph
// runs.
func (g *graph) subgraphScope(root string, stopAt map[string]bool) map[string]bool {
	scope := map[string]bool{root: true}
	queue := []string{root}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, targets := range g.children[id] {
			for _, t := range targets {
				if scope[t] || stopAt[t] {
					continue
				}
				scope[t] = true
				queue = append(queue, t)
			}
		}
	}
	return scope
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
