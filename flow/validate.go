package flow

import (
	"fmt"
	"sort"
)

// Issue is a single validation finding.
type Issue struct {
	// NodeID or EdgeID locates the finding; one may be empty.
	NodeID string `json:"nodeId,omitempty"`
	EdgeID string `json:"edgeId,omitempty"`

	// Message describes the problem.
	Message string `json:"message"`
}

func (i Issue) String() string {
	switch {
	case i.NodeID != "":
		return fmt.Sprintf("node %s: %s", i.NodeID, i.Message)
	case i.EdgeID != "":
		return fmt.Sprintf("edge %s: %s", i.EdgeID, i.Message)
	}
	return i.Message
}

// ValidationResult lists hard errors (execution refused) and warnings
// (execution proceeds). Validating the same workflow twice yields deep-equal
// results.
type ValidationResult struct {
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

// Valid reports whether the workflow has no hard errors.
func (v *ValidationResult) Valid() bool { return len(v.Errors) == 0 }

// Err converts a failed result into a structured VALIDATION error, or nil
// when the workflow is valid.
func (v *ValidationResult) Err() error {
	if v.Valid() {
		return nil
	}
	msg := v.Errors[0].String()
	if n := len(v.Errors); n > 1 {
		msg = fmt.Sprintf("%s (and %d more)", msg, n-1)
	}
	return &Error{Code: CodeValidation, Message: msg}
}

// Validate statically checks a workflow against the given registries.
//
// Hard errors:
//   - not exactly one start node, or a start node with inputs
//   - unknown node type (no registered extension)
//   - edge referencing a missing node
//   - sourceHandle that is neither a declared static port, a dynamic port
//     computed from node data, nor the universal error/rejected handles
//   - per-extension data validation failures
//   - a cycle that does not pass through a whileLoop back-edge
//   - a subflow node referencing an unregistered subflow
//   - a required input port with no incoming edge
//
// Warnings:
//   - nodes unreachable from the start node
//
// Subflows is optional; pass nil to skip subflow reference checks.
func Validate(wf *Workflow, exts *ExtensionRegistry, subflows *SubflowRegistry) *ValidationResult {
	res := &ValidationResult{Errors: []Issue{}, Warnings: []Issue{}}
	if exts == nil {
		exts = DefaultRegistry()
	}

	nodeByID := make(map[string]*Node, len(wf.Nodes))
	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		if _, dup := nodeByID[n.ID]; dup {
			res.Errors = append(res.Errors, Issue{NodeID: n.ID, Message: "duplicate node ID"})
			continue
		}
		nodeByID[n.ID] = n
	}

	// Exactly one start node with no inputs.
	var startID string
	startCount := 0
	for i := range wf.Nodes {
		if wf.Nodes[i].Type == TypeStart {
			startCount++
			startID = wf.Nodes[i].ID
		}
	}
	switch {
	case startCount == 0:
		res.Errors = append(res.Errors, Issue{Message: "workflow has no start node"})
	case startCount > 1:
		res.Errors = append(res.Errors, Issue{Message: fmt.Sprintf("workflow has %d start nodes, want exactly 1", startCount)})
	}

	// Per-node: extension existence and data validation.
	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		ext := exts.Get(n.Type)
		if ext == nil {
			res.Errors = append(res.Errors, Issue{NodeID: n.ID, Message: "unknown node type: " + n.Type})
			continue
		}
		if err := ext.Validate(n, wf); err != nil {
			res.Errors = append(res.Errors, Issue{NodeID: n.ID, Message: err.Error()})
		}
		if n.Type == TypeSubflow && subflows != nil {
			var cfg subflowConfig
			if DecodeNodeData(n.Data, &cfg) == nil && cfg.SubflowID != "" && !subflows.Has(cfg.SubflowID) {
				res.Errors = append(res.Errors, Issue{NodeID: n.ID, Message: "unknown subflow: " + cfg.SubflowID})
			}
		}
	}

	// Edges: reference checks, start-node input check, handle checks.
	for i := range wf.Edges {
		e := &wf.Edges[i]
		src, srcOK := nodeByID[e.Source]
		if !srcOK {
			res.Errors = append(res.Errors, Issue{EdgeID: e.ID, Message: "source references missing node: " + e.Source})
		}
		tgt, tgtOK := nodeByID[e.Target]
		if !tgtOK {
			res.Errors = append(res.Errors, Issue{EdgeID: e.ID, Message: "target references missing node: " + e.Target})
		}
		if tgtOK && tgt.Type == TypeStart {
			res.Errors = append(res.Errors, Issue{EdgeID: e.ID, Message: "start node cannot have inputs"})
		}
		if srcOK && e.SourceHandle != HandleDefault && e.SourceHandle != HandleError && e.SourceHandle != HandleRejected {
			if ext := exts.Get(src.Type); ext != nil {
				if !outputPorts(ext, src)[e.SourceHandle] {
					res.Errors = append(res.Errors, Issue{
						EdgeID:  e.ID,
						Message: fmt.Sprintf("sourceHandle %q is not a port of %s node %s", e.SourceHandle, src.Type, src.ID),
					})
				}
			}
		}
	}

	// Required input ports must be fed.
	incoming := make(map[string]bool)
	for i := range wf.Edges {
		incoming[wf.Edges[i].Target] = true
	}
	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		ext := exts.Get(n.Type)
		if ext == nil {
			continue
		}
		for _, p := range ext.Ports() {
			if p.Kind == PortInput && p.Required && !incoming[n.ID] {
				res.Errors = append(res.Errors, Issue{NodeID: n.ID, Message: "required input port has no incoming edge"})
			}
		}
	}

	// Cycle detection: the graph must be a DAG once whileLoop back-edges are
	// removed. A back-edge is any edge targeting a whileLoop node from inside
	// its own body subgraph. Runs only on structurally sound graphs so the
	// traversal cannot chase dangling references.
	if startCount == 1 && len(res.Errors) == 0 {
		g := buildGraph(wf)
		if cyclic, at := detectCycle(wf, g); cyclic {
			res.Errors = append(res.Errors, Issue{NodeID: at, Message: "cycle detected outside a whileLoop body"})
		}
	}

	// Reachability warnings are reported even alongside hard errors, so an
	// editor can surface both at once.
	if startCount == 1 {
		g := buildGraph(wf)
		reach := map[string]bool{startID: true}
		queue := []string{startID}
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			for _, targets := range g.children[id] {
				for _, t := range targets {
					if !reach[t] {
						reach[t] = true
						queue = append(queue, t)
					}
				}
			}
		}
		var unreachable []string
		for id := range nodeByID {
			if !reach[id] {
				unreachable = append(unreachable, id)
			}
		}
		sort.Strings(unreachable)
		for _, id := range unreachable {
			res.Warnings = append(res.Warnings, Issue{NodeID: id, Message: "node is unreachable from the start node"})
		}
	}

	return res
}

// detectCycle runs an iterative three-color DFS over the workflow with
// whileLoop back-edges excluded. Returns the first node found on a cycle.
func detectCycle(wf *Workflow, g *graph) (bool, string) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(wf.Nodes))

	// Collect forward targets, skipping loop-return edges.
	next := func(id string) []string {
		var out []string
		for _, targets := range g.children[id] {
			for _, t := range targets {
				if g.isLoopReturn(id, t) {
					continue
				}
				out = append(out, t)
			}
		}
		return out
	}

	var visit func(id string) (bool, string)
	visit = func(id string) (bool, string) {
		color[id] = gray
		for _, t := range next(id) {
			switch color[t] {
			case gray:
				return true, t
			case white:
				if cyclic, at := visit(t); cyclic {
					return true, at
				}
			}
		}
		color[id] = black
		return false, ""
	}

	for i := range wf.Nodes {
		id := wf.Nodes[i].ID
		if color[id] == white {
			if cyclic, at := visit(id); cyclic {
				return true, at
			}
		}
	}
	return false, ""
}
