// Package flow provides the core execution engine for agent workflow graphs.
//
// A workflow is a user-authored directed graph of typed nodes (agent, router,
// parallel, whileLoop, subflow, memory, tool, start, output) connected by
// edges. The engine walks the graph breadth-first with parent-readiness
// gating, invokes an LLM provider for nodes that require inference, streams
// tokens to registered callbacks, and returns a final output together with
// per-node results and usage statistics.
//
// The package is headless: it has no server, no persistence, and no UI. The
// provider (flow/provider), memory adapter (flow/memory), tool registry
// (flow/tool) and observability emitter (flow/emit) are pluggable
// collaborators supplied by the embedder.
package flow

import (
	"encoding/json"
	"fmt"
)

// SchemaVersion is the wire-format version accepted and produced by this package.
const SchemaVersion = "2.0.0"

// Meta carries workflow-level metadata.
type Meta struct {
	// Version is the wire-format version. Must equal SchemaVersion.
	Version string `json:"version"`

	// Name is the user-visible workflow name.
	Name string `json:"name"`

	// Description optionally explains what the workflow does.
	Description string `json:"description,omitempty"`
}

// Position is the canvas coordinate of a node. The engine ignores it but
// preserves it through parse/serialize round-trips.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is a single processing unit in the workflow graph.
//
// Type selects the extension that executes the node. Data is the extension's
// configuration; its shape is defined by the extension and decoded from the
// raw map via DecodeNodeData.
type Node struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Position Position       `json:"position"`
	Data     map[string]any `json:"data"`
}

// Label returns the user-visible label for the node: data.label when present,
// otherwise the node ID.
func (n *Node) Label() string {
	if n.Data != nil {
		if s, ok := n.Data["label"].(string); ok && s != "" {
			return s
		}
	}
	return n.ID
}

// Edge connects two nodes.
//
// SourceHandle identifies which output port of the source emits this edge
// (for example "route-a", "branch-x", "body", "done", or the universal
// "error" handle). An empty SourceHandle means the node's single default
// output.
type Edge struct {
	ID           string         `json:"id"`
	Source       string         `json:"source"`
	Target       string         `json:"target"`
	SourceHandle string         `json:"sourceHandle,omitempty"`
	TargetHandle string         `json:"targetHandle,omitempty"`
	Label        string         `json:"label,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

// Workflow is the complete graph definition: metadata, nodes, and edges.
type Workflow struct {
	Meta  Meta   `json:"meta"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// NodeByID returns the node with the given ID, or nil if absent.
func (w *Workflow) NodeByID(id string) *Node {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i]
		}
	}
	return nil
}

// StartNode returns the unique start node, or nil if the workflow has none.
// Validation enforces uniqueness; this accessor returns the first match.
func (w *Workflow) StartNode() *Node {
	for i := range w.Nodes {
		if w.Nodes[i].Type == TypeStart {
			return &w.Nodes[i]
		}
	}
	return nil
}

// ParseWorkflow decodes a workflow from its JSON wire format.
//
// The input must carry meta.version equal to SchemaVersion. Structural
// validation (node references, ports, cycles) is performed separately by
// Validate; ParseWorkflow only rejects malformed JSON and version mismatches.
func ParseWorkflow(data []byte) (*Workflow, error) {
	var wf Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, &Error{Code: CodeValidation, Message: "malformed workflow JSON: " + err.Error(), Cause: err}
	}
	if wf.Meta.Version != SchemaVersion {
		return nil, &Error{
			Code:    CodeValidation,
			Message: fmt.Sprintf("unsupported workflow version %q (want %s)", wf.Meta.Version, SchemaVersion),
		}
	}
	return &wf, nil
}

// Marshal encodes the workflow back to its JSON wire format.
// parse(serialize(w)) deep-equals w for any valid workflow.
func (w *Workflow) Marshal() ([]byte, error) {
	return json.Marshal(w)
}

// AttachmentType classifies multimodal attachments.
type AttachmentType string

// Recognized attachment types.
const (
	AttachmentImage AttachmentType = "image"
	AttachmentFile  AttachmentType = "file"
	AttachmentAudio AttachmentType = "audio"
	AttachmentVideo AttachmentType = "video"
)

// Attachment is a multimodal input carried alongside the workflow's text
// input. Either URL or Content is set; Content is base64-encoded bytes.
type Attachment struct {
	ID       string         `json:"id"`
	Type     AttachmentType `json:"type"`
	MimeType string         `json:"mimeType"`
	URL      string         `json:"url,omitempty"`
	Content  string         `json:"content,omitempty"`
	Name     string         `json:"name,omitempty"`
}

// ExecutionInput is what a single execution receives: the user's text plus
// optional multimodal attachments. An empty Attachments slice behaves
// identically to a nil one.
type ExecutionInput struct {
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// DecodeNodeData decodes a node's raw data map into an extension's typed
// configuration struct via a JSON round-trip. Unknown keys are ignored so
// editor-only fields (label, color, collapsed) pass through harmlessly.
func DecodeNodeData(data map[string]any, out any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return &Error{Code: CodeValidation, Message: "node data not JSON-encodable: " + err.Error(), Cause: err}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Code: CodeValidation, Message: "node data does not match schema: " + err.Error(), Cause: err}
	}
	return nil
}
