package flow

import (
	"context"
	"sync"
)

// Built-in node type names. Each resolves to an Extension in the registry.
const (
	TypeStart     = "start"
	TypeAgent     = "agent"
	TypeRouter    = "router"
	TypeParallel  = "parallel"
	TypeWhileLoop = "whileLoop"
	TypeSubflow   = "subflow"
	TypeMemory    = "memory"
	TypeTool      = "tool"
	TypeOutput    = "output"
)

// PortKind distinguishes input ports from output ports.
type PortKind string

// Port kinds.
const (
	PortInput  PortKind = "input"
	PortOutput PortKind = "output"
)

// Universal output handle names shared across extensions.
const (
	// HandleDefault is the implicit single output (empty sourceHandle on edges).
	HandleDefault = ""

	// HandleError is the universal error output available on every node.
	// An edge on this handle receives a serialized error context when the
	// node fails with errorHandling.mode = "branch".
	HandleError = "error"

	// HandleRejected receives control when a HITL reviewer rejects a node's
	// output and the port is connected.
	HandleRejected = "rejected"
)

// PortDefinition describes one input or output port of a node type.
//
// Outputs may be static (declared by the extension) or dynamic (derived from
// node data via Extension.DynamicPorts — e.g. router routes, parallel
// branches, whileLoop body/done).
type PortDefinition struct {
	// ID is the handle name edges reference via sourceHandle/targetHandle.
	ID string

	// Kind is PortInput or PortOutput.
	Kind PortKind

	// DataType optionally names the payload type ("text", "any").
	DataType string

	// Required marks input ports that must have at least one incoming edge.
	Required bool

	// Multiple permits more than one edge on this port.
	Multiple bool
}

// NodeOutcome is what an executor returns on success.
type NodeOutcome struct {
	// Output is the node's produced string, stored in the execution outputs
	// map and fed to downstream nodes.
	Output string

	// Next lists node IDs the scheduler should enqueue after this node.
	Next []string
}

// Extension defines a node type: its ports, validation rules, and executor.
//
// Extensions are registered in an ExtensionRegistry and looked up by the
// scheduler via Node.Type. Implementations must be safe for concurrent use;
// the same extension value executes nodes across parallel branches.
type Extension interface {
	// Type returns the node type name this extension handles.
	Type() string

	// Ports returns the statically declared ports.
	Ports() []PortDefinition

	// DynamicPorts computes data-dependent output ports from a node's raw
	// data (router routes, parallel branches, loop body/done). Returns nil
	// when the type has no dynamic ports.
	DynamicPorts(data map[string]any) []PortDefinition

	// Validate statically checks a node's data against the extension's
	// schema. Called by the workflow validator; errors carry CodeValidation.
	Validate(node *Node, wf *Workflow) error

	// Execute runs the node. The ExecContext exposes the current input,
	// attachments, session, outputs map, provider handle, registries, and
	// callbacks. Execute must honor ctx cancellation on every blocking call.
	Execute(ctx context.Context, ec *ExecContext, node *Node) (*NodeOutcome, error)
}

// ExtensionRegistry maps node type names to extensions. It is a
// process-scoped container owned by the embedder; registration after
// executions have started is permitted but applies only to later executions.
type ExtensionRegistry struct {
	mu   sync.RWMutex
	byID map[string]Extension
}

// NewExtensionRegistry returns an empty registry.
func NewExtensionRegistry() *ExtensionRegistry {
	return &ExtensionRegistry{byID: make(map[string]Extension)}
}

// DefaultRegistry returns a registry pre-loaded with the nine built-in node
// types: start, agent, router, parallel, whileLoop, subflow, memory, tool,
// and output.
func DefaultRegistry() *ExtensionRegistry {
	r := NewExtensionRegistry()
	for _, ext := range []Extension{
		&startExtension{},
		&agentExtension{},
		&routerExtension{},
		&parallelExtension{},
		&whileLoopExtension{},
		&subflowExtension{},
		&memoryExtension{},
		&toolExtension{},
		&outputExtension{},
	} {
		// Built-ins cannot collide; ignore the duplicate error path.
		_ = r.Register(ext)
	}
	return r
}

// Register adds an extension. Registering a type name twice is an error.
func (r *ExtensionRegistry) Register(ext Extension) error {
	if ext == nil {
		return &Error{Code: CodeValidation, Message: "extension cannot be nil"}
	}
	name := ext.Type()
	if name == "" {
		return &Error{Code: CodeValidation, Message: "extension type name cannot be empty"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[name]; exists {
		return &Error{Code: CodeValidation, Message: "duplicate extension type: " + name}
	}
	r.byID[name] = ext
	return nil
}

// Get returns the extension for a node type, or nil when unregistered.
func (r *ExtensionRegistry) Get(nodeType string) Extension {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[nodeType]
}

// Has reports whether a node type is registered.
func (r *ExtensionRegistry) Has(nodeType string) bool {
	return r.Get(nodeType) != nil
}

// Types returns the registered type names in unspecified order.
func (r *ExtensionRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byID))
	for name := range r.byID {
		out = append(out, name)
	}
	return out
}

// Unregister removes a type. Unknown names are a no-op.
func (r *ExtensionRegistry) Unregister(nodeType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, nodeType)
}

// outputPorts is a convenience for extensions: looks up the combined static
// plus dynamic output port IDs for a node.
func outputPorts(ext Extension, node *Node) map[string]bool {
	ports := make(map[string]bool)
	for _, p := range ext.Ports() {
		if p.Kind == PortOutput {
			ports[p.ID] = true
		}
	}
	for _, p := range ext.DynamicPorts(node.Data) {
		if p.Kind == PortOutput {
			ports[p.ID] = true
		}
	}
	return ports
}
