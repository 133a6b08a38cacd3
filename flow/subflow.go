package flow

import (
	"strings"
	"sync"
)

// SubflowDefinition is a reusable workflow registered for invocation by
// subflow nodes.
type SubflowDefinition struct {
	// ID is the identifier subflow nodes reference.
	ID string

	// Name is a human-readable label.
	Name string

	// Workflow is the inner graph.
	Workflow *Workflow
}

// SubflowRegistry is a process-scoped container of reusable workflows.
// Safe for concurrent use.
type SubflowRegistry struct {
	mu   sync.RWMutex
	defs map[string]*SubflowDefinition
}

// NewSubflowRegistry returns an empty registry.
func NewSubflowRegistry() *SubflowRegistry {
	return &SubflowRegistry{defs: make(map[string]*SubflowDefinition)}
}

// Register adds or replaces a definition.
func (r *SubflowRegistry) Register(def *SubflowDefinition) error {
	if def == nil || def.ID == "" {
		return &Error{Code: CodeValidation, Message: "subflow definition requires an ID"}
	}
	if def.Workflow == nil {
		return &Error{Code: CodeValidation, Message: "subflow " + def.ID + " has no workflow"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.ID] = def
	return nil
}

// Get returns a definition by ID, or nil.
func (r *SubflowRegistry) Get(id string) *SubflowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defs[id]
}

// Has reports whether an ID is registered.
func (r *SubflowRegistry) Has(id string) bool { return r.Get(id) != nil }

// List returns all definitions in unspecified order.
func (r *SubflowRegistry) List() []*SubflowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*SubflowDefinition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	return out
}

// Unregister removes a definition. Unknown IDs are a no-op.
func (r *SubflowRegistry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.defs, id)
}

// Clear removes every definition.
func (r *SubflowRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs = make(map[string]*SubflowDefinition)
}

// resolveMapping expands a subflow input-mapping expression against the
// current execution context. Supported placeholders:
//
//	{{input}}            the current node input
//	{{outputs.<id>}}     a prior node's output
//	{{context.sessionId}} the session identifier
//
// Placeholders may be embedded in literal text; unknown placeholders expand
// to the empty string.
func resolveMapping(expr string, input string, outputs map[string]string, sessionID string) string {
	if !strings.Contains(expr, "{{") {
		return expr
	}
	var b strings.Builder
	rest := expr
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			b.WriteString(rest)
			break
		}
		closeIdx := strings.Index(rest[open:], "}}")
		if closeIdx < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:open])
		key := strings.TrimSpace(rest[open+2 : open+closeIdx])
		rest = rest[open+closeIdx+2:]

		switch {
		case key == "input":
			b.WriteString(input)
		case key == "context.sessionId":
			b.WriteString(sessionID)
		case strings.HasPrefix(key, "outputs."):
			b.WriteString(outputs[strings.TrimPrefix(key, "outputs.")])
		}
	}
	return b.String()
}
