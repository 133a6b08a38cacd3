package flow

import (
	"context"
	"sync"

	"github.com/jmilden/agentflow-go/flow/emit"
	"github.com/jmilden/agentflow-go/flow/memory"
	"github.com/jmilden/agentflow-go/flow/provider"
	"github.com/jmilden/agentflow-go/flow/tool"
)

// LoopState is the per-execution bookkeeping for one whileLoop node.
type LoopState struct {
	// Iteration counts completed body runs.
	Iteration int

	// Outputs collects each body iteration's output in order.
	Outputs []string

	// LastOutput is the most recent body output; empty before the first run.
	LastOutput string

	// IsActive is true while the loop is running; cleared at loop exit.
	IsActive bool
}

// execState is the mutable state shared across one execution, including all
// of its subgraph runs. All access goes through the mutex; parallel branches
// touch it concurrently.
type execState struct {
	mu sync.Mutex

	outputs        map[string]string
	executionOrder []string
	execCounts     map[string]int
	loopStates     map[string]*LoopState
	branchInstance map[string]int
	usage          map[string]*ModelUsage
	lastActive     string
	finalNodeID    string
	finalOutput    string
	sawTerminal    bool

	// cancelReported ensures the CANCELLED node error is surfaced at most
	// once even when the abort bubbles through nested subgraph runs.
	cancelReported bool
}

func newExecState() *execState {
	return &execState{
		outputs:        make(map[string]string),
		execCounts:     make(map[string]int),
		loopStates:     make(map[string]*LoopState),
		branchInstance: make(map[string]int),
		usage:          make(map[string]*ModelUsage),
	}
}

// ExecContext is what executors receive: a view over the execution's shared
// state plus the per-invocation input. The scheduler owns the context;
// executors borrow it for the duration of one Execute call.
//
// ExecContext values are copied per node invocation; the pointers inside
// (state, session, registries) are shared.
type ExecContext struct {
	// ExecutionID is the engine-assigned unique run identifier.
	ExecutionID string

	// Provider is the LLM handle for this execution.
	Provider provider.Provider

	// Session is the chat transcript. Mutate only via its methods.
	Session *Session

	// Options are the resolved execution options.
	Options *ExecutionOptions

	// Callbacks is the caller's callback bus; never nil (a zero-value bus
	// is substituted).
	Callbacks *ExecutionCallbacks

	// Workflow is the graph under execution (the innermost one, inside
	// subflows).
	Workflow *Workflow

	engine *Engine
	graph  *graph
	state  *execState

	// Per-invocation fields, set by the scheduler before Execute.
	input        string
	attachments  []Attachment
	terminal     bool
	iteration    int
	subflowDepth int
	branchKey    *branchStream
}

// branchStream identifies the branch a node executes under, so token
// callbacks can be scoped per (nodeID, instance, branchID).
type branchStream struct {
	nodeID   string
	instance int
	branchID string
}

// Input returns the node's current input string.
func (ec *ExecContext) Input() string { return ec.input }

// Attachments returns the execution's multimodal attachments as exposed by
// the start node.
func (ec *ExecContext) Attachments() []Attachment { return ec.attachments }

// IsTerminal reports whether the current node has no non-error children,
// making its output a candidate final output whose tokens also stream to
// OnWorkflowToken.
func (ec *ExecContext) IsTerminal() bool { return ec.terminal }

// SubflowDepth returns the current nesting depth (0 at top level).
func (ec *ExecContext) SubflowDepth() int { return ec.subflowDepth }

// Output returns a prior node's output and whether it exists.
func (ec *ExecContext) Output(nodeID string) (string, bool) {
	ec.state.mu.Lock()
	defer ec.state.mu.Unlock()
	out, ok := ec.state.outputs[nodeID]
	return out, ok
}

// Outputs returns a snapshot copy of the outputs map.
func (ec *ExecContext) Outputs() map[string]string {
	ec.state.mu.Lock()
	defer ec.state.mu.Unlock()
	out := make(map[string]string, len(ec.state.outputs))
	for k, v := range ec.state.outputs {
		out[k] = v
	}
	return out
}

// Memory returns the configured memory adapter, or nil.
func (ec *ExecContext) Memory() memory.Adapter { return ec.Options.Memory }

// Tools returns the configured tool registry, or nil.
func (ec *ExecContext) Tools() *tool.Registry { return ec.Options.Tools }

// ResolveModel picks the node's model or falls back to the execution
// default. An empty result is a validation error at the call site.
func (ec *ExecContext) ResolveModel(nodeModel string) string {
	if nodeModel != "" {
		return nodeModel
	}
	return ec.Options.DefaultModel
}

// CallTool dispatches a tool call: a registered tool wins, then the global
// OnToolCall handler. Unknown tools error with TOOL_HANDLER.
func (ec *ExecContext) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if reg := ec.Options.Tools; reg != nil {
		if def := reg.Get(name); def != nil {
			out, err := def.Handler(ctx, args)
			if err != nil {
				return "", &Error{Code: CodeToolHandler, Message: "tool " + name + ": " + err.Error(), Cause: err}
			}
			return out, nil
		}
	}
	if ec.Options.OnToolCall != nil {
		out, err := ec.Options.OnToolCall(name, args)
		if err != nil {
			return "", &Error{Code: CodeToolHandler, Message: "tool " + name + ": " + err.Error(), Cause: err}
		}
		return out, nil
	}
	return "", &Error{Code: CodeToolHandler, Message: "no handler registered for tool " + name}
}

// ExecuteSubgraph runs the subgraph rooted at rootID with the given input
// and returns the last executed node's output. Used by the parallel,
// whileLoop, and subflow executors; stopAt nodes (may be nil) act as
// traversal boundaries and are not executed.
func (ec *ExecContext) ExecuteSubgraph(ctx context.Context, rootID, input string, stopAt map[string]bool) (string, error) {
	return ec.engine.runSubgraph(ctx, ec, rootID, input, stopAt)
}

// lookupEvaluator resolves a whileLoop's condition evaluator: the name the
// node declares via customEvaluator wins, then an evaluator registered under
// the node's ID. A declared name with no registration warns, so the silent
// fall-through to the LLM condition is visible.
func (ec *ExecContext) lookupEvaluator(name string, node *Node) LoopEvaluator {
	if name != "" {
		if ev := ec.Options.Evaluators[name]; ev != nil {
			return ev
		}
		ec.Callbacks.warning(node.ID, "no evaluator registered under "+name+", falling back to the condition prompt")
	}
	return ec.Options.Evaluators[node.ID]
}

// loopState fetches or creates the LoopState for a whileLoop node.
func (ec *ExecContext) loopState(nodeID string) *LoopState {
	ec.state.mu.Lock()
	defer ec.state.mu.Unlock()
	ls := ec.state.loopStates[nodeID]
	if ls == nil {
		ls = &LoopState{IsActive: true}
		ec.state.loopStates[nodeID] = ls
	}
	return ls
}

// clearLoopState drops a whileLoop node's state at loop exit.
func (ec *ExecContext) clearLoopState(nodeID string) {
	ec.state.mu.Lock()
	defer ec.state.mu.Unlock()
	delete(ec.state.loopStates, nodeID)
}

// nextBranchInstance increments and returns the parallel node's stream
// instance counter, keeping branch streams from colliding across loop
// iterations.
func (ec *ExecContext) nextBranchInstance(nodeID string) int {
	ec.state.mu.Lock()
	defer ec.state.mu.Unlock()
	ec.state.branchInstance[nodeID]++
	return ec.state.branchInstance[nodeID]
}

// recordUsage accumulates provider usage into the execution roll-up and
// fires OnTokenUsage.
func (ec *ExecContext) recordUsage(nodeID, model string, u *provider.Usage) {
	if u == nil {
		return
	}
	ec.state.mu.Lock()
	mu := ec.state.usage[model]
	if mu == nil {
		mu = &ModelUsage{Model: model}
		ec.state.usage[model] = mu
	}
	mu.Calls++
	mu.PromptTokens += u.PromptTokens
	mu.CompletionTokens += u.CompletionTokens
	mu.TotalTokens += u.TotalTokens
	ec.state.mu.Unlock()

	remaining := 0
	if caps := ec.Provider.Capabilities(model); caps != nil && caps.ContextLimit > 0 {
		remaining = caps.ContextLimit - countSession(ec.tokenCounter(), ec.Session.Messages())
		if remaining < 0 {
			remaining = 0
		}
	}
	ec.Callbacks.tokenUsage(TokenUsage{
		NodeID:           nodeID,
		Model:            model,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		RemainingContext: remaining,
	})
	if m := ec.engine.metrics; m != nil {
		m.recordTokens(model, u.PromptTokens, u.CompletionTokens)
	}
}

// tokenCounter returns the configured counter or the estimating default.
func (ec *ExecContext) tokenCounter() TokenCounter {
	if ec.Options.TokenCounter != nil {
		return ec.Options.TokenCounter
	}
	return EstimatingCounter{}
}

// streamToken routes one content token to the right callbacks for the
// current stream scope (top-level vs branch) and terminal status.
func (ec *ExecContext) streamToken(nodeID, tok string) {
	if ec.branchKey != nil {
		ec.Callbacks.branchToken(ec.branchKey.nodeID, ec.branchKey.instance, ec.branchKey.branchID, tok)
		return
	}
	ec.Callbacks.token(nodeID, tok)
	if ec.terminal {
		ec.Callbacks.workflowToken(nodeID, tok)
	}
}

// streamReasoning routes one reasoning token like streamToken.
func (ec *ExecContext) streamReasoning(nodeID, tok string) {
	if ec.branchKey != nil {
		ec.Callbacks.branchReasoning(ec.branchKey.nodeID, ec.branchKey.instance, ec.branchKey.branchID, tok)
		return
	}
	ec.Callbacks.reasoning(nodeID, tok)
}

// emitEvent forwards a structured event to the configured emitter, if any.
func (ec *ExecContext) emitEvent(nodeID, msg string, meta map[string]any) {
	var em emit.Emitter
	if ec.Options.Emitter != nil {
		em = ec.Options.Emitter
	} else if ec.engine.emitter != nil {
		em = ec.engine.emitter
	}
	if em == nil {
		return
	}
	em.Emit(emit.Event{ExecutionID: ec.ExecutionID, NodeID: nodeID, Msg: msg, Meta: meta})
}
