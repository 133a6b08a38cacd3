package flow

// NodeMeta accompanies node lifecycle callbacks.
type NodeMeta struct {
	// NodeType is the extension type name.
	NodeType string

	// NodeLabel is the user-visible label (data.label or the node ID).
	NodeLabel string

	// Iteration is the whileLoop iteration the node executed under, when
	// inside a loop body; zero otherwise.
	Iteration int
}

// ErrorPayload is the structured error delivered on OnNodeError and on the
// final result.
type ErrorPayload struct {
	Message    string         `json:"message"`
	Code       string         `json:"code"`
	StatusCode int            `json:"statusCode,omitempty"`
	NodeID     string         `json:"nodeId,omitempty"`
	NodeLabel  string         `json:"nodeLabel,omitempty"`
	NodeType   string         `json:"nodeType,omitempty"`
	Retries    []RetryAttempt `json:"retries,omitempty"`
}

// TokenUsage is the per-call usage report surfaced on OnTokenUsage.
type TokenUsage struct {
	NodeID           string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int

	// RemainingContext is the model's context window minus the session's
	// current token footprint. Negative values are clamped to zero. Zero
	// when the model's limit is unknown.
	RemainingContext int
}

// CompactionReport accompanies OnContextCompacted.
type CompactionReport struct {
	TokensBefore      int
	TokensAfter       int
	Strategy          CompactionStrategy
	MessagesCompacted int
}

// ExecutionCallbacks is the engine's only observability surface toward the
// caller. Every field is optional; the engine checks for nil before
// invoking. Callbacks run synchronously on the execution goroutine (or a
// branch goroutine for Branch* callbacks) and should return quickly.
//
// Invocation order for one node: OnNodeStart, token/reasoning callbacks in
// arrival order, OnTokenUsage, then OnNodeFinish or OnNodeError. OnComplete
// is always the final callback of an execution.
type ExecutionCallbacks struct {
	// OnNodeStart fires when a node begins executing.
	OnNodeStart func(nodeID string, meta NodeMeta)

	// OnNodeFinish fires when a node completes successfully with its output.
	OnNodeFinish func(nodeID string, output string, meta NodeMeta)

	// OnNodeError fires when a node fails terminally (after retries and
	// error-branch routing have been exhausted or bypassed).
	OnNodeError func(nodeID string, payload ErrorPayload, meta NodeMeta)

	// OnToken receives streamed content tokens from non-branch provider calls.
	OnToken func(nodeID string, token string)

	// OnWorkflowToken receives tokens only from the terminal node whose
	// output becomes the workflow's final output.
	OnWorkflowToken func(nodeID string, token string)

	// OnReasoning receives streamed reasoning tokens from non-branch calls.
	OnReasoning func(nodeID string, token string)

	// OnRouteSelected fires when a router node picks a route.
	OnRouteSelected func(nodeID string, routeID string)

	// OnWarning reports recoverable oddities: dropped attachments,
	// unparseable router replies, loop-bound overflows in warning mode.
	OnWarning func(nodeID string, message string)

	// OnTokenUsage reports per-call token consumption.
	OnTokenUsage func(usage TokenUsage)

	// OnContextCompacted fires after the session history is compacted.
	OnContextCompacted func(report CompactionReport)

	// OnBranchStart fires when a parallel branch begins. The merge phase
	// uses the synthetic branch ID MergeBranchID.
	OnBranchStart func(nodeID string, instance int, branchID string, label string)

	// OnBranchToken receives streamed tokens scoped to a parallel branch.
	OnBranchToken func(nodeID string, instance int, branchID string, token string)

	// OnBranchReasoning receives reasoning tokens scoped to a branch.
	OnBranchReasoning func(nodeID string, instance int, branchID string, token string)

	// OnBranchComplete fires when a branch resolves with its output or error.
	OnBranchComplete func(nodeID string, instance int, branchID string, output string, err error)

	// OnLoopIteration fires before each whileLoop body run, 1-based.
	OnLoopIteration func(nodeID string, iteration int, maxIterations int)

	// OnHITLRequest is awaited when a node opts into human review. A nil
	// callback skips HITL entirely.
	OnHITLRequest func(req HITLRequest) (HITLResponse, error)

	// OnComplete always fires exactly once per execution with the final result.
	OnComplete func(result *ExecutionResult)
}

// The nil-safe invocation helpers below keep executor code free of nil
// checks at every call site.

func (cb *ExecutionCallbacks) nodeStart(nodeID string, meta NodeMeta) {
	if cb != nil && cb.OnNodeStart != nil {
		cb.OnNodeStart(nodeID, meta)
	}
}

func (cb *ExecutionCallbacks) nodeFinish(nodeID, output string, meta NodeMeta) {
	if cb != nil && cb.OnNodeFinish != nil {
		cb.OnNodeFinish(nodeID, output, meta)
	}
}

func (cb *ExecutionCallbacks) nodeError(nodeID string, payload ErrorPayload, meta NodeMeta) {
	if cb != nil && cb.OnNodeError != nil {
		cb.OnNodeError(nodeID, payload, meta)
	}
}

func (cb *ExecutionCallbacks) token(nodeID, tok string) {
	if cb != nil && cb.OnToken != nil {
		cb.OnToken(nodeID, tok)
	}
}

func (cb *ExecutionCallbacks) workflowToken(nodeID, tok string) {
	if cb != nil && cb.OnWorkflowToken != nil {
		cb.OnWorkflowToken(nodeID, tok)
	}
}

func (cb *ExecutionCallbacks) reasoning(nodeID, tok string) {
	if cb != nil && cb.OnReasoning != nil {
		cb.OnReasoning(nodeID, tok)
	}
}

func (cb *ExecutionCallbacks) routeSelected(nodeID, routeID string) {
	if cb != nil && cb.OnRouteSelected != nil {
		cb.OnRouteSelected(nodeID, routeID)
	}
}

func (cb *ExecutionCallbacks) warning(nodeID, msg string) {
	if cb != nil && cb.OnWarning != nil {
		cb.OnWarning(nodeID, msg)
	}
}

func (cb *ExecutionCallbacks) tokenUsage(u TokenUsage) {
	if cb != nil && cb.OnTokenUsage != nil {
		cb.OnTokenUsage(u)
	}
}

func (cb *ExecutionCallbacks) contextCompacted(r CompactionReport) {
	if cb != nil && cb.OnContextCompacted != nil {
		cb.OnContextCompacted(r)
	}
}

func (cb *ExecutionCallbacks) branchStart(nodeID string, instance int, branchID, label string) {
	if cb != nil && cb.OnBranchStart != nil {
		cb.OnBranchStart(nodeID, instance, branchID, label)
	}
}

func (cb *ExecutionCallbacks) branchToken(nodeID string, instance int, branchID, tok string) {
	if cb != nil && cb.OnBranchToken != nil {
		cb.OnBranchToken(nodeID, instance, branchID, tok)
	}
}

func (cb *ExecutionCallbacks) branchReasoning(nodeID string, instance int, branchID, tok string) {
	if cb != nil && cb.OnBranchReasoning != nil {
		cb.OnBranchReasoning(nodeID, instance, branchID, tok)
	}
}

func (cb *ExecutionCallbacks) branchComplete(nodeID string, instance int, branchID, output string, err error) {
	if cb != nil && cb.OnBranchComplete != nil {
		cb.OnBranchComplete(nodeID, instance, branchID, output, err)
	}
}

func (cb *ExecutionCallbacks) loopIteration(nodeID string, iteration, max int) {
	if cb != nil && cb.OnLoopIteration != nil {
		cb.OnLoopIteration(nodeID, iteration, max)
	}
}

func (cb *ExecutionCallbacks) complete(res *ExecutionResult) {
	if cb != nil && cb.OnComplete != nil {
		cb.OnComplete(res)
	}
}
