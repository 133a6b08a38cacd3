package flow

import "time"

// ModelUsage aggregates token consumption for one model across an execution.
type ModelUsage struct {
	Model            string `json:"model"`
	Calls            int    `json:"calls"`
	PromptTokens     int    `json:"promptTokens"`
	CompletionTokens int    `json:"completionTokens"`
	TotalTokens      int    `json:"totalTokens"`
}

// TokenUsageDetails is the execution-wide usage roll-up.
type TokenUsageDetails struct {
	PromptTokens     int          `json:"promptTokens"`
	CompletionTokens int          `json:"completionTokens"`
	TotalTokens      int          `json:"totalTokens"`
	PerModel         []ModelUsage `json:"perModel,omitempty"`
}

// ExecutionResult is returned by Engine.Execute and delivered on OnComplete.
//
// On failure, partial data (node outputs up to the failure point, the
// execution order, the session transcript, and usage details) is always
// populated to permit display, debugging, and resume.
type ExecutionResult struct {
	// Success reports whether execution reached a terminal node without an
	// unrecovered error.
	Success bool `json:"success"`

	// Output is the final output string (equal to FinalOutput; kept for
	// callers that prefer the short name).
	Output string `json:"output"`

	// FinalOutput is the output of the last terminal node, or the last
	// active node's output when no output node executed.
	FinalOutput string `json:"finalOutput"`

	// FinalNodeID is the node that produced FinalOutput, when known.
	FinalNodeID string `json:"finalNodeId,omitempty"`

	// NodeOutputs maps every executed node to its last produced output.
	NodeOutputs map[string]string `json:"nodeOutputs"`

	// ExecutionOrder lists node IDs in completion order. Loop re-entries
	// append repeated entries.
	ExecutionOrder []string `json:"executionOrder"`

	// LastActiveNodeID is the most recently executed node, useful as a
	// resume point after failure.
	LastActiveNodeID string `json:"lastActiveNodeId,omitempty"`

	// Error is populated when Success is false.
	Error *ErrorPayload `json:"error,omitempty"`

	// Duration is the wall-clock execution time.
	Duration time.Duration `json:"duration"`

	// Usage totals token consumption across all provider calls, nil when no
	// call reported usage.
	Usage *TokenUsageDetails `json:"usage,omitempty"`

	// SessionMessages is the final chat transcript.
	SessionMessages []SessionMessage `json:"sessionMessages,omitempty"`

	// ExecutionID is the engine-assigned unique ID for this run.
	ExecutionID string `json:"executionId"`
}
