package flow

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// newRequestID mints a HITL request identifier.
func newRequestID() string { return uuid.NewString() }

// HITLMode selects when and how a node pauses for human input.
type HITLMode string

// HITL modes.
const (
	// HITLApproval pauses before the node executes; the human may approve,
	// reject, or modify the node's input.
	HITLApproval HITLMode = "approval"

	// HITLInput pauses before execution to collect data. A schema in the
	// node's HITL config is passed to the callback in the request's Options;
	// the engine does not validate the response against it.
	HITLInput HITLMode = "input"

	// HITLReview pauses after the node produced output; the human may
	// approve, reject, or modify the output.
	HITLReview HITLMode = "review"
)

// HITLAction is a human decision.
type HITLAction string

// HITL actions.
const (
	HITLApprove HITLAction = "approve"
	HITLReject  HITLAction = "reject"
	HITLModify  HITLAction = "modify"
)

// HITLConfig is the per-node opt-in carried in NodeData.hitl.
type HITLConfig struct {
	Enabled bool     `json:"enabled"`
	Mode    HITLMode `json:"mode,omitempty"`

	// Prompt is shown to the human alongside the request.
	Prompt string `json:"prompt,omitempty"`

	// Schema is an optional JSON Schema for HITLInput responses. It is sent
	// to the callback as the request's Options and is not checked by the
	// engine.
	Schema map[string]any `json:"schema,omitempty"`

	// Timeout bounds the wait in milliseconds; zero falls back to the
	// execution-level HITLTimeout.
	Timeout durationMS `json:"timeout,omitempty"`

	// DefaultAction applies when the wait times out. Empty means approve.
	DefaultAction HITLAction `json:"defaultAction,omitempty"`
}

// HITLRequest is delivered to OnHITLRequest when a node suspends.
type HITLRequest struct {
	// ID uniquely identifies this request.
	ID string

	// NodeID and NodeLabel identify the suspended node.
	NodeID    string
	NodeLabel string

	// Mode is the suspension mode.
	Mode HITLMode

	// Prompt is the configured human-facing prompt.
	Prompt string

	// Context carries the data under review: the node's input for approval
	// and input modes, the produced output for review mode.
	Context string

	// Options echoes the node's HITL schema, when one is configured.
	Options map[string]any

	// Timeout is the effective wait bound; zero means wait indefinitely.
	Timeout time.Duration
}

// HITLResponse is the human's decision.
type HITLResponse struct {
	Action HITLAction

	// Value replaces the node's input (approval/input modes) or output
	// (review mode) when Action is HITLModify, and carries collected data
	// for HITLInput.
	Value string

	// Reason optionally explains a rejection.
	Reason string
}

// awaitHITL issues a HITL request and waits for the response.
//
// Suspension is a promise held by the scheduler: the callback runs on its
// own goroutine so a slow human does not block ctx cancellation. On timeout
// the request's default action applies. No persistent pause across process
// restarts is provided; durable pause is a caller responsibility.
func awaitHITL(ctx context.Context, ec *ExecContext, req HITLRequest) (HITLResponse, error) {
	cb := ec.Callbacks
	if cb == nil || cb.OnHITLRequest == nil {
		// No human attached: HITL is skipped and treated as approval.
		return HITLResponse{Action: HITLApprove}, nil
	}

	type answer struct {
		resp HITLResponse
		err  error
	}
	done := make(chan answer, 1)
	go func() {
		resp, err := cb.OnHITLRequest(req)
		done <- answer{resp, err}
	}()

	var timeout <-chan time.Time
	if req.Timeout > 0 {
		timer := time.NewTimer(req.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ctx.Done():
		return HITLResponse{}, ctx.Err()
	case <-timeout:
		return HITLResponse{Action: defaultHITLAction(ec, req.NodeID)}, nil
	case a := <-done:
		if a.err != nil {
			return HITLResponse{}, &Error{Code: CodeUnknown, Message: "HITL callback failed: " + a.err.Error(), NodeID: req.NodeID, Cause: a.err}
		}
		if a.resp.Action == "" {
			a.resp.Action = HITLApprove
		}
		return a.resp, nil
	}
}

func defaultHITLAction(ec *ExecContext, nodeID string) HITLAction {
	if node := ec.graph.nodes[nodeID]; node != nil {
		var data struct {
			HITL *HITLConfig `json:"hitl"`
		}
		if DecodeNodeData(node.Data, &data) == nil && data.HITL != nil && data.HITL.DefaultAction != "" {
			return data.HITL.DefaultAction
		}
	}
	return HITLApprove
}

// effectiveHITLTimeout resolves the node-level timeout, falling back to the
// execution option.
func effectiveHITLTimeout(cfg *HITLConfig, opts *ExecutionOptions) time.Duration {
	if cfg != nil && cfg.Timeout > 0 {
		return cfg.Timeout.Duration()
	}
	return opts.HITLTimeout
}
