package flow

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Error codes carried on structured errors. Codes are stable strings; callers
// should match on these rather than on message text.
const (
	CodeLLMError     = "LLM_ERROR"
	CodeRateLimit    = "RATE_LIMIT"
	CodeTimeout      = "TIMEOUT"
	CodeNetwork      = "NETWORK"
	CodeAuth         = "AUTH"
	CodeValidation   = "VALIDATION"
	CodeCancelled    = "CANCELLED"
	CodeInfiniteLoop = "INFINITE_LOOP"
	CodeToolHandler  = "TOOL_HANDLER"
	CodeUnknown      = "UNKNOWN"
)

// Error is the structured error type surfaced by the engine.
//
// Every error that reaches a callback or an ExecutionResult is an *Error with
// a code from the taxonomy above. Cause preserves the underlying error for
// errors.Is / errors.As chains.
type Error struct {
	// Code is one of the Code* constants.
	Code string

	// Message is a human-readable description.
	Message string

	// NodeID identifies the node that produced the error, when known.
	NodeID string

	// StatusCode is the HTTP status from the provider, when one applies.
	StatusCode int

	// Retries records the retry attempts made before this error became final.
	// Nil when the error was not retried.
	Retries []RetryAttempt

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.NodeID != "" {
		return "node " + e.NodeID + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the underlying cause for error-chain inspection.
func (e *Error) Unwrap() error { return e.Cause }

// CodeOf extracts the taxonomy code from any error. Non-structured errors are
// classified heuristically; nil returns the empty string.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return classify(err)
}

// classify maps an arbitrary error onto the taxonomy.
//
// Order matters: context cancellation is checked before deadline since a
// cancelled context also reports through errors.Is on some wrapped chains.
func classify(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CodeTimeout
		}
		return CodeNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") || strings.Contains(msg, "too many requests"):
		return CodeRateLimit
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "invalid api key") || strings.Contains(msg, "authentication"):
		return CodeAuth
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return CodeTimeout
	case strings.Contains(msg, "connection") || strings.Contains(msg, "network") || strings.Contains(msg, "dns"):
		return CodeNetwork
	}
	return CodeUnknown
}

// wrapNodeError normalizes any error into a *Error attributed to a node.
// Already-structured errors keep their code; the node ID is filled in if
// missing.
func wrapNodeError(nodeID string, err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		if fe.NodeID == "" {
			fe.NodeID = nodeID
		}
		return fe
	}
	return &Error{
		Code:    classify(err),
		Message: err.Error(),
		NodeID:  nodeID,
		Cause:   err,
	}
}

// retryableCode reports whether a code represents a transient failure class.
// AUTH and VALIDATION are never retryable; CANCELLED and INFINITE_LOOP
// short-circuit execution entirely.
func retryableCode(code string) bool {
	switch code {
	case CodeRateLimit, CodeNetwork, CodeTimeout, CodeLLMError:
		return true
	}
	return false
}
