package flow

import (
	"context"
	"math/rand"
	"time"
)

// ErrorMode selects how a node reacts to an unrecoverable error.
type ErrorMode string

// Error handling modes.
const (
	// ErrorModeStop terminates the execution (the default).
	ErrorModeStop ErrorMode = "stop"

	// ErrorModeContinue records the error as the node's output and proceeds
	// to the node's children.
	ErrorModeContinue ErrorMode = "continue"

	// ErrorModeBranch routes to the node's error edge with a serialized
	// error context as input; execution continues from there.
	ErrorModeBranch ErrorMode = "branch"
)

// RetryConfig is the per-node retry policy carried in
// NodeData.errorHandling.retry.
type RetryConfig struct {
	// MaxRetries is the number of attempts beyond the first.
	MaxRetries int `json:"maxRetries"`

	// BaseDelay is the backoff base in milliseconds on the wire.
	BaseDelay durationMS `json:"baseDelay"`

	// MaxDelay caps the backoff; zero means uncapped.
	MaxDelay durationMS `json:"maxDelay,omitempty"`

	// RetryOn, when non-empty, restricts retries to the listed codes.
	RetryOn []string `json:"retryOn,omitempty"`

	// SkipOn lists codes never retried even when otherwise eligible.
	SkipOn []string `json:"skipOn,omitempty"`
}

// ErrorHandling is the per-node error policy carried in NodeData.
type ErrorHandling struct {
	Mode  ErrorMode    `json:"mode,omitempty"`
	Retry *RetryConfig `json:"retry,omitempty"`
}

// RetryAttempt records one failed attempt for the retry history attached to
// a final error.
type RetryAttempt struct {
	Attempt int           `json:"attempt"`
	Code    string        `json:"code"`
	Message string        `json:"message"`
	Delay   time.Duration `json:"delay"`
}

// durationMS marshals as integer milliseconds, matching the wire format.
type durationMS time.Duration

// Duration converts to a time.Duration.
func (d durationMS) Duration() time.Duration { return time.Duration(d) * time.Millisecond }

// shouldRetry decides whether a classified error is eligible for another
// attempt under the given config. AUTH and VALIDATION are never retried;
// CANCELLED and INFINITE_LOOP short-circuit unconditionally.
func shouldRetry(code string, cfg *RetryConfig) bool {
	switch code {
	case CodeAuth, CodeValidation, CodeCancelled, CodeInfiniteLoop:
		return false
	}
	for _, skip := range cfg.SkipOn {
		if skip == code {
			return false
		}
	}
	if len(cfg.RetryOn) > 0 {
		for _, on := range cfg.RetryOn {
			if on == code {
				return true
			}
		}
		return false
	}
	return retryableCode(code)
}

// backoffDelay computes the exponential backoff with jitter for the given
// zero-based attempt: min(base * 2^attempt, maxDelay) + jitter(0, base).
func backoffDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	delay := base
	if attempt < 30 { // avoid shift overflow on absurd attempt counts
		delay = base * (1 << attempt)
	} else if maxDelay > 0 {
		delay = maxDelay
	}
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- retry jitter, not security
	return delay + jitter
}

// runWithRetry executes fn under the node's retry policy. It returns fn's
// result on first success. On persistent failure it returns the final error
// with the accumulated retry history attached.
//
// A node with maxRetries=k and persistent failure invokes fn exactly k+1
// times. The backoff sleep honors ctx cancellation.
func runWithRetry(ctx context.Context, nodeID string, cfg *RetryConfig, fn func() (*NodeOutcome, error)) (*NodeOutcome, error) {
	if cfg == nil || cfg.MaxRetries <= 0 {
		out, err := fn()
		if err != nil {
			return nil, wrapNodeError(nodeID, err)
		}
		return out, nil
	}

	var history []RetryAttempt
	base := cfg.BaseDelay.Duration()
	maxDelay := cfg.MaxDelay.Duration()

	for attempt := 0; ; attempt++ {
		out, err := fn()
		if err == nil {
			return out, nil
		}
		fe := wrapNodeError(nodeID, err)
		if attempt >= cfg.MaxRetries || !shouldRetry(fe.Code, cfg) {
			fe.Retries = history
			return nil, fe
		}

		delay := backoffDelay(attempt, base, maxDelay)
		history = append(history, RetryAttempt{
			Attempt: attempt + 1,
			Code:    fe.Code,
			Message: fe.Message,
			Delay:   delay,
		})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			cancelled := wrapNodeError(nodeID, ctx.Err())
			cancelled.Retries = history
			return nil, cancelled
		case <-timer.C:
		}
	}
}
