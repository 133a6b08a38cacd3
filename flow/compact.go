package flow

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmilden/agentflow-go/flow/provider"
)

// CompactionStrategy selects how older messages are reduced.
type CompactionStrategy string

// Compaction strategies.
const (
	// CompactSummarize replaces older messages with a one-call LLM summary.
	CompactSummarize CompactionStrategy = "summarize"

	// CompactTruncate drops older messages outright.
	CompactTruncate CompactionStrategy = "truncate"

	// CompactCustom delegates to CompactionConfig.Custom.
	CompactCustom CompactionStrategy = "custom"
)

// AutoThreshold requests a threshold derived from the model's context limit
// minus a safety margin.
const AutoThreshold = 0

// compactionSafetyMargin is subtracted from the model's context limit when
// the threshold is automatic.
const compactionSafetyMargin = 2048

// DefaultSummarizePrompt instructs the summarize call.
const DefaultSummarizePrompt = "Summarize the following conversation history concisely, " +
	"preserving decisions, facts, names, and any unresolved questions. " +
	"Write the summary as a compact briefing, not a transcript."

// CompactionConfig tunes context-window management.
type CompactionConfig struct {
	// Threshold is the token count that triggers compaction. AutoThreshold
	// derives it from the model's context limit minus a safety margin.
	Threshold int

	// PreserveRecent is how many trailing messages stay untouched.
	// Zero preserves the last 4.
	PreserveRecent int

	// Strategy defaults to CompactSummarize.
	Strategy CompactionStrategy

	// SummarizeModel overrides the model used for the summary call; empty
	// uses the calling node's model.
	SummarizeModel string

	// SummarizePrompt overrides DefaultSummarizePrompt.
	SummarizePrompt string

	// Custom implements CompactCustom: receives the messages to compact and
	// returns their replacement.
	Custom func(ctx context.Context, older []provider.Message) ([]provider.Message, error)
}

// TokenCounter measures the token footprint of messages. Implementations
// must be safe for concurrent use.
type TokenCounter interface {
	// CountMessage returns the token cost of one message including
	// per-message overhead.
	CountMessage(msg provider.Message) int

	// CountText returns the token cost of raw text.
	CountText(text string) int
}

// EstimatingCounter approximates tokens as ceil(len/4) plus a fixed
// per-message overhead. Good enough for threshold decisions; callers needing
// exact counts plug in a model-specific TokenCounter.
type EstimatingCounter struct{}

// perMessageOverhead covers role and framing tokens.
const perMessageOverhead = 4

// CountText implements TokenCounter.
func (EstimatingCounter) CountText(text string) int {
	return (len(text) + 3) / 4
}

// CountMessage implements TokenCounter.
func (e EstimatingCounter) CountMessage(msg provider.Message) int {
	n := perMessageOverhead + e.CountText(msg.Text())
	for _, p := range msg.Parts {
		if p.Type != provider.PartText {
			// Media parts count a flat placeholder cost.
			n += 256
		}
	}
	return n
}

// countSession totals the session's token footprint.
func countSession(tc TokenCounter, msgs []provider.Message) int {
	total := 0
	for _, m := range msgs {
		total += tc.CountMessage(m)
	}
	return total
}

// compactIfNeeded reduces the session when its footprint (plus the pending
// message) would exceed the effective threshold. Triggered lazily just
// before the provider call that would exceed it. Returns whether compaction
// ran.
func compactIfNeeded(ctx context.Context, ec *ExecContext, model string, pending provider.Message) (bool, error) {
	cfg := ec.Options.Compaction
	if cfg == nil {
		return false, nil
	}
	tc := ec.tokenCounter()

	threshold := cfg.Threshold
	if threshold == AutoThreshold {
		caps := ec.Provider.Capabilities(model)
		if caps == nil || caps.ContextLimit == 0 {
			return false, nil
		}
		threshold = caps.ContextLimit - compactionSafetyMargin
	}

	msgs := ec.Session.Messages()
	before := countSession(tc, msgs) + tc.CountMessage(pending)
	if before <= threshold {
		return false, nil
	}

	preserve := cfg.PreserveRecent
	if preserve <= 0 {
		preserve = 4
	}
	if len(msgs) <= preserve {
		return false, nil
	}
	older := msgs[:len(msgs)-preserve]
	recent := msgs[len(msgs)-preserve:]

	strategy := cfg.Strategy
	if strategy == "" {
		strategy = CompactSummarize
	}

	var replacement []provider.Message
	var err error
	switch strategy {
	case CompactTruncate:
		replacement = nil
	case CompactCustom:
		if cfg.Custom == nil {
			return false, &Error{Code: CodeValidation, Message: "compaction strategy custom requires a Custom func"}
		}
		replacement, err = cfg.Custom(ctx, older)
		if err != nil {
			return false, err
		}
	case CompactSummarize:
		replacement, err = summarizeMessages(ctx, ec, cfg, model, older)
		if err != nil {
			return false, err
		}
	default:
		return false, &Error{Code: CodeValidation, Message: fmt.Sprintf("unknown compaction strategy %q", strategy)}
	}

	compacted := append(append([]provider.Message{}, replacement...), recent...)
	ec.Session.Replace(compacted)

	after := countSession(tc, compacted) + tc.CountMessage(pending)
	ec.Callbacks.contextCompacted(CompactionReport{
		TokensBefore:      before,
		TokensAfter:       after,
		Strategy:          strategy,
		MessagesCompacted: len(older),
	})
	return true, nil
}

// summarizeMessages performs the single summary call against the configured
// summarize model.
func summarizeMessages(ctx context.Context, ec *ExecContext, cfg *CompactionConfig, model string, older []provider.Message) ([]provider.Message, error) {
	summarizeModel := cfg.SummarizeModel
	if summarizeModel == "" {
		summarizeModel = model
	}
	prompt := cfg.SummarizePrompt
	if prompt == "" {
		prompt = DefaultSummarizePrompt
	}

	var transcript strings.Builder
	for _, m := range older {
		transcript.WriteString(m.Role)
		transcript.WriteString(": ")
		transcript.WriteString(m.Text())
		transcript.WriteString("\n")
	}

	resp, err := ec.Provider.Chat(ctx, summarizeModel, []provider.Message{
		{Role: provider.RoleSystem, Content: prompt},
		{Role: provider.RoleUser, Content: transcript.String()},
	}, nil)
	if err != nil {
		return nil, err
	}
	return []provider.Message{{
		Role:    provider.RoleSystem,
		Content: "Summary of earlier conversation: " + resp.Text,
	}}, nil
}
