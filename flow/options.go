package flow

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/jmilden/agentflow-go/flow/emit"
	"github.com/jmilden/agentflow-go/flow/memory"
	"github.com/jmilden/agentflow-go/flow/tool"
)

// Default execution bounds. Each can be overridden per execution.
const (
	// DefaultMaxNodeExecutions is the per-node circuit breaker: a node
	// executing more often than this in one run fails with INFINITE_LOOP.
	DefaultMaxNodeExecutions = 100

	// DefaultMaxSubflowDepth caps subflow nesting.
	DefaultMaxSubflowDepth = 10

	// DefaultMaxToolIterations bounds the agent tool-call loop.
	DefaultMaxToolIterations = 10

	// DefaultBranchTimeout bounds a single parallel branch.
	DefaultBranchTimeout = 60 * time.Second

	// minSchedulerIterations is the floor for the scheduler's global
	// iteration bound regardless of workflow size.
	minSchedulerIterations = 20
)

// ToolOverflowBehavior selects what happens when an agent's tool-call loop
// exceeds MaxToolIterations.
type ToolOverflowBehavior string

// Tool-loop overflow behaviors.
const (
	// ToolOverflowWarning appends a notice message and continues without tools.
	ToolOverflowWarning ToolOverflowBehavior = "warning"

	// ToolOverflowError fails the node.
	ToolOverflowError ToolOverflowBehavior = "error"

	// ToolOverflowHITL pauses for a human decision before continuing.
	ToolOverflowHITL ToolOverflowBehavior = "hitl"
)

// ResumePoint seeds an execution from the partial results of a previous one.
type ResumePoint struct {
	// StartNodeID is where traversal restarts.
	StartNodeID string

	// NodeOutputs pre-populates the outputs map; listed nodes are treated
	// as already executed and are not re-run.
	NodeOutputs map[string]string

	// SessionMessages optionally restores the chat transcript.
	SessionMessages []SessionMessage
}

// SessionMessage is the JSON-friendly form of a transcript entry used on
// results and resume points.
type SessionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ExecutionOptions configures one execution. Construct with DefaultOptions
// and adjust via the With* functional options passed to Engine.Execute.
type ExecutionOptions struct {
	// DefaultModel is used when a node omits its model.
	DefaultModel string

	// MaxRetries and RetryDelay form the default per-node retry policy when
	// a node's errorHandling block does not override it.
	MaxRetries int
	RetryDelay time.Duration

	// MaxIterations bounds the scheduler's main loop. Zero means
	// max(3×node count, 20).
	MaxIterations int

	// MaxNodeExecutions is the per-node circuit breaker.
	MaxNodeExecutions int

	// MaxSubflowDepth caps subflow nesting.
	MaxSubflowDepth int

	// MaxToolIterations bounds the agent tool-call loop; OnMaxToolIterations
	// selects the overflow behavior.
	MaxToolIterations   int
	OnMaxToolIterations ToolOverflowBehavior

	// BranchTimeout bounds each parallel branch.
	BranchTimeout time.Duration

	// Compaction configures context-window management; nil disables it.
	Compaction *CompactionConfig

	// TokenCounter measures message token footprints. Nil selects the
	// estimating counter.
	TokenCounter TokenCounter

	// Memory is the vector-memory adapter used by memory nodes.
	Memory memory.Adapter

	// Subflows resolves subflow node references.
	Subflows *SubflowRegistry

	// Tools resolves tool nodes and agent tool calls.
	Tools *tool.Registry

	// OnToolCall, when set, handles every tool call not covered by a
	// registered tool. Receives the tool name and decoded arguments.
	OnToolCall func(name string, args map[string]any) (string, error)

	// Evaluators maps evaluator names (what a whileLoop node declares via
	// customEvaluator) or whileLoop node IDs to condition evaluators.
	Evaluators map[string]LoopEvaluator

	// SessionID reuses a caller-chosen session identifier; empty generates one.
	SessionID string

	// Resume seeds the execution from a previous partial run.
	Resume *ResumePoint

	// Preflight runs full validation before executing.
	Preflight bool

	// Debug enables verbose engine logging.
	Debug bool

	// Logger overrides the engine's zerolog logger for this execution.
	Logger *zerolog.Logger

	// Emitter receives structured observability events alongside callbacks.
	Emitter emit.Emitter

	// HITLTimeout bounds how long the engine awaits a HITL response before
	// applying the request's default action. Zero waits indefinitely.
	HITLTimeout time.Duration
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() *ExecutionOptions {
	return &ExecutionOptions{
		MaxRetries:          0,
		RetryDelay:          time.Second,
		MaxNodeExecutions:   DefaultMaxNodeExecutions,
		MaxSubflowDepth:     DefaultMaxSubflowDepth,
		MaxToolIterations:   DefaultMaxToolIterations,
		OnMaxToolIterations: ToolOverflowWarning,
		BranchTimeout:       DefaultBranchTimeout,
		Preflight:           true,
	}
}

// ExecOption mutates ExecutionOptions. Options are applied in order over
// DefaultOptions.
type ExecOption func(*ExecutionOptions)

// WithDefaultModel sets the fallback model for nodes that omit one.
func WithDefaultModel(model string) ExecOption {
	return func(o *ExecutionOptions) { o.DefaultModel = model }
}

// WithRetry sets the default retry policy (attempts beyond the first, and
// the base backoff delay).
func WithRetry(maxRetries int, baseDelay time.Duration) ExecOption {
	return func(o *ExecutionOptions) {
		o.MaxRetries = maxRetries
		o.RetryDelay = baseDelay
	}
}

// WithMaxIterations overrides the scheduler safety bound.
func WithMaxIterations(n int) ExecOption {
	return func(o *ExecutionOptions) { o.MaxIterations = n }
}

// WithMaxNodeExecutions overrides the per-node circuit breaker.
func WithMaxNodeExecutions(n int) ExecOption {
	return func(o *ExecutionOptions) { o.MaxNodeExecutions = n }
}

// WithMaxSubflowDepth overrides the subflow nesting cap.
func WithMaxSubflowDepth(n int) ExecOption {
	return func(o *ExecutionOptions) { o.MaxSubflowDepth = n }
}

// WithToolIterations bounds the agent tool-call loop and selects the
// overflow behavior.
func WithToolIterations(n int, onMax ToolOverflowBehavior) ExecOption {
	return func(o *ExecutionOptions) {
		o.MaxToolIterations = n
		o.OnMaxToolIterations = onMax
	}
}

// WithBranchTimeout bounds each parallel branch.
func WithBranchTimeout(d time.Duration) ExecOption {
	return func(o *ExecutionOptions) { o.BranchTimeout = d }
}

// WithCompaction enables context-window compaction.
func WithCompaction(cfg CompactionConfig) ExecOption {
	return func(o *ExecutionOptions) { o.Compaction = &cfg }
}

// WithTokenCounter sets the token measurement backend.
func WithTokenCounter(tc TokenCounter) ExecOption {
	return func(o *ExecutionOptions) { o.TokenCounter = tc }
}

// WithMemory plugs in a vector-memory adapter for memory nodes.
func WithMemory(m memory.Adapter) ExecOption {
	return func(o *ExecutionOptions) { o.Memory = m }
}

// WithSubflows plugs in the subflow registry.
func WithSubflows(r *SubflowRegistry) ExecOption {
	return func(o *ExecutionOptions) { o.Subflows = r }
}

// WithTools plugs in the tool registry.
func WithTools(r *tool.Registry) ExecOption {
	return func(o *ExecutionOptions) { o.Tools = r }
}

// WithToolCallHandler sets the fallback handler for tool calls that have no
// registered tool.
func WithToolCallHandler(fn func(name string, args map[string]any) (string, error)) ExecOption {
	return func(o *ExecutionOptions) { o.OnToolCall = fn }
}

// WithEvaluator registers a custom loop-condition evaluator under a name.
// A whileLoop node selects it by declaring that name as its customEvaluator;
// registering under the node's ID also works for workflows that declare none.
func WithEvaluator(name string, ev LoopEvaluator) ExecOption {
	return func(o *ExecutionOptions) {
		if o.Evaluators == nil {
			o.Evaluators = make(map[string]LoopEvaluator)
		}
		o.Evaluators[name] = ev
	}
}

// WithSessionID reuses a caller-chosen session identifier.
func WithSessionID(id string) ExecOption {
	return func(o *ExecutionOptions) { o.SessionID = id }
}

// WithResume seeds the execution from a previous partial run.
func WithResume(rp ResumePoint) ExecOption {
	return func(o *ExecutionOptions) { o.Resume = &rp }
}

// WithPreflight toggles validation before execution (on by default).
func WithPreflight(on bool) ExecOption {
	return func(o *ExecutionOptions) { o.Preflight = on }
}

// WithDebug enables verbose engine logging to stderr.
func WithDebug(on bool) ExecOption {
	return func(o *ExecutionOptions) { o.Debug = on }
}

// WithLogger supplies a zerolog logger for engine diagnostics.
func WithLogger(l zerolog.Logger) ExecOption {
	return func(o *ExecutionOptions) { o.Logger = &l }
}

// WithEmitter attaches a structured event emitter for this execution.
func WithEmitter(e emit.Emitter) ExecOption {
	return func(o *ExecutionOptions) { o.Emitter = e }
}

// WithHITLTimeout bounds HITL waits before the default action applies.
func WithHITLTimeout(d time.Duration) ExecOption {
	return func(o *ExecutionOptions) { o.HITLTimeout = d }
}
