package flow

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jmilden/agentflow-go/flow/emit"
	"github.com/jmilden/agentflow-go/flow/provider"
)

// Engine executes workflows against an LLM provider.
//
// An Engine is cheap, stateless between executions, and safe for concurrent
// Execute calls. Registries, the provider, and the emitter are shared; all
// per-run state lives in the execution itself.
//
// Example:
//
//	eng := flow.NewEngine(prov)
//	result, err := eng.Execute(ctx, wf,
//	    flow.ExecutionInput{Text: "hello"},
//	    &flow.ExecutionCallbacks{
//	        OnToken: func(nodeID, tok string) { fmt.Print(tok) },
//	    },
//	    flow.WithDefaultModel("gpt-4o-mini"),
//	)
type Engine struct {
	provider   provider.Provider
	extensions *ExtensionRegistry
	metrics    *Metrics
	emitter    emit.Emitter
	logger     zerolog.Logger
}

// EngineOption configures an Engine at construction.
type EngineOption func(*Engine)

// WithExtensions replaces the default extension registry.
func WithExtensions(r *ExtensionRegistry) EngineOption {
	return func(e *Engine) { e.extensions = r }
}

// WithMetrics attaches Prometheus metrics collection.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithEngineEmitter sets the default event emitter for all executions.
func WithEngineEmitter(em emit.Emitter) EngineOption {
	return func(e *Engine) { e.emitter = em }
}

// WithEngineLogger sets the engine's diagnostic logger.
func WithEngineLogger(l zerolog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an Engine bound to a provider. With no options it uses
// the built-in extension registry, no metrics, no emitter, and a disabled
// logger.
func NewEngine(p provider.Provider, opts ...EngineOption) *Engine {
	e := &Engine{
		provider:   p,
		extensions: DefaultRegistry(),
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extensions returns the engine's extension registry, so embedders can
// register custom node types.
func (e *Engine) Extensions() *ExtensionRegistry { return e.extensions }

// workItem is one queue entry in the BFS traversal.
type workItem struct {
	nodeID string
	input  string

	// loopReentry marks a re-enqueue of a whileLoop node from its body
	// return edge, which bypasses the already-executed skip.
	loopReentry bool

	// deferrals counts consecutive readiness-gate requeues, to detect a
	// wedged queue before the iteration bound trips.
	deferrals int
}

// Execute runs the workflow to completion, error, or cancellation.
//
// Traversal is breadth-first with parent-readiness gating: a node runs only
// after all of its parents have, except for the permitted back-edge
// returning into a whileLoop from its body. Cancellation is observed via
// ctx; cancelling marks the active node with code CANCELLED and returns the
// partial result.
//
// cb may be nil. The returned error is non-nil only for caller mistakes
// (nil workflow); execution failures are reported through the result's
// Success and Error fields, mirroring what OnComplete receives.
func (e *Engine) Execute(ctx context.Context, wf *Workflow, input ExecutionInput, cb *ExecutionCallbacks, opts ...ExecOption) (*ExecutionResult, error) {
	if wf == nil {
		return nil, &Error{Code: CodeValidation, Message: "workflow cannot be nil"}
	}
	if cb == nil {
		cb = &ExecutionCallbacks{}
	}

	options := DefaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	logger := e.logger
	if options.Logger != nil {
		logger = *options.Logger
	} else if options.Debug {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	execID := uuid.NewString()
	sessionID := options.SessionID
	if sessionID == "" {
		sessionID = execID
	}

	started := time.Now()
	state := newExecState()
	session := NewSession(sessionID)

	ec := &ExecContext{
		ExecutionID: execID,
		Provider:    e.provider,
		Session:     session,
		Options:     options,
		Callbacks:   cb,
		Workflow:    wf,
		engine:      e,
		state:       state,
		attachments: input.Attachments,
	}

	finish := func(success bool, failed *Error) *ExecutionResult {
		res := e.buildResult(ec, success, failed, started)
		e.metrics.recordExecution(success)
		ec.emitEvent("", emit.MsgComplete, map[string]any{
			"success":     success,
			"duration_ms": res.Duration.Milliseconds(),
		})
		cb.complete(res)
		return res
	}

	// Preflight validation.
	if options.Preflight {
		vr := Validate(wf, e.extensions, options.Subflows)
		for _, w := range vr.Warnings {
			cb.warning(w.NodeID, w.Message)
		}
		if err := vr.Err(); err != nil {
			ve := err.(*Error)
			cb.nodeError("", ErrorPayload{Message: ve.Message, Code: CodeValidation}, NodeMeta{})
			return finish(false, ve), nil
		}
	}

	start := wf.StartNode()
	if start == nil {
		ve := &Error{Code: CodeValidation, Message: "workflow has no start node"}
		cb.nodeError("", ErrorPayload{Message: ve.Message, Code: ve.Code}, NodeMeta{})
		return finish(false, ve), nil
	}

	ec.graph = buildGraph(wf)

	// Seed state and queue, honoring a resume point.
	startID := start.ID
	startInput := input.Text
	executed := make(map[string]bool)
	if rp := options.Resume; rp != nil {
		for id, out := range rp.NodeOutputs {
			state.outputs[id] = out
			executed[id] = true
		}
		for _, m := range rp.SessionMessages {
			session.Append(provider.Message{Role: m.Role, Content: m.Content})
		}
		if rp.StartNodeID != "" {
			startID = rp.StartNodeID
			if out, ok := rp.NodeOutputs[startID]; ok {
				startInput = out
			}
			delete(executed, startID)
		}
	}

	logger.Debug().Str("execution", execID).Str("workflow", wf.Meta.Name).Msg("execution starting")

	_, failed := e.runQueue(ctx, ec, executed, []workItem{{nodeID: startID, input: startInput}}, nil, nil, true)
	if failed != nil {
		return finish(false, failed), nil
	}
	return finish(true, nil), nil
}

// runQueue drives the BFS loop over a queue until it drains or a terminal
// error occurs, returning the last executed node's output. Top-level
// execution and subgraph runs share this routine; subgraphs pass their own
// executed set and stop-set, and topLevel=false suppresses terminal-output
// tracking.
func (e *Engine) runQueue(ctx context.Context, ec *ExecContext, executed map[string]bool, queue []workItem, stopAt, scope map[string]bool, topLevel bool) (string, *Error) {
	options := ec.Options
	var lastOutput string
	sawNode := false

	maxIterations := options.MaxIterations
	if maxIterations <= 0 {
		maxIterations = len(ec.Workflow.Nodes) * 3
		if maxIterations < minSchedulerIterations {
			maxIterations = minSchedulerIterations
		}
	}

	iterations := 0
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return lastOutput, e.reportCancelled(ec, queue[0].nodeID)
		}
		iterations++
		if iterations > maxIterations {
			fe := &Error{Code: CodeInfiniteLoop, Message: "scheduler exceeded iteration bound"}
			ec.Callbacks.nodeError(queue[0].nodeID, errorPayloadFor(ec, queue[0].nodeID, fe), nodeMetaFor(ec, queue[0].nodeID))
			return lastOutput, fe
		}

		item := queue[0]
		queue = queue[1:]

		if stopAt != nil && stopAt[item.nodeID] {
			continue
		}
		if executed[item.nodeID] && !item.loopReentry {
			continue
		}

		// Readiness gate: every parent must have executed, unless the edge
		// into this node is the permitted whileLoop body return.
		if !item.loopReentry && !e.ready(ec, executed, scope, item.nodeID) {
			item.deferrals++
			if item.deferrals > len(ec.Workflow.Nodes)+len(queue)+1 {
				// Nothing left that could unblock this node.
				continue
			}
			queue = append(queue, item)
			continue
		}
		item.deferrals = 0

		// Per-node circuit breaker.
		ec.state.mu.Lock()
		ec.state.execCounts[item.nodeID]++
		count := ec.state.execCounts[item.nodeID]
		ec.state.mu.Unlock()
		if count > options.MaxNodeExecutions {
			fe := &Error{
				Code:    CodeInfiniteLoop,
				Message: "node exceeded max executions",
				NodeID:  item.nodeID,
			}
			ec.Callbacks.nodeError(item.nodeID, errorPayloadFor(ec, item.nodeID, fe), nodeMetaFor(ec, item.nodeID))
			return lastOutput, fe
		}

		next, fe := e.executeNode(ctx, ec, executed, item, topLevel)
		if fe != nil {
			return lastOutput, fe
		}
		executed[item.nodeID] = true
		if out, ok := ec.Output(item.nodeID); ok {
			lastOutput = out
			sawNode = true
		}
		queue = append(queue, next...)
	}
	if !sawNode {
		return "", nil
	}
	return lastOutput, nil
}

// ready reports whether all parents of a node have executed, treating
// whileLoop body-return edges as always satisfied. In a subgraph run,
// scope limits the gate to parents that are part of the subgraph; parents
// outside it (the loop or parallel node that launched the run) do not
// block.
func (e *Engine) ready(ec *ExecContext, executed, scope map[string]bool, nodeID string) bool {
	for _, parent := range ec.graph.parentsOf(nodeID) {
		if executed[parent] {
			continue
		}
		if scope != nil && !scope[parent] {
			continue
		}
		if ec.graph.isLoopReturn(parent, nodeID) {
			continue
		}
		return false
	}
	return true
}

// executeNode runs one node with retry and error-branch handling, records
// its outcome, and returns the follow-up work items. A non-nil *Error
// terminates the execution.
func (e *Engine) executeNode(ctx context.Context, ec *ExecContext, executed map[string]bool, item workItem, topLevel bool) ([]workItem, *Error) {
	node := ec.graph.nodes[item.nodeID]
	if node == nil {
		return nil, &Error{Code: CodeValidation, Message: "node not found: " + item.nodeID}
	}
	ext := e.extensions.Get(node.Type)
	if ext == nil {
		return nil, &Error{Code: CodeValidation, Message: "unknown node type: " + node.Type, NodeID: node.ID}
	}

	meta := NodeMeta{NodeType: node.Type, NodeLabel: node.Label(), Iteration: ec.iteration}
	ec.Callbacks.nodeStart(node.ID, meta)
	ec.emitEvent(node.ID, emit.MsgNodeStart, map[string]any{"type": node.Type})
	logger := e.logger
	if ec.Options.Logger != nil {
		logger = *ec.Options.Logger
	} else if ec.Options.Debug {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	logger.Debug().Str("node", node.ID).Str("type", node.Type).Msg("node starting")

	// Per-invocation context copy.
	nodeCtx := *ec
	nodeCtx.input = item.input
	nodeCtx.terminal = topLevel && len(ec.graph.allChildren(node.ID)) == 0

	var eh struct {
		ErrorHandling *ErrorHandling `json:"errorHandling"`
	}
	_ = DecodeNodeData(node.Data, &eh)
	retryCfg := e.resolveRetry(ec.Options, eh.ErrorHandling)

	startedAt := time.Now()
	attempts := 0
	outcome, err := runWithRetry(ctx, node.ID, retryCfg, func() (*NodeOutcome, error) {
		attempts++
		if attempts > 1 {
			e.metrics.recordRetry(node.Type)
		}
		return ext.Execute(ctx, &nodeCtx, node)
	})
	e.metrics.recordNode(node.Type, time.Since(startedAt), err)

	if err != nil {
		fe := wrapNodeError(node.ID, err)
		if fe.Code == CodeCancelled {
			return nil, e.reportCancelled(ec, node.ID)
		}

		mode := ErrorModeStop
		if eh.ErrorHandling != nil && eh.ErrorHandling.Mode != "" {
			mode = eh.ErrorHandling.Mode
		}
		payload := errorPayloadFor(ec, node.ID, fe)
		ec.Callbacks.nodeError(node.ID, payload, meta)
		ec.emitEvent(node.ID, emit.MsgNodeError, map[string]any{"error": fe.Message, "code": fe.Code})

		switch mode {
		case ErrorModeBranch:
			if targets := ec.graph.childrenOn(node.ID, HandleError); len(targets) > 0 {
				serialized, _ := json.Marshal(payload)
				e.recordOutput(ec, node.ID, string(serialized), topLevel)
				items := make([]workItem, 0, len(targets))
				for _, t := range targets {
					items = append(items, workItem{nodeID: t, input: string(serialized)})
				}
				return items, nil
			}
		case ErrorModeContinue:
			e.recordOutput(ec, node.ID, "Error: "+fe.Message, topLevel)
			items := make([]workItem, 0)
			for _, t := range ec.graph.allChildren(node.ID) {
				items = append(items, workItem{nodeID: t, input: "Error: " + fe.Message})
			}
			return items, nil
		}
		return nil, fe
	}

	e.recordOutput(ec, node.ID, outcome.Output, topLevel)
	if topLevel && node.Type == TypeOutput {
		ec.state.mu.Lock()
		ec.state.sawTerminal = true
		ec.state.finalNodeID = node.ID
		ec.state.finalOutput = outcome.Output
		ec.state.mu.Unlock()
	}

	ec.Callbacks.nodeFinish(node.ID, outcome.Output, meta)
	ec.emitEvent(node.ID, emit.MsgNodeEnd, map[string]any{
		"type":        node.Type,
		"output_len":  len(outcome.Output),
		"duration_ms": time.Since(startedAt).Milliseconds(),
	})

	items := make([]workItem, 0, len(outcome.Next))
	for _, t := range outcome.Next {
		reentry := ec.graph.isLoopReturn(node.ID, t)
		if reentry {
			executed[t] = false
		}
		items = append(items, workItem{nodeID: t, input: outcome.Output, loopReentry: reentry})
	}
	return items, nil
}

// recordOutput stores a node's output and updates final-output tracking.
func (e *Engine) recordOutput(ec *ExecContext, nodeID, output string, topLevel bool) {
	ec.state.mu.Lock()
	defer ec.state.mu.Unlock()
	ec.state.outputs[nodeID] = output
	ec.state.executionOrder = append(ec.state.executionOrder, nodeID)
	ec.state.lastActive = nodeID
	if topLevel && !ec.state.sawTerminal {
		ec.state.finalNodeID = nodeID
		ec.state.finalOutput = output
	}
}

// reportCancelled emits the single CANCELLED node error for an aborted run.
// Later calls (the abort bubbling up through nested subgraph runs) return
// the error without re-reporting.
func (e *Engine) reportCancelled(ec *ExecContext, nodeID string) *Error {
	fe := &Error{Code: CodeCancelled, Message: "execution cancelled", NodeID: nodeID}

	ec.state.mu.Lock()
	already := ec.state.cancelReported
	ec.state.cancelReported = true
	ec.state.mu.Unlock()
	if already {
		return fe
	}

	ec.Callbacks.nodeError(nodeID, errorPayloadFor(ec, nodeID, fe), nodeMetaFor(ec, nodeID))
	ec.emitEvent(nodeID, emit.MsgNodeError, map[string]any{"error": fe.Message, "code": fe.Code})
	return fe
}

// resolveRetry merges the node-level retry policy over the execution
// defaults.
func (e *Engine) resolveRetry(opts *ExecutionOptions, eh *ErrorHandling) *RetryConfig {
	if eh != nil && eh.Retry != nil {
		return eh.Retry
	}
	if opts.MaxRetries > 0 {
		return &RetryConfig{
			MaxRetries: opts.MaxRetries,
			BaseDelay:  durationMS(opts.RetryDelay / time.Millisecond),
		}
	}
	return nil
}

// runSubgraph executes the subgraph rooted at rootID on behalf of the
// parallel, whileLoop, and subflow executors. It uses a fresh executed set
// so loop iterations can revisit body nodes, and its own iteration cap
// independent of the outer loop's spent budget.
func (e *Engine) runSubgraph(ctx context.Context, ec *ExecContext, rootID, input string, stopAt map[string]bool) (string, error) {
	sub := *ec

	// The readiness gate only considers parents inside the subgraph, so the
	// launching node (loop, parallel, subflow host) does not block its own
	// roots.
	scope := sub.graph.subgraphScope(rootID, stopAt)

	executed := make(map[string]bool)
	out, fe := e.runQueue(ctx, &sub, executed, []workItem{{nodeID: rootID, input: input}}, stopAt, scope, false)
	if fe != nil {
		return "", fe
	}
	if !executedAny(executed) {
		return input, nil
	}
	return out, nil
}

func executedAny(executed map[string]bool) bool {
	for _, v := range executed {
		if v {
			return true
		}
	}
	return false
}

// buildResult assembles the final ExecutionResult.
func (e *Engine) buildResult(ec *ExecContext, success bool, failed *Error, started time.Time) *ExecutionResult {
	ec.state.mu.Lock()
	defer ec.state.mu.Unlock()

	outputs := make(map[string]string, len(ec.state.outputs))
	for k, v := range ec.state.outputs {
		outputs[k] = v
	}
	order := append([]string(nil), ec.state.executionOrder...)

	res := &ExecutionResult{
		Success:          success,
		Output:           ec.state.finalOutput,
		FinalOutput:      ec.state.finalOutput,
		FinalNodeID:      ec.state.finalNodeID,
		NodeOutputs:      outputs,
		ExecutionOrder:   order,
		LastActiveNodeID: ec.state.lastActive,
		Duration:         time.Since(started),
		ExecutionID:      ec.ExecutionID,
	}

	if failed != nil {
		payload := errorPayloadLocked(ec, failed)
		res.Error = &payload
	}

	if len(ec.state.usage) > 0 {
		details := &TokenUsageDetails{}
		for _, mu := range ec.state.usage {
			details.PromptTokens += mu.PromptTokens
			details.CompletionTokens += mu.CompletionTokens
			details.TotalTokens += mu.TotalTokens
			details.PerModel = append(details.PerModel, *mu)
		}
		res.Usage = details
	}

	for _, m := range ec.Session.Messages() {
		res.SessionMessages = append(res.SessionMessages, SessionMessage{Role: m.Role, Content: m.Text()})
	}
	return res
}

func nodeMetaFor(ec *ExecContext, nodeID string) NodeMeta {
	if node := ec.graph.nodes[nodeID]; node != nil {
		return NodeMeta{NodeType: node.Type, NodeLabel: node.Label(), Iteration: ec.iteration}
	}
	return NodeMeta{}
}

func errorPayloadFor(ec *ExecContext, nodeID string, fe *Error) ErrorPayload {
	payload := ErrorPayload{
		Message:    fe.Message,
		Code:       fe.Code,
		StatusCode: fe.StatusCode,
		NodeID:     nodeID,
		Retries:    fe.Retries,
	}
	if node := ec.graph.nodes[nodeID]; node != nil {
		payload.NodeLabel = node.Label()
		payload.NodeType = node.Type
	}
	return payload
}

// errorPayloadLocked is errorPayloadFor for callers already holding the
// state mutex (graph lookups do not touch state, but keep the variants
// separate for clarity at call sites).
func errorPayloadLocked(ec *ExecContext, fe *Error) ErrorPayload {
	payload := ErrorPayload{
		Message:    fe.Message,
		Code:       fe.Code,
		StatusCode: fe.StatusCode,
		NodeID:     fe.NodeID,
		Retries:    fe.Retries,
	}
	if ec.graph != nil {
		if node := ec.graph.nodes[fe.NodeID]; node != nil {
			payload.NodeLabel = node.Label()
			payload.NodeType = node.Type
		}
	}
	return payload
}
