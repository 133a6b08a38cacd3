package flow

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmilden/agentflow-go/flow/emit"
	"github.com/jmilden/agentflow-go/flow/provider"
)

// MaxIterationsBehavior selects what happens when a whileLoop hits its
// iteration bound before the condition says done.
type MaxIterationsBehavior string

// Loop-bound behaviors.
const (
	// LoopBoundError fails the node.
	LoopBoundError MaxIterationsBehavior = "error"

	// LoopBoundWarning emits a warning, then exits via done.
	LoopBoundWarning MaxIterationsBehavior = "warning"

	// LoopBoundContinue exits via done silently.
	LoopBoundContinue MaxIterationsBehavior = "continue"
)

// whileLoop port handles.
const (
	handleBody = "body"
	handleDone = "done"
)

type whileLoopConfig struct {
	ConditionPrompt string                `json:"conditionPrompt,omitempty"`
	ConditionModel  string                `json:"conditionModel,omitempty"`
	MaxIterations   int                   `json:"maxIterations"`
	OnMaxIterations MaxIterationsBehavior `json:"onMaxIterations,omitempty"`
	CustomEvaluator string                `json:"customEvaluator,omitempty"`
}

// whileLoopExtension drives a bounded iterative loop: evaluate the
// condition, run the body subgraph, feed its output into the next
// iteration, and exit through the done port.
type whileLoopExtension struct{}

func (whileLoopExtension) Type() string { return TypeWhileLoop }

func (whileLoopExtension) Ports() []PortDefinition {
	return []PortDefinition{
		{ID: "input", Kind: PortInput, DataType: "text", Required: true, Multiple: true},
	}
}

func (whileLoopExtension) DynamicPorts(map[string]any) []PortDefinition {
	return []PortDefinition{
		{ID: handleBody, Kind: PortOutput, DataType: "text", Multiple: true},
		{ID: handleDone, Kind: PortOutput, DataType: "text", Multiple: true},
	}
}

func (whileLoopExtension) Validate(node *Node, wf *Workflow) error {
	var cfg whileLoopConfig
	if err := DecodeNodeData(node.Data, &cfg); err != nil {
		return err
	}
	if cfg.MaxIterations < 0 {
		return &Error{Code: CodeValidation, Message: "whileLoop maxIterations cannot be negative"}
	}
	switch cfg.OnMaxIterations {
	case "", LoopBoundError, LoopBoundWarning, LoopBoundContinue:
	default:
		return &Error{Code: CodeValidation, Message: fmt.Sprintf("unknown onMaxIterations behavior %q", cfg.OnMaxIterations)}
	}
	return nil
}

func (we whileLoopExtension) Execute(ctx context.Context, ec *ExecContext, node *Node) (*NodeOutcome, error) {
	var cfg whileLoopConfig
	if err := DecodeNodeData(node.Data, &cfg); err != nil {
		return nil, err
	}
	onMax := cfg.OnMaxIterations
	if onMax == "" {
		onMax = LoopBoundWarning
	}

	state := ec.loopState(node.ID)
	defer ec.clearLoopState(node.ID)

	bodyRoots := ec.graph.childrenOn(node.ID, handleBody)
	boundary := map[string]bool{node.ID: true}
	initialInput := ec.Input()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if state.Iteration >= cfg.MaxIterations {
			switch onMax {
			case LoopBoundError:
				return nil, &Error{
					Code:    CodeInfiniteLoop,
					Message: fmt.Sprintf("loop reached maxIterations (%d) before completing", cfg.MaxIterations),
					NodeID:  node.ID,
				}
			case LoopBoundWarning:
				ec.Callbacks.warning(node.ID, fmt.Sprintf("loop exited after reaching maxIterations (%d)", cfg.MaxIterations))
			}
			break
		}

		cont, err := we.evaluate(ctx, ec, node, &cfg, state, initialInput)
		if err != nil {
			return nil, err
		}
		if !cont {
			break
		}

		ec.Callbacks.loopIteration(node.ID, state.Iteration+1, cfg.MaxIterations)
		ec.emitEvent(node.ID, emit.MsgLoopIteration, map[string]any{
			"iteration": state.Iteration + 1,
			"max":       cfg.MaxIterations,
		})
		ec.engine.metrics.recordLoopIteration()

		input := state.LastOutput
		if state.Iteration == 0 {
			input = initialInput
		}

		output := input
		for _, root := range bodyRoots {
			iterCtx := *ec
			iterCtx.iteration = state.Iteration + 1
			out, err := iterCtx.ExecuteSubgraph(ctx, root, output, boundary)
			if err != nil {
				return nil, err
			}
			output = out
		}

		state.Outputs = append(state.Outputs, output)
		state.LastOutput = output
		state.Iteration++
	}

	state.IsActive = false
	final := state.LastOutput
	if final == "" {
		final = initialInput
	}
	return &NodeOutcome{Output: final, Next: ec.graph.childrenOn(node.ID, handleDone)}, nil
}

// evaluate decides whether the loop continues. Iteration 0 always runs the
// body. A registered evaluator replaces the provider call.
func (whileLoopExtension) evaluate(ctx context.Context, ec *ExecContext, node *Node, cfg *whileLoopConfig, state *LoopState, initialInput string) (bool, error) {
	if state.Iteration == 0 {
		return true, nil
	}

	// The node's customEvaluator names a registered evaluator; an evaluator
	// registered under the node's own ID is the fallback for workflows that
	// do not declare a name.
	if ev := ec.lookupEvaluator(cfg.CustomEvaluator, node); ev != nil {
		return ev(ctx, EvalInput{
			Input:      initialInput,
			LastOutput: state.LastOutput,
			Iteration:  state.Iteration,
			Outputs:    ec.Outputs(),
		})
	}

	model := ec.ResolveModel(cfg.ConditionModel)
	if model == "" {
		return false, &Error{Code: CodeValidation, Message: "whileLoop has no condition model and no default model is set", NodeID: node.ID}
	}

	prompt := fmt.Sprintf(
		"You decide whether a refinement loop should continue.\nCondition: %s\nCompleted iterations: %d\nLatest output:\n%s\n\nAnswer with exactly one word: continue or done.",
		cfg.ConditionPrompt, state.Iteration, state.LastOutput,
	)
	resp, err := ec.Provider.Chat(ctx, model, []provider.Message{
		{Role: provider.RoleUser, Content: prompt},
	}, nil)
	if err != nil {
		return false, err
	}
	ec.recordUsage(node.ID, model, resp.Usage)

	answer := strings.ToLower(strings.TrimSpace(resp.Text))
	switch {
	case strings.HasPrefix(answer, "continue"):
		return true, nil
	case strings.HasPrefix(answer, "done"):
		return false, nil
	}
	// Unrecognized verdicts stop the loop rather than risk burning the
	// whole iteration budget on a confused condition model.
	ec.Callbacks.warning(node.ID, fmt.Sprintf("loop condition reply %q not recognized, exiting loop", strings.TrimSpace(resp.Text)))
	return false, nil
}
