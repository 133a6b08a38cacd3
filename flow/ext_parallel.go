package flow

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/jmilden/agentflow-go/flow/emit"
	"github.com/jmilden/agentflow-go/flow/provider"
)

// MergeBranchID is the synthetic branch identifier used for merge-phase
// streaming events. It is excluded from "all regular branches complete"
// accounting, so observers can distinguish merge tokens from branch tokens.
const MergeBranchID = "__merge__"

// branchPortPrefix forms the dynamic output handle for a branch.
const branchPortPrefix = "branch-"

// BranchDefinition is one concurrent branch of a parallel node.
type BranchDefinition struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
}

type parallelConfig struct {
	Branches    []BranchDefinition `json:"branches"`
	MergePrompt string             `json:"mergePrompt,omitempty"`
	MergeModel  string             `json:"mergeModel,omitempty"`
}

// parallelExtension fans its input out to N branch subgraphs running
// concurrently, awaits them all, and synthesizes a merged output.
type parallelExtension struct{}

func (parallelExtension) Type() string { return TypeParallel }

func (parallelExtension) Ports() []PortDefinition {
	return []PortDefinition{
		{ID: "input", Kind: PortInput, DataType: "text", Required: true},
		{ID: HandleDefault, Kind: PortOutput, DataType: "text", Multiple: true},
	}
}

func (parallelExtension) DynamicPorts(data map[string]any) []PortDefinition {
	var cfg parallelConfig
	if DecodeNodeData(data, &cfg) != nil {
		return nil
	}
	out := make([]PortDefinition, 0, len(cfg.Branches))
	for _, b := range cfg.Branches {
		out = append(out, PortDefinition{ID: branchPortPrefix + b.ID, Kind: PortOutput, DataType: "text", Multiple: true})
	}
	return out
}

func (parallelExtension) Validate(node *Node, wf *Workflow) error {
	var cfg parallelConfig
	if err := DecodeNodeData(node.Data, &cfg); err != nil {
		return err
	}
	seen := make(map[string]bool, len(cfg.Branches))
	for _, b := range cfg.Branches {
		if b.ID == "" {
			return &Error{Code: CodeValidation, Message: "parallel branch missing id"}
		}
		if b.ID == MergeBranchID {
			return &Error{Code: CodeValidation, Message: "branch id " + MergeBranchID + " is reserved"}
		}
		if seen[b.ID] {
			return &Error{Code: CodeValidation, Message: "duplicate branch id: " + b.ID}
		}
		seen[b.ID] = true
	}
	return nil
}

func (pe parallelExtension) Execute(ctx context.Context, ec *ExecContext, node *Node) (*NodeOutcome, error) {
	var cfg parallelConfig
	if err := DecodeNodeData(node.Data, &cfg); err != nil {
		return nil, err
	}

	// Only branches with a connected handle run; a parallel node with zero
	// connected branches merges to the empty string and proceeds.
	var live []liveBranch
	for _, b := range cfg.Branches {
		roots := ec.graph.childrenOn(node.ID, branchPortPrefix+b.ID)
		for _, root := range roots {
			live = append(live, liveBranch{def: b, root: root})
		}
	}

	instance := ec.nextBranchInstance(node.ID)
	results := make([]string, len(live))

	if len(live) > 0 {
		g, gctx := errgroup.WithContext(ctx)

		for i := range live {
			i := i
			lb := live[i]
			ec.Callbacks.branchStart(node.ID, instance, lb.def.ID, lb.def.Label)
			ec.emitEvent(node.ID, emit.MsgBranchStart, map[string]any{"branch": lb.def.ID})
			ec.engine.metrics.recordBranch()

			g.Go(func() error {
				branchCtx := gctx
				if timeout := ec.Options.BranchTimeout; timeout > 0 {
					var cancel context.CancelFunc
					branchCtx, cancel = context.WithTimeout(gctx, timeout)
					defer cancel()
				}

				// Branch contexts carry the stream key so nested provider
				// calls emit branch-scoped tokens instead of top-level ones.
				bec := *ec
				bec.branchKey = &branchStream{nodeID: node.ID, instance: instance, branchID: lb.def.ID}

				out, err := bec.ExecuteSubgraph(branchCtx, lb.root, ec.Input(), nil)
				ec.Callbacks.branchComplete(node.ID, instance, lb.def.ID, out, err)
				ec.emitEvent(node.ID, emit.MsgBranchComplete, map[string]any{
					"branch": lb.def.ID,
					"ok":     err == nil,
				})
				if err != nil {
					return fmt.Errorf("branch %s: %w", lb.def.ID, err)
				}
				results[i] = out
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	merged, err := pe.merge(ctx, ec, node, &cfg, instance, live, results)
	if err != nil {
		return nil, err
	}
	return &NodeOutcome{Output: merged, Next: ec.graph.childrenOn(node.ID, HandleDefault)}, nil
}

// liveBranch pairs a declared branch with one connected subgraph root.
type liveBranch struct {
	def  BranchDefinition
	root string
}

// merge synthesizes the branch outputs: one provider call under the
// __merge__ stream identity when a merge prompt is configured, otherwise
// label-headed concatenation in branch-declaration order.
func (parallelExtension) merge(ctx context.Context, ec *ExecContext, node *Node, cfg *parallelConfig, instance int, live []liveBranch, results []string) (string, error) {
	// Zero connected branches merge to the empty string without any branch
	// events or provider calls, merge prompt or not.
	if len(live) == 0 {
		return "", nil
	}
	if cfg.MergePrompt == "" {
		var b strings.Builder
		for i, lb := range live {
			if i > 0 {
				b.WriteString("\n\n")
			}
			heading := lb.def.Label
			if heading == "" {
				heading = lb.def.ID
			}
			b.WriteString("## " + heading + "\n\n")
			b.WriteString(results[i])
		}
		return b.String(), nil
	}

	model := ec.ResolveModel(cfg.MergeModel)
	if model == "" {
		return "", &Error{Code: CodeValidation, Message: "parallel merge has no model and no default model is set", NodeID: node.ID}
	}

	var input strings.Builder
	for i, lb := range live {
		heading := lb.def.Label
		if heading == "" {
			heading = lb.def.ID
		}
		fmt.Fprintf(&input, "Branch %q:\n%s\n\n", heading, results[i])
	}

	ec.Callbacks.branchStart(node.ID, instance, MergeBranchID, "merge")
	resp, err := ec.Provider.Chat(ctx, model, []provider.Message{
		{Role: provider.RoleSystem, Content: cfg.MergePrompt},
		{Role: provider.RoleUser, Content: input.String()},
	}, &provider.Request{
		OnToken: func(tok string) {
			ec.Callbacks.branchToken(node.ID, instance, MergeBranchID, tok)
		},
		OnReasoning: func(tok string) {
			ec.Callbacks.branchReasoning(node.ID, instance, MergeBranchID, tok)
		},
	})
	if err != nil {
		ec.Callbacks.branchComplete(node.ID, instance, MergeBranchID, "", err)
		return "", err
	}
	ec.recordUsage(node.ID, model, resp.Usage)
	ec.Callbacks.branchComplete(node.ID, instance, MergeBranchID, resp.Text, nil)
	return resp.Text, nil
}
