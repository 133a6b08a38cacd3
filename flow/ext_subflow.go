package flow

import "context"

type subflowConfig struct {
	SubflowID     string            `json:"subflowId"`
	InputMappings map[string]string `json:"inputMappings,omitempty"`
	ShareSession  bool              `json:"shareSession,omitempty"`
}

// subflowExtension invokes a registered workflow as a single node. The
// inner workflow runs on the same engine with subflowDepth+1; its terminal
// output becomes this node's output.
type subflowExtension struct{}

func (subflowExtension) Type() string { return TypeSubflow }

func (subflowExtension) Ports() []PortDefinition {
	return []PortDefinition{
		{ID: "input", Kind: PortInput, DataType: "text", Required: true},
		{ID: HandleDefault, Kind: PortOutput, DataType: "text", Multiple: true},
	}
}

func (subflowExtension) DynamicPorts(map[string]any) []PortDefinition { return nil }

func (subflowExtension) Validate(node *Node, wf *Workflow) error {
	var cfg subflowConfig
	if err := DecodeNodeData(node.Data, &cfg); err != nil {
		return err
	}
	if cfg.SubflowID == "" {
		return &Error{Code: CodeValidation, Message: "subflow node missing subflowId"}
	}
	return nil
}

func (subflowExtension) Execute(ctx context.Context, ec *ExecContext, node *Node) (*NodeOutcome, error) {
	var cfg subflowConfig
	if err := DecodeNodeData(node.Data, &cfg); err != nil {
		return nil, err
	}

	reg := ec.Options.Subflows
	if reg == nil {
		return nil, &Error{Code: CodeValidation, Message: "no subflow registry configured", NodeID: node.ID}
	}
	def := reg.Get(cfg.SubflowID)
	if def == nil {
		return nil, &Error{Code: CodeValidation, Message: "unknown subflow: " + cfg.SubflowID, NodeID: node.ID}
	}

	depth := ec.SubflowDepth() + 1
	maxDepth := ec.Options.MaxSubflowDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxSubflowDepth
	}
	if depth > maxDepth {
		return nil, &Error{Code: CodeInfiniteLoop, Message: "subflow nesting exceeds maxSubflowDepth", NodeID: node.ID}
	}

	// Map the outer context into the inner start input. A missing "input"
	// mapping passes the node input through unchanged.
	innerInput := ec.Input()
	if expr, ok := cfg.InputMappings["input"]; ok {
		innerInput = resolveMapping(expr, ec.Input(), ec.Outputs(), ec.Session.ID)
	}

	innerStart := def.Workflow.StartNode()
	if innerStart == nil {
		return nil, &Error{Code: CodeValidation, Message: "subflow " + cfg.SubflowID + " has no start node", NodeID: node.ID}
	}

	// Build the inner execution context: fresh state, forked or shared
	// session, same provider and options.
	session := ec.Session
	if !cfg.ShareSession {
		session = NewSession(ec.Session.ID + "/" + node.ID)
	}
	inner := &ExecContext{
		ExecutionID:  ec.ExecutionID,
		Provider:     ec.Provider,
		Session:      session,
		Options:      ec.Options,
		Callbacks:    ec.Callbacks,
		Workflow:     def.Workflow,
		engine:       ec.engine,
		graph:        buildGraph(def.Workflow),
		state:        newExecState(),
		attachments:  ec.attachments,
		subflowDepth: depth,
		branchKey:    ec.branchKey,
	}

	output, err := inner.ExecuteSubgraph(ctx, innerStart.ID, innerInput, nil)
	if err != nil {
		return nil, err
	}
	return &NodeOutcome{Output: output, Next: ec.graph.allChildren(node.ID)}, nil
}
