package flow

import "context"

type toolNodeConfig struct {
	ToolID    string         `json:"toolId"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// toolExtension invokes a registered tool directly as a graph step, merging
// the node's static arguments with the incoming input.
type toolExtension struct{}

func (toolExtension) Type() string { return TypeTool }

func (toolExtension) Ports() []PortDefinition {
	return []PortDefinition{
		{ID: "input", Kind: PortInput, DataType: "text", Required: true},
		{ID: HandleDefault, Kind: PortOutput, DataType: "text", Multiple: true},
	}
}

func (toolExtension) DynamicPorts(map[string]any) []PortDefinition { return nil }

func (toolExtension) Validate(node *Node, wf *Workflow) error {
	var cfg toolNodeConfig
	if err := DecodeNodeData(node.Data, &cfg); err != nil {
		return err
	}
	if cfg.ToolID == "" {
		return &Error{Code: CodeValidation, Message: "tool node missing toolId"}
	}
	return nil
}

func (toolExtension) Execute(ctx context.Context, ec *ExecContext, node *Node) (*NodeOutcome, error) {
	var cfg toolNodeConfig
	if err := DecodeNodeData(node.Data, &cfg); err != nil {
		return nil, err
	}

	args := make(map[string]any, len(cfg.Arguments)+1)
	for k, v := range cfg.Arguments {
		args[k] = v
	}
	if _, set := args["input"]; !set {
		args["input"] = ec.Input()
	}

	out, err := ec.CallTool(ctx, cfg.ToolID, args)
	if err != nil {
		return nil, err
	}
	return &NodeOutcome{Output: out, Next: ec.graph.allChildren(node.ID)}, nil
}
