package flow

import "context"

// outputExtension terminates a path: its input becomes the workflow's final
// output. Multiple output nodes are allowed; the last one to execute wins.
type outputExtension struct{}

func (outputExtension) Type() string { return TypeOutput }

func (outputExtension) Ports() []PortDefinition {
	return []PortDefinition{
		{ID: "input", Kind: PortInput, DataType: "text", Required: true, Multiple: true},
	}
}

func (outputExtension) DynamicPorts(map[string]any) []PortDefinition { return nil }

func (outputExtension) Validate(node *Node, wf *Workflow) error { return nil }

func (outputExtension) Execute(ctx context.Context, ec *ExecContext, node *Node) (*NodeOutcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &NodeOutcome{Output: ec.Input()}, nil
}
