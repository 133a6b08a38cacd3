package flow

import "context"

// startExtension passes the execution input through to all children and
// exposes the execution's attachments for downstream agent nodes.
type startExtension struct{}

func (startExtension) Type() string { return TypeStart }

func (startExtension) Ports() []PortDefinition {
	return []PortDefinition{
		{ID: HandleDefault, Kind: PortOutput, DataType: "text", Multiple: true},
	}
}

func (startExtension) DynamicPorts(map[string]any) []PortDefinition { return nil }

func (startExtension) Validate(node *Node, wf *Workflow) error { return nil }

func (startExtension) Execute(ctx context.Context, ec *ExecContext, node *Node) (*NodeOutcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &NodeOutcome{
		Output: ec.Input(),
		Next:   ec.graph.allChildren(node.ID),
	}, nil
}
