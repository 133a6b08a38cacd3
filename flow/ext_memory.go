package flow

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmilden/agentflow-go/flow/memory"
)

type memoryConfig struct {
	Operation string         `json:"operation"`
	Limit     int            `json:"limit,omitempty"`
	Namespace string         `json:"namespace,omitempty"`
	Threshold float64        `json:"threshold,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Fallback  string         `json:"fallback,omitempty"`
}

// memoryExtension queries or stores against the configured memory adapter.
type memoryExtension struct{}

func (memoryExtension) Type() string { return TypeMemory }

func (memoryExtension) Ports() []PortDefinition {
	return []PortDefinition{
		{ID: "input", Kind: PortInput, DataType: "text", Required: true},
		{ID: HandleDefault, Kind: PortOutput, DataType: "text", Multiple: true},
	}
}

func (memoryExtension) DynamicPorts(map[string]any) []PortDefinition { return nil }

func (memoryExtension) Validate(node *Node, wf *Workflow) error {
	var cfg memoryConfig
	if err := DecodeNodeData(node.Data, &cfg); err != nil {
		return err
	}
	switch cfg.Operation {
	case "query", "store":
		return nil
	}
	return &Error{Code: CodeValidation, Message: fmt.Sprintf("memory operation must be query or store, got %q", cfg.Operation)}
}

func (memoryExtension) Execute(ctx context.Context, ec *ExecContext, node *Node) (*NodeOutcome, error) {
	var cfg memoryConfig
	if err := DecodeNodeData(node.Data, &cfg); err != nil {
		return nil, err
	}
	adapter := ec.Memory()
	if adapter == nil {
		return nil, &Error{Code: CodeValidation, Message: "no memory adapter configured", NodeID: node.ID}
	}

	var output string
	switch cfg.Operation {
	case "store":
		id, err := adapter.Store(ctx, memory.Entry{
			Text:      ec.Input(),
			Namespace: cfg.Namespace,
			Metadata:  cfg.Metadata,
		})
		if err != nil {
			return nil, err
		}
		output = "Stored memory entry " + id

	case "query":
		hits, err := adapter.Search(ctx, ec.Input(), memory.SearchOptions{
			Limit:     cfg.Limit,
			Namespace: cfg.Namespace,
			Threshold: cfg.Threshold,
		})
		if err != nil {
			return nil, err
		}
		if len(hits) == 0 {
			output = cfg.Fallback
			if output == "" {
				output = "No relevant memories found."
			}
		} else {
			var b strings.Builder
			b.WriteString("Relevant memories:\n")
			for i, h := range hits {
				fmt.Fprintf(&b, "%d. %s\n", i+1, h.Text)
			}
			output = strings.TrimRight(b.String(), "\n")
		}
	}

	return &NodeOutcome{Output: output, Next: ec.graph.allChildren(node.ID)}, nil
}
