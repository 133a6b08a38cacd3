package flow

import (
	"context"
	"strings"
	"testing"
)

func TestDefaultRegistry_HasBuiltins(t *testing.T) {
	r := DefaultRegistry()
	for _, name := range []string{
		TypeStart, TypeAgent, TypeRouter, TypeParallel, TypeWhileLoop,
		TypeSubflow, TypeMemory, TypeTool, TypeOutput,
	} {
		if !r.Has(name) {
			t.Errorf("built-in %s missing", name)
		}
	}
	if got := len(r.Types()); got != 9 {
		t.Errorf("Types = %d, want 9", got)
	}
}

func TestExtensionRegistry_DuplicateRejected(t *testing.T) {
	r := NewExtensionRegistry()
	if err := r.Register(&startExtension{}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(&startExtension{}); err == nil {
		t.Error("duplicate registration accepted")
	}
}

// upperExtension is a custom node type used to prove the registry dispatch
// is open to embedders.
type upperExtension struct{}

func (upperExtension) Type() string { return "uppercase" }
func (upperExtension) Ports() []PortDefinition {
	return []PortDefinition{
		{ID: "input", Kind: PortInput, Required: true},
		{ID: HandleDefault, Kind: PortOutput, Multiple: true},
	}
}
func (upperExtension) DynamicPorts(map[string]any) []PortDefinition { return nil }
func (upperExtension) Validate(*Node, *Workflow) error              { return nil }
func (upperExtension) Execute(ctx context.Context, ec *ExecContext, node *Node) (*NodeOutcome, error) {
	return &NodeOutcome{Output: strings.ToUpper(ec.Input()), Next: ec.graph.allChildren(node.ID)}, nil
}

func TestCustomExtension(t *testing.T) {
	eng := NewEngine(mockProvider())
	if err := eng.Extensions().Register(upperExtension{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	wf := newWF("custom").
		node("start", TypeStart, nil).
		node("up", "uppercase", nil).
		edge("start", "up", "").
		build()

	res, _ := eng.Execute(context.Background(), wf, ExecutionInput{Text: "shout"}, nil)
	if !res.Success {
		t.Fatalf("failed: %+v", res.Error)
	}
	if res.FinalOutput != "SHOUT" {
		t.Errorf("FinalOutput = %q", res.FinalOutput)
	}
}

func TestSketch(t *testing.T) {
	out := Sketch(routerWF())
	for _, want := range []string{"start (start)", "router (router)", "[route-a]", "agentA"} {
		if !strings.Contains(out, want) {
			t.Errorf("sketch missing %q:\n%s", want, out)
		}
	}
}
