package flow

import (
	"context"
	"strings"
	"testing"
)

func loopWF(maxIterations int, onMax string) *Workflow {
	return newWF("loop").
		node("start", TypeStart, nil).
		node("loop", TypeWhileLoop, map[string]any{
			"conditionPrompt": "continue while under 10 words",
			"conditionModel":  "m",
			"maxIterations":   maxIterations,
			"onMaxIterations": onMax,
		}).
		node("refiner", TypeAgent, map[string]any{"model": "m"}).
		node("out", TypeOutput, nil).
		edge("start", "loop", "").
		edge("loop", "refiner", "body").
		edge("refiner", "loop", "").
		edge("loop", "out", "done").
		build()
}

func TestWhileLoop_BoundedIterations(t *testing.T) {
	// The evaluator always continues, so the bound is what stops the loop.
	prov := mockProvider("draft 1", "draft 2", "draft 3")
	eng := NewEngine(prov)
	rec := &eventRecorder{}

	res, err := eng.Execute(context.Background(), loopWF(3, "continue"), ExecutionInput{Text: "topic"}, rec.callbacks(),
		WithEvaluator("loop", func(ctx context.Context, in EvalInput) (bool, error) { return true, nil }))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("failed: %+v", res.Error)
	}

	loops := 0
	for _, ev := range rec.list() {
		if ev == "loop:loop" {
			loops++
		}
	}
	if loops != 3 {
		t.Errorf("loop iterations = %d, want 3", loops)
	}
	if res.FinalOutput != "draft 3" {
		t.Errorf("FinalOutput = %q, want the last iteration's output", res.FinalOutput)
	}
	// Exit was via done into the output node.
	if res.FinalNodeID != "out" {
		t.Errorf("FinalNodeID = %q, want out", res.FinalNodeID)
	}
}

func TestWhileLoop_EvaluatorStops(t *testing.T) {
	prov := mockProvider("one", "two", "three")
	eng := NewEngine(prov)
	rec := &eventRecorder{}

	res, _ := eng.Execute(context.Background(), loopWF(10, "continue"), ExecutionInput{Text: "go"}, rec.callbacks(),
		WithEvaluator("loop", func(ctx context.Context, in EvalInput) (bool, error) {
			return in.Iteration < 2, nil
		}))
	if !res.Success {
		t.Fatalf("failed: %+v", res.Error)
	}
	loops := 0
	for _, ev := range rec.list() {
		if ev == "loop:loop" {
			loops++
		}
	}
	if loops != 2 {
		t.Errorf("loop iterations = %d, want 2", loops)
	}
	if res.FinalOutput != "two" {
		t.Errorf("FinalOutput = %q, want two", res.FinalOutput)
	}
}

func TestWhileLoop_NamedEvaluator(t *testing.T) {
	// The node declares customEvaluator: "lengthCheck"; the evaluator is
	// registered under that name, not under the node's graph ID.
	wf := newWF("named-eval").
		node("start", TypeStart, nil).
		node("loop", TypeWhileLoop, map[string]any{
			"maxIterations":   10,
			"onMaxIterations": "continue",
			"customEvaluator": "lengthCheck",
		}).
		node("refiner", TypeAgent, map[string]any{"model": "m"}).
		node("out", TypeOutput, nil).
		edge("start", "loop", "").
		edge("loop", "refiner", "body").
		edge("refiner", "loop", "").
		edge("loop", "out", "done").
		build()

	prov := mockProvider("one", "two", "three")
	eng := NewEngine(prov)

	res, _ := eng.Execute(context.Background(), wf, ExecutionInput{Text: "go"}, nil,
		WithEvaluator("lengthCheck", func(ctx context.Context, in EvalInput) (bool, error) {
			return in.Iteration < 2, nil
		}))
	if !res.Success {
		t.Fatalf("failed: %+v", res.Error)
	}
	if res.FinalOutput != "two" {
		t.Errorf("FinalOutput = %q, want two", res.FinalOutput)
	}
	// The evaluator decided every condition; no LLM condition calls beyond
	// the two body runs.
	if got := prov.CallCount(); got != 2 {
		t.Errorf("provider calls = %d, want 2 body calls only", got)
	}
}

func TestWhileLoop_UnregisteredEvaluatorNameWarns(t *testing.T) {
	wf := newWF("missing-eval").
		node("start", TypeStart, nil).
		node("loop", TypeWhileLoop, map[string]any{
			"conditionModel":  "m",
			"maxIterations":   10,
			"onMaxIterations": "continue",
			"customEvaluator": "ghost",
		}).
		node("refiner", TypeAgent, map[string]any{"model": "m"}).
		node("out", TypeOutput, nil).
		edge("start", "loop", "").
		edge("loop", "refiner", "body").
		edge("refiner", "loop", "").
		edge("loop", "out", "done").
		build()

	// body, then the condition prompt answers done.
	prov := mockProvider("draft", "done")
	eng := NewEngine(prov)

	var warning string
	cbs := &ExecutionCallbacks{OnWarning: func(nodeID, msg string) { warning = msg }}

	res, _ := eng.Execute(context.Background(), wf, ExecutionInput{Text: "go"}, cbs)
	if !res.Success {
		t.Fatalf("failed: %+v", res.Error)
	}
	if !strings.Contains(warning, "ghost") {
		t.Errorf("warning = %q, want a missing-evaluator notice", warning)
	}
	// Fell through to the condition-prompt path.
	if got := prov.CallCount(); got != 2 {
		t.Errorf("provider calls = %d, want body + condition", got)
	}
}

func TestWhileLoop_ExprEvaluator(t *testing.T) {
	prov := mockProvider("short", "short short", "short short short")
	eng := NewEngine(prov)

	res, _ := eng.Execute(context.Background(), loopWF(10, "continue"), ExecutionInput{Text: "go"}, nil,
		WithEvaluator("loop", ExprEvaluator(`iteration < 3 && len(lastOutput) < 12`)))
	if !res.Success {
		t.Fatalf("failed: %+v", res.Error)
	}
	// iter1 "short" (len 5 < 12, continue), iter2 "short short" (len 11 < 12,
	// continue), iter3 "short short short" then iteration==3 stops.
	if res.FinalOutput != "short short short" {
		t.Errorf("FinalOutput = %q", res.FinalOutput)
	}
}

func TestWhileLoop_ProviderCondition(t *testing.T) {
	// Call order: body (iter 1), condition -> continue, body (iter 2),
	// condition -> done.
	prov := mockProvider("body 1", "continue", "body 2", "done")
	eng := NewEngine(prov)

	res, _ := eng.Execute(context.Background(), loopWF(10, "continue"), ExecutionInput{Text: "go"}, nil)
	if !res.Success {
		t.Fatalf("failed: %+v", res.Error)
	}
	if res.FinalOutput != "body 2" {
		t.Errorf("FinalOutput = %q, want body 2", res.FinalOutput)
	}
	if got := prov.CallCount(); got != 4 {
		t.Errorf("provider calls = %d, want 4", got)
	}
}

func TestWhileLoop_ZeroIterationsExitsImmediately(t *testing.T) {
	prov := mockProvider()
	eng := NewEngine(prov)
	rec := &eventRecorder{}

	res, _ := eng.Execute(context.Background(), loopWF(0, "continue"), ExecutionInput{Text: "untouched"}, rec.callbacks())
	if !res.Success {
		t.Fatalf("failed: %+v", res.Error)
	}
	for _, ev := range rec.list() {
		if ev == "loop:loop" {
			t.Fatal("loop body ran despite maxIterations=0")
		}
	}
	if res.FinalOutput != "untouched" {
		t.Errorf("FinalOutput = %q, want the input passed through", res.FinalOutput)
	}
	if got := prov.CallCount(); got != 0 {
		t.Errorf("provider calls = %d, want 0", got)
	}
}

func TestWhileLoop_ErrorOnMaxIterations(t *testing.T) {
	prov := mockProvider("a", "b")
	eng := NewEngine(prov)

	res, _ := eng.Execute(context.Background(), loopWF(2, "error"), ExecutionInput{Text: "go"}, nil,
		WithEvaluator("loop", func(ctx context.Context, in EvalInput) (bool, error) { return true, nil }))
	if res.Success {
		t.Fatal("expected INFINITE_LOOP failure")
	}
	if res.Error.Code != CodeInfiniteLoop {
		t.Errorf("code = %s, want INFINITE_LOOP", res.Error.Code)
	}
}

func TestWhileLoop_WarningOnMaxIterations(t *testing.T) {
	prov := mockProvider("a", "b")
	eng := NewEngine(prov)

	var warning string
	cbs := &ExecutionCallbacks{OnWarning: func(nodeID, msg string) { warning = msg }}

	res, _ := eng.Execute(context.Background(), loopWF(2, "warning"), ExecutionInput{Text: "go"}, cbs,
		WithEvaluator("loop", func(ctx context.Context, in EvalInput) (bool, error) { return true, nil }))
	if !res.Success {
		t.Fatalf("failed: %+v", res.Error)
	}
	if !strings.Contains(warning, "maxIterations") {
		t.Errorf("warning = %q, want a maxIterations notice", warning)
	}
}
