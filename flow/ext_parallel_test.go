package flow

import (
	"context"
	"strings"
	"sync"
	"testing"
)

func parallelWF(mergePrompt string) *Workflow {
	data := map[string]any{
		"branches": []any{
			map[string]any{"id": "x", "label": "Research"},
			map[string]any{"id": "y", "label": "Planning"},
		},
	}
	if mergePrompt != "" {
		data["mergePrompt"] = mergePrompt
		data["mergeModel"] = "m"
	}
	return newWF("parallel").
		node("start", TypeStart, nil).
		node("par", TypeParallel, data).
		node("bx", TypeAgent, map[string]any{"model": "m"}).
		node("by", TypeAgent, map[string]any{"model": "m"}).
		node("out", TypeOutput, nil).
		edge("start", "par", "").
		edge("par", "bx", "branch-x").
		edge("par", "by", "branch-y").
		edge("par", "out", "").
		build()
}

// branchRecorder tracks branch lifecycle events keyed by branch ID.
type branchRecorder struct {
	mu        sync.Mutex
	starts    map[string]int
	completes map[string]int
	instances map[string]bool
}

func newBranchRecorder() *branchRecorder {
	return &branchRecorder{
		starts:    make(map[string]int),
		completes: make(map[string]int),
		instances: make(map[string]bool),
	}
}

func (b *branchRecorder) callbacks() *ExecutionCallbacks {
	return &ExecutionCallbacks{
		OnBranchStart: func(nodeID string, instance int, branchID, label string) {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.starts[branchID]++
		},
		OnBranchComplete: func(nodeID string, instance int, branchID, output string, err error) {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.completes[branchID]++
		},
	}
}

func TestParallel_MergePrompt(t *testing.T) {
	// Two branch agents plus one merge call; the mock serves them in call
	// order, but branch scheduling is concurrent so both branch replies are
	// identical to keep the test deterministic.
	prov := mockProvider("branch finding", "branch finding", "merged summary")
	eng := NewEngine(prov)
	rec := newBranchRecorder()

	res, err := eng.Execute(context.Background(), parallelWF("Summarize the branches"), ExecutionInput{Text: "Plan launch"}, rec.callbacks())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("failed: %+v", res.Error)
	}
	if res.FinalOutput != "merged summary" {
		t.Errorf("FinalOutput = %q, want merge output", res.FinalOutput)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, id := range []string{"x", "y"} {
		if rec.starts[id] != 1 {
			t.Errorf("branch %s starts = %d, want 1", id, rec.starts[id])
		}
		if rec.completes[id] != 1 {
			t.Errorf("branch %s completes = %d, want 1", id, rec.completes[id])
		}
	}
	// The merge phase uses the reserved identifier.
	if rec.starts[MergeBranchID] != 1 || rec.completes[MergeBranchID] != 1 {
		t.Errorf("merge events = %d/%d, want 1/1", rec.starts[MergeBranchID], rec.completes[MergeBranchID])
	}
}

func TestParallel_ConcatFallback(t *testing.T) {
	prov := mockProvider("same text", "same text")
	eng := NewEngine(prov)

	res, _ := eng.Execute(context.Background(), parallelWF(""), ExecutionInput{Text: "go"}, nil)
	if !res.Success {
		t.Fatalf("failed: %+v", res.Error)
	}
	// Branch-declaration order with labels as headings.
	if !strings.Contains(res.FinalOutput, "## Research") || !strings.Contains(res.FinalOutput, "## Planning") {
		t.Errorf("concat output missing branch headings: %q", res.FinalOutput)
	}
	if strings.Index(res.FinalOutput, "## Research") > strings.Index(res.FinalOutput, "## Planning") {
		t.Error("branch outputs not in declaration order")
	}
}

func TestParallel_ZeroConnectedBranches(t *testing.T) {
	cases := []struct {
		name        string
		mergePrompt string
	}{
		{"without merge prompt", ""},
		{"with merge prompt", "Summarize the branches"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data := map[string]any{
				"branches": []any{map[string]any{"id": "x", "label": "X"}},
			}
			if tc.mergePrompt != "" {
				data["mergePrompt"] = tc.mergePrompt
				data["mergeModel"] = "m"
			}
			wf := newWF("empty-par").
				node("start", TypeStart, nil).
				node("par", TypeParallel, data).
				node("out", TypeOutput, nil).
				edge("start", "par", "").
				edge("par", "out", "").
				build()

			prov := mockProvider("should never be called")
			eng := NewEngine(prov)
			rec := newBranchRecorder()

			res, _ := eng.Execute(context.Background(), wf, ExecutionInput{Text: "go"}, rec.callbacks())
			if !res.Success {
				t.Fatalf("failed: %+v", res.Error)
			}
			if res.FinalOutput != "" {
				t.Errorf("FinalOutput = %q, want empty merge", res.FinalOutput)
			}
			if got := prov.CallCount(); got != 0 {
				t.Errorf("provider calls = %d, want 0 with no connected branches", got)
			}
			rec.mu.Lock()
			defer rec.mu.Unlock()
			if len(rec.starts) != 0 || len(rec.completes) != 0 {
				t.Errorf("branch events fired for unconnected branches: %v %v", rec.starts, rec.completes)
			}
		})
	}
}

func TestParallel_BranchTokensScoped(t *testing.T) {
	prov := mockProvider("alpha beta", "alpha beta", "merged")
	eng := NewEngine(prov)

	var mu sync.Mutex
	topLevel := 0
	branchTokens := make(map[string]int)

	cbs := &ExecutionCallbacks{
		OnToken: func(nodeID, tok string) {
			mu.Lock()
			topLevel++
			mu.Unlock()
		},
		OnBranchToken: func(nodeID string, instance int, branchID, tok string) {
			mu.Lock()
			branchTokens[branchID]++
			mu.Unlock()
		},
	}

	res, _ := eng.Execute(context.Background(), parallelWF("Summarize"), ExecutionInput{Text: "go"}, cbs)
	if !res.Success {
		t.Fatalf("failed: %+v", res.Error)
	}

	mu.Lock()
	defer mu.Unlock()
	if topLevel != 0 {
		t.Errorf("top-level OnToken fired %d times for branch streams", topLevel)
	}
	if branchTokens["x"] == 0 || branchTokens["y"] == 0 {
		t.Errorf("branch tokens missing: %v", branchTokens)
	}
	if branchTokens[MergeBranchID] == 0 {
		t.Error("merge tokens not scoped to __merge__")
	}
}
