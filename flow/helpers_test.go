package flow

import (
	"sync"

	"github.com/jmilden/agentflow-go/flow/provider"
)

// wfBuilder assembles test workflows with less ceremony than raw literals.
type wfBuilder struct {
	wf Workflow
}

func newWF(name string) *wfBuilder {
	return &wfBuilder{wf: Workflow{Meta: Meta{Version: SchemaVersion, Name: name}}}
}

func (b *wfBuilder) node(id, nodeType string, data map[string]any) *wfBuilder {
	if data == nil {
		data = map[string]any{}
	}
	b.wf.Nodes = append(b.wf.Nodes, Node{ID: id, Type: nodeType, Data: data})
	return b
}

func (b *wfBuilder) edge(source, target, handle string) *wfBuilder {
	b.wf.Edges = append(b.wf.Edges, Edge{
		ID:           "e" + source + "-" + target + "-" + handle,
		Source:       source,
		Target:       target,
		SourceHandle: handle,
	})
	return b
}

func (b *wfBuilder) build() *Workflow { return &b.wf }

// linearWF is the canonical start -> agent workflow.
func linearWF() *Workflow {
	return newWF("linear").
		node("start", TypeStart, nil).
		node("agent", TypeAgent, map[string]any{"model": "test-model", "prompt": "Echo"}).
		edge("start", "agent", "").
		build()
}

// eventRecorder captures callback invocations for ordering assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []string
	tokens []string
}

func (r *eventRecorder) add(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) addToken(tok string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens = append(r.tokens, tok)
}

func (r *eventRecorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

func (r *eventRecorder) callbacks() *ExecutionCallbacks {
	return &ExecutionCallbacks{
		OnNodeStart: func(nodeID string, meta NodeMeta) {
			r.add("start:" + nodeID)
		},
		OnNodeFinish: func(nodeID, output string, meta NodeMeta) {
			r.add("finish:" + nodeID)
		},
		OnNodeError: func(nodeID string, payload ErrorPayload, meta NodeMeta) {
			r.add("error:" + nodeID + ":" + payload.Code)
		},
		OnToken: func(nodeID, tok string) {
			r.addToken(tok)
		},
		OnRouteSelected: func(nodeID, routeID string) {
			r.add("route:" + nodeID + ":" + routeID)
		},
		OnLoopIteration: func(nodeID string, iteration, max int) {
			r.add("loop:" + nodeID)
		},
		OnComplete: func(result *ExecutionResult) {
			r.add("complete")
		},
	}
}

func mockProvider(texts ...string) *provider.Mock {
	responses := make([]provider.Response, len(texts))
	for i, t := range texts {
		responses[i] = provider.Response{
			Text:  t,
			Usage: &provider.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		}
	}
	return &provider.Mock{Responses: responses}
}

func containsEvent(events []string, want string) bool {
	for _, e := range events {
		if e == want {
			return true
		}
	}
	return false
}
