package flow

import (
	"context"
	"strings"
	"testing"

	"github.com/jmilden/agentflow-go/flow/provider"
	"github.com/jmilden/agentflow-go/flow/tool"
)

func TestAgent_AttachmentModalityGate(t *testing.T) {
	prov := mockProvider("described")
	prov.Caps = map[string]*provider.ModelCapabilities{
		"text-only": {InputModalities: []string{"text"}, ContextLimit: 8192},
	}

	wf := newWF("attach").
		node("start", TypeStart, nil).
		node("agent", TypeAgent, map[string]any{"model": "text-only"}).
		edge("start", "agent", "").
		build()

	var warning string
	cbs := &ExecutionCallbacks{OnWarning: func(nodeID, msg string) { warning = msg }}

	eng := NewEngine(prov)
	res, _ := eng.Execute(context.Background(), wf, ExecutionInput{
		Text: "what is in this picture?",
		Attachments: []Attachment{
			{ID: "1", Type: AttachmentImage, MimeType: "image/png", URL: "https://example.com/cat.png", Name: "cat.png"},
		},
	}, cbs)
	if !res.Success {
		t.Fatalf("failed: %+v", res.Error)
	}
	if !strings.Contains(warning, "dropping image attachment") {
		t.Errorf("warning = %q, want a dropped-attachment notice", warning)
	}
	// The provider received a plain-text message, no parts.
	calls := prov.Calls()
	last := calls[len(calls)-1].Messages
	if len(last[len(last)-1].Parts) != 0 {
		t.Error("image part leaked to a text-only model")
	}
}

func TestAgent_AttachmentPassedWhenAccepted(t *testing.T) {
	prov := mockProvider("a cat")
	eng := NewEngine(prov)

	res, _ := eng.Execute(context.Background(), linearWF(), ExecutionInput{
		Text: "describe",
		Attachments: []Attachment{
			{ID: "1", Type: AttachmentImage, MimeType: "image/png", URL: "https://example.com/cat.png"},
		},
	}, nil)
	if !res.Success {
		t.Fatalf("failed: %+v", res.Error)
	}
	calls := prov.Calls()
	msgs := calls[0].Messages
	user := msgs[len(msgs)-1]
	if len(user.Parts) != 2 {
		t.Fatalf("user message parts = %d, want text+image", len(user.Parts))
	}
	if user.Parts[1].Type != provider.PartImageURL {
		t.Errorf("second part = %s, want image_url", user.Parts[1].Type)
	}
}

func TestAgent_EmptyAttachmentsEqualsOmitted(t *testing.T) {
	for _, atts := range [][]Attachment{nil, {}} {
		prov := mockProvider("ok")
		eng := NewEngine(prov)
		res, _ := eng.Execute(context.Background(), linearWF(), ExecutionInput{Text: "hi", Attachments: atts}, nil)
		if !res.Success {
			t.Fatalf("failed: %+v", res.Error)
		}
		calls := prov.Calls()
		msgs := calls[0].Messages
		if len(msgs[len(msgs)-1].Parts) != 0 {
			t.Error("empty attachments produced multimodal parts")
		}
	}
}

func TestAgent_ToolCallLoop(t *testing.T) {
	prov := &provider.Mock{
		Responses: []provider.Response{
			{ToolCalls: []provider.ToolCall{{ID: "c1", Name: "lookup", Arguments: map[string]any{"q": "x"}}}},
			{Text: "final answer using tool output"},
		},
	}

	reg := tool.NewRegistry()
	mockTool := &tool.Mock{Result: "tool says 42"}
	if err := reg.Register(mockTool.Definition("lookup", "Look things up")); err != nil {
		t.Fatalf("register: %v", err)
	}

	wf := newWF("tools").
		node("start", TypeStart, nil).
		node("agent", TypeAgent, map[string]any{"model": "m", "tools": []any{"lookup"}}).
		edge("start", "agent", "").
		build()

	eng := NewEngine(prov)
	res, _ := eng.Execute(context.Background(), wf, ExecutionInput{Text: "q"}, nil, WithTools(reg))
	if !res.Success {
		t.Fatalf("failed: %+v", res.Error)
	}
	if res.FinalOutput != "final answer using tool output" {
		t.Errorf("FinalOutput = %q", res.FinalOutput)
	}
	if len(mockTool.Calls()) != 1 {
		t.Errorf("tool called %d times, want 1", len(mockTool.Calls()))
	}
	// Second provider call carries the tool result message.
	calls := prov.Calls()
	if len(calls) != 2 {
		t.Fatalf("provider calls = %d, want 2", len(calls))
	}
	foundToolMsg := false
	for _, m := range calls[1].Messages {
		if m.Role == provider.RoleTool && m.Content == "tool says 42" && m.ToolCallID == "c1" {
			foundToolMsg = true
		}
	}
	if !foundToolMsg {
		t.Error("tool result message missing from follow-up call")
	}
}

func TestAgent_ToolLoopOverflow(t *testing.T) {
	// The model asks for tools forever.
	loopResp := provider.Response{ToolCalls: []provider.ToolCall{{ID: "c", Name: "spin", Arguments: nil}}}

	t.Run("error mode fails the node", func(t *testing.T) {
		prov := &provider.Mock{Responses: []provider.Response{loopResp}}
		wf := newWF("overflow").
			node("start", TypeStart, nil).
			node("agent", TypeAgent, map[string]any{"model": "m"}).
			edge("start", "agent", "").
			build()

		eng := NewEngine(prov)
		res, _ := eng.Execute(context.Background(), wf, ExecutionInput{Text: "q"}, nil,
			WithToolIterations(2, ToolOverflowError),
			WithToolCallHandler(func(name string, args map[string]any) (string, error) { return "spun", nil }))
		if res.Success {
			t.Fatal("expected failure")
		}
		if res.Error.Code != CodeToolHandler {
			t.Errorf("code = %s, want TOOL_HANDLER", res.Error.Code)
		}
	})

	t.Run("warning mode forces a final answer", func(t *testing.T) {
		prov := &provider.Mock{Responses: []provider.Response{loopResp, loopResp, {Text: "forced answer"}}}
		wf := newWF("overflow").
			node("start", TypeStart, nil).
			node("agent", TypeAgent, map[string]any{"model": "m"}).
			edge("start", "agent", "").
			build()

		var warning string
		cbs := &ExecutionCallbacks{OnWarning: func(nodeID, msg string) { warning = msg }}

		eng := NewEngine(prov)
		res, _ := eng.Execute(context.Background(), wf, ExecutionInput{Text: "q"}, cbs,
			WithToolIterations(2, ToolOverflowWarning),
			WithToolCallHandler(func(name string, args map[string]any) (string, error) { return "spun", nil }))
		if !res.Success {
			t.Fatalf("failed: %+v", res.Error)
		}
		if res.FinalOutput != "forced answer" {
			t.Errorf("FinalOutput = %q", res.FinalOutput)
		}
		if !strings.Contains(warning, "tool-call loop") {
			t.Errorf("warning = %q", warning)
		}
	})
}

func TestAgent_SessionRecordsExchange(t *testing.T) {
	prov := mockProvider("reply one", "reply two")
	wf := newWF("session").
		node("start", TypeStart, nil).
		node("a1", TypeAgent, map[string]any{"model": "m"}).
		node("a2", TypeAgent, map[string]any{"model": "m"}).
		edge("start", "a1", "").
		edge("a1", "a2", "").
		build()

	eng := NewEngine(prov)
	res, _ := eng.Execute(context.Background(), wf, ExecutionInput{Text: "hello"}, nil)
	if !res.Success {
		t.Fatalf("failed: %+v", res.Error)
	}
	// user, assistant, user, assistant.
	if len(res.SessionMessages) != 4 {
		t.Fatalf("session = %d messages, want 4: %+v", len(res.SessionMessages), res.SessionMessages)
	}
	if res.SessionMessages[1].Content != "reply one" {
		t.Errorf("first assistant turn = %q", res.SessionMessages[1].Content)
	}
	// The second agent sees the first exchange as history.
	calls := prov.Calls()
	if len(calls[1].Messages) < 3 {
		t.Errorf("second call history too short: %d messages", len(calls[1].Messages))
	}
}
