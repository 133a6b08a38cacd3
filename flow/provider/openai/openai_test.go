package openai

import (
	"context"
	"errors"
	"strings"
	"testing"

	openaisdk "github.com/openai/openai-go"

	"github.com/jmilden/agentflow-go/flow/provider"
)

// fakeClient implements completionAPI with scripted results and call
// capture, so Chat-level behavior is tested without the network.
type fakeClient struct {
	resp   *openaisdk.ChatCompletion
	chunks []openaisdk.ChatCompletionChunk
	err    error

	params   []openaisdk.ChatCompletionNewParams
	streamed bool
}

func (f *fakeClient) complete(ctx context.Context, params openaisdk.ChatCompletionNewParams) (*openaisdk.ChatCompletion, error) {
	f.params = append(f.params, params)
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeClient) streamComplete(ctx context.Context, params openaisdk.ChatCompletionNewParams, onChunk func(openaisdk.ChatCompletionChunk)) (*openaisdk.ChatCompletion, error) {
	f.params = append(f.params, params)
	f.streamed = true
	if f.err != nil {
		return nil, f.err
	}
	for _, chunk := range f.chunks {
		onChunk(chunk)
	}
	return f.resp, nil
}

func textCompletion(text string) *openaisdk.ChatCompletion {
	return &openaisdk.ChatCompletion{
		Choices: []openaisdk.ChatCompletionChoice{
			{Message: openaisdk.ChatCompletionMessage{Content: text}},
		},
		Usage: openaisdk.CompletionUsage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10},
	}
}

func TestChat_Basic(t *testing.T) {
	fake := &fakeClient{resp: textCompletion("hello back")}
	p := &Provider{client: fake}

	out, err := p.Chat(context.Background(), "gpt-4o-mini", []provider.Message{
		{Role: provider.RoleSystem, Content: "be brief"},
		{Role: provider.RoleUser, Content: "hello"},
	}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if out.Text != "hello back" {
		t.Errorf("Text = %q", out.Text)
	}
	if out.Usage == nil || out.Usage.TotalTokens != 10 {
		t.Errorf("Usage = %+v, want total 10", out.Usage)
	}

	if len(fake.params) != 1 {
		t.Fatalf("calls = %d, want 1", len(fake.params))
	}
	params := fake.params[0]
	if string(params.Model) != "gpt-4o-mini" {
		t.Errorf("model = %q", params.Model)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(params.Messages))
	}
	if params.Messages[0].OfSystem == nil {
		t.Error("first message not a system message")
	}
	if params.Messages[1].OfUser == nil {
		t.Error("second message not a user message")
	}
	if fake.streamed {
		t.Error("streamed without an OnToken callback")
	}
}

func TestChat_RequestParameters(t *testing.T) {
	fake := &fakeClient{resp: textCompletion("ok")}
	p := &Provider{client: fake}

	temp := 0.2
	_, err := p.Chat(context.Background(), "gpt-4o", []provider.Message{{Role: provider.RoleUser, Content: "q"}},
		&provider.Request{Temperature: &temp, MaxTokens: 64})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	params := fake.params[0]
	if !params.Temperature.Valid() || params.Temperature.Value != 0.2 {
		t.Errorf("temperature = %+v", params.Temperature)
	}
	if !params.MaxCompletionTokens.Valid() || params.MaxCompletionTokens.Value != 64 {
		t.Errorf("max tokens = %+v", params.MaxCompletionTokens)
	}
}

func TestChat_ToolCallRoundTrip(t *testing.T) {
	fake := &fakeClient{resp: &openaisdk.ChatCompletion{
		Choices: []openaisdk.ChatCompletionChoice{
			{Message: openaisdk.ChatCompletionMessage{
				ToolCalls: []openaisdk.ChatCompletionMessageToolCall{
					{ID: "call-1", Function: openaisdk.ChatCompletionMessageToolCallFunction{
						Name:      "get_weather",
						Arguments: `{"location":"paris"}`,
					}},
				},
			}},
		},
	}}
	p := &Provider{client: fake}

	tools := []provider.ToolSpec{{
		Name:        "get_weather",
		Description: "Get current weather",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"location": map[string]any{"type": "string"}},
		},
	}}
	out, err := p.Chat(context.Background(), "gpt-4o",
		[]provider.Message{{Role: provider.RoleUser, Content: "weather in paris?"}},
		&provider.Request{Tools: tools})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	// Tool spec made it onto the request.
	params := fake.params[0]
	if len(params.Tools) != 1 || params.Tools[0].Function.Name != "get_weather" {
		t.Errorf("request tools = %+v", params.Tools)
	}

	// Tool call decoded back to the neutral form.
	if len(out.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(out.ToolCalls))
	}
	call := out.ToolCalls[0]
	if call.ID != "call-1" || call.Name != "get_weather" {
		t.Errorf("call = %+v", call)
	}
	if call.Arguments["location"] != "paris" {
		t.Errorf("arguments = %v", call.Arguments)
	}

	// The tool result goes back as a tool-role message.
	fake.resp = textCompletion("sunny then")
	_, err = p.Chat(context.Background(), "gpt-4o", []provider.Message{
		{Role: provider.RoleUser, Content: "weather in paris?"},
		{Role: provider.RoleAssistant, Content: "", ToolCalls: out.ToolCalls},
		{Role: provider.RoleTool, Content: `{"temp":21}`, ToolCallID: "call-1"},
	}, nil)
	if err != nil {
		t.Fatalf("follow-up Chat: %v", err)
	}
	followUp := fake.params[1]
	if len(followUp.Messages) != 3 || followUp.Messages[2].OfTool == nil {
		t.Errorf("tool result message not forwarded: %+v", followUp.Messages)
	}
}

func TestChat_StreamingAccumulation(t *testing.T) {
	chunk := func(delta string) openaisdk.ChatCompletionChunk {
		return openaisdk.ChatCompletionChunk{
			Choices: []openaisdk.ChatCompletionChunkChoice{
				{Delta: openaisdk.ChatCompletionChunkChoiceDelta{Content: delta}},
			},
		}
	}
	fake := &fakeClient{
		chunks: []openaisdk.ChatCompletionChunk{chunk("hel"), chunk("lo "), chunk(""), chunk("world")},
		resp:   textCompletion("hello world"),
	}
	p := &Provider{client: fake}

	var tokens []string
	out, err := p.Chat(context.Background(), "gpt-4o",
		[]provider.Message{{Role: provider.RoleUser, Content: "greet"}},
		&provider.Request{OnToken: func(tok string) { tokens = append(tokens, tok) }})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if !fake.streamed {
		t.Fatal("OnToken did not select the streaming path")
	}
	// Empty deltas are not forwarded.
	if strings.Join(tokens, "|") != "hel|lo |world" {
		t.Errorf("tokens = %v", tokens)
	}
	if out.Text != "hello world" {
		t.Errorf("accumulated Text = %q", out.Text)
	}
	// Usage was requested on the stream.
	if !fake.params[0].StreamOptions.IncludeUsage.Valid() {
		t.Error("stream usage not requested")
	}
}

func TestChat_Errors(t *testing.T) {
	t.Run("client error wrapped", func(t *testing.T) {
		boom := errors.New("boom")
		p := &Provider{client: &fakeClient{err: boom}}
		_, err := p.Chat(context.Background(), "gpt-4o", []provider.Message{{Role: provider.RoleUser, Content: "q"}}, nil)
		if !errors.Is(err, boom) {
			t.Errorf("err = %v, want wrapped boom", err)
		}
	})

	t.Run("empty completion", func(t *testing.T) {
		p := &Provider{client: &fakeClient{resp: &openaisdk.ChatCompletion{}}}
		if _, err := p.Chat(context.Background(), "gpt-4o", []provider.Message{{Role: provider.RoleUser, Content: "q"}}, nil); err == nil {
			t.Error("empty completion accepted")
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		p := &Provider{client: &fakeClient{resp: textCompletion("x")}}
		if _, err := p.Chat(ctx, "gpt-4o", nil, nil); !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	})
}

func TestCapabilities(t *testing.T) {
	p := &Provider{}
	if caps := p.Capabilities("gpt-4o-mini"); caps == nil || !caps.AcceptsInput("image") {
		t.Error("gpt-4o family should accept images")
	}
	if caps := p.Capabilities("gpt-3.5-turbo"); caps == nil || caps.AcceptsInput("image") {
		t.Error("gpt-3.5 should be text-only")
	}
	if p.Capabilities("claude-3-opus") != nil {
		t.Error("foreign model should report nil")
	}
}
