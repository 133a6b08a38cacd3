// Package anthropic adapts the Anthropic Claude API to the engine's
// provider interface.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/jmilden/agentflow-go/flow/provider"
)

// defaultMaxTokens applies when the request does not set one; the Anthropic
// API requires an explicit max_tokens.
const defaultMaxTokens = 4096

// Provider implements provider.Provider for Claude models.
//
// Anthropic keeps the system prompt out of the message list, so system
// messages are extracted into the request's system parameter. Streaming
// forwards text deltas to OnToken while accumulating the full message.
type Provider struct {
	client messageAPI
}

// messageAPI is the seam over the two SDK operations the adapter uses.
// This allows for easy mocking in tests: fakes return hand-built messages
// and replay delta sequences without any network.
type messageAPI interface {
	// create performs one non-streaming message call.
	create(ctx context.Context, params anthropicsdk.MessageNewParams) (*anthropicsdk.Message, error)

	// stream runs the event stream, invoking onText per text delta and
	// onThinking per thinking delta, and returns the accumulated message.
	stream(ctx context.Context, params anthropicsdk.MessageNewParams, onText, onThinking func(string)) (*anthropicsdk.Message, error)
}

// New creates a Provider with the given API key.
func New(apiKey string, opts ...option.RequestOption) *Provider {
	all := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Provider{client: &sdkClient{client: anthropicsdk.NewClient(all...)}}
}

// sdkClient implements messageAPI against the official SDK.
type sdkClient struct {
	client anthropicsdk.Client
}

func (c *sdkClient) create(ctx context.Context, params anthropicsdk.MessageNewParams) (*anthropicsdk.Message, error) {
	return c.client.Messages.New(ctx, params)
}

func (c *sdkClient) stream(ctx context.Context, params anthropicsdk.MessageNewParams, onText, onThinking func(string)) (*anthropicsdk.Message, error) {
	stream := c.client.Messages.NewStreaming(ctx, params)
	acc := anthropicsdk.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			return nil, err
		}
		switch ev := event.AsAny().(type) {
		case anthropicsdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropicsdk.TextDelta:
				onText(delta.Text)
			case anthropicsdk.ThinkingDelta:
				onThinking(delta.Thinking)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	return &acc, nil
}

// Chat implements provider.Provider.
func (p *Provider) Chat(ctx context.Context, model string, messages []provider.Message, req *provider.Request) (*provider.Response, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	system, rest := splitSystem(messages)
	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(model),
		Messages:  convertMessages(rest),
		MaxTokens: defaultMaxTokens,
	}
	if system != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: system}}
	}
	if req != nil {
		if req.MaxTokens > 0 {
			params.MaxTokens = int64(req.MaxTokens)
		}
		if req.Temperature != nil {
			params.Temperature = anthropicsdk.Float(*req.Temperature)
		}
		if len(req.Tools) > 0 {
			params.Tools = convertTools(req.Tools)
		}
	}

	if req != nil && req.OnToken != nil {
		onThinking := func(string) {}
		if req.OnReasoning != nil {
			onThinking = req.OnReasoning
		}
		resp, err := p.client.stream(ctx, params, req.OnToken, onThinking)
		if err != nil {
			return nil, fmt.Errorf("anthropic stream: %w", err)
		}
		return convertMessage(resp), nil
	}

	resp, err := p.client.create(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	return convertMessage(resp), nil
}

// Capabilities implements provider.Provider.
func (p *Provider) Capabilities(model string) *provider.ModelCapabilities {
	if !strings.HasPrefix(model, "claude-") {
		return nil
	}
	return &provider.ModelCapabilities{
		InputModalities:   []string{"text", "image", "file"},
		OutputModalities:  []string{"text"},
		ContextLimit:      200000,
		SupportsTools:     true,
		SupportsStreaming: true,
	}
}

// splitSystem pulls system messages out of the list, joining multiple
// system turns with blank lines.
func splitSystem(messages []provider.Message) (string, []provider.Message) {
	var system []string
	rest := make([]provider.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == provider.RoleSystem {
			system = append(system, m.Text())
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}

func convertMessages(messages []provider.Message) []anthropicsdk.MessageParam {
	result := make([]anthropicsdk.MessageParam, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case provider.RoleAssistant:
			result = append(result, anthropicsdk.NewAssistantMessage(anthropicsdk.NewTextBlock(msg.Text())))
		case provider.RoleTool:
			toolResult := anthropicsdk.NewToolResultBlock(msg.ToolCallID, msg.Content, false)
			result = append(result, anthropicsdk.NewUserMessage(toolResult))
		default:
			result = append(result, convertUserMessage(msg))
		}
	}
	return result
}

func convertUserMessage(msg provider.Message) anthropicsdk.MessageParam {
	if len(msg.Parts) == 0 {
		return anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(msg.Content))
	}
	blocks := make([]anthropicsdk.ContentBlockParamUnion, 0, len(msg.Parts))
	for _, p := range msg.Parts {
		switch p.Type {
		case provider.PartImageURL:
			if p.Data != "" {
				blocks = append(blocks, anthropicsdk.NewImageBlockBase64(p.MimeType, p.Data))
			} else if p.URL != "" {
				blocks = append(blocks, anthropicsdk.NewImageBlock(anthropicsdk.URLImageSourceParam{URL: p.URL}))
			}
		default:
			if p.Text != "" {
				blocks = append(blocks, anthropicsdk.NewTextBlock(p.Text))
			}
		}
	}
	if len(blocks) == 0 {
		blocks = append(blocks, anthropicsdk.NewTextBlock(msg.Content))
	}
	return anthropicsdk.NewUserMessage(blocks...)
}

func convertTools(tools []provider.ToolSpec) []anthropicsdk.ToolUnionParam {
	result := make([]anthropicsdk.ToolUnionParam, len(tools))
	for i, t := range tools {
		var properties any
		var required []string
		if t.Parameters != nil {
			properties = t.Parameters["properties"]
			switch req := t.Parameters["required"].(type) {
			case []string:
				required = req
			case []any:
				for _, v := range req {
					if s, ok := v.(string); ok {
						required = append(required, s)
					}
				}
			}
		}
		result[i] = anthropicsdk.ToolUnionParam{
			OfTool: &anthropicsdk.ToolParam{
				Name:        t.Name,
				Description: anthropicsdk.String(t.Description),
				InputSchema: anthropicsdk.ToolInputSchemaParam{
					Properties: properties,
					Required:   required,
				},
			},
		}
	}
	return result
}

// convertMessage translates the response via the union's discriminator
// field rather than AsAny, so tests can build fixtures from plain structs.
func convertMessage(resp *anthropicsdk.Message) *provider.Response {
	out := &provider.Response{}
	var text strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, provider.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: toolInputMap(block.Input),
			})
		}
	}
	out.Text = text.String()

	if resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0 {
		out.Usage = &provider.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		}
	}
	return out
}

func toolInputMap(input any) map[string]any {
	switch v := input.(type) {
	case map[string]any:
		return v
	case json.RawMessage:
		out := map[string]any{}
		if err := json.Unmarshal(v, &out); err != nil {
			return map[string]any{"_raw": string(v)}
		}
		return out
	case []byte:
		out := map[string]any{}
		if err := json.Unmarshal(v, &out); err != nil {
			return map[string]any{"_raw": string(v)}
		}
		return out
	case nil:
		return nil
	}
	return map[string]any{"value": input}
}
