// Package openai adapts the OpenAI API to the engine's provider interface.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/jmilden/agentflow-go/flow/provider"
)

// Provider implements provider.Provider for OpenAI models.
//
// Streaming uses server-sent events when a token callback is present;
// otherwise a single completion call is made. Tool calls and token usage
// are translated to the engine's neutral types.
//
// Example:
//
//	prov := openai.New(os.Getenv("OPENAI_API_KEY"))
//	eng := flow.NewEngine(prov)
type Provider struct {
	client completionAPI
}

// completionAPI is the seam over the two SDK operations the adapter uses.
// This allows for easy mocking in tests: fakes return hand-built
// completions and replay chunk sequences without any network.
type completionAPI interface {
	// complete performs one non-streaming chat completion.
	complete(ctx context.Context, params openaisdk.ChatCompletionNewParams) (*openaisdk.ChatCompletion, error)

	// streamComplete runs the SSE stream, invoking onChunk per chunk, and
	// returns the accumulated full completion.
	streamComplete(ctx context.Context, params openaisdk.ChatCompletionNewParams, onChunk func(openaisdk.ChatCompletionChunk)) (*openaisdk.ChatCompletion, error)
}

// New creates a Provider with the given API key. Extra request options
// (base URL, org, custom HTTP client) pass through to the SDK.
func New(apiKey string, opts ...option.RequestOption) *Provider {
	all := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Provider{client: &sdkClient{client: openaisdk.NewClient(all...)}}
}

// sdkClient implements completionAPI against the official SDK.
type sdkClient struct {
	client openaisdk.Client
}

func (c *sdkClient) complete(ctx context.Context, params openaisdk.ChatCompletionNewParams) (*openaisdk.ChatCompletion, error) {
	return c.client.Chat.Completions.New(ctx, params)
}

func (c *sdkClient) streamComplete(ctx context.Context, params openaisdk.ChatCompletionNewParams, onChunk func(openaisdk.ChatCompletionChunk)) (*openaisdk.ChatCompletion, error) {
	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	acc := openaisdk.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		onChunk(chunk)
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	return &acc.ChatCompletion, nil
}

// Chat implements provider.Provider.
func (p *Provider) Chat(ctx context.Context, model string, messages []provider.Message, req *provider.Request) (*provider.Response, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	params := openaisdk.ChatCompletionNewParams{
		Model:    openaisdk.ChatModel(model),
		Messages: convertMessages(messages),
	}
	if req != nil {
		if req.Temperature != nil {
			params.Temperature = openaisdk.Float(*req.Temperature)
		}
		if req.MaxTokens > 0 {
			params.MaxCompletionTokens = openaisdk.Int(int64(req.MaxTokens))
		}
		if len(req.Tools) > 0 {
			params.Tools = convertTools(req.Tools)
		}
	}

	if req != nil && req.OnToken != nil {
		return p.stream(ctx, params, req)
	}

	resp, err := p.client.complete(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	return convertCompletion(resp)
}

// stream runs the SSE path, forwarding content deltas to OnToken and
// converting the accumulated completion.
func (p *Provider) stream(ctx context.Context, params openaisdk.ChatCompletionNewParams, req *provider.Request) (*provider.Response, error) {
	params.StreamOptions = openaisdk.ChatCompletionStreamOptionsParam{
		IncludeUsage: openaisdk.Bool(true),
	}

	resp, err := p.client.streamComplete(ctx, params, func(chunk openaisdk.ChatCompletionChunk) {
		if len(chunk.Choices) > 0 {
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				req.OnToken(delta)
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("openai stream: %w", err)
	}
	return convertCompletion(resp)
}

// Capabilities implements provider.Provider with a static table keyed by
// model family. Unknown models report nil so the engine falls back to
// text-only handling.
func (p *Provider) Capabilities(model string) *provider.ModelCapabilities {
	switch {
	case strings.HasPrefix(model, "gpt-4o") || strings.HasPrefix(model, "gpt-4.1") || strings.HasPrefix(model, "gpt-5"):
		return &provider.ModelCapabilities{
			InputModalities:   []string{"text", "image", "file"},
			OutputModalities:  []string{"text"},
			ContextLimit:      128000,
			SupportsTools:     true,
			SupportsStreaming: true,
		}
	case strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3"):
		return &provider.ModelCapabilities{
			InputModalities:   []string{"text", "image"},
			OutputModalities:  []string{"text"},
			ContextLimit:      200000,
			SupportsTools:     true,
			SupportsStreaming: true,
		}
	case strings.HasPrefix(model, "gpt-"):
		return &provider.ModelCapabilities{
			InputModalities:   []string{"text"},
			OutputModalities:  []string{"text"},
			ContextLimit:      16385,
			SupportsTools:     true,
			SupportsStreaming: true,
		}
	}
	return nil
}

func convertMessages(messages []provider.Message) []openaisdk.ChatCompletionMessageParamUnion {
	result := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case provider.RoleSystem:
			result = append(result, openaisdk.SystemMessage(msg.Text()))
		case provider.RoleAssistant:
			result = append(result, openaisdk.AssistantMessage(msg.Text()))
		case provider.RoleTool:
			result = append(result, openaisdk.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			result = append(result, convertUserMessage(msg))
		}
	}
	return result
}

// convertUserMessage renders multimodal parts where present; image URLs map
// to image parts, inline data to data URLs, everything else degrades to text.
func convertUserMessage(msg provider.Message) openaisdk.ChatCompletionMessageParamUnion {
	if len(msg.Parts) == 0 {
		return openaisdk.UserMessage(msg.Content)
	}
	parts := make([]openaisdk.ChatCompletionContentPartUnionParam, 0, len(msg.Parts))
	for _, p := range msg.Parts {
		switch p.Type {
		case provider.PartImageURL:
			url := p.URL
			if url == "" && p.Data != "" {
				url = "data:" + p.MimeType + ";base64," + p.Data
			}
			parts = append(parts, openaisdk.ImageContentPart(openaisdk.ChatCompletionContentPartImageImageURLParam{URL: url}))
		default:
			if p.Text != "" {
				parts = append(parts, openaisdk.TextContentPart(p.Text))
			}
		}
	}
	return openaisdk.UserMessage(parts)
}

func convertTools(tools []provider.ToolSpec) []openaisdk.ChatCompletionToolParam {
	result := make([]openaisdk.ChatCompletionToolParam, len(tools))
	for i, t := range tools {
		result[i] = openaisdk.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openaisdk.String(t.Description),
				Parameters:  shared.FunctionParameters(t.Parameters),
			},
		}
	}
	return result
}

func convertCompletion(resp *openaisdk.ChatCompletion) (*provider.Response, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return nil, errors.New("openai: empty completion")
	}
	msg := resp.Choices[0].Message
	out := &provider.Response{Text: msg.Content}

	for _, tc := range msg.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("openai: tool arguments for %s: %w", tc.Function.Name, err)
			}
		}
		out.ToolCalls = append(out.ToolCalls, provider.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}

	if resp.Usage.TotalTokens > 0 {
		out.Usage = &provider.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		}
	}
	return out, nil
}
