// Package google adapts the Google Gemini API to the engine's provider
// interface.
package google

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/jmilden/agentflow-go/flow/provider"
)

// Provider implements provider.Provider for Gemini models.
//
// The genai SDK holds one client per API key; generative models are derived
// per call so a single Provider serves every model name. Streaming uses
// GenerateContentStream when a token callback is present.
type Provider struct {
	client contentAPI
}

// modelConfig carries the per-call model settings the adapter applies
// before generating.
type modelConfig struct {
	temperature *float32
	maxTokens   int32
	tools       []*genai.Tool
	system      string
}

// contentAPI is the seam over the two SDK operations the adapter uses.
// This allows for easy mocking in tests: fakes replay chunk sequences and
// capture the configuration without any network.
type contentAPI interface {
	// generate performs one non-streaming content generation.
	generate(ctx context.Context, model string, cfg modelConfig, parts []genai.Part) (*genai.GenerateContentResponse, error)

	// stream generates with streaming, invoking onChunk per response chunk.
	stream(ctx context.Context, model string, cfg modelConfig, parts []genai.Part, onChunk func(*genai.GenerateContentResponse)) error
}

// New creates a Provider with the given API key. The returned Provider owns
// the underlying client; call Close when done.
func New(ctx context.Context, apiKey string) (*Provider, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("google: %w", err)
	}
	return &Provider{client: &sdkClient{client: client}}, nil
}

// Close releases the underlying client.
func (p *Provider) Close() error {
	if c, ok := p.client.(*sdkClient); ok {
		return c.client.Close()
	}
	return nil
}

// sdkClient implements contentAPI against the official SDK.
type sdkClient struct {
	client *genai.Client
}

func (c *sdkClient) model(name string, cfg modelConfig) *genai.GenerativeModel {
	genModel := c.client.GenerativeModel(name)
	if cfg.temperature != nil {
		genModel.SetTemperature(*cfg.temperature)
	}
	if cfg.maxTokens > 0 {
		genModel.SetMaxOutputTokens(cfg.maxTokens)
	}
	if len(cfg.tools) > 0 {
		genModel.Tools = cfg.tools
	}
	if cfg.system != "" {
		genModel.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(cfg.system)}}
	}
	return genModel
}

func (c *sdkClient) generate(ctx context.Context, model string, cfg modelConfig, parts []genai.Part) (*genai.GenerateContentResponse, error) {
	return c.model(model, cfg).GenerateContent(ctx, parts...)
}

func (c *sdkClient) stream(ctx context.Context, model string, cfg modelConfig, parts []genai.Part, onChunk func(*genai.GenerateContentResponse)) error {
	iter := c.model(model, cfg).GenerateContentStream(ctx, parts...)
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return err
		}
		onChunk(resp)
	}
}

// Chat implements provider.Provider.
func (p *Provider) Chat(ctx context.Context, model string, messages []provider.Message, req *provider.Request) (*provider.Response, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	cfg := modelConfig{}
	if req != nil {
		if req.Temperature != nil {
			temp := float32(*req.Temperature)
			cfg.temperature = &temp
		}
		if req.MaxTokens > 0 {
			cfg.maxTokens = int32(req.MaxTokens)
		}
		if len(req.Tools) > 0 {
			cfg.tools = convertTools(req.Tools)
		}
	}

	system, parts := convertMessages(messages)
	cfg.system = system
	if len(parts) == 0 {
		return nil, errors.New("google: no content to send")
	}

	if req != nil && req.OnToken != nil {
		return p.stream(ctx, model, cfg, parts, req)
	}

	resp, err := p.client.generate(ctx, model, cfg, parts)
	if err != nil {
		return nil, fmt.Errorf("google: %w", err)
	}
	return convertResponse(resp), nil
}

// stream forwards chunk text to OnToken and merges the chunks into one
// response: text concatenates, tool calls append, the last usage wins.
func (p *Provider) stream(ctx context.Context, model string, cfg modelConfig, parts []genai.Part, req *provider.Request) (*provider.Response, error) {
	out := &provider.Response{}
	var text strings.Builder

	err := p.client.stream(ctx, model, cfg, parts, func(resp *genai.GenerateContentResponse) {
		chunk := convertResponse(resp)
		if chunk.Text != "" {
			req.OnToken(chunk.Text)
			text.WriteString(chunk.Text)
		}
		out.ToolCalls = append(out.ToolCalls, chunk.ToolCalls...)
		if chunk.Usage != nil {
			out.Usage = chunk.Usage
		}
	})
	if err != nil {
		return nil, fmt.Errorf("google stream: %w", err)
	}
	out.Text = text.String()
	return out, nil
}

// Capabilities implements provider.Provider.
func (p *Provider) Capabilities(model string) *provider.ModelCapabilities {
	if !strings.HasPrefix(model, "gemini") {
		return nil
	}
	return &provider.ModelCapabilities{
		InputModalities:   []string{"text", "image", "file", "audio", "video"},
		OutputModalities:  []string{"text"},
		ContextLimit:      1000000,
		SupportsTools:     true,
		SupportsStreaming: true,
	}
}

// convertMessages flattens the conversation into parts for a single-turn
// GenerateContent call, extracting system messages separately. Gemini's
// multi-turn chat API exists, but single-shot content generation with the
// transcript inlined matches how the engine replays full history per call.
func convertMessages(messages []provider.Message) (string, []genai.Part) {
	var system []string
	var parts []genai.Part
	for _, msg := range messages {
		if msg.Role == provider.RoleSystem {
			system = append(system, msg.Text())
			continue
		}
		if len(msg.Parts) == 0 {
			if msg.Content != "" {
				parts = append(parts, genai.Text(msg.Role+": "+msg.Content))
			}
			continue
		}
		for _, p := range msg.Parts {
			switch p.Type {
			case provider.PartImageURL, provider.PartFile, provider.PartAudio:
				if p.Data != "" {
					parts = append(parts, genai.Blob{MIMEType: p.MimeType, Data: []byte(p.Data)})
				}
			default:
				if p.Text != "" {
					parts = append(parts, genai.Text(p.Text))
				}
			}
		}
	}
	return strings.Join(system, "\n\n"), parts
}

func convertTools(tools []provider.ToolSpec) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, len(tools))
	for i, t := range tools {
		declarations[i] = &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  convertSchema(t.Parameters),
		}
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// convertSchema maps a JSON Schema object onto genai.Schema, covering the
// object/property/required subset tool definitions use.
func convertSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	result := &genai.Schema{Type: genai.TypeObject}
	if props, ok := schema["properties"].(map[string]any); ok {
		result.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			prop := &genai.Schema{Type: genai.TypeString}
			if pm, ok := raw.(map[string]any); ok {
				if ts, ok := pm["type"].(string); ok {
					prop.Type = convertType(ts)
				}
				if desc, ok := pm["description"].(string); ok {
					prop.Description = desc
				}
			}
			result.Properties[name] = prop
		}
	}
	switch req := schema["required"].(type) {
	case []string:
		result.Required = req
	case []any:
		for _, v := range req {
			if s, ok := v.(string); ok {
				result.Required = append(result.Required, s)
			}
		}
	}
	return result
}

func convertType(t string) genai.Type {
	switch t {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	}
	return genai.TypeString
}

func convertResponse(resp *genai.GenerateContentResponse) *provider.Response {
	out := &provider.Response{}
	var text strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			switch v := part.(type) {
			case genai.Text:
				text.WriteString(string(v))
			case genai.FunctionCall:
				out.ToolCalls = append(out.ToolCalls, provider.ToolCall{
					Name:      v.Name,
					Arguments: v.Args,
				})
			}
		}
	}
	out.Text = text.String()

	if resp.UsageMetadata != nil {
		out.Usage = &provider.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return out
}
