package flow

import (
	"context"
	"fmt"

	"github.com/jmilden/agentflow-go/flow/emit"
	"github.com/jmilden/agentflow-go/flow/provider"
)

type agentConfig struct {
	Model             string               `json:"model,omitempty"`
	Prompt            string               `json:"prompt,omitempty"`
	Temperature       *float64             `json:"temperature,omitempty"`
	MaxTokens         int                  `json:"maxTokens,omitempty"`
	Tools             []string             `json:"tools,omitempty"`
	AcceptsImages     *bool                `json:"acceptsImages,omitempty"`
	HITL              *HITLConfig          `json:"hitl,omitempty"`
	ErrorHandling     *ErrorHandling       `json:"errorHandling,omitempty"`
	MaxToolIterations int                  `json:"maxToolIterations,omitempty"`
	OnMaxToolIter     ToolOverflowBehavior `json:"onMaxToolIterations,omitempty"`
}

// agentExtension is the inference workhorse: it composes the user message
// (input text plus modality-gated attachments), compacts the session when
// needed, calls the provider with streaming, drives the bounded tool-call
// loop, handles HITL suspension, and records the exchange in the session.
type agentExtension struct{}

func (agentExtension) Type() string { return TypeAgent }

func (agentExtension) Ports() []PortDefinition {
	return []PortDefinition{
		{ID: "input", Kind: PortInput, DataType: "text", Required: true, Multiple: true},
		{ID: HandleDefault, Kind: PortOutput, DataType: "text", Multiple: true},
	}
}

func (agentExtension) DynamicPorts(map[string]any) []PortDefinition { return nil }

func (agentExtension) Validate(node *Node, wf *Workflow) error {
	var cfg agentConfig
	if err := DecodeNodeData(node.Data, &cfg); err != nil {
		return err
	}
	if cfg.HITL != nil && cfg.HITL.Enabled {
		switch cfg.HITL.Mode {
		case HITLApproval, HITLInput, HITLReview:
		default:
			return &Error{Code: CodeValidation, Message: fmt.Sprintf("unknown hitl mode %q", cfg.HITL.Mode)}
		}
	}
	return nil
}

func (ae agentExtension) Execute(ctx context.Context, ec *ExecContext, node *Node) (*NodeOutcome, error) {
	var cfg agentConfig
	if err := DecodeNodeData(node.Data, &cfg); err != nil {
		return nil, err
	}
	model := ec.ResolveModel(cfg.Model)
	if model == "" {
		return nil, &Error{Code: CodeValidation, Message: "agent has no model and no default model is set", NodeID: node.ID}
	}

	input := ec.Input()

	// Pre-execution HITL: approval and input modes suspend before the
	// provider sees anything.
	if cfg.HITL != nil && cfg.HITL.Enabled && (cfg.HITL.Mode == HITLApproval || cfg.HITL.Mode == HITLInput) {
		resp, err := ae.suspend(ctx, ec, node, cfg.HITL, input)
		if err != nil {
			return nil, err
		}
		switch resp.Action {
		case HITLReject:
			return ae.rejected(ec, node, resp.Reason)
		case HITLModify:
			input = resp.Value
		default:
			if cfg.HITL.Mode == HITLInput && resp.Value != "" {
				input = input + "\n\nCollected input: " + resp.Value
			}
		}
	}

	userMsg := ae.composeUserMessage(ec, node, model, input)

	// Compact lazily, just before the call that would exceed the threshold.
	if _, err := compactIfNeeded(ctx, ec, model, userMsg); err != nil {
		return nil, err
	}

	output, transcript, err := ae.converse(ctx, ec, node, &cfg, model, userMsg)
	if err != nil {
		return nil, err
	}

	// Post-execution HITL: review mode suspends on the produced output.
	if cfg.HITL != nil && cfg.HITL.Enabled && cfg.HITL.Mode == HITLReview {
		resp, rerr := ae.suspend(ctx, ec, node, cfg.HITL, output)
		if rerr != nil {
			return nil, rerr
		}
		switch resp.Action {
		case HITLReject:
			return ae.rejected(ec, node, resp.Reason)
		case HITLModify:
			output = resp.Value
		}
	}

	// The session is mutated only after the whole exchange succeeded, so a
	// retried node does not leave duplicate turns behind.
	ec.Session.Append(transcript...)
	ec.Session.Append(provider.Message{Role: provider.RoleAssistant, Content: output})

	return &NodeOutcome{Output: output, Next: ec.graph.allChildren(node.ID)}, nil
}

// composeUserMessage builds the user turn, attaching only media the model's
// capabilities accept; the rest are dropped with a warning.
func (agentExtension) composeUserMessage(ec *ExecContext, node *Node, model, input string) provider.Message {
	atts := ec.Attachments()
	if len(atts) == 0 {
		return provider.Message{Role: provider.RoleUser, Content: input}
	}

	caps := ec.Provider.Capabilities(model)
	parts := []provider.ContentPart{{Type: provider.PartText, Text: input}}
	for _, a := range atts {
		if !caps.AcceptsInput(string(a.Type)) {
			ec.Callbacks.warning(node.ID, fmt.Sprintf("dropping %s attachment %q: model %s does not accept %s input", a.Type, a.Name, model, a.Type))
			continue
		}
		part := provider.ContentPart{MimeType: a.MimeType, URL: a.URL, Data: a.Content}
		switch a.Type {
		case AttachmentImage:
			part.Type = provider.PartImageURL
		case AttachmentAudio:
			part.Type = provider.PartAudio
		default:
			part.Type = provider.PartFile
		}
		parts = append(parts, part)
	}
	if len(parts) == 1 {
		return provider.Message{Role: provider.RoleUser, Content: input}
	}
	return provider.Message{Role: provider.RoleUser, Parts: parts}
}

// converse runs the provider call plus the bounded tool-call loop. It
// returns the final text and the new messages (user turn, tool exchange)
// for the caller to commit to the session on success.
func (agentExtension) converse(ctx context.Context, ec *ExecContext, node *Node, cfg *agentConfig, model string, userMsg provider.Message) (string, []provider.Message, error) {
	var specs []provider.ToolSpec
	if reg := ec.Tools(); reg != nil {
		if len(cfg.Tools) > 0 {
			for _, name := range cfg.Tools {
				if def := reg.Get(name); def != nil {
					specs = append(specs, provider.ToolSpec{Name: def.Name, Description: def.Description, Parameters: def.Parameters})
				} else {
					ec.Callbacks.warning(node.ID, "agent references unregistered tool "+name)
				}
			}
		}
	}

	req := &provider.Request{
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Tools:       specs,
		OnToken:     func(tok string) { ec.streamToken(node.ID, tok) },
		OnReasoning: func(tok string) { ec.streamReasoning(node.ID, tok) },
	}

	messages := []provider.Message{}
	if cfg.Prompt != "" {
		messages = append(messages, provider.Message{Role: provider.RoleSystem, Content: cfg.Prompt})
	}
	messages = append(messages, ec.Session.Messages()...)
	messages = append(messages, userMsg)
	transcript := []provider.Message{userMsg}

	maxIter := cfg.MaxToolIterations
	if maxIter <= 0 {
		maxIter = ec.Options.MaxToolIterations
	}
	onMax := cfg.OnMaxToolIter
	if onMax == "" {
		onMax = ec.Options.OnMaxToolIterations
	}

	for iteration := 0; ; iteration++ {
		resp, err := ec.Provider.Chat(ctx, model, messages, req)
		if err != nil {
			return "", nil, err
		}
		ec.recordUsage(node.ID, model, resp.Usage)

		if len(resp.ToolCalls) == 0 {
			return resp.Text, transcript, nil
		}

		if iteration+1 >= maxIter {
			switch onMax {
			case ToolOverflowError:
				return "", nil, &Error{
					Code:    CodeToolHandler,
					Message: fmt.Sprintf("tool-call loop exceeded %d iterations", maxIter),
					NodeID:  node.ID,
				}
			case ToolOverflowHITL:
				hresp, herr := awaitHITL(ctx, ec, HITLRequest{
					ID:        newRequestID(),
					NodeID:    node.ID,
					NodeLabel: node.Label(),
					Mode:      HITLApproval,
					Prompt:    fmt.Sprintf("Agent exceeded %d tool iterations. Continue without tools?", maxIter),
					Context:   resp.Text,
					Timeout:   ec.Options.HITLTimeout,
				})
				if herr != nil {
					return "", nil, herr
				}
				if hresp.Action == HITLReject {
					return "", nil, &Error{Code: CodeToolHandler, Message: "tool-call loop stopped by reviewer", NodeID: node.ID}
				}
			default:
				ec.Callbacks.warning(node.ID, fmt.Sprintf("tool-call loop hit %d iterations, continuing without tools", maxIter))
			}
			// Final pass with tools disabled forces a textual answer.
			req.Tools = nil
			messages = append(messages, provider.Message{
				Role:    provider.RoleSystem,
				Content: "Tool budget exhausted. Answer with the information you already have.",
			})
			continue
		}

		// Record the assistant's tool request, run each call, then feed the
		// results back as tool messages.
		assistant := provider.Message{Role: provider.RoleAssistant, Content: resp.Text, ToolCalls: resp.ToolCalls}
		messages = append(messages, assistant)
		transcript = append(transcript, assistant)

		for _, call := range resp.ToolCalls {
			result, terr := ec.CallTool(ctx, call.Name, call.Arguments)
			if terr != nil {
				return "", nil, terr
			}
			toolMsg := provider.Message{Role: provider.RoleTool, Content: result, ToolCallID: call.ID}
			messages = append(messages, toolMsg)
			transcript = append(transcript, toolMsg)
		}
	}
}

// suspend issues a HITL request for this node.
func (agentExtension) suspend(ctx context.Context, ec *ExecContext, node *Node, cfg *HITLConfig, contextText string) (HITLResponse, error) {
	req := HITLRequest{
		ID:        newRequestID(),
		NodeID:    node.ID,
		NodeLabel: node.Label(),
		Mode:      cfg.Mode,
		Prompt:    cfg.Prompt,
		Context:   contextText,
		Options:   cfg.Schema,
		Timeout:   effectiveHITLTimeout(cfg, ec.Options),
	}
	ec.emitEvent(node.ID, emit.MsgHITLRequest, map[string]any{"mode": string(cfg.Mode)})
	return awaitHITL(ctx, ec, req)
}

// rejected routes a HITL rejection to the rejected port when connected,
// otherwise fails the node.
func (agentExtension) rejected(ec *ExecContext, node *Node, reason string) (*NodeOutcome, error) {
	if reason == "" {
		reason = "rejected by reviewer"
	}
	if targets := ec.graph.childrenOn(node.ID, HandleRejected); len(targets) > 0 {
		return &NodeOutcome{Output: reason, Next: targets}, nil
	}
	return nil, &Error{Code: CodeValidation, Message: "rejected: " + reason, NodeID: node.ID}
}
