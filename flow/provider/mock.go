package provider

import (
	"context"
	"strings"
	"sync"
)

// Mock is a test implementation of Provider.
//
// It returns scripted responses in order, records every call, simulates
// token-by-token streaming, and supports error injection. Safe for
// concurrent use.
//
// Example:
//
//	mock := &provider.Mock{
//	    Responses: []provider.Response{
//	        {Text: "first"},
//	        {Text: "second"},
//	    },
//	}
//	out, err := mock.Chat(ctx, "test-model", msgs, nil)
//	// out.Text == "first"; the next call returns "second" and repeats.
type Mock struct {
	// Responses is the scripted response sequence. When exhausted, the last
	// response repeats. An empty slice yields an empty response.
	Responses []Response

	// Err, when set, is returned by every Chat call instead of a response.
	Err error

	// ErrOnce, when set, is returned by the next Chat call only; subsequent
	// calls proceed normally. Useful for retry tests.
	ErrOnce error

	// FailuresBeforeSuccess makes the first N calls fail with Err (which
	// must be set), then succeed. Overrides the always-fail behavior of Err.
	FailuresBeforeSuccess int

	// Caps overrides Capabilities lookups per model name. Models absent
	// from the map fall back to a permissive text+image default.
	Caps map[string]*ModelCapabilities

	// StreamTokens controls how scripted text is chunked to OnToken.
	// Zero streams word-by-word.
	StreamTokens int

	mu    sync.Mutex
	calls []MockCall
	index int
	fails int
}

// MockCall records a single Chat invocation.
type MockCall struct {
	Model    string
	Messages []Message
	Request  *Request
}

// Chat implements Provider.
func (m *Mock) Chat(ctx context.Context, model string, messages []Message, req *Request) (*Response, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mu.Lock()
	m.calls = append(m.calls, MockCall{Model: model, Messages: cloneMessages(messages), Request: req})

	if m.ErrOnce != nil {
		err := m.ErrOnce
		m.ErrOnce = nil
		m.mu.Unlock()
		return nil, err
	}
	if m.Err != nil {
		if m.FailuresBeforeSuccess == 0 || m.fails < m.FailuresBeforeSuccess {
			m.fails++
			err := m.Err
			m.mu.Unlock()
			return nil, err
		}
	}

	var resp Response
	if len(m.Responses) > 0 {
		idx := m.index
		if idx >= len(m.Responses) {
			idx = len(m.Responses) - 1
		}
		resp = m.Responses[idx]
		m.index++
	}
	m.mu.Unlock()

	if req != nil && req.OnToken != nil && resp.Text != "" {
		for _, tok := range m.chunk(resp.Text) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			req.OnToken(tok)
		}
	}
	out := resp
	return &out, nil
}

// Capabilities implements Provider.
func (m *Mock) Capabilities(model string) *ModelCapabilities {
	if m.Caps != nil {
		if c, ok := m.Caps[model]; ok {
			return c
		}
	}
	return &ModelCapabilities{
		InputModalities:   []string{"text", "image"},
		OutputModalities:  []string{"text"},
		ContextLimit:      128000,
		SupportsTools:     true,
		SupportsStreaming: true,
	}
}

// Calls returns a copy of the recorded call history.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many Chat invocations were recorded.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Reset clears call history and rewinds the response script.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.index = 0
	m.fails = 0
}

func (m *Mock) chunk(text string) []string {
	if m.StreamTokens > 0 {
		var out []string
		for len(text) > m.StreamTokens {
			out = append(out, text[:m.StreamTokens])
			text = text[m.StreamTokens:]
		}
		return append(out, text)
	}
	words := strings.SplitAfter(text, " ")
	return words
}

func cloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}
