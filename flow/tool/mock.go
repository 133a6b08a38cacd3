package tool

import (
	"context"
	"sync"
)

// MockCall records one invocation of a Mock tool.
type MockCall struct {
	Args map[string]any
}

// Mock is a scriptable tool for tests: returns Result (or Err) and records
// every call.
type Mock struct {
	Result string
	Err    error

	mu    sync.Mutex
	calls []MockCall
}

// Definition wraps the mock into a registrable Definition.
func (m *Mock) Definition(name, description string) *Definition {
	return &Definition{
		Name:        name,
		Description: description,
		Parameters:  map[string]any{"type": "object"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			m.mu.Lock()
			m.calls = append(m.calls, MockCall{Args: args})
			m.mu.Unlock()
			if m.Err != nil {
				return "", m.Err
			}
			return m.Result, nil
		},
	}
}

// Calls returns a copy of the recorded invocations.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}
