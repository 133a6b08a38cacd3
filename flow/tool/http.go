package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPTool calls a JSON HTTP endpoint with the tool arguments as the body
// and returns the response body as the result.
//
// Example:
//
//	reg.Register(tool.NewHTTPTool("search_web", "Search the web",
//	    "https://search.internal/api", nil))
type HTTPTool struct {
	name        string
	description string
	url         string
	headers     map[string]string
	client      *http.Client
}

// NewHTTPTool builds an HTTP-backed tool definition. A nil client gets a
// 30-second-timeout default.
func NewHTTPTool(name, description, url string, client *http.Client) *Definition {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	t := &HTTPTool{name: name, description: description, url: url, client: client}
	return &Definition{
		Name:        name,
		Description: description,
		Parameters:  map[string]any{"type": "object"},
		Handler:     t.call,
	}
}

// WithHeaders sets extra request headers (auth tokens, API keys) and
// returns a refreshed definition.
func (t *HTTPTool) WithHeaders(headers map[string]string) *Definition {
	t.headers = headers
	return &Definition{
		Name:        t.name,
		Description: t.description,
		Parameters:  map[string]any{"type": "object"},
		Handler:     t.call,
	}
}

func (t *HTTPTool) call(ctx context.Context, args map[string]any) (string, error) {
	body, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode tool arguments: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	out, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("tool %s: HTTP %d: %s", t.name, resp.StatusCode, string(out))
	}
	return string(out), nil
}
