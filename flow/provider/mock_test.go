package provider

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestMock_ScriptedResponses(t *testing.T) {
	m := &Mock{Responses: []Response{{Text: "one"}, {Text: "two"}}}
	ctx := context.Background()

	out, err := m.Chat(ctx, "m", []Message{{Role: RoleUser, Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if out.Text != "one" {
		t.Errorf("first = %q", out.Text)
	}
	out, _ = m.Chat(ctx, "m", nil, nil)
	if out.Text != "two" {
		t.Errorf("second = %q", out.Text)
	}
	// Exhausted scripts repeat the last response.
	out, _ = m.Chat(ctx, "m", nil, nil)
	if out.Text != "two" {
		t.Errorf("repeat = %q", out.Text)
	}
	if m.CallCount() != 3 {
		t.Errorf("calls = %d", m.CallCount())
	}
}

func TestMock_Streaming(t *testing.T) {
	m := &Mock{Responses: []Response{{Text: "alpha beta gamma"}}}
	var tokens []string
	_, err := m.Chat(context.Background(), "m", nil, &Request{
		OnToken: func(tok string) { tokens = append(tokens, tok) },
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if len(tokens) < 2 {
		t.Errorf("tokens = %v, want word-level chunks", tokens)
	}
	if strings.Join(tokens, "") != "alpha beta gamma" {
		t.Errorf("tokens join to %q", strings.Join(tokens, ""))
	}
}

func TestMock_ErrorInjection(t *testing.T) {
	boom := errors.New("boom")

	t.Run("always", func(t *testing.T) {
		m := &Mock{Err: boom}
		if _, err := m.Chat(context.Background(), "m", nil, nil); !errors.Is(err, boom) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("failures before success", func(t *testing.T) {
		m := &Mock{Err: boom, FailuresBeforeSuccess: 2, Responses: []Response{{Text: "ok"}}}
		ctx := context.Background()
		for i := 0; i < 2; i++ {
			if _, err := m.Chat(ctx, "m", nil, nil); err == nil {
				t.Fatalf("call %d should fail", i)
			}
		}
		out, err := m.Chat(ctx, "m", nil, nil)
		if err != nil || out.Text != "ok" {
			t.Errorf("third call = %v, %v", out, err)
		}
	})

	t.Run("once", func(t *testing.T) {
		m := &Mock{ErrOnce: boom, Responses: []Response{{Text: "ok"}}}
		if _, err := m.Chat(context.Background(), "m", nil, nil); err == nil {
			t.Fatal("first call should fail")
		}
		if _, err := m.Chat(context.Background(), "m", nil, nil); err != nil {
			t.Fatalf("second call failed: %v", err)
		}
	})
}

func TestMock_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := &Mock{Responses: []Response{{Text: "x"}}}
	if _, err := m.Chat(ctx, "m", nil, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestMessage_Text(t *testing.T) {
	plain := Message{Role: RoleUser, Content: "hello"}
	if plain.Text() != "hello" {
		t.Error("plain content lost")
	}
	multi := Message{Role: RoleUser, Parts: []ContentPart{
		{Type: PartText, Text: "a"},
		{Type: PartImageURL, URL: "http://x/y.png"},
		{Type: PartText, Text: "b"},
	}}
	if multi.Text() != "ab" {
		t.Errorf("Text() = %q, want ab", multi.Text())
	}
}

func TestCapabilities_AcceptsInput(t *testing.T) {
	var nilCaps *ModelCapabilities
	if !nilCaps.AcceptsInput("text") {
		t.Error("nil capabilities should accept text")
	}
	if nilCaps.AcceptsInput("image") {
		t.Error("nil capabilities should reject non-text")
	}
	caps := &ModelCapabilities{InputModalities: []string{"text", "image"}}
	if !caps.AcceptsInput("image") || caps.AcceptsInput("audio") {
		t.Error("modality check wrong")
	}
}
