package emit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
)

func TestLogEmitter_JSONLines(t *testing.T) {
	var buf bytes.Buffer
	em := NewLogEmitter(&buf)

	em.Emit(Event{ExecutionID: "x1", NodeID: "n1", Msg: MsgNodeStart, Meta: map[string]any{"type": "agent"}})
	em.Emit(Event{ExecutionID: "x1", Msg: MsgComplete})
	if err := em.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	var first map[string]any
	if err := json.Unmarshal(lines[0], &first); err != nil {
		t.Fatalf("line not JSON: %v", err)
	}
	if first["exec"] != "x1" || first["event"] != MsgNodeStart || first["node"] != "n1" || first["type"] != "agent" {
		t.Errorf("unexpected fields: %v", first)
	}
}

func TestLogEmitter_ErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	em := NewLogEmitter(&buf)
	em.Emit(Event{ExecutionID: "x1", NodeID: "n", Msg: MsgNodeError, Meta: map[string]any{"error": "boom"}})

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("line not JSON: %v", err)
	}
	if rec["level"] != "error" {
		t.Errorf("level = %v, want error", rec["level"])
	}
}

func TestMulti(t *testing.T) {
	var a, b bytes.Buffer
	m := Multi{NewLogEmitter(&a), NewLogEmitter(&b)}
	m.Emit(Event{ExecutionID: "x", Msg: MsgComplete})
	if err := m.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if a.Len() == 0 || b.Len() == 0 {
		t.Error("multi did not fan out")
	}
}

func TestNull(t *testing.T) {
	var n Null
	n.Emit(Event{Msg: MsgComplete})
	if err := n.Flush(context.Background()); err != nil {
		t.Errorf("flush: %v", err)
	}
}
