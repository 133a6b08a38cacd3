package memory

import (
	"context"
	"errors"
	"testing"
)

func TestInMemory_StoreAndSearch(t *testing.T) {
	ctx := context.Background()
	m := NewInMemory()

	for _, text := range []string{
		"the launch plan targets early March",
		"budget review happens quarterly",
		"the launch checklist needs legal signoff",
	} {
		if _, err := m.Store(ctx, Entry{Text: text}); err != nil {
			t.Fatalf("store: %v", err)
		}
	}

	hits, err := m.Search(ctx, "launch plan", SearchOptions{Limit: 2})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %d, want 2", len(hits))
	}
	if hits[0].Text != "the launch plan targets early March" {
		t.Errorf("best hit = %q", hits[0].Text)
	}
	if hits[0].Score < hits[1].Score {
		t.Error("hits not sorted by score")
	}
}

func TestInMemory_NamespaceIsolation(t *testing.T) {
	ctx := context.Background()
	m := NewInMemory()
	if _, err := m.Store(ctx, Entry{Text: "alpha fact", Namespace: "a"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Store(ctx, Entry{Text: "alpha fact", Namespace: "b"}); err != nil {
		t.Fatal(err)
	}

	hits, err := m.Search(ctx, "alpha fact", SearchOptions{Namespace: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 {
		t.Errorf("hits = %d, want 1 (namespace isolation)", len(hits))
	}
}

func TestInMemory_Threshold(t *testing.T) {
	ctx := context.Background()
	m := NewInMemory()
	if _, err := m.Store(ctx, Entry{Text: "completely unrelated topic"}); err != nil {
		t.Fatal(err)
	}

	hits, err := m.Search(ctx, "launch plan march", SearchOptions{Threshold: 0.9})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 {
		t.Errorf("hits = %d, want 0 above threshold 0.9", len(hits))
	}
}

func TestInMemory_DeleteAndClear(t *testing.T) {
	ctx := context.Background()
	m := NewInMemory()
	id, err := m.Store(ctx, Entry{Text: "ephemeral"})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := m.Delete(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete = %v, want ErrNotFound", err)
	}

	if _, err := m.Store(ctx, Entry{Text: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := m.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if m.Len() != 0 {
		t.Errorf("Len = %d after clear", m.Len())
	}
}

func TestOverlapScore(t *testing.T) {
	cases := []struct {
		query, text string
		want        float64
	}{
		{"launch plan", "the launch plan is ready", 1},
		{"launch plan", "the plan is ready", 0.5},
		{"launch plan", "nothing relevant", 0},
		{"", "anything", 0},
	}
	for _, tc := range cases {
		if got := OverlapScore(tc.query, tc.text); got != tc.want {
			t.Errorf("OverlapScore(%q, %q) = %v, want %v", tc.query, tc.text, got, tc.want)
		}
	}
}

func TestSQLite_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = s.Close() }()

	id, err := s.Store(ctx, Entry{Text: "the launch plan targets march", Metadata: map[string]any{"source": "test"}})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	hits, err := s.Search(ctx, "launch plan", SearchOptions{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != id {
		t.Fatalf("hits = %+v, want the stored entry", hits)
	}
	if hits[0].Metadata["source"] != "test" {
		t.Errorf("metadata lost: %+v", hits[0].Metadata)
	}

	if err := s.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete = %v, want ErrNotFound", err)
	}
}
