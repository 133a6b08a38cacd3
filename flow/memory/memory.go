// Package memory defines the vector-memory adapter consumed by memory
// nodes, with in-memory, Redis, and SQLite implementations.
//
// The engine makes no concurrency assumptions beyond the Adapter contract:
// calls are strictly sequential within one execution path, but parallel
// branches may query concurrently, so implementations must be safe for
// concurrent use.
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ErrNotFound is returned when deleting an entry that does not exist.
var ErrNotFound = errors.New("memory entry not found")

// Entry is a record to store.
type Entry struct {
	// ID is assigned by the adapter when empty.
	ID string `json:"id,omitempty"`

	// Text is the stored content.
	Text string `json:"text"`

	// Namespace scopes the entry; empty is the default namespace.
	Namespace string `json:"namespace,omitempty"`

	// Metadata is arbitrary JSON-compatible annotation.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Hit is one search result.
type Hit struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SearchOptions tune a query.
type SearchOptions struct {
	// Limit caps the result count; zero means 5.
	Limit int

	// Namespace restricts the search; empty searches the default namespace.
	Namespace string

	// Threshold drops hits scoring below it (0..1).
	Threshold float64
}

// Adapter is the pluggable memory interface.
type Adapter interface {
	// Store persists an entry and returns its ID.
	Store(ctx context.Context, entry Entry) (string, error)

	// Search returns the best-scoring entries for a query, descending.
	Search(ctx context.Context, query string, opts SearchOptions) ([]Hit, error)

	// Delete removes an entry by ID. Returns ErrNotFound when absent.
	Delete(ctx context.Context, id string) error

	// Clear removes every entry.
	Clear(ctx context.Context) error
}

// InMemory is a process-local Adapter scoring by token overlap. Intended
// for tests and demos; production embedders plug in a real vector store.
type InMemory struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewInMemory returns an empty in-memory adapter.
func NewInMemory() *InMemory {
	return &InMemory{entries: make(map[string]Entry)}
}

// Store implements Adapter.
func (m *InMemory) Store(ctx context.Context, entry Entry) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	m.mu.Lock()
	m.entries[entry.ID] = entry
	m.mu.Unlock()
	return entry.ID, nil
}

// Search implements Adapter.
func (m *InMemory) Search(ctx context.Context, query string, opts SearchOptions) ([]Hit, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 5
	}

	m.mu.RLock()
	var hits []Hit
	for _, e := range m.entries {
		if e.Namespace != opts.Namespace {
			continue
		}
		score := OverlapScore(query, e.Text)
		if score < opts.Threshold || score == 0 {
			continue
		}
		hits = append(hits, Hit{ID: e.ID, Text: e.Text, Score: score, Metadata: e.Metadata})
	}
	m.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Delete implements Adapter.
func (m *InMemory) Delete(ctx context.Context, id string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[id]; !ok {
		return ErrNotFound
	}
	delete(m.entries, id)
	return nil
}

// Clear implements Adapter.
func (m *InMemory) Clear(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	m.mu.Lock()
	m.entries = make(map[string]Entry)
	m.mu.Unlock()
	return nil
}

// Len reports the entry count.
func (m *InMemory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// OverlapScore is the token-overlap similarity used by the non-vector
// adapters: |query ∩ text| / |query tokens|, case-insensitive.
func OverlapScore(query, text string) float64 {
	qTokens := tokenize(query)
	if len(qTokens) == 0 {
		return 0
	}
	tTokens := make(map[string]bool)
	for _, t := range tokenize(text) {
		tTokens[t] = true
	}
	matched := 0
	for _, q := range qTokens {
		if tTokens[q] {
			matched++
		}
	}
	return float64(matched) / float64(len(qTokens))
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		if len(f) < 2 || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
