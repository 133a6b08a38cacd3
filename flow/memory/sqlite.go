package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the pure-Go "sqlite" driver
)

// SQLite is an Adapter backed by an embedded SQLite database, giving demos
// and single-host deployments durable memory without a server.
//
// Candidate rows are filtered by namespace in SQL and scored by token
// overlap in Go, mirroring the other non-vector adapters.
type SQLite struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS memory_entries (
	id         TEXT PRIMARY KEY,
	namespace  TEXT NOT NULL DEFAULT '',
	text       TEXT NOT NULL,
	metadata   TEXT,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_memory_namespace ON memory_entries(namespace);
`

// NewSQLite opens (creating if needed) a memory database at path. Use
// ":memory:" for an ephemeral store.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory store: %w", err)
	}
	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent branch access.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create memory schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error { return s.db.Close() }

// Store implements Adapter.
func (s *SQLite) Store(ctx context.Context, entry Entry) (string, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	var meta any
	if entry.Metadata != nil {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return "", fmt.Errorf("encode metadata: %w", err)
		}
		meta = string(raw)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO memory_entries (id, namespace, text, metadata) VALUES (?, ?, ?, ?)`,
		entry.ID, entry.Namespace, entry.Text, meta)
	if err != nil {
		return "", err
	}
	return entry.ID, nil
}

// Search implements Adapter.
func (s *SQLite) Search(ctx context.Context, query string, opts SearchOptions) ([]Hit, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 5
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, metadata FROM memory_entries WHERE namespace = ?`, opts.Namespace)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var hits []Hit
	for rows.Next() {
		var id, text string
		var meta sql.NullString
		if err := rows.Scan(&id, &text, &meta); err != nil {
			return nil, err
		}
		score := OverlapScore(query, text)
		if score < opts.Threshold || score == 0 {
			continue
		}
		hit := Hit{ID: id, Text: text, Score: score}
		if meta.Valid && meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &hit.Metadata)
		}
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

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
func (s *SQLite) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memory_entries WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Clear implements Adapter.
func (s *SQLite) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memory_entries`)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	return nil
}
