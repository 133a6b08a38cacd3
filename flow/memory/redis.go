package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis is an Adapter backed by a Redis instance. Each entry lives in a
// hash under keyPrefix:namespace:id; search scans the namespace and scores
// by token overlap client-side.
//
// Suitable for sharing memory across processes; embedders needing true
// vector similarity should front Redis with an embedding index instead.
type Redis struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedis wraps an existing client. An empty prefix defaults to
// "agentflow:mem".
func NewRedis(client redis.UniversalClient, keyPrefix string) *Redis {
	if keyPrefix == "" {
		keyPrefix = "agentflow:mem"
	}
	return &Redis{client: client, keyPrefix: keyPrefix}
}

func (r *Redis) key(namespace, id string) string {
	return fmt.Sprintf("%s:%s:%s", r.keyPrefix, namespace, id)
}

// Store implements Adapter.
func (r *Redis) Store(ctx context.Context, entry Entry) (string, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	fields := map[string]any{"text": entry.Text, "namespace": entry.Namespace}
	if entry.Metadata != nil {
		meta, err := json.Marshal(entry.Metadata)
		if err != nil {
			return "", fmt.Errorf("encode metadata: %w", err)
		}
		fields["metadata"] = string(meta)
	}
	if err := r.client.HSet(ctx, r.key(entry.Namespace, entry.ID), fields).Err(); err != nil {
		return "", err
	}
	return entry.ID, nil
}

// Search implements Adapter.
func (r *Redis) Search(ctx context.Context, query string, opts SearchOptions) ([]Hit, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 5
	}

	pattern := fmt.Sprintf("%s:%s:*", r.keyPrefix, opts.Namespace)
	var hits []Hit
	iter := r.client.Scan(ctx, 0, pattern, 256).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		vals, err := r.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		text := vals["text"]
		score := OverlapScore(query, text)
		if score < opts.Threshold || score == 0 {
			continue
		}
		hit := Hit{ID: key[len(pattern)-1:], Text: text, Score: score}
		if raw := vals["metadata"]; raw != "" {
			_ = json.Unmarshal([]byte(raw), &hit.Metadata)
		}
		hits = append(hits, hit)
	}
	if err := iter.Err(); err != nil {
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

// Delete implements Adapter. The entry may live in any namespace, so the
// ID is resolved by scanning the prefix.
func (r *Redis) Delete(ctx context.Context, id string) error {
	pattern := fmt.Sprintf("%s:*:%s", r.keyPrefix, id)
	iter := r.client.Scan(ctx, 0, pattern, 64).Iterator()
	deleted := false
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
		deleted = true
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if !deleted {
		return ErrNotFound
	}
	return nil
}

// Clear implements Adapter.
func (r *Redis) Clear(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.keyPrefix+":*", 256).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}
