package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	backend "github.com/redis/go-redis/v9"
)

// ConclusionStore remembers the last verdict per device rule so firing
// happens only on an edge.
//
// Swap stores v and returns the previous value; had is false when the
// rule had no stored verdict. Implementations must be safe for
// concurrent use since the poll loop and coalescer flushes interleave.
type ConclusionStore interface {
	Swap(ctx context.Context, ruleID string, v bool) (prev, had bool, err error)
	Delete(ctx context.Context, ruleID string) error
}

// MemoryConclusionStore keeps conclusions in process memory.
type MemoryConclusionStore struct {
	mu   sync.Mutex
	last map[string]bool
}

// NewMemoryConclusionStore creates an empty in-memory store.
func NewMemoryConclusionStore() *MemoryConclusionStore {
	return &MemoryConclusionStore{last: make(map[string]bool)}
}

// Swap implements ConclusionStore.
func (s *MemoryConclusionStore) Swap(_ context.Context, ruleID string, v bool) (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.last[ruleID]
	s.last[ruleID] = v
	return prev, had, nil
}

// Delete implements ConclusionStore.
func (s *MemoryConclusionStore) Delete(_ context.Context, ruleID string) error {
	s.mu.Lock()
	delete(s.last, ruleID)
	s.mu.Unlock()
	return nil
}

// DefaultConclusionPrefix namespaces conclusion keys in Redis.
const DefaultConclusionPrefix = "graytrigger:conclusion:"

// RedisConclusionStore keeps conclusions in Redis so edges survive a
// restart.
type RedisConclusionStore struct {
	client *backend.Client
	prefix string
}

// NewRedisConclusionStore wraps an existing client. An empty prefix
// selects DefaultConclusionPrefix.
func NewRedisConclusionStore(client *backend.Client, prefix string) *RedisConclusionStore {
	if prefix == "" {
		prefix = DefaultConclusionPrefix
	}
	return &RedisConclusionStore{client: client, prefix: prefix}
}

func (s *RedisConclusionStore) key(ruleID string) string {
	return s.prefix + ruleID
}

// Swap implements ConclusionStore with an atomic GETSET.
func (s *RedisConclusionStore) Swap(ctx context.Context, ruleID string, v bool) (bool, bool, error) {
	val := "0"
	if v {
		val = "1"
	}

	prev, err := s.client.GetSet(ctx, s.key(ruleID), val).Result()
	if errors.Is(err, backend.Nil) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("swapping conclusion: %w", err)
	}
	return prev == "1", true, nil
}

// Delete implements ConclusionStore.
func (s *RedisConclusionStore) Delete(ctx context.Context, ruleID string) error {
	if err := s.client.Del(ctx, s.key(ruleID)).Err(); err != nil {
		return fmt.Errorf("deleting conclusion: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (s *RedisConclusionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
