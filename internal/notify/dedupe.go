package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultDedupeTTL bounds how long a dispatched (event, recipient) pair is
// remembered
const DefaultDedupeTTL = 24 * time.Hour

// Deduper records which (event, recipient) pairs were already dispatched
type Deduper interface {
	// Add records the key if it does not already exist. It returns true
	// when the key was newly added.
	Add(ctx context.Context, key string) (bool, error)
	// Remove forgets a key so a failed dispatch can be retried
	Remove(ctx context.Context, key string) error
}

func dedupeKey(projectID string, seq int64, recipientID string) string {
	return fmt.Sprintf("%s:%d:%s", projectID, seq, recipientID)
}

// RedisDeduper stores dispatched keys in Redis so every server instance
// sees them
type RedisDeduper struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided client and TTL
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &RedisDeduper{client: client, prefix: "boardsync:notify:", ttl: ttl}
}

func (r *RedisDeduper) Add(ctx context.Context, key string) (bool, error) {
	return r.client.SetNX(ctx, r.prefix+key, 1, r.ttl).Result()
}

func (r *RedisDeduper) Remove(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}

// MemoryDeduper is the single-instance deduper used when no Redis is
// configured
type MemoryDeduper struct {
	mu   sync.Mutex
	keys map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

// NewMemoryDeduper creates an in-process deduper
func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &MemoryDeduper{keys: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

func (m *MemoryDeduper) Add(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if exp, ok := m.keys[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.keys[key] = now.Add(m.ttl)
	return true, nil
}

func (m *MemoryDeduper) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

// Sweep drops expired keys
func (m *MemoryDeduper) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for k, exp := range m.keys {
		if !now.Before(exp) {
			delete(m.keys, k)
			removed++
		}
	}
	return removed
}
