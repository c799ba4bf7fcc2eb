package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/fraudshield/fraud-engine/internal/models"
)

// Fingerprint builds the cache key for an assessment. Amounts are
// bucketed down to the granularity so near-identical transactions
// share an entry. An empty customer ID yields an empty key, which
// disables caching for the transaction.
func Fingerprint(customerID string, amount decimal.Decimal, bucket int64) string {
	if customerID == "" {
		return ""
	}
	if bucket <= 0 {
		bucket = 1
	}
	b := decimal.NewFromInt(bucket)
	bucketed := amount.Div(b).Floor().Mul(b)
	return fmt.Sprintf("assessment:%s:%s", customerID, bucketed.String())
}

// Store is the assessment cache. Implementations must treat failures as
// misses; caching is an optimization, never a correctness dependency.
type Store interface {
	Get(ctx context.Context, key string) (*models.RiskAssessment, bool)
	Put(ctx context.Context, key string, assessment *models.RiskAssessment, ttl time.Duration)
}

type memoryEntry struct {
	assessment models.RiskAssessment
	expiresAt  time.Time
}

// MemoryStore is an in-process cache with lazy expiry. Suitable for
// single-instance deployments and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*models.RiskAssessment, bool) {
	if key == "" {
		return nil, false
	}
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false
	}
	out := entry.assessment
	return &out, true
}

func (s *MemoryStore) Put(_ context.Context, key string, assessment *models.RiskAssessment, ttl time.Duration) {
	if key == "" || assessment == nil || ttl <= 0 {
		return
	}
	s.mu.Lock()
	s.entries[key] = memoryEntry{assessment: *assessment, expiresAt: time.Now().Add(ttl)}
	s.mu.Unlock()
}

// KV is the minimal Redis surface the store needs. Satisfied by
// queue.CacheClient.
type KV interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) error
}

// RedisStore backs the assessment cache with Redis so cache hits survive
// worker restarts and are shared across instances.
type RedisStore struct {
	kv KV
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(kv KV) *RedisStore {
	return &RedisStore{kv: kv}
}

func (s *RedisStore) Get(ctx context.Context, key string) (*models.RiskAssessment, bool) {
	if key == "" {
		return nil, false
	}
	var assessment models.RiskAssessment
	if err := s.kv.Get(ctx, key, &assessment); err != nil {
		return nil, false
	}
	return &assessment, true
}

func (s *RedisStore) Put(ctx context.Context, key string, assessment *models.RiskAssessment, ttl time.Duration) {
	if key == "" || assessment == nil || ttl <= 0 {
		return
	}
	if err := s.kv.Set(ctx, key, assessment, ttl); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to cache assessment")
	}
}
