// Package idempotency deduplicates executor phase reports. Executors retry
// on timeouts, so the same report may arrive more than once; the store
// replays the first outcome and flags payload drift under a reused key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/waypoint/model"
)

// Store provides deduplication for phase reports.
// The key format is "report:{flowId}:{phase}:{reportId}", where reportId is
// the executor's key for one delivery. Keys never outlive an execution
// attempt: a re-run of the same phase carries a new reportId, so only retries
// of the same delivery hit the cache.
type Store interface {
	// Check looks up a previous outcome by key. If the key exists and the
	// input hash matches, it returns the cached outcome. If the key exists
	// but the hash differs, it returns a conflict error.
	Check(ctx context.Context, key string, inputHash string) (outcome *model.ReportOutcome, found bool, err error)

	// Store saves a report outcome keyed by the idempotency key with a TTL.
	Store(ctx context.Context, key string, inputHash string, outcome model.ReportOutcome, ttl time.Duration) error
}

// entry is the stored value for an idempotency key.
type entry struct {
	InputHash string              `json:"input_hash"`
	Outcome   model.ReportOutcome `json:"outcome"`
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL support. Suitable for testing
// and single-instance deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
	}
}

// Check looks up a cached outcome. Returns a conflict error if the input
// hash differs.
func (s *MemoryStore) Check(_ context.Context, key string, inputHash string) (*model.ReportOutcome, bool, error) {
	s.mu.RLock()
	e, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}

	// Check TTL.
	if time.Now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}

	if e.data.InputHash != inputHash {
		return nil, true, model.NewConflictError(
			fmt.Sprintf("report key %q already used with different payload", key),
		)
	}

	outcome := e.data.Outcome
	return &outcome, true, nil
}

// Store saves an outcome with TTL.
func (s *MemoryStore) Store(_ context.Context, key string, inputHash string, outcome model.ReportOutcome, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &memEntry{
		data:      entry{InputHash: inputHash, Outcome: outcome},
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// HealthCheck reports store health. The in-memory store is always healthy.
func (s *MemoryStore) HealthCheck(_ context.Context) error {
	return nil
}

// Len returns the number of entries (including expired ones). For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore is a Redis-backed Store with TTL, for multi-instance
// deployments where any instance may receive the retry.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a new Redis-backed idempotency store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Check looks up a cached outcome in Redis. Returns a conflict error if the
// input hash differs.
func (s *RedisStore) Check(ctx context.Context, key string, inputHash string) (*model.ReportOutcome, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("unmarshal report entry %q: %w", key, err)
	}

	if e.InputHash != inputHash {
		return nil, true, model.NewConflictError(
			fmt.Sprintf("report key %q already used with different payload", key),
		)
	}

	return &e.Outcome, true, nil
}

// Store saves an outcome in Redis with TTL.
func (s *RedisStore) Store(ctx context.Context, key string, inputHash string, outcome model.ReportOutcome, ttl time.Duration) error {
	e := entry{InputHash: inputHash, Outcome: outcome}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal report entry: %w", err)
	}

	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// FormatReportKey builds the standard report deduplication key.
func FormatReportKey(flowID, phase, reportID string) string {
	return fmt.Sprintf("report:%s:%s:%s", flowID, phase, reportID)
}

// HashReport computes the canonical hash of a report payload, so a retried
// delivery matches and a changed payload under the same key conflicts.
func HashReport(report model.PhaseReport) string {
	data, err := json.Marshal(report)
	if err != nil {
		// Marshaling a map[string]any of JSON-decoded values cannot fail;
		// fall back to an empty payload hash.
		data = nil
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
