// Package idempotency deduplicates submissions that share a client key. The
// cache guarantees at-most-once orchestration per (user, key) pair through
// an atomic set-if-absent mark; losers of that race wait on the winner's
// result instead of re-running the council.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alias8818/CouncilRouter-sub001/internal/council"
)

// ErrCorruptRecord marks a cache entry that no longer decodes. Callers map
// it to a retryable server error so clients retry with a fresh key.
var ErrCorruptRecord = errors.New("idempotency record corrupt")

// ErrWaitTimeout is returned when an in-progress record does not settle
// within the wait window.
var ErrWaitTimeout = errors.New("timed out waiting for in-progress request")

const keyPrefix = "idempotency:"

// ScopedKey derives the cache key for a user's client-supplied key. The
// user id is folded into the hash with a separator so the same client key
// from different users never collides.
func ScopedKey(userID, clientKey string) string {
	h := sha256.New()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(clientKey))
	return hex.EncodeToString(h.Sum(nil))
}

// Cache is the Redis-backed idempotency cache.
type Cache struct {
	rdb          *redis.Client
	ttl          time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewCache wraps a Redis client. A zero ttl defaults to one hour.
func NewCache(rdb *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{
		rdb:          rdb,
		ttl:          ttl,
		pollInterval: 250 * time.Millisecond,
		logger:       slog.Default().With("component", "idempotency"),
	}
}

// MarkInProgress atomically claims the key for a new request. It returns
// true when this caller won the claim; false means a record already exists
// and the caller should consult CheckKey.
func (c *Cache) MarkInProgress(ctx context.Context, scopedKey, requestID string) (bool, error) {
	record := council.IdempotencyRecord{
		ScopedKey: scopedKey,
		State:     council.IdemInProgress,
		RequestID: requestID,
		ExpiresAt: time.Now().UTC().Add(c.ttl),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("marshal idempotency record: %w", err)
	}
	won, err := c.rdb.SetNX(ctx, keyPrefix+scopedKey, payload, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark in progress: %w", err)
	}
	return won, nil
}

// CheckKey returns the record for a scoped key, or nil when absent.
func (c *Cache) CheckKey(ctx context.Context, scopedKey string) (*council.IdempotencyRecord, error) {
	payload, err := c.rdb.Get(ctx, keyPrefix+scopedKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("check key: %w", err)
	}
	var record council.IdempotencyRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return &record, nil
}

// CacheResult settles the key with the completed request, releasing any
// waiters.
func (c *Cache) CacheResult(ctx context.Context, scopedKey string, result *council.StoredRequest) error {
	record := council.IdempotencyRecord{
		ScopedKey: scopedKey,
		State:     council.IdemCompleted,
		RequestID: result.ID,
		Result:    result,
		ExpiresAt: time.Now().UTC().Add(c.ttl),
	}
	return c.write(ctx, scopedKey, &record)
}

// CacheError settles the key with a failure, releasing any waiters. Replays
// observe the same failure instead of re-running the request.
func (c *Cache) CacheError(ctx context.Context, scopedKey, requestID, code, message string) error {
	record := council.IdempotencyRecord{
		ScopedKey:    scopedKey,
		State:        council.IdemFailed,
		RequestID:    requestID,
		ErrorCode:    code,
		ErrorMessage: message,
		ExpiresAt:    time.Now().UTC().Add(c.ttl),
	}
	return c.write(ctx, scopedKey, &record)
}

// WaitForCompletion polls an in-progress key until it settles or the wait
// window closes. The returned record is the settled state; ErrWaitTimeout
// means the key is still in progress.
func (c *Cache) WaitForCompletion(ctx context.Context, scopedKey string, wait time.Duration) (*council.IdempotencyRecord, error) {
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		record, err := c.CheckKey(ctx, scopedKey)
		if err != nil {
			return nil, err
		}
		if record == nil {
			// The winner's record vanished (TTL expiry mid-flight). Treat
			// as a cache race.
			return nil, ErrCorruptRecord
		}
		if record.State != council.IdemInProgress {
			return record, nil
		}
		if time.Now().After(deadline) {
			return record, ErrWaitTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Cache) write(ctx context.Context, scopedKey string, record *council.IdempotencyRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}
	if err := c.rdb.Set(ctx, keyPrefix+scopedKey, payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("settle idempotency key: %w", err)
	}
	return nil
}
