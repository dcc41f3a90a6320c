// Package registry is the durable map from request id to lifecycle record,
// plus the retained deliberation threads. Both live in Redis under a 24 hour
// TTL that every save refreshes.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alias8818/CouncilRouter-sub001/internal/council"
)

// ErrNotFound is returned when no record exists for an id.
var ErrNotFound = errors.New("request not found")

// ErrThreadNotFound is returned when a deliberation thread was not retained
// or has expired.
var ErrThreadNotFound = errors.New("deliberation thread not found")

// ErrTerminalState rejects writes that would move a request out of
// completed or failed.
var ErrTerminalState = errors.New("request already in terminal state")

const (
	requestKeyPrefix      = "request:"
	deliberationKeyPrefix = "deliberation:"
)

// Store is the Redis-backed request registry. Writes are last-writer-wins
// for records still processing; terminal records never change.
type Store struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewStore wraps a Redis client. A zero ttl defaults to 24 hours.
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{
		rdb:    rdb,
		ttl:    ttl,
		logger: slog.Default().With("component", "registry"),
	}
}

// SaveRequest persists a lifecycle record and refreshes its TTL. Status
// transitions are monotonic: processing may move to completed or failed,
// terminal records reject any change.
func (s *Store) SaveRequest(ctx context.Context, record *council.StoredRequest) error {
	existing, err := s.FetchRequest(ctx, record.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if existing != nil && existing.Status.Terminal() && existing.Status != record.Status {
		return fmt.Errorf("%w: %s is %s", ErrTerminalState, record.ID, existing.Status)
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal request %s: %w", record.ID, err)
	}
	if err := s.rdb.Set(ctx, requestKeyPrefix+record.ID, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("save request %s: %w", record.ID, err)
	}
	return nil
}

// FetchRequest returns a value copy of the record, or ErrNotFound.
func (s *Store) FetchRequest(ctx context.Context, id string) (*council.StoredRequest, error) {
	payload, err := s.rdb.Get(ctx, requestKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch request %s: %w", id, err)
	}
	var record council.StoredRequest
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("decode request %s: %w", id, err)
	}
	return &record, nil
}

// SaveThread persists a deliberation thread under the request's id.
func (s *Store) SaveThread(ctx context.Context, thread *council.DeliberationThread) error {
	payload, err := json.Marshal(thread)
	if err != nil {
		return fmt.Errorf("marshal thread %s: %w", thread.RequestID, err)
	}
	if err := s.rdb.Set(ctx, deliberationKeyPrefix+thread.RequestID, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("save thread %s: %w", thread.RequestID, err)
	}
	return nil
}

// FetchThread returns the retained thread for a request, or
// ErrThreadNotFound.
func (s *Store) FetchThread(ctx context.Context, requestID string) (*council.DeliberationThread, error) {
	payload, err := s.rdb.Get(ctx, deliberationKeyPrefix+requestID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch thread %s: %w", requestID, err)
	}
	var thread council.DeliberationThread
	if err := json.Unmarshal(payload, &thread); err != nil {
		return nil, fmt.Errorf("decode thread %s: %w", requestID, err)
	}
	return &thread, nil
}

// MarkCompleted terminalizes a record with its decision.
func (s *Store) MarkCompleted(ctx context.Context, record *council.StoredRequest, decision *council.ConsensusDecision) error {
	now := time.Now().UTC()
	record.Status = council.StatusCompleted
	record.Decision = decision
	record.Error = nil
	record.CompletedAt = &now
	return s.SaveRequest(ctx, record)
}

// MarkFailed terminalizes a record with an error.
func (s *Store) MarkFailed(ctx context.Context, record *council.StoredRequest, code, message string) error {
	now := time.Now().UTC()
	record.Status = council.StatusFailed
	record.Error = &council.RequestError{Code: code, Message: message}
	record.CompletedAt = &now
	return s.SaveRequest(ctx, record)
}
