// Package session adapts the external session/context store. Conversation
// history lives in Redis lists; reads are bounded by a token budget so the
// context attached to a request never exceeds what providers accept.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alias8818/CouncilRouter-sub001/internal/council"
)

const keyPrefix = "session:"

// Store reads and appends per-session conversation context.
type Store interface {
	// Context returns the most recent messages whose cumulative token count
	// fits maxTokens, oldest first.
	Context(ctx context.Context, sessionID string, maxTokens int) ([]council.ContextMessage, error)
	// Append records messages at the end of the session history.
	Append(ctx context.Context, sessionID string, messages ...council.ContextMessage) error
}

// RedisStore is the Redis list implementation of Store.
type RedisStore struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisStore wraps a Redis client. A zero ttl defaults to 24 hours.
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{
		rdb:    rdb,
		ttl:    ttl,
		logger: slog.Default().With("component", "session-store"),
	}
}

func (s *RedisStore) Context(ctx context.Context, sessionID string, maxTokens int) ([]council.ContextMessage, error) {
	if maxTokens <= 0 {
		maxTokens = council.MaxContextTokens
	}
	raw, err := s.rdb.LRange(ctx, keyPrefix+sessionID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("session %s: read: %w", sessionID, err)
	}

	messages := make([]council.ContextMessage, 0, len(raw))
	for _, item := range raw {
		var m council.ContextMessage
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			// A single bad entry shouldn't poison the whole session.
			s.logger.Warn("skipping undecodable session message", "session", sessionID, "err", err)
			continue
		}
		messages = append(messages, m)
	}

	// Walk from the newest message backwards until the budget is spent.
	total := 0
	start := len(messages)
	for i := len(messages) - 1; i >= 0; i-- {
		tokens := messages[i].EstimateTokens()
		if total+tokens > maxTokens {
			break
		}
		total += tokens
		start = i
	}
	return messages[start:], nil
}

func (s *RedisStore) Append(ctx context.Context, sessionID string, messages ...council.ContextMessage) error {
	if len(messages) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(messages))
	for _, m := range messages {
		if m.Tokens == 0 {
			m.Tokens = m.EstimateTokens()
		}
		payload, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("session %s: marshal: %w", sessionID, err)
		}
		values = append(values, payload)
	}
	key := keyPrefix + sessionID
	if err := s.rdb.RPush(ctx, key, values...).Err(); err != nil {
		return fmt.Errorf("session %s: append: %w", sessionID, err)
	}
	if err := s.rdb.Expire(ctx, key, s.ttl).Err(); err != nil {
		return fmt.Errorf("session %s: expire: %w", sessionID, err)
	}
	return nil
}

// Noop is a Store that serves empty context and drops appends. It stands in
// when no session backend is wired.
type Noop struct{}

func (Noop) Context(ctx context.Context, sessionID string, maxTokens int) ([]council.ContextMessage, error) {
	return nil, nil
}

func (Noop) Append(ctx context.Context, sessionID string, messages ...council.ContextMessage) error {
	return nil
}
