package provider

import (
	"context"
	"log/slog"
	"time"

	"github.com/alias8818/CouncilRouter-sub001/internal/council"
)

// Caller invokes one member through a pool with the member's timeout and
// retry policy applied. Each retry restarts the member's clock; the parent
// context carries the global deadline and always wins.
type Caller struct {
	pool   Pool
	logger *slog.Logger
}

// NewCaller wraps a pool.
func NewCaller(pool Pool) *Caller {
	return &Caller{
		pool:   pool,
		logger: slog.Default().With("component", "provider-caller"),
	}
}

// Call runs the member's attempt loop. It returns the first success, or the
// last classified error once attempts are exhausted, the error kind is not
// retryable, or the parent context expires.
func (c *Caller) Call(ctx context.Context, member council.CouncilMember, prompt Prompt) (*Result, error) {
	policy := member.Retry
	delay := time.Duration(policy.InitialDelayMs) * time.Millisecond
	maxDelay := time.Duration(policy.MaxDelayMs) * time.Millisecond

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, Errorf(KindTimeout, member.ID, "global deadline elapsed before attempt %d: %v", attempt, err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, member.Timeout())
		result, err := c.pool.Invoke(attemptCtx, member, prompt)
		cancel()
		if err == nil {
			return result, nil
		}
		lastErr = err

		kind := Classify(err)
		if !policy.Retryable(kind) || attempt == policy.MaxAttempts {
			return nil, err
		}

		c.logger.Debug("retrying member call",
			"member", member.ID, "attempt", attempt, "kind", kind, "backoff", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, Errorf(KindTimeout, member.ID, "global deadline elapsed during backoff: %v", ctx.Err())
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * policy.BackoffMultiplier)
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return nil, lastErr
}
