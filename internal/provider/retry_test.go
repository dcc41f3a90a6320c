package provider

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alias8818/CouncilRouter-sub001/internal/council"
)

// scriptedPool fails according to a script of per-call errors; a nil entry
// succeeds. Calls beyond the script succeed.
type scriptedPool struct {
	mu     sync.Mutex
	script []error
	calls  int
	delay  time.Duration
}

func (p *scriptedPool) Invoke(ctx context.Context, member council.CouncilMember, prompt Prompt) (*Result, error) {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	p.mu.Unlock()

	if p.delay > 0 {
		timer := time.NewTimer(p.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, Errorf(KindTimeout, member.ID, "canceled: %v", ctx.Err())
		case <-timer.C:
		}
	}
	if idx < len(p.script) && p.script[idx] != nil {
		return nil, p.script[idx]
	}
	return &Result{Content: "ok from " + member.ID, Cost: 0.001}, nil
}

func (p *scriptedPool) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func fastMember(id string) council.CouncilMember {
	return council.CouncilMember{
		ID:          id,
		ProviderTag: "test",
		ModelName:   "test-model",
		TimeoutSec:  2,
		Retry: council.RetryPolicy{
			MaxAttempts:         3,
			InitialDelayMs:      1,
			MaxDelayMs:          5,
			BackoffMultiplier:   2.0,
			RetryableErrorKinds: []string{KindTimeout, KindRateLimited, KindServerError, KindNetwork},
		},
	}
}

func TestCaller_SucceedsFirstAttempt(t *testing.T) {
	pool := &scriptedPool{}
	caller := NewCaller(pool)

	res, err := caller.Call(context.Background(), fastMember("m1"), Prompt{User: "q"})
	require.NoError(t, err)
	assert.Equal(t, "ok from m1", res.Content)
	assert.Equal(t, 1, pool.callCount())
}

func TestCaller_RetriesRetryableKinds(t *testing.T) {
	pool := &scriptedPool{script: []error{
		Errorf(KindRateLimited, "m1", "429"),
		Errorf(KindServerError, "m1", "500"),
		nil,
	}}
	caller := NewCaller(pool)

	res, err := caller.Call(context.Background(), fastMember("m1"), Prompt{User: "q"})
	require.NoError(t, err)
	assert.Equal(t, "ok from m1", res.Content)
	assert.Equal(t, 3, pool.callCount())
}

func TestCaller_DoesNotRetryNonRetryableKinds(t *testing.T) {
	pool := &scriptedPool{script: []error{
		Errorf(KindUnauthorized, "m1", "401"),
		nil,
	}}
	caller := NewCaller(pool)

	_, err := caller.Call(context.Background(), fastMember("m1"), Prompt{User: "q"})
	require.Error(t, err)
	assert.Equal(t, KindUnauthorized, Classify(err))
	assert.Equal(t, 1, pool.callCount(), "non-retryable errors must not be retried")
}

func TestCaller_ExhaustsAttempts(t *testing.T) {
	pool := &scriptedPool{script: []error{
		Errorf(KindServerError, "m1", "500"),
		Errorf(KindServerError, "m1", "500"),
		Errorf(KindServerError, "m1", "500"),
	}}
	caller := NewCaller(pool)

	_, err := caller.Call(context.Background(), fastMember("m1"), Prompt{User: "q"})
	require.Error(t, err)
	assert.Equal(t, KindServerError, Classify(err))
	assert.Equal(t, 3, pool.callCount())
}

func TestCaller_ParentDeadlineStopsRetries(t *testing.T) {
	pool := &scriptedPool{delay: 50 * time.Millisecond}
	caller := NewCaller(pool)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := caller.Call(ctx, fastMember("m1"), Prompt{User: "q"})
	require.Error(t, err)
	assert.Equal(t, KindTimeout, Classify(err))
	assert.LessOrEqual(t, pool.callCount(), 2)
}

func TestCaller_MemberTimeoutRetriesWithFreshClock(t *testing.T) {
	member := fastMember("m1")
	member.TimeoutSec = 1
	// First call exceeds the member timeout, second is instant.
	pool := &scriptedPool{script: []error{Errorf(KindTimeout, "m1", "slow")}}
	caller := NewCaller(pool)

	res, err := caller.Call(context.Background(), member, Prompt{User: "q"})
	require.NoError(t, err)
	assert.Equal(t, 2, pool.callCount())
	assert.NotNil(t, res)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, KindRateLimited, Classify(Errorf(KindRateLimited, "m", "x")))
	assert.Equal(t, KindTimeout, Classify(context.DeadlineExceeded))
	assert.Equal(t, KindUnknown, Classify(assert.AnError))
}
