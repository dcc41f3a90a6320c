package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alias8818/CouncilRouter-sub001/internal/council"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	c := NewCache(rdb, time.Hour)
	c.pollInterval = 5 * time.Millisecond
	return c, mr
}

func TestScopedKey_UserScoping(t *testing.T) {
	// The same client key from different users must never collide.
	assert.NotEqual(t, ScopedKey("user-a", "k1"), ScopedKey("user-b", "k1"))
	assert.Equal(t, ScopedKey("user-a", "k1"), ScopedKey("user-a", "k1"))
	// The separator prevents boundary ambiguity.
	assert.NotEqual(t, ScopedKey("ab", "c"), ScopedKey("a", "bc"))
	assert.Len(t, ScopedKey("u", "k"), 64)
}

func TestCache_MarkInProgressIsAtomic(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	key := ScopedKey("user-1", "k1")

	won, err := cache.MarkInProgress(ctx, key, "req-1")
	require.NoError(t, err)
	assert.True(t, won)

	won, err = cache.MarkInProgress(ctx, key, "req-2")
	require.NoError(t, err)
	assert.False(t, won, "second claim must lose")

	record, err := cache.CheckKey(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "req-1", record.RequestID, "loser must see the winner's request id")
	assert.Equal(t, council.IdemInProgress, record.State)
}

func TestCache_ConcurrentClaimsSingleWinner(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	key := ScopedKey("user-1", "burst")

	const claimants = 16
	var wg sync.WaitGroup
	wins := make(chan string, claimants)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			won, err := cache.MarkInProgress(ctx, key, "req-"+string(rune('a'+n)))
			if err == nil && won {
				wins <- "w"
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count, "exactly one claimant may win")
}

func TestCache_CheckKeyAbsent(t *testing.T) {
	cache, _ := newTestCache(t)
	record, err := cache.CheckKey(context.Background(), ScopedKey("u", "missing"))
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestCache_ResultRoundTrip(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	key := ScopedKey("user-1", "k2")

	_, err := cache.MarkInProgress(ctx, key, "req-9")
	require.NoError(t, err)

	now := time.Now().UTC()
	result := &council.StoredRequest{
		ID:     "req-9",
		Status: council.StatusCompleted,
		Decision: &council.ConsensusDecision{
			Content:               "the answer",
			Confidence:            council.ConfidenceMedium,
			AgreementLevel:        0.7,
			SynthesisStrategy:     "consensus-extraction",
			ContributingMemberIDs: []string{"m1", "m2"},
			Timestamp:             now,
		},
		CreatedAt:   now,
		CompletedAt: &now,
	}
	require.NoError(t, cache.CacheResult(ctx, key, result))

	record, err := cache.CheckKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, council.IdemCompleted, record.State)
	require.NotNil(t, record.Result)
	assert.Equal(t, "the answer", record.Result.Decision.Content)
}

func TestCache_CacheErrorReleasesWaiters(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	key := ScopedKey("user-1", "k3")

	_, err := cache.MarkInProgress(ctx, key, "req-3")
	require.NoError(t, err)

	done := make(chan *council.IdempotencyRecord, 1)
	go func() {
		record, err := cache.WaitForCompletion(ctx, key, 2*time.Second)
		if err == nil {
			done <- record
		} else {
			done <- nil
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, cache.CacheError(ctx, key, "req-3", "PROCESSING_ERROR", "panic recovered"))

	select {
	case record := <-done:
		require.NotNil(t, record, "waiter must be released by CacheError")
		assert.Equal(t, council.IdemFailed, record.State)
		assert.Equal(t, "PROCESSING_ERROR", record.ErrorCode)
	case <-time.After(3 * time.Second):
		t.Fatal("waiter was never released")
	}
}

func TestCache_WaitForCompletionTimesOut(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	key := ScopedKey("user-1", "k4")

	_, err := cache.MarkInProgress(ctx, key, "req-4")
	require.NoError(t, err)

	record, err := cache.WaitForCompletion(ctx, key, 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrWaitTimeout)
	require.NotNil(t, record)
	assert.Equal(t, council.IdemInProgress, record.State)
}

func TestCache_CorruptRecordSurfaces(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()
	key := ScopedKey("user-1", "k5")

	mr.Set("idempotency:"+key, "{not json")

	_, err := cache.CheckKey(ctx, key)
	assert.ErrorIs(t, err, ErrCorruptRecord)
}

func TestCache_EntriesExpire(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()
	key := ScopedKey("user-1", "k6")

	_, err := cache.MarkInProgress(ctx, key, "req-6")
	require.NoError(t, err)

	mr.FastForward(2 * time.Hour)

	record, err := cache.CheckKey(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, record, "expired keys release the claim")

	won, err := cache.MarkInProgress(ctx, key, "req-7")
	require.NoError(t, err)
	assert.True(t, won)
}
