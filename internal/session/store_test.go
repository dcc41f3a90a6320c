package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alias8818/CouncilRouter-sub001/internal/council"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb, time.Hour), mr
}

func TestAppendAndContextRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "sess-1",
		council.ContextMessage{Role: "user", Content: "What is Raft?"},
		council.ContextMessage{Role: "assistant", Content: "A consensus protocol."},
	))

	got, err := store.Context(ctx, "sess-1", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "user", got[0].Role)
	assert.Equal(t, "What is Raft?", got[0].Content)
	assert.Equal(t, "assistant", got[1].Role)
	// Append fills in a token estimate when none was provided.
	assert.Greater(t, got[0].Tokens, 0)
}

func TestContextUnknownSessionIsEmpty(t *testing.T) {
	store, _ := newTestStore(t)

	got, err := store.Context(context.Background(), "never-seen", 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestContextKeepsNewestWithinBudget(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	// Each message is ~25 tokens (100 chars / 4).
	body := strings.Repeat("x", 100)
	for i := 0; i < 10; i++ {
		require.NoError(t, store.Append(ctx, "sess-budget", council.ContextMessage{
			Role:    "user",
			Content: body,
			Tokens:  25,
		}))
	}

	// A budget of 60 tokens fits exactly the two newest messages.
	got, err := store.Context(ctx, "sess-budget", 60)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestContextBudgetSmallerThanOneMessage(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "sess-tiny", council.ContextMessage{
		Role: "user", Content: "hello", Tokens: 50,
	}))

	got, err := store.Context(ctx, "sess-tiny", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestContextOrderPreservedAfterTrim(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, content := range []string{"first", "second", "third"} {
		require.NoError(t, store.Append(ctx, "sess-order", council.ContextMessage{
			Role: "user", Content: content, Tokens: 10,
		}))
	}

	got, err := store.Context(ctx, "sess-order", 20)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "second", got[0].Content)
	assert.Equal(t, "third", got[1].Content)
}

func TestContextSkipsCorruptEntries(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "sess-corrupt", council.ContextMessage{
		Role: "user", Content: "good", Tokens: 5,
	}))
	_, err := mr.Push("session:sess-corrupt", "{not json")
	require.NoError(t, err)

	got, err := store.Context(ctx, "sess-corrupt", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "good", got[0].Content)
}

func TestSessionExpires(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "sess-ttl", council.ContextMessage{
		Role: "user", Content: "ephemeral", Tokens: 5,
	}))

	mr.FastForward(2 * time.Hour)

	got, err := store.Context(ctx, "sess-ttl", 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestNoopStore(t *testing.T) {
	var s Noop
	require.NoError(t, s.Append(context.Background(), "x", council.ContextMessage{Role: "user", Content: "y"}))
	got, err := s.Context(context.Background(), "x", 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}
