package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alias8818/CouncilRouter-sub001/internal/council"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewStore(rdb, 24*time.Hour), mr
}

func TestStore_SaveAndFetchRequest(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	record := &council.StoredRequest{
		ID:        "11111111-1111-4111-8111-111111111111",
		Status:    council.StatusProcessing,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.SaveRequest(ctx, record))

	got, err := store.FetchRequest(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, record.ID, got.ID)
	assert.Equal(t, council.StatusProcessing, got.Status)
	assert.Nil(t, got.Decision)
}

func TestStore_FetchUnknownRequest(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.FetchRequest(context.Background(), "unknown-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_StatusMonotonicity(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	record := &council.StoredRequest{
		ID:        "req-mono",
		Status:    council.StatusProcessing,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.SaveRequest(ctx, record))

	decision := &council.ConsensusDecision{
		Content:               "final",
		Confidence:            council.ConfidenceHigh,
		AgreementLevel:        0.9,
		SynthesisStrategy:     "consensus-extraction",
		ContributingMemberIDs: []string{"m1"},
		Timestamp:             time.Now().UTC(),
	}
	require.NoError(t, store.MarkCompleted(ctx, record, decision))

	// completed -> processing is rejected
	back := &council.StoredRequest{ID: "req-mono", Status: council.StatusProcessing, CreatedAt: record.CreatedAt}
	err := store.SaveRequest(ctx, back)
	assert.ErrorIs(t, err, ErrTerminalState)

	// completed -> failed is rejected
	failed := &council.StoredRequest{ID: "req-mono", Status: council.StatusFailed, CreatedAt: record.CreatedAt}
	err = store.SaveRequest(ctx, failed)
	assert.ErrorIs(t, err, ErrTerminalState)

	// re-saving the same terminal status is last-writer-wins, not an error
	again := *record
	require.NoError(t, store.SaveRequest(ctx, &again))

	got, err := store.FetchRequest(ctx, "req-mono")
	require.NoError(t, err)
	assert.Equal(t, council.StatusCompleted, got.Status)
	require.NotNil(t, got.Decision)
	assert.Equal(t, "final", got.Decision.Content)
	assert.NotNil(t, got.CompletedAt)
}

func TestStore_MarkFailed(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	record := &council.StoredRequest{ID: "req-fail", Status: council.StatusProcessing, CreatedAt: time.Now().UTC()}
	require.NoError(t, store.SaveRequest(ctx, record))
	require.NoError(t, store.MarkFailed(ctx, record, "PROCESSING_ERROR", "council below quorum"))

	got, err := store.FetchRequest(ctx, "req-fail")
	require.NoError(t, err)
	assert.Equal(t, council.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "PROCESSING_ERROR", got.Error.Code)
}

func TestStore_SaveRefreshesTTL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	record := &council.StoredRequest{ID: "req-ttl", Status: council.StatusProcessing, CreatedAt: time.Now().UTC()}
	require.NoError(t, store.SaveRequest(ctx, record))

	// Let half the TTL elapse, then save again; the TTL must reset.
	mr.FastForward(12 * time.Hour)
	require.NoError(t, store.SaveRequest(ctx, record))

	ttl := mr.TTL("request:req-ttl")
	assert.Greater(t, ttl, 23*time.Hour)
}

func TestStore_ThreadRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	thread := &council.DeliberationThread{RequestID: "req-thread"}
	require.NoError(t, thread.AppendRound(council.DeliberationRound{
		Number:    1,
		Exchanges: []council.Exchange{{RequestID: "req-thread", RoundNumber: 1, MemberID: "m1", Content: "revised"}},
		Timestamp: time.Now().UTC(),
	}))
	require.NoError(t, store.SaveThread(ctx, thread))

	got, err := store.FetchThread(ctx, "req-thread")
	require.NoError(t, err)
	require.Len(t, got.Rounds, 1)
	assert.Equal(t, "m1", got.Rounds[0].Exchanges[0].MemberID)

	_, err = store.FetchThread(ctx, "never-deliberated")
	assert.ErrorIs(t, err, ErrThreadNotFound)
}

func TestStore_RecordsExpire(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	record := &council.StoredRequest{ID: "req-expire", Status: council.StatusProcessing, CreatedAt: time.Now().UTC()}
	require.NoError(t, store.SaveRequest(ctx, record))

	mr.FastForward(25 * time.Hour)

	_, err := store.FetchRequest(ctx, "req-expire")
	assert.ErrorIs(t, err, ErrNotFound)
}
