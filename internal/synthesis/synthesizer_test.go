package synthesis

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alias8818/CouncilRouter-sub001/internal/config"
	"github.com/alias8818/CouncilRouter-sub001/internal/council"
	"github.com/alias8818/CouncilRouter-sub001/internal/provider"
)

// fakePool returns scripted replies per member and records every call.
type fakePool struct {
	mu      sync.Mutex
	replies map[string]string
	errs    map[string]error
	calls   []string // member ids in call order
}

func (p *fakePool) Invoke(ctx context.Context, member council.CouncilMember, prompt provider.Prompt) (*provider.Result, error) {
	p.mu.Lock()
	p.calls = append(p.calls, member.ID)
	p.mu.Unlock()

	if err, ok := p.errs[member.ID]; ok {
		return nil, err
	}
	content, ok := p.replies[member.ID]
	if !ok {
		content = "reply from " + member.ID
	}
	return &provider.Result{Content: content, PromptTokens: 10, CompletionTokens: 5, Cost: 0.001, Model: member.ModelName}, nil
}

func (p *fakePool) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func quickRetry() council.RetryPolicy {
	return council.RetryPolicy{MaxAttempts: 1, InitialDelayMs: 1, MaxDelayMs: 1, BackoffMultiplier: 1}
}

func testCouncil(t *testing.T) *config.CouncilConfig {
	t.Helper()
	c := &config.CouncilConfig{
		Members: []council.CouncilMember{
			{ID: "m1", ProviderTag: "anthropic", ModelName: "model-a", TimeoutSec: 5, Retry: quickRetry(), Weight: 3},
			{ID: "m2", ProviderTag: "openai", ModelName: "model-b", TimeoutSec: 5, Retry: quickRetry(), Weight: 2},
			{ID: "m3", ProviderTag: "google", ModelName: "model-c", TimeoutSec: 5, Retry: quickRetry(), Weight: 1},
		},
		MinimumSize:                2,
		RequireMinimumForConsensus: true,
	}
	require.NoError(t, c.Validate())
	return c
}

func response(memberID, content string) council.InitialResponse {
	return council.InitialResponse{MemberID: memberID, Content: content, OK: true}
}

func newTestSynthesizer(pool provider.Pool, rankings config.RankingSource) *Synthesizer {
	return NewSynthesizer(provider.NewCaller(pool), rankings)
}

func TestSynthesize_ConsensusExtraction_PicksCentroid(t *testing.T) {
	s := newTestSynthesizer(&fakePool{}, nil)
	in := Input{
		Query:   "what is the boiling point of water",
		Council: testCouncil(t),
		Config:  config.SynthesisConfig{Strategy: config.StrategyConsensusExtraction, AgreementThreshold: 0.5},
		Responses: []council.InitialResponse{
			response("m1", "water boils at 100 degrees celsius at sea level"),
			response("m2", "water boils at 100 degrees celsius at sea level pressure"),
			response("m3", "pineapples are tropical fruit unrelated entirely"),
		},
	}

	decision, err := s.Synthesize(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, config.StrategyConsensusExtraction, decision.SynthesisStrategy)
	assert.Contains(t, decision.Content, "100 degrees")
	// The outlier is excluded from the agreement subset.
	assert.NotContains(t, decision.ContributingMemberIDs, "m3")
	assert.Contains(t, decision.ContributingMemberIDs, "m1")
	assert.Contains(t, decision.ContributingMemberIDs, "m2")
	assert.False(t, decision.Timestamp.IsZero())
}

func TestSynthesize_ConsensusExtraction_IdenticalResponsesScoreHigh(t *testing.T) {
	s := newTestSynthesizer(&fakePool{}, nil)
	in := Input{
		Query:   "q",
		Council: testCouncil(t),
		Config:  config.SynthesisConfig{Strategy: config.StrategyConsensusExtraction, AgreementThreshold: 0.8},
		Responses: []council.InitialResponse{
			response("m1", "the answer is forty two"),
			response("m2", "the answer is forty two"),
			response("m3", "the answer is forty two"),
		},
	}

	decision, err := s.Synthesize(context.Background(), in)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, decision.AgreementLevel, 1e-9)
	assert.Equal(t, council.ConfidenceHigh, decision.Confidence)
	assert.Len(t, decision.ContributingMemberIDs, 3)
}

func TestSynthesize_ConsensusExtraction_DisjointAnswersScoreLow(t *testing.T) {
	s := newTestSynthesizer(&fakePool{}, nil)
	in := Input{
		Query:   "q",
		Council: testCouncil(t),
		Config:  config.SynthesisConfig{Strategy: config.StrategyConsensusExtraction, AgreementThreshold: 0.8},
		Responses: []council.InitialResponse{
			response("m1", "alpha bravo charlie"),
			response("m2", "delta echo foxtrot"),
			response("m3", "golf hotel india"),
		},
	}

	decision, err := s.Synthesize(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, council.ConfidenceLow, decision.Confidence)
	// Disagreement shrinks the subset to the centroid alone.
	assert.Len(t, decision.ContributingMemberIDs, 1)
}

func TestSynthesize_NoSuccessfulResponses(t *testing.T) {
	s := newTestSynthesizer(&fakePool{}, nil)
	in := Input{
		Query:   "q",
		Council: testCouncil(t),
		Config:  config.SynthesisConfig{Strategy: config.StrategyConsensusExtraction, AgreementThreshold: 0.8},
		Responses: []council.InitialResponse{
			{MemberID: "m1", OK: false, ErrorKind: provider.KindTimeout},
		},
	}

	_, err := s.Synthesize(context.Background(), in)
	assert.ErrorIs(t, err, ErrNoResponses)
}

func TestSynthesize_WeightedFusion_OrdersByShare(t *testing.T) {
	s := newTestSynthesizer(&fakePool{}, nil)
	in := Input{
		Query:   "q",
		Council: testCouncil(t),
		Config: config.SynthesisConfig{
			Strategy:           config.StrategyWeightedFusion,
			AgreementThreshold: 0.8,
			Weights:            map[string]float64{"m1": 3, "m2": 2, "m3": 1},
		},
		Responses: []council.InitialResponse{
			response("m3", "third opinion"),
			response("m1", "leading opinion"),
			response("m2", "second opinion"),
		},
	}

	decision, err := s.Synthesize(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, config.StrategyWeightedFusion, decision.SynthesisStrategy)
	assert.Equal(t, []string{"m1", "m2", "m3"}, decision.ContributingMemberIDs)

	// Shares are annotated and ordered by descending weight.
	assert.Contains(t, decision.Content, "[m1 · 50%]")
	assert.Contains(t, decision.Content, "[m2 · 33%]")
	assert.Contains(t, decision.Content, "[m3 · 17%]")
	assert.Less(t, indexOf(t, decision.Content, "[m1"), indexOf(t, decision.Content, "[m2"))
	assert.Less(t, indexOf(t, decision.Content, "[m2"), indexOf(t, decision.Content, "[m3"))
}

func TestSynthesize_WeightedFusion_RejectsEmptyWeights(t *testing.T) {
	s := newTestSynthesizer(&fakePool{}, nil)
	in := Input{
		Query:     "q",
		Council:   testCouncil(t),
		Config:    config.SynthesisConfig{Strategy: config.StrategyWeightedFusion, AgreementThreshold: 0.8},
		Responses: []council.InitialResponse{response("m1", "a")},
	}

	_, err := s.Synthesize(context.Background(), in)
	var cfgErr *config.ErrConfig
	assert.ErrorAs(t, err, &cfgErr)
}

func TestSynthesize_WeightedFusion_RejectsNonPositiveWeights(t *testing.T) {
	s := newTestSynthesizer(&fakePool{}, nil)
	in := Input{
		Query:   "q",
		Council: testCouncil(t),
		Config: config.SynthesisConfig{
			Strategy:           config.StrategyWeightedFusion,
			AgreementThreshold: 0.8,
			Weights:            map[string]float64{"m1": 0},
		},
		Responses: []council.InitialResponse{response("m1", "a")},
	}

	_, err := s.Synthesize(context.Background(), in)
	var cfgErr *config.ErrConfig
	assert.ErrorAs(t, err, &cfgErr)
}

func TestSynthesize_WeightedFusion_NoWeightedResponder(t *testing.T) {
	s := newTestSynthesizer(&fakePool{}, nil)
	in := Input{
		Query:   "q",
		Council: testCouncil(t),
		Config: config.SynthesisConfig{
			Strategy:           config.StrategyWeightedFusion,
			AgreementThreshold: 0.8,
			Weights:            map[string]float64{"m3": 1},
		},
		// Only unweighted members responded.
		Responses: []council.InitialResponse{response("m1", "a"), response("m2", "b")},
	}

	_, err := s.Synthesize(context.Background(), in)
	var cfgErr *config.ErrConfig
	assert.ErrorAs(t, err, &cfgErr)
}

func TestSynthesize_MetaSynthesis_ModeratorContentWins(t *testing.T) {
	pool := &fakePool{replies: map[string]string{"m1": "the merged, moderated answer"}}
	s := newTestSynthesizer(pool, nil)
	in := Input{
		Query:   "q",
		Council: testCouncil(t),
		Config: config.SynthesisConfig{
			Strategy:           config.StrategyMetaSynthesis,
			AgreementThreshold: 0.8,
			ModeratorStrategy:  config.ModeratorPermanent,
			ModeratorMemberID:  "m1",
		},
		Responses: []council.InitialResponse{
			response("m1", "draft one"),
			response("m2", "draft two"),
		},
	}

	decision, err := s.Synthesize(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "the merged, moderated answer", decision.Content)
	assert.Equal(t, config.StrategyMetaSynthesis, decision.SynthesisStrategy)
	assert.ElementsMatch(t, []string{"m1", "m2"}, decision.ContributingMemberIDs)
	assert.Equal(t, []string{"m1"}, pool.calls)
}

func TestSynthesize_MetaSynthesis_RotateAdvances(t *testing.T) {
	pool := &fakePool{}
	s := newTestSynthesizer(pool, nil)
	in := Input{
		Query:   "q",
		Council: testCouncil(t),
		Config: config.SynthesisConfig{
			Strategy:           config.StrategyMetaSynthesis,
			AgreementThreshold: 0.8,
			ModeratorStrategy:  config.ModeratorRotate,
		},
		Responses: []council.InitialResponse{
			response("m1", "draft"),
			response("m2", "draft"),
		},
	}

	for _, want := range []string{"m1", "m2", "m3", "m1"} {
		_, err := s.Synthesize(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, want, pool.calls[len(pool.calls)-1])
	}
}

type fixedRankings struct{ id string }

func (f fixedRankings) StrongestMember(ctx context.Context, memberIDs []string) (string, error) {
	if f.id == "" {
		return "", config.ErrNoRankings
	}
	return f.id, nil
}

func TestSynthesize_MetaSynthesis_StrongestUsesRankings(t *testing.T) {
	pool := &fakePool{}
	s := newTestSynthesizer(pool, fixedRankings{id: "m2"})
	in := Input{
		Query:   "q",
		Council: testCouncil(t),
		Config: config.SynthesisConfig{
			Strategy:           config.StrategyMetaSynthesis,
			AgreementThreshold: 0.8,
			ModeratorStrategy:  config.ModeratorStrongest,
		},
		Responses: []council.InitialResponse{response("m1", "a"), response("m2", "b")},
	}

	_, err := s.Synthesize(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, []string{"m2"}, pool.calls)
}

func TestSynthesize_MetaSynthesis_StrongestWithoutRankingsUsesFirst(t *testing.T) {
	pool := &fakePool{}
	s := newTestSynthesizer(pool, fixedRankings{})
	in := Input{
		Query:   "q",
		Council: testCouncil(t),
		Config: config.SynthesisConfig{
			Strategy:           config.StrategyMetaSynthesis,
			AgreementThreshold: 0.8,
			ModeratorStrategy:  config.ModeratorStrongest,
		},
		Responses: []council.InitialResponse{response("m1", "a"), response("m2", "b")},
	}

	_, err := s.Synthesize(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, pool.calls)
}

func TestSynthesize_MetaSynthesis_ModeratorFailureFallsBack(t *testing.T) {
	pool := &fakePool{errs: map[string]error{
		"m1": provider.Errorf(provider.KindServerError, "m1", "boom"),
	}}
	s := newTestSynthesizer(pool, nil)
	in := Input{
		Query:   "q",
		Council: testCouncil(t),
		Config: config.SynthesisConfig{
			Strategy:           config.StrategyMetaSynthesis,
			AgreementThreshold: 0.8,
			ModeratorStrategy:  config.ModeratorPermanent,
			ModeratorMemberID:  "m1",
		},
		Responses: []council.InitialResponse{
			response("m1", "shared draft answer"),
			response("m2", "shared draft answer"),
		},
	}

	decision, err := s.Synthesize(context.Background(), in)
	require.NoError(t, err)
	// Fallback is recorded as the strategy that actually produced content.
	assert.Equal(t, config.StrategyConsensusExtraction, decision.SynthesisStrategy)
	assert.Equal(t, "shared draft answer", decision.Content)
}

func indexOf(t *testing.T, haystack, needle string) int {
	t.Helper()
	idx := len(haystack)
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			idx = i
			break
		}
	}
	require.Less(t, idx, len(haystack), "needle %q not found", needle)
	return idx
}
