// Package synthesis reduces council responses to one consensus decision.
// Three strategies are supported: consensus extraction picks the response the
// council agrees on most, weighted fusion concatenates contributions by
// weight share, and meta-synthesis asks a moderator member to fuse the
// thread. The devil's advocate pass (devils_advocate.go) optionally critiques
// and rewrites the result.
package synthesis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alias8818/CouncilRouter-sub001/internal/config"
	"github.com/alias8818/CouncilRouter-sub001/internal/council"
	"github.com/alias8818/CouncilRouter-sub001/internal/provider"
	"github.com/alias8818/CouncilRouter-sub001/internal/similarity"
)

// ErrNoResponses is returned when synthesis is invoked with nothing to
// reduce. The orchestrator's quorum check normally prevents this.
var ErrNoResponses = errors.New("synthesis: no successful responses")

// Input carries everything one synthesis pass needs.
type Input struct {
	Query string
	// Responses are each member's latest successful content, in council
	// order. Failed members are absent.
	Responses []council.InitialResponse
	// Thread is the full deliberation record; empty when rounds were zero.
	Thread  *council.DeliberationThread
	Council *config.CouncilConfig
	Config  config.SynthesisConfig
}

// successes filters to responses that can contribute content.
func (in *Input) successes() []council.InitialResponse {
	out := make([]council.InitialResponse, 0, len(in.Responses))
	for _, r := range in.Responses {
		if r.OK && r.Content != "" {
			out = append(out, r)
		}
	}
	return out
}

// Synthesizer dispatches on the configured strategy. It is safe for
// concurrent use; the rotation counter for the rotate moderator policy is the
// only mutable state.
type Synthesizer struct {
	caller   *provider.Caller
	rankings config.RankingSource
	logger   *slog.Logger
	rotation atomic.Uint64
}

// NewSynthesizer builds a synthesizer. The caller is used only by
// meta-synthesis; rankings may be nil when no ranking store is wired, which
// degrades the strongest moderator policy to the first member.
func NewSynthesizer(caller *provider.Caller, rankings config.RankingSource) *Synthesizer {
	return &Synthesizer{
		caller:   caller,
		rankings: rankings,
		logger:   slog.Default().With("component", "synthesizer"),
	}
}

// Synthesize reduces the input to a consensus decision under the configured
// strategy. Every returned decision has non-empty content, a non-empty
// contributing set, the strategy recorded, and a fresh timestamp.
func (s *Synthesizer) Synthesize(ctx context.Context, in Input) (*council.ConsensusDecision, error) {
	if err := in.Config.Validate(); err != nil {
		return nil, err
	}
	responses := in.successes()
	if len(responses) == 0 {
		return nil, ErrNoResponses
	}

	var (
		decision *council.ConsensusDecision
		err      error
	)
	switch in.Config.Strategy {
	case config.StrategyConsensusExtraction:
		decision, err = s.extractConsensus(in, responses)
	case config.StrategyWeightedFusion:
		decision, err = s.fuseWeighted(in, responses)
	case config.StrategyMetaSynthesis:
		decision, err = s.moderate(ctx, in, responses)
		if err != nil && !errors.Is(err, context.Canceled) {
			// Moderator trouble falls back to consensus extraction rather
			// than failing the whole request.
			s.logger.Warn("meta-synthesis failed, falling back to consensus extraction", "err", err)
			decision, err = s.extractConsensus(in, responses)
			if decision != nil {
				decision.SynthesisStrategy = config.StrategyConsensusExtraction
			}
		}
	default:
		return nil, config.ConfigErrorf("synthesis: unknown strategy %q", in.Config.Strategy)
	}
	if err != nil {
		return nil, err
	}

	if err := decision.Validate(); err != nil {
		return nil, fmt.Errorf("synthesis produced an invalid decision: %w", err)
	}
	return decision, nil
}

// extractConsensus finds the maximal agreement subset around the centroid
// response: the response with the highest summed similarity to its peers
// anchors the subset, and every response at least agreementThreshold similar
// to it joins. Content is the centroid response; the agreement level is the
// mean pairwise similarity within the subset.
func (s *Synthesizer) extractConsensus(in Input, responses []council.InitialResponse) (*council.ConsensusDecision, error) {
	contents := make([]string, len(responses))
	for i, r := range responses {
		contents[i] = r.Content
	}
	matrix := similarity.Matrix(contents)

	centroid := 0
	best := -1.0
	for i := range responses {
		var sum float64
		for j := range responses {
			if i != j {
				sum += matrix[i][j]
			}
		}
		if sum > best {
			best = sum
			centroid = i
		}
	}

	threshold := in.Config.AgreementThreshold
	subset := make([]int, 0, len(responses))
	for j := range responses {
		if j == centroid || matrix[centroid][j] >= threshold {
			subset = append(subset, j)
		}
	}

	subsetContents := make([]string, len(subset))
	members := make([]string, len(subset))
	for i, idx := range subset {
		subsetContents[i] = contents[idx]
		members[i] = responses[idx].MemberID
	}
	agreement := similarity.MeanPairwise(subsetContents)

	return &council.ConsensusDecision{
		Content:               responses[centroid].Content,
		Confidence:            council.ConfidenceFromAgreement(agreement),
		AgreementLevel:        agreement,
		SynthesisStrategy:     config.StrategyConsensusExtraction,
		ContributingMemberIDs: members,
		Timestamp:             time.Now().UTC(),
	}, nil
}

// fuseWeighted concatenates member contributions ordered by descending
// weight share, each annotated with its share. The agreement level is the
// pairwise similarity mean weighted by the product of the pair's weights.
func (s *Synthesizer) fuseWeighted(in Input, responses []council.InitialResponse) (*council.ConsensusDecision, error) {
	type contribution struct {
		memberID string
		content  string
		weight   float64
	}

	var total float64
	contributions := make([]contribution, 0, len(responses))
	for _, r := range responses {
		w, ok := in.Config.Weights[r.MemberID]
		if !ok || w <= 0 {
			continue
		}
		contributions = append(contributions, contribution{memberID: r.MemberID, content: r.Content, weight: w})
		total += w
	}
	if len(contributions) == 0 {
		return nil, config.ConfigErrorf("synthesis: no responding member carries a positive weight")
	}

	sort.SliceStable(contributions, func(i, j int) bool {
		return contributions[i].weight > contributions[j].weight
	})

	var b strings.Builder
	members := make([]string, len(contributions))
	for i, c := range contributions {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s · %.0f%%]\n%s", c.memberID, 100*c.weight/total, c.content)
		members[i] = c.memberID
	}

	var weightedSum, weightSum float64
	for i := 0; i < len(contributions); i++ {
		for j := i + 1; j < len(contributions); j++ {
			pairWeight := contributions[i].weight * contributions[j].weight
			weightedSum += pairWeight * similarity.Cosine(contributions[i].content, contributions[j].content)
			weightSum += pairWeight
		}
	}
	agreement := 1.0
	if weightSum > 0 {
		agreement = weightedSum / weightSum
	}

	return &council.ConsensusDecision{
		Content:               b.String(),
		Confidence:            council.ConfidenceFromAgreement(agreement),
		AgreementLevel:        agreement,
		SynthesisStrategy:     config.StrategyWeightedFusion,
		ContributingMemberIDs: members,
		Timestamp:             time.Now().UTC(),
	}, nil
}

// moderate selects a moderator member, feeds it the full thread with a
// synthesis prompt, and uses its answer as the decision content. The
// contributing set is the responders whose answers the moderator fused.
func (s *Synthesizer) moderate(ctx context.Context, in Input, responses []council.InitialResponse) (*council.ConsensusDecision, error) {
	moderator, err := s.selectModerator(ctx, in, responses)
	if err != nil {
		return nil, err
	}

	prompt := provider.Prompt{
		System: "You are the moderator of a council of AI models. Fuse the council's " +
			"answers into a single, complete response to the user's question. Resolve " +
			"disagreements explicitly and do not mention the council.",
		User: moderatorPrompt(in.Query, responses, in.Thread),
	}
	result, err := s.caller.Call(ctx, moderator, prompt)
	if err != nil {
		return nil, fmt.Errorf("moderator %s: %w", moderator.ID, err)
	}
	if strings.TrimSpace(result.Content) == "" {
		return nil, fmt.Errorf("moderator %s returned an empty synthesis", moderator.ID)
	}

	contents := make([]string, len(responses))
	members := make([]string, len(responses))
	for i, r := range responses {
		contents[i] = r.Content
		members[i] = r.MemberID
	}
	agreement := similarity.MeanPairwise(contents)

	return &council.ConsensusDecision{
		Content:               result.Content,
		Confidence:            council.ConfidenceFromAgreement(agreement),
		AgreementLevel:        agreement,
		SynthesisStrategy:     config.StrategyMetaSynthesis,
		ContributingMemberIDs: members,
		Timestamp:             time.Now().UTC(),
	}, nil
}

func (s *Synthesizer) selectModerator(ctx context.Context, in Input, responses []council.InitialResponse) (council.CouncilMember, error) {
	members := in.Council.Members
	switch in.Config.ModeratorStrategy {
	case config.ModeratorPermanent:
		m, ok := in.Council.Member(in.Config.ModeratorMemberID)
		if !ok {
			return council.CouncilMember{}, config.ConfigErrorf("synthesis: moderator %q is not in the council", in.Config.ModeratorMemberID)
		}
		return m, nil

	case config.ModeratorRotate:
		n := s.rotation.Add(1) - 1
		return members[int(n)%len(members)], nil

	case config.ModeratorStrongest:
		if s.rankings != nil {
			ids := make([]string, len(members))
			for i, m := range members {
				ids[i] = m.ID
			}
			id, err := s.rankings.StrongestMember(ctx, ids)
			if err == nil {
				if m, ok := in.Council.Member(id); ok {
					return m, nil
				}
			} else if !errors.Is(err, config.ErrNoRankings) {
				s.logger.Warn("ranking lookup failed, using first member", "err", err)
			}
		}
		// No rankings recorded: the first member stands in.
		return members[0], nil

	default:
		return council.CouncilMember{}, config.ConfigErrorf("synthesis: unknown moderator strategy %q", in.Config.ModeratorStrategy)
	}
}

// moderatorPrompt lays the question, the final answers and the deliberation
// history out for the moderator.
func moderatorPrompt(query string, responses []council.InitialResponse, thread *council.DeliberationThread) string {
	var b strings.Builder
	b.WriteString("Question:\n")
	b.WriteString(query)
	b.WriteString("\n\nFinal council answers:\n")
	for _, r := range responses {
		fmt.Fprintf(&b, "\n--- %s ---\n%s\n", r.MemberID, r.Content)
	}
	if thread != nil && len(thread.Rounds) > 0 {
		b.WriteString("\nDeliberation history:\n")
		for _, round := range thread.Rounds {
			fmt.Fprintf(&b, "\nRound %d:\n", round.Number)
			for _, ex := range round.Exchanges {
				fmt.Fprintf(&b, "[%s] %s\n", ex.MemberID, ex.Content)
			}
		}
	}
	b.WriteString("\nWrite the single consolidated answer now.")
	return b.String()
}
