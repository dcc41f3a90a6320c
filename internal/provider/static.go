package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alias8818/CouncilRouter-sub001/internal/council"
)

// StaticPool is a deterministic in-process pool for development and test
// boots where no real provider pool is wired. Every member answers with a
// canned completion derived from the prompt, so orchestration, deliberation
// and synthesis run end to end without network access.
type StaticPool struct {
	// Latency simulates provider time per call. Zero means immediate.
	Latency time.Duration
	// CostPerCall is attributed to every completion.
	CostPerCall float64
}

// NewStaticPool returns a pool with a small simulated latency.
func NewStaticPool() *StaticPool {
	return &StaticPool{Latency: 25 * time.Millisecond, CostPerCall: 0.0004}
}

// Invoke produces a deterministic answer for the member. It honors context
// cancellation during the simulated latency.
func (p *StaticPool) Invoke(ctx context.Context, member council.CouncilMember, prompt Prompt) (*Result, error) {
	if p.Latency > 0 {
		timer := time.NewTimer(p.Latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, Errorf(KindTimeout, member.ID, "canceled: %v", ctx.Err())
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, Errorf(KindTimeout, member.ID, "canceled: %v", err)
	}

	content := p.compose(member, prompt)
	promptTokens := estimateTokens(prompt.System) + estimateTokens(prompt.User)
	for _, m := range prompt.Context {
		promptTokens += m.EstimateTokens()
	}

	return &Result{
		Content:          content,
		PromptTokens:     promptTokens,
		CompletionTokens: estimateTokens(content),
		Cost:             p.CostPerCall,
		Model:            member.ModelName,
	}, nil
}

// compose keeps answers stable for the same query so repeated rounds
// converge, which exercises early termination in development.
func (p *StaticPool) compose(member council.CouncilMember, prompt Prompt) string {
	subject := firstLine(prompt.User)
	if subject == "" {
		subject = "the question"
	}
	return fmt.Sprintf("[%s/%s] Considering %q: the council position holds.",
		member.ProviderTag, member.ModelName, subject)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}

func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}
