// Package config owns the versioned configuration bundle that defines who
// the council is and how deliberation, synthesis and performance behave.
// Bundles are persisted per config type in a relational store; consumers get
// immutable snapshots valid for a single request.
package config

import (
	"fmt"
	"math"
	"time"

	"github.com/alias8818/CouncilRouter-sub001/internal/council"
)

// Config type tags used as discriminators in the store.
const (
	TypeCouncil        = "council"
	TypeDeliberation   = "deliberation"
	TypeSynthesis      = "synthesis"
	TypePerformance    = "performance"
	TypeTransparency   = "transparency"
	TypeDevilsAdvocate = "devils_advocate"
)

// Synthesis strategy kinds. Exactly one is active per SynthesisConfig; the
// variant payloads (Weights, Moderator*) belong to their kind only.
const (
	StrategyConsensusExtraction = "consensus-extraction"
	StrategyWeightedFusion      = "weighted-fusion"
	StrategyMetaSynthesis       = "meta-synthesis"
)

// Moderator selection policies for meta-synthesis.
const (
	ModeratorPermanent = "permanent"
	ModeratorRotate    = "rotate"
	ModeratorStrongest = "strongest"
)

// ErrConfig marks configuration that is structurally invalid. API layers map
// it to a processing failure; the orchestrator fails fast on it.
type ErrConfig struct {
	Reason string
}

func (e *ErrConfig) Error() string { return "config error: " + e.Reason }

// ConfigErrorf builds an ErrConfig.
func ConfigErrorf(format string, args ...any) error {
	return &ErrConfig{Reason: fmt.Sprintf(format, args...)}
}

// CouncilConfig defines the members queried per request.
type CouncilConfig struct {
	Members                    []council.CouncilMember  `json:"members"`
	MinimumSize                int                      `json:"minimumSize"`
	RequireMinimumForConsensus bool                     `json:"requireMinimumForConsensus"`
	Tools                      []council.ToolDefinition `json:"tools,omitempty"`
}

// Validate enforces council composition rules: at least two members, unique
// ids, and a quorum inside [1, len(members)].
func (c *CouncilConfig) Validate() error {
	if len(c.Members) < 2 {
		return ConfigErrorf("council needs at least 2 members, got %d", len(c.Members))
	}
	seen := make(map[string]bool, len(c.Members))
	for _, m := range c.Members {
		if err := m.Validate(); err != nil {
			return ConfigErrorf("council: %v", err)
		}
		if seen[m.ID] {
			return ConfigErrorf("council: duplicate member id %q", m.ID)
		}
		seen[m.ID] = true
	}
	if c.MinimumSize < 1 || c.MinimumSize > len(c.Members) {
		return ConfigErrorf("council: minimumSize %d out of [1,%d]", c.MinimumSize, len(c.Members))
	}
	return nil
}

// Member returns the member with the given id.
func (c *CouncilConfig) Member(id string) (council.CouncilMember, bool) {
	for _, m := range c.Members {
		if m.ID == id {
			return m, true
		}
	}
	return council.CouncilMember{}, false
}

// MemberIDs returns the member ids in council order.
func (c *CouncilConfig) MemberIDs() []string {
	ids := make([]string, len(c.Members))
	for i, m := range c.Members {
		ids[i] = m.ID
	}
	return ids
}

// DeliberationConfig controls the revision rounds after the initial fan-out.
type DeliberationConfig struct {
	Rounds                    int     `json:"rounds"`
	ShowOwnResponse           bool    `json:"showOwnResponse"`
	EarlyTerminationThreshold float64 `json:"earlyTerminationThreshold"`
}

func (c *DeliberationConfig) Validate() error {
	if c.Rounds < 0 || c.Rounds > 5 {
		return ConfigErrorf("deliberation: rounds %d out of [0,5]", c.Rounds)
	}
	if c.EarlyTerminationThreshold < 0 || c.EarlyTerminationThreshold > 1 {
		return ConfigErrorf("deliberation: earlyTerminationThreshold %g out of [0,1]", c.EarlyTerminationThreshold)
	}
	return nil
}

// SynthesisConfig selects and parameterizes the synthesis strategy. It is a
// tagged union: Weights belongs to weighted-fusion, the Moderator fields to
// meta-synthesis.
type SynthesisConfig struct {
	Strategy           string             `json:"strategy"`
	AgreementThreshold float64            `json:"agreementThreshold"`
	Weights            map[string]float64 `json:"weights,omitempty"`
	ModeratorStrategy  string             `json:"moderatorStrategy,omitempty"`
	ModeratorMemberID  string             `json:"moderatorMemberId,omitempty"`
}

// Validate rejects unknown strategies, payloads attached to the wrong
// variant, and weighted-fusion weight maps that are empty or carry
// non-positive or non-finite values.
func (c *SynthesisConfig) Validate() error {
	switch c.Strategy {
	case StrategyConsensusExtraction:
		if len(c.Weights) > 0 {
			return ConfigErrorf("synthesis: weights are only valid for %s", StrategyWeightedFusion)
		}
		if c.ModeratorStrategy != "" {
			return ConfigErrorf("synthesis: moderatorStrategy is only valid for %s", StrategyMetaSynthesis)
		}
	case StrategyWeightedFusion:
		if len(c.Weights) == 0 {
			return ConfigErrorf("synthesis: weighted-fusion requires a non-empty weights map")
		}
		for id, w := range c.Weights {
			if id == "" {
				return ConfigErrorf("synthesis: weights contain an empty member id")
			}
			if w <= 0 || math.IsNaN(w) || math.IsInf(w, 0) {
				return ConfigErrorf("synthesis: weight for %q must be a positive finite number, got %g", id, w)
			}
		}
	case StrategyMetaSynthesis:
		switch c.ModeratorStrategy {
		case ModeratorPermanent:
			if c.ModeratorMemberID == "" {
				return ConfigErrorf("synthesis: permanent moderator requires moderatorMemberId")
			}
		case ModeratorRotate, ModeratorStrongest:
		default:
			return ConfigErrorf("synthesis: unknown moderator strategy %q", c.ModeratorStrategy)
		}
	default:
		return ConfigErrorf("synthesis: unknown strategy %q", c.Strategy)
	}
	if c.AgreementThreshold < 0 || c.AgreementThreshold > 1 {
		return ConfigErrorf("synthesis: agreementThreshold %g out of [0,1]", c.AgreementThreshold)
	}
	return nil
}

// PerformanceConfig bounds a whole orchestration.
type PerformanceConfig struct {
	GlobalTimeoutMs int `json:"globalTimeoutMs"`
	// MaxCostPerRequest caps accumulated provider cost when budget caps are
	// enabled. Zero means uncapped.
	MaxCostPerRequest float64 `json:"maxCostPerRequest,omitempty"`
}

func (c *PerformanceConfig) Validate() error {
	if c.GlobalTimeoutMs <= 0 {
		return ConfigErrorf("performance: globalTimeoutMs must be > 0, got %d", c.GlobalTimeoutMs)
	}
	if c.MaxCostPerRequest < 0 {
		return ConfigErrorf("performance: maxCostPerRequest must be >= 0, got %g", c.MaxCostPerRequest)
	}
	return nil
}

// GlobalTimeout is the hard ceiling on one whole orchestration.
func (c *PerformanceConfig) GlobalTimeout() time.Duration {
	return time.Duration(c.GlobalTimeoutMs) * time.Millisecond
}

// TransparencyConfig controls what provenance survives orchestration.
// When RetainDeliberation is false the thread is not persisted and the
// deliberation endpoint reports it as not retained.
type TransparencyConfig struct {
	Enabled               bool `json:"enabled"`
	RetainDeliberation    bool `json:"retainDeliberation"`
	IncludeMemberOutcomes bool `json:"includeMemberOutcomes"`
}

func (c *TransparencyConfig) Validate() error { return nil }

// DevilsAdvocateConfig enables the critique+rewrite pass.
type DevilsAdvocateConfig struct {
	Enabled             bool   `json:"enabled"`
	ApplyToCodeRequests bool   `json:"applyToCodeRequests"`
	ApplyToTextRequests bool   `json:"applyToTextRequests"`
	CritiqueMemberID    string `json:"critiqueMemberId,omitempty"`
}

func (c *DevilsAdvocateConfig) Validate() error { return nil }

// Bundle is one immutable configuration snapshot.
type Bundle struct {
	Council        CouncilConfig         `json:"council"`
	Deliberation   DeliberationConfig    `json:"deliberation"`
	Synthesis      SynthesisConfig       `json:"synthesis"`
	Performance    PerformanceConfig     `json:"performance"`
	Transparency   TransparencyConfig    `json:"transparency"`
	DevilsAdvocate *DevilsAdvocateConfig `json:"devilsAdvocate,omitempty"`
}

// Validate checks every section.
func (b *Bundle) Validate() error {
	if err := b.Council.Validate(); err != nil {
		return err
	}
	if err := b.Deliberation.Validate(); err != nil {
		return err
	}
	if err := b.Synthesis.Validate(); err != nil {
		return err
	}
	if err := b.Performance.Validate(); err != nil {
		return err
	}
	if err := b.Transparency.Validate(); err != nil {
		return err
	}
	if b.DevilsAdvocate != nil {
		if err := b.DevilsAdvocate.Validate(); err != nil {
			return err
		}
		if b.DevilsAdvocate.CritiqueMemberID != "" {
			if _, ok := b.Council.Member(b.DevilsAdvocate.CritiqueMemberID); !ok {
				return ConfigErrorf("devils advocate: critique member %q is not in the council", b.DevilsAdvocate.CritiqueMemberID)
			}
		}
	}
	if b.Synthesis.Strategy == StrategyMetaSynthesis &&
		b.Synthesis.ModeratorStrategy == ModeratorPermanent {
		if _, ok := b.Council.Member(b.Synthesis.ModeratorMemberID); !ok {
			return ConfigErrorf("synthesis: moderator %q is not in the council", b.Synthesis.ModeratorMemberID)
		}
	}
	return nil
}

// Clone returns a deep copy so callers can't mutate shared snapshots.
func (b *Bundle) Clone() *Bundle {
	out := *b
	out.Council.Members = append([]council.CouncilMember(nil), b.Council.Members...)
	out.Council.Tools = append([]council.ToolDefinition(nil), b.Council.Tools...)
	if b.Synthesis.Weights != nil {
		out.Synthesis.Weights = make(map[string]float64, len(b.Synthesis.Weights))
		for k, v := range b.Synthesis.Weights {
			out.Synthesis.Weights[k] = v
		}
	}
	if b.DevilsAdvocate != nil {
		da := *b.DevilsAdvocate
		out.DevilsAdvocate = &da
	}
	return &out
}

// DefaultBundle is the compiled-in configuration used when the store has no
// active rows, and the base onto which presets apply.
func DefaultBundle() *Bundle {
	return &Bundle{
		Council: CouncilConfig{
			Members: []council.CouncilMember{
				{
					ID:          "analyst",
					ProviderTag: "anthropic",
					ModelName:   "claude-sonnet",
					TimeoutSec:  45,
					Retry:       council.DefaultRetryPolicy(),
					Weight:      1.0,
				},
				{
					ID:          "generalist",
					ProviderTag: "openai",
					ModelName:   "gpt-4o",
					TimeoutSec:  45,
					Retry:       council.DefaultRetryPolicy(),
					Weight:      1.0,
				},
				{
					ID:          "researcher",
					ProviderTag: "google",
					ModelName:   "gemini-pro",
					TimeoutSec:  45,
					Retry:       council.DefaultRetryPolicy(),
					Weight:      1.0,
				},
			},
			MinimumSize:                2,
			RequireMinimumForConsensus: true,
		},
		Deliberation: DeliberationConfig{
			Rounds:                    1,
			ShowOwnResponse:           false,
			EarlyTerminationThreshold: 0.95,
		},
		Synthesis: SynthesisConfig{
			Strategy:           StrategyConsensusExtraction,
			AgreementThreshold: 0.8,
		},
		Performance: PerformanceConfig{
			GlobalTimeoutMs: 120_000,
		},
		Transparency: TransparencyConfig{
			Enabled:               true,
			RetainDeliberation:    true,
			IncludeMemberOutcomes: true,
		},
		DevilsAdvocate: &DevilsAdvocateConfig{
			Enabled:             false,
			ApplyToCodeRequests: true,
			ApplyToTextRequests: false,
		},
	}
}
