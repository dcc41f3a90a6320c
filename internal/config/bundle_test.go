package config

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultBundle_IsValid(t *testing.T) {
	require.NoError(t, DefaultBundle().Validate())
}

func TestCouncilConfig_Validate(t *testing.T) {
	b := DefaultBundle()

	b.Council.Members = b.Council.Members[:1]
	assert.Error(t, b.Council.Validate(), "a single-member council is not a council")

	b = DefaultBundle()
	b.Council.MinimumSize = 0
	assert.Error(t, b.Council.Validate())

	b = DefaultBundle()
	b.Council.MinimumSize = len(b.Council.Members) + 1
	assert.Error(t, b.Council.Validate())

	b = DefaultBundle()
	b.Council.Members[1].ID = b.Council.Members[0].ID
	assert.Error(t, b.Council.Validate(), "duplicate member ids must be rejected")
}

func TestSynthesisConfig_WeightedFusionValidation(t *testing.T) {
	base := SynthesisConfig{Strategy: StrategyWeightedFusion, AgreementThreshold: 0.8}

	empty := base
	assert.Error(t, empty.Validate(), "empty weights map")

	zero := base
	zero.Weights = map[string]float64{"analyst": 0}
	assert.Error(t, zero.Validate())

	negative := base
	negative.Weights = map[string]float64{"analyst": -1}
	assert.Error(t, negative.Validate())

	nan := base
	nan.Weights = map[string]float64{"analyst": math.NaN()}
	assert.Error(t, nan.Validate())

	inf := base
	inf.Weights = map[string]float64{"analyst": math.Inf(1)}
	assert.Error(t, inf.Validate())

	ok := base
	ok.Weights = map[string]float64{"analyst": 2, "generalist": 1}
	assert.NoError(t, ok.Validate())
}

func TestSynthesisConfig_VariantPayloadsAreExclusive(t *testing.T) {
	mixed := SynthesisConfig{
		Strategy:           StrategyConsensusExtraction,
		AgreementThreshold: 0.8,
		Weights:            map[string]float64{"analyst": 1},
	}
	assert.Error(t, mixed.Validate(), "weights on consensus-extraction")

	moderated := SynthesisConfig{
		Strategy:           StrategyConsensusExtraction,
		AgreementThreshold: 0.8,
		ModeratorStrategy:  ModeratorRotate,
	}
	assert.Error(t, moderated.Validate(), "moderator config on consensus-extraction")

	permanentNoID := SynthesisConfig{
		Strategy:           StrategyMetaSynthesis,
		AgreementThreshold: 0.8,
		ModeratorStrategy:  ModeratorPermanent,
	}
	assert.Error(t, permanentNoID.Validate())

	unknown := SynthesisConfig{Strategy: "vote", AgreementThreshold: 0.8}
	assert.Error(t, unknown.Validate())
}

func TestBundle_ValidateCrossReferences(t *testing.T) {
	b := DefaultBundle()
	b.Synthesis = SynthesisConfig{
		Strategy:           StrategyMetaSynthesis,
		AgreementThreshold: 0.8,
		ModeratorStrategy:  ModeratorPermanent,
		ModeratorMemberID:  "nobody",
	}
	assert.Error(t, b.Validate(), "moderator must be a council member")

	b = DefaultBundle()
	b.DevilsAdvocate.CritiqueMemberID = "nobody"
	assert.Error(t, b.Validate(), "critique member must be a council member")
}

func TestBundle_CloneIsIndependent(t *testing.T) {
	b := DefaultBundle()
	b.Synthesis.Weights = map[string]float64{"analyst": 1}

	clone := b.Clone()
	clone.Council.Members[0].ID = "mutated"
	clone.Synthesis.Weights["analyst"] = 99
	clone.DevilsAdvocate.Enabled = true

	assert.Equal(t, "analyst", b.Council.Members[0].ID)
	assert.Equal(t, 1.0, b.Synthesis.Weights["analyst"])
	assert.False(t, b.DevilsAdvocate.Enabled)
}

func TestDeliberationConfig_RoundBounds(t *testing.T) {
	d := DeliberationConfig{Rounds: 6, EarlyTerminationThreshold: 0.95}
	assert.Error(t, d.Validate())
	d.Rounds = -1
	assert.Error(t, d.Validate())
	d.Rounds = 5
	assert.NoError(t, d.Validate())
	d.Rounds = 0
	assert.NoError(t, d.Validate())
}

func TestStaticSource_ServesCopies(t *testing.T) {
	src := NewStaticSource(nil)
	ctx := context.Background()

	a, err := src.ActiveBundle(ctx)
	require.NoError(t, err)
	a.Council.Members[0].ID = "mutated"

	b, err := src.ActiveBundle(ctx)
	require.NoError(t, err)
	assert.Equal(t, "analyst", b.Council.Members[0].ID)
}
