package config

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKnownPreset(t *testing.T) {
	assert.True(t, KnownPreset("balanced"))
	assert.True(t, KnownPreset("fast"))
	assert.True(t, KnownPreset("thorough"))
	assert.False(t, KnownPreset("invalid-preset"))
	assert.False(t, KnownPreset(""))
}

func TestPresetNames_SortedAndComplete(t *testing.T) {
	names := PresetNames()
	require.NotEmpty(t, names)
	for i := 1; i < len(names); i++ {
		assert.Less(t, names[i-1], names[i])
	}
	for _, name := range names {
		assert.True(t, KnownPreset(name))
	}
}

func TestPreset_Apply_FastSubset(t *testing.T) {
	fast, ok := PresetByName("fast")
	require.True(t, ok)

	b := DefaultBundle()
	require.NoError(t, fast.Apply(b))

	assert.Len(t, b.Council.Members, 2)
	assert.Equal(t, 0, b.Deliberation.Rounds)
	assert.LessOrEqual(t, b.Council.MinimumSize, len(b.Council.Members))
	require.NoError(t, b.Validate())
}

func TestPreset_Apply_ThoroughRounds(t *testing.T) {
	thorough, ok := PresetByName("thorough")
	require.True(t, ok)

	b := DefaultBundle()
	require.NoError(t, thorough.Apply(b))
	assert.Equal(t, 3, b.Deliberation.Rounds)
	assert.True(t, b.Deliberation.ShowOwnResponse)
}

func TestPreset_Apply_WeightedDerivesWeights(t *testing.T) {
	weighted, ok := PresetByName("weighted")
	require.True(t, ok)

	b := DefaultBundle()
	require.Empty(t, b.Synthesis.Weights)
	require.NoError(t, weighted.Apply(b))

	assert.Equal(t, StrategyWeightedFusion, b.Synthesis.Strategy)
	assert.Len(t, b.Synthesis.Weights, len(b.Council.Members))
	for id, w := range b.Synthesis.Weights {
		assert.Greater(t, w, 0.0, "weight for %s", id)
	}
}

func TestResolve_UnknownPresetFailsBeforeStoreIO(t *testing.T) {
	// A store over a nil handle panics on any query; reaching the error
	// without a panic proves validation happens before store access.
	store := NewStore(nil, 0)
	_, err := store.Resolve(context.Background(), "invalid-preset")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownPreset))
}

func TestStaticSource_Resolve(t *testing.T) {
	src := NewStaticSource(nil)
	ctx := context.Background()

	_, err := src.Resolve(ctx, "invalid-preset")
	assert.True(t, errors.Is(err, ErrUnknownPreset))

	b, err := src.Resolve(ctx, "fast")
	require.NoError(t, err)
	assert.Len(t, b.Council.Members, 2)

	plain, err := src.Resolve(ctx, "")
	require.NoError(t, err)
	assert.Len(t, plain.Council.Members, 3)
}
