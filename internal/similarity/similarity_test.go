package similarity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCosine_IdenticalTexts(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine("the quick brown fox", "the quick brown fox"), 1e-9)
}

func TestCosine_CaseAndPunctuationInsensitive(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine("Hello, World!", "hello world"), 1e-9)
}

func TestCosine_DisjointVocabulary(t *testing.T) {
	assert.Equal(t, 0.0, Cosine("alpha beta gamma", "delta epsilon zeta"))
}

func TestCosine_PartialOverlap(t *testing.T) {
	s := Cosine("paris is the capital of france", "paris is the capital of germany")
	assert.Greater(t, s, 0.5)
	assert.Less(t, s, 1.0)
}

func TestCosine_EmptyTexts(t *testing.T) {
	assert.Equal(t, 1.0, Cosine("", ""))
	assert.Equal(t, 0.0, Cosine("something", ""))
	assert.Equal(t, 0.0, Cosine("", "something"))
}

func TestCosine_Symmetric(t *testing.T) {
	a, b := "one two three", "two three four"
	assert.InDelta(t, Cosine(a, b), Cosine(b, a), 1e-12)
}

func TestMeanPairwise(t *testing.T) {
	assert.Equal(t, 0.0, MeanPairwise(nil))
	assert.Equal(t, 1.0, MeanPairwise([]string{"solo"}))
	assert.InDelta(t, 1.0, MeanPairwise([]string{"same text", "same text", "same text"}), 1e-9)

	mixed := MeanPairwise([]string{"alpha beta", "alpha beta", "gamma delta"})
	assert.Greater(t, mixed, 0.0)
	assert.Less(t, mixed, 1.0)
}

func TestMatrix(t *testing.T) {
	m := Matrix([]string{"a b c", "a b c", "x y z"})
	assert.Equal(t, 1.0, m[0][0])
	assert.InDelta(t, 1.0, m[0][1], 1e-9)
	assert.Equal(t, 0.0, m[0][2])
	assert.Equal(t, m[1][2], m[2][1])
}

func TestAllAbove(t *testing.T) {
	near := []string{
		"the answer is 42",
		"the answer is 42",
		"the answer is 42 exactly",
	}
	assert.True(t, AllAbove(near, 0.8))
	assert.False(t, AllAbove([]string{"the answer is 42", "completely different words here"}, 0.8))
	// Fewer than two texts is vacuous agreement.
	assert.True(t, AllAbove([]string{"single"}, 0.99))
	assert.True(t, AllAbove(nil, 0.99))
}
