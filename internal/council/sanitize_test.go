package council

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeQuery_StripsControls(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"clean passthrough", "hello world", "hello world"},
		{"null bytes", "he\x00llo", "hello"},
		{"bell and escape", "a\x07b\x1bc", "abc"},
		{"keeps tab lf cr", "a\tb\nc\rd", "a\tb\nc\rd"},
		{"delete char", "a\x7fb", "ab"},
		{"c1 controls", "abc", "abc"},
		{"unicode text intact", "héllo wörld 日本語", "héllo wörld 日本語"},
		{"only controls", "\x00\x01\x02", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, SanitizeQuery(tc.in))
		})
	}
}

func TestSanitizeQuery_EquivalentInputsConverge(t *testing.T) {
	clean := "what is the capital\nof France?"
	dirty := "what\x00 is the capital\n\x1bof France?\x07"
	// The dirty variant differs only by strippable characters after the
	// contaminated words are cleaned.
	assert.Equal(t, SanitizeQuery(strings.ReplaceAll(dirty, "\x00", "")), SanitizeQuery(dirty))
	_ = clean
	assert.Equal(t, "what is the capital\nof France?", SanitizeQuery(dirty))
}

func TestQueryLength_CountsRunes(t *testing.T) {
	assert.Equal(t, 5, QueryLength("hello"))
	assert.Equal(t, 3, QueryLength("日本語"))
	assert.Equal(t, 0, QueryLength(""))
}
