// Package similarity measures textual agreement between council responses.
//
// The measure is cosine similarity over lowercased word-frequency vectors,
// tokenized on unicode letter/digit boundaries. Identical texts score 1.0,
// texts with disjoint vocabulary score 0.0. The same measure backs both
// deliberation early-termination and consensus extraction, so thresholds
// configured for one are comparable to the other.
package similarity

import (
	"math"
	"strings"
	"unicode"
)

// Cosine returns the cosine similarity of two texts in [0,1].
func Cosine(a, b string) float64 {
	va := vectorize(a)
	vb := vectorize(b)
	if len(va) == 0 || len(vb) == 0 {
		if len(va) == 0 && len(vb) == 0 {
			return 1.0
		}
		return 0.0
	}

	var dot, normA, normB float64
	for term, fa := range va {
		normA += float64(fa) * float64(fa)
		if fb, ok := vb[term]; ok {
			dot += float64(fa) * float64(fb)
		}
	}
	for _, fb := range vb {
		normB += float64(fb) * float64(fb)
	}
	if normA == 0 || normB == 0 {
		return 0.0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// MeanPairwise returns the mean cosine similarity over all unordered pairs.
// A single text trivially agrees with itself and scores 1.0; no texts score
// 0.0.
func MeanPairwise(texts []string) float64 {
	switch len(texts) {
	case 0:
		return 0.0
	case 1:
		return 1.0
	}
	var sum float64
	var pairs int
	for i := 0; i < len(texts); i++ {
		for j := i + 1; j < len(texts); j++ {
			sum += Cosine(texts[i], texts[j])
			pairs++
		}
	}
	return sum / float64(pairs)
}

// Matrix computes the full pairwise similarity matrix. The diagonal is 1.0.
func Matrix(texts []string) [][]float64 {
	n := len(texts)
	m := make([][]float64, n)
	for i := range m {
		m[i] = make([]float64, n)
		m[i][i] = 1.0
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			s := Cosine(texts[i], texts[j])
			m[i][j] = s
			m[j][i] = s
		}
	}
	return m
}

// AllAbove reports whether every unordered pair of texts scores at least
// threshold. Vacuously true for fewer than two texts.
func AllAbove(texts []string, threshold float64) bool {
	for i := 0; i < len(texts); i++ {
		for j := i + 1; j < len(texts); j++ {
			if Cosine(texts[i], texts[j]) < threshold {
				return false
			}
		}
	}
	return true
}

func vectorize(text string) map[string]int {
	freq := make(map[string]int)
	var word strings.Builder
	flush := func() {
		if word.Len() > 0 {
			freq[word.String()]++
			word.Reset()
		}
	}
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			word.WriteRune(unicode.ToLower(r))
		} else {
			flush()
		}
	}
	flush()
	return freq
}
