package engine

import (
	"fmt"
	"math"

	"github.com/scrypster/sage/pkg/types"
)

// Weights controls how the three per-fragment similarities combine into one
// relevance score. They should sum to 1.0 so scores stay comparable across
// configurations.
type Weights struct {
	Category float64 `yaml:"category"`
	Content  float64 `yaml:"content"`
	Combined float64 `yaml:"combined"`
}

// DefaultWeights favors the category heading: it is short, curated text and
// discriminates topics better than raw content.
func DefaultWeights() Weights {
	return Weights{Category: 0.40, Content: 0.30, Combined: 0.30}
}

// cosineSimilarity computes the cosine of the angle between two vectors,
// normalizing on the fly; stored vectors are not assumed unit-length.
// A zero-magnitude vector yields 0. Mismatched lengths are an invariant
// violation and return an error rather than a silent 0.
func cosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", types.ErrDimensionMismatch, len(a), len(b))
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}

// scoreFragment computes the weighted relevance of a fragment for the query
// vector. Fragments carrying all three embeddings get the weighted blend;
// legacy rows with only a combined vector are scored by it alone, at full
// weight, so mixed collections rank fairly. Fragments without any embedding
// score 0.
func scoreFragment(query []float32, f *types.Fragment, w Weights) (float64, error) {
	if !f.HasAnyEmbedding() {
		return 0, nil
	}

	if f.IsLegacy() {
		return cosineSimilarity(query, f.CombinedEmbedding)
	}

	var score float64
	if f.CategoryEmbedding != nil {
		s, err := cosineSimilarity(query, f.CategoryEmbedding)
		if err != nil {
			return 0, err
		}
		score += w.Category * s
	}
	if f.ContentEmbedding != nil {
		s, err := cosineSimilarity(query, f.ContentEmbedding)
		if err != nil {
			return 0, err
		}
		score += w.Content * s
	}
	if f.CombinedEmbedding != nil {
		s, err := cosineSimilarity(query, f.CombinedEmbedding)
		if err != nil {
			return 0, err
		}
		score += w.Combined * s
	}
	return score, nil
}
