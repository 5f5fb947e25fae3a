// Package vector provides distance functions for comparing embedding vectors.
package vector

import "math"

// CosineSimilarity computes the cosine of the angle between a and b.
// Returns a value in [-1, 1] and ok=false when the similarity is undefined:
// vectors of different length, empty vectors, or a zero-norm vector.
func CosineSimilarity(a, b []float32) (float64, bool) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, false
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0, false
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))

	// Rounding can push the ratio marginally past the unit interval.
	if sim > 1 {
		sim = 1
	} else if sim < -1 {
		sim = -1
	}
	return sim, true
}

// CosineDistance returns 1 - cosine similarity, matching pgvector's <=>
// operator. The result is in [0, 2]: 0 for identical direction, 2 for
// opposite direction.
func CosineDistance(a, b []float32) (float64, bool) {
	sim, ok := CosineSimilarity(a, b)
	if !ok {
		return 0, false
	}
	return 1 - sim, true
}

// AntiSimilarity maps cosine distance onto [0, 1]: 0 for identical
// direction, 0.5 for orthogonal vectors and 1 for opposite directions.
func AntiSimilarity(a, b []float32) (float64, bool) {
	dist, ok := CosineDistance(a, b)
	if !ok {
		return 0, false
	}
	return dist / 2, true
}

// Negate returns a new vector pointing in the opposite direction.
func Negate(v []float32) []float32 {
	if v == nil {
		return nil
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = -x
	}
	return out
}

// Clone returns a copy of v, preserving nil.
func Clone(v []float32) []float32 {
	if v == nil {
		return nil
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
