package nemesis

import (
	"github.com/onnwee/nemesis/internal/profile"
	"github.com/onnwee/nemesis/internal/vector"
)

// Components holds the three signals composed into a nemesis score.
type Components struct {
	Profile      float64 `json:"profile"`
	TagEmbedding float64 `json:"tag_embedding"`
	TagOverlap   float64 `json:"tag_overlap"`
}

// CandidateScore is the score computed for one candidate during one request.
// It is never persisted or cached.
type CandidateScore struct {
	UserID     string     `json:"user_id"`
	Score      float64    `json:"score"`
	Components Components `json:"components"`
}

// fallbackCounts records how often the neutral value was substituted while
// scoring one candidate.
type fallbackCounts struct {
	profile      int // 1 when the candidate had no usable embedding
	tagEmbedding int // 1 when the tag cross product was empty
	tagPairs     int // pairs in the cross product lacking a usable embedding
}

func (f *fallbackCounts) add(o fallbackCounts) {
	f.profile += o.profile
	f.tagEmbedding += o.tagEmbedding
	f.tagPairs += o.tagPairs
}

// pairScore returns the anti-similarity of two tag embeddings, or
// NeutralScore when either is missing or the distance is undefined.
func pairScore(a, b []float32) (float64, bool) {
	if len(a) == 0 || len(b) == 0 {
		return NeutralScore, false
	}
	score, ok := vector.AntiSimilarity(a, b)
	if !ok {
		return NeutralScore, false
	}
	return score, true
}

// TagEmbeddingScore averages pairwise tag anti-similarity over the full
// cross product requester × candidate. Pairs lacking an embedding on either
// side contribute NeutralScore; they are not dropped from the denominator.
// Returns NeutralScore when either side has no tags.
func TagEmbeddingScore(requester, candidate []profile.Tag) float64 {
	score, _ := tagEmbeddingScore(requester, candidate)
	return score
}

func tagEmbeddingScore(requester, candidate []profile.Tag) (float64, fallbackCounts) {
	var fb fallbackCounts
	if len(requester) == 0 || len(candidate) == 0 {
		fb.tagEmbedding = 1
		return NeutralScore, fb
	}

	var sum float64
	for _, r := range requester {
		for _, c := range candidate {
			s, ok := pairScore(r.Embedding, c.Embedding)
			if !ok {
				fb.tagPairs++
			}
			sum += s
		}
	}
	return sum / float64(len(requester)*len(candidate)), fb
}

// TagOverlapScore returns 1 minus the fraction of the candidate's distinct
// tags that the requester also has. A candidate without tags scores 1.
func TagOverlapScore(candidate []string, requester map[string]struct{}) float64 {
	seen := make(map[string]struct{}, len(candidate))
	overlap := 0
	for _, name := range candidate {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if _, shared := requester[name]; shared {
			overlap++
		}
	}

	if len(seen) == 0 {
		return 1
	}
	return 1 - float64(overlap)/float64(len(seen))
}

// ProfileComponent returns the anti-similarity between the candidate's
// embedding and the reference vector, or NeutralScore when the candidate has
// no usable embedding.
func ProfileComponent(candidate, reference []float32) float64 {
	score, _ := profileComponent(candidate, reference)
	return score
}

func profileComponent(candidate, reference []float32) (float64, bool) {
	if len(candidate) == 0 {
		return NeutralScore, false
	}
	score, ok := vector.AntiSimilarity(candidate, reference)
	if !ok {
		return NeutralScore, false
	}
	return score, true
}

// ComposeScore combines the components using the given weights (defaults if
// nil). The result is clamped to [0, 1].
func ComposeScore(c Components, weights *Weights) float64 {
	if weights == nil {
		weights = DefaultWeights()
	}

	score := (c.Profile * weights.Profile) +
		(c.TagEmbedding * weights.TagEmbedding) +
		(c.TagOverlap * weights.TagOverlap)

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
