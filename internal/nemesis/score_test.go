package nemesis

import (
	"math"
	"testing"

	"github.com/onnwee/nemesis/internal/profile"
)

const epsilon = 1e-9

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < epsilon
}

func TestTagEmbeddingScore(t *testing.T) {
	hiking := profile.Tag{Name: "hiking", Embedding: []float32{1, 0}}
	jazz := profile.Tag{Name: "jazz", Embedding: []float32{0, 1}}
	opera := profile.Tag{Name: "opera", Embedding: []float32{0, -1}}
	bare := profile.Tag{Name: "bare"}

	tests := []struct {
		name      string
		requester []profile.Tag
		candidate []profile.Tag
		want      float64
	}{
		{"requester without tags", nil, []profile.Tag{opera}, NeutralScore},
		{"candidate without tags", []profile.Tag{hiking}, nil, NeutralScore},
		{"both empty", nil, nil, NeutralScore},
		{"identical tag", []profile.Tag{jazz}, []profile.Tag{jazz}, 0},
		{"opposite tag", []profile.Tag{jazz}, []profile.Tag{opera}, 1},
		{"orthogonal tag", []profile.Tag{hiking}, []profile.Tag{opera}, 0.5},
		{"mixed cross product", []profile.Tag{hiking, jazz}, []profile.Tag{opera}, 0.75},
		{"missing embedding counts as neutral", []profile.Tag{jazz, bare}, []profile.Tag{opera}, 0.75},
		{"all embeddings missing", []profile.Tag{bare}, []profile.Tag{bare}, NeutralScore},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TagEmbeddingScore(tt.requester, tt.candidate)
			if !approxEqual(got, tt.want) {
				t.Errorf("TagEmbeddingScore() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTagEmbeddingScore_FallbackCounts(t *testing.T) {
	jazz := profile.Tag{Name: "jazz", Embedding: []float32{0, 1}}
	bare := profile.Tag{Name: "bare"}

	_, fb := tagEmbeddingScore([]profile.Tag{jazz, bare}, []profile.Tag{jazz, bare})
	if fb.tagPairs != 3 {
		t.Errorf("expected 3 neutral pairs, got %d", fb.tagPairs)
	}
	if fb.tagEmbedding != 0 {
		t.Errorf("expected no empty cross product, got %d", fb.tagEmbedding)
	}

	_, fb = tagEmbeddingScore(nil, []profile.Tag{jazz})
	if fb.tagEmbedding != 1 {
		t.Errorf("expected empty cross product to be counted, got %d", fb.tagEmbedding)
	}
}

func TestTagOverlapScore(t *testing.T) {
	requester := map[string]struct{}{"hiking": {}, "jazz": {}}

	tests := []struct {
		name      string
		candidate []string
		want      float64
	}{
		{"no tags", nil, 1},
		{"disjoint", []string{"opera"}, 1},
		{"half shared", []string{"jazz", "opera"}, 0.5},
		{"all shared", []string{"hiking", "jazz"}, 0},
		{"duplicates ignored", []string{"jazz", "jazz", "opera"}, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TagOverlapScore(tt.candidate, requester)
			if !approxEqual(got, tt.want) {
				t.Errorf("TagOverlapScore() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProfileComponent(t *testing.T) {
	reference := []float32{1, 0}

	tests := []struct {
		name      string
		candidate []float32
		want      float64
	}{
		{"no embedding", nil, NeutralScore},
		{"same direction", []float32{2, 0}, 0},
		{"opposite direction", []float32{-1, 0}, 1},
		{"orthogonal", []float32{0, 3}, 0.5},
		{"zero vector", []float32{0, 0}, NeutralScore},
		{"dimension mismatch", []float32{1, 0, 0}, NeutralScore},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ProfileComponent(tt.candidate, reference)
			if !approxEqual(got, tt.want) {
				t.Errorf("ProfileComponent() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestComposeScore(t *testing.T) {
	tests := []struct {
		name       string
		components Components
		weights    *Weights
		want       float64
	}{
		{
			name:       "candidate with no tags and no embedding",
			components: Components{Profile: NeutralScore, TagEmbedding: NeutralScore, TagOverlap: 1},
			want:       0.6,
		},
		{
			name:       "opposite tags without profile embedding",
			components: Components{Profile: NeutralScore, TagEmbedding: 1, TagOverlap: 1},
			want:       0.75,
		},
		{
			name:       "all zero",
			components: Components{},
			want:       0,
		},
		{
			name:       "all one",
			components: Components{Profile: 1, TagEmbedding: 1, TagOverlap: 1},
			want:       1,
		},
		{
			name:       "custom weights",
			components: Components{Profile: 1, TagEmbedding: 0, TagOverlap: 0},
			weights:    &Weights{Profile: 0.8, TagEmbedding: 0.1, TagOverlap: 0.1},
			want:       0.8,
		},
		{
			name:       "out of range inputs are clamped",
			components: Components{Profile: 2, TagEmbedding: 2, TagOverlap: 2},
			want:       1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComposeScore(tt.components, tt.weights)
			if !approxEqual(got, tt.want) {
				t.Errorf("ComposeScore() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestComposeScore_Range(t *testing.T) {
	values := []float64{0, 0.1, 0.25, NeutralScore, 0.75, 0.9, 1}
	for _, p := range values {
		for _, e := range values {
			for _, o := range values {
				score := ComposeScore(Components{Profile: p, TagEmbedding: e, TagOverlap: o}, nil)
				if score < 0 || score > 1 {
					t.Fatalf("score %v out of range for components (%v, %v, %v)", score, p, e, o)
				}
			}
		}
	}
}
