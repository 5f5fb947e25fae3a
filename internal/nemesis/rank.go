package nemesis

import "sort"

// Rank orders scores by score descending, breaking ties by user id ascending,
// and returns the window [offset, offset+limit). The input slice is not
// modified. An offset at or beyond len(scores) yields an empty slice.
func Rank(scores []CandidateScore, limit, offset int) []CandidateScore {
	if limit <= 0 || offset < 0 || offset >= len(scores) {
		return []CandidateScore{}
	}

	sorted := make([]CandidateScore, len(scores))
	copy(sorted, scores)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		return sorted[i].UserID < sorted[j].UserID
	})

	end := len(sorted)
	if limit < end-offset {
		end = offset + limit
	}
	return sorted[offset:end]
}
