package nemesis

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/onnwee/nemesis/internal/profile"
)

// ExclusionSet holds the user ids that may never appear in a requester's
// ranking: the requester and every user they already liked or disliked.
type ExclusionSet struct {
	ids map[string]struct{}
}

// NewExclusionSet builds a set from the given ids.
func NewExclusionSet(ids ...string) ExclusionSet {
	set := ExclusionSet{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		set.ids[id] = struct{}{}
	}
	return set
}

// Contains reports whether id is excluded.
func (s ExclusionSet) Contains(id string) bool {
	_, ok := s.ids[id]
	return ok
}

// Len returns the number of excluded ids.
func (s ExclusionSet) Len() int {
	return len(s.ids)
}

// IDs returns the excluded ids in ascending order.
func (s ExclusionSet) IDs() []string {
	ids := make([]string, 0, len(s.ids))
	for id := range s.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ResolveExclusions returns {requester} ∪ liked targets ∪ disliked targets.
// Returns an error wrapping ErrNotFound if the requester does not exist and
// ErrStoreUnavailable for any store failure.
func ResolveExclusions(ctx context.Context, users profile.UserStore, judgments profile.JudgmentStore, requesterID string) (ExclusionSet, error) {
	if _, err := users.GetUser(ctx, requesterID); err != nil {
		if errors.Is(err, profile.ErrUserNotFound) {
			return ExclusionSet{}, fmt.Errorf("%w: %s", ErrNotFound, requesterID)
		}
		return ExclusionSet{}, fmt.Errorf("failed to load requester: %w: %w", ErrStoreUnavailable, err)
	}

	set := NewExclusionSet(requesterID)
	for _, kind := range []profile.JudgmentKind{profile.JudgmentLike, profile.JudgmentDislike} {
		targets, err := judgments.JudgedTargets(ctx, requesterID, kind)
		if err != nil {
			return ExclusionSet{}, fmt.Errorf("failed to load %s judgments: %w: %w", kind, ErrStoreUnavailable, err)
		}
		for _, id := range targets {
			set.ids[id] = struct{}{}
		}
	}
	return set, nil
}
