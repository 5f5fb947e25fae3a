package profile

import (
	"context"
	"errors"
)

// Store errors.
var (
	// ErrUserNotFound is returned when a user id does not resolve.
	ErrUserNotFound = errors.New("user not found")

	// ErrStoreUnavailable wraps any failure of the backing store.
	ErrStoreUnavailable = errors.New("profile store unavailable")

	// ErrInvalidJudgmentKind is returned for a kind other than like or dislike.
	ErrInvalidJudgmentKind = errors.New("invalid judgment kind: must be like or dislike")
)

// UserStore provides read access to user profiles.
type UserStore interface {
	// GetUser returns the user or ErrUserNotFound.
	GetUser(ctx context.Context, id string) (*User, error)

	// ListCandidates returns every user whose id is not in exclude.
	ListCandidates(ctx context.Context, exclude []string) ([]User, error)
}

// TagCatalog resolves tag names to tags.
type TagCatalog interface {
	// GetTags returns the tags known for the given names, keyed by name.
	// Unknown names are absent from the result and are not an error.
	GetTags(ctx context.Context, names []string) (map[string]Tag, error)
}

// AssociationStore provides user-to-tag associations.
type AssociationStore interface {
	// TagNamesForUsers returns tag names per user id. Users without tags
	// may be absent from the result.
	TagNamesForUsers(ctx context.Context, userIDs []string) (map[string][]string, error)
}

// JudgmentStore provides the targets of a user's prior likes and dislikes.
type JudgmentStore interface {
	// JudgedTargets returns the target ids of sourceID's judgments of the given kind.
	JudgedTargets(ctx context.Context, sourceID string, kind JudgmentKind) ([]string, error)
}

// Store bundles every read capability the ranking engine consumes.
type Store interface {
	UserStore
	AssociationStore
	JudgmentStore
	TagCatalog
}

// ValidJudgmentKind reports whether kind is like or dislike.
func ValidJudgmentKind(kind JudgmentKind) bool {
	return kind == JudgmentLike || kind == JudgmentDislike
}
