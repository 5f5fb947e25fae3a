// Package profile provides the read-only user, tag and judgment data the
// nemesis ranking engine scores against.
package profile

import (
	"time"

	"github.com/onnwee/nemesis/internal/vector"
)

// JudgmentKind distinguishes likes from dislikes.
type JudgmentKind string

// Valid judgment kinds.
const (
	JudgmentLike    JudgmentKind = "like"
	JudgmentDislike JudgmentKind = "dislike"
)

// User represents a profile owned by the identity subsystem.
// Embedding is nil when the profile has not been embedded yet.
type User struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name,omitempty"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	Bio         string    `json:"bio,omitempty"`
	Embedding   []float32 `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HasEmbedding reports whether the user carries a profile embedding.
func (u *User) HasEmbedding() bool {
	return len(u.Embedding) > 0
}

// clone returns a deep copy so stores never hand out shared slices.
func (u User) clone() User {
	u.Embedding = vector.Clone(u.Embedding)
	return u
}

// Tag is shared, immutable reference data keyed by name.
type Tag struct {
	Name      string    `json:"name"`
	Embedding []float32 `json:"-"`
}

// HasEmbedding reports whether the tag carries an embedding.
func (t *Tag) HasEmbedding() bool {
	return len(t.Embedding) > 0
}

func (t Tag) clone() Tag {
	t.Embedding = vector.Clone(t.Embedding)
	return t
}

// UserTag associates a user with a tag.
type UserTag struct {
	UserID  string `json:"user_id"`
	TagName string `json:"tag_name"`
}

// Judgment records a prior like or dislike from SourceUserID to TargetUserID.
type Judgment struct {
	SourceUserID string       `json:"source_user_id"`
	TargetUserID string       `json:"target_user_id"`
	Kind         JudgmentKind `json:"kind"`
}
