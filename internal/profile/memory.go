package profile

import (
	"context"
	"sort"
	"sync"
)

// InMemoryStore is an in-memory implementation of Store.
// Used for testing and development. Thread-safe via RWMutex.
type InMemoryStore struct {
	mu        sync.RWMutex
	users     map[string]User
	tags      map[string]Tag
	userTags  map[string][]string                  // userID -> tag names, insertion order
	judgments map[JudgmentKind]map[string][]string // kind -> sourceID -> targetIDs
}

// NewInMemoryStore creates a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:    make(map[string]User),
		tags:     make(map[string]Tag),
		userTags: make(map[string][]string),
		judgments: map[JudgmentKind]map[string][]string{
			JudgmentLike:    make(map[string][]string),
			JudgmentDislike: make(map[string][]string),
		},
	}
}

// AddUser stores a copy of the user, replacing any user with the same id.
func (s *InMemoryStore) AddUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u.clone()
}

// AddTag stores a copy of the tag, replacing any tag with the same name.
func (s *InMemoryStore) AddTag(t Tag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags[t.Name] = t.clone()
}

// AddUserTag associates a tag name with a user. Duplicate pairs are ignored.
func (s *InMemoryStore) AddUserTag(ut UserTag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range s.userTags[ut.UserID] {
		if name == ut.TagName {
			return
		}
	}
	s.userTags[ut.UserID] = append(s.userTags[ut.UserID], ut.TagName)
}

// AddJudgment records a like or dislike.
func (s *InMemoryStore) AddJudgment(j Judgment) error {
	if !ValidJudgmentKind(j.Kind) {
		return ErrInvalidJudgmentKind
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.judgments[j.Kind][j.SourceUserID] = append(s.judgments[j.Kind][j.SourceUserID], j.TargetUserID)
	return nil
}

// GetUser returns a copy of the user or ErrUserNotFound.
func (s *InMemoryStore) GetUser(ctx context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	result := u.clone()
	return &result, nil
}

// ListCandidates returns copies of all users not in exclude, ordered by id.
func (s *InMemoryStore) ListCandidates(ctx context.Context, exclude []string) ([]User, error) {
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]User, 0, len(s.users))
	for id, u := range s.users {
		if _, excluded := skip[id]; excluded {
			continue
		}
		result = append(result, u.clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// TagNamesForUsers returns copies of the tag names for each requested user.
func (s *InMemoryStore) TagNamesForUsers(ctx context.Context, userIDs []string) (map[string][]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string][]string, len(userIDs))
	for _, id := range userIDs {
		names, ok := s.userTags[id]
		if !ok {
			continue
		}
		namesCopy := make([]string, len(names))
		copy(namesCopy, names)
		result[id] = namesCopy
	}
	return result, nil
}

// JudgedTargets returns the targets of sourceID's judgments of kind.
func (s *InMemoryStore) JudgedTargets(ctx context.Context, sourceID string, kind JudgmentKind) ([]string, error) {
	if !ValidJudgmentKind(kind) {
		return nil, ErrInvalidJudgmentKind
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	targets := s.judgments[kind][sourceID]
	result := make([]string, len(targets))
	copy(result, targets)
	return result, nil
}

// GetTags returns copies of the known tags among names.
func (s *InMemoryStore) GetTags(ctx context.Context, names []string) (map[string]Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]Tag, len(names))
	for _, name := range names {
		if t, ok := s.tags[name]; ok {
			result[name] = t.clone()
		}
	}
	return result, nil
}
