package nemesis

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/onnwee/nemesis/internal/profile"
)

var reference = []float32{1, 0}

func newTestEngine(store profile.Store) *Engine {
	return NewEngine(store, EngineConfig{Dimensions: 2, Workers: 2})
}

func mustJudge(t *testing.T, store *profile.InMemoryStore, source, target string, kind profile.JudgmentKind) {
	t.Helper()
	if err := store.AddJudgment(profile.Judgment{SourceUserID: source, TargetUserID: target, Kind: kind}); err != nil {
		t.Fatalf("AddJudgment failed: %v", err)
	}
}

// scenarioStore builds a requester with tags hiking [1,0] and jazz [0,1]
// and candidates spanning the interesting score shapes.
func scenarioStore(t *testing.T) *profile.InMemoryStore {
	t.Helper()
	store := profile.NewInMemoryStore()

	store.AddTag(profile.Tag{Name: "hiking", Embedding: []float32{1, 0}})
	store.AddTag(profile.Tag{Name: "jazz", Embedding: []float32{0, 1}})
	store.AddTag(profile.Tag{Name: "opera", Embedding: []float32{0, -1}})

	store.AddUser(profile.User{ID: "requester", Username: "r", Embedding: []float32{1, 0}})
	store.AddUserTag(profile.UserTag{UserID: "requester", TagName: "hiking"})
	store.AddUserTag(profile.UserTag{UserID: "requester", TagName: "jazz"})

	// Opera fan without a profile embedding
	store.AddUser(profile.User{ID: "opera-fan", Username: "o"})
	store.AddUserTag(profile.UserTag{UserID: "opera-fan", TagName: "opera"})

	// Nothing known at all
	store.AddUser(profile.User{ID: "blank", Username: "b"})

	// Twin of the requester
	store.AddUser(profile.User{ID: "twin", Username: "t", Embedding: []float32{1, 0}})
	store.AddUserTag(profile.UserTag{UserID: "twin", TagName: "hiking"})
	store.AddUserTag(profile.UserTag{UserID: "twin", TagName: "jazz"})

	// Opposite profile
	store.AddUser(profile.User{ID: "antipode", Username: "a", Embedding: []float32{-1, 0}})

	return store
}

func scoreOf(t *testing.T, page *Page, id string) float64 {
	t.Helper()
	for _, p := range page.Results {
		if p.ID == id {
			return p.CompatibilityScore
		}
	}
	t.Fatalf("candidate %s not in page", id)
	return 0
}

func TestRankNemeses_Scenarios(t *testing.T) {
	engine := newTestEngine(scenarioStore(t))

	page, err := engine.RankNemeses(context.Background(), Request{
		RequesterID:     "requester",
		Limit:           10,
		ReferenceVector: reference,
	})
	if err != nil {
		t.Fatalf("RankNemeses failed: %v", err)
	}

	tests := []struct {
		id   string
		want float64
	}{
		// profile 0.5, tags (0.5 + 1)/2, overlap 1
		{"opera-fan", 0.5*0.5 + 0.3*0.75 + 0.2*1},
		// no tags, no embedding
		{"blank", 0.6},
		// profile 0, tags (0 + 0.5 + 0.5 + 0)/4, overlap 0
		{"twin", 0.3 * 0.25},
		// profile 1, no tags
		{"antipode", 0.5*1 + 0.3*0.5 + 0.2*1},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			if got := scoreOf(t, page, tt.id); !approxEqual(got, tt.want) {
				t.Errorf("score = %v, want %v", got, tt.want)
			}
		})
	}

	wantOrder := []string{"antipode", "opera-fan", "blank", "twin"}
	for i, id := range wantOrder {
		if page.Results[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, page.Results[i].ID)
		}
	}
}

func TestRankNemeses_RequesterWithoutTags(t *testing.T) {
	store := profile.NewInMemoryStore()
	store.AddTag(profile.Tag{Name: "opera", Embedding: []float32{0, -1}})
	store.AddUser(profile.User{ID: "requester", Embedding: []float32{1, 0}})
	store.AddUser(profile.User{ID: "c1", Embedding: []float32{1, 0}})
	store.AddUserTag(profile.UserTag{UserID: "c1", TagName: "opera"})

	page, err := newTestEngine(store).RankNemeses(context.Background(), Request{
		RequesterID: "requester", Limit: 10, ReferenceVector: reference,
	})
	if err != nil {
		t.Fatalf("RankNemeses failed: %v", err)
	}

	// profile 0, tag embedding neutral, overlap 1
	want := 0.3*NeutralScore + 0.2*1
	if got := scoreOf(t, page, "c1"); !approxEqual(got, want) {
		t.Errorf("score = %v, want %v", got, want)
	}
}

func TestRankNemeses_DanglingTagName(t *testing.T) {
	store := profile.NewInMemoryStore()
	store.AddTag(profile.Tag{Name: "jazz", Embedding: []float32{0, 1}})
	store.AddUser(profile.User{ID: "requester"})
	store.AddUserTag(profile.UserTag{UserID: "requester", TagName: "jazz"})
	store.AddUser(profile.User{ID: "c1"})
	store.AddUserTag(profile.UserTag{UserID: "c1", TagName: "uncatalogued"})

	page, err := newTestEngine(store).RankNemeses(context.Background(), Request{
		RequesterID: "requester", Limit: 10, ReferenceVector: reference,
	})
	if err != nil {
		t.Fatalf("RankNemeses failed: %v", err)
	}
	if got := scoreOf(t, page, "c1"); !approxEqual(got, 0.6) {
		t.Errorf("score = %v, want 0.6", got)
	}
}

func TestRankNemeses_Exclusions(t *testing.T) {
	store := scenarioStore(t)
	mustJudge(t, store, "requester", "twin", profile.JudgmentLike)
	mustJudge(t, store, "requester", "antipode", profile.JudgmentDislike)
	// Judgments by others do not exclude anyone
	mustJudge(t, store, "blank", "opera-fan", profile.JudgmentDislike)

	page, err := newTestEngine(store).RankNemeses(context.Background(), Request{
		RequesterID: "requester", Limit: 10, ReferenceVector: reference,
	})
	if err != nil {
		t.Fatalf("RankNemeses failed: %v", err)
	}

	got := map[string]bool{}
	for _, p := range page.Results {
		got[p.ID] = true
	}
	for _, id := range []string{"requester", "twin", "antipode"} {
		if got[id] {
			t.Errorf("excluded user %s returned", id)
		}
	}
	if !got["opera-fan"] || !got["blank"] {
		t.Errorf("expected opera-fan and blank, got %v", got)
	}
	if page.Total != 2 {
		t.Errorf("expected total 2, got %d", page.Total)
	}
}

func fiveCandidateStore() *profile.InMemoryStore {
	store := profile.NewInMemoryStore()
	store.AddUser(profile.User{ID: "requester", Embedding: []float32{1, 0}})
	embeddings := [][]float32{{-1, 0}, {0, 1}, {1, 1}, {-1, 1}, {1, 0}}
	for i, e := range embeddings {
		store.AddUser(profile.User{ID: fmt.Sprintf("c%d", i), Embedding: e})
	}
	return store
}

func TestRankNemeses_Pagination(t *testing.T) {
	engine := newTestEngine(fiveCandidateStore())
	ctx := context.Background()

	seen := map[string]bool{}
	var sizes []int
	var hasMore []bool
	prevLast := 2.0
	for offset := 0; offset <= 4; offset += 2 {
		page, err := engine.RankNemeses(ctx, Request{
			RequesterID: "requester", Limit: 2, Offset: offset, ReferenceVector: reference,
		})
		if err != nil {
			t.Fatalf("RankNemeses(offset=%d) failed: %v", offset, err)
		}
		sizes = append(sizes, len(page.Results))
		hasMore = append(hasMore, page.HasMore)
		if page.Total != 5 {
			t.Errorf("expected total 5, got %d", page.Total)
		}
		for _, p := range page.Results {
			if seen[p.ID] {
				t.Errorf("duplicate candidate %s at offset %d", p.ID, offset)
			}
			seen[p.ID] = true
			if p.CompatibilityScore > prevLast {
				t.Errorf("ordering broken across pages at %s", p.ID)
			}
			prevLast = p.CompatibilityScore
		}
	}

	if !reflect.DeepEqual(sizes, []int{2, 2, 1}) {
		t.Errorf("expected page sizes [2 2 1], got %v", sizes)
	}
	if !reflect.DeepEqual(hasMore, []bool{true, true, false}) {
		t.Errorf("expected has_more [true true false], got %v", hasMore)
	}
	if len(seen) != 5 {
		t.Errorf("expected 5 distinct candidates, got %d", len(seen))
	}
}

func TestRankNemeses_OffsetBeyondCount(t *testing.T) {
	page, err := newTestEngine(fiveCandidateStore()).RankNemeses(context.Background(), Request{
		RequesterID: "requester", Limit: 2, Offset: 50, ReferenceVector: reference,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if page.Results == nil || len(page.Results) != 0 {
		t.Errorf("expected empty non-nil results, got %v", page.Results)
	}
	if page.HasMore {
		t.Error("expected has_more false")
	}
	if page.Total != 5 {
		t.Errorf("expected total 5, got %d", page.Total)
	}
}

func TestRankNemeses_GlobalOrderAndIdempotence(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	store := profile.NewInMemoryStore()
	store.AddUser(profile.User{ID: "requester", Embedding: []float32{1, 0}})
	for i := 0; i < 8; i++ {
		name := fmt.Sprintf("tag%d", i)
		store.AddTag(profile.Tag{Name: name, Embedding: []float32{rng.Float32()*2 - 1, rng.Float32()*2 - 1}})
		if i%3 == 0 {
			store.AddUserTag(profile.UserTag{UserID: "requester", TagName: name})
		}
	}
	for i := 0; i < 60; i++ {
		u := profile.User{ID: uuid.NewString()}
		if i%4 != 0 {
			u.Embedding = []float32{rng.Float32()*2 - 1, rng.Float32()*2 - 1}
		}
		store.AddUser(u)
		for j := 0; j < rng.Intn(4); j++ {
			store.AddUserTag(profile.UserTag{UserID: u.ID, TagName: fmt.Sprintf("tag%d", rng.Intn(8))})
		}
	}

	engine := NewEngine(store, EngineConfig{Dimensions: 2, Workers: 4})
	ctx := context.Background()

	var all []ScoredProfile
	for offset := 0; offset < 60; offset += 7 {
		page, err := engine.RankNemeses(ctx, Request{
			RequesterID: "requester", Limit: 7, Offset: offset, ReferenceVector: reference,
		})
		if err != nil {
			t.Fatalf("RankNemeses failed: %v", err)
		}
		all = append(all, page.Results...)
	}
	if len(all) != 60 {
		t.Fatalf("expected 60 results across pages, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		prev, cur := all[i-1], all[i]
		if cur.CompatibilityScore > prev.CompatibilityScore ||
			(cur.CompatibilityScore == prev.CompatibilityScore && cur.ID < prev.ID) {
			t.Fatalf("ordering broken between %s and %s", prev.ID, cur.ID)
		}
		if cur.CompatibilityScore < 0 || cur.CompatibilityScore > 1 {
			t.Fatalf("score %v out of range", cur.CompatibilityScore)
		}
	}

	req := Request{RequesterID: "requester", Limit: 20, Offset: 10, ReferenceVector: reference}
	first, err := engine.RankNemeses(ctx, req)
	if err != nil {
		t.Fatalf("RankNemeses failed: %v", err)
	}
	second, err := engine.RankNemeses(ctx, req)
	if err != nil {
		t.Fatalf("RankNemeses failed: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("identical requests returned different pages")
	}
}

// countingStore records whether any read reached the store.
type countingStore struct {
	*profile.InMemoryStore
	calls atomic.Int32
}

func (s *countingStore) GetUser(ctx context.Context, id string) (*profile.User, error) {
	s.calls.Add(1)
	return s.InMemoryStore.GetUser(ctx, id)
}

func TestRankNemeses_InvalidArguments(t *testing.T) {
	store := &countingStore{InMemoryStore: fiveCandidateStore()}
	engine := newTestEngine(store)

	tests := []struct {
		name string
		req  Request
	}{
		{"missing requester", Request{Limit: 1, ReferenceVector: reference}},
		{"zero limit", Request{RequesterID: "requester", ReferenceVector: reference}},
		{"negative limit", Request{RequesterID: "requester", Limit: -1, ReferenceVector: reference}},
		{"negative offset", Request{RequesterID: "requester", Limit: 1, Offset: -1, ReferenceVector: reference}},
		{"empty reference", Request{RequesterID: "requester", Limit: 1}},
		{"wrong dimensions", Request{RequesterID: "requester", Limit: 1, ReferenceVector: []float32{1, 0, 0}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.RankNemeses(context.Background(), tt.req)
			if !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("expected ErrInvalidArgument, got %v", err)
			}
			if IsRetryable(err) {
				t.Error("invalid argument must not be retryable")
			}
		})
	}

	if n := store.calls.Load(); n != 0 {
		t.Errorf("expected no store access, got %d calls", n)
	}
}

func TestRankNemeses_RequesterNotFound(t *testing.T) {
	_, err := newTestEngine(fiveCandidateStore()).RankNemeses(context.Background(), Request{
		RequesterID: "ghost", Limit: 1, ReferenceVector: reference,
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// failingStore fails the configured operation.
type failingStore struct {
	*profile.InMemoryStore
	failOn string
}

var errBackend = errors.New("connection refused")

func (s *failingStore) JudgedTargets(ctx context.Context, sourceID string, kind profile.JudgmentKind) ([]string, error) {
	if s.failOn == "judgments" {
		return nil, errBackend
	}
	return s.InMemoryStore.JudgedTargets(ctx, sourceID, kind)
}

func (s *failingStore) ListCandidates(ctx context.Context, exclude []string) ([]profile.User, error) {
	if s.failOn == "candidates" {
		return nil, errBackend
	}
	return s.InMemoryStore.ListCandidates(ctx, exclude)
}

func (s *failingStore) TagNamesForUsers(ctx context.Context, ids []string) (map[string][]string, error) {
	if s.failOn == "associations" {
		return nil, errBackend
	}
	return s.InMemoryStore.TagNamesForUsers(ctx, ids)
}

func (s *failingStore) GetTags(ctx context.Context, names []string) (map[string]profile.Tag, error) {
	if s.failOn == "tags" {
		return nil, errBackend
	}
	return s.InMemoryStore.GetTags(ctx, names)
}

func TestRankNemeses_StoreUnavailable(t *testing.T) {
	for _, op := range []string{"judgments", "candidates", "associations", "tags"} {
		t.Run(op, func(t *testing.T) {
			store := &failingStore{InMemoryStore: scenarioStore(t), failOn: op}
			_, err := newTestEngine(store).RankNemeses(context.Background(), Request{
				RequesterID: "requester", Limit: 1, ReferenceVector: reference,
			})
			if !errors.Is(err, ErrStoreUnavailable) {
				t.Errorf("expected ErrStoreUnavailable, got %v", err)
			}
			if !errors.Is(err, errBackend) {
				t.Errorf("expected wrapped backend error, got %v", err)
			}
			if !IsRetryable(err) {
				t.Error("store failures should be retryable")
			}
		})
	}
}

// blockingStore blocks candidate listing until the context ends.
type blockingStore struct {
	*profile.InMemoryStore
}

func (s *blockingStore) ListCandidates(ctx context.Context, _ []string) ([]profile.User, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRankNemeses_Timeout(t *testing.T) {
	store := &blockingStore{InMemoryStore: fiveCandidateStore()}
	engine := NewEngine(store, EngineConfig{Dimensions: 2, Timeout: 20 * time.Millisecond})

	page, err := engine.RankNemeses(context.Background(), Request{
		RequesterID: "requester", Limit: 1, ReferenceVector: reference,
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if page != nil {
		t.Error("expected no partial page on timeout")
	}
	if !IsRetryable(err) {
		t.Error("timeouts should be retryable")
	}
}

func TestRankNemeses_DeadlineMessage(t *testing.T) {
	tests := []struct {
		name          string
		engineTimeout time.Duration
		callerTimeout time.Duration
		wantMessage   string
	}{
		{"scoring timeout fires", 20 * time.Millisecond, time.Hour, "after 20ms"},
		{"caller deadline fires", time.Hour, 20 * time.Millisecond, "caller deadline exceeded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &blockingStore{InMemoryStore: fiveCandidateStore()}
			engine := NewEngine(store, EngineConfig{Dimensions: 2, Timeout: tt.engineTimeout})

			ctx, cancel := context.WithTimeout(context.Background(), tt.callerTimeout)
			defer cancel()

			_, err := engine.RankNemeses(ctx, Request{
				RequesterID: "requester", Limit: 1, ReferenceVector: reference,
			})
			if !errors.Is(err, ErrTimeout) {
				t.Fatalf("expected ErrTimeout, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantMessage) {
				t.Errorf("expected message to contain %q, got %q", tt.wantMessage, err.Error())
			}
		})
	}
}

func TestRankNemeses_Canceled(t *testing.T) {
	store := &blockingStore{InMemoryStore: fiveCandidateStore()}
	engine := newTestEngine(store)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := engine.RankNemeses(ctx, Request{
		RequesterID: "requester", Limit: 1, ReferenceVector: reference,
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("cancellation must not be reported as a timeout")
	}
}

func TestRankNemeses_TagCatalogOverride(t *testing.T) {
	store := scenarioStore(t)
	catalog := &countingCatalog{inner: store}
	engine := NewEngine(store, EngineConfig{Dimensions: 2, Tags: catalog})

	if _, err := engine.RankNemeses(context.Background(), Request{
		RequesterID: "requester", Limit: 1, ReferenceVector: reference,
	}); err != nil {
		t.Fatalf("RankNemeses failed: %v", err)
	}
	if catalog.calls.Load() != 1 {
		t.Errorf("expected one catalog lookup, got %d", catalog.calls.Load())
	}
}

type countingCatalog struct {
	inner profile.TagCatalog
	calls atomic.Int32
}

func (c *countingCatalog) GetTags(ctx context.Context, names []string) (map[string]profile.Tag, error) {
	c.calls.Add(1)
	return c.inner.GetTags(ctx, names)
}

func TestRankNemeses_Metrics(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register() returned error: %v", err)
	}
	engine := NewEngine(scenarioStore(t), EngineConfig{Dimensions: 2, Metrics: m})
	ctx := context.Background()

	if _, err := engine.RankNemeses(ctx, Request{RequesterID: "requester", Limit: 2, ReferenceVector: reference}); err != nil {
		t.Fatalf("RankNemeses failed: %v", err)
	}
	_, _ = engine.RankNemeses(ctx, Request{RequesterID: "ghost", Limit: 2, ReferenceVector: reference})
	_, _ = engine.RankNemeses(ctx, Request{RequesterID: "requester", Limit: 0, ReferenceVector: reference})

	for outcome, want := range map[string]float64{
		OutcomeSuccess:         1,
		OutcomeNotFound:        1,
		OutcomeInvalidArgument: 1,
	} {
		if got := counterValue(t, reg, MetricRankRequestsTotal, outcome); got != want {
			t.Errorf("outcome %s: expected %v, got %v", outcome, want, got)
		}
	}

	// opera-fan and blank lack embeddings
	if got := counterValue(t, reg, MetricNeutralFallbacksTotal, SignalProfile); got != 2 {
		t.Errorf("expected 2 profile fallbacks, got %v", got)
	}
	// blank and antipode have no tags
	if got := counterValue(t, reg, MetricNeutralFallbacksTotal, SignalTagEmbedding); got != 2 {
		t.Errorf("expected 2 tag embedding fallbacks, got %v", got)
	}
	if got := histogramCount(t, reg, MetricRankDuration); got != 3 {
		t.Errorf("expected 3 duration samples, got %d", got)
	}
	if got := histogramCount(t, reg, MetricCandidatesScored); got != 1 {
		t.Errorf("expected 1 candidates sample, got %d", got)
	}
}
