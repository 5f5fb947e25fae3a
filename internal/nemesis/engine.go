package nemesis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/nemesis/internal/profile"
	"github.com/onnwee/nemesis/internal/tracing"
)

// Defaults applied by NewEngine when EngineConfig leaves a field zero.
const (
	DefaultDimensions = 384
	DefaultTimeout    = 5 * time.Second
)

// EngineConfig configures an Engine.
type EngineConfig struct {
	Dimensions int                // Required reference vector length (default: 384)
	Weights    *Weights           // Score weights (default: DefaultWeights)
	Workers    int                // Scoring worker pool size (default: runtime.NumCPU)
	Timeout    time.Duration      // Per-request deadline (default: 5s)
	Logger     *slog.Logger       // Logger (default: slog.Default)
	Metrics    *Metrics           // Optional metrics
	Tags       profile.TagCatalog // Optional catalog override, e.g. a cache over the store
}

// Engine ranks candidates by anti-affinity to a requester. It holds no
// per-request state and is safe for concurrent use.
type Engine struct {
	store      profile.Store
	tags       profile.TagCatalog
	dimensions int
	weights    *Weights
	workers    int
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *Metrics
}

// Request is one ranking invocation.
type Request struct {
	RequesterID     string
	Limit           int
	Offset          int
	ReferenceVector []float32
}

// ScoredProfile is a candidate's public profile decorated with its score.
type ScoredProfile struct {
	ID                 string    `json:"id"`
	Username           string    `json:"username"`
	DisplayName        string    `json:"display_name,omitempty"`
	AvatarURL          string    `json:"avatar_url,omitempty"`
	Bio                string    `json:"bio,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
	CompatibilityScore float64   `json:"compatibility_score"`
}

// Page is one window of the global ranking.
type Page struct {
	Results []ScoredProfile `json:"results"`
	Total   int             `json:"total"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
	HasMore bool            `json:"has_more"`
}

// NewEngine creates an engine reading from store.
func NewEngine(store profile.Store, cfg EngineConfig) *Engine {
	e := &Engine{
		store:      store,
		tags:       cfg.Tags,
		dimensions: cfg.Dimensions,
		weights:    cfg.Weights,
		workers:    cfg.Workers,
		timeout:    cfg.Timeout,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}
	if e.tags == nil {
		e.tags = store
	}
	if e.dimensions <= 0 {
		e.dimensions = DefaultDimensions
	}
	if e.weights == nil {
		e.weights = DefaultWeights()
	}
	if e.workers <= 0 {
		e.workers = runtime.NumCPU()
	}
	if e.timeout <= 0 {
		e.timeout = DefaultTimeout
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Dimensions returns the reference vector length the engine accepts.
func (e *Engine) Dimensions() int {
	return e.dimensions
}

// validate checks request arguments before any store access.
func (e *Engine) validate(req Request) error {
	switch {
	case req.RequesterID == "":
		return fmt.Errorf("%w: requester_id is required", ErrInvalidArgument)
	case req.Limit <= 0:
		return fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidArgument, req.Limit)
	case req.Offset < 0:
		return fmt.Errorf("%w: offset must be non-negative, got %d", ErrInvalidArgument, req.Offset)
	case len(req.ReferenceVector) == 0:
		return fmt.Errorf("%w: reference vector is required", ErrInvalidArgument)
	case len(req.ReferenceVector) != e.dimensions:
		return fmt.Errorf("%w: reference vector has %d dimensions, want %d",
			ErrInvalidArgument, len(req.ReferenceVector), e.dimensions)
	}
	return nil
}

// RankNemeses returns one page of the requester's candidates ordered by
// nemesis score, highest first. The requester and every user they liked or
// disliked are excluded. The whole computation runs under the engine
// timeout; on expiry an error wrapping ErrTimeout is returned and no partial
// ranking is produced.
func (e *Engine) RankNemeses(ctx context.Context, req Request) (page *Page, err error) {
	start := time.Now()
	scored := 0
	var fallbacks fallbackCounts

	defer func() {
		outcome := outcomeOf(err)
		if e.metrics != nil {
			e.metrics.IncRankRequests(outcome)
			e.metrics.ObserveRankDuration(time.Since(start).Seconds())
			if err == nil {
				e.metrics.ObserveCandidatesScored(scored)
				e.metrics.AddNeutralFallbacks(SignalProfile, fallbacks.profile)
				e.metrics.AddNeutralFallbacks(SignalTagEmbedding, fallbacks.tagEmbedding)
				e.metrics.AddNeutralFallbacks(SignalTagPair, fallbacks.tagPairs)
			}
		}
		switch outcome {
		case OutcomeSuccess:
			e.logger.Debug("nemesis ranking completed",
				slog.String("requester_id", req.RequesterID),
				slog.Int("candidates", scored),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()))
		case OutcomeTimeout, OutcomeStoreUnavailable:
			e.logger.Warn("nemesis ranking failed",
				slog.String("requester_id", req.RequesterID),
				slog.String("outcome", outcome),
				slog.String("error", err.Error()))
		}
	}()

	if err := e.validate(req); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeoutCause(ctx, e.timeout, fmt.Errorf("%w after %s", ErrTimeout, e.timeout))
	defer cancel()

	ctx, endSpan := tracing.StartSpan(ctx, "rank_nemeses")
	defer func() { endSpan(err) }()
	tracing.SetAttributes(ctx, attribute.String("nemesis.requester_id", req.RequesterID))

	data, err := e.load(ctx, req.RequesterID)
	if err != nil {
		return nil, e.deadlineError(ctx, err)
	}
	tracing.AddEvent(ctx, "candidates_loaded", attribute.Int("nemesis.candidate_pool", len(data.candidates)))

	scores, fb, err := e.scoreCandidates(ctx, data, req.ReferenceVector)
	if err != nil {
		return nil, e.deadlineError(ctx, err)
	}
	scored = len(scores)
	fallbacks = fb
	tracing.SetAttributes(ctx, attribute.Int("nemesis.candidates", scored))

	window := Rank(scores, req.Limit, req.Offset)

	return &Page{
		Results: decorate(window, data.candidates),
		Total:   len(scores),
		Limit:   req.Limit,
		Offset:  req.Offset,
		HasMore: req.Offset+len(window) < len(scores),
	}, nil
}

// deadlineError reports context expiry in preference to whatever error the
// store surfaced while the context was being torn down. The message names
// the deadline that fired: the scoring timeout or the caller's own.
func (e *Engine) deadlineError(ctx context.Context, err error) error {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		if cause := context.Cause(ctx); errors.Is(cause, ErrTimeout) {
			return cause
		}
		return fmt.Errorf("%w: caller deadline exceeded", ErrTimeout)
	case context.Canceled:
		return fmt.Errorf("ranking canceled: %w", context.Canceled)
	}
	return err
}

// candidateData is everything needed to score candidates, loaded in bulk.
type candidateData struct {
	candidates    []profile.User
	tagsByUser    map[string][]string
	tags          map[string]profile.Tag
	requesterTags []profile.Tag
	requesterSet  map[string]struct{}
}

func (e *Engine) load(ctx context.Context, requesterID string) (*candidateData, error) {
	excl, err := ResolveExclusions(ctx, e.store, e.store, requesterID)
	if err != nil {
		return nil, err
	}

	listed, err := e.store.ListCandidates(ctx, excl.IDs())
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates: %w: %w", ErrStoreUnavailable, err)
	}
	candidates := make([]profile.User, 0, len(listed))
	for _, u := range listed {
		if !excl.Contains(u.ID) {
			candidates = append(candidates, u)
		}
	}

	ids := make([]string, 0, len(candidates)+1)
	ids = append(ids, requesterID)
	for _, u := range candidates {
		ids = append(ids, u.ID)
	}
	tagsByUser, err := e.store.TagNamesForUsers(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load tag associations: %w: %w", ErrStoreUnavailable, err)
	}

	nameSet := make(map[string]struct{})
	for _, names := range tagsByUser {
		for _, name := range names {
			nameSet[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(nameSet))
	for name := range nameSet {
		names = append(names, name)
	}
	sort.Strings(names)

	tags := map[string]profile.Tag{}
	if len(names) > 0 {
		tags, err = e.tags.GetTags(ctx, names)
		if err != nil {
			return nil, fmt.Errorf("failed to load tags: %w: %w", ErrStoreUnavailable, err)
		}
	}

	requesterNames := dedupe(tagsByUser[requesterID])
	requesterSet := make(map[string]struct{}, len(requesterNames))
	for _, name := range requesterNames {
		requesterSet[name] = struct{}{}
	}

	return &candidateData{
		candidates:    candidates,
		tagsByUser:    tagsByUser,
		tags:          tags,
		requesterTags: resolveTags(requesterNames, tags),
		requesterSet:  requesterSet,
	}, nil
}

// scoreCandidates scores every candidate on a bounded worker pool. Results
// are written by index so the merge needs no locking.
func (e *Engine) scoreCandidates(ctx context.Context, data *candidateData, reference []float32) ([]CandidateScore, fallbackCounts, error) {
	var total fallbackCounts

	n := len(data.candidates)
	scores := make([]CandidateScore, n)
	counts := make([]fallbackCounts, n)

	workers := e.workers
	if workers > n {
		workers = n
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				scores[i], counts[i] = e.scoreOne(data, data.candidates[i], reference)
			}
		}()
	}

dispatch:
	for i := 0; i < n; i++ {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, total, err
	}

	for _, c := range counts {
		total.add(c)
	}
	return scores, total, nil
}

func (e *Engine) scoreOne(data *candidateData, candidate profile.User, reference []float32) (CandidateScore, fallbackCounts) {
	var fb fallbackCounts

	profileScore, ok := profileComponent(candidate.Embedding, reference)
	if !ok {
		fb.profile = 1
	}

	candidateNames := dedupe(data.tagsByUser[candidate.ID])
	tagEmbedding, tagFB := tagEmbeddingScore(data.requesterTags, resolveTags(candidateNames, data.tags))
	fb.add(tagFB)

	c := Components{
		Profile:      profileScore,
		TagEmbedding: tagEmbedding,
		TagOverlap:   TagOverlapScore(candidateNames, data.requesterSet),
	}
	return CandidateScore{
		UserID:     candidate.ID,
		Score:      ComposeScore(c, e.weights),
		Components: c,
	}, fb
}

// decorate attaches public profile fields to the ranked window.
func decorate(window []CandidateScore, candidates []profile.User) []ScoredProfile {
	byID := make(map[string]*profile.User, len(candidates))
	for i := range candidates {
		byID[candidates[i].ID] = &candidates[i]
	}

	profiles := make([]ScoredProfile, 0, len(window))
	for _, s := range window {
		u := byID[s.UserID]
		profiles = append(profiles, ScoredProfile{
			ID:                 u.ID,
			Username:           u.Username,
			DisplayName:        u.DisplayName,
			AvatarURL:          u.AvatarURL,
			Bio:                u.Bio,
			CreatedAt:          u.CreatedAt,
			UpdatedAt:          u.UpdatedAt,
			CompatibilityScore: s.Score,
		})
	}
	return profiles
}

// resolveTags maps names to catalog tags. Names missing from the catalog
// become tags without an embedding so they still count in the cross product.
func resolveTags(names []string, catalog map[string]profile.Tag) []profile.Tag {
	tags := make([]profile.Tag, 0, len(names))
	for _, name := range names {
		if tag, ok := catalog[name]; ok {
			tags = append(tags, tag)
			continue
		}
		tags = append(tags, profile.Tag{Name: name})
	}
	return tags
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}
