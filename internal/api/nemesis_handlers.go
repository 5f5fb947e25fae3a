package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/onnwee/nemesis/internal/middleware"
	"github.com/onnwee/nemesis/internal/nemesis"
	"github.com/onnwee/nemesis/internal/profile"
	"github.com/onnwee/nemesis/internal/vector"
)

// Defaults for NemesisHandlersConfig.
const (
	DefaultPageSize    = 20
	DefaultMaxPageSize = 50
	DefaultRetryAfter  = time.Second
	// DefaultReferenceTimeout bounds the requester lookup behind a reference policy.
	DefaultReferenceTimeout = 5 * time.Second

	// maxBodyBytes bounds POST bodies; a 384-dim vector is well under 16 KiB.
	maxBodyBytes = 1 << 20

	// statusClientClosedRequest is logged when the client goes away mid-ranking.
	statusClientClosedRequest = 499
)

// Ranker produces ranked nemesis pages. *nemesis.Engine implements it.
type Ranker interface {
	RankNemeses(ctx context.Context, req nemesis.Request) (*nemesis.Page, error)
}

// ReferencePolicy derives a reference vector from the requester's own
// embedding when the client does not supply one.
type ReferencePolicy string

const (
	// ReferenceSelf ranks by distance from the requester's own embedding.
	ReferenceSelf ReferencePolicy = "self"
	// ReferenceInverse ranks by distance from the negated embedding.
	ReferenceInverse ReferencePolicy = "inverse"
)

// ErrInvalidReferencePolicy is returned by ParseReferencePolicy.
var ErrInvalidReferencePolicy = errors.New("reference policy must be self or inverse")

// ParseReferencePolicy parses "self" or "inverse"; "" yields ReferenceSelf.
func ParseReferencePolicy(s string) (ReferencePolicy, error) {
	switch ReferencePolicy(s) {
	case "", ReferenceSelf:
		return ReferenceSelf, nil
	case ReferenceInverse:
		return ReferenceInverse, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidReferencePolicy, s)
}

// Derive returns a fresh reference vector for embedding.
func (p ReferencePolicy) Derive(embedding []float32) []float32 {
	if p == ReferenceInverse {
		return vector.Negate(embedding)
	}
	return vector.Clone(embedding)
}

// NemesisHandlersConfig configures NemesisHandlers.
type NemesisHandlersConfig struct {
	Ranker Ranker
	// Users resolves requester embeddings for reference policies.
	Users           profile.UserStore
	DefaultPageSize int
	MaxPageSize     int
	DefaultPolicy   ReferencePolicy
	// RetryAfter is advertised on 503 and 504 responses.
	RetryAfter time.Duration
	// ReferenceTimeout bounds the requester lookup; expiry answers 504.
	ReferenceTimeout time.Duration
	Logger           *slog.Logger
}

// NemesisHandlers serves the ranking endpoints.
type NemesisHandlers struct {
	ranker          Ranker
	users           profile.UserStore
	defaultPageSize int
	maxPageSize     int
	defaultPolicy   ReferencePolicy
	retryAfter      string
	lookupTimeout   time.Duration
	logger          *slog.Logger
}

// NewNemesisHandlers creates NemesisHandlers, filling unset fields with defaults.
func NewNemesisHandlers(cfg NemesisHandlersConfig) *NemesisHandlers {
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = DefaultMaxPageSize
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = DefaultPageSize
	}
	if cfg.DefaultPageSize > cfg.MaxPageSize {
		cfg.DefaultPageSize = cfg.MaxPageSize
	}
	if cfg.DefaultPolicy == "" {
		cfg.DefaultPolicy = ReferenceSelf
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = DefaultRetryAfter
	}
	if cfg.ReferenceTimeout <= 0 {
		cfg.ReferenceTimeout = DefaultReferenceTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &NemesisHandlers{
		ranker:          cfg.Ranker,
		users:           cfg.Users,
		defaultPageSize: cfg.DefaultPageSize,
		maxPageSize:     cfg.MaxPageSize,
		defaultPolicy:   cfg.DefaultPolicy,
		retryAfter:      strconv.Itoa(int(math.Ceil(cfg.RetryAfter.Seconds()))),
		lookupTimeout:   cfg.ReferenceTimeout,
		logger:          cfg.Logger,
	}
}

// Register mounts the ranking routes on mux.
func (h *NemesisHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/nemeses", h.RankNemeses)
	mux.HandleFunc("GET /v1/users/{id}/nemeses", h.UserNemeses)
}

// RankRequest is the body of POST /v1/nemeses and the normalized form of
// GET /v1/users/{id}/nemeses. An explicit reference_vector wins over reference.
type RankRequest struct {
	RequesterID     string    `json:"requester_id" validate:"required,max=128"`
	Limit           *int      `json:"limit,omitempty" validate:"omitempty,min=1"`
	Offset          int       `json:"offset" validate:"min=0"`
	ReferenceVector []float32 `json:"reference_vector,omitempty"`
	Reference       string    `json:"reference,omitempty" validate:"omitempty,oneof=self inverse"`
}

// RankResponse is a page of ranked nemeses.
type RankResponse struct {
	Results []nemesis.ScoredProfile `json:"results"`
	Count   int                     `json:"count"`
	Total   int                     `json:"total"`
	Limit   int                     `json:"limit"`
	Offset  int                     `json:"offset"`
	HasMore bool                    `json:"has_more"`
}

// RankNemeses handles POST /v1/nemeses.
func (h *NemesisHandlers) RankNemeses(w http.ResponseWriter, r *http.Request) {
	var req RankRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeErrorCode(w, r, http.StatusBadRequest, ErrCodeBadRequest, "Request body must be a JSON ranking request")
		return
	}
	h.rank(w, r, req)
}

// UserNemeses handles GET /v1/users/{id}/nemeses?limit=&offset=&reference=.
func (h *NemesisHandlers) UserNemeses(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	req := RankRequest{
		RequesterID: r.PathValue("id"),
		Reference:   query.Get("reference"),
	}

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeErrorCode(w, r, http.StatusBadRequest, ErrCodeValidation, "limit must be an integer")
			return
		}
		req.Limit = &limit
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil {
			writeErrorCode(w, r, http.StatusBadRequest, ErrCodeValidation, "offset must be an integer")
			return
		}
		req.Offset = offset
	}

	h.rank(w, r, req)
}

func (h *NemesisHandlers) rank(w http.ResponseWriter, r *http.Request, req RankRequest) {
	if msg := validateStruct(&req); msg != "" {
		writeErrorCode(w, r, http.StatusBadRequest, ErrCodeValidation, msg)
		return
	}
	middleware.UpdateResponseContext(w, middleware.SetRequesterID(r.Context(), req.RequesterID))

	limit := h.defaultPageSize
	if req.Limit != nil {
		limit = min(*req.Limit, h.maxPageSize)
	}

	reference := req.ReferenceVector
	if len(reference) == 0 {
		var ok bool
		if reference, ok = h.deriveReference(w, r, req); !ok {
			return
		}
	}

	page, err := h.ranker.RankNemeses(r.Context(), nemesis.Request{
		RequesterID:     req.RequesterID,
		Limit:           limit,
		Offset:          req.Offset,
		ReferenceVector: reference,
	})
	if err != nil {
		h.writeRankError(w, r, err)
		return
	}

	writeJSON(w, r.Context(), http.StatusOK, RankResponse{
		Results: page.Results,
		Count:   len(page.Results),
		Total:   page.Total,
		Limit:   page.Limit,
		Offset:  page.Offset,
		HasMore: page.HasMore,
	})
}

// deriveReference applies the reference policy to the requester's embedding.
// It writes the error response itself and reports false on failure.
func (h *NemesisHandlers) deriveReference(w http.ResponseWriter, r *http.Request, req RankRequest) ([]float32, bool) {
	policy := h.defaultPolicy
	if req.Reference != "" {
		policy = ReferencePolicy(req.Reference)
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.lookupTimeout)
	defer cancel()

	user, err := h.users.GetUser(ctx, req.RequesterID)
	switch {
	case errors.Is(err, profile.ErrUserNotFound):
		writeErrorCode(w, r, http.StatusNotFound, ErrCodeNotFound, "Requester not found")
		return nil, false
	case err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		h.writeRankError(w, r, fmt.Errorf("%w: requester lookup exceeded %s", nemesis.ErrTimeout, h.lookupTimeout))
		return nil, false
	case err != nil && errors.Is(ctx.Err(), context.Canceled):
		h.writeRankError(w, r, context.Canceled)
		return nil, false
	case err != nil:
		h.writeRankError(w, r, fmt.Errorf("failed to load requester: %w: %w", nemesis.ErrStoreUnavailable, err))
		return nil, false
	case !user.HasEmbedding():
		writeErrorCode(w, r, http.StatusBadRequest, ErrCodeReferenceUnavailable,
			"Requester has no profile embedding; supply reference_vector")
		return nil, false
	}
	return policy.Derive(user.Embedding), true
}

func (h *NemesisHandlers) writeRankError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, nemesis.ErrInvalidArgument):
		writeErrorCode(w, r, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, nemesis.ErrNotFound):
		writeErrorCode(w, r, http.StatusNotFound, ErrCodeNotFound, "Requester not found")
	case errors.Is(err, nemesis.ErrTimeout):
		w.Header().Set("Retry-After", h.retryAfter)
		writeErrorCode(w, r, http.StatusGatewayTimeout, ErrCodeTimeout, "Ranking timed out, retry later")
	case errors.Is(err, nemesis.ErrStoreUnavailable), errors.Is(err, profile.ErrStoreUnavailable):
		h.logger.WarnContext(r.Context(), "ranking store unavailable", "error", err)
		w.Header().Set("Retry-After", h.retryAfter)
		writeErrorCode(w, r, http.StatusServiceUnavailable, ErrCodeStoreUnavailable, "Profile store unavailable, retry later")
	case errors.Is(err, context.Canceled):
		h.logger.DebugContext(r.Context(), "ranking canceled by client")
		writeErrorCode(w, r, statusClientClosedRequest, ErrCodeCanceled, "Request canceled")
	default:
		h.logger.ErrorContext(r.Context(), "ranking failed", "error", err)
		writeErrorCode(w, r, http.StatusInternalServerError, ErrCodeInternal, "Internal server error")
	}
}
