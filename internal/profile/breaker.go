package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

// BreakerConfig configures the circuit breaker in front of a Store.
type BreakerConfig struct {
	Name             string        // Breaker name used in logs (default: "profile-store")
	FailureThreshold uint32        // Consecutive failures that open the breaker (default: 5)
	OpenTimeout      time.Duration // Time spent open before probing again (default: 10s)
	HalfOpenRequests uint32        // Probe requests allowed while half-open (default: 1)
	Logger           *slog.Logger  // Logger (default: slog.Default)
}

// BreakerStore guards a Store with a circuit breaker. While the breaker is
// open every call fails fast with an error wrapping ErrStoreUnavailable.
// ErrUserNotFound and context cancellation do not count as failures.
type BreakerStore struct {
	inner   Store
	breaker *gobreaker.CircuitBreaker[any]
}

// NewBreakerStore wraps inner with a circuit breaker.
func NewBreakerStore(inner Store, cfg BreakerConfig) *BreakerStore {
	if cfg.Name == "" {
		cfg.Name = "profile-store"
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 10 * time.Second
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("profile store circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrUserNotFound) ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded)
		},
	}

	return &BreakerStore{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker[any](settings),
	}
}

// State returns the current breaker state.
func (b *BreakerStore) State() gobreaker.State {
	return b.breaker.State()
}

func (b *BreakerStore) execute(op string, fn func() (any, error)) (any, error) {
	result, err := b.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("failed to %s: %w: %w", op, ErrStoreUnavailable, err)
	}
	return result, err
}

// GetUser implements UserStore.
func (b *BreakerStore) GetUser(ctx context.Context, id string) (*User, error) {
	result, err := b.execute("get user", func() (any, error) {
		return b.inner.GetUser(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return result.(*User), nil
}

// ListCandidates implements UserStore.
func (b *BreakerStore) ListCandidates(ctx context.Context, exclude []string) ([]User, error) {
	result, err := b.execute("list candidates", func() (any, error) {
		return b.inner.ListCandidates(ctx, exclude)
	})
	if err != nil {
		return nil, err
	}
	return result.([]User), nil
}

// GetTags implements TagCatalog.
func (b *BreakerStore) GetTags(ctx context.Context, names []string) (map[string]Tag, error) {
	result, err := b.execute("get tags", func() (any, error) {
		return b.inner.GetTags(ctx, names)
	})
	if err != nil {
		return nil, err
	}
	return result.(map[string]Tag), nil
}

// TagNamesForUsers implements AssociationStore.
func (b *BreakerStore) TagNamesForUsers(ctx context.Context, userIDs []string) (map[string][]string, error) {
	result, err := b.execute("load user tags", func() (any, error) {
		return b.inner.TagNamesForUsers(ctx, userIDs)
	})
	if err != nil {
		return nil, err
	}
	return result.(map[string][]string), nil
}

// JudgedTargets implements JudgmentStore.
func (b *BreakerStore) JudgedTargets(ctx context.Context, sourceID string, kind JudgmentKind) ([]string, error) {
	result, err := b.execute("load judgments", func() (any, error) {
		return b.inner.JudgedTargets(ctx, sourceID, kind)
	})
	if err != nil {
		return nil, err
	}
	return result.([]string), nil
}
