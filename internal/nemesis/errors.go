package nemesis

import (
	"context"
	"errors"
)

// Ranking errors. Returned errors wrap one of these; match with errors.Is.
var (
	// ErrNotFound indicates the requester does not exist.
	ErrNotFound = errors.New("requester not found")

	// ErrInvalidArgument indicates a bad limit, offset or reference vector.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrStoreUnavailable indicates the backing store failed. Retryable.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrTimeout indicates the ranking exceeded its deadline. Retryable.
	ErrTimeout = errors.New("ranking timed out")

	// ErrInvalidWeights indicates a weight configuration that cannot keep
	// scores within [0, 1].
	ErrInvalidWeights = errors.New("invalid weights: each must be in [0, 1] and they must sum to 1")
)

// Outcome labels used for metrics and logs.
const (
	OutcomeSuccess          = "success"
	OutcomeInvalidArgument  = "invalid_argument"
	OutcomeNotFound         = "not_found"
	OutcomeStoreUnavailable = "store_unavailable"
	OutcomeTimeout          = "timeout"
	OutcomeCanceled         = "canceled"
)

// IsRetryable reports whether the caller may retry the same request.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrTimeout)
}

// outcomeOf maps an error returned by RankNemeses to an outcome label.
func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrInvalidArgument):
		return OutcomeInvalidArgument
	case errors.Is(err, ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, ErrTimeout):
		return OutcomeTimeout
	case errors.Is(err, context.Canceled):
		return OutcomeCanceled
	default:
		return OutcomeStoreUnavailable
	}
}
