// Package nemesis ranks candidate profiles by anti-affinity to a requester.
//
// A candidate's nemesis score combines three signals, each in [0, 1] with
// higher meaning "more dissimilar":
//
//	profile        = cosine_distance(candidate.embedding, reference) / 2
//	tag_embedding  = mean over requester×candidate tag pairs of cosine_distance / 2
//	tag_overlap    = 1 - |candidate tags ∩ requester tags| / |candidate tags|
//
//	nemesis_score  = 0.5*profile + 0.3*tag_embedding + 0.2*tag_overlap
//
// Any signal that cannot be computed because an embedding is missing falls
// back to NeutralScore (0.5). Missing data is never treated as zero
// similarity.
//
// Basic Usage:
//
//	weights, err := nemesis.LoadCalibration("configs/nemesis.calibration.json")
//	if err != nil {
//		logger.Warn("using default nemesis weights", "error", err)
//	}
//
//	engine := nemesis.NewEngine(store, nemesis.EngineConfig{
//		Dimensions: 384,
//		Weights:    weights,
//		Timeout:    5 * time.Second,
//	})
//
//	page, err := engine.RankNemeses(ctx, nemesis.Request{
//		RequesterID:     userID,
//		Limit:           20,
//		Offset:          0,
//		ReferenceVector: reference,
//	})
//
// How the reference vector is derived (the requester's own embedding, an
// inverted one, or anything else) is the caller's decision.
//
// Errors:
//
// RankNemeses returns errors wrapping ErrInvalidArgument, ErrNotFound,
// ErrStoreUnavailable or ErrTimeout. The last two are retryable; the engine
// never retries internally and never returns a partial ranking.
package nemesis
