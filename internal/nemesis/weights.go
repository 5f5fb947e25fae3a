package nemesis

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
)

// NeutralScore is substituted for any signal that cannot be computed because
// an embedding or tag set is missing. It means "no information", not
// "no similarity".
const NeutralScore = 0.5

// weightSumTolerance absorbs float rounding when checking that weights sum to 1.
const weightSumTolerance = 1e-9

// Weights defines how the three anti-affinity signals are combined.
type Weights struct {
	Profile      float64 `json:"profile"`       // Profile embedding anti-similarity (default: 0.5)
	TagEmbedding float64 `json:"tag_embedding"` // Tag embedding anti-similarity (default: 0.3)
	TagOverlap   float64 `json:"tag_overlap"`   // Tag overlap anti-affinity (default: 0.2)
}

// CalibrationConfig represents the JSON structure of the calibration file.
type CalibrationConfig struct {
	Version string  `json:"version"` // Config version for future compatibility
	Weights Weights `json:"weights"` // Weight overrides
}

// DefaultWeights returns the default nemesis weight configuration.
//
// Formula: nemesis_score = (profile * 0.5) + (tag_embedding * 0.3) + (tag_overlap * 0.2)
// The weights sum to 1.0, so the score stays in [0, 1] whenever every
// component does.
func DefaultWeights() *Weights {
	return &Weights{
		Profile:      0.5,
		TagEmbedding: 0.3,
		TagOverlap:   0.2,
	}
}

// Validate checks that every weight is in [0, 1] and that they sum to 1.
func (w *Weights) Validate() error {
	for _, v := range []float64{w.Profile, w.TagEmbedding, w.TagOverlap} {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return ErrInvalidWeights
		}
	}
	if math.Abs(w.Profile+w.TagEmbedding+w.TagOverlap-1) > weightSumTolerance {
		return ErrInvalidWeights
	}
	return nil
}

// LoadCalibration loads nemesis weights from a JSON calibration file.
// Partial configurations are merged over the defaults. If the file cannot be
// read or parsed, or the merged weights do not sum to 1, the defaults are
// returned together with the error.
func LoadCalibration(filePath string) (*Weights, error) {
	if filePath == "" {
		return DefaultWeights(), nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		slog.Warn("failed to read nemesis calibration file, using defaults",
			"path", filePath,
			"error", err)
		return DefaultWeights(), fmt.Errorf("failed to read calibration file: %w", err)
	}

	var config CalibrationConfig
	if err := json.Unmarshal(data, &config); err != nil {
		slog.Warn("failed to parse nemesis calibration file, using defaults",
			"path", filePath,
			"error", err)
		return DefaultWeights(), fmt.Errorf("failed to parse calibration file: %w", err)
	}

	defaults := DefaultWeights()
	merged := MergeCalibration(defaults, &config.Weights)
	if err := merged.Validate(); err != nil {
		slog.Warn("nemesis calibration rejected, using defaults",
			"path", filePath,
			"profile", merged.Profile,
			"tag_embedding", merged.TagEmbedding,
			"tag_overlap", merged.TagOverlap)
		return DefaultWeights(), fmt.Errorf("calibration file %s: %w", filePath, err)
	}
	logCalibrationOverrides(defaults, merged)

	return merged, nil
}

// MergeCalibration merges override weights over base weights.
// Only non-zero override values are applied.
func MergeCalibration(base *Weights, override *Weights) *Weights {
	if base == nil {
		return DefaultWeights()
	}

	result := *base
	if override == nil {
		return &result
	}

	if override.Profile != 0 {
		result.Profile = override.Profile
	}
	if override.TagEmbedding != 0 {
		result.TagEmbedding = override.TagEmbedding
	}
	if override.TagOverlap != 0 {
		result.TagOverlap = override.TagOverlap
	}

	return &result
}

// logCalibrationOverrides logs which weights were overridden from defaults.
func logCalibrationOverrides(defaults *Weights, loaded *Weights) {
	var overrides []string

	if loaded.Profile != defaults.Profile {
		overrides = append(overrides, fmt.Sprintf("profile: %.2f -> %.2f",
			defaults.Profile, loaded.Profile))
	}
	if loaded.TagEmbedding != defaults.TagEmbedding {
		overrides = append(overrides, fmt.Sprintf("tag_embedding: %.2f -> %.2f",
			defaults.TagEmbedding, loaded.TagEmbedding))
	}
	if loaded.TagOverlap != defaults.TagOverlap {
		overrides = append(overrides, fmt.Sprintf("tag_overlap: %.2f -> %.2f",
			defaults.TagOverlap, loaded.TagOverlap))
	}

	if len(overrides) > 0 {
		slog.Info("loaded nemesis calibration with overrides",
			"overrides", overrides)
	} else {
		slog.Info("loaded nemesis calibration (using all defaults)")
	}
}
