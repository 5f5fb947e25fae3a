// Package config provides configuration loading and validation for the API server.
// It uses koanf to layer built-in defaults, an optional YAML file and
// environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment variables read by Load.
// NEMESIS_PORT overrides PORT, which overrides the file value.
const EnvPrefix = "NEMESIS_"

// Config holds all configuration values for the API server.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Storage
	DatabaseURL    string `koanf:"database_url"`
	RedisURL       string `koanf:"redis_url"`
	MigrateOnStart bool   `koanf:"migrate_on_start"`

	// Store circuit breaker
	StoreBreakerFailures int           `koanf:"store_breaker_failures"`
	StoreBreakerTimeout  time.Duration `koanf:"store_breaker_timeout"`

	// Ranking
	EmbeddingDimensions    int           `koanf:"embedding_dimensions"`
	DefaultPageSize        int           `koanf:"default_page_size"`
	MaxPageSize            int           `koanf:"max_page_size"`
	ScoringTimeout         time.Duration `koanf:"scoring_timeout"`
	ScoringWorkers         int           `koanf:"scoring_workers"`
	TagCacheSize           int           `koanf:"tag_cache_size"`
	RankingCalibrationPath string        `koanf:"ranking_calibration_path"`
	ReferencePolicy        string        `koanf:"reference_policy"` // self or inverse

	// Rate limiting
	RateLimitRequests int           `koanf:"rate_limit_requests"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`

	// Tracing
	TracingEnabled    bool    `koanf:"tracing_enabled"`
	TracingExporter   string  `koanf:"tracing_exporter"` // otlp-http or otlp-grpc
	OTLPEndpoint      string  `koanf:"otlp_endpoint"`
	TracingSampleRate float64 `koanf:"tracing_sample_rate"`
	TracingInsecure   bool    `koanf:"tracing_insecure"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL     = errors.New("DATABASE_URL is required")
	ErrInvalidPort            = errors.New("PORT must be between 1 and 65535")
	ErrInvalidDimensions      = errors.New("EMBEDDING_DIMENSIONS must be positive")
	ErrInvalidPageSize        = errors.New("DEFAULT_PAGE_SIZE must be positive and not exceed MAX_PAGE_SIZE")
	ErrInvalidScoringTimeout  = errors.New("SCORING_TIMEOUT must be positive")
	ErrInvalidScoringWorkers  = errors.New("SCORING_WORKERS must be positive")
	ErrInvalidTagCacheSize    = errors.New("TAG_CACHE_SIZE must be positive")
	ErrInvalidReferencePolicy = errors.New("REFERENCE_POLICY must be self or inverse")
	ErrInvalidRateLimit       = errors.New("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be positive")
	ErrInvalidBreaker         = errors.New("STORE_BREAKER_FAILURES and STORE_BREAKER_TIMEOUT must be positive")
	ErrInvalidTracingExporter = errors.New("TRACING_EXPORTER must be otlp-http or otlp-grpc")
	ErrInvalidSampleRate      = errors.New("TRACING_SAMPLE_RATE must be between 0 and 1")
)

// Default values for non-secret configuration.
const (
	DefaultPort                 = 8080
	DefaultEnv                  = "development"
	DefaultEmbeddingDimensions  = 384
	DefaultPageSize             = 20
	DefaultMaxPageSize          = 50
	DefaultScoringTimeout       = 5 * time.Second
	DefaultTagCacheSize         = 1024
	DefaultReferencePolicy      = "self"
	DefaultRateLimitRequests    = 60
	DefaultRateLimitWindow      = time.Minute
	DefaultStoreBreakerFailures = 5
	DefaultStoreBreakerTimeout  = 10 * time.Second
	DefaultTracingExporter      = "otlp-http"
	DefaultTracingSampleRate    = 0.1
)

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Port:                 DefaultPort,
		Env:                  DefaultEnv,
		StoreBreakerFailures: DefaultStoreBreakerFailures,
		StoreBreakerTimeout:  DefaultStoreBreakerTimeout,
		EmbeddingDimensions:  DefaultEmbeddingDimensions,
		DefaultPageSize:      DefaultPageSize,
		MaxPageSize:          DefaultMaxPageSize,
		ScoringTimeout:       DefaultScoringTimeout,
		ScoringWorkers:       runtime.NumCPU(),
		TagCacheSize:         DefaultTagCacheSize,
		ReferencePolicy:      DefaultReferencePolicy,
		RateLimitRequests:    DefaultRateLimitRequests,
		RateLimitWindow:      DefaultRateLimitWindow,
		TracingExporter:      DefaultTracingExporter,
		TracingSampleRate:    DefaultTracingSampleRate,
	}
}

// knownKeys lists every koanf key; unprefixed environment variables are
// only read for these names.
var knownKeys = func() map[string]struct{} {
	keys := make(map[string]struct{})
	defaults, _ := structs.Provider(Defaults(), "koanf").Read()
	for key := range defaults {
		keys[key] = struct{}{}
	}
	return keys
}()

// Load reads configuration from defaults, an optional config file and
// environment variables, in that order of precedence.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If the config file or an environment value cannot be loaded, the config is
// nil and the slice holds that single error.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, []error{fmt.Errorf("failed to load defaults: %w", err)}
	}

	// Load from YAML file (lower precedence than env)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	// Unprefixed variables first (DATABASE_URL, PORT), then NEMESIS_* on top
	if err := k.Load(env.ProviderWithValue("", ".", unprefixedKey), nil); err != nil {
		return nil, []error{fmt.Errorf("failed to load environment: %w", err)}
	}
	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", prefixedKey), nil); err != nil {
		return nil, []error{fmt.Errorf("failed to load environment: %w", err)}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, []error{fmt.Errorf("failed to decode configuration: %w", err)}
	}
	cfg.ReferencePolicy = strings.ToLower(cfg.ReferencePolicy)
	cfg.TracingExporter = strings.ToLower(cfg.TracingExporter)

	return cfg, cfg.Validate()
}

// unprefixedKey maps DATABASE_URL to database_url. Unrelated variables such
// as PATH and empty values are dropped.
func unprefixedKey(name, value string) (string, interface{}) {
	key := strings.ToLower(name)
	if _, ok := knownKeys[key]; !ok || value == "" {
		return "", nil
	}
	return key, value
}

// prefixedKey maps NEMESIS_DATABASE_URL to database_url.
func prefixedKey(name, value string) (string, interface{}) {
	if value == "" {
		return "", nil
	}
	return strings.ToLower(strings.TrimPrefix(name, EnvPrefix)), value
}

// Validate checks that all required configuration values are present and in range.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, ErrInvalidPort)
	}
	if c.EmbeddingDimensions <= 0 {
		errs = append(errs, ErrInvalidDimensions)
	}
	if c.DefaultPageSize <= 0 || c.MaxPageSize < c.DefaultPageSize {
		errs = append(errs, ErrInvalidPageSize)
	}
	if c.ScoringTimeout <= 0 {
		errs = append(errs, ErrInvalidScoringTimeout)
	}
	if c.ScoringWorkers <= 0 {
		errs = append(errs, ErrInvalidScoringWorkers)
	}
	if c.TagCacheSize <= 0 {
		errs = append(errs, ErrInvalidTagCacheSize)
	}
	if c.ReferencePolicy != "self" && c.ReferencePolicy != "inverse" {
		errs = append(errs, ErrInvalidReferencePolicy)
	}
	if c.RateLimitRequests <= 0 || c.RateLimitWindow <= 0 {
		errs = append(errs, ErrInvalidRateLimit)
	}
	if c.StoreBreakerFailures <= 0 || c.StoreBreakerTimeout <= 0 {
		errs = append(errs, ErrInvalidBreaker)
	}

	// Tracing settings only matter when tracing is on.
	if c.TracingEnabled {
		if c.TracingExporter != "otlp-http" && c.TracingExporter != "otlp-grpc" {
			errs = append(errs, ErrInvalidTracingExporter)
		}
		if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
			errs = append(errs, ErrInvalidSampleRate)
		}
	}

	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                     fmt.Sprintf("%d", c.Port),
		"env":                      c.Env,
		"database_url":             maskDatabaseURL(c.DatabaseURL),
		"redis_url":                maskDatabaseURL(c.RedisURL),
		"migrate_on_start":         fmt.Sprintf("%t", c.MigrateOnStart),
		"store_breaker_failures":   fmt.Sprintf("%d", c.StoreBreakerFailures),
		"store_breaker_timeout":    c.StoreBreakerTimeout.String(),
		"embedding_dimensions":     fmt.Sprintf("%d", c.EmbeddingDimensions),
		"default_page_size":        fmt.Sprintf("%d", c.DefaultPageSize),
		"max_page_size":            fmt.Sprintf("%d", c.MaxPageSize),
		"scoring_timeout":          c.ScoringTimeout.String(),
		"scoring_workers":          fmt.Sprintf("%d", c.ScoringWorkers),
		"tag_cache_size":           fmt.Sprintf("%d", c.TagCacheSize),
		"ranking_calibration_path": c.RankingCalibrationPath,
		"reference_policy":         c.ReferencePolicy,
		"rate_limit_requests":      fmt.Sprintf("%d", c.RateLimitRequests),
		"rate_limit_window":        c.RateLimitWindow.String(),
		"tracing_enabled":          fmt.Sprintf("%t", c.TracingEnabled),
		"tracing_exporter":         c.TracingExporter,
		"otlp_endpoint":            c.OTLPEndpoint,
		"tracing_sample_rate":      fmt.Sprintf("%g", c.TracingSampleRate),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskDatabaseURL masks the password in a connection URL.
// Works for postgres://, postgresql:// and redis:// schemes.
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
