package nemesis

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricRankRequestsTotal     = "nemesis_rank_requests_total"
	MetricRankDuration          = "nemesis_rank_duration_seconds"
	MetricCandidatesScored      = "nemesis_candidates_scored"
	MetricNeutralFallbacksTotal = "nemesis_neutral_fallbacks_total"
)

// Fallback signal labels.
const (
	SignalProfile      = "profile"
	SignalTagEmbedding = "tag_embedding"
	SignalTagPair      = "tag_pair"
)

// Metrics contains Prometheus metrics for nemesis ranking.
// All operations are thread-safe.
type Metrics struct {
	rankRequests     *prometheus.CounterVec
	rankDuration     prometheus.Histogram
	candidatesScored prometheus.Histogram
	neutralFallbacks *prometheus.CounterVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		rankRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRankRequestsTotal,
				Help: "Total number of nemesis ranking requests by outcome",
			},
			[]string{"outcome"},
		),
		rankDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricRankDuration,
			Help:    "Histogram of nemesis ranking duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}),
		candidatesScored: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricCandidatesScored,
			Help:    "Number of candidates scored per ranking request",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		neutralFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricNeutralFallbacksTotal,
				Help: "Total number of neutral score substitutions by signal",
			},
			[]string{"signal"},
		),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncRankRequests increments the request counter for an outcome.
func (m *Metrics) IncRankRequests(outcome string) {
	m.rankRequests.WithLabelValues(outcome).Inc()
}

// ObserveRankDuration records a ranking duration sample.
func (m *Metrics) ObserveRankDuration(seconds float64) {
	m.rankDuration.Observe(seconds)
}

// ObserveCandidatesScored records how many candidates one request scored.
func (m *Metrics) ObserveCandidatesScored(count int) {
	m.candidatesScored.Observe(float64(count))
}

// AddNeutralFallbacks adds n neutral substitutions for a signal.
func (m *Metrics) AddNeutralFallbacks(signal string, n int) {
	if n <= 0 {
		return
	}
	m.neutralFallbacks.WithLabelValues(signal).Add(float64(n))
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.rankRequests,
		m.rankDuration,
		m.candidatesScored,
		m.neutralFallbacks,
	}
}
