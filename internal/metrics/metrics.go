package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every instancectl collector. A CLI run is short-lived, so
// metrics are exported once via WriteTextfile instead of being scraped.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

// Poller metrics
var (
	// PollAttempts counts observation cycles by target status
	PollAttempts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instancectl_poll_attempts_total",
			Help: "Total number of poll observation cycles by target status",
		},
		[]string{"target"},
	)

	// PollTransitions counts transition requests by target and result
	PollTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instancectl_poll_transitions_total",
			Help: "Total number of start/stop requests issued by target status and result (ok, transient, fatal)",
		},
		[]string{"target", "result"},
	)

	// PollOutcomes counts finished polls by outcome
	PollOutcomes = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instancectl_poll_outcomes_total",
			Help: "Total number of finished polls by target status and outcome",
		},
		[]string{"target", "outcome"},
	)

	// PollDuration tracks wall-clock time to convergence or exhaustion
	PollDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "instancectl_poll_duration_seconds",
			Help:    "Duration of a poll from first observation to outcome",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68min
		},
		[]string{"target"},
	)
)

// Provider API metrics
var (
	// ProviderAPICalls counts provider API calls by operation and status
	ProviderAPICalls = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instancectl_provider_api_calls_total",
			Help: "Total number of provider API calls by operation and status (success, error)",
		},
		[]string{"operation", "status"},
	)

	// ProviderAPIDuration tracks provider API response times
	ProviderAPIDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "instancectl_provider_api_duration_seconds",
			Help:    "Provider API response time by operation",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation"},
	)
)

// BenchTokensPerSecond records the last measured throughput per batch size
var BenchTokensPerSecond = factory.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "instancectl_bench_tokens_per_second",
		Help: "Measured generation throughput by model and batch size",
	},
	[]string{"model", "batch_size"},
)

// RecordPollAttempt records one observation cycle
func RecordPollAttempt(target string) {
	PollAttempts.WithLabelValues(target).Inc()
}

// RecordTransition records a start/stop request result
func RecordTransition(target, result string) {
	PollTransitions.WithLabelValues(target, result).Inc()
}

// RecordPollOutcome records how a poll finished and how long it took
func RecordPollOutcome(target, outcome string, duration time.Duration) {
	PollOutcomes.WithLabelValues(target, outcome).Inc()
	PollDuration.WithLabelValues(target).Observe(duration.Seconds())
}

// RecordProviderAPICall records a provider API call
func RecordProviderAPICall(operation string, err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	ProviderAPICalls.WithLabelValues(operation, status).Inc()
	ProviderAPIDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordBenchThroughput records the throughput measured for a batch size
func RecordBenchThroughput(model string, batchSize int, tokensPerSecond float64) {
	BenchTokensPerSecond.WithLabelValues(model, fmt.Sprintf("%d", batchSize)).Set(tokensPerSecond)
}

// WriteTextfile writes the current metric values in the text exposition
// format, suitable for the node-exporter textfile collector.
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, Registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
