package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Remote provider calls, one observation per attempt.
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_api_requests_total",
			Help: "Remote mailbox API calls by operation and result",
		},
		[]string{"op", "result"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvest_api_request_duration_seconds",
			Help:    "Remote mailbox API call latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
		[]string{"op"},
	)

	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_rate_limited_total",
			Help: "Rate-limited responses received from the provider",
		},
		[]string{"op"},
	)

	Messages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_messages_total",
			Help: "Messages seen during sync by outcome",
		},
		[]string{"account", "outcome"}, // outcome: stored, skipped, error
	)

	BatchesCommitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_batches_committed_total",
			Help: "Message batches committed to the store",
		},
		[]string{"account"},
	)

	PassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harvest_pass_duration_seconds",
			Help:    "Wall-clock duration of a full sync pass",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
		},
	)
)

// RecordAPICall records one remote call attempt.
func RecordAPICall(op, result string, d time.Duration) {
	APIRequests.WithLabelValues(op, result).Inc()
	APIRequestDuration.WithLabelValues(op).Observe(d.Seconds())
}

func IncrementRateLimited(op string) {
	RateLimited.WithLabelValues(op).Inc()
}

// AddMessages adds n to the account's outcome counter.
func AddMessages(account, outcome string, n int) {
	if n <= 0 {
		return
	}
	Messages.WithLabelValues(account, outcome).Add(float64(n))
}

func IncrementBatches(account string) {
	BatchesCommitted.WithLabelValues(account).Inc()
}

func RecordPass(d time.Duration) {
	PassDuration.Observe(d.Seconds())
}
