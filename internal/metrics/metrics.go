// metrics.go - Prometheus metrics for synchronization, proving and submission.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace is the namespace every metric is registered under.
const Namespace = "shielder"

// Outcome labels.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// NewCounter creates a counter vector under the global namespace.
func NewCounter(name, subsystem, help string, labels []string) *prometheus.CounterVec {
	return promauto.NewCounterVec(prometheus.CounterOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help}, labels)
}

// NewHistogramWithBuckets creates a histogram vector with custom buckets.
func NewHistogramWithBuckets(name, subsystem, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	return promauto.NewHistogramVec(prometheus.HistogramOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets}, labels)
}

var (
	proofDuration = NewHistogramWithBuckets(
		"proof_duration_seconds",
		"prover",
		"Time spent producing a proof",
		[]string{"circuit", "backend", "outcome"},
		prometheus.ExponentialBuckets(0.05, 2, 12),
	)
	syncedTransactions = NewCounter(
		"transactions_applied_total",
		"sync",
		"Transactions applied to local account state",
		[]string{"kind"},
	)
	relaySubmissions = NewCounter(
		"submissions_total",
		"relayer",
		"Withdrawals submitted through a relayer",
		[]string{"outcome"},
	)
	teeRequests = NewCounter(
		"requests_total",
		"tee",
		"Requests sent to the confidential prover",
		[]string{"endpoint", "outcome"},
	)
)

func outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeOK
}

// RecordProof observes one proving attempt.
func RecordProof(circuit, backend string, took time.Duration, err error) {
	proofDuration.WithLabelValues(circuit, backend, outcome(err)).Observe(took.Seconds())
}

// RecordSyncedTransaction counts a transaction applied by the synchronizer.
func RecordSyncedTransaction(kind string) {
	syncedTransactions.WithLabelValues(kind).Inc()
}

// RecordRelay counts a relayer submission.
func RecordRelay(err error) {
	relaySubmissions.WithLabelValues(outcome(err)).Inc()
}

// RecordTeeRequest counts a request to the confidential prover.
func RecordTeeRequest(endpoint string, err error) {
	teeRequests.WithLabelValues(endpoint, outcome(err)).Inc()
}
