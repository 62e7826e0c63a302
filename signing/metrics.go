package signing

import (
	"github.com/prometheus/client_golang/prometheus"

	signererrors "github.com/rpkica/signer/errors"
)

// apiMetrics holds the Prometheus instrumentation for every Public
// Signing API operation: counters split by operation and by the
// classified error kind, for whichever collaborator scrapes this
// process.
type apiMetrics struct {
	operations *prometheus.CounterVec
	operationErrors *prometheus.CounterVec
	oneOffDestroyFailures prometheus.Counter
}

// NewMetrics registers this package's collectors against stats and
// returns the handle the API uses to record them.
func NewMetrics(stats prometheus.Registerer) *apiMetrics {
	operations := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signing_operations",
			Help: "Number of Public Signing API operations, by operation and by signer",
		},
		[]string{"operation", "signer"})
	stats.MustRegister(operations)

	operationErrors := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signing_operation_errors",
			Help: "Number of Public Signing API operation failures, by operation and by classified error kind",
		},
		[]string{"operation", "kind"})
	stats.MustRegister(operationErrors)

	oneOffDestroyFailures := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "signing_one_off_destroy_failures",
			Help: "Number of sign_one_off calls whose ephemeral key failed to destroy after a successful signature",
	})
	stats.MustRegister(oneOffDestroyFailures)

	return &apiMetrics{operations, operationErrors, oneOffDestroyFailures}
}

func (m *apiMetrics) noteOperation(operation, signerName string) {
	m.operations.WithLabelValues(operation, signerName).Inc()
}

func (m *apiMetrics) noteError(operation string, err error) {
	kind := "Unknown"
	if t, ok := signererrors.TypeOf(err); ok {
		kind = t.String()
	}
	m.operationErrors.WithLabelValues(operation, kind).Inc()
}
