package runner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "rollupd"

// Metrics counts the runner's dispatches. Peripheral to the state machine;
// the runner only ever increments.
type Metrics struct {
	AdvanceInputsSent prometheus.Counter
	FinishEpochsSent  prometheus.Counter
	ClaimsSent        prometheus.Counter
}

// NewMetrics registers the runner counters with reg. A nil registerer
// leaves them unregistered, which tests use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AdvanceInputsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "advance_inputs_sent_total",
			Help:      "Number of advance-state inputs sent to the compute session.",
		}),
		FinishEpochsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "finish_epochs_sent_total",
			Help:      "Number of finish-epoch requests sent to the compute session.",
		}),
		ClaimsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "claims_sent_total",
			Help:      "Number of epoch claims published to the claim stream.",
		}),
	}
}
