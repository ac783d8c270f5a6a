package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the counters exported by the relayer. A nil *Metrics is a
// valid no-op receiver so instrumentation can stay optional.
type Metrics struct {
	transitions     *prometheus.CounterVec
	staleRejections prometheus.Counter
	webhooks        *prometheus.CounterVec
	settleRetries   prometheus.Counter
}

// New registers the relayer collectors against reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "transitions_total",
			Help:      "Transaction state transitions by resulting status.",
		}, []string{"status"}),
		staleRejections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "stale_transitions_total",
			Help:      "Triggers rejected because their status precondition no longer held.",
		}),
		webhooks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "webhooks_total",
			Help:      "Provider notifications ingested, by network and outcome.",
		}, []string{"network", "outcome"}),
		settleRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "settle_retries_total",
			Help:      "Settlement submissions retried after a ledger failure.",
		}),
	}
}

// ObserveTransition counts a successful transition into status.
func (m *Metrics) ObserveTransition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

// ObserveStaleRejection counts a rejected duplicate or out-of-order trigger.
func (m *Metrics) ObserveStaleRejection() {
	if m == nil {
		return
	}
	m.staleRejections.Inc()
}

// ObserveWebhook counts an ingested provider notification.
func (m *Metrics) ObserveWebhook(network, outcome string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(network, outcome).Inc()
}

// ObserveSettleRetry counts a settlement retry.
func (m *Metrics) ObserveSettleRetry() {
	if m == nil {
		return
	}
	m.settleRetries.Inc()
}
