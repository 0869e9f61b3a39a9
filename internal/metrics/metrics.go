// Package metrics registers the vault's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "agentvault"

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	SignOutcomes     *prometheus.CounterVec
	PolicyDecisions  *prometheus.CounterVec
	DecryptFailures  prometheus.Counter
	ChainReadRetries *prometheus.CounterVec
	AuditAppends     *prometheus.CounterVec
	SubmitDuration   *prometheus.HistogramVec
}

// New creates and registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SignOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sign_outcomes_total",
			Help:      "Sign-and-submit attempts by chain and outcome.",
		}, []string{"chain", "outcome"}),
		PolicyDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_decisions_total",
			Help:      "Policy evaluations by operation kind and decision.",
		}, []string{"operation", "decision"}),
		DecryptFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decrypt_failures_total",
			Help:      "Account secrets that failed authentication on decrypt.",
		}),
		ChainReadRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_read_retries_total",
			Help:      "Retried chain read calls by chain and operation.",
		}, []string{"chain", "op"}),
		AuditAppends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_appends_total",
			Help:      "Audit records appended by outcome.",
		}, []string{"outcome"}),
		SubmitDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submit_duration_seconds",
			Help:      "Latency of transaction broadcast calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"chain"}),
	}
}

func (m *Metrics) ObserveSign(chain, outcome string) {
	if m == nil {
		return
	}
	m.SignOutcomes.WithLabelValues(chain, outcome).Inc()
}

func (m *Metrics) ObservePolicy(operation, decision string) {
	if m == nil {
		return
	}
	m.PolicyDecisions.WithLabelValues(operation, decision).Inc()
}

func (m *Metrics) ObserveDecryptFailure() {
	if m == nil {
		return
	}
	m.DecryptFailures.Inc()
}

func (m *Metrics) ObserveReadRetry(chain, op string) {
	if m == nil {
		return
	}
	m.ChainReadRetries.WithLabelValues(chain, op).Inc()
}

func (m *Metrics) ObserveAudit(outcome string) {
	if m == nil {
		return
	}
	m.AuditAppends.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveSubmit(chain string, d time.Duration) {
	if m == nil {
		return
	}
	m.SubmitDuration.WithLabelValues(chain).Observe(d.Seconds())
}
