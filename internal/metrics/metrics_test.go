package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Observe(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveSign("sandbox", "success")
	m.ObserveSign("sandbox", "success")
	m.ObservePolicy("transfer", "deny")
	m.ObserveDecryptFailure()
	m.ObserveReadRetry("evm:1", "get_balance")
	m.ObserveAudit("denied")
	m.ObserveSubmit("sandbox", 10*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SignOutcomes.WithLabelValues("sandbox", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PolicyDecisions.WithLabelValues("transfer", "deny")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecryptFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChainReadRetries.WithLabelValues("evm:1", "get_balance")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditAppends.WithLabelValues("denied")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.SubmitDuration))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveSign("sandbox", "success")
		m.ObservePolicy("transfer", "allow")
		m.ObserveDecryptFailure()
		m.ObserveReadRetry("sandbox", "get_history")
		m.ObserveAudit("success")
		m.ObserveSubmit("sandbox", time.Second)
	})
}
