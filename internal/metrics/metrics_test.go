package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_AllVariablesNonNil(t *testing.T) {
	t.Parallel()

	vars := []struct {
		name string
		val  any
	}{
		{"IndexerTicksTotal", IndexerTicksTotal},
		{"IndexerBlocksAccepted", IndexerBlocksAccepted},
		{"IndexerUnitFailures", IndexerUnitFailures},
		{"LedgerCreditsCreated", LedgerCreditsCreated},
		{"ReorgDetectedTotal", ReorgDetectedTotal},
		{"ReorgDepth", ReorgDepth},
		{"ConfirmationPromotions", ConfirmationPromotions},
		{"WithdrawalRefunds", WithdrawalRefunds},
		{"RPCCallsTotal", RPCCallsTotal},
		{"RPCFailoversTotal", RPCFailoversTotal},
		{"PipelineHealthStatus", PipelineHealthStatus},
		{"DBPoolOpen", DBPoolOpen},
		{"AlertsSentTotal", AlertsSentTotal},
	}

	for _, v := range vars {
		assert.NotNilf(t, v.val, "%s should not be nil", v.name)
	}
}

func TestMetrics_CounterIncrement(t *testing.T) {
	t.Parallel()

	labels := []string{"metrics-test-chain", "metrics-test-network"}

	ReorgDetectedTotal.WithLabelValues(labels...).Inc()
	ReorgDetectedTotal.WithLabelValues(labels...).Inc()
	assert.Equal(t, 2.0, testutil.ToFloat64(ReorgDetectedTotal.WithLabelValues(labels...)))

	assert.NotPanics(t, func() { ConfirmationPromotions.WithLabelValues(append(labels, "safe")...).Inc() })
	assert.NotPanics(t, func() { ReorgDepth.WithLabelValues(labels...).Observe(5) })
	assert.NotPanics(t, func() { IndexerLastAcceptedHeight.WithLabelValues(labels...).Set(100) })
}
