package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunLifecycleCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RunStarted("research", "fresh")
	m.RunStarted("research", "adopted")
	m.RunFinished("research", "completed")
	m.Refund("research", "ok")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveRuns.WithLabelValues("research")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsFinished.WithLabelValues("research", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Refunds.WithLabelValues("research", "ok")))

	count, err := testutil.GatherAndCount(reg, "runner_runs_started_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RunStarted("letter", "fresh")
	m.StoreError("touch")
	m.Event("letter", "delta")
}
