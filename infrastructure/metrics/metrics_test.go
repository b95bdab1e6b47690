package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics() *Metrics {
	return NewWithRegistry("test", prometheus.NewRegistry())
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestRecordCacheHitAndMiss(t *testing.T) {
	m := newTestMetrics()
	m.RecordCacheHit("GET")
	m.RecordCacheMiss("GET")

	assert.Equal(t, float64(1), counterValue(t, m.CacheHitsTotal.WithLabelValues("GET")))
	assert.Equal(t, float64(1), counterValue(t, m.CacheMissTotal.WithLabelValues("GET")))
}

func TestSetQueueDepthAndRecordJob(t *testing.T) {
	m := newTestMetrics()
	m.SetQueueDepth("pull", 3)
	m.RecordJobProcessed("ok")
	m.RecordJobProcessed("failed")

	assert.Equal(t, float64(3), gaugeValue(t, m.QueueDepth.WithLabelValues("pull")))
	assert.Equal(t, float64(1), counterValue(t, m.JobsProcessedTotal.WithLabelValues("ok")))
	assert.Equal(t, float64(1), counterValue(t, m.JobsProcessedTotal.WithLabelValues("failed")))
}

func TestRecordRuleMatch(t *testing.T) {
	m := newTestMetrics()
	m.RecordRuleMatch("YarnDependencyNotResolved", "next_rule")
	assert.Equal(t, float64(1), counterValue(t, m.RuleMatchesTotal.WithLabelValues("YarnDependencyNotResolved", "next_rule")))
}

func TestUpdateUptime(t *testing.T) {
	m := newTestMetrics()
	start := time.Now().Add(-5 * time.Second)
	m.UpdateUptime(start)
	assert.GreaterOrEqual(t, gaugeValue(t, m.ServiceUptime), 5.0)
}

func TestEnabledDefaultsOffInProduction(t *testing.T) {
	t.Setenv("METRICS_ENABLED", "")
	t.Setenv("ENVIRONMENT", "production")
	assert.False(t, Enabled())

	t.Setenv("METRICS_ENABLED", "true")
	assert.True(t, Enabled())
}
