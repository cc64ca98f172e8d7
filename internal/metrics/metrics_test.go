package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveAttempt("gemini", "flash")
		m.ObserveSwitch("gemini", "anthropic")
		m.ObserveUsage("openai", 0.2)
		m.SetPaidWindowOpen(true)
		m.ObserveRoute("coach", true, 0.1)
		m.ObserveAttemptDuration("gemini", true, time.Second)
	})
}

func TestCollectorsRecord(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveAttempt("gemini", "flash")
	m.ObserveAttempt("gemini", "flash")
	m.ObserveUsage("openai", 0.25)
	m.ObserveUsage("openai", 0.5)
	m.SetPaidWindowOpen(true)
	m.ObserveRoute("recovery", false, 0.95)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ProviderAttempts.WithLabelValues("gemini", "flash")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.UsageCalls.WithLabelValues("openai")))
	assert.InDelta(t, 0.75, testutil.ToFloat64(m.UsageCost.WithLabelValues("openai")), 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PaidWindowOpen))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RoutedQueries.WithLabelValues("recovery", "false")))

	m.SetPaidWindowOpen(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.PaidWindowOpen))
}

func TestNewRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
