package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bioengine"

// Metrics groups the collectors shared by the gateway, governor, router and
// approval gate. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Gateway
	ProviderAttempts *prometheus.CounterVec
	ProviderErrors   *prometheus.CounterVec
	ProviderSwitches *prometheus.CounterVec
	Exhausted        prometheus.Counter
	AttemptDuration  *prometheus.HistogramVec
	FirstChunk       *prometheus.HistogramVec
	ActiveStreams    prometheus.Gauge
	BreakerState     *prometheus.GaugeVec

	// Governor
	UsageCost       *prometheus.CounterVec
	UsageCalls      *prometheus.CounterVec
	PaidWindowOpen  prometheus.Gauge
	PaidWindowReset *prometheus.CounterVec

	// Router
	RoutedQueries *prometheus.CounterVec
	RoutingScore  *prometheus.HistogramVec

	// Approval
	ActionsCreated  *prometheus.CounterVec
	ActionsResolved *prometheus.CounterVec

	// Usage queue
	QueueProcessed *prometheus.CounterVec
}

// New registers every collector with reg. Passing prometheus.NewRegistry()
// keeps tests isolated from the default registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ProviderAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "provider_attempts_total",
			Help:      "Provider calls attempted by the gateway",
		}, []string{"provider", "model"}),
		ProviderErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "provider_errors_total",
			Help:      "Provider call failures by kind",
		}, []string{"provider", "kind"}),
		ProviderSwitches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "provider_switches_total",
			Help:      "Fallbacks from one provider to the next",
		}, []string{"from", "to"}),
		Exhausted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "exhausted_total",
			Help:      "Requests for which every provider failed",
		}),
		AttemptDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of successful provider calls",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"provider", "stream"}),
		FirstChunk: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "first_chunk_seconds",
			Help:      "Time until the first chunk of a stream",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"provider"}),
		ActiveStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "active_streams",
			Help:      "Streams currently being relayed",
		}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per provider (0=closed, 1=half-open, 2=open)",
		}, []string{"provider"}),

		UsageCost: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "governor",
			Name:      "usage_cost_usd_total",
			Help:      "Estimated spend logged per provider",
		}, []string{"provider"}),
		UsageCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "governor",
			Name:      "usage_calls_total",
			Help:      "Completed calls logged per provider",
		}, []string{"provider"}),
		PaidWindowOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "governor",
			Name:      "paid_window_open",
			Help:      "1 while a paid window is open",
		}),
		PaidWindowReset: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "governor",
			Name:      "paid_window_reverts_total",
			Help:      "Paid windows closed, by reason",
		}, []string{"reason"}),

		RoutedQueries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "routed_queries_total",
			Help:      "Queries routed per agent",
		}, []string{"agent", "overridden"}),
		RoutingScore: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "best_score",
			Help:      "Best capability score per routed query",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		}, []string{"agent"}),

		ActionsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "approval",
			Name:      "actions_created_total",
			Help:      "Pending actions created",
		}, []string{"type", "severity"}),
		ActionsResolved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "approval",
			Name:      "actions_resolved_total",
			Help:      "Pending actions leaving the pending state",
		}, []string{"status"}),

		QueueProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage_queue",
			Name:      "processed_total",
			Help:      "Usage updates processed by outcome",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) ObserveAttempt(provider, model string) {
	if m == nil {
		return
	}
	m.ProviderAttempts.WithLabelValues(provider, model).Inc()
}

func (m *Metrics) ObserveProviderError(provider, kind string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(provider, kind).Inc()
}

func (m *Metrics) ObserveSwitch(from, to string) {
	if m == nil {
		return
	}
	m.ProviderSwitches.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveExhausted() {
	if m == nil {
		return
	}
	m.Exhausted.Inc()
}

func (m *Metrics) ObserveAttemptDuration(provider string, stream bool, d time.Duration) {
	if m == nil {
		return
	}
	m.AttemptDuration.WithLabelValues(provider, boolLabel(stream)).Observe(d.Seconds())
}

func (m *Metrics) ObserveFirstChunk(provider string, d time.Duration) {
	if m == nil {
		return
	}
	m.FirstChunk.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

func (m *Metrics) StreamFinished() {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
}

func (m *Metrics) SetBreakerState(provider string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(provider).Set(float64(state))
}

func (m *Metrics) ObserveUsage(provider string, costUSD float64) {
	if m == nil {
		return
	}
	m.UsageCalls.WithLabelValues(provider).Inc()
	m.UsageCost.WithLabelValues(provider).Add(costUSD)
}

func (m *Metrics) SetPaidWindowOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.PaidWindowOpen.Set(1)
	} else {
		m.PaidWindowOpen.Set(0)
	}
}

func (m *Metrics) ObservePaidWindowRevert(reason string) {
	if m == nil {
		return
	}
	m.PaidWindowReset.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveRoute(agent string, overridden bool, score float64) {
	if m == nil {
		return
	}
	m.RoutedQueries.WithLabelValues(agent, boolLabel(overridden)).Inc()
	m.RoutingScore.WithLabelValues(agent).Observe(score)
}

func (m *Metrics) ObserveActionCreated(actionType, severity string) {
	if m == nil {
		return
	}
	m.ActionsCreated.WithLabelValues(actionType, severity).Inc()
}

func (m *Metrics) ObserveActionResolved(status string) {
	if m == nil {
		return
	}
	m.ActionsResolved.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveQueueOutcome(outcome string) {
	if m == nil {
		return
	}
	m.QueueProcessed.WithLabelValues(outcome).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
