// Package metrics holds the gateway's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	// Dispatch metrics
	DispatchTotal    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	TokensUsed       *prometheus.CounterVec

	// Cost metrics
	CostMicro      *prometheus.CounterVec
	BudgetRejected *prometheus.CounterVec

	// Routing metrics
	Fallbacks  *prometheus.CounterVec
	Downgrades *prometheus.CounterVec

	// Breaker metrics
	BreakerState *prometheus.GaugeVec

	// Billing metrics
	SettlementTotal       *prometheus.CounterVec
	PendingReconciliation prometheus.Gauge
	DLQDepth              prometheus.Gauge

	// Ensemble metrics
	EnsembleRuns *prometheus.CounterVec

	// Tool-loop metrics
	ToolCalls      *prometheus.CounterVec
	ToolLoopAborts *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		DispatchTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_dispatch_total",
				Help: "Model dispatches by provider, model, and outcome",
			},
			[]string{"provider", "model", "outcome"}, // outcome: ok, error
		),

		DispatchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_dispatch_duration_seconds",
				Help:    "End-to-end dispatch latency",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),

		TokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Tokens consumed by lane",
			},
			[]string{"provider", "model", "lane"}, // lane: prompt, completion, reasoning
		),

		CostMicro: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cost_micro_usd_total",
				Help: "Accumulated cost in micro-USD",
			},
			[]string{"tenant", "provider", "model"},
		),

		BudgetRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_budget_rejections_total",
				Help: "Requests refused by the budget enforcer",
			},
			[]string{"scope"},
		),

		Fallbacks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_fallbacks_total",
				Help: "Health fallbacks taken by the router",
			},
			[]string{"agent"},
		),

		Downgrades: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_downgrades_total",
				Help: "Budget downgrades taken by the router",
			},
			[]string{"agent"},
		),

		BreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_breaker_state",
				Help: "Circuit state per provider (0 closed, 1 open, 2 half-open)",
			},
			[]string{"provider"},
		),

		SettlementTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_settlement_total",
				Help: "Settlement submissions by outcome",
			},
			[]string{"outcome"}, // outcome: acked, retried, dlq, failed
		),

		PendingReconciliation: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_pending_reconciliation",
				Help: "Billing entries awaiting external acknowledgement",
			},
		),

		DLQDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_dlq_depth",
				Help: "Entries currently parked in the dead-letter queue",
			},
		),

		EnsembleRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ensemble_runs_total",
				Help: "Ensemble runs by strategy and outcome",
			},
			[]string{"strategy", "outcome"},
		),

		ToolCalls: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tool_calls_total",
				Help: "Tool invocations by tool and outcome",
			},
			[]string{"tool", "outcome"}, // outcome: ok, error, memoized
		),

		ToolLoopAborts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tool_loop_aborts_total",
				Help: "Tool loops aborted by bound",
			},
			[]string{"reason"}, // reason: iterations, calls, wall_time, context, failures
		),
	}
}

// RecordDispatch records one completed dispatch.
func (m *Metrics) RecordDispatch(provider, model string, ok bool, seconds float64) {
	outcome := "error"
	if ok {
		outcome = "ok"
	}
	m.DispatchTotal.WithLabelValues(provider, model, outcome).Inc()
	m.DispatchDuration.WithLabelValues(provider, model).Observe(seconds)
}

// RecordUsage records token consumption for one dispatch.
func (m *Metrics) RecordUsage(provider, model string, prompt, completion, reasoning int) {
	m.TokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(prompt))
	m.TokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completion))
	if reasoning > 0 {
		m.TokensUsed.WithLabelValues(provider, model, "reasoning").Add(float64(reasoning))
	}
}

// RecordCost records attributed spend.
func (m *Metrics) RecordCost(tenant, provider, model string, micro int64) {
	m.CostMicro.WithLabelValues(tenant, provider, model).Add(float64(micro))
}

// SetBreakerState mirrors a breaker transition onto the gauge.
func (m *Metrics) SetBreakerState(provider string, state int) {
	m.BreakerState.WithLabelValues(provider).Set(float64(state))
}
