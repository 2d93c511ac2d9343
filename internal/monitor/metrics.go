// Package monitor owns observability for the execution core: Prometheus
// metrics and fire-and-forget alert delivery.
//
// Exposed metrics:
//   - exec_orders_total{outcome}        – per-order dispatch outcomes (pending|failed|simulated)
//   - exec_dispatch_attempts_total      – webhook attempts including retries
//   - exec_dispatch_retries_total       – attempts beyond the first
//   - exec_breaker_state               – breaker state (0=closed, 1=half-open, 2=open)
//   - exec_fills_total                  – confirmed fills
//   - exec_daily_realized_pnl           – realized P&L for the trading day
//   - exec_open_exposure                – open exposure (account currency)
//   - exec_emergency_mode               – 1 while emergency mode is active
package monitor

import "github.com/prometheus/client_golang/prometheus"

// Metrics aggregates the core's Prometheus collectors. A single instance is
// created in main and handed to the dispatcher and risk limiter.
type Metrics struct {
	OrdersTotal      *prometheus.CounterVec
	DispatchAttempts prometheus.Counter
	DispatchRetries  prometheus.Counter
	BreakerState     prometheus.Gauge
	FillsTotal       prometheus.Counter
	DailyRealizedPnL prometheus.Gauge
	OpenExposure     prometheus.Gauge
	EmergencyMode    prometheus.Gauge
}

// NewMetrics builds and registers the collector set on the given registerer
// (pass prometheus.DefaultRegisterer in production).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrdersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exec_orders_total",
				Help: "Per-order dispatch outcomes",
			},
			[]string{"outcome"},
		),
		DispatchAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exec_dispatch_attempts_total",
			Help: "Webhook dispatch attempts including retries",
		}),
		DispatchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exec_dispatch_retries_total",
			Help: "Dispatch attempts beyond the first for a batch",
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exec_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}),
		FillsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exec_fills_total",
			Help: "Confirmed order fills",
		}),
		DailyRealizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exec_daily_realized_pnl",
			Help: "Realized P&L for the current trading day",
		}),
		OpenExposure: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exec_open_exposure",
			Help: "Aggregate open exposure in account currency",
		}),
		EmergencyMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exec_emergency_mode",
			Help: "1 while emergency mode is active",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.OrdersTotal, m.DispatchAttempts, m.DispatchRetries, m.BreakerState,
			m.FillsTotal, m.DailyRealizedPnL, m.OpenExposure, m.EmergencyMode,
		)
	}
	return m
}

// SetBreakerState maps a breaker state name onto the gauge.
func (m *Metrics) SetBreakerState(state string) {
	if m == nil {
		return
	}
	switch state {
	case "OPEN":
		m.BreakerState.Set(2)
	case "HALF_OPEN":
		m.BreakerState.Set(1)
	default:
		m.BreakerState.Set(0)
	}
}
