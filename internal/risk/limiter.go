// Package risk enforces account-level limits: daily realized loss, aggregate
// open exposure, and the emergency-mode latch.
package risk

import (
	"fmt"
	"log"
	"sync"
	"time"

	"execution-core/internal/events"
	"execution-core/internal/monitor"
)

// ReasonDailyLossBreached is the emergency reason set when the realized daily
// loss crosses the configured limit.
const ReasonDailyLossBreached = "DailyLossBreached"

// Config holds the risk limits. Fractions are of account equity.
type Config struct {
	AccountEquity   float64
	MaxDailyLoss    float64 // e.g. 0.03
	MaxOpenExposure float64 // e.g. 0.10
	Timezone        *time.Location
}

// State is a value-copy snapshot of the limiter.
type State struct {
	TradingDay      string  `json:"trading_day"`
	RealizedPnL     float64 `json:"realized_pnl"`
	OpenExposure    float64 `json:"open_exposure"`
	EmergencyMode   bool    `json:"emergency_mode"`
	EmergencyReason string  `json:"emergency_reason,omitempty"`
}

// Limiter gates new entries and tracks daily P&L. Daily state is keyed by the
// calendar date in the configured timezone and rolls over before any other
// check in a tick.
type Limiter struct {
	cfg     Config
	bus     *events.Bus
	metrics *monitor.Metrics
	now     func() time.Time

	mu              sync.Mutex
	tradingDay      string
	realizedPnL     float64
	openExposure    float64
	emergencyMode   bool
	emergencyReason string
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter builds a limiter. bus and metrics may be nil.
func NewLimiter(cfg Config, bus *events.Bus, metrics *monitor.Metrics, opts ...Option) *Limiter {
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}
	l := &Limiter{cfg: cfg, bus: bus, metrics: metrics, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	l.tradingDay = l.currentDay()
	return l
}

func (l *Limiter) currentDay() string {
	return l.now().In(l.cfg.Timezone).Format("2006-01-02")
}

// rollDayLocked resets daily state when the calendar date changed. Callers
// hold l.mu. Emergency mode survives the rollover; it is cleared manually.
func (l *Limiter) rollDayLocked() {
	day := l.currentDay()
	if day == l.tradingDay {
		return
	}
	log.Printf("risk: trading day rollover %s -> %s (prev pnl=%.2f)", l.tradingDay, day, l.realizedPnL)
	l.tradingDay = day
	l.realizedPnL = 0
	if l.metrics != nil {
		l.metrics.DailyRealizedPnL.Set(0)
	}
}

// CanEnter reports whether a new entry adding proposedExposure is allowed.
// Denial reasons distinguish emergency mode, daily loss, and exposure limits.
func (l *Limiter) CanEnter(proposedExposure float64) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollDayLocked()

	if l.emergencyMode {
		return false, fmt.Sprintf("emergency mode active: %s", l.emergencyReason)
	}
	maxLoss := l.cfg.MaxDailyLoss * l.cfg.AccountEquity
	if l.realizedPnL < 0 && -l.realizedPnL >= maxLoss {
		return false, fmt.Sprintf("daily loss limit breached: %.2f of %.2f", -l.realizedPnL, maxLoss)
	}
	maxExposure := l.cfg.MaxOpenExposure * l.cfg.AccountEquity
	if l.openExposure+proposedExposure > maxExposure {
		return false, fmt.Sprintf("exposure limit would be breached: %.2f + %.2f > %.2f",
			l.openExposure, proposedExposure, maxExposure)
	}
	return true, ""
}

// OnFill applies a realized P&L delta and an exposure delta. Crossing the
// daily loss limit latches emergency mode with reason DailyLossBreached.
func (l *Limiter) OnFill(pnlDelta, exposureDelta float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollDayLocked()

	l.realizedPnL += pnlDelta
	l.openExposure += exposureDelta
	if l.openExposure < 0 {
		l.openExposure = 0
	}
	if l.metrics != nil {
		l.metrics.DailyRealizedPnL.Set(l.realizedPnL)
		l.metrics.OpenExposure.Set(l.openExposure)
	}

	maxLoss := l.cfg.MaxDailyLoss * l.cfg.AccountEquity
	if l.realizedPnL < 0 && -l.realizedPnL >= maxLoss {
		l.enterEmergencyLocked(ReasonDailyLossBreached)
	}
}

// EnterEmergencyMode latches emergency mode. Idempotent; only the first call
// records the reason and alerts.
func (l *Limiter) EnterEmergencyMode(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enterEmergencyLocked(reason)
}

func (l *Limiter) enterEmergencyLocked(reason string) {
	if l.emergencyMode {
		return
	}
	l.emergencyMode = true
	l.emergencyReason = reason
	log.Printf("risk: EMERGENCY MODE ACTIVATED: %s", reason)
	if l.metrics != nil {
		l.metrics.EmergencyMode.Set(1)
	}
	if l.bus != nil {
		if reason == ReasonDailyLossBreached {
			l.bus.Publish(events.EventRiskAlert, fmt.Sprintf("daily loss limit breached: realized %.2f", l.realizedPnL))
		}
		l.bus.Publish(events.EventEmergencyMode, reason)
	}
}

// ClearEmergencyMode resets the latch, for manual operator intervention only.
func (l *Limiter) ClearEmergencyMode() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.emergencyMode {
		return
	}
	log.Printf("risk: emergency mode cleared (was: %s)", l.emergencyReason)
	l.emergencyMode = false
	l.emergencyReason = ""
	if l.metrics != nil {
		l.metrics.EmergencyMode.Set(0)
	}
}

// IsEmergency reports whether emergency mode is latched.
func (l *Limiter) IsEmergency() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.emergencyMode
}

// Snapshot returns a value copy of the current risk state.
func (l *Limiter) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollDayLocked()
	return State{
		TradingDay:      l.tradingDay,
		RealizedPnL:     l.realizedPnL,
		OpenExposure:    l.openExposure,
		EmergencyMode:   l.emergencyMode,
		EmergencyReason: l.emergencyReason,
	}
}
