// Package engine drives the per-tick orchestration: risk day-roll, emergency
// close, EOD schedule evaluation, and risk-gated entry submission. Strategy
// decisions and market data stay behind interfaces; this loop only sequences
// the execution core.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"execution-core/internal/dispatch"
	"execution-core/internal/events"
	"execution-core/internal/risk"
	"execution-core/internal/schedule"
)

// ErrEntryDenied is returned by SubmitEntry when the risk limiter or session
// state blocks a new entry.
var ErrEntryDenied = errors.New("engine: entry denied")

// PositionSource reports exit intents for currently open positions. pct is the
// percentage of the position to close; 100 closes everything.
type PositionSource interface {
	ExitOrders(pct float64) []dispatch.OrderIntent
}

// Engine sequences one logical tick at a bounded poll interval. Within a tick
// everything runs sequentially; only fill confirmations arrive concurrently
// and those are handled by the registry.
type Engine struct {
	Risk       *risk.Limiter
	Dispatcher *dispatch.Dispatcher
	Scheduler  *schedule.Scheduler
	Positions  PositionSource
	Bus        *events.Bus
	Interval   time.Duration

	now func() time.Time
}

// New builds an engine with the default clock.
func New(riskLim *risk.Limiter, disp *dispatch.Dispatcher, sched *schedule.Scheduler, positions PositionSource, interval time.Duration) *Engine {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Engine{
		Risk:       riskLim,
		Dispatcher: disp,
		Scheduler:  sched,
		Positions:  positions,
		Interval:   interval,
		now:        time.Now,
	}
}

// Run ticks until ctx is cancelled, an emergency close completes, or a final
// schedule entry ends the session.
func (e *Engine) Run(ctx context.Context) error {
	log.Printf("engine: starting tick loop (interval: %v)", e.Interval)
	ticker := time.NewTicker(e.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if stop := e.Tick(ctx); stop {
				return nil
			}
		}
	}
}

// Tick runs one orchestration pass and reports whether the loop should stop.
func (e *Engine) Tick(ctx context.Context) (stop bool) {
	now := e.now()

	// Day rollover happens before any other risk check.
	state := e.Risk.Snapshot()

	if state.EmergencyMode {
		log.Printf("engine: emergency mode (%s) - performing emergency close", state.EmergencyReason)
		e.closePositions(ctx, 100)
		log.Println("engine: emergency close complete - stopping")
		return true
	}

	for _, entry := range e.Scheduler.DueEntries(now) {
		pct := entry.Pct
		if pct <= 0 {
			pct = 100
		}
		log.Printf("engine: exit trigger %s reached, closing %.0f%% of positions", entry.Time, pct)
		if e.Bus != nil {
			e.Bus.Publish(events.EventScheduleFired, fmt.Sprintf("exit trigger %s: closing %.0f%%", entry.Time, pct))
		}
		e.closePositions(ctx, pct)
		if entry.Final {
			log.Println("engine: final exit executed - session closed")
			return true
		}
	}
	return false
}

// SubmitEntry gates a new entry batch through the session and risk checks and
// dispatches it. proposedExposure is the exposure the batch would add, in
// account currency.
func (e *Engine) SubmitEntry(ctx context.Context, orders []dispatch.OrderIntent, proposedExposure float64) (dispatch.BatchResult, error) {
	if e.Scheduler != nil && e.Scheduler.SessionClosed(e.now()) {
		return dispatch.BatchResult{}, fmt.Errorf("%w: session closed for the day", ErrEntryDenied)
	}
	allowed, reason := e.Risk.CanEnter(proposedExposure)
	if !allowed {
		return dispatch.BatchResult{}, fmt.Errorf("%w: %s", ErrEntryDenied, reason)
	}
	return e.Dispatcher.SendOrders(ctx, dispatch.OrderBatch{Orders: orders})
}

func (e *Engine) closePositions(ctx context.Context, pct float64) {
	if e.Positions == nil {
		log.Println("engine: no position source configured; nothing to close")
		return
	}
	orders := e.Positions.ExitOrders(pct)
	if len(orders) == 0 {
		log.Println("engine: no open positions to close")
		return
	}
	res, err := e.Dispatcher.SendOrders(ctx, dispatch.OrderBatch{Orders: orders})
	if err != nil {
		log.Printf("engine: close dispatch error: %v", err)
		return
	}
	ok := 0
	for _, r := range res.Results {
		if r.Success {
			ok++
		}
	}
	log.Printf("engine: close batch %s: %d/%d orders accepted", res.Tag, ok, len(res.Results))
}
