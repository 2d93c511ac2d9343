package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"execution-core/internal/breaker"
	"execution-core/internal/dispatch"
	"execution-core/internal/events"
	"execution-core/internal/registry"
	"execution-core/internal/risk"
	"execution-core/internal/schedule"
)

type fakePositions struct {
	calls []float64
	open  []dispatch.OrderIntent
}

func (f *fakePositions) ExitOrders(pct float64) []dispatch.OrderIntent {
	f.calls = append(f.calls, pct)
	return f.open
}

func newTestEngine(t *testing.T, entries []schedule.RawEntry, positions *fakePositions, now *time.Time) (*Engine, *registry.Registry, *risk.Limiter) {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	reg := registry.New(nil)
	// Simulation mode keeps engine tests off the network entirely.
	disp, err := dispatch.New(dispatch.Config{
		WebhookURL:     "https://orders.example.com/webhook?tag=68f1af24611676c1c94ce1b0",
		SimulationMode: true,
	}, breaker.New(5, 300*time.Second), reg, events.NewBus(), nil)
	require.NoError(t, err)

	limiter := risk.NewLimiter(risk.Config{
		AccountEquity:   1_000_000,
		MaxDailyLoss:    0.03,
		MaxOpenExposure: 0.10,
		Timezone:        loc,
	}, nil, nil, risk.WithClock(func() time.Time { return *now }))

	sched, err := schedule.New(entries, loc)
	require.NoError(t, err)

	e := New(limiter, disp, sched, positions, time.Second)
	e.now = func() time.Time { return *now }
	return e, reg, limiter
}

func TestEmergencyTickClosesAllAndStops(t *testing.T) {
	now := time.Date(2025, 6, 2, 11, 0, 0, 0, time.UTC)
	positions := &fakePositions{open: []dispatch.OrderIntent{
		{Instrument: "SENSEX25JUN81000CE", Action: "BUY", Lots: 2},
		{Instrument: "SENSEX25JUN81000PE", Action: "BUY", Lots: 2},
	}}
	e, reg, limiter := newTestEngine(t, nil, positions, &now)

	limiter.EnterEmergencyMode("manual halt")
	stop := e.Tick(context.Background())
	require.True(t, stop, "emergency tick must stop the loop")
	require.Equal(t, []float64{100}, positions.calls)
	require.Len(t, reg.Pending(), 2, "close orders must flow through the dispatcher")
}

func TestScheduledExitFiresThroughDispatcher(t *testing.T) {
	loc, _ := time.LoadLocation("Asia/Kolkata")
	now := time.Date(2025, 6, 2, 15, 16, 0, 0, loc)
	positions := &fakePositions{open: []dispatch.OrderIntent{{Instrument: "NIFTY", Action: "BUY", Lots: 1}}}
	e, reg, _ := newTestEngine(t, []schedule.RawEntry{
		{Time: "15:15:00", Pct: 50},
		{Time: "15:25:00", Final: true},
	}, positions, &now)

	stop := e.Tick(context.Background())
	require.False(t, stop)
	require.Equal(t, []float64{50}, positions.calls)
	require.Len(t, reg.Pending(), 1)

	// Same tick time again: entry already fired, nothing happens.
	stop = e.Tick(context.Background())
	require.False(t, stop)
	require.Equal(t, []float64{50}, positions.calls)

	// Final entry closes the session and stops the loop.
	now = time.Date(2025, 6, 2, 15, 26, 0, 0, loc)
	stop = e.Tick(context.Background())
	require.True(t, stop)
	require.Equal(t, []float64{50, 100}, positions.calls)
}

func TestSubmitEntryGating(t *testing.T) {
	loc, _ := time.LoadLocation("Asia/Kolkata")
	now := time.Date(2025, 6, 2, 11, 0, 0, 0, loc)
	e, reg, limiter := newTestEngine(t, []schedule.RawEntry{{Time: "15:25:00", Final: true}}, &fakePositions{}, &now)

	intents := []dispatch.OrderIntent{{Instrument: "SENSEX25JUN81000CE", Action: "SELL", Lots: 2}}

	res, err := e.SubmitEntry(context.Background(), intents, 50_000)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Len(t, reg.Pending(), 1)

	// Exposure limit: 60k existing (50k above plus this 10k would pass, but
	// 60k more breaches 100k).
	_, err = e.SubmitEntry(context.Background(), intents, 60_000)
	require.NoError(t, err) // risk only counts exposure applied via OnFill

	limiter.OnFill(0, 95_000)
	_, err = e.SubmitEntry(context.Background(), intents, 10_000)
	require.ErrorIs(t, err, ErrEntryDenied)

	// Session closed after final entry: entries denied for the day.
	now = time.Date(2025, 6, 2, 15, 30, 0, 0, loc)
	e.Tick(context.Background())
	_, err = e.SubmitEntry(context.Background(), intents, 0)
	require.ErrorIs(t, err, ErrEntryDenied)
}
