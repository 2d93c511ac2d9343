package main

import (
	"context"
	"log"
	"math"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"execution-core/internal/api"
	"execution-core/internal/breaker"
	"execution-core/internal/dispatch"
	"execution-core/internal/engine"
	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/internal/reconcile"
	"execution-core/internal/registry"
	"execution-core/internal/risk"
	"execution-core/internal/schedule"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
)

// sqliteJournal adapts the SQLite order store to the registry journal.
type sqliteJournal struct {
	db *db.Database
}

func (j *sqliteJournal) AppendPending(o registry.PendingOrder) error {
	return j.db.InsertPending(db.PendingRow{
		Key:         o.Key,
		Instrument:  o.Instrument,
		Action:      o.Action,
		Lots:        o.Lots,
		BrokerID:    o.BrokerID,
		SubmittedAt: o.SubmittedAt,
		HTTPStatus:  o.HTTPStatus,
		Attempts:    o.Attempts,
	})
}

func (j *sqliteJournal) AppendFill(f registry.FilledOrder) error {
	return j.db.RecordFill(db.FilledRow{
		Key:        f.Order.Key,
		Instrument: f.Order.Instrument,
		Action:     f.Order.Action,
		Lots:       f.Order.Lots,
		BrokerID:   f.Order.BrokerID,
		FillPrice:  f.FillPrice,
		FilledAt:   f.FilledAt,
	})
}

func (j *sqliteJournal) LoadPending() ([]registry.PendingOrder, error) {
	rows, err := j.db.LoadPending()
	if err != nil {
		return nil, err
	}
	out := make([]registry.PendingOrder, 0, len(rows))
	for _, r := range rows {
		out = append(out, registry.PendingOrder{
			Key:         r.Key,
			Instrument:  r.Instrument,
			Action:      r.Action,
			Lots:        r.Lots,
			BrokerID:    r.BrokerID,
			SubmittedAt: r.SubmittedAt,
			HTTPStatus:  r.HTTPStatus,
			Attempts:    r.Attempts,
		})
	}
	return out, nil
}

// positionBook tracks net open lots per instrument from confirmed fills and
// derives exit intents for scheduled or emergency closes.
type positionBook struct {
	mu sync.Mutex
	m  map[string]*position
}

type position struct {
	lots     int // net; positive is long
	avgPrice float64
}

func newPositionBook() *positionBook {
	return &positionBook{m: make(map[string]*position)}
}

// recordFill applies one fill and returns the realized P&L on any closing
// quantity plus the change in open notional.
func (b *positionBook) recordFill(instrument, action string, lots int, price float64) (pnl, exposureDelta float64) {
	signed := lots
	if strings.EqualFold(action, "SELL") {
		signed = -lots
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok := b.m[instrument]
	if !ok {
		pos = &position{}
		b.m[instrument] = pos
	}
	oldNotional := math.Abs(float64(pos.lots)) * pos.avgPrice

	if pos.lots == 0 || (pos.lots > 0) == (signed > 0) {
		// Adding to the position: blend the average price.
		total := pos.lots + signed
		if total != 0 {
			pos.avgPrice = (pos.avgPrice*math.Abs(float64(pos.lots)) + price*math.Abs(float64(signed))) / math.Abs(float64(total))
		}
		pos.lots = total
	} else {
		closeQty := math.Min(math.Abs(float64(pos.lots)), math.Abs(float64(signed)))
		if pos.lots > 0 {
			pnl = (price - pos.avgPrice) * closeQty
		} else {
			pnl = (pos.avgPrice - price) * closeQty
		}
		pos.lots += signed
		if pos.lots == 0 {
			pos.avgPrice = 0
			delete(b.m, instrument)
		} else if math.Abs(float64(signed)) > closeQty {
			// Flipped through zero: the remainder opens at the fill price.
			pos.avgPrice = price
		}
	}

	var newNotional float64
	if pos, ok := b.m[instrument]; ok {
		newNotional = math.Abs(float64(pos.lots)) * pos.avgPrice
	}
	return pnl, newNotional - oldNotional
}

// ExitOrders returns intents closing pct percent of every open position.
func (b *positionBook) ExitOrders(pct float64) []dispatch.OrderIntent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []dispatch.OrderIntent
	for instrument, pos := range b.m {
		lots := int(math.Ceil(math.Abs(float64(pos.lots)) * pct / 100))
		if lots == 0 {
			continue
		}
		action := "SELL"
		if pos.lots < 0 {
			action = "BUY"
		}
		out = append(out, dispatch.OrderIntent{Instrument: instrument, Action: action, Lots: lots})
	}
	return out
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	rf, err := config.LoadRiskFile(cfg.RiskFilePath)
	if err != nil {
		log.Fatalf("risk file load failed: %v", err)
	}
	loc, err := rf.Location()
	if err != nil {
		log.Fatalf("resolve timezone: %v", err)
	}

	buildVersion := os.Getenv("APP_VERSION")
	if buildVersion == "" {
		buildVersion = "v1.0-dev"
	}
	log.Printf("execution core starting (port=%s, tz=%s, simulation=%v)", cfg.Port, rf.Timezone, rf.Execution.SimulationMode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()
	metrics := monitor.NewMetrics(prometheus.DefaultRegisterer)

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("db init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("db migrations failed: %v", err)
	}

	// Order registry seeded from the journal
	reg := registry.New(&sqliteJournal{db: database})
	if err := reg.Restore(); err != nil {
		log.Fatalf("registry restore failed: %v", err)
	}

	brk := breaker.New(rf.Execution.CircuitBreakerThreshold, rf.Execution.BreakerTimeout())
	disp, err := dispatch.New(dispatch.Config{
		WebhookURL:     cfg.WebhookURL,
		RequestTimeout: cfg.WebhookTimeout,
		Retry: dispatch.RetryPolicy{
			MaxRetries:   rf.Execution.MaxRetries,
			InitialDelay: rf.Execution.InitialRetryDelay(),
			MaxDelay:     rf.Execution.MaxRetryDelay(),
		},
		SimulationMode: rf.Execution.SimulationMode,
	}, brk, reg, bus, metrics)
	if err != nil {
		log.Fatalf("dispatcher init failed: %v", err)
	}

	limiter := risk.NewLimiter(risk.Config{
		AccountEquity:   rf.AccountEquity,
		MaxDailyLoss:    rf.MaxDailyLoss,
		MaxOpenExposure: rf.MaxOpenExposure,
		Timezone:        loc,
	}, bus, metrics)

	// Fills drive the position book and risk accounting.
	book := newPositionBook()
	reg.SetFillCallback(func(f registry.FilledOrder) {
		pnl, exposureDelta := book.recordFill(f.Order.Instrument, f.Order.Action, f.Order.Lots, f.FillPrice)
		limiter.OnFill(pnl, exposureDelta)
		metrics.FillsTotal.Inc()
		bus.Publish(events.EventOrderFilled, f)
		if pnl != 0 {
			log.Printf("fill %s: realized pnl %.2f (%s %s x%d @ %.2f)", f.Order.Key, pnl, f.Order.Action, f.Order.Instrument, f.Order.Lots, f.FillPrice)
		}
	})

	entries := make([]schedule.RawEntry, 0, len(rf.EODSchedule))
	for _, e := range rf.EODSchedule {
		entries = append(entries, schedule.RawEntry{Time: e.Time, Pct: e.Pct, Final: e.Final})
	}
	sched, err := schedule.New(entries, loc)
	if err != nil {
		log.Fatalf("schedule init failed: %v", err)
	}

	recon := reconcile.NewService(cfg.OrderStatusURLTemplate, reg, cfg.ReconcileInterval)
	recon.Start(ctx)

	eng := engine.New(limiter, disp, sched, book, cfg.PollInterval)
	eng.Bus = bus

	// Alert fan-out
	sinks := []monitor.AlertSink{monitor.LogSink{}}
	if cfg.AlertsEnabled {
		if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
			sinks = append(sinks, monitor.NewTelegramSink(cfg.TelegramBotToken, cfg.TelegramChatID))
			log.Println("telegram alerts enabled")
		}
		if cfg.SlackWebhookURL != "" {
			sinks = append(sinks, monitor.NewSlackSink(cfg.SlackWebhookURL))
			log.Println("slack alerts enabled")
		}
	}
	mon := &monitor.Monitor{Bus: bus, Sinks: sinks}
	mon.Start(ctx)

	// API
	server := api.NewServer(bus, reg, limiter, brk, eng, recon, api.SystemMeta{
		SimulationMode: rf.Execution.SimulationMode,
		Timezone:       rf.Timezone,
		Version:        buildVersion,
	}, cfg.JWTSecret)
	go func() {
		if err := server.Router.Run(":" + cfg.Port); err != nil {
			log.Fatalf("api server error: %v", err)
		}
	}()

	go func() {
		if err := eng.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("engine stopped: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("shutting down")
}
