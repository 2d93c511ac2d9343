// Package dispatch delivers order batches to the broker webhook with
// idempotency keys, retry/backoff, and circuit breaking.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"execution-core/internal/breaker"
	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/internal/registry"
)

// ErrInvalidWebhook marks a webhook URL that fails construction-time
// validation. Fatal at startup, never retried.
var ErrInvalidWebhook = errors.New("dispatch: invalid webhook URL")

var tagRe = regexp.MustCompile(`^[a-fA-F0-9]{24}$`)

// Config tunes the dispatcher.
type Config struct {
	WebhookURL     string
	RequestTimeout time.Duration // per-attempt HTTP timeout
	Retry          RetryPolicy
	SimulationMode bool
}

// Dispatcher serializes batches, drives the breaker and retry policy, and
// records successful orders as pending in the registry. It never confirms
// fills; that is driven externally.
type Dispatcher struct {
	cfg     Config
	client  *http.Client
	breaker *breaker.Breaker
	reg     *registry.Registry
	bus     *events.Bus
	metrics *monitor.Metrics

	// test seams
	sleep func(time.Duration)
	now   func() time.Time
}

// New validates the webhook URL and builds a dispatcher. The URL must carry a
// tag query parameter matching [a-fA-F0-9]{24}; anything else is a
// configuration error.
func New(cfg Config, brk *breaker.Breaker, reg *registry.Registry, bus *events.Bus, metrics *monitor.Metrics) (*Dispatcher, error) {
	if err := validateWebhookURL(cfg.WebhookURL); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &Dispatcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		breaker: brk,
		reg:     reg,
		bus:     bus,
		metrics: metrics,
		sleep:   time.Sleep,
		now:     time.Now,
	}, nil
}

func validateWebhookURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: empty", ErrInvalidWebhook)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	tag := u.Query().Get("tag")
	if tag == "" {
		return fmt.Errorf("%w: missing tag parameter", ErrInvalidWebhook)
	}
	if !tagRe.MatchString(tag) {
		return fmt.Errorf("%w: tag %q is not 24 hex chars", ErrInvalidWebhook, tag)
	}
	log.Printf("dispatch: webhook URL validated, tag=%s", tag)
	return nil
}

// wireOrder is the per-order payload shape required by the webhook receiver.
type wireOrder struct {
	Instrument     string `json:"instrument"`
	Action         string `json:"action"`
	Lots           int    `json:"lots"`
	IdempotencyKey string `json:"idempotency_key"`
	Timestamp      string `json:"timestamp"`
}

// SendOrders dispatches one batch. The returned error is non-nil only for
// registry integration failures (correlation bugs); transport and protocol
// failures are reported inside BatchResult after retries are exhausted.
func (d *Dispatcher) SendOrders(ctx context.Context, batch OrderBatch) (BatchResult, error) {
	tag := batch.Tag
	if tag == "" {
		tag = registry.NewBatchTag()
	}
	res := BatchResult{Tag: tag}
	if len(batch.Orders) == 0 {
		res.Success = true
		return res, nil
	}

	keys := make([]string, len(batch.Orders))
	wire := make([]wireOrder, len(batch.Orders))
	submitted := d.now().UTC()
	for i, o := range batch.Orders {
		keys[i] = registry.NewKey(tag, i)
		wire[i] = wireOrder{
			Instrument:     o.Instrument,
			Action:         o.Action,
			Lots:           o.Lots,
			IdempotencyKey: keys[i],
			Timestamp:      submitted.Format(time.RFC3339),
		}
	}

	if d.cfg.SimulationMode {
		return d.sendSimulated(batch, tag, keys, submitted)
	}

	// Rejection is not a new failure; the breaker already knows the endpoint
	// is down.
	if !d.breaker.Allow() {
		log.Printf("dispatch: circuit OPEN, rejecting batch %s (retry in %s)", tag, d.breaker.RemainingOpen().Round(time.Second))
		for i := range batch.Orders {
			res.Results = append(res.Results, PerOrderResult{
				Key:    keys[i],
				Reason: ReasonCircuitOpen,
				Detail: "circuit breaker open, request rejected locally",
			})
			d.countOrder("failed")
		}
		return res, nil
	}

	payload, err := json.Marshal(wire)
	if err != nil {
		return res, fmt.Errorf("dispatch: marshal batch %s: %w", tag, err)
	}

	status, body, lastReason, lastDetail, attempts := d.attemptLoop(ctx, tag, payload)

	if status == http.StatusOK {
		brokerID, _ := ParseOrderID(body)
		for i, o := range batch.Orders {
			r := PerOrderResult{Key: keys[i], Success: true, BrokerID: brokerID, HTTPStatus: status}
			res.Results = append(res.Results, r)
			pend := registry.PendingOrder{
				Key:         keys[i],
				Instrument:  o.Instrument,
				Action:      o.Action,
				Lots:        o.Lots,
				BrokerID:    brokerID,
				SubmittedAt: submitted,
				HTTPStatus:  status,
				Attempts:    attempts,
			}
			if err := d.reg.RegisterPending(pend); err != nil {
				return res, err
			}
			d.publish(events.EventOrderPending, pend)
			d.countOrder("pending")
		}
		res.Success = true
		log.Printf("dispatch: batch %s delivered, %d orders pending (attempts=%d, broker_id=%q)", tag, len(keys), attempts, brokerID)
		return res, nil
	}

	for i := range batch.Orders {
		r := PerOrderResult{
			Key:        keys[i],
			HTTPStatus: status,
			Reason:     lastReason,
			Detail:     lastDetail,
		}
		res.Results = append(res.Results, r)
		d.publish(events.EventOrderFailed, r)
		d.countOrder("failed")
	}
	d.publish(events.EventBatchFailed, res)
	log.Printf("dispatch: batch %s failed after %d attempts: %s", tag, attempts, lastDetail)
	return res, nil
}

// attemptLoop issues up to MaxRetries requests for the payload, sleeping per
// the backoff schedule. The only cancellation point between attempts is the
// breaker check; an in-flight request is never cancelled.
func (d *Dispatcher) attemptLoop(ctx context.Context, tag string, payload []byte) (status int, body []byte, reason, detail string, attempts int) {
	for attempt := 1; ; attempt++ {
		attempts = attempt
		if d.metrics != nil {
			d.metrics.DispatchAttempts.Inc()
			if attempt > 1 {
				d.metrics.DispatchRetries.Inc()
			}
		}

		st, b, err := d.post(ctx, payload)
		if err == nil && st == http.StatusOK {
			// Transport-level success for breaker purposes even if the body
			// reports per-order failures.
			d.recordOutcome(true)
			return st, b, "", "", attempts
		}

		if err != nil {
			reason = ReasonTransport
			detail = err.Error()
			status = 0
		} else {
			reason = fmt.Sprintf("%s%d", ReasonHTTPPrefix, st)
			detail = fmt.Sprintf("HTTP %d: %s", st, truncate(b, 200))
			status = st
		}
		log.Printf("dispatch: batch %s attempt %d failed: %s", tag, attempt, detail)
		d.recordOutcome(false)

		if !d.cfg.Retry.ShouldRetry(attempt) {
			return status, nil, reason, detail, attempts
		}
		d.sleep(d.cfg.Retry.Delay(attempt + 1))
		if !d.breaker.Allow() {
			return status, nil, ReasonCircuitOpen, "circuit breaker opened during retries", attempts
		}
	}
}

func (d *Dispatcher) post(ctx context.Context, payload []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	// The receiver requires a plain-text media type even for JSON payloads.
	req.Header.Set("Content-Type", "text/plain")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

// sendSimulated synthesizes a successful dispatch without network I/O while
// still exercising key generation and registry updates.
func (d *Dispatcher) sendSimulated(batch OrderBatch, tag string, keys []string, submitted time.Time) (BatchResult, error) {
	res := BatchResult{Tag: tag, Success: true}
	log.Printf("dispatch: [SIMULATION] would send %d orders, tag=%s", len(batch.Orders), tag)
	for i, o := range batch.Orders {
		brokerID := "SIM-" + keys[i][len(keys[i])-8:]
		res.Results = append(res.Results, PerOrderResult{
			Key:        keys[i],
			Success:    true,
			BrokerID:   brokerID,
			HTTPStatus: http.StatusOK,
			Simulated:  true,
		})
		pend := registry.PendingOrder{
			Key:         keys[i],
			Instrument:  o.Instrument,
			Action:      o.Action,
			Lots:        o.Lots,
			BrokerID:    brokerID,
			SubmittedAt: submitted,
			HTTPStatus:  http.StatusOK,
			Attempts:    1,
		}
		if err := d.reg.RegisterPending(pend); err != nil {
			return res, err
		}
		d.publish(events.EventOrderPending, pend)
		d.countOrder("simulated")
	}
	return res, nil
}

// recordOutcome feeds the breaker and emits the open-transition alert exactly
// once per trip.
func (d *Dispatcher) recordOutcome(success bool) {
	before := d.breaker.State()
	after := d.breaker.RecordOutcome(success)
	if d.metrics != nil {
		d.metrics.SetBreakerState(string(after))
	}
	if after == breaker.StateOpen && before != breaker.StateOpen {
		log.Printf("dispatch: circuit breaker OPEN after %d consecutive failures", d.breaker.Failures())
		d.publish(events.EventBreakerOpen, fmt.Sprintf("circuit breaker OPEN after %d consecutive failures", d.breaker.Failures()))
	}
}

func (d *Dispatcher) publish(e events.Event, payload any) {
	if d.bus != nil {
		d.bus.Publish(e, payload)
	}
}

func (d *Dispatcher) countOrder(outcome string) {
	if d.metrics != nil {
		d.metrics.OrdersTotal.WithLabelValues(outcome).Inc()
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
