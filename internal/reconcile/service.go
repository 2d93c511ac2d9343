// Package reconcile polls the broker's order-status endpoint and confirms
// fills for pending orders the webhook callback never reported.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"execution-core/internal/registry"
)

// Service periodically checks pending orders against a status endpoint.
// Template is a format string containing {order_id} or {idempotency_key}.
type Service struct {
	Template string
	Registry *registry.Registry
	Interval time.Duration
	Client   *http.Client

	mu sync.Mutex
}

// NewService builds a poller. An empty template disables polling.
func NewService(template string, reg *registry.Registry, interval time.Duration) *Service {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Service{
		Template: template,
		Registry: reg,
		Interval: interval,
		Client:   &http.Client{Timeout: 8 * time.Second},
	}
}

// Start begins periodic polling until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	if s.Template == "" {
		log.Println("reconcile: no order status template configured; poller disabled")
		return
	}
	ticker := time.NewTicker(s.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				checked, filled, err := s.Poll(ctx)
				if err != nil {
					log.Printf("reconcile: poll error: %v", err)
					continue
				}
				if filled > 0 {
					log.Printf("reconcile: confirmed %d of %d pending orders", filled, checked)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	log.Printf("reconcile: poller started (interval: %v)", s.Interval)
}

// Poll checks every pending order once. Per-order errors are logged and
// skipped; only a misconfiguration aborts the sweep.
func (s *Service) Poll(ctx context.Context) (checked, filled int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Template == "" {
		return 0, 0, errors.New("reconcile: no order status template configured")
	}

	for _, pend := range s.Registry.Pending() {
		checked++
		status, price, fillTime, ok := s.fetchStatus(ctx, pend)
		if !ok {
			continue
		}
		if !isFilledStatus(status) {
			continue
		}
		if _, err := s.Registry.ConfirmFill(pend.Key, price, fillTime); err != nil {
			// A webhook callback may have won the race; both outcomes leave
			// the order filled.
			if !errors.Is(err, registry.ErrAlreadyFilled) {
				log.Printf("reconcile: confirm %s: %v", pend.Key, err)
			}
			continue
		}
		filled++
	}
	return checked, filled, nil
}

func (s *Service) fetchStatus(ctx context.Context, pend registry.PendingOrder) (status string, price float64, fillTime time.Time, ok bool) {
	url := s.Template
	if strings.Contains(url, "{order_id}") && pend.BrokerID != "" {
		url = strings.ReplaceAll(url, "{order_id}", pend.BrokerID)
	} else {
		url = strings.ReplaceAll(url, "{order_id}", pend.Key)
	}
	url = strings.ReplaceAll(url, "{idempotency_key}", pend.Key)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		log.Printf("reconcile: build request for %s: %v", pend.Key, err)
		return "", 0, time.Time{}, false
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return "", 0, time.Time{}, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, time.Time{}, false
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", 0, time.Time{}, false
	}

	var doc statusDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		log.Printf("reconcile: parse status for %s: %v", pend.Key, err)
		return "", 0, time.Time{}, false
	}
	status, price = doc.flatten()
	if ts := doc.FilledAt; ts != "" {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			fillTime = parsed
		}
	}
	return status, price, fillTime, true
}

// statusDoc tolerates the broker's flat and nested response shapes.
type statusDoc struct {
	Status       string  `json:"status"`
	State        string  `json:"state"`
	FilledPrice  float64 `json:"filled_price"`
	AvgFillPrice float64 `json:"avg_fill_price"`
	FilledAt     string  `json:"filled_at"`
	Data         *struct {
		Status       string  `json:"status"`
		AvgFillPrice float64 `json:"avg_fill_price"`
	} `json:"data"`
}

func (d statusDoc) flatten() (status string, price float64) {
	status = d.Status
	if status == "" {
		status = d.State
	}
	price = d.FilledPrice
	if price == 0 {
		price = d.AvgFillPrice
	}
	if d.Data != nil {
		if status == "" {
			status = d.Data.Status
		}
		if price == 0 {
			price = d.Data.AvgFillPrice
		}
	}
	return status, price
}

func isFilledStatus(status string) bool {
	switch strings.ToLower(status) {
	case "filled", "complete", "closed", "executed":
		return true
	}
	return false
}

// Report summarizes one poll sweep for the status endpoint.
type Report struct {
	Timestamp time.Time `json:"timestamp"`
	Checked   int       `json:"checked"`
	Confirmed int       `json:"confirmed"`
}

// PollNow runs one sweep and returns a report, used by the manual API trigger.
func (s *Service) PollNow(ctx context.Context) (Report, error) {
	checked, filled, err := s.Poll(ctx)
	return Report{Timestamp: time.Now().UTC(), Checked: checked, Confirmed: filled}, err
}
