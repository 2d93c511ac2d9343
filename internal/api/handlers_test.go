package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"execution-core/internal/breaker"
	"execution-core/internal/dispatch"
	"execution-core/internal/engine"
	"execution-core/internal/events"
	"execution-core/internal/registry"
	"execution-core/internal/risk"
)

func newTestAPIServer(t *testing.T) (*httptest.Server, *registry.Registry, *risk.Limiter, func()) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	bus := events.NewBus()
	reg := registry.New(nil)
	brk := breaker.New(5, 300*time.Second)

	// Simulation mode keeps handler tests off the network.
	disp, err := dispatch.New(dispatch.Config{
		WebhookURL:     "https://orders.example.com/webhook?tag=68f1af24611676c1c94ce1b0",
		SimulationMode: true,
	}, brk, reg, bus, nil)
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}

	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	limiter := risk.NewLimiter(risk.Config{
		AccountEquity:   1_000_000,
		MaxDailyLoss:    0.03,
		MaxOpenExposure: 0.10,
		Timezone:        loc,
	}, bus, nil)

	eng := engine.New(limiter, disp, nil, nil, time.Second)

	server := NewServer(bus, reg, limiter, brk, eng, nil, SystemMeta{
		SimulationMode: true,
		Timezone:       "Asia/Kolkata",
		Version:        "test",
	}, "test-secret")

	httpServer := httptest.NewServer(server.Router)
	cleanup := func() { httpServer.Close() }
	return httpServer, reg, limiter, cleanup
}

func doJSONRequest(t *testing.T, method, url, token string, payload any, out any) int {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func operatorToken(t *testing.T, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "operator",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestHealth(t *testing.T) {
	srv, _, _, cleanup := newTestAPIServer(t)
	defer cleanup()

	if code := doJSONRequest(t, http.MethodGet, srv.URL+"/health", "", nil, nil); code != http.StatusOK {
		t.Fatalf("health: got %d, want 200", code)
	}
}

func TestFillConfirmationLifecycle(t *testing.T) {
	srv, reg, _, cleanup := newTestAPIServer(t)
	defer cleanup()

	if err := reg.RegisterPending(registry.PendingOrder{
		Key:        "order-abcdef123456-0-deadbeef",
		Instrument: "SENSEX25JUN81000CE",
		Action:     "SELL",
		Lots:       2,
	}); err != nil {
		t.Fatalf("RegisterPending: %v", err)
	}

	fill := map[string]any{"idempotency_key": "order-abcdef123456-0-deadbeef", "fill_price": 142.5}

	if code := doJSONRequest(t, http.MethodPost, srv.URL+"/api/fills", "", fill, nil); code != http.StatusOK {
		t.Fatalf("first fill: got %d, want 200", code)
	}
	if code := doJSONRequest(t, http.MethodPost, srv.URL+"/api/fills", "", fill, nil); code != http.StatusConflict {
		t.Fatalf("duplicate fill: got %d, want 409", code)
	}

	unknown := map[string]any{"idempotency_key": "order-000000000000-9-00000000", "fill_price": 1}
	if code := doJSONRequest(t, http.MethodPost, srv.URL+"/api/fills", "", unknown, nil); code != http.StatusNotFound {
		t.Fatalf("unknown fill: got %d, want 404", code)
	}

	var status struct {
		PendingOrders int `json:"pending_orders"`
		FilledOrders  int `json:"filled_orders"`
	}
	if code := doJSONRequest(t, http.MethodGet, srv.URL+"/api/system/status", "", nil, &status); code != http.StatusOK {
		t.Fatalf("system status: got %d, want 200", code)
	}
	if status.PendingOrders != 0 || status.FilledOrders != 1 {
		t.Fatalf("counts: got pending=%d filled=%d, want 0/1", status.PendingOrders, status.FilledOrders)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	srv, _, _, cleanup := newTestAPIServer(t)
	defer cleanup()

	orderReq := map[string]any{
		"orders": []map[string]any{{"instrument": "NIFTY25JUN25000CE", "action": "SELL", "lots": 1}},
	}
	if code := doJSONRequest(t, http.MethodPost, srv.URL+"/api/orders", "", orderReq, nil); code != http.StatusUnauthorized {
		t.Fatalf("no token: got %d, want 401", code)
	}
	if code := doJSONRequest(t, http.MethodPost, srv.URL+"/api/orders", "garbage", orderReq, nil); code != http.StatusUnauthorized {
		t.Fatalf("bad token: got %d, want 401", code)
	}
}

func TestOrderSubmissionAndEmergencyControl(t *testing.T) {
	srv, reg, _, cleanup := newTestAPIServer(t)
	defer cleanup()
	token := operatorToken(t, "test-secret")

	orderReq := map[string]any{
		"orders":            []map[string]any{{"instrument": "NIFTY25JUN25000CE", "action": "SELL", "lots": 1}},
		"proposed_exposure": 10_000,
	}
	var submitted struct {
		Tag     string `json:"tag"`
		Success bool   `json:"success"`
	}
	if code := doJSONRequest(t, http.MethodPost, srv.URL+"/api/orders", token, orderReq, &submitted); code != http.StatusOK {
		t.Fatalf("submit: got %d, want 200", code)
	}
	if !submitted.Success || submitted.Tag == "" {
		t.Fatalf("submit: unexpected result %+v", submitted)
	}
	if got := len(reg.Pending()); got != 1 {
		t.Fatalf("pending after submit: got %d, want 1", got)
	}

	// Latch emergency mode; further entries must be denied.
	var state risk.State
	if code := doJSONRequest(t, http.MethodPost, srv.URL+"/api/risk/emergency", token, map[string]any{"reason": "manual halt"}, &state); code != http.StatusOK {
		t.Fatalf("emergency on: got %d, want 200", code)
	}
	if !state.EmergencyMode || state.EmergencyReason != "manual halt" {
		t.Fatalf("emergency state: %+v", state)
	}
	if code := doJSONRequest(t, http.MethodPost, srv.URL+"/api/orders", token, orderReq, nil); code != http.StatusForbidden {
		t.Fatalf("submit under emergency: got %d, want 403", code)
	}

	if code := doJSONRequest(t, http.MethodDelete, srv.URL+"/api/risk/emergency", token, nil, &state); code != http.StatusOK {
		t.Fatalf("emergency off: got %d, want 200", code)
	}
	if state.EmergencyMode {
		t.Fatalf("emergency still latched after clear: %+v", state)
	}
	if code := doJSONRequest(t, http.MethodPost, srv.URL+"/api/orders", token, orderReq, nil); code != http.StatusOK {
		t.Fatalf("submit after clear: got %d, want 200", code)
	}
}
