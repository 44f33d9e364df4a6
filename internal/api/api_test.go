package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/esimly/fulfillment-service/internal/domain"
	"github.com/esimly/fulfillment-service/internal/orders"
	"github.com/esimly/fulfillment-service/internal/payments"
	"github.com/esimly/fulfillment-service/internal/store"
	"github.com/esimly/fulfillment-service/pkg/gateway"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	testInternalKey = "internal-key"
	testAdminSecret = "admin-secret"
	testWebhookKey  = "whsec_test"
)

type stubOrders struct {
	OrderService
	order     *domain.Order
	err       error
	failCode  string
	failCalls int
}

func (s *stubOrders) Create(_ context.Context, req domain.CreateOrderRequest) (*domain.Order, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &domain.Order{ID: 42, CustomerID: req.CustomerID, PackageID: req.PackageID, Status: domain.OrderStatusPending}, nil
}

func (s *stubOrders) Get(_ context.Context, orderID int64) (*domain.Order, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &domain.Order{ID: orderID, Status: domain.OrderStatusProcessing}, nil
}

func (s *stubOrders) Fail(_ context.Context, orderID int64, code, _ string) (*domain.Order, error) {
	s.failCalls++
	s.failCode = code
	return &domain.Order{ID: orderID, Status: domain.OrderStatusFailed, FailureCode: code}, s.err
}

type stubPayments struct {
	PaymentService
	err error
}

func (s *stubPayments) StartCheckout(_ context.Context, orderID int64, kind domain.GatewayKind) (*payments.CheckoutResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &payments.CheckoutResult{
		Order:       &domain.Order{ID: orderID},
		Payment:     &domain.Payment{Gateway: kind},
		CheckoutURL: "https://pay.example.com/session",
	}, nil
}

type recordingSignals struct {
	signals []domain.PaymentSignal
	err     error
}

func (s *recordingSignals) Process(_ context.Context, signal domain.PaymentSignal) error {
	s.signals = append(s.signals, signal)
	return s.err
}

type testServer struct {
	router   http.Handler
	orders   *stubOrders
	payments *stubPayments
	signals  *recordingSignals
	store    *store.MemoryStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := store.NewMemoryStore(time.Now)
	registry := payments.NewRegistry()
	registry.Register(domain.GatewayStripe, payments.NewHostedGateway(domain.GatewayStripe,
		gateway.NewClient("stripe", "http://gateway.invalid", "key", testWebhookKey)))

	ts := &testServer{
		orders:   &stubOrders{},
		payments: &stubPayments{},
		signals:  &recordingSignals{},
		store:    mem,
	}
	handler := NewHandler(HandlerConfig{
		Orders:       ts.orders,
		Payments:     ts.payments,
		Transactions: mem,
		Profiles:     mem,
		Gateways:     registry,
		Signals:      ts.signals,
	})
	ts.router = NewRouter(handler, RouterConfig{InternalAPIKey: testInternalKey, AdminJWTSecret: testAdminSecret})
	return ts
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func internalRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("X-Internal-API-Key", testInternalKey)
	return req
}

func adminToken(t *testing.T, secret, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "operator-1",
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestInternalRoutesRequireAPIKey(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/internal/orders/7", nil)
	if rec := ts.do(req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/internal/orders/7", nil)
	req.Header.Set("X-Internal-API-Key", "wrong")
	if rec := ts.do(req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong key, got %d", rec.Code)
	}

	rec := ts.do(internalRequest(http.MethodGet, "/internal/orders/7", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d", rec.Code)
	}
	var order domain.Order
	if err := json.Unmarshal(rec.Body.Bytes(), &order); err != nil {
		t.Fatalf("failed to decode order: %v", err)
	}
	if order.ID != 7 {
		t.Fatalf("expected order 7, got %d", order.ID)
	}
}

func TestCreateOrder(t *testing.T) {
	ts := newTestServer(t)
	customer := uuid.New()

	body := `{"customer_id":"` + customer.String() + `","package_id":"pkg-eu-5gb","provider":"airalo","type":"b2c","amount":"12.50","cost_price":"8.00"}`
	rec := ts.do(internalRequest(http.MethodPost, "/internal/orders", body))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(internalRequest(http.MethodPost, "/internal/orders", `{"package_id":"pkg"}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without customer, got %d", rec.Code)
	}
}

func TestServiceErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "precondition", err: domain.Precondition("order", "is completed"), wantStatus: http.StatusConflict},
		{name: "not found", err: domain.ErrOrderNotFound, wantStatus: http.StatusNotFound},
		{name: "unknown gateway", err: domain.ErrUnknownGateway, wantStatus: http.StatusBadRequest},
		{name: "unexpected", err: errors.New("connection reset"), wantStatus: http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.payments.err = tc.err
			rec := ts.do(internalRequest(http.MethodPost, "/internal/orders/9/checkout", `{"gateway":"stripe"}`))
			if rec.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d", tc.wantStatus, rec.Code)
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["error"] == "" {
				t.Fatalf("expected JSON error body, got %q", rec.Body.String())
			}
		})
	}
}

func TestInsufficientBalanceReportsShortfall(t *testing.T) {
	ts := newTestServer(t)
	ts.payments.err = &domain.InsufficientBalanceError{Required: decimal.RequireFromString("19.99"), Available: decimal.RequireFromString("5")}

	rec := ts.do(internalRequest(http.MethodPost, "/internal/orders/9/checkout", `{"gateway":"balance"}`))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	var body insufficientBalanceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if !body.Required.Equal(decimal.RequireFromString("19.99")) || !body.Available.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("expected required 19.99 and available 5, got %s and %s", body.Required, body.Available)
	}
}

func TestCheckoutRejectsUnknownGatewaySlug(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(internalRequest(http.MethodPost, "/internal/orders/9/checkout", `{"gateway":"bitpay"}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetEsimProfile(t *testing.T) {
	ts := newTestServer(t)
	if _, _, err := ts.store.CreateEsimProfile(context.Background(), &domain.EsimProfile{ID: uuid.New(), OrderID: 11, ICCID: "8901"}); err != nil {
		t.Fatalf("failed to seed profile: %v", err)
	}

	if rec := ts.do(internalRequest(http.MethodGet, "/internal/orders/11/esim", "")); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := ts.do(internalRequest(http.MethodGet, "/internal/orders/12/esim", "")); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing profile, got %d", rec.Code)
	}
}

func TestListTransactionsValidatesLimit(t *testing.T) {
	ts := newTestServer(t)
	path := "/internal/customers/" + uuid.NewString() + "/transactions"

	if rec := ts.do(internalRequest(http.MethodGet, path+"?limit=0", "")); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	rec := ts.do(internalRequest(http.MethodGet, path, ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty list, got %s", rec.Body.String())
	}
}

func TestAdminAuth(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{name: "missing header", header: "", wantStatus: http.StatusUnauthorized},
		{name: "not a bearer token", header: "Token abc", wantStatus: http.StatusUnauthorized},
		{name: "wrong secret", header: "Bearer " + adminToken(t, "other-secret", "admin"), wantStatus: http.StatusUnauthorized},
		{name: "not an admin", header: "Bearer " + adminToken(t, testAdminSecret, "support"), wantStatus: http.StatusForbidden},
		{name: "admin", header: "Bearer " + adminToken(t, testAdminSecret, "admin"), wantStatus: http.StatusOK},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t)
			req := httptest.NewRequest(http.MethodPost, "/admin/orders/5/fail", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			if rec := ts.do(req); rec.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d", tc.wantStatus, rec.Code)
			}
		})
	}
}

func TestAdminFailDefaultsToManualCode(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/admin/orders/5/fail", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t, testAdminSecret, "admin"))

	if rec := ts.do(req); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ts.orders.failCalls != 1 || ts.orders.failCode != orders.CodeManual {
		t.Fatalf("expected one manual failure, got %d calls with code %q", ts.orders.failCalls, ts.orders.failCode)
	}

	req = httptest.NewRequest(http.MethodPost, "/admin/orders/5/fail", strings.NewReader(`{"code":"fraud","reason":"chargeback"}`))
	req.Header.Set("Authorization", "Bearer "+adminToken(t, testAdminSecret, "admin"))
	ts.do(req)
	if ts.orders.failCode != "fraud" {
		t.Fatalf("expected explicit code fraud, got %q", ts.orders.failCode)
	}
}

func signedWebhook(t *testing.T, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(body))
	req.Header.Set("X-Webhook-Signature", "sha256="+hex.EncodeToString(gateway.Sign(testWebhookKey, []byte(body))))
	return req
}

func TestGatewayWebhook(t *testing.T) {
	body := `{"event":"payment_intent.succeeded","reference":"ref-1","status":"succeeded","transaction_id":"pi_9"}`

	t.Run("valid signature is processed", func(t *testing.T) {
		ts := newTestServer(t)
		rec := ts.do(signedWebhook(t, body))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if len(ts.signals.signals) != 1 {
			t.Fatalf("expected 1 signal, got %d", len(ts.signals.signals))
		}
		got := ts.signals.signals[0]
		if got.EventType != domain.WebhookEventSuccess || got.ReferenceID != "ref-1" || got.TransactionID != "pi_9" {
			t.Fatalf("unexpected signal %+v", got)
		}
	})

	t.Run("invalid signature is rejected", func(t *testing.T) {
		ts := newTestServer(t)
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(body))
		req.Header.Set("X-Webhook-Signature", "deadbeef")
		if rec := ts.do(req); rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
		if len(ts.signals.signals) != 0 {
			t.Fatalf("expected no signals, got %d", len(ts.signals.signals))
		}
	})

	t.Run("unregistered gateway", func(t *testing.T) {
		ts := newTestServer(t)
		req := httptest.NewRequest(http.MethodPost, "/webhooks/paysera", strings.NewReader(body))
		if rec := ts.do(req); rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("processing error asks for redelivery", func(t *testing.T) {
		ts := newTestServer(t)
		ts.signals.err = errors.New("database unavailable")
		if rec := ts.do(signedWebhook(t, body)); rec.Code != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %d", rec.Code)
		}
	})
}
