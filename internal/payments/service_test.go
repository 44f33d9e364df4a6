package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/esimly/fulfillment-service/internal/domain"
	"github.com/esimly/fulfillment-service/internal/jobs"
	"github.com/esimly/fulfillment-service/internal/ledger"
	"github.com/esimly/fulfillment-service/internal/orders"
	"github.com/esimly/fulfillment-service/internal/store"
	"github.com/esimly/fulfillment-service/pkg/gateway"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type fakeGateway struct {
	instant  bool
	err      error
	requests []gateway.CheckoutRequest
}

func (g *fakeGateway) CreateCheckout(_ context.Context, req gateway.CheckoutRequest) (*gateway.CheckoutSession, error) {
	g.requests = append(g.requests, req)
	if g.err != nil {
		return nil, g.err
	}
	return &gateway.CheckoutSession{ID: "cs_" + req.PaymentID, CheckoutURL: "https://pay.example/" + req.PaymentID, Paid: g.instant}, nil
}

func (g *fakeGateway) HandleWebhook([]byte, string) (*domain.PaymentSignal, error) {
	return nil, errors.New("not used")
}

type harness struct {
	store    *store.MemoryStore
	ledger   *ledger.Ledger
	orders   *orders.Service
	payments *Service
	webhooks *WebhookProcessor
	stripe   *fakeGateway
	payrexx  *fakeGateway
	ids      *domain.SequentialIDGenerator
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{now: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC), stripe: &fakeGateway{}, payrexx: &fakeGateway{}}
	clock := func() time.Time { return h.now }
	h.store = store.NewMemoryStore(clock)
	ids := domain.NewSequentialIDGenerator(500)
	h.ids = ids
	h.ledger = ledger.New(ledger.Config{Store: h.store, IDs: ids, Now: clock})
	h.orders = orders.NewService(orders.Config{
		Store:        h.store,
		Transactions: h.store,
		Ledger:       h.ledger,
		Jobs:         jobs.NewQueue(h.store, 5),
		IDs:          ids,
		Now:          clock,
	})
	registry := NewRegistry()
	registry.Register(domain.GatewayStripe, h.stripe)
	registry.Register(domain.GatewayPayrexx, h.payrexx)
	h.payments = NewService(Config{
		Store:        h.store,
		Transactions: h.store,
		Payments:     h.store,
		Orders:       h.orders,
		Ledger:       h.ledger,
		Gateways:     registry,
		IDs:          ids,
		Now:          clock,
	})
	h.webhooks = NewWebhookProcessor(h.payments, h.store, h.store)
	return h
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func (h *harness) order(t *testing.T, orderType domain.OrderType, customer uuid.UUID) *domain.Order {
	t.Helper()
	order, err := h.orders.Create(context.Background(), domain.CreateOrderRequest{
		CustomerID: customer,
		PackageID:  "US-10GB-30D",
		Provider:   domain.ProviderAiralo,
		Type:       orderType,
		Amount:     dec("19.99"),
		CostPrice:  dec("10.00"),
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return order
}

func (h *harness) purchaseJobs() int {
	n := 0
	for _, job := range h.store.PendingJobs() {
		if job.Name == jobs.NameProviderPurchase {
			n++
		}
	}
	return n
}

func TestBalanceCheckout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	customer := uuid.New()
	if _, err := h.ledger.TopUp(ctx, customer, dec("50"), uuid.New()); err != nil {
		t.Fatalf("top up: %v", err)
	}
	order := h.order(t, domain.OrderTypeBusiness, customer)

	result, err := h.payments.StartCheckout(ctx, order.ID, domain.GatewayBalance)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if result.Order.Status != domain.OrderStatusProcessing || result.Order.PaymentStatus != domain.PaymentStatusCompleted {
		t.Fatalf("expected processing order with completed payment, got %s/%s", result.Order.Status, result.Order.PaymentStatus)
	}
	if result.Payment.Status != domain.PaymentStatusCompleted || result.Payment.Type != domain.PaymentTypeBalance {
		t.Fatalf("expected completed balance payment, got %s/%s", result.Payment.Status, result.Payment.Type)
	}
	balance, _ := h.ledger.Balance(ctx, customer)
	if !balance.Balance.Equal(dec("30.01")) || !balance.Reserved.IsZero() {
		t.Fatalf("expected 30.01/0, got %s/%s", balance.Balance, balance.Reserved)
	}
	if n := h.purchaseJobs(); n != 1 {
		t.Fatalf("expected 1 purchase job, got %d", n)
	}

	if _, err := h.payments.StartCheckout(ctx, order.ID, domain.GatewayBalance); !errors.Is(err, domain.ErrPreconditionFailed) {
		t.Fatalf("expected second balance checkout to be rejected, got %v", err)
	}
}

func TestBalanceCheckout_Rejections(t *testing.T) {
	t.Run("insufficient balance", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		customer := uuid.New()
		_, _ = h.ledger.TopUp(ctx, customer, dec("5"), uuid.New())
		order := h.order(t, domain.OrderTypeBusiness, customer)

		_, err := h.payments.StartCheckout(ctx, order.ID, domain.GatewayBalance)
		var shortfall *domain.InsufficientBalanceError
		if !errors.As(err, &shortfall) {
			t.Fatalf("expected InsufficientBalanceError, got %v", err)
		}
		current, _ := h.orders.Get(ctx, order.ID)
		if current.Status != domain.OrderStatusPending {
			t.Fatalf("expected order to stay pending, got %s", current.Status)
		}
	})

	t.Run("consumer order", func(t *testing.T) {
		h := newHarness(t)
		order := h.order(t, domain.OrderTypeConsumer, uuid.New())
		if _, err := h.payments.StartCheckout(context.Background(), order.ID, domain.GatewayBalance); !errors.Is(err, domain.ErrPreconditionFailed) {
			t.Fatalf("expected precondition failure, got %v", err)
		}
	})

	t.Run("unknown gateway", func(t *testing.T) {
		h := newHarness(t)
		order := h.order(t, domain.OrderTypeConsumer, uuid.New())
		if _, err := h.payments.StartCheckout(context.Background(), order.ID, domain.GatewayCryptomus); !errors.Is(err, domain.ErrUnknownGateway) {
			t.Fatalf("expected ErrUnknownGateway, got %v", err)
		}
	})
}

type failingDeductLedger struct {
	BalanceLedger
	err error
}

func (l *failingDeductLedger) Deduct(context.Context, uuid.UUID, decimal.Decimal, int64, bool) (*domain.CustomerBalance, error) {
	return nil, l.err
}

func TestBalanceCheckout_DeductFailureUnwinds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	customer := uuid.New()
	if _, err := h.ledger.TopUp(ctx, customer, dec("50"), uuid.New()); err != nil {
		t.Fatalf("top up: %v", err)
	}
	order := h.order(t, domain.OrderTypeBusiness, customer)

	svc := NewService(Config{
		Store:        h.store,
		Transactions: h.store,
		Payments:     h.store,
		Orders:       h.orders,
		Ledger:       &failingDeductLedger{BalanceLedger: h.ledger, err: errors.New("ledger unavailable")},
		Gateways:     NewRegistry(),
		IDs:          h.ids,
		Now:          func() time.Time { return h.now },
	})
	if _, err := svc.StartCheckout(ctx, order.ID, domain.GatewayBalance); err == nil {
		t.Fatalf("expected deduction error")
	}

	current, _ := h.orders.Get(ctx, order.ID)
	if current.Status != domain.OrderStatusFailed || current.FailureCode != orders.CodeBalanceDeductionFailed {
		t.Fatalf("expected failed order with %s, got %s/%s", orders.CodeBalanceDeductionFailed, current.Status, current.FailureCode)
	}
	payment, err := h.store.FindLatestPaymentForOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("find payment: %v", err)
	}
	if payment.Status != domain.PaymentStatusFailed {
		t.Fatalf("expected failed balance payment, got %s", payment.Status)
	}
	balance, _ := h.ledger.Balance(ctx, customer)
	if !balance.Balance.Equal(dec("50")) || !balance.Reserved.IsZero() {
		t.Fatalf("expected 50/0 after unwinding, got %s/%s", balance.Balance, balance.Reserved)
	}
	if n := h.purchaseJobs(); n != 0 {
		t.Fatalf("expected no purchase job, got %d", n)
	}
}

func TestHostedCheckoutAndWebhookSuccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.order(t, domain.OrderTypeConsumer, uuid.New())

	result, err := h.payments.StartCheckout(ctx, order.ID, domain.GatewayStripe)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if result.Order.Status != domain.OrderStatusAwaitingPayment || result.CheckoutURL == "" {
		t.Fatalf("expected awaiting payment with checkout url, got %s %q", result.Order.Status, result.CheckoutURL)
	}
	if h.stripe.requests[0].Reference != order.UUID.String() || h.stripe.requests[0].Amount != "19.99" {
		t.Fatalf("unexpected checkout request %+v", h.stripe.requests[0])
	}

	signal := domain.PaymentSignal{Gateway: domain.GatewayStripe, EventType: domain.WebhookEventSuccess, ReferenceID: order.UUID.String(), TransactionID: "pi_1"}
	for i := 0; i < 2; i++ {
		if err := h.webhooks.Process(ctx, signal); err != nil {
			t.Fatalf("webhook %d: %v", i, err)
		}
	}

	current, _ := h.orders.Get(ctx, order.ID)
	if current.Status != domain.OrderStatusProcessing || current.PaymentStatus != domain.PaymentStatusCompleted {
		t.Fatalf("expected processing/completed, got %s/%s", current.Status, current.PaymentStatus)
	}
	if n := h.purchaseJobs(); n != 1 {
		t.Fatalf("expected purchase to be dispatched once, got %d", n)
	}
	payment, _ := h.payments.Get(ctx, result.Payment.ID)
	if payment.GatewayTransactionID != "pi_1" || payment.CompletedAt == nil {
		t.Fatalf("expected completed payment with transaction id, got %+v", payment)
	}
	history, _ := h.payments.History(ctx, payment.ID)
	webhooks := 0
	for _, rec := range history {
		if rec.EventType == "PaymentWebhookReceived" {
			webhooks++
		}
	}
	if webhooks != 2 {
		t.Fatalf("expected both webhooks recorded for audit, got %d", webhooks)
	}
}

func TestWebhook_UnresolvableReferencesAreAcknowledged(t *testing.T) {
	h := newHarness(t)
	for _, ref := range []string{"", "not-a-uuid", uuid.New().String()} {
		err := h.webhooks.Process(context.Background(), domain.PaymentSignal{EventType: domain.WebhookEventSuccess, ReferenceID: ref})
		if err != nil {
			t.Fatalf("reference %q: expected acknowledgement, got %v", ref, err)
		}
	}
}

func TestWebhook_FailureThenRetryOnAnotherGateway(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.order(t, domain.OrderTypeConsumer, uuid.New())
	first, _ := h.payments.StartCheckout(ctx, order.ID, domain.GatewayStripe)

	failed := domain.PaymentSignal{EventType: domain.WebhookEventFailed, ReferenceID: order.UUID.String(), FailureCode: "card_declined", Message: "Your card was declined"}
	if err := h.webhooks.Process(ctx, failed); err != nil {
		t.Fatalf("failed webhook: %v", err)
	}
	current, _ := h.orders.Get(ctx, order.ID)
	if current.Status != domain.OrderStatusAwaitingPayment || current.PaymentStatus != domain.PaymentStatusFailed {
		t.Fatalf("expected awaiting payment with failed payment, got %s/%s", current.Status, current.PaymentStatus)
	}
	if current.FailureCode != "card_declined" {
		t.Fatalf("expected failure code card_declined, got %q", current.FailureCode)
	}
	if _, err := h.payments.Replay(ctx, first.Payment.ID); err != nil {
		t.Fatalf("replay: %v", err)
	}
	history, _ := h.orders.History(ctx, order.ID)
	if len(history) != 3 {
		t.Fatalf("expected replay not to record the payment failure twice, got %d order events", len(history))
	}

	h.now = h.now.Add(time.Minute)
	second, err := h.payments.StartCheckout(ctx, order.ID, domain.GatewayPayrexx)
	if err != nil {
		t.Fatalf("second checkout: %v", err)
	}
	if !second.Order.CheckoutExpiresAt.Equal(*first.Order.CheckoutExpiresAt) {
		t.Fatalf("expected the checkout expiry to be kept")
	}
	if err := h.webhooks.Process(ctx, domain.PaymentSignal{EventType: domain.WebhookEventSuccess, ReferenceID: order.UUID.String()}); err != nil {
		t.Fatalf("success webhook: %v", err)
	}
	current, _ = h.orders.Get(ctx, order.ID)
	if current.Status != domain.OrderStatusProcessing || *current.PaymentID != second.Payment.ID {
		t.Fatalf("expected order paid by second payment, got %s", current.Status)
	}
}

func TestReplayOfEarlierFailedPaymentLeavesOrderAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.order(t, domain.OrderTypeConsumer, uuid.New())

	first, err := h.payments.StartCheckout(ctx, order.ID, domain.GatewayStripe)
	if err != nil {
		t.Fatalf("first checkout: %v", err)
	}
	declined := domain.PaymentSignal{EventType: domain.WebhookEventFailed, ReferenceID: order.UUID.String(), FailureCode: "card_declined", Message: "declined"}
	if err := h.webhooks.Process(ctx, declined); err != nil {
		t.Fatalf("first failure: %v", err)
	}

	h.now = h.now.Add(time.Minute)
	second, err := h.payments.StartCheckout(ctx, order.ID, domain.GatewayPayrexx)
	if err != nil {
		t.Fatalf("second checkout: %v", err)
	}
	expired := domain.PaymentSignal{EventType: domain.WebhookEventFailed, ReferenceID: order.UUID.String(), FailureCode: "insufficient_funds", Message: "no funds"}
	if err := h.webhooks.Process(ctx, expired); err != nil {
		t.Fatalf("second failure: %v", err)
	}

	before, _ := h.orders.History(ctx, order.ID)
	for _, paymentID := range []uuid.UUID{first.Payment.ID, second.Payment.ID} {
		if _, err := h.payments.Replay(ctx, paymentID); err != nil {
			t.Fatalf("replay %s: %v", paymentID, err)
		}
	}
	after, _ := h.orders.History(ctx, order.ID)
	if len(after) != len(before) {
		t.Fatalf("expected replay to leave %d order events, got %d", len(before), len(after))
	}

	current, _ := h.orders.Get(ctx, order.ID)
	if current.PaymentID == nil || *current.PaymentID != second.Payment.ID {
		t.Fatalf("expected order to point at payment %s, got %v", second.Payment.ID, current.PaymentID)
	}
	if current.FailureCode != "insufficient_funds" {
		t.Fatalf("expected failure code insufficient_funds, got %q", current.FailureCode)
	}
}

func TestHostedCheckout_SwitchingGatewayCancelsOpenPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.order(t, domain.OrderTypeConsumer, uuid.New())

	first, _ := h.payments.StartCheckout(ctx, order.ID, domain.GatewayStripe)
	h.now = h.now.Add(time.Minute)
	second, err := h.payments.StartCheckout(ctx, order.ID, domain.GatewayPayrexx)
	if err != nil {
		t.Fatalf("second checkout: %v", err)
	}

	previous, _ := h.payments.Get(ctx, first.Payment.ID)
	if previous.Status != domain.PaymentStatusCancelled {
		t.Fatalf("expected first payment cancelled, got %s", previous.Status)
	}
	latest, _ := h.store.FindLatestPaymentForOrder(ctx, order.ID)
	if latest.ID != second.Payment.ID {
		t.Fatalf("expected latest payment %s, got %s", second.Payment.ID, latest.ID)
	}
}

func TestHostedCheckout_GatewayErrorFailsPayment(t *testing.T) {
	h := newHarness(t)
	h.stripe.err = errors.New("503 service unavailable")
	order := h.order(t, domain.OrderTypeConsumer, uuid.New())

	if _, err := h.payments.StartCheckout(context.Background(), order.ID, domain.GatewayStripe); err == nil {
		t.Fatalf("expected gateway error")
	}
	latest, err := h.store.FindLatestPaymentForOrder(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("find payment: %v", err)
	}
	if latest.Status != domain.PaymentStatusFailed || latest.FailureCode != "gateway_error" {
		t.Fatalf("expected failed payment with gateway_error, got %s/%s", latest.Status, latest.FailureCode)
	}
}

func TestHostedCheckout_InstantSuccess(t *testing.T) {
	h := newHarness(t)
	h.stripe.instant = true
	order := h.order(t, domain.OrderTypeConsumer, uuid.New())

	result, err := h.payments.StartCheckout(context.Background(), order.ID, domain.GatewayStripe)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if result.Order.Status != domain.OrderStatusProcessing || result.Payment.Status != domain.PaymentStatusCompleted {
		t.Fatalf("expected instant settlement, got %s/%s", result.Order.Status, result.Payment.Status)
	}
}

func TestTopUpWebhookCreditsBalanceOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	customer := uuid.New()

	result, err := h.payments.StartTopUp(ctx, customer, dec("40"), "USD", domain.GatewayStripe)
	if err != nil {
		t.Fatalf("top up: %v", err)
	}
	signal := domain.PaymentSignal{EventType: domain.WebhookEventSuccess, ReferenceID: result.Payment.ID.String()}
	for i := 0; i < 2; i++ {
		if err := h.webhooks.Process(ctx, signal); err != nil {
			t.Fatalf("webhook %d: %v", i, err)
		}
	}

	balance, _ := h.ledger.Balance(ctx, customer)
	if !balance.Balance.Equal(dec("40")) {
		t.Fatalf("expected balance 40, got %s", balance.Balance)
	}
	txs, _ := h.store.ListBalanceTransactions(ctx, customer, 0)
	if len(txs) != 1 || txs[0].Type != domain.BalanceTxTopUp {
		t.Fatalf("expected one top-up row, got %+v", txs)
	}
}

func TestNormalizeWebhookEvent(t *testing.T) {
	tests := []struct {
		event, status string
		want          domain.WebhookEventType
	}{
		{"payment_intent.succeeded", "", domain.WebhookEventSuccess},
		{"transaction", "confirmed", domain.WebhookEventSuccess},
		{"charge.refunded", "completed", domain.WebhookEventRefunded},
		{"payment_intent.payment_failed", "", domain.WebhookEventFailed},
		{"transaction", "declined", domain.WebhookEventFailed},
		{"checkout.session.expired", "", domain.WebhookEventCancelled},
		{"transaction", "waiting", domain.WebhookEventPending},
	}
	for _, tt := range tests {
		if got := NormalizeWebhookEvent(tt.event, tt.status); got != tt.want {
			t.Fatalf("%s/%s: expected %s, got %s", tt.event, tt.status, tt.want, got)
		}
	}
}
