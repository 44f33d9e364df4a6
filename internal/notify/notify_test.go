package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/esimly/fulfillment-service/internal/domain"
	"github.com/esimly/fulfillment-service/internal/store"
	"github.com/esimly/fulfillment-service/pkg/rabbitmq"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type sentMail struct{ to, subject, body string }

type recordingMailer struct {
	sent []sentMail
	err  error
}

func (m *recordingMailer) SendEmail(_ context.Context, to, subject, body string) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMail{to: to, subject: subject, body: body})
	return nil
}

type published struct {
	exchange, routingKey string
	body                 []byte
}

type stubPublisher struct {
	rabbitmq.Publisher
	messages []published
	err      error
	closed   int
}

func (p *stubPublisher) Publish(_ context.Context, exchange, routingKey string, body interface{}) error {
	if p.err != nil {
		return p.err
	}
	blob, _ := json.Marshal(body)
	p.messages = append(p.messages, published{exchange: exchange, routingKey: routingKey, body: blob})
	return nil
}

func (p *stubPublisher) Close() { p.closed++ }

func reviewOrder() *domain.Order {
	return &domain.Order{
		ID:            42,
		UUID:          uuid.New(),
		OrderNumber:   "ES-000042",
		CustomerID:    uuid.New(),
		PackageID:     "US-10GB-30D",
		Provider:      domain.ProviderEsimAccess,
		Type:          domain.OrderTypeBusiness,
		Status:        domain.OrderStatusAdminReview,
		Amount:        decimal.RequireFromString("19.99"),
		Currency:      "USD",
		FailureCode:   "provider_error",
		FailureReason: "500 internal server error",
	}
}

func TestNotifier_AdminReviewQueuesAndMailsOperator(t *testing.T) {
	mem := store.NewMemoryStore(time.Now)
	mailer := &recordingMailer{}
	n := NewNotifier(mem, "", mailer, "ops@example.com")
	order := reviewOrder()

	if err := n.AdminReviewRequired(context.Background(), order); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	messages := mem.OutboxMessages()
	if len(messages) != 1 || messages[0].RoutingKey != RoutingOrderAdminReview || messages[0].Exchange != "esim.events" {
		t.Fatalf("expected one admin review message on esim.events, got %+v", messages)
	}
	var event OrderEvent
	if err := json.Unmarshal(messages[0].Payload, &event); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if event.OrderID != 42 || event.FailureCode != "provider_error" || !event.Amount.Equal(order.Amount) {
		t.Fatalf("unexpected payload %+v", event)
	}

	if len(mailer.sent) != 1 || mailer.sent[0].to != "ops@example.com" {
		t.Fatalf("expected one operator e-mail, got %+v", mailer.sent)
	}
	if !strings.Contains(mailer.sent[0].subject, "ES-000042") || !strings.Contains(mailer.sent[0].body, "500 internal server error") {
		t.Fatalf("unexpected e-mail %+v", mailer.sent[0])
	}
}

func TestNotifier_MailFailureIsReportedAfterQueueing(t *testing.T) {
	mem := store.NewMemoryStore(time.Now)
	n := NewNotifier(mem, "esim.events", &recordingMailer{err: errors.New("smtp down")}, "ops@example.com")

	if err := n.AdminReviewRequired(context.Background(), reviewOrder()); err == nil {
		t.Fatalf("expected the mail error")
	}
	if len(mem.OutboxMessages()) != 1 {
		t.Fatalf("expected the notification to be queued anyway")
	}
}

func TestNotifier_RoutingKeys(t *testing.T) {
	mem := store.NewMemoryStore(time.Now)
	n := NewNotifier(mem, "esim.events", nil, "")
	ctx := context.Background()
	order := reviewOrder()
	paymentID := uuid.New()

	_ = n.OrderCompleted(ctx, order)
	_ = n.OrderFailed(ctx, order)
	_ = n.AdminReviewRequired(ctx, order)
	_ = n.BalanceToppedUp(ctx,
		&domain.CustomerBalance{CustomerID: order.CustomerID, Balance: decimal.NewFromInt(50), Currency: "USD"},
		domain.BalanceTransaction{ID: uuid.New(), Type: domain.BalanceTxTopUp, Amount: decimal.NewFromInt(50), PaymentID: &paymentID},
	)

	want := []string{RoutingOrderCompleted, RoutingOrderFailed, RoutingOrderAdminReview, RoutingBalanceToppedUp}
	messages := mem.OutboxMessages()
	if len(messages) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(messages))
	}
	for i, key := range want {
		if messages[i].RoutingKey != key {
			t.Fatalf("message %d: expected %s, got %s", i, key, messages[i].RoutingKey)
		}
	}
	var topUp BalanceEvent
	if err := json.Unmarshal(messages[3].Payload, &topUp); err != nil {
		t.Fatalf("decode top-up: %v", err)
	}
	if topUp.PaymentID == nil || *topUp.PaymentID != paymentID || !topUp.Available.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("unexpected top-up payload %+v", topUp)
	}
}

func TestOutboxDispatcher_PublishesOnce(t *testing.T) {
	mem := store.NewMemoryStore(time.Now)
	_ = mem.EnqueueOutbox(context.Background(), "esim.events", RoutingOrderCompleted, map[string]string{"order_id": "7"})
	publisher := &stubPublisher{}
	connects := 0
	d := newOutboxDispatcher(mem, func() (rabbitmq.Publisher, error) {
		connects++
		return publisher, nil
	})

	for i := 0; i < 2; i++ {
		if err := d.flushOnce(context.Background()); err != nil {
			t.Fatalf("flush %d: %v", i, err)
		}
	}
	if len(publisher.messages) != 1 {
		t.Fatalf("expected one publish, got %d", len(publisher.messages))
	}
	if got := string(publisher.messages[0].body); got != `{"order_id":"7"}` {
		t.Fatalf("expected the stored payload to be published verbatim, got %s", got)
	}
	if connects != 1 {
		t.Fatalf("expected the connection to be reused, got %d connects", connects)
	}
}

func TestOutboxDispatcher_FailedPublishBacksOff(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mem := store.NewMemoryStore(func() time.Time { return now })
	_ = mem.EnqueueOutbox(context.Background(), "esim.events", RoutingOrderFailed, map[string]string{"order_id": "8"})
	publisher := &stubPublisher{err: errors.New("channel closed")}
	d := newOutboxDispatcher(mem, func() (rabbitmq.Publisher, error) { return publisher, nil })

	_ = d.flushOnce(context.Background())
	if publisher.closed != 1 {
		t.Fatalf("expected the failed producer to be closed")
	}

	publisher.err = nil
	_ = d.flushOnce(context.Background())
	if len(publisher.messages) != 0 {
		t.Fatalf("expected the message to wait for its backoff")
	}

	now = now.Add(3 * time.Second)
	_ = d.flushOnce(context.Background())
	if len(publisher.messages) != 1 {
		t.Fatalf("expected a publish after the backoff, got %d", len(publisher.messages))
	}
}

func TestRetryDelaySeconds(t *testing.T) {
	tests := []struct{ attempt, want int }{{0, 1}, {1, 2}, {4, 16}, {9, 256}}
	for _, tt := range tests {
		if got := retryDelaySeconds(tt.attempt); got != tt.want {
			t.Fatalf("attempt %d: expected %d, got %d", tt.attempt, tt.want, got)
		}
	}
}
