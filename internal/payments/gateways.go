package payments

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/esimly/fulfillment-service/internal/domain"
	"github.com/esimly/fulfillment-service/pkg/gateway"
)

// Gateway is a hosted-checkout payment gateway behind a normalizing adapter.
type Gateway interface {
	CreateCheckout(ctx context.Context, req gateway.CheckoutRequest) (*gateway.CheckoutSession, error)
	HandleWebhook(body []byte, signature string) (*domain.PaymentSignal, error)
}

// Registry resolves gateways by kind. It is filled once at startup.
type Registry struct {
	mu       sync.RWMutex
	gateways map[domain.GatewayKind]Gateway
}

func NewRegistry() *Registry {
	return &Registry{gateways: make(map[domain.GatewayKind]Gateway)}
}

func (r *Registry) Register(kind domain.GatewayKind, gw Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[kind] = gw
}

func (r *Registry) Resolve(kind domain.GatewayKind) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	gw, ok := r.gateways[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownGateway, kind)
	}
	return gw, nil
}

// HostedGateway adapts a gateway.Client to the Gateway contract.
type HostedGateway struct {
	kind   domain.GatewayKind
	client *gateway.Client
}

func NewHostedGateway(kind domain.GatewayKind, client *gateway.Client) *HostedGateway {
	return &HostedGateway{kind: kind, client: client}
}

func (g *HostedGateway) CreateCheckout(ctx context.Context, req gateway.CheckoutRequest) (*gateway.CheckoutSession, error) {
	return g.client.CreateCheckout(ctx, req)
}

func (g *HostedGateway) HandleWebhook(body []byte, signature string) (*domain.PaymentSignal, error) {
	hook, err := g.client.ParseWebhook(body, signature)
	if err != nil {
		return nil, err
	}
	return &domain.PaymentSignal{
		Gateway:       g.kind,
		EventType:     NormalizeWebhookEvent(hook.Event, hook.Status),
		ReferenceID:   hook.Reference,
		GatewayStatus: hook.Status,
		TransactionID: hook.TransactionID,
		FailureCode:   hook.FailureCode,
		Message:       hook.Message,
		Data:          hook.Data,
	}, nil
}

// NormalizeWebhookEvent maps a gateway's event name and status onto the normalized outcomes.
// Anything unrecognized is treated as pending.
func NormalizeWebhookEvent(event, status string) domain.WebhookEventType {
	text := strings.ToLower(event + " " + status)
	switch {
	case strings.Contains(text, "refund"):
		return domain.WebhookEventRefunded
	case strings.Contains(text, "cancel"), strings.Contains(text, "expired"):
		return domain.WebhookEventCancelled
	case strings.Contains(text, "fail"), strings.Contains(text, "declined"), strings.Contains(text, "error"):
		return domain.WebhookEventFailed
	case strings.Contains(text, "succeeded"), strings.Contains(text, "success"), strings.Contains(text, "paid"),
		strings.Contains(text, "confirmed"), strings.Contains(text, "completed"):
		return domain.WebhookEventSuccess
	}
	return domain.WebhookEventPending
}
