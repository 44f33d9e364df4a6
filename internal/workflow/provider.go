package workflow

import (
	"context"
	"fmt"
	"sort"

	"github.com/esimly/fulfillment-service/internal/domain"
	"github.com/esimly/fulfillment-service/pkg/providerclient"
)

// Provider is the capability set every upstream eSIM vendor exposes.
type Provider interface {
	Purchase(ctx context.Context, packageRef, transactionID string) providerclient.PurchaseResult
	FetchProfile(ctx context.Context, providerOrderRef string) providerclient.ProfileResult
	TestConnection(ctx context.Context) bool
}

// ProviderRegistry resolves a ProviderKind to its client once, at the workflow boundary.
type ProviderRegistry struct {
	providers map[domain.ProviderKind]Provider
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{providers: make(map[domain.ProviderKind]Provider)}
}

func (r *ProviderRegistry) Register(kind domain.ProviderKind, provider Provider) {
	r.providers[kind] = provider
}

func (r *ProviderRegistry) Resolve(kind domain.ProviderKind) (Provider, error) {
	provider, ok := r.providers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownProvider, kind)
	}
	return provider, nil
}

// Kinds lists the registered providers in a stable order.
func (r *ProviderRegistry) Kinds() []domain.ProviderKind {
	kinds := make([]domain.ProviderKind, 0, len(r.providers))
	for kind := range r.providers {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
