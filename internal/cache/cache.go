package cache

import (
	"context"
	"time"

	"invoicehub/backend/internal/domain"
)

// SchemeCache stores the active scheme list of an account. A miss returns
// ok=false with a nil error.
type SchemeCache interface {
	Get(ctx context.Context, accountID string) ([]domain.ProductScheme, bool, error)
	Set(ctx context.Context, accountID string, schemes []domain.ProductScheme, ttl time.Duration) error
}

type NoopSchemeCache struct{}

func (NoopSchemeCache) Get(_ context.Context, _ string) ([]domain.ProductScheme, bool, error) {
	return nil, false, nil
}

func (NoopSchemeCache) Set(_ context.Context, _ string, _ []domain.ProductScheme, _ time.Duration) error {
	return nil
}
