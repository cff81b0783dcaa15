// Package scheme expands buy-X-get-Y-free promotions into free line items.
package scheme

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"invoicehub/backend/internal/cache"
	"invoicehub/backend/internal/domain"
)

// FreeItems returns the zero-priced items earned by items under schemes.
// schemes must be the account's active schemes in creation order; the first
// one that applies to a product wins. Nothing is generated when any input
// item is already marked free, since the caller has expanded schemes itself.
func FreeItems(items []domain.InvoiceLineItem, schemes []domain.ProductScheme) []domain.InvoiceLineItem {
	for _, item := range items {
		if item.IsFreeFromScheme {
			return nil
		}
	}

	free := make([]domain.InvoiceLineItem, 0)
	for _, item := range items {
		if item.ProductID == "" {
			continue
		}
		match, ok := firstMatch(item.ProductID, schemes)
		if !ok {
			continue
		}
		qty := FreeQuantity(item.Quantity, match)
		if qty <= 0 {
			continue
		}
		free = append(free, domain.InvoiceLineItem{
			ProductID:        item.ProductID,
			Description:      fmt.Sprintf("%s (Free - %s)", item.Description, match.Name),
			Quantity:         qty,
			UnitPrice:        decimal.Zero,
			LineTotal:        decimal.Zero,
			IsFreeFromScheme: true,
			SchemeID:         match.ID,
		})
	}
	return free
}

// FreeQuantity is floor(qty / buy) * free, or zero when the scheme has no
// positive buy threshold or qty does not reach it.
func FreeQuantity(qty int, s domain.ProductScheme) int {
	if s.BuyQuantity <= 0 || qty < s.BuyQuantity {
		return 0
	}
	return (qty / s.BuyQuantity) * s.FreeQuantity
}

func firstMatch(productID string, schemes []domain.ProductScheme) (domain.ProductScheme, bool) {
	for _, s := range schemes {
		if s.IsActive && s.AppliesTo(productID) {
			return s, true
		}
	}
	return domain.ProductScheme{}, false
}

type Source interface {
	ListActiveSchemes(ctx context.Context, accountID string) ([]domain.ProductScheme, error)
}

// Catalog serves active schemes through a cache in front of the store.
type Catalog struct {
	source Source
	cache  cache.SchemeCache
	ttl    time.Duration
	log    zerolog.Logger
}

func NewCatalog(source Source, schemeCache cache.SchemeCache, ttl time.Duration, log zerolog.Logger) *Catalog {
	if schemeCache == nil {
		schemeCache = cache.NoopSchemeCache{}
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Catalog{source: source, cache: schemeCache, ttl: ttl, log: log}
}

func (c *Catalog) ActiveSchemes(ctx context.Context, accountID string) ([]domain.ProductScheme, error) {
	cached, ok, err := c.cache.Get(ctx, accountID)
	if err != nil {
		c.log.Warn().Err(err).Str("account_id", accountID).Msg("scheme cache read failed")
	}
	if ok {
		return cached, nil
	}

	schemes, err := c.source.ListActiveSchemes(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Set(ctx, accountID, schemes, c.ttl); err != nil {
		c.log.Warn().Err(err).Str("account_id", accountID).Msg("scheme cache write failed")
	}
	return schemes, nil
}
