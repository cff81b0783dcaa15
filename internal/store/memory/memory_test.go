package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invoicehub/backend/internal/domain"
	"invoicehub/backend/internal/store"
)

func TestRunInTxDiscardsWritesOnError(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.AdjustStock(ctx, SeedAccountID, "prod-semen-40", -40); err != nil {
			return err
		}
		if err := tx.InsertInvoice(ctx, domain.Invoice{ID: "inv-x", AccountID: SeedAccountID}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	products, err := s.ListProducts(ctx, SeedAccountID)
	require.NoError(t, err)
	assert.Equal(t, 100, qtyOf(products, "prod-semen-40"))

	_, err = s.GetInvoice(ctx, SeedAccountID, "inv-x")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAdjustStockFloorsAtZero(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	var got int
	err := s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		got, err = tx.AdjustStock(ctx, SeedAccountID, "prod-cat-05", -500)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 0, got)
}

func TestLockProductsIsAccountScoped(t *testing.T) {
	s := NewSeeded()
	s.PutProduct(domain.Product{ID: "prod-other", AccountID: "acct-other", Qty: 3})

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		locked, err := tx.LockProducts(ctx, SeedAccountID, []string{"prod-semen-40", "prod-other"})
		require.NoError(t, err)
		assert.Len(t, locked, 1)
		assert.Contains(t, locked, "prod-semen-40")
		return nil
	})
	require.NoError(t, err)
}

func TestGetSchemesIncludesInactiveAndScopesAccount(t *testing.T) {
	s := NewSeeded()
	s.PutScheme(domain.ProductScheme{ID: "sch-retired", AccountID: SeedAccountID, ProductID: "prod-cat-05", BuyQuantity: 10, FreeQuantity: 1})
	s.PutScheme(domain.ProductScheme{ID: "sch-other", AccountID: "acct-other", ProductID: "prod-cat-05", BuyQuantity: 5, FreeQuantity: 1, IsActive: true})

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		found, err := tx.GetSchemes(ctx, SeedAccountID, []string{"sch-semen-15-1", "sch-retired", "sch-other", "sch-missing"})
		require.NoError(t, err)
		assert.Len(t, found, 2)
		assert.True(t, found["sch-semen-15-1"].IsActive)
		assert.False(t, found["sch-retired"].IsActive)
		assert.NotContains(t, found, "sch-other")
		return nil
	})
	require.NoError(t, err)
}

func TestCommittedLineItemsAreNotAliased(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	insert := func(id string) error {
		return s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.InsertLineItems(ctx, []domain.InvoiceLineItem{{ID: id, InvoiceID: "inv-a"}})
		})
	}
	require.NoError(t, s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertInvoice(ctx, domain.Invoice{ID: "inv-a", AccountID: SeedAccountID})
	}))
	require.NoError(t, insert("li-1"))

	boom := errors.New("boom")
	err := s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_ = tx.InsertLineItems(ctx, []domain.InvoiceLineItem{{ID: "li-2", InvoiceID: "inv-a"}})
		return boom
	})
	require.ErrorIs(t, err, boom)

	items, err := s.ListLineItems(ctx, SeedAccountID, "inv-a")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "li-1", items[0].ID)
}

func TestExternalSessionCompareAndSwap(t *testing.T) {
	s := New()
	ctx := context.Background()

	saved, err := s.SaveExternalSession(ctx, domain.ExternalSession{AccountID: "acct-1", AccessToken: "a1", ExpiresAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.Version)

	next := *saved
	next.AccessToken = "a2"
	swapped, err := s.CompareAndSwapExternalSession(ctx, next, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), swapped.Version)

	_, err = s.CompareAndSwapExternalSession(ctx, next, 1)
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = s.CompareAndSwapExternalSession(ctx, domain.ExternalSession{AccountID: "acct-missing"}, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListActiveSchemesOrdersByCreation(t *testing.T) {
	s := New()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	s.PutScheme(domain.ProductScheme{ID: "late", AccountID: "a", IsActive: true, CreatedAt: base.Add(time.Hour)})
	s.PutScheme(domain.ProductScheme{ID: "inactive", AccountID: "a", IsActive: false, CreatedAt: base})
	s.PutScheme(domain.ProductScheme{ID: "early", AccountID: "a", IsActive: true, CreatedAt: base})

	schemes, err := s.ListActiveSchemes(context.Background(), "a")
	require.NoError(t, err)
	require.Len(t, schemes, 2)
	assert.Equal(t, "early", schemes[0].ID)
	assert.Equal(t, "late", schemes[1].ID)
}

func qtyOf(products []domain.Product, id string) int {
	for _, p := range products {
		if p.ID == id {
			return p.Qty
		}
	}
	return -1
}
