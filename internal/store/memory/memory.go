package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"invoicehub/backend/internal/domain"
	"invoicehub/backend/internal/store"
)

// Store keeps everything in process memory. RunInTx holds the write lock for
// the whole callback and works on copies, so a failed callback leaves no
// trace. Callbacks must not call back into Store methods.
type Store struct {
	mu        sync.RWMutex
	products  map[string]domain.Product
	customers map[string]domain.Customer
	schemes   []domain.ProductScheme
	invoices  map[string]domain.Invoice
	lineItems map[string][]domain.InvoiceLineItem
	sessions  map[string]domain.ExternalSession
}

const SeedAccountID = "acct-main"

func New() *Store {
	return &Store{
		products:  make(map[string]domain.Product),
		customers: make(map[string]domain.Customer),
		schemes:   make([]domain.ProductScheme, 0, 8),
		invoices:  make(map[string]domain.Invoice),
		lineItems: make(map[string][]domain.InvoiceLineItem),
		sessions:  make(map[string]domain.ExternalSession),
	}
}

func NewSeeded() *Store {
	s := New()
	seededAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for _, p := range []domain.Product{
		{ID: "prod-semen-40", SKU: "SMN-40", Name: "Semen Portland 40kg", Qty: 100, Price: decimal.NewFromInt(62000), Weight: decimal.NewFromInt(40)},
		{ID: "prod-cat-05", SKU: "CAT-05", Name: "Cat Tembok 5kg", Qty: 60, Price: decimal.NewFromInt(135000), Weight: decimal.NewFromInt(5)},
		{ID: "prod-pipa-34", SKU: "PVC-34", Name: "Pipa PVC 3/4 inch", Qty: 250, Price: decimal.NewFromInt(28500), Weight: decimal.RequireFromString("1.2")},
		{ID: "prod-paku-02", SKU: "PKU-02", Name: "Paku 2 inch 1kg", Qty: 0, Price: decimal.NewFromInt(21000), Weight: decimal.NewFromInt(1)},
	} {
		p.AccountID = SeedAccountID
		s.PutProduct(p)
	}

	s.PutCustomer(domain.Customer{ID: "cust-toko-jaya", AccountID: SeedAccountID, DisplayName: "Toko Bangunan Jaya", Type: domain.CounterpartyCustomer})
	s.PutCustomer(domain.Customer{ID: "vend-sumber-makmur", AccountID: SeedAccountID, DisplayName: "PT Sumber Makmur", Type: domain.CounterpartyVendor})

	s.PutScheme(domain.ProductScheme{
		ID:           "sch-semen-15-1",
		AccountID:    SeedAccountID,
		Name:         "Beli 15 Gratis 1",
		BuyQuantity:  15,
		FreeQuantity: 1,
		IsActive:     true,
		ProductID:    "prod-semen-40",
		CreatedAt:    seededAt,
	})
	return s
}

func (s *Store) PutProduct(p domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

func (s *Store) PutCustomer(c domain.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[c.ID] = c
}

func (s *Store) PutScheme(scheme domain.ProductScheme) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemes = append(s.schemes, scheme)
}

func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		products:  maps.Clone(s.products),
		invoices:  maps.Clone(s.invoices),
		lineItems: maps.Clone(s.lineItems),
		schemes:   s.schemes,
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.products = tx.products
	s.invoices = tx.invoices
	s.lineItems = tx.lineItems
	return nil
}

func (s *Store) GetInvoice(_ context.Context, accountID string, id string) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invoices[id]
	if !ok || inv.AccountID != accountID {
		return nil, store.ErrNotFound
	}
	return &inv, nil
}

func (s *Store) ListInvoices(_ context.Context, accountID string, filter domain.InvoiceFilter) ([]domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Invoice, 0, len(s.invoices))
	for _, inv := range s.invoices {
		if inv.AccountID != accountID {
			continue
		}
		if filter.InvoiceType != "" && inv.InvoiceType != filter.InvoiceType {
			continue
		}
		if filter.Status != "" && inv.Status != filter.Status {
			continue
		}
		result = append(result, inv)
	}
	sortNewestFirst(result)
	return result, nil
}

func (s *Store) ListUnsyncedInvoices(_ context.Context, accountID string) ([]domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Invoice, 0, 16)
	for _, inv := range s.invoices {
		if inv.AccountID == accountID && inv.ExternalLedgerID == "" {
			result = append(result, inv)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *Store) ListLineItems(_ context.Context, accountID string, invoiceID string) ([]domain.InvoiceLineItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invoices[invoiceID]
	if !ok || inv.AccountID != accountID {
		return nil, store.ErrNotFound
	}
	return slices.Clone(s.lineItems[invoiceID]), nil
}

func (s *Store) UpdateInvoiceStatus(_ context.Context, accountID string, id string, status string, at time.Time) (*domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invoices[id]
	if !ok || inv.AccountID != accountID {
		return nil, store.ErrNotFound
	}
	inv.Status = status
	inv.UpdatedAt = at
	s.invoices[id] = inv
	return &inv, nil
}

func (s *Store) SetInvoiceSyncResult(_ context.Context, accountID string, id string, result store.SyncResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invoices[id]
	if !ok || inv.AccountID != accountID {
		return store.ErrNotFound
	}
	if result.ExternalLedgerID != "" {
		inv.ExternalLedgerID = result.ExternalLedgerID
	}
	if result.SyncedAt != nil {
		at := *result.SyncedAt
		inv.SyncedAt = &at
	}
	inv.SyncError = result.Error
	s.invoices[id] = inv
	return nil
}

func (s *Store) ListProducts(_ context.Context, accountID string) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if p.AccountID == accountID {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *Store) ListActiveSchemes(_ context.Context, accountID string) ([]domain.ProductScheme, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.ProductScheme, 0, len(s.schemes))
	for _, scheme := range s.schemes {
		if scheme.AccountID == accountID && scheme.IsActive {
			result = append(result, scheme)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *Store) GetCustomer(_ context.Context, accountID string, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.customers[id]
	if !ok || c.AccountID != accountID {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Store) SetCustomerExternalID(_ context.Context, accountID string, id string, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.customers[id]
	if !ok || c.AccountID != accountID {
		return store.ErrNotFound
	}
	c.ExternalID = externalID
	s.customers[id] = c
	return nil
}

func (s *Store) GetExternalSession(_ context.Context, accountID string) (*domain.ExternalSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[accountID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &session, nil
}

func (s *Store) SaveExternalSession(_ context.Context, session domain.ExternalSession) (*domain.ExternalSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session.Version = s.sessions[session.AccountID].Version + 1
	session.UpdatedAt = time.Now().UTC()
	s.sessions[session.AccountID] = session
	return &session, nil
}

func (s *Store) CompareAndSwapExternalSession(_ context.Context, session domain.ExternalSession, expectedVersion int64) (*domain.ExternalSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.sessions[session.AccountID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if current.Version != expectedVersion {
		return nil, store.ErrConflict
	}
	session.Version = expectedVersion + 1
	session.UpdatedAt = time.Now().UTC()
	s.sessions[session.AccountID] = session
	return &session, nil
}

type memTx struct {
	products  map[string]domain.Product
	invoices  map[string]domain.Invoice
	lineItems map[string][]domain.InvoiceLineItem
	// schemes is read-only inside a transaction.
	schemes []domain.ProductScheme
}

func (t *memTx) GetInvoiceForUpdate(_ context.Context, accountID string, id string) (*domain.Invoice, error) {
	inv, ok := t.invoices[id]
	if !ok || inv.AccountID != accountID {
		return nil, store.ErrNotFound
	}
	return &inv, nil
}

func (t *memTx) ListLineItems(_ context.Context, invoiceID string) ([]domain.InvoiceLineItem, error) {
	return slices.Clone(t.lineItems[invoiceID]), nil
}

func (t *memTx) LockProducts(_ context.Context, accountID string, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		p, ok := t.products[id]
		if ok && p.AccountID == accountID {
			result[id] = p
		}
	}
	return result, nil
}

func (t *memTx) GetSchemes(_ context.Context, accountID string, ids []string) (map[string]domain.ProductScheme, error) {
	result := make(map[string]domain.ProductScheme, len(ids))
	for _, scheme := range t.schemes {
		if scheme.AccountID == accountID && slices.Contains(ids, scheme.ID) {
			result[scheme.ID] = scheme
		}
	}
	return result, nil
}

func (t *memTx) InsertInvoice(_ context.Context, invoice domain.Invoice) error {
	t.invoices[invoice.ID] = invoice
	return nil
}

func (t *memTx) UpdateInvoice(_ context.Context, invoice domain.Invoice) error {
	existing, ok := t.invoices[invoice.ID]
	if !ok || existing.AccountID != invoice.AccountID {
		return store.ErrNotFound
	}
	t.invoices[invoice.ID] = invoice
	return nil
}

func (t *memTx) DeleteInvoice(_ context.Context, accountID string, id string) error {
	existing, ok := t.invoices[id]
	if !ok || existing.AccountID != accountID {
		return store.ErrNotFound
	}
	delete(t.invoices, id)
	delete(t.lineItems, id)
	return nil
}

func (t *memTx) InsertLineItems(_ context.Context, items []domain.InvoiceLineItem) error {
	for _, item := range items {
		// Clone before append so the committed snapshot never shares a backing array.
		t.lineItems[item.InvoiceID] = append(slices.Clone(t.lineItems[item.InvoiceID]), item)
	}
	return nil
}

func (t *memTx) DeleteLineItems(_ context.Context, invoiceID string) error {
	delete(t.lineItems, invoiceID)
	return nil
}

func (t *memTx) AdjustStock(_ context.Context, accountID string, productID string, delta int) (int, error) {
	p, ok := t.products[productID]
	if !ok || p.AccountID != accountID {
		return 0, store.ErrNotFound
	}
	p.Qty = max(0, p.Qty+delta)
	t.products[productID] = p
	return p.Qty, nil
}

func sortNewestFirst(invoices []domain.Invoice) {
	sort.Slice(invoices, func(i, j int) bool {
		if invoices[i].CreatedAt.Equal(invoices[j].CreatedAt) {
			return invoices[i].ID > invoices[j].ID
		}
		return invoices[i].CreatedAt.After(invoices[j].CreatedAt)
	})
}
