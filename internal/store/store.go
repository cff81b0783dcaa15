package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"invoicehub/backend/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a lost compare-and-swap on a versioned row.
	ErrConflict = errors.New("version conflict")
)

// OutOfStockError lists the products that blocked a receivable create.
type OutOfStockError struct {
	Products []domain.Product
}

func (e *OutOfStockError) Error() string {
	names := make([]string, 0, len(e.Products))
	for _, p := range e.Products {
		names = append(names, fmt.Sprintf("%s (%s)", p.Name, p.ID))
	}
	return "out of stock: " + strings.Join(names, ", ")
}

// Repository is the persistence boundary. Invoice mutations go through
// RunInTx so that rows and stock deltas commit together.
type Repository interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetInvoice(ctx context.Context, accountID string, id string) (*domain.Invoice, error)
	ListInvoices(ctx context.Context, accountID string, filter domain.InvoiceFilter) ([]domain.Invoice, error)
	ListUnsyncedInvoices(ctx context.Context, accountID string) ([]domain.Invoice, error)
	ListLineItems(ctx context.Context, accountID string, invoiceID string) ([]domain.InvoiceLineItem, error)
	UpdateInvoiceStatus(ctx context.Context, accountID string, id string, status string, at time.Time) (*domain.Invoice, error)
	SetInvoiceSyncResult(ctx context.Context, accountID string, id string, result SyncResult) error

	ListProducts(ctx context.Context, accountID string) ([]domain.Product, error)
	ListActiveSchemes(ctx context.Context, accountID string) ([]domain.ProductScheme, error)

	GetCustomer(ctx context.Context, accountID string, id string) (*domain.Customer, error)
	SetCustomerExternalID(ctx context.Context, accountID string, id string, externalID string) error

	GetExternalSession(ctx context.Context, accountID string) (*domain.ExternalSession, error)
	SaveExternalSession(ctx context.Context, session domain.ExternalSession) (*domain.ExternalSession, error)
	CompareAndSwapExternalSession(ctx context.Context, session domain.ExternalSession, expectedVersion int64) (*domain.ExternalSession, error)
}

// Tx is a unit of work. Every method sees the writes made earlier in the
// same transaction and nothing is visible outside it until commit.
type Tx interface {
	GetInvoiceForUpdate(ctx context.Context, accountID string, id string) (*domain.Invoice, error)
	ListLineItems(ctx context.Context, invoiceID string) ([]domain.InvoiceLineItem, error)
	// LockProducts returns the requested products keyed by id, holding a
	// write lock on each until the transaction ends. Missing ids are absent
	// from the map.
	LockProducts(ctx context.Context, accountID string, ids []string) (map[string]domain.Product, error)
	// GetSchemes returns the account's schemes among ids keyed by id, active
	// or not. Missing ids are absent from the map.
	GetSchemes(ctx context.Context, accountID string, ids []string) (map[string]domain.ProductScheme, error)
	InsertInvoice(ctx context.Context, invoice domain.Invoice) error
	UpdateInvoice(ctx context.Context, invoice domain.Invoice) error
	DeleteInvoice(ctx context.Context, accountID string, id string) error
	InsertLineItems(ctx context.Context, items []domain.InvoiceLineItem) error
	DeleteLineItems(ctx context.Context, invoiceID string) error
	// AdjustStock adds delta to the product quantity, flooring at zero, and
	// returns the resulting quantity.
	AdjustStock(ctx context.Context, accountID string, productID string, delta int) (int, error)
}

// SyncResult is the ledger bookkeeping written back after a sync attempt.
// An empty ExternalLedgerID keeps the stored one.
type SyncResult struct {
	ExternalLedgerID string
	SyncedAt         *time.Time
	Error            string
}
