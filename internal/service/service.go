package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"invoicehub/backend/internal/domain"
	"invoicehub/backend/internal/inventory"
	"invoicehub/backend/internal/quickbooks"
	"invoicehub/backend/internal/scheme"
	"invoicehub/backend/internal/store"
	"invoicehub/backend/internal/xid"
)

// ErrLedgerDisabled is returned by sync operations when no external ledger
// is configured.
var ErrLedgerDisabled = errors.New("external ledger is not configured")

// Ledger mirrors invoices into the external accounting system.
type Ledger interface {
	Connected(ctx context.Context, accountID string) (bool, error)
	SyncInvoice(ctx context.Context, accountID string, inv domain.Invoice, items []domain.InvoiceLineItem) (quickbooks.SyncResult, error)
}

type Service struct {
	repo     store.Repository
	schemes  *scheme.Catalog
	ledger   Ledger
	autoSync bool
	validate *validator.Validate
	now      func() time.Time
	log      zerolog.Logger
}

// New wires the invoice pipeline. ledger may be nil, in which case sync
// operations fail with ErrLedgerDisabled and autoSync has no effect.
func New(repo store.Repository, schemes *scheme.Catalog, ledger Ledger, autoSync bool, log zerolog.Logger) *Service {
	if schemes == nil {
		schemes = scheme.NewCatalog(repo, nil, 0, log)
	}
	return &Service{
		repo:     repo,
		schemes:  schemes,
		ledger:   ledger,
		autoSync: autoSync,
		validate: newValidator(),
		now:      func() time.Time { return time.Now().UTC() },
		log:      log,
	}
}

func (s *Service) Get(ctx context.Context, accountID string, id string) (domain.InvoiceResult, error) {
	inv, err := s.repo.GetInvoice(ctx, accountID, id)
	if err != nil {
		return domain.InvoiceResult{}, err
	}
	items, err := s.repo.ListLineItems(ctx, accountID, id)
	if err != nil {
		return domain.InvoiceResult{}, err
	}
	return domain.InvoiceResult{Invoice: *inv, LineItems: items}, nil
}

func (s *Service) List(ctx context.Context, accountID string, filter domain.InvoiceFilter) ([]domain.Invoice, error) {
	if err := s.validateFilter(filter); err != nil {
		return nil, err
	}
	return s.repo.ListInvoices(ctx, accountID, filter)
}

// Create persists an invoice with its line items and scheme-generated free
// items, and books the stock movement, all in one transaction.
func (s *Service) Create(ctx context.Context, accountID string, req domain.InvoiceRequest) (domain.InvoiceResult, error) {
	if err := s.validateRequest(req); err != nil {
		return domain.InvoiceResult{}, err
	}
	if err := s.checkCounterparty(ctx, accountID, req.Invoice.CustomerID, req.Invoice.InvoiceType); err != nil {
		return domain.InvoiceResult{}, err
	}
	schemes, err := s.schemesFor(ctx, accountID, req.Invoice.InvoiceType)
	if err != nil {
		return domain.InvoiceResult{}, err
	}

	now := s.now()
	inv := domain.Invoice{
		ID:        xid.New("inv"),
		AccountID: accountID,
		CreatedAt: now,
	}
	applyInput(&inv, req.Invoice, now)
	items := buildLineItems(inv, req.LineItems, schemes)

	var levels map[string]int
	err = s.repo.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		batch := inventory.NewBatch(accountID)
		batch.Apply(inv.InvoiceType, items)

		products, err := tx.LockProducts(ctx, accountID, batch.ProductIDs())
		if err != nil {
			return err
		}
		schemeRefs, err := tx.GetSchemes(ctx, accountID, schemeIDs(req.LineItems))
		if err != nil {
			return err
		}
		if err := unknownReferences(req.LineItems, products, schemeRefs); err != nil {
			return err
		}
		if inv.IsReceivable() {
			if err := outOfStock(batch.ProductIDs(), products); err != nil {
				return err
			}
		}

		if err := tx.InsertInvoice(ctx, inv); err != nil {
			return err
		}
		if err := tx.InsertLineItems(ctx, items); err != nil {
			return err
		}
		levels, err = batch.Commit(ctx, tx)
		return err
	})
	if err != nil {
		return domain.InvoiceResult{}, err
	}

	s.log.Info().
		Str("account_id", accountID).
		Str("invoice_id", inv.ID).
		Str("invoice_type", inv.InvoiceType).
		Int("line_items", len(items)).
		Interface("stock", levels).
		Msg("invoice created")

	result := domain.InvoiceResult{Invoice: inv, LineItems: items}
	s.autoSyncResult(ctx, accountID, &result)
	return result, nil
}

// Update replaces the invoice fields and line items. The stock effect of the
// old items is reversed under the old type and the new items are applied
// under the new type; no stock guard runs. The external ledger id is kept so
// the next sync updates the same remote entry.
func (s *Service) Update(ctx context.Context, accountID string, id string, req domain.InvoiceRequest) (domain.InvoiceResult, error) {
	if err := s.validateRequest(req); err != nil {
		return domain.InvoiceResult{}, err
	}
	if err := s.checkCounterparty(ctx, accountID, req.Invoice.CustomerID, req.Invoice.InvoiceType); err != nil {
		return domain.InvoiceResult{}, err
	}
	schemes, err := s.schemesFor(ctx, accountID, req.Invoice.InvoiceType)
	if err != nil {
		return domain.InvoiceResult{}, err
	}

	var (
		inv    domain.Invoice
		items  []domain.InvoiceLineItem
		levels map[string]int
	)
	err = s.repo.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		existing, err := tx.GetInvoiceForUpdate(ctx, accountID, id)
		if err != nil {
			return err
		}
		oldItems, err := tx.ListLineItems(ctx, id)
		if err != nil {
			return err
		}

		inv = *existing
		applyInput(&inv, req.Invoice, s.now())
		items = buildLineItems(inv, req.LineItems, schemes)

		batch := inventory.NewBatch(accountID)
		batch.Reverse(existing.InvoiceType, oldItems)
		batch.Apply(inv.InvoiceType, items)

		products, err := tx.LockProducts(ctx, accountID, batch.ProductIDs())
		if err != nil {
			return err
		}
		schemeRefs, err := tx.GetSchemes(ctx, accountID, schemeIDs(req.LineItems))
		if err != nil {
			return err
		}
		if err := unknownReferences(req.LineItems, products, schemeRefs); err != nil {
			return err
		}

		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		if err := tx.DeleteLineItems(ctx, id); err != nil {
			return err
		}
		if err := tx.InsertLineItems(ctx, items); err != nil {
			return err
		}
		levels, err = batch.Commit(ctx, tx)
		return err
	})
	if err != nil {
		return domain.InvoiceResult{}, err
	}

	s.log.Info().
		Str("account_id", accountID).
		Str("invoice_id", inv.ID).
		Str("invoice_type", inv.InvoiceType).
		Int("line_items", len(items)).
		Interface("stock", levels).
		Msg("invoice updated")

	result := domain.InvoiceResult{Invoice: inv, LineItems: items}
	s.autoSyncResult(ctx, accountID, &result)
	return result, nil
}

// Delete reverses the invoice's stock effect and removes it with its items.
func (s *Service) Delete(ctx context.Context, accountID string, id string) error {
	var levels map[string]int
	err := s.repo.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		existing, err := tx.GetInvoiceForUpdate(ctx, accountID, id)
		if err != nil {
			return err
		}
		items, err := tx.ListLineItems(ctx, id)
		if err != nil {
			return err
		}

		batch := inventory.NewBatch(accountID)
		batch.Reverse(existing.InvoiceType, items)
		if _, err := tx.LockProducts(ctx, accountID, batch.ProductIDs()); err != nil {
			return err
		}

		if err := tx.DeleteLineItems(ctx, id); err != nil {
			return err
		}
		if err := tx.DeleteInvoice(ctx, accountID, id); err != nil {
			return err
		}
		levels, err = batch.Commit(ctx, tx)
		return err
	})
	if err != nil {
		return err
	}

	s.log.Info().Str("account_id", accountID).Str("invoice_id", id).Interface("stock", levels).Msg("invoice deleted")
	return nil
}

// UpdateStatus only writes the status and touches updatedAt.
func (s *Service) UpdateStatus(ctx context.Context, accountID string, id string, status string) (domain.Invoice, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	if err := s.validateStatus(status); err != nil {
		return domain.Invoice{}, err
	}
	inv, err := s.repo.UpdateInvoiceStatus(ctx, accountID, id, status, s.now())
	if err != nil {
		return domain.Invoice{}, err
	}
	return *inv, nil
}

func (s *Service) schemesFor(ctx context.Context, accountID string, invoiceType string) ([]domain.ProductScheme, error) {
	if invoiceType != domain.InvoiceTypeReceivable {
		return nil, nil
	}
	return s.schemes.ActiveSchemes(ctx, accountID)
}

func (s *Service) checkCounterparty(ctx context.Context, accountID string, customerID string, invoiceType string) error {
	counterparty, err := s.repo.GetCustomer(ctx, accountID, customerID)
	if errors.Is(err, store.ErrNotFound) {
		verr := &ValidationError{}
		verr.add("invoice.customerId", "does not match a known customer or vendor")
		return verr
	}
	if err != nil {
		return err
	}
	if want := domain.CounterpartyTypeFor(invoiceType); counterparty.Type != want {
		verr := &ValidationError{}
		verr.add("invoice.customerId", fmt.Sprintf("must reference a %s for a %s invoice", want, invoiceType))
		return verr
	}
	return nil
}

func applyInput(inv *domain.Invoice, in domain.InvoiceInput, now time.Time) {
	inv.InvoiceNumber = strings.TrimSpace(in.InvoiceNumber)
	inv.CustomerID = in.CustomerID
	inv.InvoiceType = in.InvoiceType
	if in.Status != "" {
		inv.Status = in.Status
	}
	if inv.Status == "" {
		inv.Status = domain.InvoiceStatusDraft
	}
	inv.IssueDate = in.IssueDate.UTC()
	inv.DueDate = in.DueDate.UTC()
	inv.Subtotal = in.Subtotal
	inv.Freight = in.Freight
	inv.Discount = in.Discount
	inv.Total = in.Total
	inv.Notes = strings.TrimSpace(in.Notes)
	inv.UpdatedAt = now
}

// buildLineItems keeps the inputs that reference a product and, for
// receivables, follows each with the free item its scheme earns. Scheme
// expansion is skipped entirely when the caller sent a free item.
func buildLineItems(inv domain.Invoice, inputs []domain.LineItemInput, schemes []domain.ProductScheme) []domain.InvoiceLineItem {
	expand := inv.IsReceivable()
	for _, in := range inputs {
		if in.IsFreeFromScheme {
			expand = false
			break
		}
	}

	items := make([]domain.InvoiceLineItem, 0, len(inputs))
	for _, in := range inputs {
		productID := strings.TrimSpace(in.ProductID)
		if productID == "" {
			continue
		}
		item := domain.InvoiceLineItem{
			ID:               xid.New("item"),
			InvoiceID:        inv.ID,
			ProductID:        productID,
			Description:      strings.TrimSpace(in.Description),
			Quantity:         in.Quantity,
			UnitPrice:        in.UnitPrice,
			LineTotal:        in.LineTotal,
			IsFreeFromScheme: in.IsFreeFromScheme,
			SchemeID:         strings.TrimSpace(in.SchemeID),
		}
		items = append(items, item)
		if !expand {
			continue
		}
		for _, free := range scheme.FreeItems([]domain.InvoiceLineItem{item}, schemes) {
			free.ID = xid.New("item")
			free.InvoiceID = inv.ID
			items = append(items, free)
		}
	}
	return items
}

func schemeIDs(inputs []domain.LineItemInput) []string {
	ids := make([]string, 0)
	for _, in := range inputs {
		if id := strings.TrimSpace(in.SchemeID); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// unknownReferences reports product and scheme ids that do not exist for the
// account. Inactive schemes still count as known.
func unknownReferences(inputs []domain.LineItemInput, products map[string]domain.Product, schemes map[string]domain.ProductScheme) error {
	verr := &ValidationError{}
	for i, in := range inputs {
		if productID := strings.TrimSpace(in.ProductID); productID != "" {
			if _, ok := products[productID]; !ok {
				verr.add(fmt.Sprintf("lineItems[%d].productId", i), "does not match a known product")
			}
		}
		if schemeID := strings.TrimSpace(in.SchemeID); schemeID != "" {
			if _, ok := schemes[schemeID]; !ok {
				verr.add(fmt.Sprintf("lineItems[%d].schemeId", i), "does not match a known scheme")
			}
		}
	}
	return verr.errOrNil()
}

func outOfStock(ids []string, products map[string]domain.Product) error {
	var empty []domain.Product
	for _, id := range ids {
		if p, ok := products[id]; ok && p.Qty == 0 {
			empty = append(empty, p)
		}
	}
	if len(empty) == 0 {
		return nil
	}
	return &store.OutOfStockError{Products: empty}
}
