package service

import (
	"context"

	"invoicehub/backend/internal/domain"
	"invoicehub/backend/internal/quickbooks"
	"invoicehub/backend/internal/store"
)

// autoSyncResult mirrors a freshly committed invoice when auto sync is on
// and the account is connected. Failures land in result.Sync and never undo
// the commit.
func (s *Service) autoSyncResult(ctx context.Context, accountID string, result *domain.InvoiceResult) {
	if !s.autoSync || s.ledger == nil {
		return
	}
	connected, err := s.ledger.Connected(ctx, accountID)
	if err != nil {
		s.log.Warn().Err(err).Str("account_id", accountID).Msg("ledger connection check failed")
		return
	}
	if !connected {
		return
	}
	outcome := s.syncOne(ctx, accountID, &result.Invoice, result.LineItems)
	result.Sync = &outcome
}

// SyncInvoice mirrors one stored invoice on demand. The outcome is returned
// together with the sync error, if any.
func (s *Service) SyncInvoice(ctx context.Context, accountID string, id string) (domain.InvoiceResult, error) {
	if s.ledger == nil {
		return domain.InvoiceResult{}, ErrLedgerDisabled
	}
	result, err := s.Get(ctx, accountID, id)
	if err != nil {
		return domain.InvoiceResult{}, err
	}
	res, syncErr := s.sync(ctx, accountID, &result.Invoice, result.LineItems)
	outcome := outcomeOf(result.Invoice, res, syncErr)
	result.Sync = &outcome
	return result, syncErr
}

// SyncPending mirrors every invoice of the account that has no external
// ledger id yet, one at a time, and reports per-invoice failures.
func (s *Service) SyncPending(ctx context.Context, accountID string) (domain.SyncSummary, error) {
	if s.ledger == nil {
		return domain.SyncSummary{}, ErrLedgerDisabled
	}
	connected, err := s.ledger.Connected(ctx, accountID)
	if err != nil {
		return domain.SyncSummary{}, err
	}
	if !connected {
		return domain.SyncSummary{}, quickbooks.ErrNoSession
	}

	pending, err := s.repo.ListUnsyncedInvoices(ctx, accountID)
	if err != nil {
		return domain.SyncSummary{}, err
	}

	summary := domain.SyncSummary{Total: len(pending), Failures: make([]domain.SyncFailure, 0)}
	for _, inv := range pending {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		items, err := s.repo.ListLineItems(ctx, accountID, inv.ID)
		if err != nil {
			return summary, err
		}
		if _, err := s.sync(ctx, accountID, &inv, items); err != nil {
			summary.Failed++
			summary.Failures = append(summary.Failures, domain.SyncFailure{
				InvoiceID:     inv.ID,
				InvoiceNumber: inv.InvoiceNumber,
				Code:          quickbooks.ErrorCode(err),
				Detail:        err.Error(),
			})
			continue
		}
		summary.Successful++
	}

	s.log.Info().
		Str("account_id", accountID).
		Int("total", summary.Total).
		Int("successful", summary.Successful).
		Int("failed", summary.Failed).
		Msg("pending invoices synced")
	return summary, nil
}

func (s *Service) syncOne(ctx context.Context, accountID string, inv *domain.Invoice, items []domain.InvoiceLineItem) domain.SyncOutcome {
	res, err := s.sync(ctx, accountID, inv, items)
	return outcomeOf(*inv, res, err)
}

// sync pushes inv to the ledger and records the result on the stored row.
// inv is updated in place with the bookkeeping fields.
func (s *Service) sync(ctx context.Context, accountID string, inv *domain.Invoice, items []domain.InvoiceLineItem) (quickbooks.SyncResult, error) {
	res, syncErr := s.ledger.SyncInvoice(ctx, accountID, *inv, items)

	record := store.SyncResult{}
	if syncErr != nil {
		record.Error = syncErr.Error()
		s.log.Warn().Err(syncErr).Str("account_id", accountID).Str("invoice_id", inv.ID).Msg("invoice sync failed")
	} else {
		syncedAt := s.now()
		record.ExternalLedgerID = res.ExternalLedgerID
		record.SyncedAt = &syncedAt
		inv.ExternalLedgerID = res.ExternalLedgerID
		inv.SyncedAt = &syncedAt
	}
	inv.SyncError = record.Error

	if err := s.repo.SetInvoiceSyncResult(ctx, accountID, inv.ID, record); err != nil {
		s.log.Error().Err(err).Str("account_id", accountID).Str("invoice_id", inv.ID).Msg("record sync result failed")
	}
	return res, syncErr
}

func outcomeOf(inv domain.Invoice, res quickbooks.SyncResult, err error) domain.SyncOutcome {
	if err != nil {
		return domain.SyncOutcome{
			Attempted:        true,
			ExternalLedgerID: inv.ExternalLedgerID,
			Code:             quickbooks.ErrorCode(err),
			Detail:           err.Error(),
		}
	}
	return domain.SyncOutcome{
		Attempted:        true,
		Synced:           true,
		Created:          res.Created,
		ExternalLedgerID: res.ExternalLedgerID,
	}
}
