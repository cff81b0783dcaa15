// Package quickbooks mirrors invoices into QuickBooks Online as journal
// entries and manages the OAuth session each account needs to do so.
package quickbooks

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"

	"invoicehub/backend/internal/domain"
)

// Store is what the connector needs from persistence.
type Store interface {
	SessionStore
	GetCustomer(ctx context.Context, accountID string, id string) (*domain.Customer, error)
	SetCustomerExternalID(ctx context.Context, accountID string, id string, externalID string) error
}

type Connector struct {
	store    Store
	sessions *Sessions
	api      *client
	accounts AccountMapping
	log      zerolog.Logger
}

// SyncResult identifies the remote journal entry an invoice maps to.
type SyncResult struct {
	ExternalLedgerID string
	Created          bool
}

func NewConnector(cfg Config, st Store, sessions *Sessions, log zerolog.Logger) *Connector {
	cfg = cfg.withDefaults()
	return &Connector{
		store:    st,
		sessions: sessions,
		api:      newClient(cfg, log),
		accounts: cfg.Accounts,
		log:      log,
	}
}

// AuthCodeURL is where a user grants this app access to their company.
func (c *Connector) AuthCodeURL(state string) string {
	return c.sessions.AuthCodeURL(state)
}

func (c *Connector) Exchange(ctx context.Context, accountID string, code string, companyID string) (*domain.ExternalSession, error) {
	return c.sessions.Exchange(ctx, accountID, code, companyID)
}

// Connected reports whether accountID has a stored session.
func (c *Connector) Connected(ctx context.Context, accountID string) (bool, error) {
	_, err := c.sessions.Lookup(ctx, accountID)
	if errors.Is(err, ErrNoSession) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SyncInvoice posts inv as a journal entry. An invoice that already carries
// an external ledger id updates that entry in place.
func (c *Connector) SyncInvoice(ctx context.Context, accountID string, inv domain.Invoice, items []domain.InvoiceLineItem) (SyncResult, error) {
	amount, err := ResolveAmount(inv, items)
	if err != nil {
		return SyncResult{}, err
	}

	session, err := c.sessions.Fresh(ctx, accountID)
	if err != nil {
		return SyncResult{}, err
	}

	counterpartyID, err := c.resolveCounterparty(ctx, session, accountID, inv)
	if err != nil {
		return SyncResult{}, err
	}

	entry := BuildJournal(inv, amount, counterpartyID, c.accounts)
	if !entry.Balanced() {
		debit, credit := entry.Totals()
		c.log.Warn().
			Str("account_id", accountID).
			Str("invoice_id", inv.ID).
			Str("debit", debit.StringFixed(2)).
			Str("credit", credit.StringFixed(2)).
			Msg("journal entry is unbalanced")
	}

	created := true
	if inv.ExternalLedgerID != "" {
		var existing JournalEntry
		endpoint := "journalentry/" + url.PathEscape(inv.ExternalLedgerID)
		if err := c.api.do(ctx, session, "read journal entry", http.MethodGet, endpoint, nil, nil, "JournalEntry", &existing); err != nil {
			return SyncResult{}, err
		}
		entry.ID = inv.ExternalLedgerID
		entry.SyncToken = existing.SyncToken
		created = false
	}

	op := "create journal entry"
	if !created {
		op = "update journal entry"
	}
	var saved JournalEntry
	if err := c.api.do(ctx, session, op, http.MethodPost, "journalentry", nil, entry, "JournalEntry", &saved); err != nil {
		return SyncResult{}, err
	}
	if saved.ID == "" {
		saved.ID = entry.ID
	}

	c.log.Info().
		Str("account_id", accountID).
		Str("invoice_id", inv.ID).
		Str("external_ledger_id", saved.ID).
		Bool("created", created).
		Msg("invoice synced to quickbooks")
	return SyncResult{ExternalLedgerID: saved.ID, Created: created}, nil
}

// Status describes the account's connection. Valid is true when the session
// can still read company info.
func (c *Connector) Status(ctx context.Context, accountID string) (domain.SessionStatus, error) {
	session, err := c.sessions.Lookup(ctx, accountID)
	if errors.Is(err, ErrNoSession) {
		return domain.SessionStatus{}, nil
	}
	if err != nil {
		return domain.SessionStatus{}, err
	}

	expiresAt := session.ExpiresAt
	status := domain.SessionStatus{
		Connected: true,
		CompanyID: session.CompanyID,
		ExpiresAt: &expiresAt,
	}

	fresh, err := c.sessions.Fresh(ctx, accountID)
	if err != nil {
		c.log.Warn().Err(err).Str("account_id", accountID).Msg("quickbooks session refresh failed")
		return status, nil
	}
	if !fresh.ExpiresAt.Equal(expiresAt) {
		refreshed := fresh.ExpiresAt
		status.ExpiresAt = &refreshed
	}

	info, err := c.api.companyInfo(ctx, fresh)
	if err != nil {
		c.log.Warn().Err(err).Str("account_id", accountID).Msg("quickbooks company info failed")
		return status, nil
	}
	status.Valid = true
	status.Company = info.CompanyName
	return status, nil
}

// ErrorCode returns the short code reported for a failed sync.
func ErrorCode(err error) string {
	var apiErr *APIError
	var authErr *AuthError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoSession):
		return "not_connected"
	case errors.Is(err, ErrZeroAmount):
		return "zero_amount"
	case errors.Is(err, ErrCounterpartyType):
		return "counterparty_mismatch"
	case errors.As(err, &authErr):
		return "auth_failed"
	case errors.As(err, &apiErr):
		if apiErr.Code != "" {
			return apiErr.Code
		}
		return "api_error"
	default:
		return "sync_failed"
	}
}
