package quickbooks

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"invoicehub/backend/internal/domain"
)

// entityFor maps an invoice type to the remote counterparty resource.
func entityFor(invoiceType string) string {
	if invoiceType == domain.InvoiceTypePayable {
		return "Vendor"
	}
	return "Customer"
}

// resolveCounterparty returns the remote id of the invoice's customer or
// vendor. A cached external id wins; otherwise the remote list is scanned
// for an exact display name and a new record is created on a miss. The
// resulting id is stored on the local record.
func (c *Connector) resolveCounterparty(ctx context.Context, session *domain.ExternalSession, accountID string, inv domain.Invoice) (string, error) {
	local, err := c.store.GetCustomer(ctx, accountID, inv.CustomerID)
	if err != nil {
		return "", fmt.Errorf("load counterparty %s: %w", inv.CustomerID, err)
	}
	// ExternalID holds one remote id, valid only for the entity matching the
	// record's own type.
	if want := domain.CounterpartyTypeFor(inv.InvoiceType); local.Type != want {
		return "", fmt.Errorf("%w: %s is a %s, %s invoice needs a %s", ErrCounterpartyType, local.ID, local.Type, inv.InvoiceType, want)
	}
	if local.ExternalID != "" {
		return local.ExternalID, nil
	}

	entity := entityFor(inv.InvoiceType)
	name := strings.TrimSpace(local.DisplayName)

	var found map[string][]Counterparty
	statement := fmt.Sprintf("SELECT * FROM %s WHERE DisplayName = '%s'", entity, escapeQueryValue(name))
	if err := c.api.query(ctx, session, "find "+strings.ToLower(entity), statement, &found); err != nil {
		return "", err
	}

	externalID := ""
	for _, candidate := range found[entity] {
		if candidate.DisplayName == name {
			externalID = candidate.ID
			break
		}
	}

	if externalID == "" {
		var created Counterparty
		payload := Counterparty{DisplayName: name, CompanyName: name}
		if err := c.api.do(ctx, session, "create "+strings.ToLower(entity), http.MethodPost, strings.ToLower(entity), nil, payload, entity, &created); err != nil {
			return "", err
		}
		externalID = created.ID
		c.log.Info().Str("account_id", accountID).Str("entity", entity).Str("external_id", externalID).Msg("created quickbooks counterparty")
	}

	if err := c.store.SetCustomerExternalID(ctx, accountID, local.ID, externalID); err != nil {
		return "", fmt.Errorf("store counterparty external id: %w", err)
	}
	return externalID, nil
}

func escapeQueryValue(v string) string {
	return strings.ReplaceAll(v, "'", `\'`)
}
