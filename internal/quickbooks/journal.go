package quickbooks

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"invoicehub/backend/internal/domain"
)

const (
	PostingDebit  = "Debit"
	PostingCredit = "Credit"

	journalDetailType = "JournalEntryLineDetail"
	txnDateLayout     = "2006-01-02"
)

type JournalEntry struct {
	ID          string        `json:"Id,omitempty"`
	SyncToken   string        `json:"SyncToken,omitempty"`
	DocNumber   string        `json:"DocNumber,omitempty"`
	TxnDate     string        `json:"TxnDate,omitempty"`
	PrivateNote string        `json:"PrivateNote,omitempty"`
	Line        []JournalLine `json:"Line"`
}

type JournalLine struct {
	Description            string             `json:"Description,omitempty"`
	Amount                 json.Number        `json:"Amount"`
	DetailType             string             `json:"DetailType"`
	JournalEntryLineDetail JournalEntryDetail `json:"JournalEntryLineDetail"`
}

type JournalEntryDetail struct {
	PostingType string        `json:"PostingType"`
	AccountRef  Ref           `json:"AccountRef"`
	Entity      *JournalParty `json:"Entity,omitempty"`
}

type JournalParty struct {
	Type      string `json:"Type"`
	EntityRef Ref    `json:"EntityRef"`
}

// ResolveAmount is the value posted for inv: the stored total, else the sum
// of line totals. A zero result is refused.
func ResolveAmount(inv domain.Invoice, items []domain.InvoiceLineItem) (decimal.Decimal, error) {
	if inv.Total.IsPositive() {
		return inv.Total, nil
	}
	sum := decimal.Zero
	for _, item := range items {
		sum = sum.Add(item.LineTotal)
	}
	if !sum.IsPositive() {
		return decimal.Zero, ErrZeroAmount
	}
	return sum, nil
}

// BuildJournal lays out the double entry for inv against counterpartyID.
// Receivables debit freight and receivables and credit discount and sales;
// payables debit cost of goods and credit payables, without freight or
// discount lines.
func BuildJournal(inv domain.Invoice, amount decimal.Decimal, counterpartyID string, accounts AccountMapping) JournalEntry {
	entry := JournalEntry{
		DocNumber:   inv.InvoiceNumber,
		PrivateNote: fmt.Sprintf("invoicehub %s invoice %s", inv.InvoiceType, inv.ID),
	}
	if !inv.IssueDate.IsZero() {
		entry.TxnDate = inv.IssueDate.Format(txnDateLayout)
	}

	if !inv.IsReceivable() {
		vendor := &JournalParty{Type: "Vendor", EntityRef: Ref{Value: counterpartyID}}
		entry.Line = []JournalLine{
			journalLine("Cost of goods "+inv.InvoiceNumber, amount, PostingDebit, accounts.CostOfGoodsSold, nil),
			journalLine("Payable "+inv.InvoiceNumber, amount, PostingCredit, accounts.AccountsPayable, vendor),
		}
		return entry
	}

	customer := &JournalParty{Type: "Customer", EntityRef: Ref{Value: counterpartyID}}
	if inv.Freight.IsPositive() {
		entry.Line = append(entry.Line, journalLine("Freight "+inv.InvoiceNumber, inv.Freight, PostingDebit, accounts.FreightIncome, nil))
	}
	entry.Line = append(entry.Line, journalLine("Receivable "+inv.InvoiceNumber, amount, PostingDebit, accounts.AccountsReceivable, customer))
	if inv.Discount.IsPositive() {
		entry.Line = append(entry.Line, journalLine("Discount "+inv.InvoiceNumber, inv.Discount, PostingCredit, accounts.DiscountGiven, nil))
	}
	sales := inv.Subtotal
	if !sales.IsPositive() {
		sales = amount
	}
	entry.Line = append(entry.Line, journalLine("Sales "+inv.InvoiceNumber, sales, PostingCredit, accounts.SalesIncome, nil))
	return entry
}

// Balanced reports whether debits equal credits.
func (e JournalEntry) Balanced() bool {
	debit, credit := e.Totals()
	return debit.Equal(credit)
}

func (e JournalEntry) Totals() (debit decimal.Decimal, credit decimal.Decimal) {
	for _, line := range e.Line {
		amount, err := decimal.NewFromString(line.Amount.String())
		if err != nil {
			continue
		}
		if line.JournalEntryLineDetail.PostingType == PostingDebit {
			debit = debit.Add(amount)
		} else {
			credit = credit.Add(amount)
		}
	}
	return debit, credit
}

func journalLine(description string, amount decimal.Decimal, posting string, accountID string, party *JournalParty) JournalLine {
	return JournalLine{
		Description: description,
		Amount:      json.Number(amount.StringFixed(2)),
		DetailType:  journalDetailType,
		JournalEntryLineDetail: JournalEntryDetail{
			PostingType: posting,
			AccountRef:  Ref{Value: accountID},
			Entity:      party,
		},
	}
}
