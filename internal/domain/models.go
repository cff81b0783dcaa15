package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	InvoiceTypeReceivable = "receivable"
	InvoiceTypePayable    = "payable"
)

const (
	InvoiceStatusDraft   = "draft"
	InvoiceStatusSent    = "sent"
	InvoiceStatusPaid    = "paid"
	InvoiceStatusOverdue = "overdue"
)

const (
	CounterpartyCustomer = "customer"
	CounterpartyVendor   = "vendor"
)

// CounterpartyTypeFor is the counterparty type an invoice of invoiceType must
// reference: customers for receivables, vendors for payables.
func CounterpartyTypeFor(invoiceType string) string {
	if invoiceType == InvoiceTypePayable {
		return CounterpartyVendor
	}
	return CounterpartyCustomer
}

type Product struct {
	ID        string          `json:"id"`
	AccountID string          `json:"accountId"`
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	Qty       int             `json:"qty"`
	Price     decimal.Decimal `json:"price"`
	Weight    decimal.Decimal `json:"weight"`
}

type Customer struct {
	ID          string `json:"id"`
	AccountID   string `json:"accountId"`
	DisplayName string `json:"displayName"`
	Type        string `json:"type"`
	ExternalID  string `json:"externalId,omitempty"`
}

type ProductScheme struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"accountId"`
	Name         string    `json:"name"`
	BuyQuantity  int       `json:"buyQuantity"`
	FreeQuantity int       `json:"freeQuantity"`
	IsActive     bool      `json:"isActive"`
	ProductID    string    `json:"productId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// AppliesTo reports whether the scheme filter accepts productID. An empty
// filter matches every product.
func (s ProductScheme) AppliesTo(productID string) bool {
	return s.ProductID == "" || s.ProductID == productID
}

type Invoice struct {
	ID               string          `json:"id"`
	AccountID        string          `json:"accountId"`
	InvoiceNumber    string          `json:"invoiceNumber"`
	CustomerID       string          `json:"customerId"`
	InvoiceType      string          `json:"invoiceType"`
	Status           string          `json:"status"`
	IssueDate        time.Time       `json:"issueDate"`
	DueDate          time.Time       `json:"dueDate"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	Freight          decimal.Decimal `json:"freight"`
	Discount         decimal.Decimal `json:"discount"`
	Total            decimal.Decimal `json:"total"`
	Notes            string          `json:"notes,omitempty"`
	ExternalLedgerID string          `json:"externalLedgerId,omitempty"`
	SyncedAt         *time.Time      `json:"syncedAt,omitempty"`
	SyncError        string          `json:"syncError,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

func (i Invoice) IsReceivable() bool {
	return i.InvoiceType == InvoiceTypeReceivable
}

type InvoiceLineItem struct {
	ID               string          `json:"id"`
	InvoiceID        string          `json:"invoiceId"`
	ProductID        string          `json:"productId,omitempty"`
	Description      string          `json:"description"`
	Quantity         int             `json:"quantity"`
	UnitPrice        decimal.Decimal `json:"unitPrice"`
	LineTotal        decimal.Decimal `json:"lineTotal"`
	IsFreeFromScheme bool            `json:"isFreeFromScheme"`
	SchemeID         string          `json:"schemeId,omitempty"`
}

// ExternalSession holds the OAuth credentials for one account's ledger
// connection. Version increments on every successful write.
type ExternalSession struct {
	AccountID    string    `json:"accountId"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expiresAt"`
	CompanyID    string    `json:"companyId"`
	Version      int64     `json:"version"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type InvoiceInput struct {
	InvoiceNumber string          `json:"invoiceNumber" validate:"required,max=64"`
	CustomerID    string          `json:"customerId" validate:"required"`
	InvoiceType   string          `json:"invoiceType" validate:"required,oneof=receivable payable"`
	Status        string          `json:"status" validate:"omitempty,oneof=draft sent paid overdue"`
	IssueDate     time.Time       `json:"issueDate" validate:"required"`
	DueDate       time.Time       `json:"dueDate" validate:"required,gtefield=IssueDate"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Freight       decimal.Decimal `json:"freight"`
	Discount      decimal.Decimal `json:"discount"`
	Total         decimal.Decimal `json:"total"`
	Notes         string          `json:"notes" validate:"max=2000"`
}

type LineItemInput struct {
	ProductID        string          `json:"productId"`
	Description      string          `json:"description" validate:"required,max=500"`
	Quantity         int             `json:"quantity" validate:"gte=1"`
	UnitPrice        decimal.Decimal `json:"unitPrice"`
	LineTotal        decimal.Decimal `json:"lineTotal"`
	IsFreeFromScheme bool            `json:"isFreeFromScheme"`
	SchemeID         string          `json:"schemeId"`
}

type InvoiceRequest struct {
	Invoice   InvoiceInput    `json:"invoice"`
	LineItems []LineItemInput `json:"lineItems" validate:"dive"`
}

type StatusUpdateRequest struct {
	Status string `json:"status" validate:"required,oneof=draft sent paid overdue"`
}

type InvoiceFilter struct {
	InvoiceType string
	Status      string
}

// SyncOutcome reports a post-commit ledger sync attempt without affecting
// the invoice mutation that triggered it.
type SyncOutcome struct {
	Attempted        bool   `json:"attempted"`
	Synced           bool   `json:"synced"`
	Created          bool   `json:"created,omitempty"`
	ExternalLedgerID string `json:"externalLedgerId,omitempty"`
	Code             string `json:"code,omitempty"`
	Detail           string `json:"detail,omitempty"`
}

type InvoiceResult struct {
	Invoice   Invoice           `json:"invoice"`
	LineItems []InvoiceLineItem `json:"lineItems"`
	Sync      *SyncOutcome      `json:"sync,omitempty"`
}

type SyncFailure struct {
	InvoiceID     string `json:"invoiceId"`
	InvoiceNumber string `json:"invoiceNumber"`
	Code          string `json:"code,omitempty"`
	Detail        string `json:"detail"`
}

type SyncSummary struct {
	Total      int           `json:"total"`
	Successful int           `json:"successful"`
	Failed     int           `json:"failed"`
	Failures   []SyncFailure `json:"failures"`
}

type SessionStatus struct {
	Connected bool       `json:"connected"`
	CompanyID string     `json:"companyId,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Valid     bool       `json:"valid"`
	Company   string     `json:"companyName,omitempty"`
}
