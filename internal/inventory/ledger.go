// Package inventory turns invoice line items into stock deltas and commits
// them inside the caller's storage transaction.
package inventory

import (
	"context"
	"fmt"
	"sort"

	"invoicehub/backend/internal/domain"
	"invoicehub/backend/internal/store"
)

// Direction says whether line items are being booked or unwound.
type Direction int

const (
	Apply Direction = iota
	Reverse
)

func (d Direction) String() string {
	if d == Reverse {
		return "reverse"
	}
	return "apply"
}

// Delta is the signed stock change for qty units. Receivables consume stock
// when applied, payables add it, and reversing flips the sign.
func Delta(invoiceType string, dir Direction, qty int) int {
	delta := qty
	if invoiceType == domain.InvoiceTypeReceivable {
		delta = -qty
	}
	if dir == Reverse {
		delta = -delta
	}
	return delta
}

// Batch accumulates deltas per product so one invoice mutation touches each
// product row once. It is not safe for concurrent use.
type Batch struct {
	accountID string
	deltas    map[string]int
}

func NewBatch(accountID string) *Batch {
	return &Batch{accountID: accountID, deltas: make(map[string]int)}
}

func (b *Batch) Apply(invoiceType string, items []domain.InvoiceLineItem) {
	b.stage(invoiceType, Apply, items)
}

func (b *Batch) Reverse(invoiceType string, items []domain.InvoiceLineItem) {
	b.stage(invoiceType, Reverse, items)
}

func (b *Batch) stage(invoiceType string, dir Direction, items []domain.InvoiceLineItem) {
	for _, item := range items {
		if item.ProductID == "" || item.Quantity == 0 {
			continue
		}
		b.deltas[item.ProductID] += Delta(invoiceType, dir, item.Quantity)
	}
}

// Deltas returns the netted non-zero change per product.
func (b *Batch) Deltas() map[string]int {
	result := make(map[string]int, len(b.deltas))
	for id, delta := range b.deltas {
		if delta != 0 {
			result[id] = delta
		}
	}
	return result
}

// ProductIDs lists every product the batch has seen, sorted, including ones
// whose deltas cancelled out.
func (b *Batch) ProductIDs() []string {
	ids := make([]string, 0, len(b.deltas))
	for id := range b.deltas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Commit writes the netted deltas through tx in product id order and
// returns the resulting quantities. Quantities floor at zero.
func (b *Batch) Commit(ctx context.Context, tx store.Tx) (map[string]int, error) {
	deltas := b.Deltas()
	ids := make([]string, 0, len(deltas))
	for id := range deltas {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	levels := make(map[string]int, len(ids))
	for _, id := range ids {
		qty, err := tx.AdjustStock(ctx, b.accountID, id, deltas[id])
		if err != nil {
			return nil, fmt.Errorf("adjust stock for %s: %w", id, err)
		}
		levels[id] = qty
	}
	return levels, nil
}
