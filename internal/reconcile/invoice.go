package reconcile

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/vietddude/treasury/internal/core/domain"
	"github.com/vietddude/treasury/internal/infra/storage"
)

// PaymentStatus is the on-chain state of a linked transaction.
type PaymentStatus string

const (
	PaymentConfirmed PaymentStatus = "confirmed"
	PaymentReverted  PaymentStatus = "reverted"
	PaymentPending   PaymentStatus = "pending"
	PaymentUnknown   PaymentStatus = "unknown"
)

// PaymentCheck is the on-chain verdict for one linked transaction.
type PaymentCheck struct {
	TxHash      string
	Amount      decimal.Decimal
	Status      PaymentStatus
	BlockNumber uint64
	Error       string
}

// InvoiceCheck is the result of ReconcileInvoice.
type InvoiceCheck struct {
	Invoice      *domain.Invoice
	Payments     []PaymentCheck
	Confirmed    decimal.Decimal
	AllConfirmed bool
}

// ReconcileInvoice looks up the receipt of every transaction linked to an
// invoice and reports which payments the chain confirms.
func (e *Engine) ReconcileInvoice(ctx context.Context, number string) (*InvoiceCheck, error) {
	const op = "reconcile.ReconcileInvoice"

	inv, err := e.store.GetInvoice(ctx, number)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.NotFoundError(op, "invoice_number", number)
	}
	if err != nil {
		return nil, domain.TransientError(op, err)
	}
	client, _, err := e.client(op, inv.Chain)
	if err != nil {
		return nil, err
	}
	txs, err := e.store.ListByInvoice(ctx, number)
	if err != nil {
		return nil, domain.TransientError(op, err)
	}

	check := &InvoiceCheck{Invoice: inv, Confirmed: decimal.Zero, AllConfirmed: true}
	for _, tx := range txs {
		pc := PaymentCheck{TxHash: tx.TxHash, Amount: tx.Amount}
		receipt, err := client.Receipt(ctx, tx.TxHash)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			pc.Status, pc.Error = PaymentUnknown, err.Error()
		case receipt == nil:
			pc.Status = PaymentPending
		case receipt.Succeeded():
			pc.Status, pc.BlockNumber = PaymentConfirmed, receipt.BlockNumber
			check.Confirmed = check.Confirmed.Add(tx.Amount)
		default:
			pc.Status, pc.BlockNumber = PaymentReverted, receipt.BlockNumber
		}
		if pc.Status != PaymentConfirmed {
			check.AllConfirmed = false
		}
		check.Payments = append(check.Payments, pc)
	}
	if check.Confirmed.LessThan(inv.Paid) {
		check.AllConfirmed = false
	}
	return check, nil
}
