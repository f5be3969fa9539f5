package reconcile

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vietddude/treasury/internal/core/domain"
	"github.com/vietddude/treasury/internal/infra/storage"
)

// DiscrepancyKind names what is wrong with an invoice.
type DiscrepancyKind string

const (
	// Paid exceeds what linked transactions account for.
	DiscrepancyUnbackedPayment DiscrepancyKind = "unbacked_payment"
	// Linked transactions add up to more than Paid.
	DiscrepancyPaymentSumMismatch DiscrepancyKind = "payment_sum_mismatch"
	// A linked transaction moved funds with someone else, or the wrong way.
	DiscrepancyCounterpartyMismatch DiscrepancyKind = "counterparty_mismatch"
	// A cancelled invoice has payments linked to it.
	DiscrepancyCancelledWithPayments DiscrepancyKind = "cancelled_with_payments"
)

// InvoiceDiscrepancy is one finding of MatchInvoices.
type InvoiceDiscrepancy struct {
	InvoiceNumber string
	Kind          DiscrepancyKind
	TxHash        string
	Expected      string
	Actual        string
	Detail        string
}

// MatchInvoices checks every invoice's paid amount against the
// transactions linked to it.
func (e *Engine) MatchInvoices(ctx context.Context) ([]InvoiceDiscrepancy, error) {
	const op = "reconcile.MatchInvoices"

	invoices, err := e.store.ListInvoices(ctx, storage.InvoiceFilter{})
	if err != nil {
		return nil, domain.TransientError(op, err)
	}

	var out []InvoiceDiscrepancy
	for _, inv := range invoices {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		txs, err := e.store.ListByInvoice(ctx, inv.Number)
		if err != nil {
			return nil, domain.TransientError(op, err)
		}
		out = append(out, checkInvoice(inv, txs)...)
	}

	if len(out) > 0 {
		e.log.Warn("Invoice discrepancies found", "count", len(out))
	}
	return out, nil
}

func checkInvoice(inv *domain.Invoice, txs []*domain.Transaction) []InvoiceDiscrepancy {
	var out []InvoiceDiscrepancy

	if inv.Status == domain.InvoiceStatusCancelled {
		if len(txs) > 0 {
			out = append(out, InvoiceDiscrepancy{
				InvoiceNumber: inv.Number,
				Kind:          DiscrepancyCancelledWithPayments,
				TxHash:        txs[0].TxHash,
				Expected:      "0",
				Actual:        fmt.Sprint(len(txs)),
				Detail:        "cancelled invoice has linked transactions",
			})
		}
		return out
	}

	linked := decimal.Zero
	for _, tx := range txs {
		linked = linked.Add(tx.Amount)
		if tx.Direction != inv.Direction() {
			out = append(out, InvoiceDiscrepancy{
				InvoiceNumber: inv.Number,
				Kind:          DiscrepancyCounterpartyMismatch,
				TxHash:        tx.TxHash,
				Expected:      string(inv.Direction()),
				Actual:        string(tx.Direction),
				Detail:        "transaction direction does not settle this invoice type",
			})
			continue
		}
		if tx.Counterparty != "" && !domain.SameAddress(tx.Counterparty, inv.Counterparty.Address) {
			out = append(out, InvoiceDiscrepancy{
				InvoiceNumber: inv.Number,
				Kind:          DiscrepancyCounterpartyMismatch,
				TxHash:        tx.TxHash,
				Expected:      inv.Counterparty.Address,
				Actual:        tx.Counterparty,
				Detail:        "transaction counterparty differs from invoice counterparty",
			})
		}
	}

	switch linked.Cmp(inv.Paid) {
	case -1:
		out = append(out, InvoiceDiscrepancy{
			InvoiceNumber: inv.Number,
			Kind:          DiscrepancyUnbackedPayment,
			Expected:      inv.Paid.String(),
			Actual:        linked.String(),
			Detail:        "paid amount is not backed by recorded transfers",
		})
	case 1:
		out = append(out, InvoiceDiscrepancy{
			InvoiceNumber: inv.Number,
			Kind:          DiscrepancyPaymentSumMismatch,
			Expected:      inv.Paid.String(),
			Actual:        linked.String(),
			Detail:        "linked transfers exceed the paid amount",
		})
	}
	return out
}
