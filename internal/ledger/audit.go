package ledger

import (
	"context"
	"errors"

	"github.com/vietddude/treasury/internal/core/domain"
	"github.com/vietddude/treasury/internal/infra/storage"
)

// AuditTx is a linked transaction with its explorer link.
type AuditTx struct {
	*domain.Transaction
	ExplorerURL string
}

// AuditTrail is everything recorded about one invoice.
type AuditTrail struct {
	Invoice      *domain.Invoice
	Transactions []AuditTx
	Snapshots    []*domain.InvoiceEvent
}

// AuditTrail returns the invoice, its transactions in block order and its
// state snapshots in the order they were taken.
func (s *Service) AuditTrail(ctx context.Context, number string) (*AuditTrail, error) {
	const op = "ledger.AuditTrail"

	inv, err := s.store.GetInvoice(ctx, number)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.NotFoundError(op, "invoice_number", number)
	}
	if err != nil {
		return nil, domain.TransientError(op, err)
	}
	txs, err := s.store.ListByInvoice(ctx, number)
	if err != nil {
		return nil, domain.TransientError(op, err)
	}
	events, err := s.store.ListInvoiceEvents(ctx, number)
	if err != nil {
		return nil, domain.TransientError(op, err)
	}

	trail := &AuditTrail{Invoice: inv, Snapshots: events}
	for _, tx := range txs {
		at := AuditTx{Transaction: tx}
		if cc, ok := s.cfg.Chain(tx.Chain); ok {
			at.ExplorerURL = cc.TxURL(tx.TxHash)
		}
		trail.Transactions = append(trail.Transactions, at)
	}
	return trail, nil
}
