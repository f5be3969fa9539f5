package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vietddude/treasury/internal/core/domain"
	"github.com/vietddude/treasury/internal/infra/storage"
)

type paymentAttemptRow struct {
	InvoiceNumber string `db:"invoice_number"`
	Chain         string `db:"chain"`
	From          string `db:"from_address"`
	To            string `db:"to_address"`
	Amount        string `db:"amount_usdc"`
	TxHash        string `db:"tx_hash"`
	SearchFrom    int64  `db:"search_from"`
	CreatedAt     int64  `db:"created_at"`
}

func (row *paymentAttemptRow) toDomain() (*domain.PaymentAttempt, error) {
	amount, err := decimal.NewFromString(row.Amount)
	if err != nil {
		return nil, fmt.Errorf("payment attempt %s: bad amount: %w", row.InvoiceNumber, err)
	}
	return &domain.PaymentAttempt{
		InvoiceNumber: row.InvoiceNumber,
		Chain:         row.Chain,
		From:          row.From,
		To:            row.To,
		Amount:        amount,
		TxHash:        row.TxHash,
		SearchFrom:    uint64(row.SearchFrom),
		CreatedAt:     fromNanos(row.CreatedAt),
	}, nil
}

// InsertPaymentAttempt stores an attempt; one per invoice.
func (r *repo) InsertPaymentAttempt(ctx context.Context, a *domain.PaymentAttempt) error {
	_, err := r.q.ExecContext(ctx, r.rebind(`INSERT INTO payment_attempts
			(invoice_number, chain, from_address, to_address, amount_usdc, tx_hash, search_from, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		a.InvoiceNumber, a.Chain, a.From, a.To, a.Amount.String(), a.TxHash,
		int64(a.SearchFrom), toNanos(a.CreatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("payment attempt for %s: %w", a.InvoiceNumber, storage.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to insert payment attempt: %w", err)
	}
	return nil
}

// GetPaymentAttempt retrieves the attempt of an invoice.
func (r *repo) GetPaymentAttempt(ctx context.Context, invoiceNumber string) (*domain.PaymentAttempt, error) {
	var row paymentAttemptRow
	err := r.q.GetContext(ctx, &row, r.rebind(`SELECT invoice_number, chain, from_address, to_address,
			amount_usdc, tx_hash, search_from, created_at
		FROM payment_attempts WHERE invoice_number = ?`), invoiceNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment attempt: %w", err)
	}
	return row.toDomain()
}

// SetPaymentAttemptTx records the submitted transaction hash.
func (r *repo) SetPaymentAttemptTx(ctx context.Context, invoiceNumber, txHash string) error {
	res, err := r.q.ExecContext(ctx, r.rebind(`UPDATE payment_attempts SET tx_hash = ?
		WHERE invoice_number = ?`), txHash, invoiceNumber)
	if err != nil {
		return fmt.Errorf("failed to update payment attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update payment attempt: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeletePaymentAttempt removes the attempt of an invoice, if any.
func (r *repo) DeletePaymentAttempt(ctx context.Context, invoiceNumber string) error {
	_, err := r.q.ExecContext(ctx, r.rebind(`DELETE FROM payment_attempts WHERE invoice_number = ?`), invoiceNumber)
	if err != nil {
		return fmt.Errorf("failed to delete payment attempt: %w", err)
	}
	return nil
}
