package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/vietddude/treasury/internal/core/domain"
	"github.com/vietddude/treasury/internal/infra/storage"
)

type txRow struct {
	TxHash        string         `db:"tx_hash"`
	Chain         string         `db:"chain"`
	Direction     string         `db:"direction"`
	Amount        string         `db:"amount_usdc"`
	From          string         `db:"from_address"`
	To            string         `db:"to_address"`
	Counterparty  string         `db:"counterparty"`
	Wallet        string         `db:"wallet"`
	BlockNumber   int64          `db:"block_number"`
	BlockTime     int64          `db:"block_time"`
	InvoiceNumber sql.NullString `db:"invoice_number"`
	Category      string         `db:"category"`
	Kind          string         `db:"kind"`
	Memo          string         `db:"memo"`
	RecordedAt    int64          `db:"recorded_at"`
}

const txColumns = `tx_hash, chain, direction, amount_usdc, from_address, to_address, counterparty,
	wallet, block_number, block_time, invoice_number, category, kind, memo, recorded_at`

func (row *txRow) toDomain() (*domain.Transaction, error) {
	amount, err := decimal.NewFromString(row.Amount)
	if err != nil {
		return nil, fmt.Errorf("transaction %s: bad amount: %w", row.TxHash, err)
	}
	return &domain.Transaction{
		TxHash:        row.TxHash,
		Chain:         row.Chain,
		Direction:     domain.Direction(row.Direction),
		Amount:        amount,
		From:          row.From,
		To:            row.To,
		Counterparty:  row.Counterparty,
		Wallet:        row.Wallet,
		BlockNumber:   uint64(row.BlockNumber),
		BlockTime:     fromNanos(row.BlockTime),
		InvoiceNumber: row.InvoiceNumber.String,
		Category:      domain.Category(row.Category),
		Kind:          domain.TxKind(row.Kind),
		Memo:          row.Memo,
		RecordedAt:    fromNanos(row.RecordedAt),
	}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// InsertTransaction stores a transaction unless its hash is already recorded.
func (r *repo) InsertTransaction(ctx context.Context, tx *domain.Transaction) (bool, error) {
	res, err := r.q.ExecContext(ctx, r.rebind(`INSERT INTO transactions (`+txColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tx_hash) DO NOTHING`),
		tx.TxHash, tx.Chain, string(tx.Direction), tx.Amount.String(), tx.From, tx.To,
		tx.Counterparty, tx.Wallet, int64(tx.BlockNumber), toNanos(tx.BlockTime),
		nullString(tx.InvoiceNumber), string(tx.Category), string(tx.Kind), tx.Memo,
		toNanos(tx.RecordedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to insert transaction: %w", err)
	}
	return n == 1, nil
}

// GetTransaction retrieves a transaction by hash.
func (r *repo) GetTransaction(ctx context.Context, txHash string) (*domain.Transaction, error) {
	var row txRow
	err := r.q.GetContext(ctx, &row, r.rebind(`SELECT `+txColumns+` FROM transactions WHERE tx_hash = ?`), txHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return row.toDomain()
}

// LinkTransaction attaches an invoice to an unlinked transaction.
func (r *repo) LinkTransaction(ctx context.Context, txHash, invoiceNumber string) error {
	res, err := r.q.ExecContext(ctx, r.rebind(`UPDATE transactions SET invoice_number = ?
		WHERE tx_hash = ? AND invoice_number IS NULL`), invoiceNumber, txHash)
	if err != nil {
		return fmt.Errorf("failed to link transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to link transaction: %w", err)
	}
	if n == 0 {
		if _, err := r.GetTransaction(ctx, txHash); err != nil {
			return err
		}
		return fmt.Errorf("transaction %s already linked: %w", txHash, storage.ErrConflict)
	}
	return nil
}

// ListByInvoice returns an invoice's transactions in block order.
func (r *repo) ListByInvoice(ctx context.Context, invoiceNumber string) ([]*domain.Transaction, error) {
	return r.selectTransactions(ctx, `SELECT `+txColumns+` FROM transactions
		WHERE invoice_number = ? ORDER BY block_number, recorded_at, tx_hash`, invoiceNumber)
}

// ListTransactions returns matching transactions in block order.
func (r *repo) ListTransactions(ctx context.Context, filter storage.TxFilter) ([]*domain.Transaction, error) {
	var (
		where []string
		args  []any
	)
	if filter.Chain != "" {
		where = append(where, "chain = ?")
		args = append(args, filter.Chain)
	}
	if filter.Wallet != "" {
		where = append(where, "wallet = ?")
		args = append(args, filter.Wallet)
	}
	if filter.FromBlock > 0 {
		where = append(where, "block_number >= ?")
		args = append(args, int64(filter.FromBlock))
	}
	if filter.ToBlock > 0 {
		where = append(where, "block_number <= ?")
		args = append(args, int64(filter.ToBlock))
	}
	query := `SELECT ` + txColumns + ` FROM transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY block_number, recorded_at, tx_hash"
	return r.selectTransactions(ctx, query, args...)
}

func (r *repo) selectTransactions(ctx context.Context, query string, args ...any) ([]*domain.Transaction, error) {
	var rows []txRow
	if err := r.q.SelectContext(ctx, &rows, r.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	out := make([]*domain.Transaction, 0, len(rows))
	for i := range rows {
		tx, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}
