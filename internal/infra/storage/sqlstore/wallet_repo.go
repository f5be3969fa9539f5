package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vietddude/treasury/internal/core/domain"
	"github.com/vietddude/treasury/internal/infra/storage"
)

type walletRow struct {
	Address   string `db:"address"`
	Name      string `db:"name"`
	IsDefault bool   `db:"is_default"`
	AddedAt   int64  `db:"added_at"`
}

func (row walletRow) toDomain() *domain.Wallet {
	return &domain.Wallet{
		Address:   row.Address,
		Name:      row.Name,
		IsDefault: row.IsDefault,
		AddedAt:   fromNanos(row.AddedAt),
	}
}

// UpsertWallet adds or updates a wallet. Call it inside WithTx when w is the
// new default, since the old default is cleared in a separate statement.
func (r *repo) UpsertWallet(ctx context.Context, w *domain.Wallet) error {
	if w.IsDefault {
		if _, err := r.q.ExecContext(ctx, r.rebind(`UPDATE wallets SET is_default = FALSE
			WHERE is_default AND address <> ?`), w.Address); err != nil {
			return fmt.Errorf("failed to clear default wallet: %w", err)
		}
	}
	_, err := r.q.ExecContext(ctx, r.rebind(`INSERT INTO wallets (address, name, is_default, added_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (address) DO UPDATE SET name = excluded.name, is_default = excluded.is_default`),
		w.Address, w.Name, w.IsDefault, toNanos(w.AddedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("wallet %s: %w", w.Address, storage.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to upsert wallet: %w", err)
	}
	return nil
}

// GetWallet retrieves a wallet by address.
func (r *repo) GetWallet(ctx context.Context, address string) (*domain.Wallet, error) {
	return r.getWallet(ctx, `SELECT address, name, is_default, added_at FROM wallets WHERE address = ?`, address)
}

// DefaultWallet returns the default wallet.
func (r *repo) DefaultWallet(ctx context.Context) (*domain.Wallet, error) {
	return r.getWallet(ctx, `SELECT address, name, is_default, added_at FROM wallets WHERE is_default`)
}

func (r *repo) getWallet(ctx context.Context, query string, args ...any) (*domain.Wallet, error) {
	var row walletRow
	err := r.q.GetContext(ctx, &row, r.rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return row.toDomain(), nil
}

// ListWallets returns wallets, default first.
func (r *repo) ListWallets(ctx context.Context) ([]*domain.Wallet, error) {
	var rows []walletRow
	if err := r.q.SelectContext(ctx, &rows, `SELECT address, name, is_default, added_at
		FROM wallets ORDER BY is_default DESC, added_at, address`); err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}
	out := make([]*domain.Wallet, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// DeleteWallet removes a non-default wallet.
func (r *repo) DeleteWallet(ctx context.Context, address string) error {
	res, err := r.q.ExecContext(ctx, r.rebind(`DELETE FROM wallets WHERE address = ? AND NOT is_default`), address)
	if err != nil {
		return fmt.Errorf("failed to delete wallet: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete wallet: %w", err)
	}
	if n == 0 {
		if _, err := r.GetWallet(ctx, address); err != nil {
			return err
		}
		return fmt.Errorf("wallet %s is the default: %w", address, storage.ErrConflict)
	}
	return nil
}
