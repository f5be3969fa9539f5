package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/treasury/internal/core/domain"
)

type hwmRow struct {
	Chain       string `db:"chain"`
	Wallet      string `db:"wallet"`
	BlockNumber int64  `db:"block_number"`
	UpdatedAt   int64  `db:"updated_at"`
}

func (row hwmRow) toDomain() *domain.HighWaterMark {
	return &domain.HighWaterMark{
		Chain:       row.Chain,
		Wallet:      row.Wallet,
		BlockNumber: uint64(row.BlockNumber),
		UpdatedAt:   fromNanos(row.UpdatedAt),
	}
}

// GetHighWaterMark returns nil when the pair was never scanned.
func (r *repo) GetHighWaterMark(ctx context.Context, chain, wallet string) (*domain.HighWaterMark, error) {
	var row hwmRow
	err := r.q.GetContext(ctx, &row, r.rebind(`SELECT chain, wallet, block_number, updated_at
		FROM high_water_marks WHERE chain = ? AND wallet = ?`), chain, wallet)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get high water mark: %w", err)
	}
	return row.toDomain(), nil
}

// AdvanceHighWaterMark moves the mark forward. The conditional upsert keeps
// a concurrent or repeated scan from moving it back.
func (r *repo) AdvanceHighWaterMark(ctx context.Context, chain, wallet string, block uint64) error {
	_, err := r.q.ExecContext(ctx, r.rebind(`INSERT INTO high_water_marks (chain, wallet, block_number, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (chain, wallet) DO UPDATE SET
			block_number = CASE WHEN excluded.block_number > high_water_marks.block_number
				THEN excluded.block_number ELSE high_water_marks.block_number END,
			updated_at = excluded.updated_at`),
		chain, wallet, int64(block), time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to advance high water mark: %w", err)
	}
	return nil
}

// ListHighWaterMarks returns every mark.
func (r *repo) ListHighWaterMarks(ctx context.Context) ([]*domain.HighWaterMark, error) {
	var rows []hwmRow
	if err := r.q.SelectContext(ctx, &rows, `SELECT chain, wallet, block_number, updated_at
		FROM high_water_marks ORDER BY chain, wallet`); err != nil {
		return nil, fmt.Errorf("failed to list high water marks: %w", err)
	}
	out := make([]*domain.HighWaterMark, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}
