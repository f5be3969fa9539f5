package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// NextCounter creates the counter at seed when missing, increments it and
// reads the new value. Run it inside WithTx so concurrent allocations
// serialize on the row.
func (r *repo) NextCounter(ctx context.Context, key string, seed int64) (int64, error) {
	if _, err := r.q.ExecContext(ctx, r.rebind(`INSERT INTO counters (name, value) VALUES (?, ?)
		ON CONFLICT (name) DO NOTHING`), key, seed); err != nil {
		return 0, fmt.Errorf("failed to seed counter: %w", err)
	}
	var value int64
	if err := r.q.QueryRowxContext(ctx, r.rebind(`UPDATE counters SET value = value + 1
		WHERE name = ? RETURNING value`), key).Scan(&value); err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}
	return value, nil
}

// RaiseCounter lifts the counter to at least value.
func (r *repo) RaiseCounter(ctx context.Context, key string, value int64) error {
	_, err := r.q.ExecContext(ctx, r.rebind(`INSERT INTO counters (name, value) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET value = CASE
			WHEN excluded.value > counters.value THEN excluded.value
			ELSE counters.value END`), key, value)
	if err != nil {
		return fmt.Errorf("failed to raise counter: %w", err)
	}
	return nil
}

// GetCounter returns the current value, 0 when unset.
func (r *repo) GetCounter(ctx context.Context, key string) (int64, error) {
	var value int64
	err := r.q.GetContext(ctx, &value, r.rebind(`SELECT value FROM counters WHERE name = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get counter: %w", err)
	}
	return value, nil
}
