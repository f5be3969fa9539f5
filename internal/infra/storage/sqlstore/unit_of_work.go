package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/vietddude/treasury/internal/infra/storage"
	"github.com/vietddude/treasury/internal/metrics"
)

const (
	maxTxAttempts  = 8
	txRetryBackoff = 10 * time.Millisecond
)

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type queryer interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

// Store implements storage.Store on Postgres or SQLite.
type Store struct {
	*repo
	db     *sqlx.DB
	txOpts *sql.TxOptions
}

var _ storage.Store = (*Store)(nil)

func newStore(db *sqlx.DB, d dialect) *Store {
	s := &Store{
		repo: &repo{q: db, dialect: d},
		db:   db,
	}
	// SQLite serializes writers through BEGIN IMMEDIATE instead.
	if d == dialectPostgres {
		s.txOpts = &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
	return s
}

// NewWithDB wraps an existing connection without running migrations. The
// driver name decides the dialect.
func NewWithDB(db *sqlx.DB) *Store {
	d := dialectPostgres
	if db.DriverName() == "sqlite3" {
		d = dialectSQLite
	}
	return newStore(db, d)
}

// WithTx runs fn inside one serializable transaction. The whole function is
// replayed when the database reports a serialization failure.
func (s *Store) WithTx(ctx context.Context, fn func(repo storage.Repository) error) error {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil || !isSerializationFailure(err) {
			return err
		}
		metrics.StoreTxRetries.WithLabelValues(string(s.dialect)).Inc()

		delay := txRetryBackoff << attempt
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("transaction failed after %d attempts: %w", maxTxAttempts, err)
}

func (s *Store) runTx(ctx context.Context, fn func(repo storage.Repository) error) error {
	tx, err := s.db.BeginTxx(ctx, s.txOpts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	// Rollback after Commit is a no-op.
	defer func() { _ = tx.Rollback() }()

	if err := fn(&repo{q: tx, dialect: s.dialect}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Ping checks if the database is healthy.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying pool for read-only tooling such as the status
// command.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// serialization_failure, deadlock_detected
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrConstraint &&
			(liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
				liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
	}
	return false
}

// repo runs queries against either the pool or an open transaction.
type repo struct {
	q       queryer
	dialect dialect
}

func (r *repo) rebind(query string) string {
	return r.q.Rebind(query)
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
