package sqlstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/vietddude/treasury/internal/infra/storage/sqlstore/migrations"
	"github.com/vietddude/treasury/internal/metrics"
)

// Config holds database connection configuration.
type Config struct {
	Driver   string `yaml:"driver"` // postgres or sqlite
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

type dialect string

const (
	dialectPostgres dialect = "postgres"
	dialectSQLite   dialect = "sqlite"
)

// Open connects, applies pending migrations and returns a ready Store.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, d, err := connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := migrate(ctx, db, d); err != nil {
		_ = db.Close()
		return nil, err
	}
	return newStore(db, d), nil
}

func connect(ctx context.Context, cfg Config) (*sqlx.DB, dialect, error) {
	var (
		db  *sqlx.DB
		d   dialect
		err error
	)
	switch cfg.Driver {
	case "postgres", "postgresql", "pgx":
		d = dialectPostgres
		db, err = sqlx.Open("pgx", cfg.URL)
	case "sqlite", "sqlite3", "":
		d = dialectSQLite
		var dsn string
		dsn, err = sqliteDSN(cfg.URL)
		if err == nil {
			db, err = sqlx.Open("sqlite3", dsn)
		}
	default:
		return nil, "", fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to open database: %w", err)
	}

	// Set pool configuration
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	} else {
		db.SetMaxOpenConns(10)
	}

	if cfg.MinConns > 0 {
		db.SetMaxIdleConns(cfg.MinConns)
	} else {
		db.SetMaxIdleConns(2)
	}

	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(30 * time.Minute)

	// Test connection
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("failed to ping database: %w", err)
	}

	return db, d, nil
}

// sqliteDSN turns a file path into a DSN with WAL, a busy timeout and
// BEGIN IMMEDIATE transactions so concurrent writers queue instead of
// failing mid-transaction.
func sqliteDSN(path string) (string, error) {
	if strings.HasPrefix(path, "file:") {
		return path, nil
	}
	if path == "" {
		return "", fmt.Errorf("sqlite database path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	return "file:" + path +
		"?_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on", nil
}

func migrate(ctx context.Context, db *sqlx.DB, d dialect) error {
	gd := goose.DialectPostgres
	if d == dialectSQLite {
		gd = goose.DialectSQLite3
	}
	provider, err := goose.NewProvider(gd, db.DB, migrations.FS)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	for _, r := range results {
		slog.Info("Applied migration", "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}

// StartMetricsCollector starts a background goroutine to collect DB metrics.
func (s *Store) StartMetricsCollector(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := s.db.Stats()
				if stats.MaxOpenConnections > 0 {
					usage := float64(stats.OpenConnections) / float64(stats.MaxOpenConnections) * 100
					metrics.DBConnectionPoolUsage.Set(usage)
				}
			}
		}
	}()
}
