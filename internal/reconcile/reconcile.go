// Package reconcile cross-checks the ledger against on-chain USDC transfers.
//
// Scans are incremental: each (chain, wallet) pair keeps a high-water mark
// and only blocks above it are fetched, unless the caller asks for a
// deliberate rescan from an earlier block.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vietddude/treasury/internal/core/config"
	"github.com/vietddude/treasury/internal/core/domain"
	"github.com/vietddude/treasury/internal/infra/chain"
	"github.com/vietddude/treasury/internal/infra/storage"
)

// ErrScanInProgress is wrapped when another caller holds the scan lock.
var ErrScanInProgress = errors.New("scan already in progress")

// Engine runs scans, invoice matching and balance checks.
type Engine struct {
	store  storage.Store
	cfg    *config.AppConfig
	chains chain.Clients
	locker Locker
	log    *slog.Logger
	now    func() time.Time
}

// New creates an engine with an in-process scan lock.
func New(store storage.Store, cfg *config.AppConfig, chains chain.Clients) *Engine {
	return &Engine{
		store:  store,
		cfg:    cfg,
		chains: chains,
		locker: NewMemoryLocker(),
		log:    slog.Default().With("component", "reconcile"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetLocker replaces the scan lock, e.g. with a Redis lock shared between
// processes.
func (e *Engine) SetLocker(l Locker) {
	e.locker = l
}

// SetLogger replaces the default logger.
func (e *Engine) SetLogger(l *slog.Logger) {
	e.log = l.With("component", "reconcile")
}

func (e *Engine) client(op, chainKey string) (chain.Client, *config.ChainConfig, error) {
	cc, ok := e.cfg.Chain(chainKey)
	if !ok {
		return nil, nil, domain.ValidationError(op, "chain", chainKey, "chain is not configured")
	}
	cl, err := e.chains.Get(op, chainKey)
	if err != nil {
		return nil, nil, err
	}
	return cl, cc, nil
}

// chainError keeps typed errors and marks the rest transient.
func chainError(op string, err error) error {
	if domain.KindOf(err) != "" || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return domain.TransientError(op, err)
}
