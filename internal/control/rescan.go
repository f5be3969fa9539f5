package control

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/treasury/internal/core/domain"
	redisclient "github.com/vietddude/treasury/internal/infra/redis"
	"github.com/vietddude/treasury/internal/reconcile"
)

// RescanQueue is the operator rescan queue. *redisclient.Client satisfies it.
type RescanQueue interface {
	PushRescan(ctx context.Context, chain string, req redisclient.RescanRequest) error
	PopRescan(ctx context.Context, chain string) (redisclient.RescanRequest, bool, error)
}

// Scanner runs a scan from an explicit block. *reconcile.Engine satisfies it.
type Scanner interface {
	Scan(ctx context.Context, chainKey, wallet string, fromBlock *uint64) (*reconcile.ScanResult, error)
}

// RescanWorker drains one chain's rescan queue.
type RescanWorker struct {
	chain   string
	queue   RescanQueue
	scanner Scanner
	sleep   time.Duration
	log     *slog.Logger
}

// NewRescanWorker creates a new rescan worker.
func NewRescanWorker(chain string, queue RescanQueue, scanner Scanner, sleep time.Duration) *RescanWorker {
	return &RescanWorker{
		chain:   chain,
		queue:   queue,
		scanner: scanner,
		sleep:   sleep,
		log:     slog.Default().With("component", "rescan", "chain", chain),
	}
}

// Run starts the worker loop. It returns nil when ctx is cancelled.
func (w *RescanWorker) Run(ctx context.Context) error {
	w.log.Info("Starting rescan worker")

	for {
		if ctx.Err() != nil {
			w.log.Info("Rescan worker stopped")
			return nil
		}
		found, err := w.ProcessNext(ctx)
		if err != nil {
			w.log.Error("Rescan failed", "error", err)
		}
		if found && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(w.sleep):
		}
	}
}

// ProcessNext pops one request and scans it. Retryable failures put the
// request back; invalid requests are dropped.
func (w *RescanWorker) ProcessNext(ctx context.Context) (bool, error) {
	req, found, err := w.queue.PopRescan(ctx, w.chain)
	if err != nil || !found {
		return false, err
	}

	from := req.FromBlock
	w.log.Info("Processing rescan", "wallet", req.Wallet, "from_block", from)
	res, err := w.scanner.Scan(ctx, w.chain, req.Wallet, &from)
	if err != nil {
		if domain.IsRetryable(err) || ctx.Err() != nil {
			if reqErr := w.queue.PushRescan(context.WithoutCancel(ctx), w.chain, req); reqErr != nil {
				w.log.Error("Failed to re-queue rescan", "wallet", req.Wallet, "error", reqErr)
			}
			return true, err
		}
		w.log.Warn("Dropping rescan request", "wallet", req.Wallet, "from_block", from, "error", err)
		return true, nil
	}

	w.log.Info("Rescan completed",
		"wallet", req.Wallet,
		"to_block", res.ToBlock,
		"recorded", res.Recorded,
		"unmatched_internal", len(res.UnmatchedInternal),
		"unmatched_onchain", len(res.UnmatchedOnchain))
	return true, nil
}
