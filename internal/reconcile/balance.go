package reconcile

import (
	"context"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/treasury/internal/core/domain"
	"github.com/vietddude/treasury/internal/infra/storage"
	"github.com/vietddude/treasury/internal/metrics"
)

// BalanceCheck compares the ledger's view of a wallet with the chain's.
type BalanceCheck struct {
	Chain      string
	Wallet     string
	Recorded   decimal.Decimal
	OnChain    decimal.Decimal
	Difference decimal.Decimal
	Tolerance  decimal.Decimal
	OK         bool
}

// VerifyBalance sums the wallet's recorded transactions, incoming positive
// and outgoing negative, and compares the result with the live balance.
func (e *Engine) VerifyBalance(ctx context.Context, chainKey, wallet string) (*BalanceCheck, error) {
	const op = "reconcile.VerifyBalance"

	client, _, err := e.client(op, chainKey)
	if err != nil {
		return nil, err
	}
	wallet, err = domain.NormalizeAddress(op, "wallet", wallet)
	if err != nil {
		return nil, err
	}

	var recorded, onchain decimal.Decimal
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		txs, err := e.store.ListTransactions(gctx, storage.TxFilter{Chain: chainKey, Wallet: wallet})
		if err != nil {
			return domain.TransientError(op, err)
		}
		sum := decimal.Zero
		for _, tx := range txs {
			sum = sum.Add(tx.Signed())
		}
		recorded = sum
		return nil
	})
	g.Go(func() error {
		bal, err := client.Balance(gctx, wallet)
		if err != nil {
			return chainError(op, err)
		}
		onchain = bal
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	tol := e.cfg.Reconcile.Tolerance
	diff := onchain.Sub(recorded)
	check := &BalanceCheck{
		Chain:      chainKey,
		Wallet:     wallet,
		Recorded:   recorded,
		OnChain:    onchain,
		Difference: diff,
		Tolerance:  tol,
		OK:         diff.Abs().LessThanOrEqual(tol),
	}

	ok := 0.0
	if check.OK {
		ok = 1
	} else {
		e.log.Warn("Balance mismatch",
			"chain", chainKey, "wallet", wallet,
			"recorded", recorded.String(), "onchain", onchain.String(), "diff", diff.String())
	}
	metrics.BalanceOK.WithLabelValues(chainKey, wallet).Set(ok)
	return check, nil
}
