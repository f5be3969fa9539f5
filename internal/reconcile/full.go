package reconcile

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/treasury/internal/core/domain"
	"github.com/vietddude/treasury/internal/metrics"
)

// PairError is a scan or balance check that failed during Full.
type PairError struct {
	Chain  string
	Wallet string
	Stage  string
	Err    error
}

// Report is the result of a full reconciliation.
type Report struct {
	Matched              int
	UnmatchedInternal    []Finding
	UnmatchedOnchain     []Finding
	InvoiceDiscrepancies []InvoiceDiscrepancy
	BalanceOK            bool
	Scans                []*ScanResult
	Balances             []*BalanceCheck
	Errors               []PairError
}

// Full scans every configured chain for every registered wallet, then
// matches invoices and verifies balances. A failing pair is reported and
// clears BalanceOK; it does not abort the run.
func (e *Engine) Full(ctx context.Context) (*Report, error) {
	const op = "reconcile.Full"

	wallets, err := e.trackedWallets(ctx)
	if err != nil {
		return nil, domain.TransientError(op, err)
	}

	type pair struct{ chain, wallet string }
	var pairs []pair
	for _, key := range e.cfg.ChainKeys() {
		if _, ok := e.chains[key]; !ok {
			continue
		}
		for _, w := range wallets {
			pairs = append(pairs, pair{key, w})
		}
	}

	report := &Report{BalanceOK: true}
	var mu sync.Mutex

	limit := e.cfg.Reconcile.ScanConcurrency
	if limit <= 0 {
		limit = 4
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, p := range pairs {
		g.Go(func() error {
			scan, scanErr := e.Scan(gctx, p.chain, p.wallet, nil)
			var bal *BalanceCheck
			var balErr error
			if scanErr == nil {
				bal, balErr = e.VerifyBalance(gctx, p.chain, p.wallet)
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case scanErr != nil:
				report.Errors = append(report.Errors, PairError{p.chain, p.wallet, "scan", scanErr})
				report.BalanceOK = false
			case balErr != nil:
				report.Scans = append(report.Scans, scan)
				report.Errors = append(report.Errors, PairError{p.chain, p.wallet, "balance", balErr})
				report.BalanceOK = false
			default:
				report.Scans = append(report.Scans, scan)
				report.Balances = append(report.Balances, bal)
				if !bal.OK {
					report.BalanceOK = false
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, s := range report.Scans {
		report.Matched += s.Matched
		report.UnmatchedInternal = append(report.UnmatchedInternal, s.UnmatchedInternal...)
		report.UnmatchedOnchain = append(report.UnmatchedOnchain, s.UnmatchedOnchain...)
	}

	discrepancies, err := e.MatchInvoices(ctx)
	if err != nil {
		return nil, err
	}
	report.InvoiceDiscrepancies = discrepancies

	byKind := map[string]int{
		"unmatched_internal": len(report.UnmatchedInternal),
		"unmatched_onchain":  len(report.UnmatchedOnchain),
		"pair_errors":        len(report.Errors),
	}
	for _, kind := range []DiscrepancyKind{
		DiscrepancyUnbackedPayment, DiscrepancyPaymentSumMismatch,
		DiscrepancyCounterpartyMismatch, DiscrepancyCancelledWithPayments,
	} {
		byKind[string(kind)] = 0
	}
	for _, d := range discrepancies {
		byKind[string(d.Kind)]++
	}
	for kind, n := range byKind {
		metrics.Discrepancies.WithLabelValues(kind).Set(float64(n))
	}

	e.log.Info("Reconciliation complete",
		"pairs", len(pairs), "matched", report.Matched,
		"unmatched_internal", len(report.UnmatchedInternal),
		"unmatched_onchain", len(report.UnmatchedOnchain),
		"invoice_discrepancies", len(report.InvoiceDiscrepancies),
		"balance_ok", report.BalanceOK, "errors", len(report.Errors))
	return report, nil
}

// trackedWallets returns registered wallets, falling back to the configured
// treasury wallet when none are registered.
func (e *Engine) trackedWallets(ctx context.Context) ([]string, error) {
	ws, err := e.store.ListWallets(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.Address)
	}
	if len(out) == 0 && e.cfg.Treasury.Wallet != "" {
		out = append(out, e.cfg.Treasury.Wallet)
	}
	return out, nil
}
