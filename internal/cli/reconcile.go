package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/treasury/internal/control"
	"github.com/vietddude/treasury/internal/core/domain"
	redisclient "github.com/vietddude/treasury/internal/infra/redis"
	"github.com/vietddude/treasury/internal/reconcile"
)

var (
	scanChain  string
	scanWallet string
	scanFrom   int64

	watchNoBridges bool
	watchOnce      bool
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Cross-check the ledger against the chain",
}

var reconcileScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan one chain and wallet for transfers since the last scan",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
		wallet, err := a.walletOrDefault(ctx, scanWallet)
		if err != nil {
			return err
		}
		var from *uint64
		if scanFrom >= 0 {
			v := uint64(scanFrom)
			from = &v
		}
		res, err := a.engine.Scan(ctx, scanChain, wallet, from)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(res)
		}
		printScan(res)
		return nil
	}),
}

var reconcileRescanCmd = &cobra.Command{
	Use:   "rescan",
	Short: "Queue a rescan from a block for the watcher to pick up",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
		if scanFrom < 0 {
			return domain.ValidationError("reconcile rescan", "from", scanFrom, "required")
		}
		if _, ok := a.cfg.Chain(scanChain); !ok {
			return domain.ValidationError("reconcile rescan", "chain", scanChain, "chain is not configured")
		}
		wallet, err := a.walletOrDefault(ctx, scanWallet)
		if err != nil {
			return err
		}
		if a.redis == nil {
			return errors.New("rescan queue needs redis; run `reconcile scan --from` instead")
		}
		req := redisclient.RescanRequest{Wallet: wallet, FromBlock: uint64(scanFrom)}
		if err := a.redis.PushRescan(ctx, scanChain, req); err != nil {
			return err
		}
		fmt.Printf("Queued rescan of %s on %s from block %d\n", wallet, scanChain, scanFrom)
		return nil
	}),
}

var reconcileFullCmd = &cobra.Command{
	Use:   "full",
	Short: "Scan every chain and wallet, match invoices and verify balances",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
		if err := a.requireChains(); err != nil {
			return err
		}
		report, err := a.engine.Full(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(report)
		}
		printReport(report)
		if !report.BalanceOK {
			return errors.New("reconciliation found balance mismatches or failed pairs")
		}
		return nil
	}),
}

var reconcileBalanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Compare recorded and on-chain balance of one wallet",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
		wallet, err := a.walletOrDefault(ctx, scanWallet)
		if err != nil {
			return err
		}
		bc, err := a.engine.VerifyBalance(ctx, scanChain, wallet)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(bc)
		}
		printBalances([]*reconcile.BalanceCheck{bc})
		return nil
	}),
}

var reconcileInvoiceCmd = &cobra.Command{
	Use:   "invoice INVOICE",
	Short: "Check the receipts of an invoice's payments",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		check, err := a.engine.ReconcileInvoice(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(check)
		}
		rows := make([][]string, 0, len(check.Payments))
		for _, p := range check.Payments {
			rows = append(rows, []string{p.TxHash, usdc(p.Amount), string(p.Status), strconv.FormatUint(p.BlockNumber, 10), p.Error})
		}
		table("TX\tAMOUNT\tSTATUS\tBLOCK\tERROR", rows)
		fmt.Printf("%s: paid %s, confirmed %s, all confirmed: %t\n",
			check.Invoice.Number, usdc(check.Invoice.Paid), usdc(check.Confirmed), check.AllConfirmed)
		return nil
	}),
}

var reconcileWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run reconciliation on a schedule and serve /health and /metrics",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
		if err := a.requireChains(); err != nil {
			return err
		}
		a.store.StartMetricsCollector(ctx)

		w, err := control.NewWatcher(control.Config{
			Schedule:      a.cfg.Reconcile.Schedule,
			Port:          a.cfg.Server.MetricsPort,
			ResumeBridges: !watchNoBridges,
		}, control.Deps{
			Store:   a.store,
			Chains:  a.chains,
			Engine:  a.engine,
			Bridges: a.bridges,
			Redis:   a.redis,
		})
		if err != nil {
			return err
		}

		// Run one cycle right away rather than waiting for the schedule.
		w.RunCycle(ctx)
		if watchOnce {
			return nil
		}

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		if err := w.Start(runCtx); err != nil {
			return err
		}
		slog.Info("Watching", "schedule", a.cfg.Reconcile.Schedule, "metrics_port", a.cfg.Server.MetricsPort)

		sig := <-sigChan
		slog.Info("Received signal, shutting down...", "signal", sig)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		return w.Stop(shutdownCtx)
	}),
}

// walletOrDefault normalizes an explicit wallet or falls back to the
// default one.
func (a *app) walletOrDefault(ctx context.Context, explicit string) (string, error) {
	if explicit != "" {
		return domain.NormalizeAddress("cli", "wallet", explicit)
	}
	w, err := a.wallets.Default(ctx)
	if err == nil {
		return w.Address, nil
	}
	if a.cfg.Treasury.Wallet != "" {
		return domain.NormalizeAddress("cli", "treasury.wallet", a.cfg.Treasury.Wallet)
	}
	return "", err
}

func printScan(res *reconcile.ScanResult) {
	fmt.Printf("%s %s: blocks %d-%d, %d transfers, %d recorded, %d matched\n",
		res.Chain, res.Wallet, res.FromBlock, res.ToBlock, res.Events, res.Recorded, res.Matched)
	printFindings("Recorded but not on chain", res.UnmatchedInternal)
	printFindings("On chain but not recorded", res.UnmatchedOnchain)
}

func printFindings(title string, fs []reconcile.Finding) {
	if len(fs) == 0 {
		return
	}
	fmt.Printf("\n%s:\n", title)
	rows := make([][]string, 0, len(fs))
	for _, f := range fs {
		rows = append(rows, []string{f.TxHash, string(f.Direction), usdc(f.Amount), strconv.FormatUint(f.BlockNumber, 10), f.Reason})
	}
	table("TX\tDIRECTION\tAMOUNT\tBLOCK\tREASON", rows)
}

func printBalances(checks []*reconcile.BalanceCheck) {
	rows := make([][]string, 0, len(checks))
	for _, bc := range checks {
		status := "OK"
		if !bc.OK {
			status = "MISMATCH"
		}
		rows = append(rows, []string{bc.Chain, bc.Wallet, usdc(bc.Recorded), usdc(bc.OnChain), usdc(bc.Difference), status})
	}
	table("CHAIN\tWALLET\tRECORDED\tON CHAIN\tDIFF\tSTATUS", rows)
}

func printReport(r *reconcile.Report) {
	for _, s := range r.Scans {
		printScan(s)
	}
	if len(r.InvoiceDiscrepancies) > 0 {
		fmt.Println("\nInvoice discrepancies:")
		rows := make([][]string, 0, len(r.InvoiceDiscrepancies))
		for _, d := range r.InvoiceDiscrepancies {
			rows = append(rows, []string{d.InvoiceNumber, string(d.Kind), d.TxHash, d.Expected, d.Actual, d.Detail})
		}
		table("INVOICE\tKIND\tTX\tEXPECTED\tACTUAL\tDETAIL", rows)
	}
	fmt.Println()
	printBalances(r.Balances)
	for _, pe := range r.Errors {
		fmt.Printf("FAILED %s %s during %s: %v\n", pe.Chain, pe.Wallet, pe.Stage, pe.Err)
	}
	fmt.Printf("\nMatched %d, unmatched internal %d, unmatched on chain %d, balances ok: %t\n",
		r.Matched, len(r.UnmatchedInternal), len(r.UnmatchedOnchain), r.BalanceOK)
}

func init() {
	for _, c := range []*cobra.Command{reconcileScanCmd, reconcileRescanCmd, reconcileBalanceCmd} {
		c.Flags().StringVar(&scanChain, "chain", "", "chain key")
		c.Flags().StringVar(&scanWallet, "wallet", "", "wallet, defaults to the default wallet")
		_ = c.MarkFlagRequired("chain")
	}
	reconcileScanCmd.Flags().Int64Var(&scanFrom, "from", -1, "rescan from this block instead of the high-water mark")
	reconcileRescanCmd.Flags().Int64Var(&scanFrom, "from", -1, "block to rescan from")

	reconcileWatchCmd.Flags().BoolVar(&watchNoBridges, "no-bridges", false, "do not resume pending bridges")
	reconcileWatchCmd.Flags().BoolVar(&watchOnce, "once", false, "run one cycle and exit")

	reconcileCmd.AddCommand(reconcileScanCmd, reconcileRescanCmd, reconcileFullCmd, reconcileBalanceCmd,
		reconcileInvoiceCmd, reconcileWatchCmd)
	rootCmd.AddCommand(reconcileCmd)
}
