package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/treasury/internal/bridge"
	"github.com/vietddude/treasury/internal/core/domain"
)

var (
	bridgeFrom      string
	bridgeTo        string
	bridgeAmount    string
	bridgeRecipient string
	bridgeReason    string
	bridgeAll       bool
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Move USDC between chains with CCTP",
}

var bridgeStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Burn on the source chain and mint on the destination",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
		amount, err := domain.ParseAmount("bridge start", "amount", bridgeAmount)
		if err != nil {
			return err
		}
		rec, err := a.bridges.Bridge(ctx, bridge.Request{
			SourceChain: bridgeFrom,
			DestChain:   bridgeTo,
			Amount:      amount,
			Recipient:   bridgeRecipient,
		})
		if rec != nil {
			if perr := printBridge(rec); perr != nil {
				return perr
			}
		}
		return err
	}),
}

var bridgeCompleteCmd = &cobra.Command{
	Use:   "complete BURN_TX_HASH",
	Short: "Resume a bridge by its burn transaction",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		rec, err := a.bridges.Complete(ctx, args[0])
		if rec != nil {
			if perr := printBridge(rec); perr != nil {
				return perr
			}
		}
		return err
	}),
}

var bridgeResumeCmd = &cobra.Command{
	Use:   "resume ID",
	Short: "Resume a bridge by id, including ones that have not burned yet",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		rec, err := a.bridges.Resume(ctx, args[0])
		if rec != nil {
			if perr := printBridge(rec); perr != nil {
				return perr
			}
		}
		return err
	}),
}

var bridgeFailCmd = &cobra.Command{
	Use:   "fail ID",
	Short: "Abandon a bridge that has not been attested",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		rec, err := a.bridges.Fail(ctx, args[0], bridgeReason)
		if err != nil {
			return err
		}
		return printBridge(rec)
	}),
}

var bridgeShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show one bridge",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		rec, err := a.bridges.Get(ctx, args[0])
		if err != nil {
			return err
		}
		return printBridge(rec)
	}),
}

var bridgeListCmd = &cobra.Command{
	Use:   "pending",
	Short: "List bridges that are neither completed nor failed",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
		list := a.bridges.Pending
		if bridgeAll {
			list = a.bridges.List
		}
		recs, err := list(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(recs)
		}
		rows := make([][]string, 0, len(recs))
		for _, r := range recs {
			rows = append(rows, []string{r.ID, string(r.Phase.Name()), r.SourceChain, r.DestChain,
				usdc(r.Amount), r.BurnTxHash(), r.UpdatedAt.Format("2006-01-02 15:04")})
		}
		table("ID\tPHASE\tFROM\tTO\tAMOUNT\tBURN TX\tUPDATED", rows)
		return nil
	}),
}

func printBridge(rec *domain.BridgeRecord) error {
	if jsonOutput {
		return printJSON(struct {
			*domain.BridgeRecord
			Phase domain.PhaseFields
		}{rec, domain.EncodePhase(rec.Phase)})
	}
	fmt.Printf("Bridge %s  %s\n", rec.ID, rec.Phase.Name())
	fmt.Printf("Route:     %s -> %s\n", rec.SourceChain, rec.DestChain)
	fmt.Printf("Amount:    %s USDC\n", usdc(rec.Amount))
	fmt.Printf("Sender:    %s\n", rec.Sender)
	fmt.Printf("Recipient: %s\n", rec.Recipient)
	if rec.Lease != "" && time.Now().Before(rec.LeaseExpires) {
		fmt.Printf("Leased:    until %s\n", rec.LeaseExpires.Format(time.RFC3339))
	}
	switch p := rec.Phase.(type) {
	case domain.Approved:
		switch {
		case p.BurnTxHash != "":
			fmt.Printf("Burn:      %s (pending)\n", p.BurnTxHash)
		case p.BurnSubmitting:
			fmt.Printf("Burn:      sent after block %d, not found on chain yet\n", p.BurnSearchFrom)
			fmt.Println("Resume later, or fail the record once the source chain shows no burn.")
		}
	case domain.BurnConfirmed:
		fmt.Printf("Burn:      %s at block %d\n", p.BurnTxHash, p.BurnBlock)
		fmt.Println("Waiting for attestation; run `treasury bridge complete " + p.BurnTxHash + "` later.")
	case domain.AttestationReady:
		fmt.Printf("Burn:      %s\n", p.BurnTxHash)
		if p.MintTxHash != "" {
			fmt.Printf("Mint:      %s (pending)\n", p.MintTxHash)
		}
	case domain.Completed:
		fmt.Printf("Burn:      %s\n", p.BurnTxHash)
		if p.MintTxHash != "" {
			fmt.Printf("Mint:      %s\n", p.MintTxHash)
		} else {
			fmt.Println("Mint:      received by a third-party relayer")
		}
	case domain.Failed:
		fmt.Printf("Failed in %s: %s\n", p.From, p.Reason)
	}
	return nil
}

func init() {
	f := bridgeStartCmd.Flags()
	f.StringVar(&bridgeFrom, "from", "", "source chain key")
	f.StringVar(&bridgeTo, "to", "", "destination chain key")
	f.StringVar(&bridgeAmount, "amount", "", "amount of USDC")
	f.StringVar(&bridgeRecipient, "recipient", "", "recipient on the destination, defaults to the sender")
	_ = bridgeStartCmd.MarkFlagRequired("from")
	_ = bridgeStartCmd.MarkFlagRequired("to")
	_ = bridgeStartCmd.MarkFlagRequired("amount")

	bridgeFailCmd.Flags().StringVar(&bridgeReason, "reason", "", "why the bridge is abandoned")
	_ = bridgeFailCmd.MarkFlagRequired("reason")

	bridgeListCmd.Flags().BoolVar(&bridgeAll, "all", false, "include completed and failed bridges")

	bridgeCmd.AddCommand(bridgeStartCmd, bridgeCompleteCmd, bridgeResumeCmd, bridgeFailCmd, bridgeShowCmd, bridgeListCmd)
	rootCmd.AddCommand(bridgeCmd)
}
