package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	walletName    string
	walletDefault bool
)

var walletCmd = &cobra.Command{
	Use:   "wallet",
	Short: "Manage tracked wallets",
}

var walletAddCmd = &cobra.Command{
	Use:   "add ADDRESS",
	Short: "Track a wallet; the first one becomes the default",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		w, err := a.wallets.Add(ctx, args[0], walletName, walletDefault)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(w)
		}
		fmt.Printf("Tracking %s (%s)%s\n", w.Address, w.Name, defaultMark(w.IsDefault))
		return nil
	}),
}

var walletRemoveCmd = &cobra.Command{
	Use:   "remove ADDRESS",
	Short: "Stop tracking a wallet",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		if err := a.wallets.Remove(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Removed %s\n", args[0])
		return nil
	}),
}

var walletDefaultCmd = &cobra.Command{
	Use:   "default ADDRESS",
	Short: "Make a tracked wallet the default",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		w, err := a.wallets.SetDefault(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Default wallet is now %s (%s)\n", w.Address, w.Name)
		return nil
	}),
}

var walletListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked wallets",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
		ws, err := a.wallets.List(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(ws)
		}
		rows := make([][]string, 0, len(ws))
		for _, w := range ws {
			rows = append(rows, []string{w.Address, w.Name, defaultMark(w.IsDefault), date(w.AddedAt)})
		}
		table("ADDRESS\tNAME\tDEFAULT\tADDED", rows)
		return nil
	}),
}

func defaultMark(isDefault bool) string {
	if isDefault {
		return " *"
	}
	return ""
}

func init() {
	walletAddCmd.Flags().StringVar(&walletName, "name", "", "display name")
	walletAddCmd.Flags().BoolVar(&walletDefault, "default", false, "make this the default wallet")

	walletCmd.AddCommand(walletAddCmd, walletRemoveCmd, walletDefaultCmd, walletListCmd)
	rootCmd.AddCommand(walletCmd)
}
