package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/vietddude/treasury/internal/core/domain"
	"github.com/vietddude/treasury/internal/infra/storage"
	"github.com/vietddude/treasury/internal/ledger"
)

var invoiceCmd = &cobra.Command{
	Use:   "invoice",
	Short: "Create, pay and inspect invoices",
}

var (
	invType     string
	invName     string
	invAddress  string
	invItems    []string
	invChain    string
	invDueDays  int
	invCategory string
	invMemo     string
	invWallet   string

	payAmount  string
	payAbandon bool

	applyTx     string
	applyAmount string
	applyBlock  uint64

	listStatus string
	listType   string
	listChain  string

	importInvoices     string
	importTransactions string
)

var invoiceCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an invoice",
	Example: `  treasury invoice create --type payable --name "Acme" --address 0x... \
    --item "Hosting:1:120" --item "Support hours:3.5:40" --chain base_sepolia`,
	Args: cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
		items := make([]domain.LineItem, 0, len(invItems))
		for i, raw := range invItems {
			li, err := parseLineItem(i, raw)
			if err != nil {
				return err
			}
			items = append(items, li)
		}
		req := ledger.CreateRequest{
			Type:         domain.InvoiceType(invType),
			Counterparty: domain.Counterparty{Name: invName, Address: invAddress},
			LineItems:    items,
			Chain:        invChain,
			DueIn:        time.Duration(invDueDays) * 24 * time.Hour,
			Category:     domain.Category(invCategory),
			Memo:         invMemo,
			Wallet:       invWallet,
		}
		inv, err := a.ledger.Create(ctx, req)
		if err != nil {
			return err
		}
		return printInvoice(inv)
	}),
}

var invoicePayCmd = &cobra.Command{
	Use:   "pay INVOICE",
	Short: "Send USDC for a payable invoice",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		if err := a.requireChains(); err != nil {
			return err
		}
		if payAbandon {
			if err := a.ledger.AbandonPayment(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Dropped the unresolved payment for %s\n", args[0])
			return nil
		}
		var amount *decimal.Decimal
		if payAmount != "" {
			d, err := domain.ParseAmount("invoice pay", "amount", payAmount)
			if err != nil {
				return err
			}
			amount = &d
		}
		inv, err := a.ledger.Pay(ctx, args[0], amount)
		if err != nil {
			return err
		}
		return printInvoice(inv)
	}),
}

var invoiceApplyCmd = &cobra.Command{
	Use:   "apply INVOICE",
	Short: "Record a payment that already happened on chain",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		amount, err := domain.ParseAmount("invoice apply", "amount", applyAmount)
		if err != nil {
			return err
		}
		inv, err := a.ledger.ApplyPayment(ctx, args[0], ledger.Payment{
			TxHash:      applyTx,
			Amount:      amount,
			BlockNumber: applyBlock,
		})
		if err != nil {
			return err
		}
		return printInvoice(inv)
	}),
}

var invoiceCancelCmd = &cobra.Command{
	Use:   "cancel INVOICE",
	Short: "Cancel a pending invoice",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		inv, err := a.ledger.Cancel(ctx, args[0])
		if err != nil {
			return err
		}
		return printInvoice(inv)
	}),
}

var invoiceShowCmd = &cobra.Command{
	Use:   "show INVOICE",
	Short: "Show an invoice with its payments and audit trail",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		trail, err := a.ledger.AuditTrail(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(struct {
				Invoice      invoiceView `json:"invoice"`
				Transactions any         `json:"transactions"`
				Snapshots    any         `json:"snapshots"`
			}{newInvoiceView(trail.Invoice), trail.Transactions, trail.Snapshots})
		}
		if err := printInvoice(trail.Invoice); err != nil {
			return err
		}

		fmt.Println()
		txRows := make([][]string, 0, len(trail.Transactions))
		for _, tx := range trail.Transactions {
			txRows = append(txRows, []string{tx.TxHash, string(tx.Direction), usdc(tx.Amount),
				strconv.FormatUint(tx.BlockNumber, 10), tx.ExplorerURL})
		}
		table("TX\tDIRECTION\tAMOUNT\tBLOCK\tEXPLORER", txRows)

		fmt.Println()
		evRows := make([][]string, 0, len(trail.Snapshots))
		for _, ev := range trail.Snapshots {
			amount := "-"
			if ev.Amount.Valid {
				amount = usdc(ev.Amount.Decimal)
			}
			evRows = append(evRows, []string{strconv.Itoa(ev.Seq), string(ev.Event), string(ev.Status),
				amount, usdc(ev.Paid), ev.RecordedAt.Format(time.RFC3339)})
		}
		table("SEQ\tEVENT\tSTATUS\tAMOUNT\tPAID\tAT", evRows)
		return nil
	}),
}

var invoiceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List invoices",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
		invs, err := a.ledger.List(ctx, storage.InvoiceFilter{
			Status: domain.InvoiceStatus(listStatus),
			Type:   domain.InvoiceType(listType),
			Chain:  listChain,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			views := make([]invoiceView, 0, len(invs))
			for _, inv := range invs {
				views = append(views, newInvoiceView(inv))
			}
			return printJSON(views)
		}
		rows := make([][]string, 0, len(invs))
		for _, inv := range invs {
			rows = append(rows, []string{inv.Number, string(inv.Type), string(inv.Status), inv.Counterparty.Name,
				usdc(inv.Total), usdc(inv.Paid), inv.Chain, date(inv.DueAt)})
		}
		table("NUMBER\tTYPE\tSTATUS\tCOUNTERPARTY\tTOTAL\tPAID\tCHAIN\tDUE", rows)
		return nil
	}),
}

var invoiceImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import invoices and transactions exported by the previous ledger",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
		invoices, err := os.Open(importInvoices)
		if err != nil {
			return fmt.Errorf("failed to open invoices file: %w", err)
		}
		defer invoices.Close()
		txs, err := os.Open(importTransactions)
		if err != nil {
			return fmt.Errorf("failed to open transactions file: %w", err)
		}
		defer txs.Close()

		res, err := a.ledger.ImportLegacy(ctx, invoices, txs)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(res)
		}
		fmt.Printf("Imported %d invoices (%d skipped) and %d transactions (%d skipped); next invoice is %s\n",
			res.Invoices, res.SkippedInvoices, res.Transactions, res.SkippedTransactions,
			domain.FormatInvoiceNumber(res.CounterSeededTo+1))
		return nil
	}),
}

// parseLineItem reads "description:quantity:unit_price". The description
// may itself contain colons.
func parseLineItem(i int, raw string) (domain.LineItem, error) {
	const op = "invoice create"
	field := fmt.Sprintf("line_items[%d]", i)

	parts := strings.Split(raw, ":")
	if len(parts) < 3 {
		return domain.LineItem{}, domain.ValidationError(op, field, raw, "expected description:quantity:unit_price")
	}
	n := len(parts)
	qty, err := decimal.NewFromString(strings.TrimSpace(parts[n-2]))
	if err != nil {
		return domain.LineItem{}, domain.ValidationError(op, field+".quantity", parts[n-2], "not a decimal number")
	}
	price, err := decimal.NewFromString(strings.TrimSpace(parts[n-1]))
	if err != nil {
		return domain.LineItem{}, domain.ValidationError(op, field+".unit_price", parts[n-1], "not a decimal number")
	}
	return domain.LineItem{
		Description: strings.TrimSpace(strings.Join(parts[:n-2], ":")),
		Quantity:    qty,
		UnitPrice:   price,
	}, nil
}

func init() {
	f := invoiceCreateCmd.Flags()
	f.StringVar(&invType, "type", "", "payable or receivable")
	f.StringVar(&invName, "name", "", "counterparty name")
	f.StringVar(&invAddress, "address", "", "counterparty address")
	f.StringArrayVar(&invItems, "item", nil, "line item as description:quantity:unit_price (repeatable)")
	f.StringVar(&invChain, "chain", "", "chain key")
	f.IntVar(&invDueDays, "due-days", 30, "days until due")
	f.StringVar(&invCategory, "category", "", "category, defaults by invoice type")
	f.StringVar(&invMemo, "memo", "", "free-form memo")
	f.StringVar(&invWallet, "wallet", "", "our wallet, defaults to the default wallet")
	_ = invoiceCreateCmd.MarkFlagRequired("type")
	_ = invoiceCreateCmd.MarkFlagRequired("chain")

	invoicePayCmd.Flags().StringVar(&payAmount, "amount", "", "amount to send, defaults to the remaining balance")
	invoicePayCmd.Flags().BoolVar(&payAbandon, "abandon", false, "drop an unresolved payment whose transfer never reached the chain")

	f = invoiceApplyCmd.Flags()
	f.StringVar(&applyTx, "tx", "", "transaction hash")
	f.StringVar(&applyAmount, "amount", "", "amount paid")
	f.Uint64Var(&applyBlock, "block", 0, "block number")
	_ = invoiceApplyCmd.MarkFlagRequired("tx")
	_ = invoiceApplyCmd.MarkFlagRequired("amount")

	f = invoiceListCmd.Flags()
	f.StringVar(&listStatus, "status", "", "filter by status")
	f.StringVar(&listType, "type", "", "filter by type")
	f.StringVar(&listChain, "chain", "", "filter by chain")

	f = invoiceImportCmd.Flags()
	f.StringVar(&importInvoices, "invoices", "invoices.json", "legacy invoices export")
	f.StringVar(&importTransactions, "transactions", "transactions.json", "legacy transactions export")

	invoiceCmd.AddCommand(invoiceCreateCmd, invoicePayCmd, invoiceApplyCmd, invoiceCancelCmd,
		invoiceShowCmd, invoiceListCmd, invoiceImportCmd)
	rootCmd.AddCommand(invoiceCmd)
}
