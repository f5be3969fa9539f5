package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/treasury/internal/core/domain"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// table prints rows under a header, tab separated columns.
func table(header string, rows [][]string) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, header)
	for _, r := range rows {
		_, _ = fmt.Fprintln(w, strings.Join(r, "\t"))
	}
	_ = w.Flush()
}

// usdc always shows cents and keeps sub-cent digits only when present, so
// 3 renders as "3.00" and 0.000001 as "0.000001".
func usdc(d decimal.Decimal) string {
	if d.Equal(d.Round(2)) {
		return d.StringFixed(2)
	}
	return d.Round(domain.USDCDecimals).String()
}

type lineItemView struct {
	Description string `json:"description"`
	Quantity    string `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	Amount      string `json:"amount"`
}

type invoiceView struct {
	Number       string               `json:"invoice_number"`
	ID           string               `json:"id"`
	Type         domain.InvoiceType   `json:"type"`
	Status       domain.InvoiceStatus `json:"status"`
	Counterparty domain.Counterparty  `json:"counterparty"`
	Wallet       string               `json:"wallet"`
	Chain        string               `json:"chain"`
	LineItems    []lineItemView       `json:"line_items"`
	Total        string               `json:"total_usdc"`
	Paid         string               `json:"paid_usdc"`
	Remaining    string               `json:"remaining_usdc"`
	Category     domain.Category      `json:"category"`
	Memo         string               `json:"memo,omitempty"`
	DueAt        time.Time            `json:"due_at"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

func newInvoiceView(inv *domain.Invoice) invoiceView {
	items := make([]lineItemView, 0, len(inv.LineItems))
	for _, li := range inv.LineItems {
		items = append(items, lineItemView{
			Description: li.Description,
			Quantity:    li.Quantity.String(),
			UnitPrice:   usdc(li.UnitPrice),
			Amount:      usdc(li.Amount()),
		})
	}
	return invoiceView{
		Number:       inv.Number,
		ID:           inv.ID,
		Type:         inv.Type,
		Status:       inv.Status,
		Counterparty: inv.Counterparty,
		Wallet:       inv.Wallet,
		Chain:        inv.Chain,
		LineItems:    items,
		Total:        usdc(inv.Total),
		Paid:         usdc(inv.Paid),
		Remaining:    usdc(inv.Remaining()),
		Category:     inv.Category,
		Memo:         inv.Memo,
		DueAt:        inv.DueAt,
		CreatedAt:    inv.CreatedAt,
		UpdatedAt:    inv.UpdatedAt,
	}
}

func date(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02")
}

func printInvoice(inv *domain.Invoice) error {
	if jsonOutput {
		return printJSON(newInvoiceView(inv))
	}
	fmt.Printf("%s  %s  %s\n", inv.Number, inv.Type, strings.ToUpper(string(inv.Status)))
	fmt.Printf("Counterparty: %s (%s)\n", inv.Counterparty.Name, inv.Counterparty.Address)
	fmt.Printf("Wallet:       %s on %s\n", inv.Wallet, inv.Chain)
	fmt.Printf("Category:     %s\n", inv.Category.Label())
	fmt.Printf("Due:          %s\n", date(inv.DueAt))
	if inv.Memo != "" {
		fmt.Printf("Memo:         %s\n", inv.Memo)
	}
	rows := make([][]string, 0, len(inv.LineItems))
	for _, li := range inv.LineItems {
		rows = append(rows, []string{li.Description, li.Quantity.String(), usdc(li.UnitPrice), usdc(li.Amount())})
	}
	table("DESCRIPTION\tQTY\tUNIT\tAMOUNT", rows)
	fmt.Printf("Total %s  Paid %s  Remaining %s USDC\n", usdc(inv.Total), usdc(inv.Paid), usdc(inv.Remaining()))
	return nil
}
