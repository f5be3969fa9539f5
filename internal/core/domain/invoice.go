package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type InvoiceType string

const (
	InvoicePayable    InvoiceType = "payable"
	InvoiceReceivable InvoiceType = "receivable"
)

func (t InvoiceType) Valid() bool {
	return t == InvoicePayable || t == InvoiceReceivable
}

type InvoiceStatus string

const (
	InvoiceStatusPending   InvoiceStatus = "pending"
	InvoiceStatusPartial   InvoiceStatus = "partial"
	InvoiceStatusPaid      InvoiceStatus = "paid"
	InvoiceStatusOverpaid  InvoiceStatus = "overpaid"
	InvoiceStatusCancelled InvoiceStatus = "cancelled"
)

func (s InvoiceStatus) Valid() bool {
	switch s {
	case InvoiceStatusPending, InvoiceStatusPartial, InvoiceStatusPaid,
		InvoiceStatusOverpaid, InvoiceStatusCancelled:
		return true
	}
	return false
}

// InvoiceNumberFormat renders the counter value into an invoice number.
const InvoiceNumberFormat = "INV-%04d"

// FormatInvoiceNumber returns the display number for a counter value.
func FormatInvoiceNumber(seq int64) string {
	return fmt.Sprintf(InvoiceNumberFormat, seq)
}

// ParseInvoiceNumber extracts the counter value from "INV-0042".
func ParseInvoiceNumber(s string) (int64, error) {
	var n int64
	if _, err := fmt.Sscanf(s, "INV-%d", &n); err != nil || n <= 0 {
		return 0, ValidationError("parse invoice number", "invoice_number", s, "expected INV-<n>")
	}
	return n, nil
}

type Counterparty struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type LineItem struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// Amount is quantity × unit price, exact.
func (li LineItem) Amount() decimal.Decimal {
	return li.Quantity.Mul(li.UnitPrice)
}

// Invoice is a USDC claim between our wallet and a counterparty.
type Invoice struct {
	ID           string
	Number       string
	Seq          int64
	Type         InvoiceType
	Status       InvoiceStatus
	Counterparty Counterparty
	Wallet       string
	Chain        string
	LineItems    []LineItem
	Total        decimal.Decimal
	Paid         decimal.Decimal
	Category     Category
	Memo         string
	DueAt        time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Remaining is Total − Paid; negative once the invoice is overpaid.
func (inv *Invoice) Remaining() decimal.Decimal {
	return inv.Total.Sub(inv.Paid)
}

// Direction is the transfer direction that settles this invoice from our
// wallet's point of view.
func (inv *Invoice) Direction() Direction {
	if inv.Type == InvoicePayable {
		return DirectionOutgoing
	}
	return DirectionIncoming
}

// SumLineItems returns the exact total of the items.
func SumLineItems(items []LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, li := range items {
		total = total.Add(li.Amount())
	}
	return total
}

// StatusForPaid derives the settlement status from the paid amount.
func StatusForPaid(paid, total decimal.Decimal) InvoiceStatus {
	switch {
	case paid.GreaterThan(total):
		return InvoiceStatusOverpaid
	case paid.Equal(total):
		return InvoiceStatusPaid
	case paid.IsPositive():
		return InvoiceStatusPartial
	default:
		return InvoiceStatusPending
	}
}

// CheckPayable returns a state conflict when the invoice can take no further
// payment.
func (inv *Invoice) CheckPayable(op string) error {
	switch inv.Status {
	case InvoiceStatusPaid, InvoiceStatusOverpaid:
		return StateConflictError(op, "status", inv.Status, "invoice "+inv.Number+" is already settled")
	case InvoiceStatusCancelled:
		return StateConflictError(op, "status", inv.Status, "invoice "+inv.Number+" is cancelled")
	}
	return nil
}

// ApplyPayment adds amount to Paid and recomputes Status.
func (inv *Invoice) ApplyPayment(op string, amount decimal.Decimal, at time.Time) error {
	if err := inv.CheckPayable(op); err != nil {
		return err
	}
	inv.Paid = inv.Paid.Add(amount)
	inv.Status = StatusForPaid(inv.Paid, inv.Total)
	inv.UpdatedAt = at
	return nil
}

// Cancel moves a pending invoice to cancelled.
func (inv *Invoice) Cancel(op string, at time.Time) error {
	if inv.Status != InvoiceStatusPending {
		return StateConflictError(op, "status", inv.Status, "only pending invoices can be cancelled")
	}
	inv.Status = InvoiceStatusCancelled
	inv.UpdatedAt = at
	return nil
}

// CheckStatusInvariant verifies the status agrees with Paid and Total.
func (inv *Invoice) CheckStatusInvariant() error {
	if inv.Status == InvoiceStatusCancelled {
		return nil
	}
	if want := StatusForPaid(inv.Paid, inv.Total); want != inv.Status {
		return fmt.Errorf("invoice %s: status %s but paid %s of %s implies %s",
			inv.Number, inv.Status, inv.Paid, inv.Total, want)
	}
	return nil
}

type InvoiceEventType string

const (
	InvoiceEventCreated   InvoiceEventType = "created"
	InvoiceEventPayment   InvoiceEventType = "payment"
	InvoiceEventCancelled InvoiceEventType = "cancelled"
	InvoiceEventImported  InvoiceEventType = "imported"
)

// InvoiceEvent is an audit snapshot taken after every invoice mutation.
type InvoiceEvent struct {
	InvoiceNumber string
	Seq           int
	Event         InvoiceEventType
	Status        InvoiceStatus
	Paid          decimal.Decimal
	Remaining     decimal.Decimal
	TxHash        string
	Amount        decimal.NullDecimal
	RecordedAt    time.Time
}

// Snapshot captures the invoice state for the audit trail.
func (inv *Invoice) Snapshot(event InvoiceEventType, txHash string, amount *decimal.Decimal) *InvoiceEvent {
	ev := &InvoiceEvent{
		InvoiceNumber: inv.Number,
		Event:         event,
		Status:        inv.Status,
		Paid:          inv.Paid,
		Remaining:     inv.Remaining(),
		TxHash:        txHash,
		RecordedAt:    inv.UpdatedAt,
	}
	if amount != nil {
		ev.Amount = decimal.NewNullDecimal(*amount)
	}
	return ev
}
