package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// TxKind records which flow produced a transaction.
type TxKind string

const (
	TxKindTransfer       TxKind = "transfer"
	TxKindInvoicePayment TxKind = "invoice_payment"
	TxKindBridgeBurn     TxKind = "bridge_burn"
	TxKindBridgeMint     TxKind = "bridge_mint"
	TxKindScanned        TxKind = "scanned"
)

// Transaction is a confirmed USDC transfer touching one of our wallets.
// Recorded once and never rewritten; the only later change allowed is
// attaching an invoice to an unlinked row.
type Transaction struct {
	TxHash        string
	Chain         string
	Direction     Direction
	Amount        decimal.Decimal
	From          string
	To            string
	Counterparty  string
	Wallet        string
	BlockNumber   uint64
	BlockTime     time.Time
	InvoiceNumber string
	Category      Category
	Kind          TxKind
	Memo          string
	RecordedAt    time.Time
}

// Signed returns the amount with outgoing transfers negated.
func (t *Transaction) Signed() decimal.Decimal {
	if t.Direction == DirectionOutgoing {
		return t.Amount.Neg()
	}
	return t.Amount
}

// Linked reports whether the transaction settles an invoice.
func (t *Transaction) Linked() bool {
	return t.InvoiceNumber != ""
}

// PaymentAttempt is a treasury transfer for an invoice that was handed to the
// chain but not yet recorded. TxHash is empty while the submission outcome is
// unknown; SearchFrom is the confirmed block at the time of sending, where a
// search for the transfer starts.
type PaymentAttempt struct {
	InvoiceNumber string
	Chain         string
	From          string
	To            string
	Amount        decimal.Decimal
	TxHash        string
	SearchFrom    uint64
	CreatedAt     time.Time
}
