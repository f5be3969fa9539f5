package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/treasury/internal/core/domain"
)

var (
	// ErrNotFound is returned when a row doesn't exist
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a unique key already exists or a
	// compare-and-swap update matched no row
	ErrConflict = errors.New("record conflict")
)

// InvoiceFilter narrows ListInvoices. Zero fields match everything.
type InvoiceFilter struct {
	Status domain.InvoiceStatus
	Type   domain.InvoiceType
	Chain  string
}

// InvoiceRepository handles invoice storage operations
type InvoiceRepository interface {
	// InsertInvoice stores a new invoice; ErrConflict if the number exists
	InsertInvoice(ctx context.Context, inv *domain.Invoice) error

	// GetInvoice retrieves an invoice by number
	GetInvoice(ctx context.Context, number string) (*domain.Invoice, error)

	// UpdateInvoice persists status, paid amount and timestamps
	UpdateInvoice(ctx context.Context, inv *domain.Invoice) error

	// ListInvoices returns invoices ordered by number
	ListInvoices(ctx context.Context, filter InvoiceFilter) ([]*domain.Invoice, error)

	// MaxInvoiceSeq returns the highest invoice counter value in use, 0 if none
	MaxInvoiceSeq(ctx context.Context) (int64, error)

	// AppendInvoiceEvent adds an audit snapshot, assigning the next per-invoice seq
	AppendInvoiceEvent(ctx context.Context, ev *domain.InvoiceEvent) error

	// ListInvoiceEvents returns snapshots in seq order
	ListInvoiceEvents(ctx context.Context, number string) ([]*domain.InvoiceEvent, error)
}

// TxFilter narrows ListTransactions. Zero fields match everything; block
// bounds are inclusive.
type TxFilter struct {
	Chain     string
	Wallet    string
	FromBlock uint64
	ToBlock   uint64
}

// TransactionRepository handles transaction storage operations
type TransactionRepository interface {
	// InsertTransaction stores a transaction unless its hash is already
	// recorded. It reports whether a row was written.
	InsertTransaction(ctx context.Context, tx *domain.Transaction) (bool, error)

	// GetTransaction retrieves a transaction by hash
	GetTransaction(ctx context.Context, txHash string) (*domain.Transaction, error)

	// LinkTransaction attaches an invoice to an unlinked transaction;
	// ErrConflict if it is already linked
	LinkTransaction(ctx context.Context, txHash, invoiceNumber string) error

	// ListByInvoice returns an invoice's transactions in block order
	ListByInvoice(ctx context.Context, invoiceNumber string) ([]*domain.Transaction, error)

	// ListTransactions returns matching transactions in block order
	ListTransactions(ctx context.Context, filter TxFilter) ([]*domain.Transaction, error)
}

// CounterRepository handles named monotonic sequences
type CounterRepository interface {
	// NextCounter increments and returns the counter, creating it at seed
	// first when it doesn't exist
	NextCounter(ctx context.Context, key string, seed int64) (int64, error)

	// RaiseCounter lifts the counter to at least value; never lowers it
	RaiseCounter(ctx context.Context, key string, value int64) error

	// GetCounter returns the current value, 0 when unset
	GetCounter(ctx context.Context, key string) (int64, error)
}

// HighWaterMarkRepository handles per (chain, wallet) scan progress
type HighWaterMarkRepository interface {
	// GetHighWaterMark returns nil when the pair was never scanned
	GetHighWaterMark(ctx context.Context, chain, wallet string) (*domain.HighWaterMark, error)

	// AdvanceHighWaterMark moves the mark forward; lower values are ignored
	AdvanceHighWaterMark(ctx context.Context, chain, wallet string, block uint64) error

	// ListHighWaterMarks returns every mark
	ListHighWaterMarks(ctx context.Context) ([]*domain.HighWaterMark, error)
}

// BridgeRepository handles bridge records
type BridgeRepository interface {
	// InsertBridge stores a new record
	InsertBridge(ctx context.Context, rec *domain.BridgeRecord) error

	// GetBridge retrieves a record by id
	GetBridge(ctx context.Context, id string) (*domain.BridgeRecord, error)

	// GetBridgeByBurnTx retrieves a record by its burn transaction hash
	GetBridgeByBurnTx(ctx context.Context, burnTxHash string) (*domain.BridgeRecord, error)

	// UpdateBridge persists rec if the stored version still equals
	// rec.Version and bumps it; ErrConflict otherwise
	UpdateBridge(ctx context.Context, rec *domain.BridgeRecord) error

	// ClaimBridge leases a record until the given time and returns it;
	// ErrConflict while another unexpired lease holds it
	ClaimBridge(ctx context.Context, id, lease string, until, now time.Time) (*domain.BridgeRecord, error)

	// ReleaseBridge clears lease if it still holds the record
	ReleaseBridge(ctx context.Context, id, lease string) error

	// ListBridges returns records, only non-terminal ones when pendingOnly
	ListBridges(ctx context.Context, pendingOnly bool) ([]*domain.BridgeRecord, error)
}

// PaymentAttemptRepository tracks treasury transfers that were sent but not
// yet recorded against their invoice
type PaymentAttemptRepository interface {
	// InsertPaymentAttempt stores an attempt; ErrConflict if the invoice
	// already has one
	InsertPaymentAttempt(ctx context.Context, a *domain.PaymentAttempt) error

	// GetPaymentAttempt retrieves the attempt of an invoice
	GetPaymentAttempt(ctx context.Context, invoiceNumber string) (*domain.PaymentAttempt, error)

	// SetPaymentAttemptTx records the submitted transaction hash
	SetPaymentAttemptTx(ctx context.Context, invoiceNumber, txHash string) error

	// DeletePaymentAttempt removes the attempt of an invoice, if any
	DeletePaymentAttempt(ctx context.Context, invoiceNumber string) error
}

// WalletRepository handles wallet storage operations
type WalletRepository interface {
	// UpsertWallet adds or renames a wallet; making it default clears the
	// flag on every other wallet
	UpsertWallet(ctx context.Context, w *domain.Wallet) error

	// GetWallet retrieves a wallet by address
	GetWallet(ctx context.Context, address string) (*domain.Wallet, error)

	// DefaultWallet returns the default wallet
	DefaultWallet(ctx context.Context) (*domain.Wallet, error)

	// ListWallets returns wallets, default first
	ListWallets(ctx context.Context) ([]*domain.Wallet, error)

	// DeleteWallet removes a non-default wallet
	DeleteWallet(ctx context.Context, address string) error
}

// Repository is the full set of storage operations. Outside WithTx each call
// runs on its own; inside WithTx they share one transaction.
type Repository interface {
	InvoiceRepository
	TransactionRepository
	CounterRepository
	HighWaterMarkRepository
	BridgeRepository
	PaymentAttemptRepository
	WalletRepository
}

// Store is the persistent store. WithTx runs fn in a serializable
// transaction, retrying it on serialization failures, so fn must not have
// effects outside the repository it is given.
type Store interface {
	Repository
	WithTx(ctx context.Context, fn func(repo Repository) error) error
	Ping(ctx context.Context) error
	Close() error
}
