// Package chain defines the blockchain collaborator used by the ledger,
// reconciliation and bridge services.
package chain

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/treasury/internal/core/domain"
)

// ReceiptStatus is the execution outcome of a mined transaction.
type ReceiptStatus int

const (
	ReceiptReverted ReceiptStatus = iota
	ReceiptSuccess
)

func (s ReceiptStatus) String() string {
	if s == ReceiptSuccess {
		return "success"
	}
	return "reverted"
}

// Receipt is a mined transaction.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	Status      ReceiptStatus
}

// Succeeded reports whether the transaction executed without reverting.
func (r *Receipt) Succeeded() bool {
	return r.Status == ReceiptSuccess
}

// TransferEvent is one USDC Transfer log. A transaction may emit several.
type TransferEvent struct {
	TxHash      string
	LogIndex    uint
	From        string
	To          string
	Amount      decimal.Decimal
	BlockNumber uint64
	BlockTime   time.Time
}

// BurnRequest describes a CCTP depositForBurn call.
type BurnRequest struct {
	Amount      decimal.Decimal
	DestDomain  uint32
	Recipient   string
	MaxFee      decimal.Decimal
	MinFinality uint32
}

// Client talks to one chain. Addresses passed in must already be
// checksummed; implementations re-check them.
type Client interface {
	// ConfirmedBlock returns the newest block considered final
	ConfirmedBlock(ctx context.Context) (uint64, error)

	// TransferEvents returns USDC transfers from or to wallet within the
	// inclusive block range, ordered by block and log index
	TransferEvents(ctx context.Context, wallet string, fromBlock, toBlock uint64) ([]TransferEvent, error)

	// Balance returns the USDC balance of wallet
	Balance(ctx context.Context, wallet string) (decimal.Decimal, error)

	// Allowance returns how much spender may move on behalf of owner
	Allowance(ctx context.Context, owner, spender string) (decimal.Decimal, error)

	// Approve submits an allowance for spender and returns the tx hash
	Approve(ctx context.Context, owner, spender string, amount decimal.Decimal) (string, error)

	// SubmitTransfer submits a USDC transfer and returns the tx hash
	SubmitTransfer(ctx context.Context, from, to string, amount decimal.Decimal) (string, error)

	// DepositForBurn submits a CCTP burn and returns the tx hash
	DepositForBurn(ctx context.Context, from string, req BurnRequest) (string, error)

	// ReceiveMessage submits a CCTP mint and returns the tx hash
	ReceiveMessage(ctx context.Context, from string, message, attestation []byte) (string, error)

	// NonceUsed reports whether a CCTP message nonce was already consumed
	NonceUsed(ctx context.Context, nonce [32]byte) (bool, error)

	// Receipt returns the receipt of a mined transaction, nil while pending
	Receipt(ctx context.Context, txHash string) (*Receipt, error)

	// WaitReceipt polls until the transaction is mined or the receipt
	// timeout expires
	WaitReceipt(ctx context.Context, txHash string) (*Receipt, error)
}

// Clients maps chain keys to their clients.
type Clients map[string]Client

// Get returns the client for a chain key.
func (c Clients) Get(op, chainKey string) (Client, error) {
	cl, ok := c[chainKey]
	if !ok {
		return nil, domain.ValidationError(op, "chain", chainKey, "chain is not configured")
	}
	return cl, nil
}

// Keys returns the configured chain keys in sorted order.
func (c Clients) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var (
	// ErrReceiptTimeout is wrapped by WaitReceipt when a transaction is not
	// mined in time.
	ErrReceiptTimeout = errors.New("receipt wait timed out")

	// ErrSubmitUnknown is wrapped by submissions whose request may have
	// reached the node without an answer coming back. The transaction may or
	// may not exist; callers must not submit it again blindly.
	ErrSubmitUnknown = errors.New("submission outcome unknown")
)
