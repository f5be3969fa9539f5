// Package chaintest provides an in-memory chain.Client for service tests.
package chaintest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/vietddude/treasury/internal/core/domain"
	"github.com/vietddude/treasury/internal/infra/chain"
)

// Method names recorded by Fake.
const (
	MethodApprove  = "approve"
	MethodTransfer = "transfer"
	MethodBurn     = "burn"
	MethodMint     = "mint"
)

// Fake is a scripted chain. Submitted transactions are mined immediately;
// Revert makes the next submission of a method revert instead.
type Fake struct {
	mu sync.Mutex

	prefix     byte
	nextTx     int
	head       uint64
	events     []chain.TransferEvent
	balances   map[string]decimal.Decimal
	allowances map[string]decimal.Decimal
	receipts   map[string]*chain.Receipt
	usedNonces map[[32]byte]bool
	revert     map[string]bool
	errs       map[string]error
	calls      map[string]int
	holds      map[string]*hold
	lose       map[string]bool
}

type hold struct {
	entered chan struct{}
	done    chan struct{}
}

// New creates a fake whose tx hashes start with prefix, so fakes for
// different chains never collide.
func New(prefix byte) *Fake {
	return &Fake{
		prefix:     prefix,
		balances:   make(map[string]decimal.Decimal),
		allowances: make(map[string]decimal.Decimal),
		receipts:   make(map[string]*chain.Receipt),
		usedNonces: make(map[[32]byte]bool),
		revert:     make(map[string]bool),
		errs:       make(map[string]error),
		calls:      make(map[string]int),
		holds:      make(map[string]*hold),
		lose:       make(map[string]bool),
	}
}

var _ chain.Client = (*Fake)(nil)

func key(addr string) string { return strings.ToLower(addr) }

// SetHead sets the confirmed block.
func (f *Fake) SetHead(block uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = block
}

// AddEvent appends a transfer log.
func (f *Fake) AddEvent(ev chain.TransferEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

// SetBalance sets a wallet's USDC balance.
func (f *Fake) SetBalance(wallet string, amount decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[key(wallet)] = amount
}

// SetAllowance sets an existing allowance.
func (f *Fake) SetAllowance(owner, spender string, amount decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowances[key(owner)+"|"+key(spender)] = amount
}

// SetReceipt registers a receipt for an arbitrary hash.
func (f *Fake) SetReceipt(r *chain.Receipt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[r.TxHash] = r
}

// MarkNonceUsed marks a CCTP nonce as consumed, as a third-party relayer
// would.
func (f *Fake) MarkNonceUsed(nonce [32]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usedNonces[nonce] = true
}

// Revert makes the next submission of method mine as reverted.
func (f *Fake) Revert(method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revert[method] = true
}

// FailWith makes every call of method return err until cleared with nil.
func (f *Fake) FailWith(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, method)
		return
	}
	f.errs[method] = err
}

// Hold blocks submissions of method until release is called. entered
// receives once for every submission that starts waiting.
func (f *Fake) Hold(method string) (entered <-chan struct{}, release func()) {
	h := &hold{entered: make(chan struct{}, 16), done: make(chan struct{})}
	f.mu.Lock()
	f.holds[method] = h
	f.mu.Unlock()

	var once sync.Once
	return h.entered, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.holds, method)
			f.mu.Unlock()
			close(h.done)
		})
	}
}

// Lose makes the next submission of method reach the chain while its answer
// is lost: the transaction is mined and the caller gets
// chain.ErrSubmitUnknown.
func (f *Fake) Lose(method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lose[method] = true
}

// Calls returns how many times method was submitted.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *Fake) ConfirmedBlock(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs["head"]; err != nil {
		return 0, err
	}
	return f.head, nil
}

func (f *Fake) TransferEvents(ctx context.Context, wallet string, fromBlock, toBlock uint64) ([]chain.TransferEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["events"]++
	if err := f.errs["events"]; err != nil {
		return nil, err
	}
	var out []chain.TransferEvent
	for _, ev := range f.events {
		if ev.BlockNumber < fromBlock || ev.BlockNumber > toBlock {
			continue
		}
		if domain.SameAddress(ev.From, wallet) || domain.SameAddress(ev.To, wallet) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *Fake) Balance(ctx context.Context, wallet string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs["balance"]; err != nil {
		return decimal.Zero, err
	}
	return f.balances[key(wallet)], nil
}

func (f *Fake) Allowance(ctx context.Context, owner, spender string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allowances[key(owner)+"|"+key(spender)], nil
}

func (f *Fake) Approve(ctx context.Context, owner, spender string, amount decimal.Decimal) (string, error) {
	return f.submit(ctx, MethodApprove, nil, func() {
		f.allowances[key(owner)+"|"+key(spender)] = amount
	})
}

func (f *Fake) SubmitTransfer(ctx context.Context, from, to string, amount decimal.Decimal) (string, error) {
	log := &chain.TransferEvent{From: from, To: to, Amount: amount}
	return f.submit(ctx, MethodTransfer, log, func() {
		f.balances[key(from)] = f.balances[key(from)].Sub(amount)
		f.balances[key(to)] = f.balances[key(to)].Add(amount)
	})
}

func (f *Fake) DepositForBurn(ctx context.Context, from string, req chain.BurnRequest) (string, error) {
	log := &chain.TransferEvent{From: from, To: burnAddress, Amount: req.Amount}
	return f.submit(ctx, MethodBurn, log, func() {
		f.balances[key(from)] = f.balances[key(from)].Sub(req.Amount)
	})
}

// ReceiveMessage consumes the nonce at message[12:44].
func (f *Fake) ReceiveMessage(ctx context.Context, from string, message, attestation []byte) (string, error) {
	var nonce [32]byte
	if len(message) >= 44 {
		copy(nonce[:], message[12:44])
	}
	f.mu.Lock()
	used := f.usedNonces[nonce]
	f.mu.Unlock()
	if used {
		// The real contract reverts on a replayed nonce.
		f.Revert(MethodMint)
	}
	return f.submit(ctx, MethodMint, nil, func() {
		f.usedNonces[nonce] = true
	})
}

func (f *Fake) NonceUsed(ctx context.Context, nonce [32]byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs["nonce"]; err != nil {
		return false, err
	}
	return f.usedNonces[nonce], nil
}

func (f *Fake) Receipt(ctx context.Context, txHash string) (*chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs["receipt"]; err != nil {
		return nil, err
	}
	r, ok := f.receipts[strings.ToLower(txHash)]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (f *Fake) WaitReceipt(ctx context.Context, txHash string) (*chain.Receipt, error) {
	r, err := f.Receipt(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, domain.TransientError("chaintest.WaitReceipt", fmt.Errorf("%s: %w", txHash, chain.ErrReceiptTimeout))
	}
	return r, nil
}

const burnAddress = "0x0000000000000000000000000000000000000000"

// submit mines a transaction and applies effect unless it reverts. log is
// the USDC Transfer a successful transaction emits.
func (f *Fake) submit(ctx context.Context, method string, log *chain.TransferEvent, effect func()) (string, error) {
	f.mu.Lock()
	h := f.holds[method]
	f.mu.Unlock()
	if h != nil {
		select {
		case h.entered <- struct{}{}:
		default:
		}
		select {
		case <-h.done:
		case <-ctx.Done():
			return "", domain.TransientError("chaintest."+method, ctx.Err())
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.errs[method]; err != nil {
		return "", err
	}
	f.calls[method]++
	f.nextTx++
	hash := fmt.Sprintf("0x%02x%062x", f.prefix, f.nextTx)

	status := chain.ReceiptSuccess
	if f.revert[method] {
		delete(f.revert, method)
		status = chain.ReceiptReverted
	} else {
		effect()
		if log != nil {
			ev := *log
			ev.TxHash, ev.BlockNumber = hash, f.head
			f.events = append(f.events, ev)
		}
	}
	f.receipts[hash] = &chain.Receipt{TxHash: hash, BlockNumber: f.head, Status: status}

	if f.lose[method] {
		delete(f.lose, method)
		return "", domain.TransientError("chaintest."+method, fmt.Errorf("%s: %w", hash, chain.ErrSubmitUnknown))
	}
	return hash, nil
}
