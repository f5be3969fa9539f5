package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/treasury/internal/core/domain"
	"github.com/vietddude/treasury/internal/infra/chain"
	"github.com/vietddude/treasury/internal/infra/storage"
	"github.com/vietddude/treasury/internal/metrics"
)

// Finding is a transfer seen on only one side, or on both sides with
// different amounts.
type Finding struct {
	TxHash      string
	Direction   domain.Direction
	Amount      decimal.Decimal
	BlockNumber uint64
	Reason      string
}

// ScanResult summarizes one scan of a (chain, wallet) pair.
type ScanResult struct {
	Chain             string
	Wallet            string
	FromBlock         uint64
	ToBlock           uint64
	Events            int
	Recorded          int
	Matched           int
	UnmatchedInternal []Finding
	UnmatchedOnchain  []Finding
	HighWaterMark     uint64
}

// transfer is the net effect of one transaction on the wallet. A
// transaction may emit several Transfer logs; they are summed per hash
// because the hash identifies the recorded transaction.
type transfer struct {
	hash        string
	direction   domain.Direction
	amount      decimal.Decimal
	counterpart string
	from, to    string
	block       uint64
	blockTime   time.Time
}

// Scan fetches transfers touching wallet from the start block through the
// chain's confirmed block, records new incoming ones and advances the
// high-water mark chunk by chunk. The start block is fromBlock when given,
// else the block after the mark, else LookbackBlocks below the confirmed
// block. A cancelled scan keeps every chunk committed before cancellation.
func (e *Engine) Scan(ctx context.Context, chainKey, wallet string, fromBlock *uint64) (*ScanResult, error) {
	const op = "reconcile.Scan"

	client, cc, err := e.client(op, chainKey)
	if err != nil {
		return nil, err
	}
	wallet, err = domain.NormalizeAddress(op, "wallet", wallet)
	if err != nil {
		return nil, err
	}

	unlock, err := e.locker.TryLock(ctx, scanLockName(chainKey, wallet))
	if err != nil {
		return nil, err
	}
	defer unlock()

	confirmed, err := client.ConfirmedBlock(ctx)
	if err != nil {
		return nil, chainError(op, err)
	}
	hwm, err := e.store.GetHighWaterMark(ctx, chainKey, wallet)
	if err != nil {
		return nil, domain.TransientError(op, err)
	}

	var start uint64
	switch {
	case fromBlock != nil:
		start = *fromBlock
	case hwm != nil:
		start = hwm.BlockNumber + 1
	case confirmed > cc.LookbackBlocks:
		start = confirmed - cc.LookbackBlocks
	}

	res := &ScanResult{Chain: chainKey, Wallet: wallet, FromBlock: start, ToBlock: confirmed}
	if hwm != nil {
		res.HighWaterMark = hwm.BlockNumber
	}
	if start > confirmed {
		e.log.Debug("Nothing to scan", "chain", chainKey, "wallet", wallet, "from", start, "confirmed", confirmed)
		return res, nil
	}

	log := e.log.With("chain", chainKey, "wallet", wallet)
	log.Info("Scanning transfers", "from", start, "to", confirmed)

	step := cc.MaxBlockRange
	if step == 0 {
		step = 2000
	}
	seen := make(map[string]bool)
	for lo := start; lo <= confirmed; {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		hi := lo + step - 1
		if hi > confirmed || hi < lo {
			hi = confirmed
		}

		events, err := client.TransferEvents(ctx, wallet, lo, hi)
		if err != nil {
			return res, chainError(op, err)
		}
		transfers := netTransfers(wallet, events)
		res.Events += len(events)

		var recorded, matched int
		var internal, onchain []Finding
		err = e.store.WithTx(ctx, func(repo storage.Repository) error {
			recorded, matched, internal, onchain = 0, 0, nil, nil
			for _, t := range transfers {
				seen[t.hash] = true
				existing, err := repo.GetTransaction(ctx, t.hash)
				switch {
				case err == nil:
					if f, ok := compare(existing, t); ok {
						matched++
					} else {
						internal = append(internal, f)
					}
					continue
				case !errors.Is(err, storage.ErrNotFound):
					return err
				}

				if t.direction == domain.DirectionOutgoing {
					onchain = append(onchain, Finding{
						TxHash: t.hash, Direction: t.direction, Amount: t.amount,
						BlockNumber: t.block, Reason: "outgoing transfer not recorded in ledger",
					})
					continue
				}
				inserted, err := repo.InsertTransaction(ctx, e.incoming(chainKey, wallet, t))
				if err != nil {
					return err
				}
				if inserted {
					recorded++
				}
			}
			return repo.AdvanceHighWaterMark(ctx, chainKey, wallet, hi)
		})
		if err != nil {
			return res, chainError(op, err)
		}

		res.Recorded += recorded
		res.Matched += matched
		res.UnmatchedInternal = append(res.UnmatchedInternal, internal...)
		res.UnmatchedOnchain = append(res.UnmatchedOnchain, onchain...)
		if hi > res.HighWaterMark {
			res.HighWaterMark = hi
		}

		metrics.BlocksScanned.WithLabelValues(chainKey).Add(float64(hi - lo + 1))
		metrics.TransfersRecorded.WithLabelValues(chainKey).Add(float64(recorded))
		metrics.HighWaterMark.WithLabelValues(chainKey, wallet).Set(float64(res.HighWaterMark))

		if hi == confirmed {
			break
		}
		lo = hi + 1
	}

	// Anything recorded in the window that the chain did not show.
	recordedTxs, err := e.store.ListTransactions(ctx, storage.TxFilter{
		Chain: chainKey, Wallet: wallet, FromBlock: start, ToBlock: confirmed,
	})
	if err != nil {
		return res, domain.TransientError(op, err)
	}
	for _, tx := range recordedTxs {
		if tx.BlockNumber < start || seen[tx.TxHash] {
			continue
		}
		res.UnmatchedInternal = append(res.UnmatchedInternal, Finding{
			TxHash: tx.TxHash, Direction: tx.Direction, Amount: tx.Amount,
			BlockNumber: tx.BlockNumber, Reason: "recorded transaction not found on chain",
		})
	}

	log.Info("Scan complete",
		"blocks", confirmed-start+1, "events", res.Events, "recorded", res.Recorded,
		"matched", res.Matched, "unmatched_internal", len(res.UnmatchedInternal),
		"unmatched_onchain", len(res.UnmatchedOnchain), "high_water_mark", res.HighWaterMark)
	return res, nil
}

func (e *Engine) incoming(chainKey, wallet string, t transfer) *domain.Transaction {
	now := e.now()
	blockTime := t.blockTime
	if blockTime.IsZero() {
		blockTime = now
	}
	return &domain.Transaction{
		TxHash:       t.hash,
		Chain:        chainKey,
		Direction:    domain.DirectionIncoming,
		Amount:       t.amount,
		From:         t.from,
		To:           t.to,
		Counterparty: t.counterpart,
		Wallet:       wallet,
		BlockNumber:  t.block,
		BlockTime:    blockTime,
		Category:     domain.CategoryIncomingTransfer,
		Kind:         domain.TxKindScanned,
		Memo:         fmt.Sprintf("Incoming transfer found by scan at block %d", t.block),
		RecordedAt:   now,
	}
}

// compare checks a recorded transaction against what the chain shows.
func compare(recorded *domain.Transaction, t transfer) (Finding, bool) {
	f := Finding{TxHash: t.hash, Direction: t.direction, Amount: t.amount, BlockNumber: t.block}
	switch {
	case recorded.Direction != t.direction:
		f.Reason = fmt.Sprintf("recorded as %s, chain shows %s", recorded.Direction, t.direction)
	case !recorded.Amount.Equal(t.amount):
		f.Reason = fmt.Sprintf("recorded amount %s, chain shows %s", recorded.Amount, t.amount)
	default:
		return f, true
	}
	return f, false
}

// netTransfers folds logs into one net transfer per transaction. Transactions
// that move nothing net, such as self-transfers, are dropped.
func netTransfers(wallet string, events []chain.TransferEvent) []transfer {
	type acc struct {
		net       decimal.Decimal
		inFrom    string
		outTo     string
		block     uint64
		blockTime time.Time
	}
	byHash := make(map[string]*acc)
	var order []string
	for _, ev := range events {
		a, ok := byHash[ev.TxHash]
		if !ok {
			a = &acc{block: ev.BlockNumber, blockTime: ev.BlockTime}
			byHash[ev.TxHash] = a
			order = append(order, ev.TxHash)
		}
		incoming := domain.SameAddress(ev.To, wallet)
		outgoing := domain.SameAddress(ev.From, wallet)
		switch {
		case incoming && outgoing:
		case incoming:
			a.net = a.net.Add(ev.Amount)
			if a.inFrom == "" {
				a.inFrom = ev.From
			}
		case outgoing:
			a.net = a.net.Sub(ev.Amount)
			if a.outTo == "" {
				a.outTo = ev.To
			}
		}
	}

	out := make([]transfer, 0, len(order))
	for _, hash := range order {
		a := byHash[hash]
		t := transfer{hash: hash, block: a.block, blockTime: a.blockTime}
		switch a.net.Sign() {
		case 1:
			t.direction, t.amount = domain.DirectionIncoming, a.net
			t.from, t.to, t.counterpart = checksum(a.inFrom), wallet, checksum(a.inFrom)
		case -1:
			t.direction, t.amount = domain.DirectionOutgoing, a.net.Neg()
			t.from, t.to, t.counterpart = wallet, checksum(a.outTo), checksum(a.outTo)
		default:
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].block < out[j].block })
	return out
}

func checksum(addr string) string {
	if addr == "" {
		return ""
	}
	return domain.MustAddress(addr).Hex()
}
