// Package evm implements chain.Client over Ethereum JSON-RPC.
//
// Transactions are submitted with eth_sendTransaction, so the node (or a
// signing proxy in front of it) holds the treasury key.
package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"github.com/vietddude/treasury/internal/core/config"
	"github.com/vietddude/treasury/internal/core/domain"
	"github.com/vietddude/treasury/internal/infra/chain"
	"github.com/vietddude/treasury/internal/infra/rpc"
	"github.com/vietddude/treasury/internal/infra/rpc/routing"
)

// Caller issues JSON-RPC calls. *rpc.Client satisfies it. CallOnceFor must
// never repeat the request and must wrap rpc.ErrOutcomeUnknown when the
// request may have been delivered without an answer.
type Caller interface {
	CallFor(ctx context.Context, out any, method string, params ...any) error
	CallOnceFor(ctx context.Context, out any, method string, params ...any) error
}

// Client implements chain.Client for one EVM chain.
type Client struct {
	cfg    config.ChainConfig
	caller Caller
	log    *slog.Logger

	mu         sync.Mutex
	blockTimes map[uint64]time.Time
}

var _ chain.Client = (*Client)(nil)

// NewClient creates a client for a configured chain.
func NewClient(cfg config.ChainConfig, caller Caller) *Client {
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 2 * time.Minute
	}
	if cfg.ReceiptPollInterval <= 0 {
		cfg.ReceiptPollInterval = 2 * time.Second
	}
	return &Client{
		cfg:        cfg,
		caller:     caller,
		log:        slog.Default().With("chain", cfg.Key),
		blockTimes: make(map[uint64]time.Time),
	}
}

// ConfirmedBlock returns the head minus the finality depth.
func (c *Client) ConfirmedBlock(ctx context.Context) (uint64, error) {
	const op = "evm.ConfirmedBlock"
	var head hexutil.Uint64
	if err := c.call(ctx, op, &head, "eth_blockNumber"); err != nil {
		return 0, err
	}
	if uint64(head) < c.cfg.FinalityBlocks {
		return 0, nil
	}
	return uint64(head) - c.cfg.FinalityBlocks, nil
}

type rpcLog struct {
	Address     common.Address `json:"address"`
	Topics      []common.Hash  `json:"topics"`
	Data        hexutil.Bytes  `json:"data"`
	BlockNumber hexutil.Uint64 `json:"blockNumber"`
	TxHash      common.Hash    `json:"transactionHash"`
	LogIndex    hexutil.Uint   `json:"logIndex"`
	Removed     bool           `json:"removed"`
}

// TransferEvents queries Transfer logs with the wallet as sender and as
// recipient. A self-transfer appears once.
func (c *Client) TransferEvents(ctx context.Context, wallet string, fromBlock, toBlock uint64) ([]chain.TransferEvent, error) {
	const op = "evm.TransferEvents"
	addr, err := c.address(op, "wallet", wallet)
	if err != nil {
		return nil, err
	}
	if fromBlock > toBlock {
		return nil, nil
	}
	walletTopic := common.BytesToHash(addr.Bytes())

	queries := [][]any{
		{TransferTopic, walletTopic},
		{TransferTopic, nil, walletTopic},
	}
	type logKey struct {
		tx    common.Hash
		index uint
	}
	seen := make(map[logKey]struct{})
	var events []chain.TransferEvent

	for _, topics := range queries {
		var logs []rpcLog
		filter := map[string]any{
			"address":   c.cfg.USDCAddress,
			"fromBlock": hexutil.EncodeUint64(fromBlock),
			"toBlock":   hexutil.EncodeUint64(toBlock),
			"topics":    topics,
		}
		if err := c.call(ctx, op, &logs, "eth_getLogs", filter); err != nil {
			return nil, err
		}
		for _, l := range logs {
			if l.Removed || len(l.Topics) < 3 || l.Topics[0] != TransferTopic {
				continue
			}
			key := logKey{tx: l.TxHash, index: uint(l.LogIndex)}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}

			events = append(events, chain.TransferEvent{
				TxHash:      strings.ToLower(l.TxHash.Hex()),
				LogIndex:    uint(l.LogIndex),
				From:        common.BytesToAddress(l.Topics[1].Bytes()).Hex(),
				To:          common.BytesToAddress(l.Topics[2].Bytes()).Hex(),
				Amount:      domain.FromBaseUnits(new(big.Int).SetBytes(l.Data)),
				BlockNumber: uint64(l.BlockNumber),
			})
		}
	}

	sort.Slice(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber < events[j].BlockNumber
		}
		return events[i].LogIndex < events[j].LogIndex
	})

	for i := range events {
		t, err := c.blockTime(ctx, events[i].BlockNumber)
		if err != nil {
			return nil, err
		}
		events[i].BlockTime = t
	}
	return events, nil
}

func (c *Client) blockTime(ctx context.Context, number uint64) (time.Time, error) {
	c.mu.Lock()
	t, ok := c.blockTimes[number]
	c.mu.Unlock()
	if ok {
		return t, nil
	}

	var header *struct {
		Timestamp hexutil.Uint64 `json:"timestamp"`
	}
	if err := c.call(ctx, "evm.blockTime", &header, "eth_getBlockByNumber", hexutil.EncodeUint64(number), false); err != nil {
		return time.Time{}, err
	}
	if header == nil {
		return time.Time{}, domain.TransientError("evm.blockTime", fmt.Errorf("block %d not found", number))
	}
	t = time.Unix(int64(header.Timestamp), 0).UTC()

	c.mu.Lock()
	c.blockTimes[number] = t
	c.mu.Unlock()
	return t, nil
}

// Balance returns the USDC balance of wallet.
func (c *Client) Balance(ctx context.Context, wallet string) (decimal.Decimal, error) {
	const op = "evm.Balance"
	addr, err := c.address(op, "wallet", wallet)
	if err != nil {
		return decimal.Zero, err
	}
	raw, err := c.viewUint(ctx, op, c.cfg.USDCAddress, erc20ABI, "balanceOf", addr)
	if err != nil {
		return decimal.Zero, err
	}
	return domain.FromBaseUnits(raw), nil
}

// Allowance returns the ERC-20 allowance of spender over owner's USDC.
func (c *Client) Allowance(ctx context.Context, owner, spender string) (decimal.Decimal, error) {
	const op = "evm.Allowance"
	o, err := c.address(op, "owner", owner)
	if err != nil {
		return decimal.Zero, err
	}
	s, err := c.address(op, "spender", spender)
	if err != nil {
		return decimal.Zero, err
	}
	raw, err := c.viewUint(ctx, op, c.cfg.USDCAddress, erc20ABI, "allowance", o, s)
	if err != nil {
		return decimal.Zero, err
	}
	return domain.FromBaseUnits(raw), nil
}

// Approve submits approve(spender, amount) on the USDC contract.
func (c *Client) Approve(ctx context.Context, owner, spender string, amount decimal.Decimal) (string, error) {
	const op = "evm.Approve"
	o, err := c.address(op, "owner", owner)
	if err != nil {
		return "", err
	}
	s, err := c.address(op, "spender", spender)
	if err != nil {
		return "", err
	}
	return c.send(ctx, op, o, c.cfg.USDCAddress, erc20Call("approve", s, domain.ToBaseUnits(amount)))
}

// SubmitTransfer submits transfer(to, amount) on the USDC contract.
func (c *Client) SubmitTransfer(ctx context.Context, from, to string, amount decimal.Decimal) (string, error) {
	const op = "evm.SubmitTransfer"
	f, err := c.address(op, "from", from)
	if err != nil {
		return "", err
	}
	t, err := c.address(op, "to", to)
	if err != nil {
		return "", err
	}
	return c.send(ctx, op, f, c.cfg.USDCAddress, erc20Call("transfer", t, domain.ToBaseUnits(amount)))
}

// DepositForBurn submits a CCTP v2 burn on the token messenger. Any caller
// may relay the resulting message.
func (c *Client) DepositForBurn(ctx context.Context, from string, req chain.BurnRequest) (string, error) {
	const op = "evm.DepositForBurn"
	f, err := c.address(op, "from", from)
	if err != nil {
		return "", err
	}
	recipient, err := c.address(op, "recipient", req.Recipient)
	if err != nil {
		return "", err
	}
	data, err := tokenMessengerABI.Pack("depositForBurn",
		domain.ToBaseUnits(req.Amount),
		req.DestDomain,
		[32]byte(common.BytesToHash(recipient.Bytes())),
		common.HexToAddress(c.cfg.USDCAddress),
		[32]byte{},
		domain.ToBaseUnits(req.MaxFee),
		req.MinFinality,
	)
	if err != nil {
		return "", fmt.Errorf("%s: pack: %w", op, err)
	}
	return c.send(ctx, op, f, c.cfg.TokenMessenger, data)
}

// ReceiveMessage submits receiveMessage(message, attestation) on the
// message transmitter.
func (c *Client) ReceiveMessage(ctx context.Context, from string, message, attestation []byte) (string, error) {
	const op = "evm.ReceiveMessage"
	f, err := c.address(op, "from", from)
	if err != nil {
		return "", err
	}
	data, err := messageTransmitterABI.Pack("receiveMessage", message, attestation)
	if err != nil {
		return "", fmt.Errorf("%s: pack: %w", op, err)
	}
	return c.send(ctx, op, f, c.cfg.MessageTransmitter, data)
}

// NonceUsed reads usedNonces(nonce) on the message transmitter.
func (c *Client) NonceUsed(ctx context.Context, nonce [32]byte) (bool, error) {
	const op = "evm.NonceUsed"
	raw, err := c.viewUint(ctx, op, c.cfg.MessageTransmitter, messageTransmitterABI, "usedNonces", nonce)
	if err != nil {
		return false, err
	}
	return raw.Sign() != 0, nil
}

type rpcReceipt struct {
	TxHash      common.Hash    `json:"transactionHash"`
	BlockNumber hexutil.Uint64 `json:"blockNumber"`
	Status      hexutil.Uint64 `json:"status"`
}

// Receipt returns the receipt of a mined transaction, nil while pending.
func (c *Client) Receipt(ctx context.Context, txHash string) (*chain.Receipt, error) {
	const op = "evm.Receipt"
	hash, err := domain.NormalizeTxHash(op, "tx_hash", txHash)
	if err != nil {
		return nil, err
	}
	var r *rpcReceipt
	if err := c.call(ctx, op, &r, "eth_getTransactionReceipt", hash); err != nil {
		return nil, err
	}
	if r == nil {
		return nil, nil
	}
	status := chain.ReceiptReverted
	if r.Status == 1 {
		status = chain.ReceiptSuccess
	}
	return &chain.Receipt{
		TxHash:      strings.ToLower(r.TxHash.Hex()),
		BlockNumber: uint64(r.BlockNumber),
		Status:      status,
	}, nil
}

// WaitReceipt polls for a receipt until ReceiptTimeout. Transient errors
// while polling are logged and retried.
func (c *Client) WaitReceipt(ctx context.Context, txHash string) (*chain.Receipt, error) {
	const op = "evm.WaitReceipt"
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		r, err := c.Receipt(ctx, txHash)
		switch {
		case err == nil && r != nil:
			return r, nil
		case err != nil && !domain.IsRetryable(err):
			return nil, err
		case err != nil:
			c.log.Debug("Receipt poll failed", "tx_hash", txHash, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, domain.TransientError(op, fmt.Errorf("%s: %w", txHash, chain.ErrReceiptTimeout))
		case <-ticker.C:
		}
	}
}

func erc20Call(method string, args ...any) []byte {
	data, err := erc20ABI.Pack(method, args...)
	if err != nil {
		// Arguments are built from typed values above.
		panic(fmt.Sprintf("evm: pack %s: %v", method, err))
	}
	return data
}

// viewUint runs a view method returning a single uint256.
func (c *Client) viewUint(ctx context.Context, op, to string, contract abi.ABI, method string, args ...any) (*big.Int, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: pack %s: %w", op, method, err)
	}
	var out hexutil.Bytes
	msg := map[string]any{"to": to, "data": hexutil.Encode(data)}
	if err := c.call(ctx, op, &out, "eth_call", msg, "latest"); err != nil {
		return nil, err
	}
	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("%s: decode %s: %w", op, method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s: decode %s: empty result", op, method)
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: decode %s: unexpected %T", op, method, values[0])
	}
	return v, nil
}

// send submits a transaction exactly once. A node-managed signer assigns a
// fresh nonce to every request, so a resend would move funds twice.
func (c *Client) send(ctx context.Context, op string, from common.Address, to string, data []byte) (string, error) {
	var hash common.Hash
	tx := map[string]any{
		"from": from.Hex(),
		"to":   to,
		"data": hexutil.Encode(data),
	}
	err := c.caller.CallOnceFor(ctx, &hash, "eth_sendTransaction", tx)
	if err == nil {
		return strings.ToLower(hash.Hex()), nil
	}
	if errors.Is(err, rpc.ErrOutcomeUnknown) {
		c.log.Warn("Transaction submission outcome unknown", "op", op, "from", from.Hex(), "error", err)
		return "", domain.TransientError(op, fmt.Errorf("%w: %w", chain.ErrSubmitUnknown, err))
	}
	if routing.ClassifyError(err) == routing.ActionFatal {
		// Reverted during gas estimation or rejected outright: nothing was sent.
		return "", &domain.Error{Kind: domain.KindFatalChain, Op: op, Msg: "transaction rejected", Err: err}
	}
	return "", domain.TransientError(op, err)
}

// call maps RPC failures onto error kinds. Malformed requests stay plain
// errors; everything else is safe to retry.
func (c *Client) call(ctx context.Context, op string, out any, method string, params ...any) error {
	err := c.caller.CallFor(ctx, out, method, params...)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return domain.TransientError(op, ctx.Err())
	}
	if routing.ClassifyError(err) == routing.ActionFatal {
		return fmt.Errorf("%s: %w", op, err)
	}
	return domain.TransientError(op, err)
}

func (c *Client) address(op, field, s string) (common.Address, error) {
	norm, err := domain.NormalizeAddress(op, field, s)
	if err != nil {
		return common.Address{}, err
	}
	return common.HexToAddress(norm), nil
}
