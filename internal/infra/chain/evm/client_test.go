package evm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/treasury/internal/core/config"
	"github.com/vietddude/treasury/internal/core/domain"
	"github.com/vietddude/treasury/internal/infra/chain"
	"github.com/vietddude/treasury/internal/infra/rpc"
	"github.com/vietddude/treasury/internal/infra/rpc/provider"
)

const (
	wallet  = "0x1111111111111111111111111111111111111111"
	other   = "0x2222222222222222222222222222222222222222"
	usdc    = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	burnTx  = "0x00000000000000000000000000000000000000000000000000000000000000aa"
	mintTx  = "0x00000000000000000000000000000000000000000000000000000000000000bb"
	selfTx  = "0x00000000000000000000000000000000000000000000000000000000000000cc"
	unknown = "0x00000000000000000000000000000000000000000000000000000000000000dd"
)

// fakeCaller answers JSON-RPC methods from handlers and records calls.
type fakeCaller struct {
	mu       sync.Mutex
	handlers map[string]func(params []any) (any, error)
	calls    []string
	params   [][]any
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{handlers: make(map[string]func(params []any) (any, error))}
}

func (f *fakeCaller) on(method string, h func(params []any) (any, error)) {
	f.handlers[method] = h
}

func (f *fakeCaller) CallFor(ctx context.Context, out any, method string, params ...any) error {
	return f.handle(out, method, params)
}

func (f *fakeCaller) CallOnceFor(ctx context.Context, out any, method string, params ...any) error {
	return f.handle(out, method, params)
}

func (f *fakeCaller) handle(out any, method string, params []any) error {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	f.params = append(f.params, params)
	h, ok := f.handlers[method]
	f.mu.Unlock()
	if !ok {
		return errors.New("unexpected method " + method)
	}
	res, err := h(params)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (f *fakeCaller) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.calls {
		if m == method {
			n++
		}
	}
	return n
}

func testChain() config.ChainConfig {
	return config.ChainConfig{
		Key:                 "base_sepolia",
		FinalityBlocks:      2,
		USDCAddress:         usdc,
		TokenMessenger:      "0x8FE6B999Dc680CcFDD5Bf7EB0974218be2542DAA",
		MessageTransmitter:  "0xE737e5cEBEEBa77EFE34D4aa090756590b1CE275",
		ReceiptTimeout:      time.Second,
		ReceiptPollInterval: 5 * time.Millisecond,
	}
}

func uint256(v int64) string {
	return hexutil.Encode(common.LeftPadBytes(big.NewInt(v).Bytes(), 32))
}

func topic(addr string) string {
	return common.BytesToHash(common.HexToAddress(addr).Bytes()).Hex()
}

func TestConfirmedBlock(t *testing.T) {
	f := newFakeCaller()
	f.on("eth_blockNumber", func([]any) (any, error) { return "0x64", nil })

	c := NewClient(testChain(), f)
	got, err := c.ConfirmedBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(98), got)
}

func TestTransferEvents(t *testing.T) {
	f := newFakeCaller()
	outgoing := map[string]any{
		"address":         usdc,
		"topics":          []string{TransferTopic.Hex(), topic(wallet), topic(other)},
		"data":            uint256(1_500_000),
		"blockNumber":     "0x20",
		"transactionHash": burnTx,
		"logIndex":        "0x1",
	}
	self := map[string]any{
		"address":         usdc,
		"topics":          []string{TransferTopic.Hex(), topic(wallet), topic(wallet)},
		"data":            uint256(1),
		"blockNumber":     "0x10",
		"transactionHash": selfTx,
		"logIndex":        "0x0",
	}
	incoming := map[string]any{
		"address":         usdc,
		"topics":          []string{TransferTopic.Hex(), topic(other), topic(wallet)},
		"data":            uint256(2_000_000),
		"blockNumber":     "0x20",
		"transactionHash": mintTx,
		"logIndex":        "0x0",
	}
	f.on("eth_getLogs", func(params []any) (any, error) {
		filter := params[0].(map[string]any)
		topics := filter["topics"].([]any)
		assert.Equal(t, "0x10", filter["fromBlock"])
		assert.Equal(t, "0x20", filter["toBlock"])
		if topics[1] != nil {
			return []any{self, outgoing}, nil
		}
		return []any{self, incoming}, nil
	})
	f.on("eth_getBlockByNumber", func(params []any) (any, error) {
		return map[string]any{"timestamp": "0x65678900"}, nil
	})

	c := NewClient(testChain(), f)
	events, err := c.TransferEvents(context.Background(), wallet, 16, 32)
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, selfTx, events[0].TxHash)
	assert.Equal(t, mintTx, events[1].TxHash)
	assert.Equal(t, burnTx, events[2].TxHash)

	assert.Equal(t, common.HexToAddress(other).Hex(), events[1].From)
	assert.True(t, events[1].Amount.Equal(decimal.RequireFromString("2")))
	assert.True(t, events[2].Amount.Equal(decimal.RequireFromString("1.5")))
	assert.True(t, events[0].Amount.Equal(decimal.RequireFromString("0.000001")))
	assert.Equal(t, time.Unix(0x65678900, 0).UTC(), events[2].BlockTime)

	// One header fetch per distinct block.
	assert.Equal(t, 2, f.count("eth_getBlockByNumber"))
}

func TestTransferEventsRejectsBadWallet(t *testing.T) {
	c := NewClient(testChain(), newFakeCaller())
	_, err := c.TransferEvents(context.Background(), "not-an-address", 1, 2)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestBalanceAndAllowance(t *testing.T) {
	f := newFakeCaller()
	f.on("eth_call", func(params []any) (any, error) {
		msg := params[0].(map[string]any)
		data := msg["data"].(string)
		switch data[:10] {
		case "0x70a08231": // balanceOf
			return uint256(2_500_000), nil
		case "0xdd62ed3e": // allowance
			return uint256(10_000_000), nil
		}
		return nil, errors.New("unexpected selector " + data[:10])
	})

	c := NewClient(testChain(), f)
	bal, err := c.Balance(context.Background(), wallet)
	require.NoError(t, err)
	assert.Equal(t, "2.5", bal.String())

	allowance, err := c.Allowance(context.Background(), wallet, testChain().TokenMessenger)
	require.NoError(t, err)
	assert.Equal(t, "10", allowance.String())
}

func TestNonceUsed(t *testing.T) {
	f := newFakeCaller()
	used := int64(1)
	f.on("eth_call", func(params []any) (any, error) {
		msg := params[0].(map[string]any)
		assert.Equal(t, testChain().MessageTransmitter, msg["to"])
		return uint256(used), nil
	})

	c := NewClient(testChain(), f)
	ok, err := c.NonceUsed(context.Background(), [32]byte{1})
	require.NoError(t, err)
	assert.True(t, ok)

	used = 0
	ok, err = c.NonceUsed(context.Background(), [32]byte{1})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSendTransactionErrors(t *testing.T) {
	amount := decimal.RequireFromString("1")

	t.Run("success returns lower-case hash", func(t *testing.T) {
		f := newFakeCaller()
		f.on("eth_sendTransaction", func(params []any) (any, error) {
			tx := params[0].(map[string]any)
			assert.Equal(t, common.HexToAddress(wallet).Hex(), tx["from"])
			assert.Equal(t, usdc, tx["to"])
			assert.Equal(t, "0xa9059cbb", tx["data"].(string)[:10]) // transfer
			return burnTx, nil
		})
		hash, err := NewClient(testChain(), f).SubmitTransfer(context.Background(), wallet, other, amount)
		require.NoError(t, err)
		assert.Equal(t, burnTx, hash)
	})

	t.Run("revert during estimation is fatal", func(t *testing.T) {
		f := newFakeCaller()
		f.on("eth_sendTransaction", func([]any) (any, error) {
			return nil, &provider.RPCError{Code: 3, Message: "execution reverted"}
		})
		_, err := NewClient(testChain(), f).SubmitTransfer(context.Background(), wallet, other, amount)
		assert.ErrorIs(t, err, domain.ErrFatalChain)
	})

	t.Run("refused send is transient", func(t *testing.T) {
		f := newFakeCaller()
		f.on("eth_sendTransaction", func([]any) (any, error) {
			return nil, fmt.Errorf("all providers refused: %w", provider.ErrNotSent)
		})
		_, err := NewClient(testChain(), f).Approve(context.Background(), wallet, other, amount)
		assert.True(t, domain.IsRetryable(err))
		assert.NotErrorIs(t, err, chain.ErrSubmitUnknown)
	})

	t.Run("lost answer is reported as unknown and not resent", func(t *testing.T) {
		f := newFakeCaller()
		f.on("eth_sendTransaction", func([]any) (any, error) {
			return nil, fmt.Errorf("eth_sendTransaction via primary: %w: timeout", rpc.ErrOutcomeUnknown)
		})
		_, err := NewClient(testChain(), f).SubmitTransfer(context.Background(), wallet, other, amount)
		assert.True(t, domain.IsRetryable(err))
		assert.ErrorIs(t, err, chain.ErrSubmitUnknown)
		assert.Equal(t, 1, f.count("eth_sendTransaction"))
	})

	t.Run("burn packs the recipient as bytes32", func(t *testing.T) {
		f := newFakeCaller()
		f.on("eth_sendTransaction", func(params []any) (any, error) {
			tx := params[0].(map[string]any)
			assert.Equal(t, testChain().TokenMessenger, tx["to"])
			data := tx["data"].(string)
			assert.Contains(t, data, "1111111111111111111111111111111111111111")
			return burnTx, nil
		})
		_, err := NewClient(testChain(), f).DepositForBurn(context.Background(), wallet, chain.BurnRequest{
			Amount: amount, DestDomain: 6, Recipient: wallet, MaxFee: decimal.Zero, MinFinality: 2000,
		})
		require.NoError(t, err)
	})
}

func TestSubmitIsSentOnceOverSlowNode(t *testing.T) {
	var sends atomic.Int32
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Method == "eth_sendTransaction" && sends.Add(1) == 1 {
			select {
			case <-time.After(300 * time.Millisecond):
			case <-r.Context().Done():
				return
			}
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"` + burnTx + `"}`))
	}))
	defer node.Close()

	cc := testChain()
	cc.Providers = []config.ProviderConfig{
		{Name: "primary", URL: node.URL, Timeout: 100 * time.Millisecond},
		{Name: "secondary", URL: node.URL, Timeout: time.Second},
	}
	caller, err := rpc.NewClientFromConfig(cc)
	require.NoError(t, err)
	defer caller.Close()

	hash, err := NewClient(cc, caller).SubmitTransfer(context.Background(), wallet, other, decimal.RequireFromString("1"))
	assert.Empty(t, hash)
	assert.ErrorIs(t, err, chain.ErrSubmitUnknown)
	assert.Equal(t, int32(1), sends.Load())
}

func TestReceipt(t *testing.T) {
	f := newFakeCaller()
	f.on("eth_getTransactionReceipt", func(params []any) (any, error) {
		switch params[0] {
		case burnTx:
			return map[string]any{"transactionHash": burnTx, "blockNumber": "0x20", "status": "0x1"}, nil
		case mintTx:
			return map[string]any{"transactionHash": mintTx, "blockNumber": "0x21", "status": "0x0"}, nil
		}
		return nil, nil
	})
	c := NewClient(testChain(), f)

	r, err := c.Receipt(context.Background(), burnTx)
	require.NoError(t, err)
	assert.True(t, r.Succeeded())
	assert.Equal(t, uint64(32), r.BlockNumber)

	r, err = c.Receipt(context.Background(), mintTx)
	require.NoError(t, err)
	assert.False(t, r.Succeeded())

	r, err = c.Receipt(context.Background(), unknown)
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestWaitReceipt(t *testing.T) {
	f := newFakeCaller()
	polls := 0
	f.on("eth_getTransactionReceipt", func(params []any) (any, error) {
		polls++
		if polls < 3 {
			return nil, nil
		}
		return map[string]any{"transactionHash": burnTx, "blockNumber": "0x20", "status": "0x1"}, nil
	})
	c := NewClient(testChain(), f)

	r, err := c.WaitReceipt(context.Background(), burnTx)
	require.NoError(t, err)
	assert.True(t, r.Succeeded())
	assert.Equal(t, 3, polls)
}

func TestWaitReceiptTimeout(t *testing.T) {
	f := newFakeCaller()
	f.on("eth_getTransactionReceipt", func([]any) (any, error) { return nil, nil })
	cfg := testChain()
	cfg.ReceiptTimeout = 20 * time.Millisecond
	c := NewClient(cfg, f)

	_, err := c.WaitReceipt(context.Background(), burnTx)
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
	assert.ErrorIs(t, err, chain.ErrReceiptTimeout)
}
