package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/treasury/internal/core/domain"
	"github.com/vietddude/treasury/internal/infra/chain"
	"github.com/vietddude/treasury/internal/infra/chain/chaintest"
	"github.com/vietddude/treasury/internal/infra/storage"
)

func TestPay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.chain.SetBalance(ourWallet, dec("100"))

	inv := f.create(t, domain.InvoicePayable, items("30"))
	partial := dec("10")
	inv, err := f.svc.Pay(ctx, inv.Number, &partial)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusPartial, inv.Status)

	inv, err = f.svc.Pay(ctx, inv.Number, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusPaid, inv.Status)
	assert.Equal(t, 2, f.chain.Calls(chaintest.MethodTransfer))

	bal, err := f.chain.Balance(ctx, ourWallet)
	require.NoError(t, err)
	assert.Equal(t, "70", bal.String())

	txs, err := f.store.ListByInvoice(ctx, inv.Number)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, domain.DirectionOutgoing, txs[0].Direction)
	assert.Equal(t, uint64(100), txs[0].BlockNumber)

	_, err = f.svc.Pay(ctx, inv.Number, nil)
	assert.ErrorIs(t, err, domain.ErrStateConflict)
	assert.Equal(t, 2, f.chain.Calls(chaintest.MethodTransfer))
}

func TestPayRejectsReceivable(t *testing.T) {
	f := newFixture(t)
	inv := f.create(t, domain.InvoiceReceivable, items("1"))
	_, err := f.svc.Pay(context.Background(), inv.Number, nil)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestPayInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	f.chain.SetBalance(ourWallet, dec("1"))

	inv := f.create(t, domain.InvoicePayable, items("5"))
	_, err := f.svc.Pay(context.Background(), inv.Number, nil)
	assert.ErrorIs(t, err, domain.ErrFatalChain)
	assert.Zero(t, f.chain.Calls(chaintest.MethodTransfer))
}

func TestPayRevertedRecordsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.chain.SetBalance(ourWallet, dec("10"))
	f.chain.Revert(chaintest.MethodTransfer)

	inv := f.create(t, domain.InvoicePayable, items("5"))
	_, err := f.svc.Pay(ctx, inv.Number, nil)
	assert.ErrorIs(t, err, domain.ErrFatalChain)

	stored, err := f.svc.Get(ctx, inv.Number)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusPending, stored.Status)
	txs, err := f.store.ListByInvoice(ctx, inv.Number)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestPayBalanceErrorIsTransient(t *testing.T) {
	f := newFixture(t)
	f.chain.FailWith("balance", errors.New("connection reset"))

	inv := f.create(t, domain.InvoicePayable, items("5"))
	_, err := f.svc.Pay(context.Background(), inv.Number, nil)
	assert.True(t, domain.IsRetryable(err))
}

func TestPayAfterReceiptTimeoutDoesNotSendAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.chain.SetBalance(ourWallet, dec("100"))
	inv := f.create(t, domain.InvoicePayable, items("30"))

	f.chain.FailWith("receipt", domain.TransientError("rpc", fmt.Errorf("wait: %w", chain.ErrReceiptTimeout)))
	_, err := f.svc.Pay(ctx, inv.Number, nil)
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))

	attempt, err := f.store.GetPaymentAttempt(ctx, inv.Number)
	require.NoError(t, err)
	assert.NotEmpty(t, attempt.TxHash)
	assert.True(t, attempt.Amount.Equal(dec("30")))

	_, err = f.svc.Pay(ctx, inv.Number, nil)
	require.Error(t, err)
	assert.Equal(t, 1, f.chain.Calls(chaintest.MethodTransfer))

	f.chain.FailWith("receipt", nil)
	paid, err := f.svc.Pay(ctx, inv.Number, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusPaid, paid.Status)
	assert.Equal(t, 1, f.chain.Calls(chaintest.MethodTransfer))

	txs, err := f.store.ListByInvoice(ctx, inv.Number)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, attempt.TxHash, txs[0].TxHash)

	_, err = f.store.GetPaymentAttempt(ctx, inv.Number)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPayFindsTransferWhoseAnswerWasLost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.chain.SetBalance(ourWallet, dec("100"))
	inv := f.create(t, domain.InvoicePayable, items("12"))

	f.chain.Lose(chaintest.MethodTransfer)
	_, err := f.svc.Pay(ctx, inv.Number, nil)
	require.ErrorIs(t, err, chain.ErrSubmitUnknown)
	assert.True(t, domain.IsRetryable(err))

	paid, err := f.svc.Pay(ctx, inv.Number, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusPaid, paid.Status)
	assert.Equal(t, 1, f.chain.Calls(chaintest.MethodTransfer))

	bal, err := f.chain.Balance(ctx, ourWallet)
	require.NoError(t, err)
	assert.Equal(t, "88", bal.String())
}

func TestPayRefusesNewAmountWhileUnresolved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.chain.SetBalance(ourWallet, dec("100"))
	inv := f.create(t, domain.InvoicePayable, items("30"))

	f.chain.FailWith("receipt", domain.TransientError("rpc", assert.AnError))
	partial := dec("10")
	_, err := f.svc.Pay(ctx, inv.Number, &partial)
	require.Error(t, err)

	other := dec("20")
	_, err = f.svc.Pay(ctx, inv.Number, &other)
	assert.ErrorIs(t, err, domain.ErrStateConflict)
	assert.Equal(t, 1, f.chain.Calls(chaintest.MethodTransfer))

	err = f.svc.AbandonPayment(ctx, inv.Number)
	assert.ErrorIs(t, err, domain.ErrStateConflict, "a submitted transfer cannot be abandoned")
}

func TestAbandonUnfoundPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.chain.SetBalance(ourWallet, dec("100"))
	inv := f.create(t, domain.InvoicePayable, items("5"))

	f.chain.FailWith(chaintest.MethodTransfer, domain.TransientError("rpc",
		fmt.Errorf("eth_sendTransaction: %w", chain.ErrSubmitUnknown)))
	_, err := f.svc.Pay(ctx, inv.Number, nil)
	require.ErrorIs(t, err, chain.ErrSubmitUnknown)
	f.chain.FailWith(chaintest.MethodTransfer, nil)

	_, err = f.svc.Pay(ctx, inv.Number, nil)
	require.ErrorIs(t, err, chain.ErrSubmitUnknown)
	assert.Zero(t, f.chain.Calls(chaintest.MethodTransfer), "an unresolved transfer is never repeated")

	require.NoError(t, f.svc.AbandonPayment(ctx, inv.Number))
	assert.ErrorIs(t, f.svc.AbandonPayment(ctx, inv.Number), domain.ErrNotFound)

	paid, err := f.svc.Pay(ctx, inv.Number, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusPaid, paid.Status)
	assert.Equal(t, 1, f.chain.Calls(chaintest.MethodTransfer))
}

func TestPayRefusedTransferCanBeRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.chain.SetBalance(ourWallet, dec("100"))
	inv := f.create(t, domain.InvoicePayable, items("5"))

	f.chain.FailWith(chaintest.MethodTransfer, domain.TransientError("rpc", errors.New("connection refused")))
	_, err := f.svc.Pay(ctx, inv.Number, nil)
	require.True(t, domain.IsRetryable(err))
	_, err = f.store.GetPaymentAttempt(ctx, inv.Number)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	f.chain.FailWith(chaintest.MethodTransfer, nil)
	paid, err := f.svc.Pay(ctx, inv.Number, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusPaid, paid.Status)
}
