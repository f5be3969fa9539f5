package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/vietddude/treasury/internal/core/domain"
	"github.com/vietddude/treasury/internal/infra/chain"
	"github.com/vietddude/treasury/internal/infra/storage"
)

// Pay settles a payable invoice from its wallet. amount defaults to the
// remaining balance.
//
// The attempt is stored before the transfer is sent and its hash right
// after, so an interrupted Pay never sends twice: calling Pay again while an
// attempt is open resumes it, waiting for the stored transfer or finding it
// on chain, and only then records it through ApplyPayment.
func (s *Service) Pay(ctx context.Context, number string, amount *decimal.Decimal) (*domain.Invoice, error) {
	const op = "ledger.Pay"

	inv, err := s.Get(ctx, number)
	if err != nil {
		return nil, err
	}
	if inv.Type != domain.InvoicePayable {
		return nil, domain.ValidationError(op, "type", inv.Type, "only payable invoices are paid from the treasury")
	}
	if err := inv.CheckPayable(op); err != nil {
		return nil, err
	}
	client, err := s.chains.Get(op, inv.Chain)
	if err != nil {
		return nil, err
	}

	open, err := s.store.GetPaymentAttempt(ctx, inv.Number)
	switch {
	case err == nil:
		if amount != nil && !amount.Equal(open.Amount) {
			return nil, domain.StateConflictError(op, "amount", amount.String(),
				"a transfer of "+open.Amount.String()+" USDC for this invoice is still unresolved")
		}
		s.log.Info("Resuming unresolved payment", "invoice", inv.Number, "tx_hash", open.TxHash)
		return s.resumePayment(ctx, op, client, open)
	case !errors.Is(err, storage.ErrNotFound):
		return nil, storeError(op, err)
	}

	value := inv.Remaining()
	if amount != nil {
		value = *amount
	}
	if !value.IsPositive() {
		return nil, domain.ValidationError(op, "amount", value.String(), "must be greater than 0")
	}
	if err := domain.CheckPrecision(op, "amount", value); err != nil {
		return nil, err
	}
	from, err := domain.NormalizeAddress(op, "wallet", inv.Wallet)
	if err != nil {
		return nil, err
	}
	to, err := domain.NormalizeAddress(op, "counterparty.address", inv.Counterparty.Address)
	if err != nil {
		return nil, err
	}

	balance, err := client.Balance(ctx, from)
	if err != nil {
		return nil, chainError(op, err)
	}
	if balance.LessThan(value) {
		return nil, domain.FatalChainError(op, "amount", value.String(),
			"insufficient USDC balance "+balance.String())
	}
	head, err := client.ConfirmedBlock(ctx)
	if err != nil {
		return nil, chainError(op, err)
	}

	attempt := &domain.PaymentAttempt{
		InvoiceNumber: inv.Number,
		Chain:         inv.Chain,
		From:          from,
		To:            to,
		Amount:        value,
		SearchFrom:    head,
		CreatedAt:     s.now(),
	}
	if err := s.store.InsertPaymentAttempt(ctx, attempt); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, domain.StateConflictError(op, "invoice_number", inv.Number,
				"another payment for this invoice is in flight")
		}
		return nil, storeError(op, err)
	}

	hash, err := client.SubmitTransfer(ctx, from, to, value)
	if err != nil {
		if errors.Is(err, chain.ErrSubmitUnknown) {
			s.log.Warn("Transfer outcome unknown; pay again to resume", "invoice", inv.Number, "error", err)
			return nil, chainError(op, err)
		}
		s.dropAttempt(ctx, inv.Number)
		return nil, chainError(op, err)
	}
	hash = strings.ToLower(hash)
	log := s.log.With("invoice", inv.Number, "tx_hash", hash)
	log.Info("Transfer submitted", "amount", value.String(), "to", to)

	if err := s.store.SetPaymentAttemptTx(ctx, inv.Number, hash); err != nil {
		// The attempt stays open without a hash; resuming finds the transfer on chain.
		log.Error("Submitted transfer not saved", "error", err)
		return nil, storeError(op, err)
	}
	attempt.TxHash = hash
	return s.settlePayment(ctx, op, client, attempt)
}

// AbandonPayment drops an open attempt whose transfer never showed up on
// chain, so Pay may send again. An attempt with a known or found transfer
// is kept.
func (s *Service) AbandonPayment(ctx context.Context, number string) error {
	const op = "ledger.AbandonPayment"

	attempt, err := s.store.GetPaymentAttempt(ctx, number)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.NotFoundError(op, "invoice_number", number)
	}
	if err != nil {
		return storeError(op, err)
	}
	if attempt.TxHash != "" {
		return domain.StateConflictError(op, "tx_hash", attempt.TxHash, "the transfer was submitted; pay again to settle it")
	}
	client, err := s.chains.Get(op, attempt.Chain)
	if err != nil {
		return err
	}
	found, err := s.findTransfer(ctx, op, client, attempt)
	if err != nil {
		return err
	}
	if found != "" {
		if err := s.store.SetPaymentAttemptTx(ctx, number, found); err != nil {
			return storeError(op, err)
		}
		return domain.StateConflictError(op, "tx_hash", found, "the transfer is on chain; pay again to settle it")
	}
	if err := s.store.DeletePaymentAttempt(ctx, number); err != nil {
		return storeError(op, err)
	}
	s.log.Warn("Payment attempt abandoned", "invoice", number, "amount", attempt.Amount.String())
	return nil
}

func (s *Service) resumePayment(ctx context.Context, op string, client chain.Client, attempt *domain.PaymentAttempt) (*domain.Invoice, error) {
	if attempt.TxHash == "" {
		found, err := s.findTransfer(ctx, op, client, attempt)
		if err != nil {
			return nil, err
		}
		if found == "" {
			return nil, domain.TransientError(op, fmt.Errorf(
				"transfer for %s sent after block %d is not on chain yet; pay again later or abandon it: %w",
				attempt.InvoiceNumber, attempt.SearchFrom, chain.ErrSubmitUnknown))
		}
		if err := s.store.SetPaymentAttemptTx(ctx, attempt.InvoiceNumber, found); err != nil {
			return nil, storeError(op, err)
		}
		attempt.TxHash = found
	}
	return s.settlePayment(ctx, op, client, attempt)
}

// settlePayment waits for the attempt's transfer and records it.
func (s *Service) settlePayment(ctx context.Context, op string, client chain.Client, attempt *domain.PaymentAttempt) (*domain.Invoice, error) {
	log := s.log.With("invoice", attempt.InvoiceNumber, "tx_hash", attempt.TxHash)

	receipt, err := client.Receipt(ctx, attempt.TxHash)
	if err == nil && receipt == nil {
		receipt, err = client.WaitReceipt(ctx, attempt.TxHash)
	}
	if err != nil {
		log.Warn("Transfer not confirmed yet; pay again to resume", "error", err)
		return nil, chainError(op, err)
	}
	if !receipt.Succeeded() {
		s.dropAttempt(ctx, attempt.InvoiceNumber)
		return nil, &domain.Error{Kind: domain.KindFatalChain, Op: op, Field: "tx_hash", Value: attempt.TxHash, Msg: "transfer reverted"}
	}

	updated, err := s.ApplyPayment(ctx, attempt.InvoiceNumber, Payment{
		TxHash:      attempt.TxHash,
		Amount:      attempt.Amount,
		BlockNumber: receipt.BlockNumber,
		From:        attempt.From,
		To:          attempt.To,
	})
	if err != nil {
		log.Error("Confirmed transfer not recorded; pay again to retry", "error", err)
		return nil, err
	}
	return updated, nil
}

// findTransfer looks for the attempt's transfer from its search block on.
// Transactions that already settle an invoice are someone else's.
func (s *Service) findTransfer(ctx context.Context, op string, client chain.Client, attempt *domain.PaymentAttempt) (string, error) {
	head, err := client.ConfirmedBlock(ctx)
	if err != nil {
		return "", chainError(op, err)
	}
	if head < attempt.SearchFrom {
		return "", nil
	}
	events, err := client.TransferEvents(ctx, attempt.From, attempt.SearchFrom, head)
	if err != nil {
		return "", chainError(op, err)
	}
	for _, ev := range events {
		if !domain.SameAddress(ev.From, attempt.From) || !domain.SameAddress(ev.To, attempt.To) ||
			!ev.Amount.Equal(attempt.Amount) {
			continue
		}
		hash := strings.ToLower(ev.TxHash)
		tx, err := s.store.GetTransaction(ctx, hash)
		switch {
		case err == nil && tx.Linked():
			continue
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			return "", storeError(op, err)
		}
		return hash, nil
	}
	return "", nil
}

// dropAttempt removes an attempt that is known to have moved nothing.
func (s *Service) dropAttempt(ctx context.Context, number string) {
	if err := s.store.DeletePaymentAttempt(context.WithoutCancel(ctx), number); err != nil {
		s.log.Error("Failed to clear payment attempt", "invoice", number, "error", err)
	}
}

// chainError keeps typed chain errors and marks the rest transient.
func chainError(op string, err error) error {
	if domain.KindOf(err) != "" {
		return err
	}
	return domain.TransientError(op, err)
}
