// Package ledger owns the invoice lifecycle: numbering, payments,
// cancellation and the audit trail.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vietddude/treasury/internal/core/config"
	"github.com/vietddude/treasury/internal/core/domain"
	"github.com/vietddude/treasury/internal/infra/chain"
	"github.com/vietddude/treasury/internal/infra/storage"
	"github.com/vietddude/treasury/internal/metrics"
)

// CounterInvoiceNumber is the counter key used for invoice numbering.
const CounterInvoiceNumber = "invoice_number"

// DefaultDueIn is used when a request leaves DueIn unset.
const DefaultDueIn = 30 * 24 * time.Hour

// Service implements the invoice ledger on top of a Store.
type Service struct {
	store  storage.Store
	cfg    *config.AppConfig
	chains chain.Clients
	log    *slog.Logger
	now    func() time.Time
}

// New creates a ledger. chains may be nil when Pay is never used.
func New(store storage.Store, cfg *config.AppConfig, chains chain.Clients) *Service {
	return &Service{
		store:  store,
		cfg:    cfg,
		chains: chains,
		log:    slog.Default().With("component", "ledger"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetLogger replaces the default logger.
func (s *Service) SetLogger(l *slog.Logger) {
	s.log = l.With("component", "ledger")
}

// CreateRequest describes a new invoice.
type CreateRequest struct {
	Type         domain.InvoiceType
	Counterparty domain.Counterparty
	LineItems    []domain.LineItem
	Chain        string
	DueIn        time.Duration
	Category     domain.Category
	Memo         string
	// Wallet overrides the default wallet.
	Wallet string
}

// Create validates the request, allocates the next invoice number and
// stores the invoice as pending. Nothing is written when validation fails.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*domain.Invoice, error) {
	const op = "ledger.Create"

	inv, err := s.buildInvoice(ctx, op, req)
	if err != nil {
		return nil, err
	}

	err = s.store.WithTx(ctx, func(repo storage.Repository) error {
		seed, err := repo.MaxInvoiceSeq(ctx)
		if err != nil {
			return err
		}
		seq, err := repo.NextCounter(ctx, CounterInvoiceNumber, seed)
		if err != nil {
			return err
		}
		inv.Seq = seq
		inv.Number = domain.FormatInvoiceNumber(seq)
		if err := repo.InsertInvoice(ctx, inv); err != nil {
			return err
		}
		return repo.AppendInvoiceEvent(ctx, inv.Snapshot(domain.InvoiceEventCreated, "", nil))
	})
	if err != nil {
		return nil, storeError(op, err)
	}

	metrics.InvoicesCreated.WithLabelValues(inv.Chain, string(inv.Type)).Inc()
	s.log.Info("Invoice created",
		"invoice", inv.Number, "type", inv.Type, "chain", inv.Chain, "total", inv.Total.String())
	return inv, nil
}

func (s *Service) buildInvoice(ctx context.Context, op string, req CreateRequest) (*domain.Invoice, error) {
	if !req.Type.Valid() {
		return nil, domain.ValidationError(op, "type", req.Type, "must be payable or receivable")
	}
	name := strings.TrimSpace(req.Counterparty.Name)
	if name == "" {
		return nil, domain.ValidationError(op, "counterparty.name", req.Counterparty.Name, "must not be empty")
	}
	addr, err := domain.NormalizeAddress(op, "counterparty.address", req.Counterparty.Address)
	if err != nil {
		return nil, err
	}
	if _, ok := s.cfg.Chain(req.Chain); !ok {
		return nil, domain.ValidationError(op, "chain", req.Chain, "chain is not configured")
	}
	if len(req.LineItems) == 0 {
		return nil, domain.ValidationError(op, "line_items", 0, "at least one line item is required")
	}

	items := make([]domain.LineItem, len(req.LineItems))
	for i, li := range req.LineItems {
		field := fmt.Sprintf("line_items[%d]", i)
		if !li.Quantity.IsPositive() {
			return nil, domain.ValidationError(op, field+".quantity", li.Quantity.String(), "must be greater than 0")
		}
		if li.UnitPrice.IsNegative() {
			return nil, domain.ValidationError(op, field+".unit_price", li.UnitPrice.String(), "must not be negative")
		}
		if err := domain.CheckPrecision(op, field+".amount", li.Amount()); err != nil {
			return nil, err
		}
		items[i] = domain.LineItem{
			Description: strings.TrimSpace(li.Description),
			Quantity:    li.Quantity,
			UnitPrice:   li.UnitPrice,
		}
	}
	total := domain.SumLineItems(items)
	if !total.IsPositive() {
		return nil, domain.ValidationError(op, "total", total.String(), "must be greater than 0")
	}

	category := req.Category
	if category == "" {
		category = domain.CategoryServices
		if req.Type == domain.InvoiceReceivable {
			category = domain.CategoryServiceRevenue
		}
	}
	if !category.Valid() {
		return nil, domain.ValidationError(op, "category", category, "unknown category")
	}

	dueIn := req.DueIn
	if dueIn < 0 {
		return nil, domain.ValidationError(op, "due_in", dueIn.String(), "must not be negative")
	}
	if dueIn == 0 {
		dueIn = DefaultDueIn
	}

	wallet, err := s.resolveWallet(ctx, op, req.Wallet)
	if err != nil {
		return nil, err
	}

	now := s.now()
	return &domain.Invoice{
		ID:           uuid.NewString(),
		Type:         req.Type,
		Status:       domain.InvoiceStatusPending,
		Counterparty: domain.Counterparty{Name: name, Address: addr},
		Wallet:       wallet,
		Chain:        req.Chain,
		LineItems:    items,
		Total:        total,
		Paid:         decimal.Zero,
		Category:     category,
		Memo:         req.Memo,
		DueAt:        now.Add(dueIn),
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// resolveWallet picks the explicit wallet, then the registered default, then
// the configured treasury wallet.
func (s *Service) resolveWallet(ctx context.Context, op, explicit string) (string, error) {
	if explicit != "" {
		return domain.NormalizeAddress(op, "wallet", explicit)
	}
	w, err := s.store.DefaultWallet(ctx)
	if err == nil {
		return w.Address, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", domain.TransientError(op, err)
	}
	if s.cfg.Treasury.Wallet != "" {
		return domain.NormalizeAddress(op, "treasury.wallet", s.cfg.Treasury.Wallet)
	}
	return "", domain.ValidationError(op, "wallet", "", "no default wallet registered")
}

// Payment is an on-chain transfer settling (part of) an invoice.
type Payment struct {
	TxHash      string
	Amount      decimal.Decimal
	BlockNumber uint64
	BlockTime   time.Time
	From        string
	To          string
	Memo        string
}

// ApplyPayment records a confirmed transfer against an invoice. The status
// change, the transaction row and the audit snapshot commit together.
func (s *Service) ApplyPayment(ctx context.Context, number string, p Payment) (*domain.Invoice, error) {
	const op = "ledger.ApplyPayment"

	hash, err := domain.NormalizeTxHash(op, "tx_hash", p.TxHash)
	if err != nil {
		return nil, err
	}
	if !p.Amount.IsPositive() {
		return nil, domain.ValidationError(op, "amount", p.Amount.String(), "must be greater than 0")
	}
	if err := domain.CheckPrecision(op, "amount", p.Amount); err != nil {
		return nil, err
	}

	var out *domain.Invoice
	err = s.store.WithTx(ctx, func(repo storage.Repository) error {
		inv, err := repo.GetInvoice(ctx, number)
		if errors.Is(err, storage.ErrNotFound) {
			return domain.NotFoundError(op, "invoice_number", number)
		}
		if err != nil {
			return err
		}
		if err := inv.CheckPayable(op); err != nil {
			return err
		}

		if err := s.recordPayment(ctx, op, repo, inv, hash, p); err != nil {
			return err
		}

		amount := p.Amount
		if err := inv.ApplyPayment(op, amount, s.now()); err != nil {
			return err
		}
		if err := repo.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		if err := repo.AppendInvoiceEvent(ctx, inv.Snapshot(domain.InvoiceEventPayment, hash, &amount)); err != nil {
			return err
		}
		if err := settleAttempt(ctx, repo, inv.Number, hash); err != nil {
			return err
		}
		out = inv
		return nil
	})
	if err != nil {
		return nil, storeError(op, err)
	}

	metrics.InvoicePayments.WithLabelValues(out.Chain, string(out.Status)).Inc()
	s.log.Info("Payment applied",
		"invoice", out.Number, "tx_hash", hash, "amount", p.Amount.String(),
		"status", out.Status, "remaining", out.Remaining().String())
	return out, nil
}

// settleAttempt closes the invoice's open payment attempt once its transfer
// is recorded, however it got recorded.
func settleAttempt(ctx context.Context, repo storage.Repository, number, hash string) error {
	attempt, err := repo.GetPaymentAttempt(ctx, number)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if attempt.TxHash != hash {
		return nil
	}
	return repo.DeletePaymentAttempt(ctx, number)
}

// recordPayment inserts the transaction, or links an unlinked one that a
// scan already recorded.
func (s *Service) recordPayment(ctx context.Context, op string, repo storage.Repository, inv *domain.Invoice, hash string, p Payment) error {
	existing, err := repo.GetTransaction(ctx, hash)
	switch {
	case err == nil:
		if existing.Linked() {
			return domain.StateConflictError(op, "tx_hash", hash,
				"transaction already settles invoice "+existing.InvoiceNumber)
		}
		if existing.Chain != inv.Chain {
			return domain.ValidationError(op, "tx_hash", hash, "transaction was recorded on "+existing.Chain)
		}
		if !existing.Amount.Equal(p.Amount) {
			return domain.ValidationError(op, "amount", p.Amount.String(),
				"recorded transaction amount is "+existing.Amount.String())
		}
		if err := repo.LinkTransaction(ctx, hash, inv.Number); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				return domain.StateConflictError(op, "tx_hash", hash, "transaction already linked")
			}
			return err
		}
		return nil
	case errors.Is(err, storage.ErrNotFound):
	default:
		return err
	}

	from, to := p.From, p.To
	if inv.Direction() == domain.DirectionOutgoing {
		from, to = defaultAddr(from, inv.Wallet), defaultAddr(to, inv.Counterparty.Address)
	} else {
		from, to = defaultAddr(from, inv.Counterparty.Address), defaultAddr(to, inv.Wallet)
	}
	if from, err = domain.NormalizeAddress(op, "from", from); err != nil {
		return err
	}
	if to, err = domain.NormalizeAddress(op, "to", to); err != nil {
		return err
	}

	memo := p.Memo
	if memo == "" {
		memo = "Payment for " + inv.Number
	}
	blockTime := p.BlockTime
	if blockTime.IsZero() {
		blockTime = s.now()
	}
	_, err = repo.InsertTransaction(ctx, &domain.Transaction{
		TxHash:        hash,
		Chain:         inv.Chain,
		Direction:     inv.Direction(),
		Amount:        p.Amount,
		From:          from,
		To:            to,
		Counterparty:  inv.Counterparty.Address,
		Wallet:        inv.Wallet,
		BlockNumber:   p.BlockNumber,
		BlockTime:     blockTime,
		InvoiceNumber: inv.Number,
		Category:      inv.Category,
		Kind:          domain.TxKindInvoicePayment,
		Memo:          memo,
		RecordedAt:    s.now(),
	})
	return err
}

func defaultAddr(addr, fallback string) string {
	if addr == "" {
		return fallback
	}
	return addr
}

// Cancel moves a pending invoice to cancelled. Its number is never reused.
func (s *Service) Cancel(ctx context.Context, number string) (*domain.Invoice, error) {
	const op = "ledger.Cancel"

	var out *domain.Invoice
	err := s.store.WithTx(ctx, func(repo storage.Repository) error {
		inv, err := repo.GetInvoice(ctx, number)
		if errors.Is(err, storage.ErrNotFound) {
			return domain.NotFoundError(op, "invoice_number", number)
		}
		if err != nil {
			return err
		}
		if err := inv.Cancel(op, s.now()); err != nil {
			return err
		}
		if err := repo.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		if err := repo.AppendInvoiceEvent(ctx, inv.Snapshot(domain.InvoiceEventCancelled, "", nil)); err != nil {
			return err
		}
		out = inv
		return nil
	})
	if err != nil {
		return nil, storeError(op, err)
	}

	s.log.Info("Invoice cancelled", "invoice", out.Number)
	return out, nil
}

// Get returns an invoice by number.
func (s *Service) Get(ctx context.Context, number string) (*domain.Invoice, error) {
	const op = "ledger.Get"
	inv, err := s.store.GetInvoice(ctx, number)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.NotFoundError(op, "invoice_number", number)
	}
	if err != nil {
		return nil, domain.TransientError(op, err)
	}
	return inv, nil
}

// List returns invoices ordered by number.
func (s *Service) List(ctx context.Context, filter storage.InvoiceFilter) ([]*domain.Invoice, error) {
	const op = "ledger.List"
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, domain.ValidationError(op, "status", filter.Status, "unknown status")
	}
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, domain.ValidationError(op, "type", filter.Type, "unknown type")
	}
	invs, err := s.store.ListInvoices(ctx, filter)
	if err != nil {
		return nil, domain.TransientError(op, err)
	}
	return invs, nil
}

// storeError passes typed errors through and marks the rest transient.
func storeError(op string, err error) error {
	if domain.KindOf(err) != "" || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return domain.TransientError(op, err)
}
