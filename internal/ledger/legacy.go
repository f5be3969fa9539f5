package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vietddude/treasury/internal/core/domain"
	"github.com/vietddude/treasury/internal/infra/storage"
)

// legacyInvoice is one entry of the old invoices.json file.
type legacyInvoice struct {
	ID            string              `json:"id"`
	InvoiceNumber string              `json:"invoice_number"`
	InvoiceType   string              `json:"invoice_type"`
	Status        string              `json:"status"`
	Counterparty  domain.Counterparty `json:"counterparty"`
	FromWallet    string              `json:"from_wallet"`
	Chain         string              `json:"chain"`
	LineItems     []domain.LineItem   `json:"line_items"`
	TotalUSDC     decimal.Decimal     `json:"total_usdc"`
	PaidUSDC      decimal.Decimal     `json:"paid_usdc"`
	Category      string              `json:"category"`
	Memo          string              `json:"memo"`
	CreatedAt     string              `json:"created_at"`
	DueDate       string              `json:"due_date"`
	UpdatedAt     string              `json:"updated_at"`
}

// legacyTransaction is one entry of the old transactions.json file.
type legacyTransaction struct {
	TxHash        string          `json:"tx_hash"`
	Chain         string          `json:"chain"`
	Direction     string          `json:"direction"`
	From          string          `json:"from"`
	FromAddress   string          `json:"from_address"`
	To            string          `json:"to"`
	ToAddress     string          `json:"to_address"`
	AmountUSDC    decimal.Decimal `json:"amount_usdc"`
	Type          string          `json:"type"`
	Category      string          `json:"category"`
	Memo          string          `json:"memo"`
	Status        string          `json:"status"`
	BlockNumber   uint64          `json:"block_number"`
	Timestamp     string          `json:"timestamp"`
	InvoiceNumber string          `json:"invoice_number"`
	Wallet        string          `json:"wallet"`
}

// ImportResult counts what ImportLegacy wrote.
type ImportResult struct {
	Invoices            int
	Transactions        int
	SkippedInvoices     int
	SkippedTransactions int
	CounterSeededTo     int64
}

// ImportLegacy loads the flat-file JSON ledger. Rows already present are
// skipped, so a second import is a no-op. The invoice counter is raised to
// the highest imported number and never lowered. Either reader may be nil.
func (s *Service) ImportLegacy(ctx context.Context, invoices, transactions io.Reader) (*ImportResult, error) {
	const op = "ledger.ImportLegacy"

	var rawInv []legacyInvoice
	if err := decodeLegacy(invoices, &rawInv); err != nil {
		return nil, domain.ValidationError(op, "invoices", "", err.Error())
	}
	var rawTx []legacyTransaction
	if err := decodeLegacy(transactions, &rawTx); err != nil {
		return nil, domain.ValidationError(op, "transactions", "", err.Error())
	}

	invs := make([]*domain.Invoice, 0, len(rawInv))
	for i, li := range rawInv {
		inv, err := li.toDomain(op, i, s.now())
		if err != nil {
			return nil, err
		}
		invs = append(invs, inv)
	}
	txs := make([]*domain.Transaction, 0, len(rawTx))
	for i, lt := range rawTx {
		if strings.EqualFold(lt.Status, "failed") {
			continue
		}
		tx, err := lt.toDomain(op, i, s.now())
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}

	res := &ImportResult{}
	err := s.store.WithTx(ctx, func(repo storage.Repository) error {
		*res = ImportResult{}
		known := make(map[string]bool)
		var maxSeq int64
		for _, inv := range invs {
			if inv.Seq > maxSeq {
				maxSeq = inv.Seq
			}
			_, err := repo.GetInvoice(ctx, inv.Number)
			if err == nil {
				known[inv.Number] = true
				res.SkippedInvoices++
				continue
			}
			if !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			if err := repo.InsertInvoice(ctx, inv); err != nil {
				return err
			}
			if err := repo.AppendInvoiceEvent(ctx, inv.Snapshot(domain.InvoiceEventImported, "", nil)); err != nil {
				return err
			}
			known[inv.Number] = true
			res.Invoices++
		}

		for _, tx := range txs {
			if tx.InvoiceNumber != "" && !known[tx.InvoiceNumber] {
				if _, err := repo.GetInvoice(ctx, tx.InvoiceNumber); err != nil {
					if !errors.Is(err, storage.ErrNotFound) {
						return err
					}
					s.log.Warn("Legacy transaction references unknown invoice, importing unlinked",
						"tx_hash", tx.TxHash, "invoice", tx.InvoiceNumber)
					tx.InvoiceNumber = ""
				}
			}
			inserted, err := repo.InsertTransaction(ctx, tx)
			if err != nil {
				return err
			}
			if inserted {
				res.Transactions++
			} else {
				res.SkippedTransactions++
			}
		}

		if maxSeq > 0 {
			if err := repo.RaiseCounter(ctx, CounterInvoiceNumber, maxSeq); err != nil {
				return err
			}
		}
		current, err := repo.GetCounter(ctx, CounterInvoiceNumber)
		if err != nil {
			return err
		}
		res.CounterSeededTo = current
		return nil
	})
	if err != nil {
		return nil, storeError(op, err)
	}

	s.log.Info("Legacy ledger imported",
		"invoices", res.Invoices, "transactions", res.Transactions,
		"skipped_invoices", res.SkippedInvoices, "skipped_transactions", res.SkippedTransactions,
		"counter", res.CounterSeededTo)
	return res, nil
}

func decodeLegacy(r io.Reader, out any) error {
	if r == nil {
		return nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func (li legacyInvoice) toDomain(op string, i int, now time.Time) (*domain.Invoice, error) {
	field := func(name string) string { return fmt.Sprintf("invoices[%d].%s", i, name) }

	seq, err := domain.ParseInvoiceNumber(li.InvoiceNumber)
	if err != nil {
		return nil, domain.ValidationError(op, field("invoice_number"), li.InvoiceNumber, "expected INV-<n>")
	}
	typ := domain.InvoiceType(strings.ToLower(li.InvoiceType))
	if typ == "" {
		typ = domain.InvoicePayable
	}
	if !typ.Valid() {
		return nil, domain.ValidationError(op, field("invoice_type"), li.InvoiceType, "unknown type")
	}
	status := domain.InvoiceStatus(strings.ToLower(li.Status))
	if status == "" {
		status = domain.InvoiceStatusPending
	}
	if !status.Valid() {
		return nil, domain.ValidationError(op, field("status"), li.Status, "unknown status")
	}
	cp, err := domain.NormalizeAddress(op, field("counterparty.address"), li.Counterparty.Address)
	if err != nil {
		return nil, err
	}
	wallet := ""
	if li.FromWallet != "" {
		if wallet, err = domain.NormalizeAddress(op, field("from_wallet"), li.FromWallet); err != nil {
			return nil, err
		}
	}
	category, err := domain.ParseCategory(op, orDefault(li.Category, string(domain.CategoryUncategorized)))
	if err != nil {
		category = domain.CategoryUncategorized
	}
	total := li.TotalUSDC
	if total.IsZero() {
		total = domain.SumLineItems(li.LineItems)
	}

	created := parseLegacyTime(li.CreatedAt, now)
	id := li.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &domain.Invoice{
		ID:           id,
		Number:       domain.FormatInvoiceNumber(seq),
		Seq:          seq,
		Type:         typ,
		Status:       status,
		Counterparty: domain.Counterparty{Name: li.Counterparty.Name, Address: cp},
		Wallet:       wallet,
		Chain:        li.Chain,
		LineItems:    li.LineItems,
		Total:        total,
		Paid:         li.PaidUSDC,
		Category:     category,
		Memo:         li.Memo,
		DueAt:        parseLegacyTime(li.DueDate, created),
		CreatedAt:    created,
		UpdatedAt:    parseLegacyTime(li.UpdatedAt, created),
	}, nil
}

func (lt legacyTransaction) toDomain(op string, i int, now time.Time) (*domain.Transaction, error) {
	field := func(name string) string { return fmt.Sprintf("transactions[%d].%s", i, name) }

	hash := lt.TxHash
	if hash != "" && !strings.HasPrefix(strings.ToLower(hash), "0x") {
		hash = "0x" + hash
	}
	hash, err := domain.NormalizeTxHash(op, field("tx_hash"), hash)
	if err != nil {
		return nil, err
	}
	dir := domain.Direction(strings.ToLower(orDefault(lt.Direction, string(domain.DirectionOutgoing))))
	if dir != domain.DirectionIncoming && dir != domain.DirectionOutgoing {
		return nil, domain.ValidationError(op, field("direction"), lt.Direction, "unknown direction")
	}
	from, err := domain.NormalizeAddress(op, field("from"), orDefault(lt.From, lt.FromAddress))
	if err != nil {
		return nil, err
	}
	to, err := domain.NormalizeAddress(op, field("to"), orDefault(lt.To, lt.ToAddress))
	if err != nil {
		return nil, err
	}
	wallet, counterparty := from, to
	if dir == domain.DirectionIncoming {
		wallet, counterparty = to, from
	}
	if lt.Wallet != "" {
		if wallet, err = domain.NormalizeAddress(op, field("wallet"), lt.Wallet); err != nil {
			return nil, err
		}
	}
	category, err := domain.ParseCategory(op, orDefault(lt.Category, string(domain.CategoryUncategorized)))
	if err != nil {
		category = domain.CategoryUncategorized
	}
	number := ""
	if lt.InvoiceNumber != "" {
		seq, err := domain.ParseInvoiceNumber(lt.InvoiceNumber)
		if err != nil {
			return nil, domain.ValidationError(op, field("invoice_number"), lt.InvoiceNumber, "expected INV-<n>")
		}
		number = domain.FormatInvoiceNumber(seq)
	}

	return &domain.Transaction{
		TxHash:        hash,
		Chain:         lt.Chain,
		Direction:     dir,
		Amount:        lt.AmountUSDC,
		From:          from,
		To:            to,
		Counterparty:  counterparty,
		Wallet:        wallet,
		BlockNumber:   lt.BlockNumber,
		BlockTime:     parseLegacyTime(lt.Timestamp, now),
		InvoiceNumber: number,
		Category:      category,
		Kind:          legacyKind(lt.Type),
		Memo:          lt.Memo,
		RecordedAt:    now,
	}, nil
}

func legacyKind(t string) domain.TxKind {
	switch strings.ToLower(t) {
	case "invoice_payment":
		return domain.TxKindInvoicePayment
	case "cctp_burn", "bridge_burn":
		return domain.TxKindBridgeBurn
	case "cctp_mint", "bridge_mint":
		return domain.TxKindBridgeMint
	default:
		return domain.TxKindTransfer
	}
}

var legacyTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02",
}

// parseLegacyTime accepts Python isoformat output, with or without zone.
func parseLegacyTime(s string, fallback time.Time) time.Time {
	for _, layout := range legacyTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return fallback
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
