package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/vietddude/treasury/internal/core/domain"
	"github.com/vietddude/treasury/internal/infra/storage"
)

type invoiceRow struct {
	Number              string `db:"invoice_number"`
	Seq                 int64  `db:"seq"`
	ID                  string `db:"id"`
	Type                string `db:"invoice_type"`
	Status              string `db:"status"`
	CounterpartyName    string `db:"counterparty_name"`
	CounterpartyAddress string `db:"counterparty_address"`
	Wallet              string `db:"wallet"`
	Chain               string `db:"chain"`
	LineItems           string `db:"line_items"`
	Total               string `db:"total_usdc"`
	Paid                string `db:"paid_usdc"`
	Category            string `db:"category"`
	Memo                string `db:"memo"`
	DueAt               int64  `db:"due_at"`
	CreatedAt           int64  `db:"created_at"`
	UpdatedAt           int64  `db:"updated_at"`
}

const invoiceColumns = `invoice_number, seq, id, invoice_type, status, counterparty_name,
	counterparty_address, wallet, chain, line_items, total_usdc, paid_usdc, category, memo,
	due_at, created_at, updated_at`

func (row *invoiceRow) toDomain() (*domain.Invoice, error) {
	var items []domain.LineItem
	if err := json.Unmarshal([]byte(row.LineItems), &items); err != nil {
		return nil, fmt.Errorf("invoice %s: bad line items: %w", row.Number, err)
	}
	total, err := decimal.NewFromString(row.Total)
	if err != nil {
		return nil, fmt.Errorf("invoice %s: bad total: %w", row.Number, err)
	}
	paid, err := decimal.NewFromString(row.Paid)
	if err != nil {
		return nil, fmt.Errorf("invoice %s: bad paid amount: %w", row.Number, err)
	}
	return &domain.Invoice{
		ID:     row.ID,
		Number: row.Number,
		Seq:    row.Seq,
		Type:   domain.InvoiceType(row.Type),
		Status: domain.InvoiceStatus(row.Status),
		Counterparty: domain.Counterparty{
			Name:    row.CounterpartyName,
			Address: row.CounterpartyAddress,
		},
		Wallet:    row.Wallet,
		Chain:     row.Chain,
		LineItems: items,
		Total:     total,
		Paid:      paid,
		Category:  domain.Category(row.Category),
		Memo:      row.Memo,
		DueAt:     fromNanos(row.DueAt),
		CreatedAt: fromNanos(row.CreatedAt),
		UpdatedAt: fromNanos(row.UpdatedAt),
	}, nil
}

// InsertInvoice stores a new invoice.
func (r *repo) InsertInvoice(ctx context.Context, inv *domain.Invoice) error {
	items, err := json.Marshal(inv.LineItems)
	if err != nil {
		return fmt.Errorf("failed to encode line items: %w", err)
	}
	_, err = r.q.ExecContext(ctx, r.rebind(`INSERT INTO invoices (`+invoiceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		inv.Number, inv.Seq, inv.ID, string(inv.Type), string(inv.Status),
		inv.Counterparty.Name, inv.Counterparty.Address, inv.Wallet, inv.Chain, string(items),
		inv.Total.String(), inv.Paid.String(), string(inv.Category), inv.Memo,
		toNanos(inv.DueAt), toNanos(inv.CreatedAt), toNanos(inv.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("invoice %s: %w", inv.Number, storage.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to insert invoice: %w", err)
	}
	return nil
}

// GetInvoice retrieves an invoice by number.
func (r *repo) GetInvoice(ctx context.Context, number string) (*domain.Invoice, error) {
	var row invoiceRow
	err := r.q.GetContext(ctx, &row, r.rebind(`SELECT `+invoiceColumns+` FROM invoices WHERE invoice_number = ?`), number)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	return row.toDomain()
}

// UpdateInvoice persists the mutable invoice fields.
func (r *repo) UpdateInvoice(ctx context.Context, inv *domain.Invoice) error {
	res, err := r.q.ExecContext(ctx, r.rebind(`UPDATE invoices
		SET status = ?, paid_usdc = ?, updated_at = ?
		WHERE invoice_number = ?`),
		string(inv.Status), inv.Paid.String(), toNanos(inv.UpdatedAt), inv.Number,
	)
	if err != nil {
		return fmt.Errorf("failed to update invoice: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update invoice: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListInvoices returns invoices ordered by number.
func (r *repo) ListInvoices(ctx context.Context, filter storage.InvoiceFilter) ([]*domain.Invoice, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Type != "" {
		where = append(where, "invoice_type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Chain != "" {
		where = append(where, "chain = ?")
		args = append(args, filter.Chain)
	}
	query := `SELECT ` + invoiceColumns + ` FROM invoices`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq"

	var rows []invoiceRow
	if err := r.q.SelectContext(ctx, &rows, r.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	out := make([]*domain.Invoice, 0, len(rows))
	for i := range rows {
		inv, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, nil
}

// MaxInvoiceSeq returns the highest invoice counter value in use.
func (r *repo) MaxInvoiceSeq(ctx context.Context) (int64, error) {
	var maxSeq sql.NullInt64
	if err := r.q.GetContext(ctx, &maxSeq, `SELECT MAX(seq) FROM invoices`); err != nil {
		return 0, fmt.Errorf("failed to read max invoice seq: %w", err)
	}
	return maxSeq.Int64, nil
}

type invoiceEventRow struct {
	InvoiceNumber string `db:"invoice_number"`
	Seq           int    `db:"seq"`
	Event         string `db:"event"`
	Status        string `db:"status"`
	Paid          string `db:"paid_usdc"`
	Remaining     string `db:"remaining_usdc"`
	TxHash        string `db:"tx_hash"`
	Amount        string `db:"amount_usdc"`
	RecordedAt    int64  `db:"recorded_at"`
}

// AppendInvoiceEvent adds an audit snapshot with the next per-invoice seq.
func (r *repo) AppendInvoiceEvent(ctx context.Context, ev *domain.InvoiceEvent) error {
	var last sql.NullInt64
	if err := r.q.GetContext(ctx, &last,
		r.rebind(`SELECT MAX(seq) FROM invoice_events WHERE invoice_number = ?`), ev.InvoiceNumber); err != nil {
		return fmt.Errorf("failed to read invoice event seq: %w", err)
	}
	ev.Seq = int(last.Int64) + 1

	amount := ""
	if ev.Amount.Valid {
		amount = ev.Amount.Decimal.String()
	}
	_, err := r.q.ExecContext(ctx, r.rebind(`INSERT INTO invoice_events
		(invoice_number, seq, event, status, paid_usdc, remaining_usdc, tx_hash, amount_usdc, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		ev.InvoiceNumber, ev.Seq, string(ev.Event), string(ev.Status), ev.Paid.String(),
		ev.Remaining.String(), ev.TxHash, amount, toNanos(ev.RecordedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("invoice event %s/%d: %w", ev.InvoiceNumber, ev.Seq, storage.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to insert invoice event: %w", err)
	}
	return nil
}

// ListInvoiceEvents returns snapshots in seq order.
func (r *repo) ListInvoiceEvents(ctx context.Context, number string) ([]*domain.InvoiceEvent, error) {
	var rows []invoiceEventRow
	err := r.q.SelectContext(ctx, &rows, r.rebind(`SELECT invoice_number, seq, event, status, paid_usdc,
		remaining_usdc, tx_hash, amount_usdc, recorded_at
		FROM invoice_events WHERE invoice_number = ? ORDER BY seq`), number)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoice events: %w", err)
	}
	out := make([]*domain.InvoiceEvent, 0, len(rows))
	for _, row := range rows {
		paid, err := decimal.NewFromString(row.Paid)
		if err != nil {
			return nil, fmt.Errorf("invoice event %s/%d: %w", row.InvoiceNumber, row.Seq, err)
		}
		remaining, err := decimal.NewFromString(row.Remaining)
		if err != nil {
			return nil, fmt.Errorf("invoice event %s/%d: %w", row.InvoiceNumber, row.Seq, err)
		}
		ev := &domain.InvoiceEvent{
			InvoiceNumber: row.InvoiceNumber,
			Seq:           row.Seq,
			Event:         domain.InvoiceEventType(row.Event),
			Status:        domain.InvoiceStatus(row.Status),
			Paid:          paid,
			Remaining:     remaining,
			TxHash:        row.TxHash,
			RecordedAt:    fromNanos(row.RecordedAt),
		}
		if row.Amount != "" {
			amt, err := decimal.NewFromString(row.Amount)
			if err != nil {
				return nil, fmt.Errorf("invoice event %s/%d: %w", row.InvoiceNumber, row.Seq, err)
			}
			ev.Amount = decimal.NewNullDecimal(amt)
		}
		out = append(out, ev)
	}
	return out, nil
}
