package ledger

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/treasury/internal/core/domain"
)

const legacyInvoices = `[
  {
    "id": "7f1c",
    "invoice_number": "INV-0007",
    "status": "paid",
    "counterparty": {"name": "Acme", "address": "0x2222222222222222222222222222222222222222"},
    "from_wallet": "0x1111111111111111111111111111111111111111",
    "chain": "base_sepolia",
    "line_items": [{"description": "hosting", "quantity": 2, "unit_price": 1.5}],
    "total_usdc": "3.0",
    "paid_usdc": "3.0",
    "category": "infrastructure",
    "created_at": "2025-01-02T03:04:05.123456+00:00",
    "due_date": "2025-02-01T03:04:05.123456+00:00"
  },
  {
    "invoice_number": "INV-0003",
    "status": "pending",
    "counterparty": {"name": "Beta", "address": "0x3333333333333333333333333333333333333333"},
    "chain": "base_sepolia",
    "line_items": [{"description": "audit", "quantity": 1, "unit_price": "10"}],
    "total_usdc": "10",
    "paid_usdc": "0",
    "category": "not-a-category"
  }
]`

const legacyTransactions = `[
  {
    "tx_hash": "00000000000000000000000000000000000000000000000000000000000000aa",
    "chain": "base_sepolia",
    "direction": "outgoing",
    "from": "0x1111111111111111111111111111111111111111",
    "to": "0x2222222222222222222222222222222222222222",
    "amount_usdc": "3.0",
    "type": "invoice_payment",
    "invoice_number": "INV-0007",
    "status": "confirmed",
    "block_number": 1234,
    "timestamp": "2025-01-03T00:00:00+00:00"
  },
  {
    "tx_hash": "0xbb",
    "chain": "base_sepolia",
    "from_address": "0x1111111111111111111111111111111111111111",
    "to_address": "0x2222222222222222222222222222222222222222",
    "amount_usdc": "9",
    "status": "failed"
  }
]`

func TestImportLegacy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.ImportLegacy(ctx, strings.NewReader(legacyInvoices), strings.NewReader(legacyTransactions))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Invoices)
	assert.Equal(t, 1, res.Transactions)
	assert.Equal(t, int64(7), res.CounterSeededTo)

	inv, err := f.svc.Get(ctx, "INV-0007")
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusPaid, inv.Status)
	assert.Equal(t, domain.CategoryInfrastructure, inv.Category)
	assert.Equal(t, domain.InvoicePayable, inv.Type)
	assert.True(t, inv.Total.Equal(dec("3")))
	assert.Equal(t, 2025, inv.CreatedAt.Year())

	other, err := f.svc.Get(ctx, "INV-0003")
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryUncategorized, other.Category)

	trail, err := f.svc.AuditTrail(ctx, "INV-0007")
	require.NoError(t, err)
	require.Len(t, trail.Transactions, 1)
	assert.Equal(t, "0x00000000000000000000000000000000000000000000000000000000000000aa", trail.Transactions[0].TxHash)
	assert.Equal(t, domain.TxKindInvoicePayment, trail.Transactions[0].Kind)
	require.Len(t, trail.Snapshots, 1)
	assert.Equal(t, domain.InvoiceEventImported, trail.Snapshots[0].Event)

	next := f.create(t, domain.InvoicePayable, items("1"))
	assert.Equal(t, "INV-0008", next.Number, "numbering continues after the imported maximum")

	again, err := f.svc.ImportLegacy(ctx, strings.NewReader(legacyInvoices), strings.NewReader(legacyTransactions))
	require.NoError(t, err)
	assert.Zero(t, again.Invoices)
	assert.Zero(t, again.Transactions)
	assert.Equal(t, 2, again.SkippedInvoices)
	assert.Equal(t, int64(8), again.CounterSeededTo, "import never lowers the counter")
}

func TestImportLegacyRejectsMalformed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ImportLegacy(ctx, strings.NewReader(`{"not": "a list"}`), nil)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.svc.ImportLegacy(ctx, strings.NewReader(`[{"invoice_number": "X-1"}]`), nil)
	assert.ErrorIs(t, err, domain.ErrValidation)

	counter, err := f.store.GetCounter(ctx, CounterInvoiceNumber)
	require.NoError(t, err)
	assert.Zero(t, counter)
}
