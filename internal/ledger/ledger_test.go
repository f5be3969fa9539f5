package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/treasury/internal/core/config"
	"github.com/vietddude/treasury/internal/core/domain"
	"github.com/vietddude/treasury/internal/infra/chain"
	"github.com/vietddude/treasury/internal/infra/chain/chaintest"
	"github.com/vietddude/treasury/internal/infra/storage"
	"github.com/vietddude/treasury/internal/infra/storage/sqlstore"
)

const (
	testChain  = "base_sepolia"
	ourWallet  = "0x1111111111111111111111111111111111111111"
	vendorAddr = "0x2222222222222222222222222222222222222222"
)

type fixture struct {
	svc   *Service
	store *sqlstore.Store
	chain *chaintest.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	cfg := &config.AppConfig{Chains: config.DefaultChains()}
	require.NoError(t, cfg.ApplyDefaults())

	store, err := sqlstore.Open(ctx, sqlstore.Config{
		Driver: "sqlite",
		URL:    filepath.Join(t.TempDir(), "ledger.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.UpsertWallet(ctx, &domain.Wallet{
		Address:   domain.MustAddress(ourWallet).Hex(),
		Name:      "ops",
		IsDefault: true,
		AddedAt:   time.Now(),
	}))

	fake := chaintest.New(0xb0)
	fake.SetHead(100)
	return &fixture{
		svc:   New(store, cfg, chain.Clients{testChain: fake}),
		store: store,
		chain: fake,
	}
}

func items(prices ...string) []domain.LineItem {
	out := make([]domain.LineItem, 0, len(prices))
	for i, p := range prices {
		out = append(out, domain.LineItem{
			Description: fmt.Sprintf("item %d", i+1),
			Quantity:    decimal.NewFromInt(1),
			UnitPrice:   decimal.RequireFromString(p),
		})
	}
	return out
}

func (f *fixture) create(t *testing.T, typ domain.InvoiceType, lineItems []domain.LineItem) *domain.Invoice {
	t.Helper()
	inv, err := f.svc.Create(context.Background(), CreateRequest{
		Type:         typ,
		Counterparty: domain.Counterparty{Name: "Acme", Address: vendorAddr},
		LineItems:    lineItems,
		Chain:        testChain,
	})
	require.NoError(t, err)
	return inv
}

func txHash(n int) string {
	return fmt.Sprintf("0x%064x", n)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCreateAndPayInFull(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inv := f.create(t, domain.InvoicePayable, items("3.00"))
	assert.Equal(t, "INV-0001", inv.Number)
	assert.Equal(t, "3.00", inv.Total.StringFixed(2))
	assert.Equal(t, domain.InvoiceStatusPending, inv.Status)
	assert.Equal(t, domain.CategoryServices, inv.Category)
	assert.Equal(t, domain.MustAddress(ourWallet).Hex(), inv.Wallet)

	paid, err := f.svc.ApplyPayment(ctx, inv.Number, Payment{TxHash: "0xabc", Amount: dec("3.00")})
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusPaid, paid.Status)
	assert.True(t, paid.Remaining().IsZero())
	assert.Equal(t, "0", paid.Remaining().String())
}

func TestPartialThenOverpaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inv := f.create(t, domain.InvoiceReceivable, items("5.00"))
	assert.Equal(t, domain.CategoryServiceRevenue, inv.Category)

	inv, err := f.svc.ApplyPayment(ctx, inv.Number, Payment{TxHash: txHash(1), Amount: dec("2.5")})
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusPartial, inv.Status)
	assert.Equal(t, "2.5", inv.Remaining().String())

	inv, err = f.svc.ApplyPayment(ctx, inv.Number, Payment{TxHash: txHash(2), Amount: dec("3.0")})
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusOverpaid, inv.Status)
	assert.Equal(t, "5.5", inv.Paid.String())
	assert.Equal(t, "-0.5", inv.Remaining().String())

	_, err = f.svc.ApplyPayment(ctx, inv.Number, Payment{TxHash: txHash(3), Amount: dec("1")})
	assert.ErrorIs(t, err, domain.ErrStateConflict)

	stored, err := f.svc.Get(ctx, inv.Number)
	require.NoError(t, err)
	assert.Equal(t, "5.5", stored.Paid.String())
	require.NoError(t, stored.CheckStatusInvariant())

	txs, err := f.store.ListByInvoice(ctx, inv.Number)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, domain.DirectionIncoming, txs[0].Direction)
	assert.Equal(t, domain.TxKindInvoicePayment, txs[0].Kind)
	assert.Equal(t, domain.MustAddress(vendorAddr).Hex(), txs[0].From)
}

func TestCreateRejectsNegativePrice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, CreateRequest{
		Type:         domain.InvoicePayable,
		Counterparty: domain.Counterparty{Name: "Acme", Address: vendorAddr},
		LineItems:    items("-5"),
		Chain:        testChain,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrValidation)

	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "line_items[0].unit_price", de.Field)
	assert.Equal(t, "-5", de.Value)

	invs, err := f.svc.List(ctx, storage.InvoiceFilter{})
	require.NoError(t, err)
	assert.Empty(t, invs)
	counter, err := f.store.GetCounter(ctx, CounterInvoiceNumber)
	require.NoError(t, err)
	assert.Zero(t, counter)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)

	base := func() CreateRequest {
		return CreateRequest{
			Type:         domain.InvoicePayable,
			Counterparty: domain.Counterparty{Name: "Acme", Address: vendorAddr},
			LineItems:    items("1"),
			Chain:        testChain,
		}
	}
	tests := []struct {
		name   string
		mutate func(*CreateRequest)
		field  string
	}{
		{"unknown type", func(r *CreateRequest) { r.Type = "gift" }, "type"},
		{"empty name", func(r *CreateRequest) { r.Counterparty.Name = "  " }, "counterparty.name"},
		{"bad address", func(r *CreateRequest) { r.Counterparty.Address = "0x123" }, "counterparty.address"},
		{"unknown chain", func(r *CreateRequest) { r.Chain = "solana" }, "chain"},
		{"no items", func(r *CreateRequest) { r.LineItems = nil }, "line_items"},
		{"zero quantity", func(r *CreateRequest) { r.LineItems[0].Quantity = decimal.Zero }, "line_items[0].quantity"},
		{"zero total", func(r *CreateRequest) { r.LineItems = items("0", "0") }, "total"},
		{"sub-unit amount", func(r *CreateRequest) { r.LineItems = items("0.0000001") }, "line_items[0].amount"},
		{"unknown category", func(r *CreateRequest) { r.Category = "travel" }, "category"},
		{"negative due", func(r *CreateRequest) { r.DueIn = -time.Hour }, "due_in"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base()
			tt.mutate(&req)
			_, err := f.svc.Create(context.Background(), req)
			var de *domain.Error
			require.ErrorAs(t, err, &de)
			assert.Equal(t, domain.KindValidation, de.Kind)
			assert.Equal(t, tt.field, de.Field)
		})
	}

	counter, err := f.store.GetCounter(context.Background(), CounterInvoiceNumber)
	require.NoError(t, err)
	assert.Zero(t, counter)
}

func TestCreateExactDecimalTotals(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		items []domain.LineItem
		want  string
	}{
		{items("0.1", "0.2"), "0.3"},
		{[]domain.LineItem{{Quantity: dec("3"), UnitPrice: dec("0.1")}}, "0.3"},
		{[]domain.LineItem{{Quantity: dec("0.5"), UnitPrice: dec("19.99")}, {Quantity: dec("2"), UnitPrice: dec("0")}}, "9.995"},
		{items("1000000.000001", "0.000001"), "1000000.000002"},
	}
	for _, tt := range tests {
		inv := f.create(t, domain.InvoicePayable, tt.items)
		assert.True(t, inv.Total.Equal(dec(tt.want)), "got %s want %s", inv.Total, tt.want)

		stored, err := f.svc.Get(context.Background(), inv.Number)
		require.NoError(t, err)
		assert.True(t, stored.Total.Equal(dec(tt.want)))
	}
}

func TestConcurrentCreatesAreContiguous(t *testing.T) {
	f := newFixture(t)
	const n = 12

	var wg sync.WaitGroup
	numbers := make(chan string, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inv, err := f.svc.Create(context.Background(), CreateRequest{
				Type:         domain.InvoicePayable,
				Counterparty: domain.Counterparty{Name: "Acme", Address: vendorAddr},
				LineItems:    items("1"),
				Chain:        testChain,
			})
			if err != nil {
				errs <- err
				return
			}
			numbers <- inv.Number
		}()
	}
	wg.Wait()
	close(numbers)
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	seen := make(map[string]bool)
	for num := range numbers {
		assert.False(t, seen[num], "duplicate %s", num)
		seen[num] = true
	}
	for i := 1; i <= n; i++ {
		assert.True(t, seen[domain.FormatInvoiceNumber(int64(i))], "missing %d", i)
	}
}

func TestNumberingSeedsFromExistingInvoices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, f.store.InsertInvoice(ctx, &domain.Invoice{
		ID: "legacy-41", Number: "INV-0041", Seq: 41,
		Type: domain.InvoicePayable, Status: domain.InvoiceStatusPending,
		Counterparty: domain.Counterparty{Name: "Old", Address: domain.MustAddress(vendorAddr).Hex()},
		Chain:        testChain, LineItems: items("1"), Total: dec("1"), Paid: decimal.Zero,
		Category: domain.CategoryServices, DueAt: now, CreatedAt: now, UpdatedAt: now,
	}))

	inv := f.create(t, domain.InvoicePayable, items("1"))
	assert.Equal(t, "INV-0042", inv.Number)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending := f.create(t, domain.InvoicePayable, items("1"))
	cancelled, err := f.svc.Cancel(ctx, pending.Number)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusCancelled, cancelled.Status)

	_, err = f.svc.ApplyPayment(ctx, pending.Number, Payment{TxHash: txHash(9), Amount: dec("1")})
	assert.ErrorIs(t, err, domain.ErrStateConflict)

	next := f.create(t, domain.InvoicePayable, items("1"))
	assert.Equal(t, "INV-0002", next.Number, "cancelled numbers are not reused")

	_, err = f.svc.Cancel(ctx, "INV-9999")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCancelPaidInvoiceConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inv := f.create(t, domain.InvoicePayable, items("2"))
	inv, err := f.svc.ApplyPayment(ctx, inv.Number, Payment{TxHash: txHash(1), Amount: dec("2")})
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, inv.Number)
	assert.ErrorIs(t, err, domain.ErrStateConflict)

	stored, err := f.svc.Get(ctx, inv.Number)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusPaid, stored.Status)
	assert.Equal(t, "2", stored.Paid.String())
}

func TestApplyPaymentErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.create(t, domain.InvoicePayable, items("10"))
	b := f.create(t, domain.InvoicePayable, items("10"))
	_, err := f.svc.ApplyPayment(ctx, a.Number, Payment{TxHash: txHash(1), Amount: dec("4")})
	require.NoError(t, err)

	_, err = f.svc.ApplyPayment(ctx, "INV-0404", Payment{TxHash: txHash(2), Amount: dec("1")})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.svc.ApplyPayment(ctx, b.Number, Payment{TxHash: txHash(1), Amount: dec("4")})
	assert.ErrorIs(t, err, domain.ErrStateConflict, "one transaction settles one invoice")

	_, err = f.svc.ApplyPayment(ctx, b.Number, Payment{TxHash: "abc", Amount: dec("1")})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.svc.ApplyPayment(ctx, b.Number, Payment{TxHash: txHash(3), Amount: dec("0")})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.svc.ApplyPayment(ctx, b.Number, Payment{TxHash: txHash(3), Amount: dec("0.0000001")})
	assert.ErrorIs(t, err, domain.ErrValidation)

	stored, err := f.svc.Get(ctx, b.Number)
	require.NoError(t, err)
	assert.True(t, stored.Paid.IsZero())
}

func TestApplyPaymentLinksScannedTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.create(t, domain.InvoiceReceivable, items("7"))

	scanned := &domain.Transaction{
		TxHash: txHash(5), Chain: testChain, Direction: domain.DirectionIncoming,
		Amount: dec("7"), From: domain.MustAddress(vendorAddr).Hex(), To: inv.Wallet,
		Counterparty: domain.MustAddress(vendorAddr).Hex(), Wallet: inv.Wallet,
		BlockNumber: 42, BlockTime: time.Now().UTC(), Category: domain.CategoryIncomingTransfer,
		Kind: domain.TxKindScanned, RecordedAt: time.Now().UTC(),
	}
	_, err := f.store.InsertTransaction(ctx, scanned)
	require.NoError(t, err)

	_, err = f.svc.ApplyPayment(ctx, inv.Number, Payment{TxHash: txHash(5), Amount: dec("6")})
	assert.ErrorIs(t, err, domain.ErrValidation, "amount must agree with the recorded transfer")

	paid, err := f.svc.ApplyPayment(ctx, inv.Number, Payment{TxHash: strings.ToUpper(txHash(5)[2:]), Amount: dec("7")})
	require.Error(t, err, "hash without 0x prefix is rejected")
	assert.Nil(t, paid)

	paid, err = f.svc.ApplyPayment(ctx, inv.Number, Payment{TxHash: txHash(5), Amount: dec("7")})
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusPaid, paid.Status)

	tx, err := f.store.GetTransaction(ctx, txHash(5))
	require.NoError(t, err)
	assert.Equal(t, inv.Number, tx.InvoiceNumber)
	assert.Equal(t, domain.TxKindScanned, tx.Kind)
	assert.Equal(t, uint64(42), tx.BlockNumber)
}

func TestAuditTrail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inv := f.create(t, domain.InvoicePayable, items("5"))
	_, err := f.svc.ApplyPayment(ctx, inv.Number, Payment{TxHash: txHash(2), Amount: dec("2"), BlockNumber: 20})
	require.NoError(t, err)
	_, err = f.svc.ApplyPayment(ctx, inv.Number, Payment{TxHash: txHash(1), Amount: dec("3"), BlockNumber: 10})
	require.NoError(t, err)

	trail, err := f.svc.AuditTrail(ctx, inv.Number)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusPaid, trail.Invoice.Status)

	require.Len(t, trail.Transactions, 2)
	assert.Equal(t, txHash(1), trail.Transactions[0].TxHash, "block order")
	assert.Equal(t, "https://base-sepolia.blockscout.com/tx/"+txHash(1), trail.Transactions[0].ExplorerURL)

	require.Len(t, trail.Snapshots, 3)
	assert.Equal(t, domain.InvoiceEventCreated, trail.Snapshots[0].Event)
	assert.Equal(t, domain.InvoiceEventPayment, trail.Snapshots[1].Event)
	assert.Equal(t, domain.InvoiceStatusPartial, trail.Snapshots[1].Status)
	assert.Equal(t, "3", trail.Snapshots[1].Remaining.String())
	assert.Equal(t, txHash(2), trail.Snapshots[1].TxHash)
	assert.Equal(t, domain.InvoiceStatusPaid, trail.Snapshots[2].Status)
	for i, s := range trail.Snapshots {
		assert.Equal(t, i+1, s.Seq)
	}

	_, err = f.svc.AuditTrail(ctx, "INV-0999")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.create(t, domain.InvoicePayable, items("1"))
	f.create(t, domain.InvoiceReceivable, items("1"))
	_, err := f.svc.Cancel(ctx, a.Number)
	require.NoError(t, err)

	all, err := f.svc.List(ctx, storage.InvoiceFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	cancelled, err := f.svc.List(ctx, storage.InvoiceFilter{Status: domain.InvoiceStatusCancelled})
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, a.Number, cancelled[0].Number)

	_, err = f.svc.List(ctx, storage.InvoiceFilter{Status: "lost"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}
