package wallets

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/treasury/internal/core/domain"
	"github.com/vietddude/treasury/internal/infra/storage/sqlstore"
)

const (
	walletA = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	walletB = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	store, err := sqlstore.Open(context.Background(), sqlstore.Config{
		Driver: "sqlite",
		URL:    filepath.Join(t.TempDir(), "wallets.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store)
}

func TestFirstWalletBecomesDefault(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	_, err := r.Default(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	a, err := r.Add(ctx, walletA, "ops", false)
	require.NoError(t, err)
	assert.True(t, a.IsDefault)
	assert.Equal(t, domain.MustAddress(walletA).Hex(), a.Address, "stored checksummed")

	b, err := r.Add(ctx, walletB, "", false)
	require.NoError(t, err)
	assert.False(t, b.IsDefault)
	assert.Equal(t, shortName(domain.MustAddress(walletB).Hex()), b.Name)

	def, err := r.Default(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.Address, def.Address)
}

func TestSetDefaultMovesFlag(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	_, err := r.Add(ctx, walletA, "ops", false)
	require.NoError(t, err)
	_, err = r.Add(ctx, walletB, "cold", true)
	require.NoError(t, err)

	list, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "cold", list[0].Name)
	assert.True(t, list[0].IsDefault)
	assert.False(t, list[1].IsDefault)

	_, err = r.SetDefault(ctx, walletA)
	require.NoError(t, err)
	def, err := r.Default(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ops", def.Name)

	_, err = r.SetDefault(ctx, "0xcccccccccccccccccccccccccccccccccccccccc")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRemove(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	_, err := r.Add(ctx, walletA, "ops", false)
	require.NoError(t, err)
	_, err = r.Add(ctx, walletB, "cold", false)
	require.NoError(t, err)

	assert.ErrorIs(t, r.Remove(ctx, walletA), domain.ErrStateConflict)
	require.NoError(t, r.Remove(ctx, walletB))
	assert.ErrorIs(t, r.Remove(ctx, walletB), domain.ErrNotFound)
	assert.ErrorIs(t, r.Remove(ctx, "nope"), domain.ErrValidation)

	list, err := r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestAddRenamesExisting(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	first, err := r.Add(ctx, walletA, "ops", false)
	require.NoError(t, err)
	renamed, err := r.Add(ctx, walletA, "operations", false)
	require.NoError(t, err)
	assert.Equal(t, "operations", renamed.Name)
	assert.True(t, renamed.IsDefault)
	assert.True(t, first.AddedAt.Equal(renamed.AddedAt))
}
