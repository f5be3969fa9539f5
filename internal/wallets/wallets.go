// Package wallets manages the registry of treasury addresses.
package wallets

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/vietddude/treasury/internal/core/domain"
	"github.com/vietddude/treasury/internal/infra/storage"
)

// Registry adds, removes and lists wallets. The first wallet added becomes
// the default and the default can never be removed.
type Registry struct {
	store storage.Store
	log   *slog.Logger
	now   func() time.Time
}

func New(store storage.Store) *Registry {
	return &Registry{
		store: store,
		log:   slog.Default().With("component", "wallets"),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Add registers a wallet or renames an existing one. makeDefault moves the
// default flag to it.
func (r *Registry) Add(ctx context.Context, address, name string, makeDefault bool) (*domain.Wallet, error) {
	const op = "wallets.Add"
	addr, err := domain.NormalizeAddress(op, "address", address)
	if err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)

	var out *domain.Wallet
	err = r.store.WithTx(ctx, func(repo storage.Repository) error {
		w := &domain.Wallet{Address: addr, Name: name, AddedAt: r.now()}
		existing, err := repo.GetWallet(ctx, addr)
		switch {
		case err == nil:
			w.AddedAt = existing.AddedAt
			w.IsDefault = existing.IsDefault
			if w.Name == "" {
				w.Name = existing.Name
			}
		case errors.Is(err, storage.ErrNotFound):
			if _, err := repo.DefaultWallet(ctx); errors.Is(err, storage.ErrNotFound) {
				w.IsDefault = true
			} else if err != nil {
				return err
			}
		default:
			return err
		}
		if makeDefault {
			w.IsDefault = true
		}
		if w.Name == "" {
			w.Name = shortName(addr)
		}
		if err := repo.UpsertWallet(ctx, w); err != nil {
			return err
		}
		out = w
		return nil
	})
	if err != nil {
		return nil, storeError(op, err)
	}
	r.log.Info("Wallet registered", "wallet", out.Address, "name", out.Name, "default", out.IsDefault)
	return out, nil
}

// Remove deletes a wallet. Removing the default is a state conflict.
func (r *Registry) Remove(ctx context.Context, address string) error {
	const op = "wallets.Remove"
	addr, err := domain.NormalizeAddress(op, "address", address)
	if err != nil {
		return err
	}
	err = r.store.DeleteWallet(ctx, addr)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return domain.NotFoundError(op, "address", addr)
	case errors.Is(err, storage.ErrConflict):
		return domain.StateConflictError(op, "address", addr, "the default wallet cannot be removed")
	case err != nil:
		return domain.TransientError(op, err)
	}
	r.log.Info("Wallet removed", "wallet", addr)
	return nil
}

// SetDefault moves the default flag to an already registered wallet.
func (r *Registry) SetDefault(ctx context.Context, address string) (*domain.Wallet, error) {
	const op = "wallets.SetDefault"
	addr, err := domain.NormalizeAddress(op, "address", address)
	if err != nil {
		return nil, err
	}
	var out *domain.Wallet
	err = r.store.WithTx(ctx, func(repo storage.Repository) error {
		w, err := repo.GetWallet(ctx, addr)
		if errors.Is(err, storage.ErrNotFound) {
			return domain.NotFoundError(op, "address", addr)
		}
		if err != nil {
			return err
		}
		w.IsDefault = true
		if err := repo.UpsertWallet(ctx, w); err != nil {
			return err
		}
		out = w
		return nil
	})
	if err != nil {
		return nil, storeError(op, err)
	}
	return out, nil
}

// Default returns the default wallet.
func (r *Registry) Default(ctx context.Context) (*domain.Wallet, error) {
	const op = "wallets.Default"
	w, err := r.store.DefaultWallet(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.NotFoundError(op, "wallet", "default")
	}
	if err != nil {
		return nil, domain.TransientError(op, err)
	}
	return w, nil
}

// List returns every wallet, default first.
func (r *Registry) List(ctx context.Context) ([]*domain.Wallet, error) {
	ws, err := r.store.ListWallets(ctx)
	if err != nil {
		return nil, domain.TransientError("wallets.List", err)
	}
	return ws, nil
}

func shortName(addr string) string {
	return addr[:6] + "..." + addr[len(addr)-4:]
}

func storeError(op string, err error) error {
	if domain.KindOf(err) != "" {
		return err
	}
	return domain.TransientError(op, err)
}
