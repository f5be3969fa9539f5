package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/vietddude/treasury/internal/bridge"
	"github.com/vietddude/treasury/internal/core/config"
	"github.com/vietddude/treasury/internal/infra/attestation"
	"github.com/vietddude/treasury/internal/infra/chain"
	"github.com/vietddude/treasury/internal/infra/chain/evm"
	redisclient "github.com/vietddude/treasury/internal/infra/redis"
	"github.com/vietddude/treasury/internal/infra/rpc"
	"github.com/vietddude/treasury/internal/infra/storage/sqlstore"
	"github.com/vietddude/treasury/internal/ledger"
	"github.com/vietddude/treasury/internal/reconcile"
	"github.com/vietddude/treasury/internal/wallets"
)

// app holds the services one command invocation needs.
type app struct {
	cfg     *config.AppConfig
	store   *sqlstore.Store
	chains  chain.Clients
	rpcs    []*rpc.Client
	redis   *redisclient.Client
	ledger  *ledger.Service
	wallets *wallets.Registry
	engine  *reconcile.Engine
	bridges *bridge.Service
}

// openApp loads config, opens the store (running migrations) and builds a
// chain client for every chain with RPC providers.
func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	ctx := cmd.Context()

	store, err := sqlstore.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, store: store, chains: make(chain.Clients)}

	for _, cc := range cfg.Chains {
		if len(cc.Providers) == 0 {
			slog.Debug("Chain has no rpc providers, skipping", "chain", cc.Key)
			continue
		}
		rc, err := rpc.NewClientFromConfig(cc)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.rpcs = append(a.rpcs, rc)
		a.chains[cc.Key] = evm.NewClient(cc, rc)
	}

	a.ledger = ledger.New(store, cfg, a.chains)
	a.wallets = wallets.New(store)
	a.engine = reconcile.New(store, cfg, a.chains)
	a.bridges = bridge.New(store, cfg, a.chains, attestation.NewClient(cfg.Bridge.AttestationURL, 0))

	if cfg.Redis.Enabled() {
		rc, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis = rc
		a.engine.SetLocker(reconcile.NewRedisLocker(rc, cfg.Reconcile.LockTTL))
	}
	return a, nil
}

// requireChains fails early when no chain has an RPC provider.
func (a *app) requireChains() error {
	if len(a.chains) == 0 {
		return fmt.Errorf("no chain has rpc providers; set chains[].providers or TREASURY_RPC_<CHAIN>")
	}
	return nil
}

func (a *app) Close() {
	for _, rc := range a.rpcs {
		_ = rc.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	_ = a.store.Close()
}

// withApp wraps a command body with openApp and Close.
func withApp(fn func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd.Context(), a, args)
	}
}
