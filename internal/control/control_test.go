package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
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
	redisclient "github.com/vietddude/treasury/internal/infra/redis"
	"github.com/vietddude/treasury/internal/infra/storage/sqlstore"
	"github.com/vietddude/treasury/internal/reconcile"
)

const (
	testChain = "base_sepolia"
	ourWallet = "0x1111111111111111111111111111111111111111"
	payer     = "0x2222222222222222222222222222222222222222"
)

type fixture struct {
	store  *sqlstore.Store
	fake   *chaintest.Fake
	chains chain.Clients
	engine *reconcile.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	cfg := &config.AppConfig{Chains: config.DefaultChains()}
	require.NoError(t, cfg.ApplyDefaults())

	store, err := sqlstore.Open(ctx, sqlstore.Config{
		Driver: "sqlite",
		URL:    filepath.Join(t.TempDir(), "control.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.UpsertWallet(ctx, &domain.Wallet{
		Address:   domain.MustAddress(ourWallet).Hex(),
		Name:      "ops",
		IsDefault: true,
		AddedAt:   time.Now(),
	}))

	fake := chaintest.New(0xe0)
	fake.SetHead(100)
	chains := chain.Clients{testChain: fake}
	return &fixture{
		store:  store,
		fake:   fake,
		chains: chains,
		engine: reconcile.New(store, cfg, chains),
	}
}

// memQueue is an in-process RescanQueue.
type memQueue struct {
	mu   sync.Mutex
	reqs []redisclient.RescanRequest
}

func (q *memQueue) PushRescan(ctx context.Context, chain string, req redisclient.RescanRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reqs = append(q.reqs, req)
	return nil
}

func (q *memQueue) PopRescan(ctx context.Context, chain string) (redisclient.RescanRequest, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.reqs) == 0 {
		return redisclient.RescanRequest{}, false, nil
	}
	req := q.reqs[0]
	q.reqs = q.reqs[1:]
	return req, true, nil
}

func (q *memQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.reqs)
}

type failingScanner struct{ err error }

func (s failingScanner) Scan(ctx context.Context, chainKey, wallet string, fromBlock *uint64) (*reconcile.ScanResult, error) {
	return nil, s.err
}

func TestRescanWorkerScansFromRequestedBlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fake.AddEvent(chain.TransferEvent{
		TxHash: "0x01", From: payer, To: ourWallet,
		Amount: decimal.RequireFromString("5"), BlockNumber: 20,
	})

	q := &memQueue{}
	require.NoError(t, q.PushRescan(ctx, testChain, redisclient.RescanRequest{Wallet: ourWallet, FromBlock: 10}))
	w := NewRescanWorker(testChain, q, f.engine, time.Millisecond)

	found, err := w.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 0, q.len())

	tx, err := f.store.GetTransaction(ctx, "0x01")
	require.NoError(t, err)
	assert.Equal(t, domain.TxKindScanned, tx.Kind)

	found, err = w.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRescanWorkerRequeuesRetryableFailures(t *testing.T) {
	ctx := context.Background()
	q := &memQueue{}
	req := redisclient.RescanRequest{Wallet: ourWallet, FromBlock: 10}
	require.NoError(t, q.PushRescan(ctx, testChain, req))

	w := NewRescanWorker(testChain, q, failingScanner{err: domain.TransientError("scan", errors.New("rpc down"))}, time.Millisecond)
	found, err := w.ProcessNext(ctx)
	assert.True(t, found)
	assert.Error(t, err)
	require.Equal(t, 1, q.len())

	w = NewRescanWorker(testChain, q, failingScanner{err: domain.ValidationError("scan", "wallet", "x", "bad")}, time.Millisecond)
	found, err = w.ProcessNext(ctx)
	assert.True(t, found)
	assert.NoError(t, err)
	assert.Equal(t, 0, q.len())
}

func TestRescanWorkerRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := NewRescanWorker(testChain, &memQueue{}, failingScanner{}, time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("rescan worker did not stop")
	}
}

func TestNewWatcherRejectsBadSchedule(t *testing.T) {
	f := newFixture(t)
	_, err := NewWatcher(Config{Schedule: "every now and then"}, Deps{Store: f.store, Chains: f.chains, Engine: f.engine})
	assert.Error(t, err)

	_, err = NewWatcher(Config{}, Deps{Store: f.store})
	assert.Error(t, err)
}

func TestWatcherCycleAndHealth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fake.AddEvent(chain.TransferEvent{
		TxHash: "0x02", From: payer, To: ourWallet,
		Amount: decimal.RequireFromString("7"), BlockNumber: 90,
	})
	f.fake.SetBalance(ourWallet, decimal.RequireFromString("7"))

	w, err := NewWatcher(Config{Schedule: "@every 1h"}, Deps{Store: f.store, Chains: f.chains, Engine: f.engine})
	require.NoError(t, err)
	w.RunCycle(ctx)

	st := w.lastCycle()
	assert.False(t, st.LastRun.IsZero())
	assert.Empty(t, st.Error)

	srv := httptest.NewServer(NewServer(w.monitor, 0).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health/detailed")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report HealthReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, StatusHealthy, report.SystemStatus)
	assert.Equal(t, "ok", report.Database)
	require.Contains(t, report.Chains, testChain)
	assert.Equal(t, uint64(100), report.Chains[testChain].ConfirmedBlock)
	assert.Equal(t, uint64(0), report.Chains[testChain].ScanLag)

	metrics, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	assert.Equal(t, http.StatusOK, metrics.StatusCode)
}

func TestHealthDegradesWhenChainIsDown(t *testing.T) {
	f := newFixture(t)
	f.fake.FailWith("head", errors.New("connection refused"))

	report := NewMonitor(f.store, f.chains, nil).CheckHealth(context.Background())
	assert.Equal(t, StatusDegraded, report.SystemStatus)
	assert.Equal(t, StatusDegraded, report.Chains[testChain].Status)
	assert.Contains(t, report.Chains[testChain].Error, "connection refused")
}

func TestWatcherStartStop(t *testing.T) {
	f := newFixture(t)
	q := &memQueue{}
	w, err := NewWatcher(Config{Schedule: "@every 1h", RescanSleep: time.Millisecond}, Deps{Store: f.store, Chains: f.chains, Engine: f.engine})
	require.NoError(t, err)
	w.rescans[testChain] = NewRescanWorker(testChain, q, f.engine, time.Millisecond)

	require.NoError(t, w.Start(context.Background()))
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, w.Stop(ctx))
}
