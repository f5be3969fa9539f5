// Package control runs the long-lived treasury watcher: scheduled full
// reconciliation, the operator rescan queue, bridge resumption and the
// health/metrics endpoint.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vietddude/treasury/internal/bridge"
	"github.com/vietddude/treasury/internal/core/domain"
	"github.com/vietddude/treasury/internal/infra/chain"
	redisclient "github.com/vietddude/treasury/internal/infra/redis"
	"github.com/vietddude/treasury/internal/infra/storage"
	"github.com/vietddude/treasury/internal/reconcile"
)

// Config holds the watcher settings.
type Config struct {
	Schedule      string        // cron expression, e.g. "*/10 * * * *" or "@every 5m"
	Port          int           // health and metrics port, 0 disables the server
	RescanSleep   time.Duration // idle wait between rescan queue polls
	ResumeBridges bool          // resume pending bridges on every cycle
}

// Deps are the services the watcher drives. Bridges and Redis are optional.
type Deps struct {
	Store   storage.Store
	Chains  chain.Clients
	Engine  *reconcile.Engine
	Bridges *bridge.Service
	Redis   *redisclient.Client
}

// Watcher is the main application struct that manages the daemon lifecycle.
type Watcher struct {
	cfg     Config
	deps    Deps
	cron    *cron.Cron
	monitor *Monitor
	server  *Server
	rescans map[string]*RescanWorker
	log     *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	lastRun   time.Time
	lastErr   error
	lastCount int
}

// NewWatcher validates the schedule and wires the components.
func NewWatcher(cfg Config, deps Deps) (*Watcher, error) {
	if deps.Store == nil || deps.Engine == nil {
		return nil, errors.New("watcher needs a store and a reconciliation engine")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 10m"
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.RescanSleep <= 0 {
		cfg.RescanSleep = 10 * time.Second
	}

	w := &Watcher{
		cfg:     cfg,
		deps:    deps,
		rescans: make(map[string]*RescanWorker),
		log:     slog.Default().With("component", "watcher"),
	}
	w.monitor = NewMonitor(deps.Store, deps.Chains, w.lastCycle)
	if cfg.Port > 0 {
		w.server = NewServer(w.monitor, cfg.Port)
	}
	if deps.Redis != nil {
		for _, key := range deps.Chains.Keys() {
			w.rescans[key] = NewRescanWorker(key, deps.Redis, deps.Engine, cfg.RescanSleep)
		}
	}
	return w, nil
}

// Start schedules reconciliation and starts background workers. It returns
// immediately.
func (w *Watcher) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := w.cron.AddFunc(w.cfg.Schedule, func() { w.RunCycle(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("failed to schedule reconciliation: %w", err)
	}
	w.cron.Start()

	for key, rw := range w.rescans {
		w.wg.Add(1)
		go func(key string, rw *RescanWorker) {
			defer w.wg.Done()
			if err := rw.Run(runCtx); err != nil {
				w.log.Error("Rescan worker stopped", "chain", key, "error", err)
			}
		}(key, rw)
	}

	if w.server != nil {
		go func() {
			if err := w.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				w.log.Error("Health server failed", "error", err)
			}
		}()
	}

	w.log.Info("Watcher started", "schedule", w.cfg.Schedule, "rescan_workers", len(w.rescans))
	return nil
}

// RunCycle runs one full reconciliation and, when enabled, resumes pending
// bridges. The cron schedule calls it; the CLI calls it once on startup.
func (w *Watcher) RunCycle(ctx context.Context) {
	start := time.Now()
	report, err := w.deps.Engine.Full(ctx)

	w.mu.Lock()
	w.lastRun = start
	w.lastErr = err
	if report != nil {
		w.lastCount = len(report.UnmatchedInternal) + len(report.UnmatchedOnchain) + len(report.InvoiceDiscrepancies)
	}
	w.mu.Unlock()

	if err != nil {
		w.log.Error("Reconciliation failed", "error", err)
	} else {
		w.log.Info("Reconciliation finished",
			"duration", time.Since(start),
			"matched", report.Matched,
			"unmatched_internal", len(report.UnmatchedInternal),
			"unmatched_onchain", len(report.UnmatchedOnchain),
			"invoice_discrepancies", len(report.InvoiceDiscrepancies),
			"balance_ok", report.BalanceOK)
	}

	if w.cfg.ResumeBridges && w.deps.Bridges != nil {
		w.resumeBridges(ctx)
	}
}

func (w *Watcher) resumeBridges(ctx context.Context) {
	pending, err := w.deps.Bridges.Pending(ctx)
	if err != nil {
		w.log.Error("Failed to list pending bridges", "error", err)
		return
	}
	for _, rec := range pending {
		if ctx.Err() != nil {
			return
		}
		if rec.Leased("", time.Now()) {
			w.log.Debug("Bridge is being driven elsewhere", "bridge", rec.ID, "lease_expires", rec.LeaseExpires)
			continue
		}
		out, err := w.deps.Bridges.Resume(ctx, rec.ID)
		if errors.Is(err, domain.ErrStateConflict) {
			w.log.Info("Bridge not resumed", "bridge", rec.ID, "phase", rec.Phase.Name(), "reason", err)
			continue
		}
		if err != nil {
			w.log.Warn("Bridge resume failed", "bridge", rec.ID, "phase", rec.Phase.Name(), "error", err)
			continue
		}
		w.log.Info("Bridge resumed", "bridge", rec.ID, "phase", out.Phase.Name())
	}
}

func (w *Watcher) lastCycle() CycleStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := CycleStatus{LastRun: w.lastRun, Findings: w.lastCount}
	if w.lastErr != nil {
		st.Error = w.lastErr.Error()
	}
	return st
}

// Stop waits for the running cycle and workers, then shuts the server down.
func (w *Watcher) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
	}
	if w.cron != nil {
		select {
		case <-w.cron.Stop().Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if w.server != nil {
		if err := w.server.Stop(ctx); err != nil {
			return fmt.Errorf("failed to stop health server: %w", err)
		}
	}
	w.log.Info("Watcher stopped")
	return nil
}
