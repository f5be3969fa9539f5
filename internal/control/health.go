package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/treasury/internal/infra/chain"
	"github.com/vietddude/treasury/internal/infra/storage"
)

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// ChainHealth contains health details for one chain.
type ChainHealth struct {
	Chain          string       `json:"chain"`
	Status         SystemStatus `json:"status"`
	ConfirmedBlock uint64       `json:"confirmed_block"`
	ScanLag        uint64       `json:"scan_lag"`
	Error          string       `json:"error,omitempty"`
}

// CycleStatus summarizes the last reconciliation cycle.
type CycleStatus struct {
	LastRun  time.Time `json:"last_run"`
	Findings int       `json:"findings"`
	Error    string    `json:"error,omitempty"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus           `json:"system_status"`
	Database     string                 `json:"database"`
	Cycle        CycleStatus            `json:"cycle"`
	Chains       map[string]ChainHealth `json:"chains"`
}

// Monitor aggregates health status from the store, the chains and the
// reconciliation loop.
type Monitor struct {
	store  storage.Store
	chains chain.Clients
	cycle  func() CycleStatus

	mu         sync.Mutex
	lastCheck  time.Time
	lastReport *HealthReport
}

// NewMonitor creates a new health monitor.
func NewMonitor(store storage.Store, chains chain.Clients, cycle func() CycleStatus) *Monitor {
	return &Monitor{store: store, chains: chains, cycle: cycle}
}

// CheckHealth builds a report, at most once every 10s.
func (m *Monitor) CheckHealth(ctx context.Context) *HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Rate limit checks to avoid spamming RPC
	if m.lastReport != nil && time.Since(m.lastCheck) < 10*time.Second {
		return m.lastReport
	}

	report := &HealthReport{
		SystemStatus: StatusHealthy,
		Database:     "ok",
		Chains:       make(map[string]ChainHealth),
	}
	if m.cycle != nil {
		report.Cycle = m.cycle()
		if report.Cycle.Error != "" {
			report.SystemStatus = StatusDegraded
		}
	}
	if err := m.store.Ping(ctx); err != nil {
		report.Database = err.Error()
		report.SystemStatus = StatusCritical
	}

	marks, err := m.store.ListHighWaterMarks(ctx)
	if err != nil {
		marks = nil
	}
	for _, key := range m.chains.Keys() {
		h := ChainHealth{Chain: key, Status: StatusHealthy}
		head, err := m.chains[key].ConfirmedBlock(ctx)
		if err != nil {
			h.Status = StatusDegraded
			h.Error = err.Error()
		} else {
			h.ConfirmedBlock = head
			for _, mk := range marks {
				if mk.Chain == key && head > mk.BlockNumber && head-mk.BlockNumber > h.ScanLag {
					h.ScanLag = head - mk.BlockNumber
				}
			}
		}
		if h.Status != StatusHealthy && report.SystemStatus == StatusHealthy {
			report.SystemStatus = StatusDegraded
		}
		report.Chains[key] = h
	}

	m.lastCheck = time.Now()
	m.lastReport = report
	return report
}

// Server provides HTTP endpoints for health monitoring.
type Server struct {
	monitor *Monitor
	server  *http.Server
}

// NewServer creates a new health server.
func NewServer(monitor *Monitor, port int) *Server {
	mux := http.NewServeMux()
	s := &Server{
		monitor: monitor,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/detailed", s.handleDetailed)
	mux.Handle("/metrics", promhttp.Handler())

	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.monitor.CheckHealth(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if report.SystemStatus == StatusCritical {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": string(report.SystemStatus)})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	report := s.monitor.CheckHealth(r.Context())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}
