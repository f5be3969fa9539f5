// Package routing handles provider selection and failover.
//
// This package contains:
//   - Router: interface for provider selection and health tracking
//   - DefaultRouter: ordered providers with a per-provider circuit breaker
//   - Retry: retry logic with exponential backoff
package routing

import (
	"sync"
	"time"

	"github.com/vietddude/treasury/internal/infra/rpc/provider"
)

// Router handles provider selection and health tracking.
type Router interface {
	// AddProvider registers a provider for a specific chain
	AddProvider(chain string, p provider.Provider)

	// Candidates returns the providers to try for a chain, best first
	Candidates(chain string) []provider.Provider

	// RecordSuccess tracks successful calls
	RecordSuccess(providerName string, latency time.Duration)

	// RecordFailure tracks failed calls
	RecordFailure(providerName string, err error)
}

type providerMetrics struct {
	successCount     int
	failureCount     int
	totalLatency     time.Duration
	lastSuccessAt    time.Time
	lastFailureAt    time.Time
	consecutiveFails int
	circuitOpenUntil time.Time
}

// DefaultRouter keeps providers in configuration order. A provider whose
// circuit is open, or that reports itself unavailable, moves to the back.
type DefaultRouter struct {
	mu              sync.RWMutex
	chainProviders  map[string][]provider.Provider
	providerHealth  map[string]*providerMetrics
	failThreshold   int
	circuitCooldown time.Duration
	now             func() time.Time
}

// NewRouter creates a new router.
func NewRouter() *DefaultRouter {
	return &DefaultRouter{
		chainProviders:  make(map[string][]provider.Provider),
		providerHealth:  make(map[string]*providerMetrics),
		failThreshold:   5,
		circuitCooldown: 30 * time.Second,
		now:             time.Now,
	}
}

// AddProvider registers a provider for a chain.
func (r *DefaultRouter) AddProvider(chain string, p provider.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.chainProviders[chain] = append(r.chainProviders[chain], p)
	r.providerHealth[p.GetName()] = &providerMetrics{
		lastSuccessAt: r.now(),
	}
}

// Candidates returns healthy providers first, then the rest, so a call can
// still be attempted when everything looks unhealthy.
func (r *DefaultRouter) Candidates(chain string) []provider.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	providers := r.chainProviders[chain]
	healthy := make([]provider.Provider, 0, len(providers))
	var degraded []provider.Provider
	now := r.now()
	for _, p := range providers {
		m := r.providerHealth[p.GetName()]
		if (m != nil && now.Before(m.circuitOpenUntil)) || !p.IsAvailable() {
			degraded = append(degraded, p)
			continue
		}
		healthy = append(healthy, p)
	}
	return append(healthy, degraded...)
}

// RecordSuccess records a successful call.
func (r *DefaultRouter) RecordSuccess(providerName string, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.providerHealth[providerName]
	if !ok {
		return
	}

	m.successCount++
	m.totalLatency += latency
	m.lastSuccessAt = r.now()
	m.consecutiveFails = 0
	m.circuitOpenUntil = time.Time{}
}

// RecordFailure records a failed call.
func (r *DefaultRouter) RecordFailure(providerName string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.providerHealth[providerName]
	if !ok {
		return
	}

	m.failureCount++
	m.lastFailureAt = r.now()
	m.consecutiveFails++

	if m.consecutiveFails >= r.failThreshold {
		m.circuitOpenUntil = m.lastFailureAt.Add(r.circuitCooldown)
	}
}

// Providers returns every provider registered for a chain.
func (r *DefaultRouter) Providers(chain string) []provider.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	providers := r.chainProviders[chain]
	result := make([]provider.Provider, len(providers))
	copy(result, providers)
	return result
}
