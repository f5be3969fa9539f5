// Package rpc provides a resilient JSON-RPC client for EVM chains.
//
// A Client walks the providers configured for one chain, retrying transient
// errors on each and failing over on throttling. Errors the node returns for
// the call itself, such as a reverted eth_call, are returned as-is.
//
//	router := routing.NewRouter()
//	router.AddProvider("base_sepolia", provider.NewHTTPProvider("publicnode", url, 30*time.Second))
//	client := rpc.NewClient("base_sepolia", router)
//
//	var head string
//	err := client.CallFor(ctx, &head, "eth_blockNumber")
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/treasury/internal/core/config"
	"github.com/vietddude/treasury/internal/infra/rpc/provider"
	"github.com/vietddude/treasury/internal/infra/rpc/routing"
	"github.com/vietddude/treasury/internal/metrics"
)

// Client is the high-level interface for making RPC calls on one chain.
type Client struct {
	chain  string
	router routing.Router
	retry  routing.RetryConfig
}

// NewClient creates a new RPC client.
func NewClient(chain string, router routing.Router) *Client {
	return &Client{
		chain:  chain,
		router: router,
		retry:  routing.DefaultRetryConfig,
	}
}

// NewClientFromConfig builds providers for a configured chain.
func NewClientFromConfig(chain config.ChainConfig) (*Client, error) {
	if len(chain.Providers) == 0 {
		return nil, fmt.Errorf("chain %s has no rpc providers", chain.Key)
	}
	router := routing.NewRouter()
	for _, pc := range chain.Providers {
		p := provider.NewHTTPProvider(pc.Name, pc.URL, pc.Timeout)
		p.SetRateLimit(pc.IntervalLimit, pc.IntervalDuration)
		router.AddProvider(chain.Key, p)
	}
	return NewClient(chain.Key, router), nil
}

// SetRetryConfig overrides the per-provider retry policy.
func (c *Client) SetRetryConfig(cfg routing.RetryConfig) {
	c.retry = cfg
}

// Chain returns the chain key the client serves.
func (c *Client) Chain() string {
	return c.chain
}

// Call makes an RPC call with retry and failover.
func (c *Client) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	providers := c.router.Candidates(c.chain)
	if len(providers) == 0 {
		return nil, fmt.Errorf("no providers for chain %s", c.chain)
	}

	var lastErr error
	for _, p := range providers {
		start := time.Now()
		result, err := routing.CallWithRetry(ctx, p, method, params, c.retry)
		latency := time.Since(start)

		metrics.RPCCallsTotal.WithLabelValues(c.chain, p.GetName(), method).Inc()
		metrics.RPCLatency.WithLabelValues(c.chain, p.GetName(), method).Observe(latency.Seconds())

		if err == nil {
			c.router.RecordSuccess(p.GetName(), latency)
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		action := routing.ClassifyError(err)
		metrics.RPCErrorsTotal.WithLabelValues(c.chain, p.GetName(), action.String()).Inc()

		if action == routing.ActionFatal {
			// The request itself is bad; another node will say the same.
			return nil, err
		}
		c.router.RecordFailure(p.GetName(), err)
		slog.Warn("RPC provider failed, trying next",
			"chain", c.chain, "provider", p.GetName(), "method", method, "error", err)
	}

	return nil, fmt.Errorf("all providers failed: %w", lastErr)
}

// ErrOutcomeUnknown is wrapped by CallOnce when the request may have reached
// a node but no answer came back.
var ErrOutcomeUnknown = errors.New("rpc outcome unknown")

// CallOnce makes a call that must not be repeated, such as
// eth_sendTransaction. Each provider gets a single attempt and the next one
// is tried only when the previous provably never received the request. An
// answer from the node, including a JSON-RPC error, is returned as-is.
func (c *Client) CallOnce(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	providers := c.router.Candidates(c.chain)
	if len(providers) == 0 {
		return nil, fmt.Errorf("no providers for chain %s: %w", c.chain, provider.ErrNotSent)
	}

	var lastErr error
	for _, p := range providers {
		start := time.Now()
		result, err := p.Call(ctx, method, params)
		latency := time.Since(start)

		metrics.RPCCallsTotal.WithLabelValues(c.chain, p.GetName(), method).Inc()
		metrics.RPCLatency.WithLabelValues(c.chain, p.GetName(), method).Observe(latency.Seconds())

		if err == nil {
			c.router.RecordSuccess(p.GetName(), latency)
			return result, nil
		}
		var rpcErr *provider.RPCError
		if errors.As(err, &rpcErr) && !errors.Is(err, provider.ErrNotSent) {
			metrics.RPCErrorsTotal.WithLabelValues(c.chain, p.GetName(), routing.ClassifyError(err).String()).Inc()
			return nil, err
		}
		metrics.RPCErrorsTotal.WithLabelValues(c.chain, p.GetName(), "once").Inc()
		c.router.RecordFailure(p.GetName(), err)

		if !errors.Is(err, provider.ErrNotSent) {
			return nil, fmt.Errorf("%s via %s: %w: %w", method, p.GetName(), ErrOutcomeUnknown, err)
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w: %w", method, provider.ErrNotSent, ctx.Err())
		}
		lastErr = err
		slog.Warn("RPC provider did not take the request, trying next",
			"chain", c.chain, "provider", p.GetName(), "method", method, "error", err)
	}

	return nil, fmt.Errorf("all providers refused: %w", lastErr)
}

// CallOnceFor is CallOnce decoding the result into out. An undecodable
// answer still means the node accepted the call.
func (c *Client) CallOnceFor(ctx context.Context, out any, method string, params ...any) error {
	raw, err := c.CallOnce(ctx, method, params...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s result: %w: %w", method, ErrOutcomeUnknown, err)
	}
	return nil
}

// CallFor makes a call and decodes its result into out.
func (c *Client) CallFor(ctx context.Context, out any, method string, params ...any) error {
	raw, err := c.Call(ctx, method, params...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// ProviderHealth returns health for every configured provider.
func (c *Client) ProviderHealth() map[string]provider.HealthStatus {
	out := make(map[string]provider.HealthStatus)
	for _, p := range c.router.Candidates(c.chain) {
		out[p.GetName()] = p.GetHealth()
	}
	return out
}

// Close releases provider resources.
func (c *Client) Close() error {
	for _, p := range c.router.Candidates(c.chain) {
		_ = p.Close()
	}
	return nil
}
