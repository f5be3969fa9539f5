package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vietddude/treasury/internal/core/config"
	"github.com/vietddude/treasury/internal/infra/rpc/provider"
	"github.com/vietddude/treasury/internal/infra/rpc/routing"
)

// TestChain is a chain key for unit testing
const TestChain = "test_chain"

// MockProvider implements provider.Provider for routing tests
type MockProvider struct {
	name       string
	shouldFail bool
	err        error
	callCount  int
}

func (m *MockProvider) GetName() string {
	return m.name
}

func (m *MockProvider) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	m.callCount++
	if m.err != nil {
		return nil, m.err
	}
	if m.shouldFail {
		return nil, fmt.Errorf("mock provider %s failed", m.name)
	}
	return json.RawMessage(`"success_result"`), nil
}

func (m *MockProvider) GetHealth() provider.HealthStatus {
	return provider.HealthStatus{
		Available: !m.shouldFail,
	}
}

func (m *MockProvider) IsAvailable() bool {
	return true
}

func (m *MockProvider) Close() error {
	return nil
}

var fastRetry = routing.RetryConfig{
	MaxAttempts:     3,
	InitialDelay:    time.Millisecond,
	MaxDelay:        time.Millisecond,
	BackoffMultiple: 2,
}

// TestRPC_RetryAndFailover verifies retry on primary provider
// and failover to secondary provider
func TestRPC_RetryAndFailover(t *testing.T) {
	ctx := context.Background()

	primary := &MockProvider{name: "primary", shouldFail: true}
	secondary := &MockProvider{name: "secondary"}

	router := routing.NewRouter()
	router.AddProvider(TestChain, primary)
	router.AddProvider(TestChain, secondary)

	client := NewClient(TestChain, router)
	client.SetRetryConfig(fastRetry)

	var result string
	if err := client.CallFor(ctx, &result, "test_method"); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if result != "success_result" {
		t.Fatalf("unexpected result: %v", result)
	}

	if primary.callCount != fastRetry.MaxAttempts {
		t.Errorf("primary provider expected %d retries, got %d", fastRetry.MaxAttempts, primary.callCount)
	}
	if secondary.callCount != 1 {
		t.Errorf("secondary provider expected 1 call, got %d", secondary.callCount)
	}
}

func TestRPC_FatalErrorSkipsFailover(t *testing.T) {
	primary := &MockProvider{name: "primary", err: &provider.RPCError{Code: 3, Message: "execution reverted"}}
	secondary := &MockProvider{name: "secondary"}

	router := routing.NewRouter()
	router.AddProvider(TestChain, primary)
	router.AddProvider(TestChain, secondary)

	client := NewClient(TestChain, router)
	client.SetRetryConfig(fastRetry)

	if _, err := client.Call(context.Background(), "eth_call"); err == nil {
		t.Fatal("expected error")
	}
	if primary.callCount != 1 || secondary.callCount != 0 {
		t.Errorf("expected one call to primary only, got %d/%d", primary.callCount, secondary.callCount)
	}
}

// TestRPC_CallOnceDoesNotResendSlowCall checks that a send whose answer is
// lost to a timeout is neither retried nor failed over.
func TestRPC_CallOnceDoesNotResendSlowCall(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			select {
			case <-time.After(300 * time.Millisecond):
			case <-r.Context().Done():
				return
			}
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0xaa"}`))
	}))
	defer server.Close()

	router := routing.NewRouter()
	router.AddProvider(TestChain, provider.NewHTTPProvider("primary", server.URL, 100*time.Millisecond))
	router.AddProvider(TestChain, provider.NewHTTPProvider("secondary", server.URL, time.Second))
	client := NewClient(TestChain, router)
	client.SetRetryConfig(fastRetry)

	var hash string
	err := client.CallOnceFor(context.Background(), &hash, "eth_sendTransaction", map[string]any{})
	if !errors.Is(err, ErrOutcomeUnknown) {
		t.Fatalf("expected unknown outcome, got %v", err)
	}
	if n := requests.Load(); n != 1 {
		t.Errorf("expected the send to reach a node once, got %d requests", n)
	}
}

func TestRPC_CallOnceFailsOverOnlyWhenNotSent(t *testing.T) {
	primary := &MockProvider{name: "primary", err: fmt.Errorf("dial tcp: refused: %w", provider.ErrNotSent)}
	secondary := &MockProvider{name: "secondary"}

	router := routing.NewRouter()
	router.AddProvider(TestChain, primary)
	router.AddProvider(TestChain, secondary)
	client := NewClient(TestChain, router)

	if _, err := client.CallOnce(context.Background(), "eth_sendTransaction"); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if primary.callCount != 1 || secondary.callCount != 1 {
		t.Errorf("expected one call each, got %d/%d", primary.callCount, secondary.callCount)
	}

	primary = &MockProvider{name: "primary", err: errors.New("connection reset by peer")}
	secondary = &MockProvider{name: "secondary"}
	router = routing.NewRouter()
	router.AddProvider(TestChain, primary)
	router.AddProvider(TestChain, secondary)
	client = NewClient(TestChain, router)

	_, err := client.CallOnce(context.Background(), "eth_sendTransaction")
	if !errors.Is(err, ErrOutcomeUnknown) {
		t.Fatalf("expected unknown outcome, got %v", err)
	}
	if primary.callCount != 1 || secondary.callCount != 0 {
		t.Errorf("expected one call to primary only, got %d/%d", primary.callCount, secondary.callCount)
	}
}

func TestRPC_CallOnceReturnsNodeErrors(t *testing.T) {
	primary := &MockProvider{name: "primary", err: &provider.RPCError{Code: 3, Message: "execution reverted"}}
	secondary := &MockProvider{name: "secondary"}

	router := routing.NewRouter()
	router.AddProvider(TestChain, primary)
	router.AddProvider(TestChain, secondary)
	client := NewClient(TestChain, router)

	_, err := client.CallOnce(context.Background(), "eth_sendTransaction")
	var rpcErr *provider.RPCError
	if !errors.As(err, &rpcErr) || errors.Is(err, ErrOutcomeUnknown) {
		t.Fatalf("expected the node's error, got %v", err)
	}
	if secondary.callCount != 0 {
		t.Errorf("expected no failover, got %d calls", secondary.callCount)
	}
}

func TestRPC_NoProviders(t *testing.T) {
	client := NewClient(TestChain, routing.NewRouter())
	if _, err := client.Call(context.Background(), "eth_blockNumber"); err == nil {
		t.Fatal("expected error")
	}
}

func TestNewClientFromConfig(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x14a34"}`))
	}))
	defer server.Close()

	client, err := NewClientFromConfig(config.ChainConfig{
		Key: "base_sepolia",
		Providers: []config.ProviderConfig{
			{Name: "local", URL: server.URL, Timeout: time.Second, IntervalLimit: 100, IntervalDuration: time.Second},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer client.Close()

	var chainID string
	if err := client.CallFor(context.Background(), &chainID, "eth_chainId"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chainID != "0x14a34" {
		t.Errorf("unexpected chain id %s", chainID)
	}
	if _, ok := client.ProviderHealth()["local"]; !ok {
		t.Error("expected health for provider local")
	}

	if _, err := NewClientFromConfig(config.ChainConfig{Key: "empty"}); err == nil {
		t.Error("expected error for chain without providers")
	}
}
