package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/vietddude/treasury/internal/infra/rpc/provider"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err    error
		expect ErrorAction
	}{
		{errors.New("429 Too Many Requests"), ActionFailover},
		{errors.New("project rate limit exceeded"), ActionFailover},
		{errors.New("quota exceeded"), ActionFailover},
		{errors.New("daily request count exceeded"), ActionFailover},
		{errors.New("403 Forbidden"), ActionFailover},
		{errors.New("provider throttled, retry after: 1m0s"), ActionFailover},
		{errors.New("Invalid JSON-RPC request -32600"), ActionFatal},
		{errors.New("Method not found -32601"), ActionFatal},
		{errors.New("Parse error -32700"), ActionFatal},
		{&provider.RPCError{Code: 3, Message: "execution reverted"}, ActionFatal},
		{fmt.Errorf("wrapped: %w", &provider.RPCError{Code: -32602, Message: "bad"}), ActionFatal},
		{&provider.RPCError{Code: -32000, Message: "header not found"}, ActionRetry},
		{errors.New("connection reset by peer"), ActionRetry},
		{errors.New("timeout"), ActionRetry},
		{errors.New("500 Internal Server Error"), ActionRetry},
	}

	for _, tt := range tests {
		if got := ClassifyError(tt.err); got != tt.expect {
			t.Errorf("ClassifyError(%q) = %v, want %v", tt.err, got, tt.expect)
		}
	}
}

func TestCalculateBackoff(t *testing.T) {
	cfg := RetryConfig{InitialDelay: time.Second, MaxDelay: 5 * time.Second, BackoffMultiple: 2}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}
	for attempt, w := range want {
		if got := calculateBackoff(attempt, cfg); got != w {
			t.Errorf("attempt %d: got %v, want %v", attempt, got, w)
		}
	}
}

type flakyProvider struct {
	name  string
	fails int
	err   error
	calls int
}

func (f *flakyProvider) GetName() string { return f.name }
func (f *flakyProvider) GetHealth() provider.HealthStatus {
	return provider.HealthStatus{Available: true}
}
func (f *flakyProvider) IsAvailable() bool { return true }
func (f *flakyProvider) Close() error      { return nil }

func (f *flakyProvider) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	f.calls++
	if f.calls <= f.fails {
		return nil, f.err
	}
	return json.RawMessage(`"ok"`), nil
}

func TestCallWithRetry(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiple: 2}

	t.Run("recovers from transient errors", func(t *testing.T) {
		p := &flakyProvider{name: "a", fails: 2, err: errors.New("connection reset")}
		res, err := CallWithRetry(context.Background(), p, "eth_blockNumber", nil, cfg)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(res) != `"ok"` || p.calls != 3 {
			t.Errorf("got %s after %d calls", res, p.calls)
		}
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		p := &flakyProvider{name: "a", fails: 10, err: errors.New("connection reset")}
		if _, err := CallWithRetry(context.Background(), p, "eth_blockNumber", nil, cfg); err == nil {
			t.Fatal("expected error")
		}
		if p.calls != 3 {
			t.Errorf("expected 3 calls, got %d", p.calls)
		}
	})

	t.Run("fatal stops immediately", func(t *testing.T) {
		p := &flakyProvider{name: "a", fails: 10, err: &provider.RPCError{Code: 3, Message: "execution reverted"}}
		if _, err := CallWithRetry(context.Background(), p, "eth_call", nil, cfg); err == nil {
			t.Fatal("expected error")
		}
		if p.calls != 1 {
			t.Errorf("expected 1 call, got %d", p.calls)
		}
	})
}

func TestRouterCircuitBreaker(t *testing.T) {
	r := NewRouter()
	now := time.Unix(1000, 0)
	r.now = func() time.Time { return now }

	a := &flakyProvider{name: "a"}
	b := &flakyProvider{name: "b"}
	r.AddProvider("base_sepolia", a)
	r.AddProvider("base_sepolia", b)

	if got := r.Candidates("base_sepolia"); got[0].GetName() != "a" {
		t.Fatalf("expected a first, got %s", got[0].GetName())
	}

	for i := 0; i < 5; i++ {
		r.RecordFailure("a", errors.New("boom"))
	}
	got := r.Candidates("base_sepolia")
	if len(got) != 2 || got[0].GetName() != "b" || got[1].GetName() != "a" {
		t.Fatalf("expected b before a while circuit is open")
	}

	now = now.Add(time.Minute)
	if got := r.Candidates("base_sepolia"); got[0].GetName() != "a" {
		t.Fatalf("expected a first after cooldown")
	}

	r.RecordSuccess("a", time.Millisecond)
	if len(r.Providers("base_sepolia")) != 2 {
		t.Fatal("expected two providers")
	}
}
