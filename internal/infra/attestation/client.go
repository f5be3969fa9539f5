// Package attestation polls Circle's Iris API for CCTP burn attestations.
package attestation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/vietddude/treasury/internal/core/domain"
	"github.com/vietddude/treasury/internal/metrics"
)

// Result is a completed attestation.
type Result struct {
	Message     []byte
	Attestation []byte
}

// Poller checks whether a burn has been attested. A nil Result with a nil
// error means the attestation is still pending.
type Poller interface {
	Poll(ctx context.Context, sourceDomain uint32, burnTxHash string) (*Result, error)
}

// Client queries GET {base}/v2/messages/{domain}?transactionHash={hash}.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var _ Poller = (*Client)(nil)

// NewClient creates an Iris client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type messagesResponse struct {
	Messages []struct {
		Message     string `json:"message"`
		Attestation string `json:"attestation"`
		Status      string `json:"status"`
	} `json:"messages"`
}

// Poll fetches the attestation for a burn. Only status "complete" with a
// decodable message and attestation counts as ready.
func (c *Client) Poll(ctx context.Context, sourceDomain uint32, burnTxHash string) (*Result, error) {
	const op = "attestation.Poll"
	hash, err := domain.NormalizeTxHash(op, "burn_tx_hash", burnTxHash)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/v2/messages/%d?transactionHash=%s", c.baseURL, sourceDomain, url.QueryEscape(hash))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.AttestationPolls.WithLabelValues("error").Inc()
		return nil, domain.TransientError(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		metrics.AttestationPolls.WithLabelValues("error").Inc()
		return nil, domain.TransientError(op, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		// Iris has not indexed the burn yet.
		metrics.AttestationPolls.WithLabelValues("pending").Inc()
		return nil, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		metrics.AttestationPolls.WithLabelValues("error").Inc()
		return nil, domain.TransientError(op, fmt.Errorf("http %d: %s", resp.StatusCode, truncate(body)))
	case resp.StatusCode != http.StatusOK:
		metrics.AttestationPolls.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%s: http %d: %s", op, resp.StatusCode, truncate(body))
	}

	var parsed messagesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		metrics.AttestationPolls.WithLabelValues("error").Inc()
		return nil, domain.TransientError(op, fmt.Errorf("parse response: %w", err))
	}

	res, err := completed(parsed)
	if err != nil {
		metrics.AttestationPolls.WithLabelValues("error").Inc()
		return nil, domain.TransientError(op, err)
	}
	if res == nil {
		metrics.AttestationPolls.WithLabelValues("pending").Inc()
		return nil, nil
	}
	metrics.AttestationPolls.WithLabelValues("complete").Inc()
	return res, nil
}

func completed(parsed messagesResponse) (*Result, error) {
	if len(parsed.Messages) == 0 {
		return nil, nil
	}
	m := parsed.Messages[0]
	if m.Status != "complete" || m.Attestation == "" || strings.EqualFold(m.Attestation, "PENDING") {
		return nil, nil
	}
	message, err := hexutil.Decode(m.Message)
	if err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	att, err := hexutil.Decode(m.Attestation)
	if err != nil {
		return nil, fmt.Errorf("decode attestation: %w", err)
	}
	if len(message) == 0 || len(att) == 0 {
		return nil, errors.New("empty message or attestation")
	}
	return &Result{Message: message, Attestation: att}, nil
}

func truncate(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
