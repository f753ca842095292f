package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/escrowd/internal/auth"
)

// Config holds the configuration for connecting to an escrowd server.
type Config struct {
	APIURL string       // Base URL, e.g. "http://localhost:8080"
	Signer *auth.Signer // signs mutating requests as the agent
}

// EscrowClient is an HTTP client for the escrowd API.
type EscrowClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewEscrowClient creates a new client.
func NewEscrowClient(cfg Config) *EscrowClient {
	return &EscrowClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the server.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request and returns the response body. Requests
// with a body are signed.
func (c *EscrowClient) doRequest(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	u, err := url.Parse(strings.TrimRight(c.cfg.APIURL, "/") + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	var data []byte
	if body != nil {
		data, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet && c.cfg.Signer != nil {
		h, err := c.cfg.Signer.Headers(method, u.Path, data)
		if err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
		for k, v := range h {
			req.Header[k] = v
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// Address is the agent's own address, or "" without a signer.
func (c *EscrowClient) Address() string {
	if c.cfg.Signer == nil {
		return ""
	}
	return c.cfg.Signer.Address().Hex()
}

// CreateEscrow opens an escrow with the agent as buyer.
func (c *EscrowClient) CreateEscrow(ctx context.Context, seller string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows", map[string]string{"seller": seller})
}

// Deposit attaches value (ether decimal) to an escrow.
func (c *EscrowClient) Deposit(ctx context.Context, escrowID, value string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+url.PathEscape(escrowID)+"/deposit",
		map[string]string{"value": value})
}

// Release pays an escrow out to its seller.
func (c *EscrowClient) Release(ctx context.Context, escrowID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+url.PathEscape(escrowID)+"/release", struct{}{})
}

// Refund returns an escrow's funds to its buyer.
func (c *EscrowClient) Refund(ctx context.Context, escrowID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+url.PathEscape(escrowID)+"/refund", struct{}{})
}

// GetEscrow fetches an escrow.
func (c *EscrowClient) GetEscrow(ctx context.Context, escrowID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/escrows/"+url.PathEscape(escrowID), nil)
}

// GetBalance fetches an account balance.
func (c *EscrowClient) GetBalance(ctx context.Context, address string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(address)+"/balance", nil)
}
