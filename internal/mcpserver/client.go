package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Pricing is the proxy's advertised price list.
type Pricing struct {
	PricePerCall uint64 `json:"pricePerCall"`
	PriceDisplay string `json:"priceDisplay"`
	Asset        string `json:"asset"`
	Network      string `json:"network"`
	PayTo        string `json:"payTo"`
	Decimals     int32  `json:"decimals"`
	Backend      string `json:"backend"`
	Available    bool   `json:"available"`
}

// ProxyClient reads the free endpoints of an inference proxy.
type ProxyClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewProxyClient creates a client for the proxy at baseURL.
func NewProxyClient(baseURL string, hc *http.Client) *ProxyClient {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &ProxyClient{baseURL: strings.TrimRight(baseURL, "/"), httpClient: hc}
}

// InferenceURL is the guarded endpoint.
func (c *ProxyClient) InferenceURL() string {
	return c.baseURL + "/inference"
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Pricing fetches GET /pricing.
func (c *ProxyClient) Pricing(ctx context.Context) (*Pricing, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/pricing", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}

	var p Pricing
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode pricing: %w", err)
	}
	return &p, nil
}
