// Package pricing fetches current coin prices from the pricing service.
package pricing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/pricewatch/internal/models"
	"github.com/rewired-gh/pricewatch/internal/resilience"
)

// maxBodyBytes bounds how much of a response is read.
const maxBodyBytes = 1 << 20

// Client provides access to the pricing service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// ClientConfig holds HTTP transport tuning for the pricing client.
type ClientConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// StatusError is returned for unexpected HTTP statuses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("pricing service returned %d: %s", e.Code, e.Body)
}

// coinResponse is the envelope returned by GET /coin/{id}.
type coinResponse struct {
	Status string `json:"status"`
	Data   struct {
		CurrentPrice json.Number `json:"current_price"`
	} `json:"data"`
}

// NewClient creates a new pricing client. Per-call timeouts come from the caller's context.
func NewClient(baseURL string, cfg ClientConfig) *Client {
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 100
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = 10
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = cfg.MaxIdleConns
	transport.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
	transport.IdleConnTimeout = cfg.IdleConnTimeout

	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Transport: transport},
	}
}

// GetPrice returns the current USD price of coinID.
// Unknown coins fail with models.ErrUnknownCoin; everything else is worth retrying.
func (c *Client) GetPrice(ctx context.Context, coinID string) (decimal.Decimal, error) {
	u, err := url.JoinPath(c.baseURL, "coin", url.PathEscape(coinID))
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to build URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch price for %s: %w", coinID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read price response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return decimal.Zero, fmt.Errorf("%w: %s", models.ErrUnknownCoin, coinID)
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, &StatusError{Code: resp.StatusCode, Body: truncate(string(body), 200)}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return decimal.Zero, fmt.Errorf("empty price response for %s", coinID)
	}

	var cr coinResponse
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&cr); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode price response: %w", err)
	}
	if cr.Status != "success" || cr.Data.CurrentPrice == "" {
		return decimal.Zero, fmt.Errorf("invalid price response for %s: status %q", coinID, cr.Status)
	}

	price, err := decimal.NewFromString(cr.Data.CurrentPrice.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid price %q for %s: %w", cr.Data.CurrentPrice, coinID, err)
	}
	if price.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative price %s for %s", price, coinID)
	}
	return price, nil
}

// Classify marks unknown coins and client-side request errors as permanent.
func Classify(err error) resilience.Class {
	if errors.Is(err, models.ErrUnknownCoin) {
		return resilience.Permanent
	}
	var se *StatusError
	if errors.As(err, &se) && se.Code >= 400 && se.Code < 500 &&
		se.Code != http.StatusRequestTimeout && se.Code != http.StatusTooManyRequests {
		return resilience.Permanent
	}
	return resilience.Transient
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
