/**
 * @description
 * Client for the internal billing routes, used by the scheduler binary.
 */
package billingclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// RunSummary is the subset of a batch summary the scheduler logs.
type RunSummary struct {
	RunID          string `json:"run_id"`
	Status         string `json:"status"`
	ProcessedCount int    `json:"processed_count"`
	SuccessCount   int    `json:"success_count"`
	FailedCount    int    `json:"failed_count"`
	SuspendedCount int    `json:"suspended_count"`
	SkippedCount   int    `json:"skipped_count"`
	TotalAmount    int64  `json:"total_amount"`
}

// ExpirySummary is the subset of an expiry summary the scheduler logs.
type ExpirySummary struct {
	Evaluated int `json:"evaluated"`
	Expired   int `json:"expired"`
	Failed    int `json:"failed"`
}

// Client triggers billing jobs on the billing service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new billing service client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 2 * time.Hour},
	}
}

// RunBatch triggers the recurring charge run for the given calendar date.
func (c *Client) RunBatch(ctx context.Context, today time.Time) (*RunSummary, error) {
	var out RunSummary
	if err := c.post(ctx, "/internal/billing/run", today, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExpireCancellations triggers expiry of lapsed cancellations for the given calendar date.
func (c *Client) ExpireCancellations(ctx context.Context, today time.Time) (*ExpirySummary, error) {
	var out ExpirySummary
	if err := c.post(ctx, "/internal/billing/expire", today, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path string, today time.Time, out interface{}) error {
	if c.baseURL == "" {
		return fmt.Errorf("billing service base URL is not configured")
	}

	body, err := json.Marshal(map[string]string{"date": today.Format(time.DateOnly)})
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-Internal-API-Key", c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		log.Printf("level=warn component=billing_client msg=\"non-2xx response\" path=%s status=%d body=%q", path, resp.StatusCode, string(snippet))
		return fmt.Errorf("billing service returned status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
