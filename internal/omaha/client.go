package omaha

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxResponseBodyBytes = 256 * 1024

// RetryConfig bounds the update-check retry loop.
type RetryConfig struct {
	MaxRetries int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// Client fetches update-check responses from the update server, retrying
// transient failures with capped exponential backoff. Retry here covers the
// check request only; payload download retry policy belongs to the payload
// state machine.
type Client struct {
	baseURL    string
	httpClient *http.Client
	config     RetryConfig
}

func NewClient(baseURL string, httpClient *http.Client, config RetryConfig) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		config:     config,
	}
}

// RetryableError marks a server-side failure worth retrying.
type RetryableError struct {
	StatusCode int
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable update-check error: HTTP %d", e.StatusCode)
}

// Check performs one update check and returns the parsed response.
func (c *Client) Check(ctx context.Context) (*Response, error) {
	body, err := c.get(ctx, c.baseURL+"/update")
	if err != nil {
		return nil, err
	}

	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse update response: %w", err)
	}
	return &resp, nil
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	backoff := c.config.Backoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
				if backoff > c.config.MaxBackoff {
					backoff = c.config.MaxBackoff
				}
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = &RetryableError{StatusCode: resp.StatusCode}
			resp.Body.Close()
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("update check: HTTP %d", resp.StatusCode)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return body, nil
	}

	return nil, lastErr
}

// BaseURL returns the configured server base URL.
func (c *Client) BaseURL() string { return c.baseURL }
