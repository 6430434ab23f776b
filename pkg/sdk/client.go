// Package sdk is the Go client for the Tably payment authorization API.
//
// Quick start:
//
//	client := sdk.NewClient(sdk.Config{
//	    BaseURL:      "https://payments.tably.dev",
//	    APIKey:       os.Getenv("TABLY_API_KEY"),
//	    RestaurantID: os.Getenv("TABLY_RESTAURANT_ID"),
//	})
//
//	auth, err := client.Authorize(ctx, &sdk.AuthorizationRequest{
//	    PaymentToken:   "pt_…",
//	    AmountCents:    4250,
//	    Currency:       "USD",
//	    IdempotencyKey: orderID,
//	})
//	if err != nil {
//	    return err
//	}
//	if !sdk.Terminal(auth.Status) {
//	    status, err := client.AwaitDecision(ctx, auth.AuthRequestID, time.Second)
//	    …
//	}
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the SDK configuration.
type Config struct {
	// BaseURL is the API endpoint, e.g. "https://payments.tably.dev" or
	// "http://localhost:8080". Required.
	BaseURL string

	// APIKey authenticates requests. Required in production.
	APIKey string

	// RestaurantID scopes status reads. Required for GetStatus and
	// AwaitDecision; Authorize and Void derive it from the API key.
	RestaurantID string

	// Timeout per request (default 30s). Authorize calls can block for the
	// server's fast-path window, so keep this above it.
	Timeout time.Duration

	// HTTPClient overrides the default client; Timeout is ignored when set.
	HTTPClient *http.Client
}

// Client calls the payment authorization API.
type Client struct {
	config     Config
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{config: cfg, httpClient: httpClient}
}

// Authorize submits a payment authorization. When the decision lands within
// the server's fast-path window the returned Authorization is terminal and
// carries Result; otherwise Status is PENDING or PROCESSING and the caller
// polls or streams.
func (c *Client) Authorize(ctx context.Context, req *AuthorizationRequest) (*Authorization, error) {
	if req.RestaurantID == "" {
		req.RestaurantID = c.config.RestaurantID
	}

	var auth Authorization
	if err := c.do(ctx, http.MethodPost, "/v1/authorize", req, &auth); err != nil {
		return nil, err
	}
	return &auth, nil
}

// GetStatus fetches the current status snapshot for an authorization.
func (c *Client) GetStatus(ctx context.Context, authRequestID string) (*AuthorizationStatus, error) {
	if c.config.RestaurantID == "" {
		return nil, fmt.Errorf("payments: Config.RestaurantID is required for status reads")
	}
	path := fmt.Sprintf("/v1/authorize/%s/status?restaurant_id=%s",
		url.PathEscape(authRequestID), url.QueryEscape(c.config.RestaurantID))

	var st AuthorizationStatus
	if err := c.do(ctx, http.MethodGet, path, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Void requests reversal of an authorization. A pending request is voided
// before it reaches a processor; an authorized one is reversed. The returned
// snapshot reflects the state at the time of the call; the VOIDED status
// lands asynchronously.
func (c *Client) Void(ctx context.Context, authRequestID string, req *VoidRequest) (*AuthorizationStatus, error) {
	if req == nil {
		req = &VoidRequest{}
	}
	path := fmt.Sprintf("/v1/authorize/%s/void", url.PathEscape(authRequestID))

	var st AuthorizationStatus
	if err := c.do(ctx, http.MethodPost, path, req, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// AwaitDecision polls GetStatus until the authorization is terminal or ctx
// expires. interval defaults to one second.
func (c *Client) AwaitDecision(ctx context.Context, authRequestID string, interval time.Duration) (*AuthorizationStatus, error) {
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		st, err := c.GetStatus(ctx, authRequestID)
		if err != nil {
			return nil, err
		}
		if Terminal(st.Status) {
			return st, nil
		}

		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

// do runs one request/response cycle. Non-2xx responses decode into
// *APIError.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("payments: failed to encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("payments: failed to build request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.config.APIKey != "" {
		httpReq.Header.Set("X-API-Key", c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("payments: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("payments: failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Code: ErrCodeInternal, Message: "unexpected response"}
		var envelope struct {
			Error *APIError `json:"error"`
		}
		if json.Unmarshal(respBody, &envelope) == nil && envelope.Error != nil && envelope.Error.Code != "" {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("payments: failed to decode response: %w", err)
		}
	}
	return nil
}
