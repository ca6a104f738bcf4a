// Package payment talks to the external payment collaborator. The engine
// never implements payment collection itself; it only opens checkout sessions
// and reads back their settlement status.
package payment

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
)

// Status is the lifecycle state of a checkout session as reported upstream.
type Status string

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusFailed  Status = "failed"
	StatusExpired Status = "expired"
)

// CheckoutRequest opens a session for one credit package purchase.
type CheckoutRequest struct {
	AccountID   int64  `json:"account_id"`
	PackageID   string `json:"package_id"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	Description string `json:"description,omitempty"`
}

// Session mirrors the collaborator's checkout session resource.
type Session struct {
	ID          string `json:"id"`
	RedirectURL string `json:"redirect_url"`
	Status      Status `json:"status"`
	AccountID   int64  `json:"account_id"`
	PackageID   string `json:"package_id"`
	AmountCents int64  `json:"amount_cents"`
}

// ErrSessionNotFound indicates the collaborator has no such session.
var ErrSessionNotFound = errors.New("payment session not found")

// Gateway is the collaborator surface the purchase service depends on.
type Gateway interface {
	CreateCheckout(ctx context.Context, req CheckoutRequest) (Session, error)
	Session(ctx context.Context, id string) (Session, error)
}

// HTTPClient abstracts the Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is the HTTP implementation of Gateway.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	httpClient HTTPClient
}

// NewClient constructs a client for the given collaborator base URL.
func NewClient(baseURL, apiKey string, httpClient HTTPClient) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: parsed, apiKey: apiKey, httpClient: httpClient}, nil
}

// CreateCheckout opens a new checkout session.
func (c *Client) CreateCheckout(ctx context.Context, req CheckoutRequest) (Session, error) {
	var session Session
	if err := c.do(ctx, http.MethodPost, "/v1/checkout/sessions", req, &session); err != nil {
		return Session{}, err
	}
	return session, nil
}

// Session fetches the current state of a checkout session.
func (c *Client) Session(ctx context.Context, id string) (Session, error) {
	var session Session
	err := c.do(ctx, http.MethodGet, "/v1/checkout/sessions/"+url.PathEscape(id), nil, &session)
	if err != nil {
		return Session{}, err
	}
	return session, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	endpoint := c.baseURL.JoinPath(path)

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode payment request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return fmt.Errorf("build payment request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("payment request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrSessionNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("payment upstream status %d: %s", resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode payment response: %w", err)
	}
	return nil
}
