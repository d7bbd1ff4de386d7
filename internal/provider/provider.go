// Package provider talks to the hosted-checkout payment provider.
//
// The adapter covers exactly the two calls reconciliation needs (create a
// checkout, query its status) plus a degraded mode: when no credentials are
// configured it synthesizes mock checkouts so the rest of the order flow can
// run locally and in tests. A mock checkout can never be charged; any attempt
// to execute a card payment against one fails with ErrDegradedCheckout.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tavolo/paycore/internal/config"
	"github.com/tavolo/paycore/internal/metrics"
)

var (
	// ErrDegradedCheckout is returned when a real payment is attempted
	// against a checkout created in degraded (mock) mode.
	ErrDegradedCheckout = errors.New("payment provider not configured")

	// ErrProviderRequest wraps transport or non-2xx failures from the provider.
	ErrProviderRequest = errors.New("provider request failed")
)

// MockIDPrefix marks checkout ids synthesized in degraded mode.
const MockIDPrefix = "mock_"

// CheckoutRequest is what the site asks the provider to host.
type CheckoutRequest struct {
	Amount      int64  // minor units
	Currency    string
	Description string
	RedirectURL string
	Reference   string
}

// CheckoutHandle is the provider's view of a created checkout.
type CheckoutHandle struct {
	ID        string
	Status    string
	Amount    int64
	Currency  string
	ExpiresAt time.Time
	Degraded  bool
}

// Status values the provider reports for a checkout.
const (
	ProviderStatusPending = "PENDING"
	ProviderStatusPaid    = "PAID"
	ProviderStatusFailed  = "FAILED"
)

// Client is the provider adapter. Credentials come from the ProviderConfig
// constructed at startup; the client never reads the environment itself.
type Client struct {
	cfg    config.ProviderConfig
	http   *http.Client
	ttl    time.Duration
	logger *slog.Logger
	nowFn  func() time.Time
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client (for testing).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithNow overrides the clock (for testing).
func WithNow(now func() time.Time) Option {
	return func(c *Client) { c.nowFn = now }
}

// New creates a provider client. ttl bounds how long a created checkout stays
// payable before the ledger sweeps it to EXPIRED.
func New(cfg config.ProviderConfig, ttl time.Duration, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: 10 * time.Second},
		ttl:    ttl,
		logger: logger,
		nowFn:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Available reports whether real checkouts can be created.
func (c *Client) Available() bool {
	return c.cfg.Available()
}

// IsMockID reports whether a checkout id was synthesized in degraded mode.
func IsMockID(id string) bool {
	return strings.HasPrefix(id, MockIDPrefix)
}

// checkoutBody is the provider wire shape for checkout create/read.
type checkoutBody struct {
	ID          string  `json:"id"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	Description string  `json:"description,omitempty"`
	ReturnURL   string  `json:"return_url,omitempty"`
	Reference   string  `json:"checkout_reference"`
	Status      string  `json:"status"`
}

// CreateCheckout registers a hosted checkout with the provider. In degraded
// mode it synthesizes a mock handle instead; the caller records the resulting
// intent with degraded=true so the forged-webhook check in the ledger holds.
func (c *Client) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutHandle, error) {
	now := c.nowFn()

	if !c.Available() {
		handle := &CheckoutHandle{
			ID:        fmt.Sprintf("%s%d_%s", MockIDPrefix, now.Unix(), req.Reference),
			Status:    ProviderStatusPending,
			Amount:    req.Amount,
			Currency:  req.Currency,
			ExpiresAt: now.Add(c.ttl),
			Degraded:  true,
		}
		metrics.CheckoutsTotal.WithLabelValues("mock").Inc()
		c.logger.Warn("provider unavailable, created mock checkout",
			"checkout_id", handle.ID,
			"reference", req.Reference,
		)
		return handle, nil
	}

	body := checkoutBody{
		Amount:      minorToDecimal(req.Amount),
		Currency:    req.Currency,
		Description: req.Description,
		ReturnURL:   req.RedirectURL,
		Reference:   req.Reference,
	}

	var resp checkoutBody
	if err := c.do(ctx, http.MethodPost, "/checkouts", body, &resp); err != nil {
		return nil, err
	}

	metrics.CheckoutsTotal.WithLabelValues("live").Inc()
	return &CheckoutHandle{
		ID:        resp.ID,
		Status:    ProviderStatusPending,
		Amount:    req.Amount,
		Currency:  req.Currency,
		ExpiresAt: now.Add(c.ttl),
	}, nil
}

// QueryStatus fetches the provider's current view of a checkout. It feeds the
// poll path only and is never authoritative on its own; the ledger decides.
func (c *Client) QueryStatus(ctx context.Context, checkoutID string) (string, error) {
	if IsMockID(checkoutID) {
		// The provider has never heard of mock checkouts.
		return ProviderStatusPending, nil
	}

	var resp checkoutBody
	if err := c.do(ctx, http.MethodGet, "/checkouts/"+checkoutID, nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// CardDetails is the minimal card shape for direct charge execution.
type CardDetails struct {
	Name        string `json:"name"`
	Number      string `json:"number"`
	ExpiryMonth string `json:"expiry_month"`
	ExpiryYear  string `json:"expiry_year"`
	CVV         string `json:"cvv"`
}

// ExecuteCard completes a checkout with card details. Degraded checkouts are
// rejected outright: the user sees "payment provider not configured" rather
// than a payment that silently pretends to succeed.
func (c *Client) ExecuteCard(ctx context.Context, checkoutID string, card CardDetails) (string, error) {
	if IsMockID(checkoutID) {
		return "", ErrDegradedCheckout
	}
	if !c.Available() {
		return "", ErrDegradedCheckout
	}

	body := struct {
		PaymentType string      `json:"payment_type"`
		Card        CardDetails `json:"card"`
	}{PaymentType: "card", Card: card}

	var resp struct {
		Status          string `json:"status"`
		TransactionCode string `json:"transaction_code"`
	}
	if err := c.do(ctx, http.MethodPut, "/checkouts/"+checkoutID, body, &resp); err != nil {
		return "", err
	}
	return resp.TransactionCode, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.APIBaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderRequest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrProviderRequest, resp.StatusCode, snippet)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode response: %v", ErrProviderRequest, err)
		}
	}
	return nil
}

// minorToDecimal converts minor units to the decimal amount the provider
// expects (e.g. 1200 -> 12.00).
func minorToDecimal(minor int64) float64 {
	return float64(minor) / 100
}
