package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	IntentStatusPending   = "pending"
	IntentStatusSucceeded = "succeeded"
	IntentStatusFailed    = "failed"
)

var (
	// ErrUnavailable covers transport failures and malformed provider
	// responses. Callers may retry; no local state has changed.
	ErrUnavailable = errors.New("gateway: provider unreachable or returned an unexpected response")
	// ErrIntentNotFound signals the provider has no charge for the reference.
	ErrIntentNotFound = errors.New("gateway: intent not found")
)

// Intent mirrors the provider's charge-intent object. Metadata is opaque to
// the provider and echoed back verbatim on retrieval; settlement depends on
// that to locate the application without trusting client input.
type Intent struct {
	ID           string            `json:"id"`
	ClientSecret string            `json:"client_secret"`
	Status       string            `json:"status"`
	Amount       int64             `json:"amount"`
	Currency     string            `json:"currency"`
	Metadata     map[string]string `json:"metadata"`
	LatestCharge string            `json:"latest_charge"`
}

type CreateIntentParams struct {
	Amount      int64
	Currency    string
	Description string
	Metadata    map[string]string
}

// Client is the payment-provider contract consumed by the settlement
// coordinator.
type Client interface {
	CreateIntent(ctx context.Context, params CreateIntentParams) (Intent, error)
	RetrieveIntent(ctx context.Context, id string) (Intent, error)
}

// HTTPClient talks to a Stripe-style REST API: form-encoded writes, JSON
// reads, bearer authentication. Construct it once at startup and inject it;
// nothing in this package holds global state.
type HTTPClient struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *HTTPClient) CreateIntent(ctx context.Context, params CreateIntentParams) (Intent, error) {
	if params.Amount <= 0 {
		return Intent{}, fmt.Errorf("gateway: invalid intent amount %d", params.Amount)
	}
	if params.Currency == "" {
		return Intent{}, fmt.Errorf("gateway: intent currency required")
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(params.Amount, 10))
	form.Set("currency", strings.ToLower(params.Currency))
	form.Set("payment_method_types[]", "card")
	if params.Description != "" {
		form.Set("description", params.Description)
	}
	for k, v := range params.Metadata {
		form.Set(fmt.Sprintf("metadata[%s]", k), v)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/payment_intents", strings.NewReader(form.Encode()))
	if err != nil {
		return Intent{}, fmt.Errorf("gateway: build create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return c.do(req)
}

func (c *HTTPClient) RetrieveIntent(ctx context.Context, id string) (Intent, error) {
	if id == "" {
		return Intent{}, fmt.Errorf("gateway: empty intent id")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/payment_intents/"+url.PathEscape(id), nil)
	if err != nil {
		return Intent{}, fmt.Errorf("gateway: build retrieve request: %w", err)
	}

	return c.do(req)
}

func (c *HTTPClient) do(req *http.Request) (Intent, error) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return Intent{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Intent{}, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Intent{}, ErrIntentNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return Intent{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var intent Intent
	if err := json.Unmarshal(body, &intent); err != nil {
		return Intent{}, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if intent.ID == "" {
		return Intent{}, fmt.Errorf("%w: response missing intent id", ErrUnavailable)
	}
	return intent, nil
}
