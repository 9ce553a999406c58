package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// IntentStatus is the payment processor's view of an intent. Only an explicit
// succeeded signal confirms a payment; pending never does.
type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentSucceeded IntentStatus = "succeeded"
	IntentFailed    IntentStatus = "failed"
	IntentCancelled IntentStatus = "cancelled"
)

// Intent is the processor-side handle for one inbound fiat payment.
type Intent struct {
	IntentID string `json:"intent_id"`
	// Handle is the client-facing payment handle (checkout URL or client
	// secret) the front-end presents to the customer.
	Handle string `json:"handle"`
}

// IntentState is a snapshot of an intent's status.
type IntentState struct {
	IntentID string       `json:"intent_id"`
	Status   IntentStatus `json:"status"`
	Amount   string       `json:"amount"`
	Currency string       `json:"currency"`
}

// Client is the fiat processor boundary.
type Client interface {
	CreateIntent(ctx context.Context, amount, currency string) (*Intent, error)
	IntentStatus(ctx context.Context, intentID string) (*IntentState, error)
	RefundIntent(ctx context.Context, intentID string) (string, error)
}

// HTTPClient talks JSON to the payment processor's REST API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *zap.Logger
}

func NewHTTPClient(baseURL, apiKey string, logger *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

func (c *HTTPClient) CreateIntent(ctx context.Context, amount, currency string) (*Intent, error) {
	body := map[string]string{
		"amount":   amount,
		"currency": currency,
	}

	var intent Intent
	if err := c.doJSON(ctx, http.MethodPost, "/v1/intents", body, &intent); err != nil {
		return nil, fmt.Errorf("failed to create payment intent: %w", err)
	}

	c.logger.Info("Created payment intent",
		zap.String("intent_id", intent.IntentID),
		zap.String("amount", amount),
		zap.String("currency", currency))

	return &intent, nil
}

func (c *HTTPClient) IntentStatus(ctx context.Context, intentID string) (*IntentState, error) {
	var state IntentState
	if err := c.doJSON(ctx, http.MethodGet, "/v1/intents/"+intentID, nil, &state); err != nil {
		return nil, fmt.Errorf("failed to get intent status: %w", err)
	}
	return &state, nil
}

func (c *HTTPClient) RefundIntent(ctx context.Context, intentID string) (string, error) {
	var result struct {
		RefundID string `json:"refund_id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/intents/"+intentID+"/refund", nil, &result); err != nil {
		return "", fmt.Errorf("failed to refund intent: %w", err)
	}

	c.logger.Info("Refunded payment intent",
		zap.String("intent_id", intentID),
		zap.String("refund_id", result.RefundID))

	return result.RefundID, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("processor returned status %d for %s %s", resp.StatusCode, method, path)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
