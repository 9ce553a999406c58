package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"settler/apps/settler/internal/fault"
)

// CEXClient trades against a centralized exchange's REST API. All calls pass
// through the shared limiter so concurrent settlements never blow the venue's
// rate-limit budget.
type CEXClient struct {
	id      string
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewCEXClient(id, baseURL, apiKey string, limiter *rate.Limiter, logger *zap.Logger) *CEXClient {
	return &CEXClient{
		id:      id,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Second},
		limiter: limiter,
		logger:  logger,
	}
}

func (c *CEXClient) ID() string {
	return c.id
}

func (c *CEXClient) GetRate(ctx context.Context, sourceAmount decimal.Decimal, sourceCurrency, targetToken string) (*Rate, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fault.Wrap(fault.VenueUnavailable, "rate limiter wait cancelled", err)
	}

	var result struct {
		Rate   string `json:"rate"`
		Expiry int64  `json:"expiry"`
	}
	path := fmt.Sprintf("/v1/rate?amount=%s&from=%s&to=%s", sourceAmount, sourceCurrency, targetToken)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}

	parsed, err := decimal.NewFromString(result.Rate)
	if err != nil || parsed.Sign() <= 0 {
		return nil, fault.New(fault.RateUnavailable, fmt.Sprintf("venue %s returned unusable rate %q", c.id, result.Rate))
	}

	return &Rate{
		VenueID: c.id,
		Rate:    parsed,
		Expiry:  time.Unix(result.Expiry, 0),
	}, nil
}

func (c *CEXClient) SubmitTrade(ctx context.Context, quoteID, idempotencyKey string) (*Trade, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fault.Wrap(fault.VenueUnavailable, "rate limiter wait cancelled", err)
	}

	body := map[string]string{
		"quote_id":        quoteID,
		"idempotency_key": idempotencyKey,
	}

	var result struct {
		OrderID  string `json:"order_id"`
		Status   string `json:"status"`
		Executed string `json:"executed_quantity"`
		Reason   string `json:"reason"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/orders", body, &result); err != nil {
		return nil, err
	}

	return c.toTrade(result.OrderID, result.Status, result.Executed, result.Reason)
}

func (c *CEXClient) TradeStatus(ctx context.Context, orderID string) (*Trade, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fault.Wrap(fault.VenueUnavailable, "rate limiter wait cancelled", err)
	}

	var result struct {
		OrderID  string `json:"order_id"`
		Status   string `json:"status"`
		Executed string `json:"executed_quantity"`
		Reason   string `json:"reason"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/orders/"+orderID, nil, &result); err != nil {
		return nil, err
	}

	return c.toTrade(result.OrderID, result.Status, result.Executed, result.Reason)
}

func (c *CEXClient) CancelTrade(ctx context.Context, orderID string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fault.Wrap(fault.VenueUnavailable, "rate limiter wait cancelled", err)
	}

	return c.doJSON(ctx, http.MethodDelete, "/v1/orders/"+orderID, nil, nil)
}

func (c *CEXClient) toTrade(orderID, status, executed, reason string) (*Trade, error) {
	switch status {
	case "REJECTED":
		if strings.Contains(strings.ToLower(reason), "slippage") {
			return nil, fault.New(fault.SlippageExceeded, fmt.Sprintf("venue %s rejected order: %s", c.id, reason))
		}
		return nil, fault.New(fault.VenueRejected, fmt.Sprintf("venue %s rejected order: %s", c.id, reason))
	case "PENDING", "FILLED", "PARTIAL":
	default:
		return nil, fault.New(fault.VenueRejected, fmt.Sprintf("venue %s returned unknown status %q", c.id, status))
	}

	quantity := decimal.Zero
	if executed != "" {
		parsed, err := decimal.NewFromString(executed)
		if err != nil {
			return nil, fault.New(fault.VenueRejected, fmt.Sprintf("venue %s returned unusable executed quantity %q", c.id, executed))
		}
		quantity = parsed
	}

	return &Trade{
		OrderID:          orderID,
		Status:           status,
		ExecutedQuantity: quantity,
	}, nil
}

func (c *CEXClient) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fault.Wrap(fault.VenueUnavailable, fmt.Sprintf("venue %s unreachable", c.id), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fault.New(fault.VenueUnavailable, fmt.Sprintf("venue %s returned status %d", c.id, resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fault.New(fault.VenueRejected, fmt.Sprintf("venue %s returned status %d", c.id, resp.StatusCode))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
