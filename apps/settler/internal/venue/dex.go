package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"settler/apps/settler/internal/chain"
	"settler/apps/settler/internal/fault"
)

// DEXClient trades through a swap aggregator. The aggregator executes the
// swap on-chain and returns the swap transaction hash as the order id; fill
// status is then read from the chain itself.
type DEXClient struct {
	id            string
	baseURL       string
	http          *http.Client
	limiter       *rate.Limiter
	reader        chain.Reader
	finalityDepth uint64
	logger        *zap.Logger
}

func NewDEXClient(id, baseURL string, limiter *rate.Limiter, reader chain.Reader, finalityDepth uint64, logger *zap.Logger) *DEXClient {
	return &DEXClient{
		id:            id,
		baseURL:       strings.TrimRight(baseURL, "/"),
		http:          &http.Client{Timeout: 20 * time.Second},
		limiter:       limiter,
		reader:        reader,
		finalityDepth: finalityDepth,
		logger:        logger,
	}
}

func (c *DEXClient) ID() string {
	return c.id
}

func (c *DEXClient) GetRate(ctx context.Context, sourceAmount decimal.Decimal, sourceCurrency, targetToken string) (*Rate, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fault.Wrap(fault.VenueUnavailable, "rate limiter wait cancelled", err)
	}

	var result struct {
		Price       string `json:"price"`
		ValidUntil  int64  `json:"valid_until"`
		NoLiquidity bool   `json:"no_liquidity"`
	}
	path := fmt.Sprintf("/swap/v1/quote?sellAmount=%s&sellToken=%s&buyToken=%s", sourceAmount, sourceCurrency, targetToken)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}

	if result.NoLiquidity {
		return nil, fault.New(fault.NoLiquidity, fmt.Sprintf("no %s/%s route on %s", sourceCurrency, targetToken, c.id))
	}

	price, err := decimal.NewFromString(result.Price)
	if err != nil || price.Sign() <= 0 {
		return nil, fault.New(fault.RateUnavailable, fmt.Sprintf("aggregator %s returned unusable price %q", c.id, result.Price))
	}

	return &Rate{
		VenueID: c.id,
		Rate:    price,
		Expiry:  time.Unix(result.ValidUntil, 0),
	}, nil
}

func (c *DEXClient) SubmitTrade(ctx context.Context, quoteID, idempotencyKey string) (*Trade, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fault.Wrap(fault.VenueUnavailable, "rate limiter wait cancelled", err)
	}

	body := map[string]string{
		"quote_id":        quoteID,
		"idempotency_key": idempotencyKey,
	}

	var result struct {
		TxHash   string `json:"tx_hash"`
		Status   string `json:"status"`
		Executed string `json:"executed_quantity"`
		Reason   string `json:"reason"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/swap/v1/execute", body, &result); err != nil {
		return nil, err
	}

	if result.Status == "REJECTED" {
		if strings.Contains(strings.ToLower(result.Reason), "slippage") {
			return nil, fault.New(fault.SlippageExceeded, fmt.Sprintf("aggregator %s rejected swap: %s", c.id, result.Reason))
		}
		return nil, fault.New(fault.VenueRejected, fmt.Sprintf("aggregator %s rejected swap: %s", c.id, result.Reason))
	}

	executed := decimal.Zero
	if result.Executed != "" {
		parsed, err := decimal.NewFromString(result.Executed)
		if err != nil {
			return nil, fault.New(fault.VenueRejected, fmt.Sprintf("aggregator %s returned unusable quantity %q", c.id, result.Executed))
		}
		executed = parsed
	}

	return &Trade{
		OrderID:          result.TxHash,
		Status:           result.Status,
		ExecutedQuantity: executed,
	}, nil
}

// TradeStatus reads swap finality off the chain: the order id is the swap
// transaction hash.
func (c *DEXClient) TradeStatus(ctx context.Context, orderID string) (*Trade, error) {
	confirmations, err := c.reader.TxConfirmations(ctx, orderID)
	if err != nil {
		if errors.Is(err, chain.ErrReverted) {
			return nil, fault.Wrap(fault.VenueRejected, "swap transaction reverted", err)
		}
		return nil, fault.Wrap(fault.VenueUnavailable, "failed to read swap confirmations", err)
	}

	status := "PENDING"
	if confirmations >= c.finalityDepth {
		status = "FILLED"
	}

	return &Trade{
		OrderID: orderID,
		Status:  status,
	}, nil
}

// CancelTrade is a no-op for swaps already broadcast on-chain; an unmined
// swap cannot be cancelled through the aggregator.
func (c *DEXClient) CancelTrade(ctx context.Context, orderID string) error {
	return fault.New(fault.VenueRejected, fmt.Sprintf("swap %s cannot be cancelled once broadcast", orderID))
}

func (c *DEXClient) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
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

	resp, err := c.http.Do(req)
	if err != nil {
		return fault.Wrap(fault.VenueUnavailable, fmt.Sprintf("aggregator %s unreachable", c.id), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fault.New(fault.VenueUnavailable, fmt.Sprintf("aggregator %s returned status %d", c.id, resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fault.New(fault.VenueRejected, fmt.Sprintf("aggregator %s returned status %d", c.id, resp.StatusCode))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
