package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const satoshisPerBTC = 100_000_000

// BitcoinClient reads deposits from an esplora-style block explorer API.
// Bitcoin is an inbound rail only; transfers out are not supported.
type BitcoinClient struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

func NewBitcoinClient(baseURL string, logger *zap.Logger) *BitcoinClient {
	return &BitcoinClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

type esploraTx struct {
	TxID   string `json:"txid"`
	Status struct {
		Confirmed   bool   `json:"confirmed"`
		BlockHeight uint64 `json:"block_height"`
	} `json:"status"`
	Vout []struct {
		ScriptPubKeyAddress string `json:"scriptpubkey_address"`
		Value               uint64 `json:"value"` // satoshis
	} `json:"vout"`
}

// ValidBitcoinAddress does a cheap shape check on a BTC address. Full
// checksum validation happens wallet-side; this only guards fat-finger input.
func ValidBitcoinAddress(address string) bool {
	if len(address) < 26 || len(address) > 90 {
		return false
	}
	return strings.HasPrefix(address, "1") ||
		strings.HasPrefix(address, "3") ||
		strings.HasPrefix(address, "bc1") ||
		strings.HasPrefix(address, "tb1")
}

func (c *BitcoinClient) FindDeposit(ctx context.Context, address string) (*Deposit, error) {
	var txs []esploraTx
	if err := c.getJSON(ctx, fmt.Sprintf("%s/address/%s/txs", c.baseURL, address), &txs); err != nil {
		return nil, fmt.Errorf("failed to fetch address transactions: %w", err)
	}

	if len(txs) == 0 {
		return nil, nil
	}

	tipHeight, err := c.tipHeight(ctx)
	if err != nil {
		return nil, err
	}

	// The explorer returns newest first.
	tx := txs[0]

	var received uint64
	for _, vout := range tx.Vout {
		if vout.ScriptPubKeyAddress == address {
			received += vout.Value
		}
	}
	if received == 0 {
		return nil, nil
	}

	var confirmations uint64
	if tx.Status.Confirmed && tipHeight >= tx.Status.BlockHeight {
		confirmations = tipHeight - tx.Status.BlockHeight + 1
	}

	amount := decimal.NewFromInt(int64(received)).Div(decimal.NewFromInt(satoshisPerBTC))

	return &Deposit{
		TxHash:        tx.TxID,
		Amount:        amount.String(),
		Confirmations: confirmations,
		ObservedAt:    time.Now(),
	}, nil
}

func (c *BitcoinClient) TxConfirmations(ctx context.Context, txHash string) (uint64, error) {
	var tx esploraTx
	if err := c.getJSON(ctx, fmt.Sprintf("%s/tx/%s", c.baseURL, txHash), &tx); err != nil {
		return 0, fmt.Errorf("failed to fetch transaction: %w", err)
	}

	if !tx.Status.Confirmed {
		return 0, nil
	}

	tipHeight, err := c.tipHeight(ctx)
	if err != nil {
		return 0, err
	}

	if tipHeight < tx.Status.BlockHeight {
		return 0, nil
	}

	return tipHeight - tx.Status.BlockHeight + 1, nil
}

func (c *BitcoinClient) tipHeight(ctx context.Context) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/blocks/tip/height", nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch tip height: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %d fetching tip height", resp.StatusCode)
	}

	var height uint64
	if err := json.NewDecoder(resp.Body).Decode(&height); err != nil {
		return 0, fmt.Errorf("failed to decode tip height: %w", err)
	}

	return height, nil
}

func (c *BitcoinClient) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s from %s", strconv.Itoa(resp.StatusCode), url)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
