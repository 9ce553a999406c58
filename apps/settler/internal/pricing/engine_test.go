package pricing

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"settler/apps/settler/internal/fault"
	"settler/apps/settler/internal/model"
	"settler/apps/settler/internal/venue"
)

type stubVenue struct {
	id      string
	rate    decimal.Decimal
	rateErr error
}

func (v *stubVenue) ID() string { return v.id }

func (v *stubVenue) GetRate(_ context.Context, _ decimal.Decimal, _, _ string) (*venue.Rate, error) {
	if v.rateErr != nil {
		return nil, v.rateErr
	}
	return &venue.Rate{VenueID: v.id, Rate: v.rate, Expiry: time.Now().Add(5 * time.Minute)}, nil
}

func (v *stubVenue) SubmitTrade(_ context.Context, _, _ string) (*venue.Trade, error) {
	return nil, nil
}

func (v *stubVenue) TradeStatus(_ context.Context, _ string) (*venue.Trade, error) {
	return nil, nil
}

func (v *stubVenue) CancelTrade(_ context.Context, _ string) error { return nil }

func evidence(amount string) model.PaymentEvidence {
	return model.PaymentEvidence{
		RequestID:  "req-1",
		Reference:  "pi_123",
		Amount:     amount,
		Currency:   "USD",
		Final:      true,
		ObservedAt: time.Now(),
	}
}

func newEngine(venues []venue.Venue) *Engine {
	return NewEngine(venues, Config{
		PlatformFeeBps: 100, // 1%
		MaxSlippageBps: 50,
		QuoteTTL:       time.Minute,
	}, zap.NewNop())
}

func TestQuoteDeductsFeeBeforeConversion(t *testing.T) {
	// 100 USD at 2 USD per token: fee is 1 USD, so 99 USD buys 49.5 tokens.
	engine := newEngine([]venue.Venue{
		&stubVenue{id: "cex", rate: decimal.NewFromInt(2)},
	})

	quote, err := engine.Quote(context.Background(), evidence("100"), "ACME")
	require.NoError(t, err)

	assert.Equal(t, "cex", quote.VenueID)
	assert.Equal(t, "100", quote.SourceAmount)
	assert.Equal(t, "1", quote.FeeAmount)
	assert.Equal(t, "49.5", quote.TargetQuantity)
	assert.Equal(t, "req-1", quote.RequestID)
	assert.True(t, quote.ExpiresAt.After(quote.CreatedAt))
}

func TestQuotePicksBestRate(t *testing.T) {
	// Lower rate means more tokens per source unit.
	engine := newEngine([]venue.Venue{
		&stubVenue{id: "cex", rate: decimal.RequireFromString("2.001")},
		&stubVenue{id: "dex", rate: decimal.NewFromInt(2)},
	})

	quote, err := engine.Quote(context.Background(), evidence("100"), "ACME")
	require.NoError(t, err)
	assert.Equal(t, "dex", quote.VenueID)
}

func TestQuoteToleratesOneVenueDown(t *testing.T) {
	engine := newEngine([]venue.Venue{
		&stubVenue{id: "cex", rateErr: fault.New(fault.VenueUnavailable, "down")},
		&stubVenue{id: "dex", rate: decimal.NewFromInt(2)},
	})

	quote, err := engine.Quote(context.Background(), evidence("100"), "ACME")
	require.NoError(t, err)
	assert.Equal(t, "dex", quote.VenueID)
}

func TestQuoteAllVenuesDown(t *testing.T) {
	engine := newEngine([]venue.Venue{
		&stubVenue{id: "cex", rateErr: fault.New(fault.VenueUnavailable, "down")},
		&stubVenue{id: "dex", rateErr: fault.New(fault.VenueUnavailable, "down")},
	})

	_, err := engine.Quote(context.Background(), evidence("100"), "ACME")
	assert.True(t, fault.Is(err, fault.RateUnavailable))
}

func TestQuoteNoLiquidity(t *testing.T) {
	engine := newEngine([]venue.Venue{
		&stubVenue{id: "cex", rateErr: fault.New(fault.NoLiquidity, "no market")},
	})

	_, err := engine.Quote(context.Background(), evidence("100"), "ACME")
	assert.True(t, fault.Is(err, fault.NoLiquidity))
}

func TestQuoteWideSpreadRejected(t *testing.T) {
	// 100 bps apart with a 50 bps limit.
	engine := newEngine([]venue.Venue{
		&stubVenue{id: "cex", rate: decimal.RequireFromString("2.02")},
		&stubVenue{id: "dex", rate: decimal.NewFromInt(2)},
	})

	_, err := engine.Quote(context.Background(), evidence("100"), "ACME")
	assert.True(t, fault.Is(err, fault.NoLiquidity))
}

func TestQuoteDeterministicConversion(t *testing.T) {
	engine := newEngine([]venue.Venue{
		&stubVenue{id: "cex", rate: decimal.RequireFromString("0.5")},
	})

	first, err := engine.Quote(context.Background(), evidence("250"), "USDT")
	require.NoError(t, err)
	second, err := engine.Quote(context.Background(), evidence("250"), "USDT")
	require.NoError(t, err)

	// Same evidence and rates produce the same conversion figures; only the
	// id and timestamps differ.
	assert.Equal(t, first.TargetQuantity, second.TargetQuantity)
	assert.Equal(t, first.FeeAmount, second.FeeAmount)
	assert.Equal(t, first.Rate, second.Rate)
	assert.NotEqual(t, first.QuoteID, second.QuoteID)
}
