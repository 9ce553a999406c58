package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"settler/apps/settler/internal/fault"
	"settler/apps/settler/internal/model"
	"settler/apps/settler/internal/venue"
)

// Config carries the pricing tunables.
type Config struct {
	PlatformFeeBps int64
	MaxSlippageBps int64
	QuoteTTL       time.Duration
}

// Engine converts confirmed payment amounts into target-token quantities.
// Given the same evidence and the same venue rates, it always produces the
// same conversion; only the quote id and timestamps differ.
type Engine struct {
	venues []venue.Venue
	cfg    Config
	logger *zap.Logger
}

func NewEngine(venues []venue.Venue, cfg Config, logger *zap.Logger) *Engine {
	return &Engine{venues: venues, cfg: cfg, logger: logger}
}

// Quote freezes a conversion of the confirmed amount into the target token.
// The quote is only valid until its expiry; consumers must re-quote after
// that, never reuse a stale figure.
func (e *Engine) Quote(ctx context.Context, evidence model.PaymentEvidence, targetToken string) (*model.Quote, error) {
	gross, err := decimal.NewFromString(evidence.Amount)
	if err != nil {
		return nil, fault.Wrap(fault.RateUnavailable, "invalid evidence amount", err)
	}

	rates, err := e.collectRates(ctx, gross, evidence.Currency, targetToken)
	if err != nil {
		return nil, err
	}

	best := rates[0]
	worst := rates[0]
	for _, r := range rates[1:] {
		if r.Rate.LessThan(best.Rate) {
			best = r
		}
		if r.Rate.GreaterThan(worst.Rate) {
			worst = r
		}
	}

	// A wide spread across venues means the mid price cannot be trusted.
	if len(rates) > 1 {
		spreadBps := worst.Rate.Sub(best.Rate).Div(best.Rate).Mul(decimal.NewFromInt(10000))
		if spreadBps.GreaterThan(decimal.NewFromInt(e.cfg.MaxSlippageBps)) {
			return nil, fault.New(fault.NoLiquidity,
				fmt.Sprintf("venue spread %s bps exceeds limit %d bps for %s", spreadBps.Round(1), e.cfg.MaxSlippageBps, targetToken))
		}
	}

	fee := gross.Mul(decimal.NewFromInt(e.cfg.PlatformFeeBps)).Div(decimal.NewFromInt(10000))
	net := gross.Sub(fee)
	if net.Sign() <= 0 {
		return nil, fault.New(fault.NoLiquidity, "confirmed amount does not cover platform fee")
	}

	quantity := net.DivRound(best.Rate, 18)

	now := time.Now()
	expiry := now.Add(e.cfg.QuoteTTL)
	if best.Expiry.Before(expiry) && best.Expiry.After(now) {
		expiry = best.Expiry
	}

	quote := &model.Quote{
		QuoteID:        uuid.New().String(),
		RequestID:      evidence.RequestID,
		VenueID:        best.VenueID,
		SourceAmount:   gross.String(),
		SourceCurrency: evidence.Currency,
		TargetToken:    targetToken,
		TargetQuantity: quantity.String(),
		Rate:           best.Rate.String(),
		FeeAmount:      fee.String(),
		FeeBps:         e.cfg.PlatformFeeBps,
		SlippageBps:    e.cfg.MaxSlippageBps,
		CreatedAt:      now,
		ExpiresAt:      expiry,
	}

	e.logger.Info("Produced quote",
		zap.String("quote_id", quote.QuoteID),
		zap.String("request_id", quote.RequestID),
		zap.String("venue_id", quote.VenueID),
		zap.String("rate", quote.Rate),
		zap.String("target_quantity", quote.TargetQuantity),
		zap.Time("expires_at", quote.ExpiresAt))

	return quote, nil
}

// collectRates queries every venue, tolerating individual failures as long as
// at least one usable rate comes back.
func (e *Engine) collectRates(ctx context.Context, amount decimal.Decimal, sourceCurrency, targetToken string) ([]*venue.Rate, error) {
	if len(e.venues) == 0 {
		return nil, fault.New(fault.RateUnavailable, "no venues configured")
	}

	var rates []*venue.Rate
	sawNoLiquidity := false
	for _, v := range e.venues {
		r, err := v.GetRate(ctx, amount, sourceCurrency, targetToken)
		if err != nil {
			if fault.Is(err, fault.NoLiquidity) {
				sawNoLiquidity = true
			}
			e.logger.Warn("Venue rate query failed",
				zap.String("venue_id", v.ID()),
				zap.String("target_token", targetToken),
				zap.Error(err))
			continue
		}
		rates = append(rates, r)
	}

	if len(rates) == 0 {
		if sawNoLiquidity {
			return nil, fault.New(fault.NoLiquidity, fmt.Sprintf("no venue has a %s/%s market", sourceCurrency, targetToken))
		}
		return nil, fault.New(fault.RateUnavailable, fmt.Sprintf("no venue returned a rate for %s/%s", sourceCurrency, targetToken))
	}

	return rates, nil
}
