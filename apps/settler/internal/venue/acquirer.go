package venue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"settler/apps/settler/internal/fault"
	"settler/apps/settler/internal/model"
)

// Store is the slice of persistence the acquirer needs for its
// already-submitted check.
type Store interface {
	GetAcquisition(requestID string) (*model.AcquisitionResult, error)
	SaveAcquisition(a model.AcquisitionResult) error
}

// IdempotencyKey derives the venue-side dedup key from a quote id, so a
// retried submission after a timeout never double-executes the trade.
func IdempotencyKey(quoteID string) string {
	return "acq-" + quoteID
}

// Acquirer executes quoted trades against the venue servicing the target
// token.
type Acquirer struct {
	router       *Router
	store        Store
	pollInterval time.Duration
	pollTimeout  time.Duration
	logger       *zap.Logger
}

func NewAcquirer(router *Router, store Store, pollInterval, pollTimeout time.Duration, logger *zap.Logger) *Acquirer {
	return &Acquirer{
		router:       router,
		store:        store,
		pollInterval: pollInterval,
		pollTimeout:  pollTimeout,
		logger:       logger,
	}
}

// Acquire executes the quote. Safe to retry: an acquisition already persisted
// for this settlement is resumed or returned, never re-submitted.
func (a *Acquirer) Acquire(ctx context.Context, quote model.Quote) (*model.AcquisitionResult, error) {
	existing, err := a.store.GetAcquisition(quote.RequestID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		switch existing.Status {
		case model.AcquisitionFilled, model.AcquisitionPartial:
			return existing, nil
		case model.AcquisitionPending:
			// A previous attempt submitted the trade; resume polling rather
			// than re-submitting.
			return a.pollToTerminal(ctx, existing)
		}
	}

	// An expired quote must never reach the venue.
	if quote.Expired(time.Now()) {
		return nil, fault.New(fault.QuoteExpired,
			fmt.Sprintf("quote %s for settlement %s expired at %s", quote.QuoteID, quote.RequestID, quote.ExpiresAt))
	}

	v, exists := a.router.ForToken(quote.TargetToken)
	if !exists {
		return nil, fault.New(fault.VenueUnavailable, fmt.Sprintf("no venue services token %s", quote.TargetToken))
	}

	key := IdempotencyKey(quote.QuoteID)
	result := model.AcquisitionResult{
		AcquisitionID:     uuid.New().String(),
		RequestID:         quote.RequestID,
		QuoteID:           quote.QuoteID,
		VenueID:           v.ID(),
		IdempotencyKey:    key,
		RequestedQuantity: quote.TargetQuantity,
		ExecutedQuantity:  "0",
		Status:            model.AcquisitionPending,
		CreatedAt:         time.Now(),
	}

	// Persist the pending submission before calling out, so a crash between
	// submit and response is resumed instead of re-submitted.
	if err := a.store.SaveAcquisition(result); err != nil {
		return nil, err
	}

	trade, err := v.SubmitTrade(ctx, quote.QuoteID, key)
	if err != nil {
		if kind, ok := fault.KindOf(err); ok && !fault.Retryable(kind) {
			result.Status = model.AcquisitionRejected
			if saveErr := a.store.SaveAcquisition(result); saveErr != nil {
				a.logger.Error("Failed to record rejected acquisition",
					zap.String("request_id", quote.RequestID), zap.Error(saveErr))
			}
		}
		return nil, err
	}

	result.OrderID = trade.OrderID
	result.Status = trade.Status
	result.ExecutedQuantity = trade.ExecutedQuantity.String()
	if err := a.store.SaveAcquisition(result); err != nil {
		return nil, err
	}

	if result.Status == model.AcquisitionPending {
		return a.pollToTerminal(ctx, &result)
	}

	return a.checkFill(&result)
}

// pollToTerminal polls the venue until the order leaves PENDING.
func (a *Acquirer) pollToTerminal(ctx context.Context, result *model.AcquisitionResult) (*model.AcquisitionResult, error) {
	v, exists := a.router.ByID(result.VenueID)
	if !exists {
		return nil, fault.New(fault.VenueUnavailable, fmt.Sprintf("venue %s no longer registered", result.VenueID))
	}

	deadline := time.Now().Add(a.pollTimeout)
	interval := a.pollInterval

	for {
		trade, err := v.TradeStatus(ctx, result.OrderID)
		if err != nil {
			if kind, ok := fault.KindOf(err); ok && !fault.Retryable(kind) {
				result.Status = model.AcquisitionRejected
				if saveErr := a.store.SaveAcquisition(*result); saveErr != nil {
					a.logger.Error("Failed to record rejected acquisition",
						zap.String("request_id", result.RequestID), zap.Error(saveErr))
				}
				return nil, err
			}
			a.logger.Warn("Failed to poll trade status",
				zap.String("order_id", result.OrderID), zap.Error(err))
		} else if trade.Status != model.AcquisitionPending {
			result.Status = trade.Status
			if trade.ExecutedQuantity.Sign() > 0 {
				result.ExecutedQuantity = trade.ExecutedQuantity.String()
			} else if trade.Status == model.AcquisitionFilled {
				// Venues that report fills without a quantity filled the full
				// requested amount.
				result.ExecutedQuantity = result.RequestedQuantity
			}
			if err := a.store.SaveAcquisition(*result); err != nil {
				return nil, err
			}
			return a.checkFill(result)
		}

		if time.Now().After(deadline) {
			return nil, fault.New(fault.VenueUnavailable,
				fmt.Sprintf("order %s still pending after %s", result.OrderID, a.pollTimeout))
		}

		select {
		case <-ctx.Done():
			return nil, fault.Wrap(fault.VenueUnavailable, "acquisition wait cancelled", ctx.Err())
		case <-time.After(interval):
		}

		interval *= 2
		if interval > a.pollTimeout/4 {
			interval = a.pollTimeout / 4
		}
	}
}

// checkFill maps a terminal venue status onto the adapter's contract.
func (a *Acquirer) checkFill(result *model.AcquisitionResult) (*model.AcquisitionResult, error) {
	switch result.Status {
	case model.AcquisitionRejected:
		return nil, fault.New(fault.VenueRejected,
			fmt.Sprintf("venue %s rejected order %s", result.VenueID, result.OrderID))
	case model.AcquisitionFilled, model.AcquisitionPartial:
		executed, err := decimal.NewFromString(result.ExecutedQuantity)
		if err == nil && result.Status == model.AcquisitionFilled {
			requested, reqErr := decimal.NewFromString(result.RequestedQuantity)
			if reqErr == nil && executed.LessThan(requested) {
				// A fill below the requested quantity is a partial fill even
				// when the venue labels it FILLED.
				result.Status = model.AcquisitionPartial
				if saveErr := a.store.SaveAcquisition(*result); saveErr != nil {
					a.logger.Error("Failed to downgrade acquisition to partial",
						zap.String("request_id", result.RequestID), zap.Error(saveErr))
				}
			}
		}
		return result, nil
	}
	return result, nil
}
