package watcher

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"settler/apps/settler/internal/assets"
	"settler/apps/settler/internal/chain"
	"settler/apps/settler/internal/fault"
	"settler/apps/settler/internal/model"
	"settler/apps/settler/internal/processor"
)

// Config carries the watcher tunables.
type Config struct {
	// AmountToleranceBps absorbs network fee deduction: a deposit of at least
	// requested*(1 - tolerance) is accepted.
	AmountToleranceBps int64
	// MinConfirmations is the per-method confirmation depth required before a
	// crypto deposit is considered final.
	MinConfirmations map[string]uint64
	// DepositAddresses maps crypto payment methods to platform deposit
	// addresses.
	DepositAddresses map[string]string
	PollInterval     time.Duration
	MaxPollInterval  time.Duration
	ConfirmTimeout   time.Duration
}

// Watcher observes a single payment intent until it reaches a terminal
// confirmed or failed state. It never mutates settlement state; it only
// reads the payment rail and returns evidence.
type Watcher struct {
	processor processor.Client
	readers   map[string]chain.Reader // keyed by payment method
	registry  *assets.Registry
	cfg       Config
	logger    *zap.Logger
}

func NewWatcher(
	proc processor.Client,
	readers map[string]chain.Reader,
	registry *assets.Registry,
	cfg Config,
	logger *zap.Logger) *Watcher {
	return &Watcher{
		processor: proc,
		readers:   readers,
		registry:  registry,
		cfg:       cfg,
		logger:    logger,
	}
}

// AwaitConfirmation polls the payment rail until the payment is confirmed or
// fails. Safe to call repeatedly for the same settlement: it has no side
// effects beyond redundant reads.
func (w *Watcher) AwaitConfirmation(ctx context.Context, s model.Settlement) (*model.PaymentEvidence, error) {
	rail, exists := w.registry.GetRail(string(s.PaymentMethod))
	if !exists {
		return nil, fault.New(fault.PaymentRejected, fmt.Sprintf("unsupported payment method: %s", s.PaymentMethod))
	}

	deadline := time.Now().Add(w.cfg.ConfirmTimeout)
	interval := w.cfg.PollInterval

	for {
		var evidence *model.PaymentEvidence
		var err error
		if rail.Fiat {
			evidence, err = w.checkFiat(ctx, s)
		} else {
			evidence, err = w.checkCrypto(ctx, s, rail)
		}
		if err != nil {
			return nil, err
		}
		if evidence != nil {
			return evidence, nil
		}

		if time.Now().After(deadline) {
			return nil, fault.New(fault.PaymentTimeout,
				fmt.Sprintf("payment for settlement %s not confirmed within %s", s.RequestID, w.cfg.ConfirmTimeout))
		}

		select {
		case <-ctx.Done():
			return nil, fault.Wrap(fault.PaymentTimeout, "confirmation wait cancelled", ctx.Err())
		case <-time.After(interval):
		}

		// Exponential backoff between polls, capped.
		interval *= 2
		if interval > w.cfg.MaxPollInterval {
			interval = w.cfg.MaxPollInterval
		}
	}
}

// checkFiat returns evidence on an explicit succeeded signal, a typed failure
// on rejection, and (nil, nil) while the intent is still pending.
func (w *Watcher) checkFiat(ctx context.Context, s model.Settlement) (*model.PaymentEvidence, error) {
	if s.IntentID == "" {
		return nil, fault.New(fault.PaymentRejected, fmt.Sprintf("settlement %s has no payment intent", s.RequestID))
	}

	state, err := w.processor.IntentStatus(ctx, s.IntentID)
	if err != nil {
		// Transient polling failure; keep waiting.
		w.logger.Warn("Failed to poll payment intent",
			zap.String("request_id", s.RequestID),
			zap.String("intent_id", s.IntentID),
			zap.Error(err))
		return nil, nil
	}

	switch state.Status {
	case processor.IntentSucceeded:
		return &model.PaymentEvidence{
			RequestID:  s.RequestID,
			Reference:  s.IntentID,
			Amount:     state.Amount,
			Currency:   state.Currency,
			Final:      true,
			ObservedAt: time.Now(),
		}, nil
	case processor.IntentFailed, processor.IntentCancelled:
		return nil, fault.New(fault.PaymentRejected,
			fmt.Sprintf("payment intent %s ended as %s", s.IntentID, state.Status))
	default:
		return nil, nil
	}
}

// checkCrypto looks for a deposit matching the expected amount within
// tolerance and at sufficient confirmation depth.
func (w *Watcher) checkCrypto(ctx context.Context, s model.Settlement, rail *assets.Rail) (*model.PaymentEvidence, error) {
	reader, exists := w.readers[string(s.PaymentMethod)]
	if !exists {
		return nil, fault.New(fault.PaymentRejected, fmt.Sprintf("no chain reader for %s", s.PaymentMethod))
	}

	address := w.cfg.DepositAddresses[string(s.PaymentMethod)]
	if address == "" {
		return nil, fault.New(fault.PaymentRejected,
			fmt.Sprintf("no deposit address configured for %s", s.PaymentMethod))
	}

	deposit, err := reader.FindDeposit(ctx, address)
	if err != nil {
		w.logger.Warn("Failed to poll chain for deposit",
			zap.String("request_id", s.RequestID),
			zap.String("address", address),
			zap.Error(err))
		return nil, nil
	}
	if deposit == nil {
		return nil, nil
	}

	requested, err := decimal.NewFromString(s.Amount)
	if err != nil {
		return nil, fault.Wrap(fault.PaymentRejected, "invalid requested amount", err)
	}
	received, err := decimal.NewFromString(deposit.Amount)
	if err != nil {
		return nil, fault.Wrap(fault.PaymentRejected, "invalid deposit amount", err)
	}

	tolerance := decimal.NewFromInt(w.cfg.AmountToleranceBps).Div(decimal.NewFromInt(10000))
	floor := requested.Mul(decimal.NewFromInt(1).Sub(tolerance))
	ceiling := requested.Mul(decimal.NewFromInt(1).Add(tolerance))

	if received.LessThan(floor) {
		// Underpayment or an unrelated deposit; keep waiting for the real one.
		w.logger.Info("Deposit below expected amount, still waiting",
			zap.String("request_id", s.RequestID),
			zap.String("received", received.String()),
			zap.String("requested", requested.String()))
		return nil, nil
	}

	minDepth := w.cfg.MinConfirmations[string(s.PaymentMethod)]
	if deposit.Confirmations < minDepth {
		w.logger.Info("Deposit found, waiting for confirmations",
			zap.String("request_id", s.RequestID),
			zap.String("tx_hash", deposit.TxHash),
			zap.Uint64("confirmations", deposit.Confirmations),
			zap.Uint64("required", minDepth))
		return nil, nil
	}

	// Excess is not refunded here; the overpaid flag is surfaced to the
	// orchestrator for manual review.
	overpaid := received.GreaterThan(ceiling)

	return &model.PaymentEvidence{
		RequestID:     s.RequestID,
		Reference:     deposit.TxHash,
		Amount:        received.String(),
		Currency:      rail.Currency,
		Confirmations: deposit.Confirmations,
		Overpaid:      overpaid,
		Final:         true,
		ObservedAt:    time.Now(),
	}, nil
}
