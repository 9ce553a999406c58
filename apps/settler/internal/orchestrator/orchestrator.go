package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"settler/apps/settler/internal/assets"
	"settler/apps/settler/internal/chain"
	"settler/apps/settler/internal/events"
	"settler/apps/settler/internal/fault"
	"settler/apps/settler/internal/model"
	"settler/apps/settler/internal/processor"
	"settler/apps/settler/internal/repository"
)

// Store is the persisted settlement state the orchestrator drives. The
// postgres repository implements it; tests use an in-memory double.
type Store interface {
	CreateSettlement(s model.Settlement) error
	GetSettlement(requestID string) (*model.Settlement, error)
	ListNonTerminal() ([]model.Settlement, error)
	Transition(requestID string, from, to model.State, reason string, detail json.RawMessage) error
	GetTransitions(requestID string) ([]model.Transition, error)
	SetPaymentIntent(requestID, intentID, handle string) error
	MarkOverpaid(requestID string) error
	SetReviewReason(requestID, reason string) error
	SavePaymentEvidence(ev model.PaymentEvidence) error
	GetPaymentEvidence(requestID string) (*model.PaymentEvidence, error)
	SaveQuote(q model.Quote) error
	GetLatestQuote(requestID string) (*model.Quote, error)
	CountQuotes(requestID string) (int, error)
	GetAcquisition(requestID string) (*model.AcquisitionResult, error)
	GetLiveTransfer(requestID string) (*model.TransferRecord, error)
}

// Outbox stores front-end notifications for the Kafka publisher to drain.
type Outbox interface {
	StoreOutboxEvent(event model.OutboxEvent) error
}

// ConfirmationWatcher observes one payment until it is confirmed or fails.
type ConfirmationWatcher interface {
	AwaitConfirmation(ctx context.Context, s model.Settlement) (*model.PaymentEvidence, error)
}

// QuoteEngine freezes conversions.
type QuoteEngine interface {
	Quote(ctx context.Context, evidence model.PaymentEvidence, targetToken string) (*model.Quote, error)
}

// TokenAcquirer executes quoted trades.
type TokenAcquirer interface {
	Acquire(ctx context.Context, quote model.Quote) (*model.AcquisitionResult, error)
}

// TransferExecutor delivers acquired tokens on-chain.
type TransferExecutor interface {
	Transfer(ctx context.Context, s model.Settlement, acq model.AcquisitionResult) (*model.TransferRecord, error)
}

// Config carries the orchestrator tunables.
type Config struct {
	// QuoteRetryLimit bounds how many quotes may be produced for one
	// settlement before it fails.
	QuoteRetryLimit int
	// RetryLimit bounds consecutive retryable component failures before the
	// settlement is escalated to FAILED.
	RetryLimit int
	// RetryBackoff is the initial delay between retries; it doubles per
	// consecutive failure.
	RetryBackoff time.Duration
	// RefundMode is "auto" or "manual".
	RefundMode string
	// CompensationPolicy decides what happens after a failed acquisition:
	// "refund" or "requote".
	CompensationPolicy string
}

// SubmitRequest is the inbound settlement request from the front-end.
type SubmitRequest struct {
	RequestID     string // optional; client-supplied ids make submission idempotent
	PaymentMethod string
	Amount        string
	Currency      string
	TargetToken   string
	Destination   string
}

// Orchestrator drives each settlement through
// confirmation -> quote -> acquisition -> transfer as an idempotent state
// machine. Many settlements run concurrently; one goroutine owns each
// settlement so its transitions are serialized, with the store's
// compare-and-set as the backstop against crash-and-resume races.
type Orchestrator struct {
	store    Store
	outbox   Outbox
	watcher  ConfirmationWatcher
	pricing  QuoteEngine
	acquirer TokenAcquirer
	executor TransferExecutor
	proc     processor.Client
	registry *assets.Registry
	cfg      Config
	logger   *zap.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func NewOrchestrator(
	store Store,
	outbox Outbox,
	watcher ConfirmationWatcher,
	pricing QuoteEngine,
	acquirer TokenAcquirer,
	executor TransferExecutor,
	proc processor.Client,
	registry *assets.Registry,
	cfg Config,
	logger *zap.Logger) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:    store,
		outbox:   outbox,
		watcher:  watcher,
		pricing:  pricing,
		acquirer: acquirer,
		executor: executor,
		proc:     proc,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		baseCtx:  ctx,
		cancel:   cancel,
		running:  make(map[string]context.CancelFunc),
	}
}

// Submit registers a settlement request and starts driving it. Returns the
// settlement id and the client-facing payment handle (checkout handle for
// fiat, deposit address for crypto).
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (string, string, error) {
	rail, exists := o.registry.GetRail(req.PaymentMethod)
	if !exists {
		return "", "", fmt.Errorf("unsupported payment method: %s", req.PaymentMethod)
	}

	asset, exists := o.registry.GetBySymbol(req.TargetToken)
	if !exists {
		return "", "", fmt.Errorf("unsupported target token: %s", req.TargetToken)
	}

	if !chain.ValidAddress(asset.Chain, req.Destination) {
		return "", "", fmt.Errorf("invalid destination address for %s: %s", req.TargetToken, req.Destination)
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || amount.Sign() <= 0 {
		return "", "", fmt.Errorf("invalid amount: %s", req.Amount)
	}

	currency := req.Currency
	if currency == "" {
		currency = rail.Currency
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}

	s := model.Settlement{
		RequestID:     requestID,
		PaymentMethod: model.PaymentMethod(req.PaymentMethod),
		Amount:        amount.String(),
		Currency:      currency,
		TargetToken:   req.TargetToken,
		Destination:   req.Destination,
		State:         model.StateReceived,
	}

	if err := o.store.CreateSettlement(s); err != nil {
		return "", "", err
	}

	// Reload: a duplicate submission returns the existing settlement.
	created, err := o.store.GetSettlement(requestID)
	if err != nil {
		return "", "", err
	}
	if created == nil {
		return "", "", fmt.Errorf("settlement %s disappeared after creation", requestID)
	}

	o.start(requestID)

	return requestID, created.PaymentHandle, nil
}

// Status returns the settlement's current state and its full ordered history.
func (o *Orchestrator) Status(requestID string) (*model.Settlement, []model.Transition, error) {
	s, err := o.store.GetSettlement(requestID)
	if err != nil {
		return nil, nil, err
	}
	if s == nil {
		return nil, nil, nil
	}

	history, err := o.store.GetTransitions(requestID)
	if err != nil {
		return nil, nil, err
	}

	return s, history, nil
}

// ErrNotCancellable is returned when cancellation arrives after payment has
// committed.
var ErrNotCancellable = errors.New("settlement can no longer be cancelled")

// Cancel aborts a settlement that has not yet confirmed payment.
func (o *Orchestrator) Cancel(requestID string) error {
	// The runner may advance the state between the read and the write, so a
	// stale write retries against the fresh state.
	for {
		s, err := o.store.GetSettlement(requestID)
		if err != nil {
			return err
		}
		if s == nil {
			return fmt.Errorf("settlement %s not found", requestID)
		}

		if !s.State.Cancellable() {
			return ErrNotCancellable
		}

		err = o.store.Transition(requestID, s.State, model.StateCancelled, "cancelled by request", nil)
		if err == nil {
			break
		}
		if errors.Is(err, repository.ErrStaleState) {
			continue
		}
		return err
	}

	o.notify(requestID, model.StateCancelled)

	// Interrupt the runner so it stops waiting on the payment rail.
	o.mu.Lock()
	if cancel, ok := o.running[requestID]; ok {
		cancel()
	}
	o.mu.Unlock()

	return nil
}

// Resume restarts the runner for every in-flight settlement after a process
// restart. Idempotent component contracts make re-driving from the persisted
// state safe.
func (o *Orchestrator) Resume() error {
	settlements, err := o.store.ListNonTerminal()
	if err != nil {
		return err
	}

	for _, s := range settlements {
		o.logger.Info("Resuming settlement",
			zap.String("request_id", s.RequestID),
			zap.String("state", string(s.State)))
		o.start(s.RequestID)
	}

	return nil
}

// Close stops all runners and waits for them to drain.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

// start launches the single runner goroutine for a settlement, if one is not
// already active.
func (o *Orchestrator) start(requestID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, active := o.running[requestID]; active {
		return
	}

	ctx, cancel := context.WithCancel(o.baseCtx)
	o.running[requestID] = cancel

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.running, requestID)
			o.mu.Unlock()
			cancel()
		}()
		o.run(ctx, requestID)
	}()
}

// run is the per-settlement driver loop: load the current state, execute the
// step for it, repeat until a terminal or parked state.
func (o *Orchestrator) run(ctx context.Context, requestID string) {
	failures := 0
	backoff := o.cfg.RetryBackoff

	for {
		if ctx.Err() != nil && o.baseCtx.Err() != nil {
			return // shutting down; Resume picks the settlement back up
		}

		s, err := o.store.GetSettlement(requestID)
		if err != nil {
			o.logger.Error("Failed to load settlement", zap.String("request_id", requestID), zap.Error(err))
			if !o.sleep(backoff) {
				return
			}
			continue
		}
		if s == nil {
			o.logger.Error("Settlement vanished", zap.String("request_id", requestID))
			return
		}

		if s.State.IsTerminal() {
			o.notify(requestID, s.State)
			return
		}
		if s.State == model.StateNeedsReview {
			// Parked for an operator; no automatic progression.
			o.notify(requestID, s.State)
			return
		}

		err = o.step(ctx, s)
		if err == nil {
			failures = 0
			backoff = o.cfg.RetryBackoff
			continue
		}

		if errors.Is(err, repository.ErrStaleState) {
			// Another writer advanced the settlement; reload and follow.
			continue
		}

		failures++
		o.logger.Warn("Settlement step failed",
			zap.String("request_id", requestID),
			zap.String("state", string(s.State)),
			zap.Int("consecutive_failures", failures),
			zap.Error(err))

		if failures >= o.cfg.RetryLimit {
			o.escalate(s, err)
		}

		// Back off even after an escalation attempt: when the store itself is
		// down, the escalation write fails too and this loop must not spin.
		if !o.sleep(backoff) {
			return
		}
		backoff *= 2
	}
}

func (o *Orchestrator) sleep(d time.Duration) bool {
	select {
	case <-o.baseCtx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// step executes exactly one state's work.
func (o *Orchestrator) step(ctx context.Context, s *model.Settlement) error {
	switch s.State {
	case model.StateReceived:
		return o.stepReceived(ctx, s)
	case model.StatePaymentPending:
		return o.stepAwaitPayment(ctx, s)
	case model.StatePaymentConfirmed:
		return o.stepQuote(ctx, s, s.State)
	case model.StateQuoteExpired:
		return o.stepQuote(ctx, s, s.State)
	case model.StateQuoted:
		return o.stepStartAcquisition(s)
	case model.StateAcquiring:
		return o.stepAcquire(ctx, s)
	case model.StateAcquisitionFailed:
		return o.stepCompensate(s)
	case model.StateAcquired:
		return o.store.Transition(s.RequestID, model.StateAcquired, model.StateTransferring, "starting delivery", nil)
	case model.StateTransferring:
		return o.stepTransfer(ctx, s)
	case model.StateTransferFailed:
		return o.stepTransferFailed(s)
	case model.StateRefundPending:
		return o.stepRefund(ctx, s)
	default:
		return fmt.Errorf("no step for state %s", s.State)
	}
}

func (o *Orchestrator) stepReceived(ctx context.Context, s *model.Settlement) error {
	rail, _ := o.registry.GetRail(string(s.PaymentMethod))

	if rail.Fiat {
		if s.IntentID == "" {
			intent, err := o.proc.CreateIntent(ctx, s.Amount, s.Currency)
			if err != nil {
				return fmt.Errorf("failed to create payment intent: %w", err)
			}
			if err := o.store.SetPaymentIntent(s.RequestID, intent.IntentID, intent.Handle); err != nil {
				return err
			}
		}
		return o.store.Transition(s.RequestID, model.StateReceived, model.StatePaymentPending, "payment intent created", nil)
	}

	return o.store.Transition(s.RequestID, model.StateReceived, model.StatePaymentPending, "awaiting deposit", nil)
}

func (o *Orchestrator) stepAwaitPayment(ctx context.Context, s *model.Settlement) error {
	evidence, err := o.watcher.AwaitConfirmation(ctx, *s)
	if err != nil {
		kind, ok := fault.KindOf(err)
		if !ok {
			return err
		}
		switch kind {
		case fault.PaymentRejected, fault.PaymentTimeout:
			return o.store.Transition(s.RequestID, model.StatePaymentPending, model.StatePaymentFailed,
				string(kind), nil)
		}
		return err
	}

	if err := o.store.SavePaymentEvidence(*evidence); err != nil {
		return err
	}

	detail, _ := json.Marshal(map[string]string{
		"reference": evidence.Reference,
		"amount":    evidence.Amount,
		"currency":  evidence.Currency,
	})

	if evidence.Overpaid {
		// Excess funds arrived; hold for an operator instead of auto-crediting.
		if err := o.store.MarkOverpaid(s.RequestID); err != nil {
			return err
		}
		if err := o.store.SetReviewReason(s.RequestID, "overpayment received"); err != nil {
			return err
		}
		return o.store.Transition(s.RequestID, model.StatePaymentPending, model.StateNeedsReview,
			"overpayment held for review", detail)
	}

	return o.store.Transition(s.RequestID, model.StatePaymentPending, model.StatePaymentConfirmed,
		"payment confirmed", detail)
}

// stepQuote produces a fresh quote from PAYMENT_CONFIRMED or QUOTE_EXPIRED.
func (o *Orchestrator) stepQuote(ctx context.Context, s *model.Settlement, from model.State) error {
	count, err := o.store.CountQuotes(s.RequestID)
	if err != nil {
		return err
	}
	if count >= o.cfg.QuoteRetryLimit {
		return o.store.Transition(s.RequestID, from, model.StateFailed,
			fmt.Sprintf("quote retry limit %d exhausted", o.cfg.QuoteRetryLimit), nil)
	}

	evidence, err := o.store.GetPaymentEvidence(s.RequestID)
	if err != nil {
		return err
	}
	if evidence == nil {
		return fmt.Errorf("settlement %s confirmed without evidence", s.RequestID)
	}

	quote, err := o.pricing.Quote(ctx, *evidence, s.TargetToken)
	if err != nil {
		if fault.Is(err, fault.NoLiquidity) {
			return o.store.Transition(s.RequestID, from, model.StateFailed, "no liquidity for conversion", nil)
		}
		return err // RateUnavailable retries with backoff
	}

	if err := o.store.SaveQuote(*quote); err != nil {
		return err
	}

	detail, _ := json.Marshal(map[string]string{
		"quote_id":        quote.QuoteID,
		"rate":            quote.Rate,
		"target_quantity": quote.TargetQuantity,
	})
	return o.store.Transition(s.RequestID, from, model.StateQuoted, "quote produced", detail)
}

// stepStartAcquisition durably records that acquisition is starting before
// any venue call happens.
func (o *Orchestrator) stepStartAcquisition(s *model.Settlement) error {
	quote, err := o.store.GetLatestQuote(s.RequestID)
	if err != nil {
		return err
	}
	if quote == nil {
		return fmt.Errorf("settlement %s quoted without a quote", s.RequestID)
	}

	if quote.Expired(time.Now()) {
		return o.store.Transition(s.RequestID, model.StateQuoted, model.StateQuoteExpired,
			"quote expired before acquisition", nil)
	}

	return o.store.Transition(s.RequestID, model.StateQuoted, model.StateAcquiring, "submitting trade", nil)
}

func (o *Orchestrator) stepAcquire(ctx context.Context, s *model.Settlement) error {
	quote, err := o.store.GetLatestQuote(s.RequestID)
	if err != nil {
		return err
	}
	if quote == nil {
		return fmt.Errorf("settlement %s acquiring without a quote", s.RequestID)
	}

	result, err := o.acquirer.Acquire(ctx, *quote)
	if err != nil {
		kind, ok := fault.KindOf(err)
		if !ok {
			return err
		}
		switch kind {
		case fault.QuoteExpired:
			return o.store.Transition(s.RequestID, model.StateAcquiring, model.StateQuoteExpired,
				"quote expired before submission", nil)
		case fault.SlippageExceeded, fault.VenueRejected:
			// Money was taken, tokens were not bought; compensation follows.
			return o.store.Transition(s.RequestID, model.StateAcquiring, model.StateAcquisitionFailed,
				string(kind), nil)
		}
		return err // VenueUnavailable retries with backoff
	}

	detail, _ := json.Marshal(map[string]string{
		"order_id":          result.OrderID,
		"venue_id":          result.VenueID,
		"executed_quantity": result.ExecutedQuantity,
		"status":            result.Status,
	})

	if result.Status == model.AcquisitionPartial {
		// Deliver the filled portion; the remainder is an operator decision.
		if err := o.store.SetReviewReason(s.RequestID, "partial fill, remainder unresolved"); err != nil {
			return err
		}
	}

	return o.store.Transition(s.RequestID, model.StateAcquiring, model.StateAcquired, "trade filled", detail)
}

func (o *Orchestrator) stepCompensate(s *model.Settlement) error {
	if o.cfg.CompensationPolicy == "requote" {
		count, err := o.store.CountQuotes(s.RequestID)
		if err != nil {
			return err
		}
		if count < o.cfg.QuoteRetryLimit {
			// Through QUOTE_EXPIRED so the next attempt runs on a fresh quote;
			// jumping back to QUOTED would replay the stale one.
			return o.store.Transition(s.RequestID, model.StateAcquisitionFailed, model.StateQuoteExpired,
				"re-attempting with a fresh quote", nil)
		}
	}

	return o.store.Transition(s.RequestID, model.StateAcquisitionFailed, model.StateRefundPending,
		"acquisition failed, refunding payment", nil)
}

func (o *Orchestrator) stepRefund(ctx context.Context, s *model.Settlement) error {
	rail, _ := o.registry.GetRail(string(s.PaymentMethod))

	if o.cfg.RefundMode != "auto" {
		if err := o.store.SetReviewReason(s.RequestID, "manual refund required"); err != nil {
			return err
		}
		return o.store.Transition(s.RequestID, model.StateRefundPending, model.StateNeedsReview,
			"refund held for operator", nil)
	}

	if !rail.Fiat {
		// A crypto refund needs the payer's return address, which the deposit
		// alone does not prove. Operator handles it.
		if err := o.store.SetReviewReason(s.RequestID, "crypto refund requires operator"); err != nil {
			return err
		}
		return o.store.Transition(s.RequestID, model.StateRefundPending, model.StateNeedsReview,
			"crypto refund held for operator", nil)
	}

	refundID, err := o.proc.RefundIntent(ctx, s.IntentID)
	if err != nil {
		return fmt.Errorf("failed to refund intent %s: %w", s.IntentID, err)
	}

	detail, _ := json.Marshal(map[string]string{"refund_id": refundID})
	return o.store.Transition(s.RequestID, model.StateRefundPending, model.StateRefunded,
		"payment refunded", detail)
}

func (o *Orchestrator) stepTransfer(ctx context.Context, s *model.Settlement) error {
	acq, err := o.store.GetAcquisition(s.RequestID)
	if err != nil {
		return err
	}
	if acq == nil {
		return fmt.Errorf("settlement %s transferring without an acquisition", s.RequestID)
	}

	record, err := o.executor.Transfer(ctx, *s, *acq)
	if err != nil {
		kind, ok := fault.KindOf(err)
		if !ok {
			return err
		}
		switch kind {
		case fault.InvalidAddress:
			// Tokens are acquired but the address cannot be used; never guess
			// a destination.
			if err := o.store.SetReviewReason(s.RequestID, "invalid destination after acquisition"); err != nil {
				return err
			}
			return o.store.Transition(s.RequestID, model.StateTransferring, model.StateNeedsReview,
				string(kind), nil)
		case fault.InsufficientBalance, fault.BroadcastFailure:
			return o.store.Transition(s.RequestID, model.StateTransferring, model.StateTransferFailed,
				string(kind), nil)
		}
		return err
	}

	if record.Status != model.TransferConfirmed {
		// Broadcast but not yet final; stay in TRANSFERRING and poll again.
		return nil
	}

	detail, _ := json.Marshal(map[string]string{
		"tx_hash":  record.TxHash,
		"quantity": record.Quantity,
	})
	return o.store.Transition(s.RequestID, model.StateTransferring, model.StateSettled,
		"delivery confirmed on-chain", detail)
}

func (o *Orchestrator) stepTransferFailed(s *model.Settlement) error {
	// The critical unsafe window: tokens are owned by the platform but not
	// delivered. The acquisition stays in the audit trail and an operator
	// remediates.
	if err := o.store.SetReviewReason(s.RequestID, "tokens acquired but undelivered"); err != nil {
		return err
	}
	return o.store.Transition(s.RequestID, model.StateTransferFailed, model.StateFailed,
		"delivery failed after acquisition", nil)
}

// escalate parks a settlement in FAILED after the retry budget is exhausted.
func (o *Orchestrator) escalate(s *model.Settlement, cause error) {
	reason := fmt.Sprintf("retry limit exceeded in %s: %v", s.State, cause)
	if err := o.store.SetReviewReason(s.RequestID, reason); err != nil {
		o.logger.Error("Failed to set review reason", zap.String("request_id", s.RequestID), zap.Error(err))
	}
	target := model.StateFailed
	if !model.CanTransition(s.State, target) {
		target = model.StateNeedsReview
	}
	if err := o.store.Transition(s.RequestID, s.State, target, "escalated after retries", nil); err != nil {
		o.logger.Error("Failed to escalate settlement",
			zap.String("request_id", s.RequestID), zap.Error(err))
	}
}

// notify stores the front-end notification for a state; the outbox dedupes
// by (request id, event type) so repeated runs publish once.
func (o *Orchestrator) notify(requestID string, state model.State) {
	s, err := o.store.GetSettlement(requestID)
	if err != nil || s == nil {
		o.logger.Error("Failed to load settlement for notification",
			zap.String("request_id", requestID), zap.Error(err))
		return
	}

	event := events.SettlementEvent{
		EventType:   "settlement_" + string(state),
		RequestID:   requestID,
		State:       string(state),
		MessageCode: events.MessageCode(state),
		TargetToken: s.TargetToken,
		Destination: s.Destination,
		Amount:      s.Amount,
		Currency:    s.Currency,
		Timestamp:   time.Now(),
	}

	if record, err := o.store.GetLiveTransfer(requestID); err == nil && record != nil {
		event.TxHash = record.TxHash
	}

	payload, err := json.Marshal(event)
	if err != nil {
		o.logger.Error("Failed to marshal settlement event", zap.Error(err))
		return
	}

	if err := o.outbox.StoreOutboxEvent(model.OutboxEvent{
		RequestID:   requestID,
		EventType:   event.EventType,
		MessageCode: event.MessageCode,
		Payload:     payload,
	}); err != nil {
		o.logger.Error("Failed to store settlement event",
			zap.String("request_id", requestID), zap.Error(err))
	}
}
