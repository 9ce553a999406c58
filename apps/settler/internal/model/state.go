package model

// State is the lifecycle state of a Settlement.
type State string

const (
	StateReceived          State = "RECEIVED"
	StatePaymentPending    State = "PAYMENT_PENDING"
	StatePaymentConfirmed  State = "PAYMENT_CONFIRMED"
	StateQuoted            State = "QUOTED"
	StateQuoteExpired      State = "QUOTE_EXPIRED"
	StateAcquiring         State = "ACQUIRING"
	StateAcquired          State = "ACQUIRED"
	StateAcquisitionFailed State = "ACQUISITION_FAILED"
	StateTransferring      State = "TRANSFERRING"
	StateTransferFailed    State = "TRANSFER_FAILED"
	StateSettled           State = "SETTLED"
	StatePaymentFailed     State = "PAYMENT_FAILED"
	StateRefundPending     State = "REFUND_PENDING"
	StateRefunded          State = "REFUNDED"
	StateNeedsReview       State = "NEEDS_REVIEW"
	StateFailed            State = "FAILED"
	StateCancelled         State = "CANCELLED"
)

// allowedTransitions encodes the settlement state machine. A transition not
// listed here must never be written to the store.
var allowedTransitions = map[State][]State{
	StateReceived:          {StatePaymentPending, StateCancelled, StateFailed},
	StatePaymentPending:    {StatePaymentConfirmed, StatePaymentFailed, StateNeedsReview, StateCancelled},
	StatePaymentConfirmed:  {StateQuoted, StateFailed},
	StateQuoted:            {StateAcquiring, StateQuoteExpired, StateFailed},
	StateQuoteExpired:      {StateQuoted, StateFailed},
	StateAcquiring:         {StateAcquired, StateAcquisitionFailed, StateQuoteExpired, StateFailed},
	StateAcquisitionFailed: {StateRefundPending, StateQuoteExpired, StateFailed},
	StateAcquired:          {StateTransferring, StateNeedsReview},
	StateTransferring:      {StateSettled, StateTransferFailed, StateNeedsReview},
	StateTransferFailed:    {StateRefundPending, StateFailed},
	StateRefundPending:     {StateRefunded, StateNeedsReview, StateFailed},
	StateNeedsReview:       {StateRefundPending, StateFailed, StateSettled},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to State) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a state ends the settlement lifecycle.
func (s State) IsTerminal() bool {
	switch s {
	case StateSettled, StateRefunded, StatePaymentFailed, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Cancellable reports whether a settlement in this state may still be
// cancelled. Once payment is confirmed the funds have committed and the flow
// must run to a terminal state.
func (s State) Cancellable() bool {
	return s == StateReceived || s == StatePaymentPending
}
