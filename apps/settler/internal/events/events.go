package events

import (
	"time"

	"settler/apps/settler/internal/model"
)

// SettlementEvent is the notification published to the front-end when a
// settlement reaches a state it needs to hear about.
type SettlementEvent struct {
	EventType   string    `json:"event_type"`
	RequestID   string    `json:"request_id"`
	State       string    `json:"state"`
	MessageCode string    `json:"message_code"`
	TargetToken string    `json:"target_token"`
	Destination string    `json:"destination_address"`
	Amount      string    `json:"amount"`
	Currency    string    `json:"currency"`
	TxHash      string    `json:"tx_hash,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Customer-facing message codes. This is a closed set: internal failure
// detail never leaks to the front-end.
const (
	MsgSettled               = "settled"
	MsgPaymentFailed         = "payment_failed"
	MsgConversionUnavailable = "conversion_unavailable"
	MsgDeliveryDelayed       = "delivery_delayed"
	MsgRefundInProgress      = "refund_in_progress"
	MsgRefunded              = "refunded"
	MsgCancelled             = "cancelled"
)

// MessageCode maps a settlement state onto the customer-facing message the
// front-end shows.
func MessageCode(state model.State) string {
	switch state {
	case model.StateSettled:
		return MsgSettled
	case model.StatePaymentFailed:
		return MsgPaymentFailed
	case model.StateRefundPending:
		return MsgRefundInProgress
	case model.StateRefunded:
		return MsgRefunded
	case model.StateCancelled:
		return MsgCancelled
	case model.StateNeedsReview, model.StateFailed, model.StateTransferFailed:
		return MsgDeliveryDelayed
	default:
		return MsgConversionUnavailable
	}
}
