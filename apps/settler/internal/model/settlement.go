package model

import (
	"encoding/json"
	"time"
)

// PaymentMethod identifies the inbound payment rail.
type PaymentMethod string

const (
	MethodCard     PaymentMethod = "CARD"
	MethodBitcoin  PaymentMethod = "BITCOIN"
	MethodEthereum PaymentMethod = "ETHEREUM"
	MethodUSDT     PaymentMethod = "USDT"
)

// Settlement is the aggregate root for one payment-to-token delivery. The
// request fields are immutable after creation; only State and the flags
// advance, and every advance is appended to the transition log.
type Settlement struct {
	RequestID     string        `db:"request_id"`
	PaymentMethod PaymentMethod `db:"payment_method"`
	Amount        string        `db:"amount"`
	Currency      string        `db:"currency"`
	TargetToken   string        `db:"target_token"`
	Destination   string        `db:"destination_address"`
	State         State         `db:"state"`
	IntentID      string        `db:"payment_intent_id"`
	PaymentHandle string        `db:"payment_handle"`
	Overpaid      bool          `db:"overpaid"`
	ReviewReason  string        `db:"review_reason"`
	CreatedAt     time.Time     `db:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at"`
}

// Transition is one append-only entry in a settlement's history.
type Transition struct {
	ID        int64           `db:"id"`
	RequestID string          `db:"request_id"`
	FromState State           `db:"from_state"`
	ToState   State           `db:"to_state"`
	Reason    string          `db:"reason"`
	Detail    json.RawMessage `db:"detail"`
	CreatedAt time.Time       `db:"created_at"`
}
