package api

import (
	"time"
)

// SubmitSettlementRequest represents the request body for creating a settlement
type SubmitSettlementRequest struct {
	RequestID     string `json:"request_id,omitempty"`
	PaymentMethod string `json:"payment_method" validate:"required,oneof=CARD BITCOIN ETHEREUM USDT"`
	Amount        string `json:"amount" validate:"required"`
	Currency      string `json:"currency,omitempty"`
	TargetToken   string `json:"target_token" validate:"required"`
	Destination   string `json:"destination_address" validate:"required"`
}

// SubmitSettlementResponse represents the response for a settlement creation
type SubmitSettlementResponse struct {
	RequestID     string `json:"request_id"`
	State         string `json:"state"`
	PaymentHandle string `json:"payment_handle,omitempty"`
}

// TransitionResponse is one entry of a settlement's state history
type TransitionResponse struct {
	FromState string    `json:"from_state"`
	ToState   string    `json:"to_state"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SettlementResponse represents the API response for settlement status
type SettlementResponse struct {
	RequestID     string               `json:"request_id"`
	PaymentMethod string               `json:"payment_method"`
	Amount        string               `json:"amount"`
	Currency      string               `json:"currency"`
	TargetToken   string               `json:"target_token"`
	Destination   string               `json:"destination_address"`
	State         string               `json:"state"`
	PaymentHandle string               `json:"payment_handle,omitempty"`
	TxHash        string               `json:"tx_hash,omitempty"`
	Overpaid      bool                 `json:"overpaid,omitempty"`
	ReviewReason  string               `json:"review_reason,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
	History       []TransitionResponse `json:"history"`
}

// CancelResponse represents the response for a settlement cancellation
type CancelResponse struct {
	RequestID string `json:"request_id"`
	State     string `json:"state"`
}

// ErrorResponse represents the API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
