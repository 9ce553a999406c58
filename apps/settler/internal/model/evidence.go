package model

import (
	"time"
)

// PaymentEvidence is proof that inbound funds arrived. It is produced by the
// confirmation watcher and never mutated once Final is set.
type PaymentEvidence struct {
	RequestID     string    `db:"request_id"`
	Reference     string    `db:"reference"` // processor intent id or chain tx hash
	Amount        string    `db:"amount"`
	Currency      string    `db:"currency"`
	Confirmations uint64    `db:"confirmations"`
	Overpaid      bool      `db:"overpaid"`
	Final         bool      `db:"final"`
	ObservedAt    time.Time `db:"observed_at"`
}
