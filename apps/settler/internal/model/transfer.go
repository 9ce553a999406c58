package model

import (
	"time"
)

// Transfer statuses.
const (
	TransferBroadcast = "BROADCAST"
	TransferConfirmed = "CONFIRMED"
	TransferFailed    = "FAILED"
)

// TransferRecord records the on-chain send of acquired tokens to the
// customer's destination address.
type TransferRecord struct {
	TransferID    string    `db:"transfer_id"`
	RequestID     string    `db:"request_id"`
	Destination   string    `db:"destination_address"`
	Token         string    `db:"token"`
	Quantity      string    `db:"quantity"`
	TxHash        string    `db:"tx_hash"`
	Confirmations uint64    `db:"confirmations"`
	Status        string    `db:"status"`
	CreatedAt     time.Time `db:"created_at"`
}
