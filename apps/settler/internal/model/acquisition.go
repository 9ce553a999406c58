package model

import (
	"time"
)

// Acquisition statuses as reported by the venue.
const (
	AcquisitionPending  = "PENDING"
	AcquisitionFilled   = "FILLED"
	AcquisitionRejected = "REJECTED"
	AcquisitionPartial  = "PARTIAL"
)

// AcquisitionResult records one exchange trade. ExecutedQuantity may differ
// from the quoted quantity within the slippage bound.
type AcquisitionResult struct {
	AcquisitionID     string    `db:"acquisition_id"`
	RequestID         string    `db:"request_id"`
	QuoteID           string    `db:"quote_id"`
	VenueID           string    `db:"venue_id"`
	OrderID           string    `db:"order_id"`
	IdempotencyKey    string    `db:"idempotency_key"`
	RequestedQuantity string    `db:"requested_quantity"`
	ExecutedQuantity  string    `db:"executed_quantity"`
	Status            string    `db:"status"`
	CreatedAt         time.Time `db:"created_at"`
}
