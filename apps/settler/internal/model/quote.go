package model

import (
	"time"
)

// Quote is a frozen conversion of a confirmed payment amount into a target
// token quantity. A quote is valid only for its request id and only until
// ExpiresAt; re-quoting always produces a new Quote with a new id.
type Quote struct {
	QuoteID        string    `db:"quote_id"`
	RequestID      string    `db:"request_id"`
	VenueID        string    `db:"venue_id"`
	SourceAmount   string    `db:"source_amount"`
	SourceCurrency string    `db:"source_currency"`
	TargetToken    string    `db:"target_token"`
	TargetQuantity string    `db:"target_quantity"`
	Rate           string    `db:"rate"` // source units per target token
	FeeAmount      string    `db:"fee_amount"`
	FeeBps         int64     `db:"fee_bps"`
	SlippageBps    int64     `db:"slippage_bps"`
	CreatedAt      time.Time `db:"created_at"`
	ExpiresAt      time.Time `db:"expires_at"`
}

// Expired reports whether the quote may no longer be consumed.
func (q *Quote) Expired(now time.Time) bool {
	return !now.Before(q.ExpiresAt)
}
