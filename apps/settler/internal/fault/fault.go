package fault

import (
	"errors"
	"fmt"
)

// Kind is a typed failure reason surfaced by a settlement component. The
// orchestrator branches on kinds, never on error strings.
type Kind string

const (
	// Payment confirmation watcher.
	PaymentTimeout  Kind = "PAYMENT_TIMEOUT"
	PaymentRejected Kind = "PAYMENT_REJECTED"

	// Pricing engine.
	NoLiquidity     Kind = "NO_LIQUIDITY"
	RateUnavailable Kind = "RATE_UNAVAILABLE"

	// Acquisition adapter.
	VenueRejected    Kind = "VENUE_REJECTED"
	SlippageExceeded Kind = "SLIPPAGE_EXCEEDED"
	VenueUnavailable Kind = "VENUE_UNAVAILABLE"
	QuoteExpired     Kind = "QUOTE_EXPIRED"

	// Transfer executor.
	InsufficientBalance Kind = "INSUFFICIENT_BALANCE"
	InvalidAddress      Kind = "INVALID_ADDRESS"
	BroadcastFailure    Kind = "BROADCAST_FAILURE"
)

// Fault is an error carrying a failure kind.
type Fault struct {
	Kind Kind
	Msg  string
	Err  error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Msg, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Msg)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// New creates a fault with a message.
func New(kind Kind, msg string) *Fault {
	return &Fault{Kind: kind, Msg: msg}
}

// Wrap creates a fault wrapping an underlying error.
func Wrap(kind Kind, msg string, err error) *Fault {
	return &Fault{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the failure kind from an error chain. The second return is
// false when the error carries no kind, i.e. an unclassified failure.
func KindOf(err error) (Kind, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Retryable reports whether a failure of this kind may resolve on its own and
// is worth retrying with backoff.
func Retryable(kind Kind) bool {
	switch kind {
	case RateUnavailable, VenueUnavailable, BroadcastFailure:
		return true
	}
	return false
}
