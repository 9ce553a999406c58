package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	err := New(NoLiquidity, "no market")
	kind, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, NoLiquidity, kind)

	// Kind survives wrapping with %w.
	wrapped := fmt.Errorf("quoting failed: %w", err)
	kind, ok = KindOf(wrapped)
	assert.True(t, ok)
	assert.Equal(t, NoLiquidity, kind)

	_, ok = KindOf(errors.New("plain error"))
	assert.False(t, ok)
}

func TestIs(t *testing.T) {
	err := Wrap(VenueUnavailable, "venue down", errors.New("connection refused"))
	assert.True(t, Is(err, VenueUnavailable))
	assert.False(t, Is(err, VenueRejected))
	assert.False(t, Is(errors.New("plain"), VenueUnavailable))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("tx reverted")
	err := Wrap(BroadcastFailure, "delivery failed", cause)
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "BROADCAST_FAILURE")
	assert.Contains(t, err.Error(), "tx reverted")
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(RateUnavailable))
	assert.True(t, Retryable(VenueUnavailable))
	assert.True(t, Retryable(BroadcastFailure))

	assert.False(t, Retryable(PaymentRejected))
	assert.False(t, Retryable(SlippageExceeded))
	assert.False(t, Retryable(QuoteExpired))
	assert.False(t, Retryable(InvalidAddress))
}
