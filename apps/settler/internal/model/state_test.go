package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    State
		to      State
		allowed bool
	}{
		{"received to payment pending", StateReceived, StatePaymentPending, true},
		{"received to cancelled", StateReceived, StateCancelled, true},
		{"payment pending to confirmed", StatePaymentPending, StatePaymentConfirmed, true},
		{"payment pending to failed payment", StatePaymentPending, StatePaymentFailed, true},
		{"confirmed to quoted", StatePaymentConfirmed, StateQuoted, true},
		{"quoted to acquiring", StateQuoted, StateAcquiring, true},
		{"quoted to quote expired", StateQuoted, StateQuoteExpired, true},
		{"quote expired back to quoted", StateQuoteExpired, StateQuoted, true},
		{"acquiring to acquired", StateAcquiring, StateAcquired, true},
		{"acquiring to acquisition failed", StateAcquiring, StateAcquisitionFailed, true},
		{"acquisition failed to refund pending", StateAcquisitionFailed, StateRefundPending, true},
		{"acquisition failed to quote expired", StateAcquisitionFailed, StateQuoteExpired, true},
		{"acquired to transferring", StateAcquired, StateTransferring, true},
		{"transferring to settled", StateTransferring, StateSettled, true},
		{"transferring to transfer failed", StateTransferring, StateTransferFailed, true},
		{"refund pending to refunded", StateRefundPending, StateRefunded, true},

		// Skipping a stage is never legal.
		{"received straight to quoted", StateReceived, StateQuoted, false},
		{"payment pending straight to acquiring", StatePaymentPending, StateAcquiring, false},
		{"confirmed straight to settled", StatePaymentConfirmed, StateSettled, false},
		{"quoted straight to settled", StateQuoted, StateSettled, false},
		// A re-attempt must come back through a fresh quote, never replay the
		// stale one.
		{"acquisition failed straight back to quoted", StateAcquisitionFailed, StateQuoted, false},

		// Nothing leaves a terminal state.
		{"settled to anything", StateSettled, StateTransferring, false},
		{"refunded to anything", StateRefunded, StateRefundPending, false},
		{"cancelled to anything", StateCancelled, StatePaymentPending, false},
		{"failed to anything", StateFailed, StateQuoted, false},

		// Cancellation stops being legal once payment commits.
		{"confirmed to cancelled", StatePaymentConfirmed, StateCancelled, false},
		{"acquiring to cancelled", StateAcquiring, StateCancelled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
		})
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := []State{StateSettled, StateRefunded, StatePaymentFailed, StateFailed, StateCancelled}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
	}

	inFlight := []State{
		StateReceived, StatePaymentPending, StatePaymentConfirmed, StateQuoted,
		StateQuoteExpired, StateAcquiring, StateAcquired, StateAcquisitionFailed,
		StateTransferring, StateTransferFailed, StateRefundPending, StateNeedsReview,
	}
	for _, s := range inFlight {
		assert.False(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}

func TestCancellable(t *testing.T) {
	assert.True(t, StateReceived.Cancellable())
	assert.True(t, StatePaymentPending.Cancellable())
	assert.False(t, StatePaymentConfirmed.Cancellable())
	assert.False(t, StateTransferring.Cancellable())
	assert.False(t, StateSettled.Cancellable())
}
