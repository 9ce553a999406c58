package chain

import (
	"context"
	"errors"
	"time"

	"settler/apps/settler/internal/assets"
)

// ErrReverted marks a transaction that was mined but failed. Callers branch on
// it with errors.Is to separate a revert from a transient poll failure.
var ErrReverted = errors.New("transaction reverted")

// Deposit is an inbound on-chain payment observed at a deposit address.
type Deposit struct {
	TxHash        string
	Amount        string // decimal string in the rail's display units
	Confirmations uint64
	ObservedAt    time.Time
}

// Reader is the read side of the blockchain boundary: deposit discovery and
// confirmation counting. Implementations exist per chain.
type Reader interface {
	// FindDeposit returns the most recent deposit to the address within the
	// configured lookback window, or nil if none was found.
	FindDeposit(ctx context.Context, address string) (*Deposit, error)

	// TxConfirmations returns the confirmation depth of a transaction, zero
	// if it is still pending.
	TxConfirmations(ctx context.Context, txHash string) (uint64, error)
}

// Writer is the write side of the blockchain boundary.
type Writer interface {
	// BroadcastTransfer sends tokens to a destination address and returns the
	// transaction hash.
	BroadcastTransfer(ctx context.Context, destination, amount, token string) (string, error)
}

// ValidAddress checks the shape of an address for the given chain.
func ValidAddress(c assets.Chain, address string) bool {
	switch c {
	case assets.ChainEthereum:
		return ValidEVMAddress(address)
	case assets.ChainBitcoin:
		return ValidBitcoinAddress(address)
	}
	return false
}
