package transfer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"settler/apps/settler/internal/assets"
	"settler/apps/settler/internal/chain"
	"settler/apps/settler/internal/fault"
	"settler/apps/settler/internal/model"
)

type memStore struct {
	transfers map[string]model.TransferRecord
}

func newMemStore() *memStore {
	return &memStore{transfers: make(map[string]model.TransferRecord)}
}

func (s *memStore) GetLiveTransfer(requestID string) (*model.TransferRecord, error) {
	for _, record := range s.transfers {
		if record.RequestID == requestID && record.Status != model.TransferFailed {
			r := record
			return &r, nil
		}
	}
	return nil, nil
}

func (s *memStore) SaveTransfer(record model.TransferRecord) error {
	s.transfers[record.TransferID] = record
	return nil
}

func (s *memStore) UpdateTransferStatus(transferID, status string, confirmations uint64) error {
	record := s.transfers[transferID]
	record.Status = status
	record.Confirmations = confirmations
	s.transfers[transferID] = record
	return nil
}

type fakeChain struct {
	txHash        string
	broadcastErr  error
	confirmations uint64
	confErr       error
	broadcasts    int
}

func (c *fakeChain) BroadcastTransfer(_ context.Context, _, _, _ string) (string, error) {
	c.broadcasts++
	if c.broadcastErr != nil {
		return "", c.broadcastErr
	}
	return c.txHash, nil
}

func (c *fakeChain) FindDeposit(_ context.Context, _ string) (*chain.Deposit, error) {
	return nil, nil
}

func (c *fakeChain) TxConfirmations(_ context.Context, _ string) (uint64, error) {
	if c.confErr != nil {
		return 0, c.confErr
	}
	return c.confirmations, nil
}

const validDestination = "0x71c7656ec7ab88b098defb751b7401b5f6d8976f"

func settlement(destination string) model.Settlement {
	return model.Settlement{
		RequestID:   "req-1",
		TargetToken: "ACME",
		Destination: destination,
		State:       model.StateTransferring,
	}
}

func acquisition() model.AcquisitionResult {
	return model.AcquisitionResult{
		AcquisitionID:    "a-1",
		RequestID:        "req-1",
		ExecutedQuantity: "49.5",
		Status:           model.AcquisitionFilled,
	}
}

func newTestExecutor(c *fakeChain, store Store) *Executor {
	return NewExecutor(c, c, assets.NewRegistry(), store, 1,
		time.Millisecond, 20*time.Millisecond, zap.NewNop())
}

func TestTransferConfirmed(t *testing.T) {
	c := &fakeChain{txHash: "0xabc", confirmations: 3}
	store := newMemStore()

	record, err := newTestExecutor(c, store).Transfer(context.Background(), settlement(validDestination), acquisition())
	require.NoError(t, err)

	assert.Equal(t, model.TransferConfirmed, record.Status)
	assert.Equal(t, "0xabc", record.TxHash)
	assert.Equal(t, "49.5", record.Quantity)
	assert.Equal(t, 1, c.broadcasts)
}

func TestTransferInvalidDestinationFailsFast(t *testing.T) {
	c := &fakeChain{txHash: "0xabc"}
	store := newMemStore()

	_, err := newTestExecutor(c, store).Transfer(context.Background(), settlement("not-an-address"), acquisition())
	assert.True(t, fault.Is(err, fault.InvalidAddress))
	assert.Equal(t, 0, c.broadcasts)
	assert.Empty(t, store.transfers)
}

func TestTransferIdempotentOnConfirmedRecord(t *testing.T) {
	c := &fakeChain{txHash: "0xdef"}
	store := newMemStore()
	store.transfers["t-1"] = model.TransferRecord{
		TransferID: "t-1",
		RequestID:  "req-1",
		TxHash:     "0xabc",
		Status:     model.TransferConfirmed,
	}

	record, err := newTestExecutor(c, store).Transfer(context.Background(), settlement(validDestination), acquisition())
	require.NoError(t, err)

	// The confirmed delivery is returned; nothing is re-broadcast.
	assert.Equal(t, "0xabc", record.TxHash)
	assert.Equal(t, 0, c.broadcasts)
}

func TestTransferResumesBroadcastRecord(t *testing.T) {
	// A crash after broadcast left a BROADCAST record; the retry tracks the
	// existing transaction instead of sending a second one.
	c := &fakeChain{txHash: "0xdef", confirmations: 2}
	store := newMemStore()
	store.transfers["t-1"] = model.TransferRecord{
		TransferID: "t-1",
		RequestID:  "req-1",
		TxHash:     "0xabc",
		Status:     model.TransferBroadcast,
	}

	record, err := newTestExecutor(c, store).Transfer(context.Background(), settlement(validDestination), acquisition())
	require.NoError(t, err)

	assert.Equal(t, "0xabc", record.TxHash)
	assert.Equal(t, model.TransferConfirmed, record.Status)
	assert.Equal(t, 0, c.broadcasts)
}

func TestTransferInsufficientBalance(t *testing.T) {
	c := &fakeChain{broadcastErr: fault.New(fault.InsufficientBalance, "hot wallet empty")}
	store := newMemStore()

	_, err := newTestExecutor(c, store).Transfer(context.Background(), settlement(validDestination), acquisition())
	assert.True(t, fault.Is(err, fault.InsufficientBalance))
}

func TestTransferRevertedTransaction(t *testing.T) {
	c := &fakeChain{txHash: "0xabc", confErr: fmt.Errorf("tx 0xabc: %w", chain.ErrReverted)}
	store := newMemStore()

	_, err := newTestExecutor(c, store).Transfer(context.Background(), settlement(validDestination), acquisition())
	assert.True(t, fault.Is(err, fault.BroadcastFailure))

	// The failed record is kept for the audit trail.
	var saved model.TransferRecord
	for _, record := range store.transfers {
		saved = record
	}
	assert.Equal(t, model.TransferFailed, saved.Status)
}

func TestTransferPollErrorTextDoesNotMeanRevert(t *testing.T) {
	// Only the typed sentinel marks a revert; an RPC error that happens to
	// mention the word stays a transient poll failure.
	c := &fakeChain{txHash: "0xabc", confErr: errors.New("node error: cannot tell if reverted")}
	store := newMemStore()

	record, err := newTestExecutor(c, store).Transfer(context.Background(), settlement(validDestination), acquisition())
	require.NoError(t, err)
	assert.Equal(t, model.TransferBroadcast, record.Status)
}

func TestTransferStillInFlightAfterPollBudget(t *testing.T) {
	c := &fakeChain{txHash: "0xabc", confirmations: 0}
	store := newMemStore()

	record, err := newTestExecutor(c, store).Transfer(context.Background(), settlement(validDestination), acquisition())
	require.NoError(t, err)

	// Not an error: the caller re-invokes to keep tracking.
	assert.Equal(t, model.TransferBroadcast, record.Status)
}
