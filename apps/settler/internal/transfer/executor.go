package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"settler/apps/settler/internal/assets"
	"settler/apps/settler/internal/chain"
	"settler/apps/settler/internal/fault"
	"settler/apps/settler/internal/model"
)

// Store is the slice of persistence the executor needs for its idempotency
// check.
type Store interface {
	GetLiveTransfer(requestID string) (*model.TransferRecord, error)
	SaveTransfer(t model.TransferRecord) error
	UpdateTransferStatus(transferID, status string, confirmations uint64) error
}

// Executor sends acquired tokens to the customer's destination address and
// tracks on-chain finality.
type Executor struct {
	writer        chain.Writer
	reader        chain.Reader
	registry      *assets.Registry
	store         Store
	finalityDepth uint64
	pollInterval  time.Duration
	pollTimeout   time.Duration
	logger        *zap.Logger
}

func NewExecutor(
	writer chain.Writer,
	reader chain.Reader,
	registry *assets.Registry,
	store Store,
	finalityDepth uint64,
	pollInterval, pollTimeout time.Duration,
	logger *zap.Logger) *Executor {
	return &Executor{
		writer:        writer,
		reader:        reader,
		registry:      registry,
		store:         store,
		finalityDepth: finalityDepth,
		pollInterval:  pollInterval,
		pollTimeout:   pollTimeout,
		logger:        logger,
	}
}

// Transfer broadcasts the delivery for a settlement, or resumes tracking an
// already-broadcast one. Idempotent under process restart: persisted state is
// consulted before broadcasting, so the same settlement never double-sends.
//
// The returned record may still be in BROADCAST status when finality was not
// reached within the poll budget; callers re-invoke to resume tracking.
func (e *Executor) Transfer(ctx context.Context, s model.Settlement, acq model.AcquisitionResult) (*model.TransferRecord, error) {
	existing, err := e.store.GetLiveTransfer(s.RequestID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Status == model.TransferConfirmed {
			return existing, nil
		}
		return e.awaitFinality(ctx, existing)
	}

	// Fail fast on a malformed destination, before any funds move.
	if err := e.validateDestination(s.TargetToken, s.Destination); err != nil {
		return nil, err
	}

	txHash, err := e.writer.BroadcastTransfer(ctx, s.Destination, acq.ExecutedQuantity, s.TargetToken)
	if err != nil {
		return nil, err
	}

	record := model.TransferRecord{
		TransferID:  uuid.New().String(),
		RequestID:   s.RequestID,
		Destination: s.Destination,
		Token:       s.TargetToken,
		Quantity:    acq.ExecutedQuantity,
		TxHash:      txHash,
		Status:      model.TransferBroadcast,
		CreatedAt:   time.Now(),
	}
	if err := e.store.SaveTransfer(record); err != nil {
		return nil, err
	}

	return e.awaitFinality(ctx, &record)
}

func (e *Executor) validateDestination(token, destination string) error {
	asset, exists := e.registry.GetBySymbol(token)
	if !exists {
		return fault.New(fault.InvalidAddress, fmt.Sprintf("unknown target token %s", token))
	}

	if !chain.ValidAddress(asset.Chain, destination) {
		return fault.New(fault.InvalidAddress,
			fmt.Sprintf("not a valid %s address: %s", asset.Chain, destination))
	}
	return nil
}

// awaitFinality polls confirmations until the configured depth is reached or
// the poll budget runs out.
func (e *Executor) awaitFinality(ctx context.Context, record *model.TransferRecord) (*model.TransferRecord, error) {
	deadline := time.Now().Add(e.pollTimeout)
	interval := e.pollInterval

	for {
		confirmations, err := e.reader.TxConfirmations(ctx, record.TxHash)
		if err != nil {
			if errors.Is(err, chain.ErrReverted) {
				record.Status = model.TransferFailed
				if saveErr := e.store.UpdateTransferStatus(record.TransferID, model.TransferFailed, record.Confirmations); saveErr != nil {
					e.logger.Error("Failed to record failed transfer",
						zap.String("transfer_id", record.TransferID), zap.Error(saveErr))
				}
				return nil, fault.Wrap(fault.BroadcastFailure, "transfer transaction reverted", err)
			}
			e.logger.Warn("Failed to poll transfer confirmations",
				zap.String("tx_hash", record.TxHash), zap.Error(err))
		} else {
			record.Confirmations = confirmations
			if confirmations >= e.finalityDepth {
				record.Status = model.TransferConfirmed
				if err := e.store.UpdateTransferStatus(record.TransferID, model.TransferConfirmed, confirmations); err != nil {
					return nil, err
				}
				e.logger.Info("Transfer confirmed",
					zap.String("request_id", record.RequestID),
					zap.String("tx_hash", record.TxHash),
					zap.Uint64("confirmations", confirmations))
				return record, nil
			}
		}

		if time.Now().After(deadline) {
			// Still in flight; the caller re-invokes to resume tracking.
			return record, nil
		}

		select {
		case <-ctx.Done():
			return record, nil
		case <-time.After(interval):
		}

		interval *= 2
		if interval > e.pollTimeout/4 {
			interval = e.pollTimeout / 4
		}
	}
}
