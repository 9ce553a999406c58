package repository

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"settler/apps/settler/internal/model"
)

// ErrStaleState is returned when a compare-and-set transition loses against a
// concurrent writer: the settlement is no longer in the expected state.
var ErrStaleState = errors.New("settlement state changed concurrently")

type SettlementRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewSettlementRepository(db *sql.DB, logger *zap.Logger) *SettlementRepository {
	return &SettlementRepository{db: db, logger: logger}
}

func (r *SettlementRepository) CreateSettlement(s model.Settlement) error {
	result, err := r.db.Exec(`
		INSERT INTO settlements (request_id, payment_method, amount, currency, target_token, destination_address, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (request_id) DO NOTHING
	`, s.RequestID, s.PaymentMethod, s.Amount, s.Currency, s.TargetToken, s.Destination, s.State)

	if err != nil {
		return fmt.Errorf("failed to create settlement: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		// Duplicate submission of the same request id is not an error; the
		// existing settlement keeps progressing.
		return nil
	}

	r.logger.Info("Created settlement",
		zap.String("request_id", s.RequestID),
		zap.String("payment_method", string(s.PaymentMethod)),
		zap.String("target_token", s.TargetToken))
	return nil
}

func (r *SettlementRepository) GetSettlement(requestID string) (*model.Settlement, error) {
	var s model.Settlement
	err := r.db.QueryRow(`
		SELECT request_id, payment_method, amount, currency, target_token, destination_address, state, payment_intent_id, payment_handle, overpaid, review_reason, created_at, updated_at
		FROM settlements
		WHERE request_id = $1
	`, requestID).Scan(&s.RequestID, &s.PaymentMethod, &s.Amount, &s.Currency, &s.TargetToken,
		&s.Destination, &s.State, &s.IntentID, &s.PaymentHandle, &s.Overpaid, &s.ReviewReason, &s.CreatedAt, &s.UpdatedAt)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get settlement: %w", err)
	}

	return &s, nil
}

// ListNonTerminal returns every settlement still in flight, used to resume
// after a process restart.
func (r *SettlementRepository) ListNonTerminal() ([]model.Settlement, error) {
	rows, err := r.db.Query(`
		SELECT request_id, payment_method, amount, currency, target_token, destination_address, state, payment_intent_id, payment_handle, overpaid, review_reason, created_at, updated_at
		FROM settlements
		WHERE state NOT IN ('SETTLED', 'REFUNDED', 'PAYMENT_FAILED', 'FAILED', 'CANCELLED')
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list non-terminal settlements: %w", err)
	}
	defer rows.Close()

	var settlements []model.Settlement
	for rows.Next() {
		var s model.Settlement
		if err := rows.Scan(&s.RequestID, &s.PaymentMethod, &s.Amount, &s.Currency, &s.TargetToken,
			&s.Destination, &s.State, &s.IntentID, &s.PaymentHandle, &s.Overpaid, &s.ReviewReason, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan settlement: %w", err)
		}
		settlements = append(settlements, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating settlements: %w", err)
	}

	return settlements, nil
}

// Transition advances a settlement from one state to another with a
// compare-and-set on the current state, and appends the transition to the
// history log in the same transaction. Returns ErrStaleState when another
// writer advanced the settlement first.
func (r *SettlementRepository) Transition(requestID string, from, to model.State, reason string, detail json.RawMessage) error {
	if !model.CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s for settlement %s", from, to, requestID)
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() // Will be ignored if tx.Commit() succeeds

	result, err := tx.Exec(`
		UPDATE settlements
		SET state = $1, updated_at = NOW()
		WHERE request_id = $2 AND state = $3
	`, to, requestID, from)
	if err != nil {
		return fmt.Errorf("failed to update settlement state: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		return ErrStaleState
	}

	if detail == nil {
		detail = json.RawMessage(`{}`)
	}

	_, err = tx.Exec(`
		INSERT INTO settlement_transitions (request_id, from_state, to_state, reason, detail)
		VALUES ($1, $2, $3, $4, $5)
	`, requestID, from, to, reason, detail)
	if err != nil {
		return fmt.Errorf("failed to append transition: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	r.logger.Info("Settlement transition",
		zap.String("request_id", requestID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))
	return nil
}

func (r *SettlementRepository) GetTransitions(requestID string) ([]model.Transition, error) {
	rows, err := r.db.Query(`
		SELECT id, request_id, from_state, to_state, reason, detail, created_at
		FROM settlement_transitions
		WHERE request_id = $1
		ORDER BY id
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to get transitions: %w", err)
	}
	defer rows.Close()

	var transitions []model.Transition
	for rows.Next() {
		var t model.Transition
		if err := rows.Scan(&t.ID, &t.RequestID, &t.FromState, &t.ToState, &t.Reason, &t.Detail, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		transitions = append(transitions, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transitions: %w", err)
	}

	return transitions, nil
}

func (r *SettlementRepository) SetPaymentIntent(requestID, intentID, handle string) error {
	_, err := r.db.Exec(`
		UPDATE settlements SET payment_intent_id = $1, payment_handle = $2, updated_at = NOW() WHERE request_id = $3
	`, intentID, handle, requestID)
	if err != nil {
		return fmt.Errorf("failed to set payment intent: %w", err)
	}
	return nil
}

func (r *SettlementRepository) MarkOverpaid(requestID string) error {
	_, err := r.db.Exec(`
		UPDATE settlements SET overpaid = TRUE, updated_at = NOW() WHERE request_id = $1
	`, requestID)
	if err != nil {
		return fmt.Errorf("failed to mark settlement overpaid: %w", err)
	}
	return nil
}

func (r *SettlementRepository) SetReviewReason(requestID, reason string) error {
	_, err := r.db.Exec(`
		UPDATE settlements SET review_reason = $1, updated_at = NOW() WHERE request_id = $2
	`, reason, requestID)
	if err != nil {
		return fmt.Errorf("failed to set review reason: %w", err)
	}
	return nil
}

func (r *SettlementRepository) SavePaymentEvidence(ev model.PaymentEvidence) error {
	_, err := r.db.Exec(`
		INSERT INTO payment_evidence (request_id, reference, amount, currency, confirmations, overpaid, final, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (request_id) DO UPDATE SET
			reference = EXCLUDED.reference,
			amount = EXCLUDED.amount,
			currency = EXCLUDED.currency,
			confirmations = EXCLUDED.confirmations,
			overpaid = EXCLUDED.overpaid,
			final = EXCLUDED.final,
			observed_at = EXCLUDED.observed_at
		WHERE payment_evidence.final = FALSE
	`, ev.RequestID, ev.Reference, ev.Amount, ev.Currency, ev.Confirmations, ev.Overpaid, ev.Final, ev.ObservedAt)

	if err != nil {
		return fmt.Errorf("failed to save payment evidence: %w", err)
	}

	r.logger.Info("Saved payment evidence",
		zap.String("request_id", ev.RequestID),
		zap.String("reference", ev.Reference),
		zap.Bool("final", ev.Final))
	return nil
}

func (r *SettlementRepository) GetPaymentEvidence(requestID string) (*model.PaymentEvidence, error) {
	var ev model.PaymentEvidence
	err := r.db.QueryRow(`
		SELECT request_id, reference, amount, currency, confirmations, overpaid, final, observed_at
		FROM payment_evidence
		WHERE request_id = $1
	`, requestID).Scan(&ev.RequestID, &ev.Reference, &ev.Amount, &ev.Currency, &ev.Confirmations, &ev.Overpaid, &ev.Final, &ev.ObservedAt)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get payment evidence: %w", err)
	}

	return &ev, nil
}

func (r *SettlementRepository) SaveQuote(q model.Quote) error {
	_, err := r.db.Exec(`
		INSERT INTO quotes (quote_id, request_id, venue_id, source_amount, source_currency, target_token, target_quantity, rate, fee_amount, fee_bps, slippage_bps, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, q.QuoteID, q.RequestID, q.VenueID, q.SourceAmount, q.SourceCurrency, q.TargetToken,
		q.TargetQuantity, q.Rate, q.FeeAmount, q.FeeBps, q.SlippageBps, q.CreatedAt, q.ExpiresAt)

	if err != nil {
		return fmt.Errorf("failed to save quote: %w", err)
	}

	r.logger.Info("Saved quote",
		zap.String("quote_id", q.QuoteID),
		zap.String("request_id", q.RequestID),
		zap.String("rate", q.Rate),
		zap.String("target_quantity", q.TargetQuantity))
	return nil
}

func (r *SettlementRepository) GetLatestQuote(requestID string) (*model.Quote, error) {
	var q model.Quote
	err := r.db.QueryRow(`
		SELECT quote_id, request_id, venue_id, source_amount, source_currency, target_token, target_quantity, rate, fee_amount, fee_bps, slippage_bps, created_at, expires_at
		FROM quotes
		WHERE request_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, requestID).Scan(&q.QuoteID, &q.RequestID, &q.VenueID, &q.SourceAmount, &q.SourceCurrency,
		&q.TargetToken, &q.TargetQuantity, &q.Rate, &q.FeeAmount, &q.FeeBps, &q.SlippageBps, &q.CreatedAt, &q.ExpiresAt)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest quote: %w", err)
	}

	return &q, nil
}

func (r *SettlementRepository) CountQuotes(requestID string) (int, error) {
	var count int
	err := r.db.QueryRow(`
		SELECT COUNT(*) FROM quotes WHERE request_id = $1
	`, requestID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count quotes: %w", err)
	}
	return count, nil
}

func (r *SettlementRepository) SaveAcquisition(a model.AcquisitionResult) error {
	_, err := r.db.Exec(`
		INSERT INTO acquisitions (acquisition_id, request_id, quote_id, venue_id, order_id, idempotency_key, requested_quantity, executed_quantity, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (idempotency_key) DO UPDATE SET
			order_id = EXCLUDED.order_id,
			executed_quantity = EXCLUDED.executed_quantity,
			status = EXCLUDED.status
	`, a.AcquisitionID, a.RequestID, a.QuoteID, a.VenueID, a.OrderID, a.IdempotencyKey,
		a.RequestedQuantity, a.ExecutedQuantity, a.Status, a.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to save acquisition: %w", err)
	}

	r.logger.Info("Saved acquisition",
		zap.String("request_id", a.RequestID),
		zap.String("order_id", a.OrderID),
		zap.String("status", a.Status))
	return nil
}

func (r *SettlementRepository) GetAcquisition(requestID string) (*model.AcquisitionResult, error) {
	var a model.AcquisitionResult
	err := r.db.QueryRow(`
		SELECT acquisition_id, request_id, quote_id, venue_id, order_id, idempotency_key, requested_quantity, executed_quantity, status, created_at
		FROM acquisitions
		WHERE request_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, requestID).Scan(&a.AcquisitionID, &a.RequestID, &a.QuoteID, &a.VenueID, &a.OrderID,
		&a.IdempotencyKey, &a.RequestedQuantity, &a.ExecutedQuantity, &a.Status, &a.CreatedAt)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get acquisition: %w", err)
	}

	return &a, nil
}

func (r *SettlementRepository) SaveTransfer(t model.TransferRecord) error {
	_, err := r.db.Exec(`
		INSERT INTO transfers (transfer_id, request_id, destination_address, token, quantity, tx_hash, confirmations, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, t.TransferID, t.RequestID, t.Destination, t.Token, t.Quantity, t.TxHash, t.Confirmations, t.Status, t.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to save transfer: %w", err)
	}

	r.logger.Info("Saved transfer",
		zap.String("request_id", t.RequestID),
		zap.String("tx_hash", t.TxHash),
		zap.String("status", t.Status))
	return nil
}

// GetLiveTransfer returns the broadcast or confirmed transfer for a
// settlement, if any. The executor consults this before broadcasting so a
// restart never double-sends.
func (r *SettlementRepository) GetLiveTransfer(requestID string) (*model.TransferRecord, error) {
	var t model.TransferRecord
	err := r.db.QueryRow(`
		SELECT transfer_id, request_id, destination_address, token, quantity, tx_hash, confirmations, status, created_at
		FROM transfers
		WHERE request_id = $1 AND status <> 'FAILED'
		LIMIT 1
	`, requestID).Scan(&t.TransferID, &t.RequestID, &t.Destination, &t.Token, &t.Quantity,
		&t.TxHash, &t.Confirmations, &t.Status, &t.CreatedAt)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get live transfer: %w", err)
	}

	return &t, nil
}

func (r *SettlementRepository) UpdateTransferStatus(transferID, status string, confirmations uint64) error {
	_, err := r.db.Exec(`
		UPDATE transfers SET status = $1, confirmations = $2 WHERE transfer_id = $3
	`, status, confirmations, transferID)

	if err != nil {
		return fmt.Errorf("failed to update transfer status: %w", err)
	}

	r.logger.Info("Updated transfer status",
		zap.String("transfer_id", transferID),
		zap.String("status", status),
		zap.Uint64("confirmations", confirmations))
	return nil
}
