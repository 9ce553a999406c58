package repository

import (
	"database/sql"
	"fmt"
)

// InitMigration initializes the database. In production, this would use a proper migration
// library like go-migrate
func InitMigration(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS settlements (
			request_id UUID PRIMARY KEY,
			payment_method VARCHAR(20) NOT NULL,
			amount DECIMAL(78,18) NOT NULL,
			currency VARCHAR(20) NOT NULL,
			target_token VARCHAR(20) NOT NULL,
			destination_address VARCHAR(128) NOT NULL,
			state VARCHAR(30) NOT NULL,
			payment_intent_id VARCHAR(128) NOT NULL DEFAULT '',
			payment_handle VARCHAR(256) NOT NULL DEFAULT '',
			overpaid BOOLEAN NOT NULL DEFAULT FALSE,
			review_reason VARCHAR(256) NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_settlements_state ON settlements (state)`,
		`CREATE TABLE IF NOT EXISTS settlement_transitions (
			id BIGSERIAL PRIMARY KEY,
			request_id UUID NOT NULL,
			from_state VARCHAR(30) NOT NULL,
			to_state VARCHAR(30) NOT NULL,
			reason VARCHAR(256) NOT NULL DEFAULT '',
			detail JSONB,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_request ON settlement_transitions (request_id, id)`,
		`CREATE TABLE IF NOT EXISTS payment_evidence (
			request_id UUID PRIMARY KEY,
			reference VARCHAR(128) NOT NULL,
			amount DECIMAL(78,18) NOT NULL,
			currency VARCHAR(20) NOT NULL,
			confirmations BIGINT NOT NULL DEFAULT 0,
			overpaid BOOLEAN NOT NULL DEFAULT FALSE,
			final BOOLEAN NOT NULL DEFAULT FALSE,
			observed_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS quotes (
			quote_id UUID PRIMARY KEY,
			request_id UUID NOT NULL,
			venue_id VARCHAR(50) NOT NULL,
			source_amount DECIMAL(78,18) NOT NULL,
			source_currency VARCHAR(20) NOT NULL,
			target_token VARCHAR(20) NOT NULL,
			target_quantity DECIMAL(78,18) NOT NULL,
			rate DECIMAL(78,18) NOT NULL,
			fee_amount DECIMAL(78,18) NOT NULL,
			fee_bps BIGINT NOT NULL,
			slippage_bps BIGINT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_quotes_request ON quotes (request_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS acquisitions (
			acquisition_id UUID PRIMARY KEY,
			request_id UUID NOT NULL,
			quote_id UUID NOT NULL,
			venue_id VARCHAR(50) NOT NULL,
			order_id VARCHAR(128) NOT NULL DEFAULT '',
			idempotency_key VARCHAR(128) NOT NULL,
			requested_quantity DECIMAL(78,18) NOT NULL,
			executed_quantity DECIMAL(78,18) NOT NULL DEFAULT 0,
			status VARCHAR(20) NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			UNIQUE (idempotency_key)
		)`,
		// At most one filled acquisition may ever exist per settlement.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_acquisitions_one_filled
			ON acquisitions (request_id) WHERE status = 'FILLED'`,
		`CREATE TABLE IF NOT EXISTS transfers (
			transfer_id UUID PRIMARY KEY,
			request_id UUID NOT NULL,
			destination_address VARCHAR(128) NOT NULL,
			token VARCHAR(20) NOT NULL,
			quantity DECIMAL(78,18) NOT NULL,
			tx_hash VARCHAR(66) NOT NULL DEFAULT '',
			confirmations BIGINT NOT NULL DEFAULT 0,
			status VARCHAR(20) NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		// At most one live (broadcast or confirmed) transfer per settlement.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_transfers_one_live
			ON transfers (request_id) WHERE status <> 'FAILED'`,
		`CREATE TABLE IF NOT EXISTS event_outbox (
			id BIGSERIAL PRIMARY KEY,
			request_id UUID NOT NULL,
			event_type VARCHAR(50) NOT NULL,
			message_code VARCHAR(50) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'unsent',
			payload JSONB NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			UNIQUE (request_id, event_type)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_status ON event_outbox (status, created_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query %s: %w", query, err)
		}
	}

	return nil
}
