package repository

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"
	"settler/apps/settler/internal/model"
)

type OutboxRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewOutboxRepository(db *sql.DB, logger *zap.Logger) *OutboxRepository {
	return &OutboxRepository{db: db, logger: logger}
}

func (r *OutboxRepository) StoreOutboxEvent(event model.OutboxEvent) error {
	_, err := r.db.Exec(`
		INSERT INTO event_outbox (request_id, event_type, message_code, status, payload)
		VALUES ($1, $2, $3, 'unsent', $4)
		ON CONFLICT (request_id, event_type) DO NOTHING
	`, event.RequestID, event.EventType, event.MessageCode, event.Payload)

	if err != nil {
		return fmt.Errorf("failed to store outbox event: %w", err)
	}

	r.logger.Info("Stored outbox event",
		zap.String("request_id", event.RequestID),
		zap.String("event_type", event.EventType),
		zap.String("message_code", event.MessageCode))
	return nil
}

func (r *OutboxRepository) GetUnsentEventsForProcessing(limit int) ([]model.OutboxEvent, error) {
	// Use a transaction to ensure atomicity
	tx, err := r.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() // Will be ignored if tx.Commit() succeeds

	// Select and lock unsent events for processing
	rows, err := tx.Query(`
		SELECT id, request_id, event_type, message_code, status, payload, created_at
		FROM event_outbox
		WHERE status = 'unsent'
		ORDER BY created_at, id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.OutboxEvent
	for rows.Next() {
		var event model.OutboxEvent
		if err := rows.Scan(&event.ID, &event.RequestID, &event.EventType, &event.MessageCode,
			&event.Status, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	rows.Close()

	// Mark selected events as 'processing' to prevent other workers from
	// picking them up
	for _, event := range events {
		_, err = tx.Exec(`
			UPDATE event_outbox
			SET status = 'processing'
			WHERE id = $1 AND status = 'unsent'
		`, event.ID)
		if err != nil {
			return nil, err
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}

	return events, nil
}

func (r *OutboxRepository) MarkEventAsSent(id int64) error {
	_, err := r.db.Exec(`
		UPDATE event_outbox
		SET status = 'sent'
		WHERE id = $1
	`, id)
	return err
}

func (r *OutboxRepository) MarkEventAsFailed(id int64) error {
	_, err := r.db.Exec(`
		UPDATE event_outbox
		SET status = 'unsent'
		WHERE id = $1 AND status = 'processing'
	`, id)
	return err
}
