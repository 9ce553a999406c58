package model

import (
	"encoding/json"
	"time"
)

// OutboxEvent is a pending front-end notification. Rows are drained by the
// event publisher and marked sent exactly once.
type OutboxEvent struct {
	ID          int64           `db:"id"`
	RequestID   string          `db:"request_id"`
	EventType   string          `db:"event_type"`
	MessageCode string          `db:"message_code"`
	Status      string          `db:"status"`
	Payload     json.RawMessage `db:"payload"`
	CreatedAt   time.Time       `db:"created_at"`
}
