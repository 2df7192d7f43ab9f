package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/clearlinehq/vaultbridge/pkg/enums"
)

// OutboxEvent represents an append-only bookkeeping event emitted via the
// outbox pattern and drained by cmd/outbox-publisher.
type OutboxEvent struct {
	ID           uuid.UUID             `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	EventType    enums.OutboxEventType `gorm:"column:event_type;not null"`
	AggregateID  string                `gorm:"column:aggregate_id;not null"`
	Payload      json.RawMessage       `gorm:"column:payload;type:jsonb;not null"`
	CreatedAt    time.Time             `gorm:"column:created_at;autoCreateTime"`
	PublishedAt  *time.Time            `gorm:"column:published_at"`
	AttemptCount int                   `gorm:"column:attempt_count;not null;default:0"`
	LastError    *string               `gorm:"column:last_error"`
}
