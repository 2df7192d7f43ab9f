package models

import "time"

// WebhookEventRecord is a dedup-ledger entry. Rows are retained for at least
// the gateway's redelivery horizon past FirstSeenAt, then evicted by the
// retention job.
type WebhookEventRecord struct {
	EventKey    string    `gorm:"column:event_key;primaryKey"`
	EventType   string    `gorm:"column:event_type;not null"`
	FirstSeenAt time.Time `gorm:"column:first_seen_at;not null;index"`
	// AppliedVersion is the entity version the event produced; zero until the
	// state machine applies it.
	AppliedVersion  int64   `gorm:"column:applied_version;not null;default:0"`
	ProcessingError *string `gorm:"column:processing_error"`
}
