package models

import "time"

// WebhookEvent marks a provider webhook event as processed.
type WebhookEvent struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Provider  string `gorm:"type:varchar(32);not null;uniqueIndex:idx_billing_webhook_events_provider_event,priority:1"`  // Payment provider name.
	EventID   string `gorm:"type:varchar(255);not null;uniqueIndex:idx_billing_webhook_events_provider_event,priority:2"` // Provider event id.
	EventType string `gorm:"type:varchar(128);not null;index"`                                                            // Provider event type.

	ProcessingError string    `gorm:"type:text"`      // Set when the event was acknowledged but could not be applied.
	ProcessedAt     time.Time `gorm:"not null;index"` // Processing timestamp.
}

// TableName keeps webhook bookkeeping in its own namespace.
func (WebhookEvent) TableName() string { return "billing_webhook_events" }
