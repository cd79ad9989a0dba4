package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Billing outcomes stored on usage rows.
const (
	BillingStatusPending = "pending"
	BillingStatusBilled  = "billed"
	BillingStatusPartial = "partial"
	BillingStatusFailed  = "failed"
	BillingStatusSkipped = "skipped"
)

// Usage records one billable request and the outcome of billing it.
type Usage struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	RequestID string `gorm:"type:varchar(255);not null;index"` // Request correlation id.
	Provider  string `gorm:"type:text;not null;index"`         // Upstream provider name.
	Model     string `gorm:"type:text;not null;index"`         // Model name.

	APIKeyID     *uint64 `gorm:"index"`                                                  // Related API key ID.
	CustomerType string  `gorm:"type:varchar(32);index:idx_usages_customer,priority:1"`  // Resolved customer type.
	CustomerID   string  `gorm:"type:varchar(255);index:idx_usages_customer,priority:2"` // Resolved customer id.

	RequestedAt time.Time `gorm:"not null;index"`         // Request timestamp.
	Failed      bool      `gorm:"not null;default:false"` // Upstream failure flag.

	InputTokens  int64 `gorm:"not null;default:0"` // Input token count.
	OutputTokens int64 `gorm:"not null;default:0"` // Output token count.
	TotalTokens  int64 `gorm:"not null;default:0"` // Total token count.

	Cost decimal.Decimal `gorm:"type:decimal(20,10);not null;default:0"` // Computed request cost.

	BillingModes  string         `gorm:"type:varchar(64)"`                                  // Modes dispatched, comma separated.
	BillingStatus string         `gorm:"type:varchar(16);not null;default:'pending';index"` // pending, billed, partial, failed or skipped.
	BillingError  datatypes.JSON `gorm:"type:jsonb"`                                        // Per-mode error messages.
	BilledAt      *time.Time     // Dispatch completion time.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
