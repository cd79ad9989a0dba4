package models

import (
	"encoding/json"
	"time"
)

// Setting stores a runtime-tunable billing setting as JSON.
type Setting struct {
	Key       string          `gorm:"type:varchar(255);primaryKey"`                      // Setting key.
	Value     json.RawMessage `gorm:"type:jsonb"`                                        // JSON-encoded value.
	UpdatedBy string          `gorm:"type:varchar(255)"`                                 // Name of the admin key that last wrote it.
	UpdatedAt time.Time       `gorm:"not null;autoUpdateTime;default:CURRENT_TIMESTAMP"` // Last update timestamp.
}
