package models

import "time"

// APIKey is a credential bound to the end user, proxy user and team it bills for.
type APIKey struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Name   string `gorm:"type:text;not null"`             // Display name for the key.
	APIKey string `gorm:"type:text;not null;uniqueIndex"` // Full API key string.

	UserID    string `gorm:"type:varchar(255);index"` // Bound proxy user id.
	TeamID    string `gorm:"type:varchar(255);index"` // Bound team id.
	EndUserID string `gorm:"type:varchar(255);index"` // Bound end-user id for end_user_id billing.

	IsAdmin bool `gorm:"not null;default:false"` // Grants access to admin billing routes.

	Active     bool       `gorm:"not null;default:true"` // Whether the key is enabled.
	ExpiresAt  *time.Time // Optional expiration timestamp.
	RevokedAt  *time.Time // Revocation timestamp when disabled.
	LastUsedAt *time.Time // Last successful usage time.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// Status returns the current key status based on revocation, expiry, and active flag.
func (k *APIKey) Status() string {
	if k.RevokedAt != nil {
		return "revoked"
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(time.Now()) {
		return "expired"
	}
	if k.Active {
		return "active"
	}
	return "inactive"
}
