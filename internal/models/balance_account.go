package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Customer types used to namespace billing identities.
const (
	CustomerTypeEndUser = "end_user"
	CustomerTypeUser    = "user"
	CustomerTypeTeam    = "team"
)

// BalanceAccount holds the spendable prepaid credit of one customer.
type BalanceAccount struct {
	ID string `gorm:"type:varchar(36);primaryKey"` // Account UUID.

	CustomerType string `gorm:"type:varchar(32);not null;uniqueIndex:idx_balance_accounts_customer,priority:1"`  // end_user, user or team.
	CustomerID   string `gorm:"type:varchar(255);not null;uniqueIndex:idx_balance_accounts_customer,priority:2"` // Identity within the customer type.

	ProviderCustomerID *string `gorm:"type:varchar(255);uniqueIndex"` // Stripe customer id, provisioned lazily.

	Balance     decimal.Decimal `gorm:"type:decimal(20,10);not null;default:0"` // Spendable credit, never negative.
	TotalTopups decimal.Decimal `gorm:"type:decimal(20,10);not null;default:0"` // Lifetime credited top-ups.
	TotalSpent  decimal.Decimal `gorm:"type:decimal(20,10);not null;default:0"` // Lifetime applied deductions.

	LowBalanceThreshold decimal.NullDecimal `gorm:"type:decimal(20,10)"` // Alert threshold, optional.

	AutoTopupEnabled       bool                `gorm:"not null;default:false"` // Automatic replenishment switch.
	AutoTopupAmount        decimal.NullDecimal `gorm:"type:decimal(20,10)"`    // Amount charged per automatic top-up.
	AutoTopupPaymentMethod string              `gorm:"type:varchar(255)"`      // Saved payment method id.
	AutoTopupPendingAt     *time.Time          // Set while an automatic top-up is in flight.

	Version int64 `gorm:"not null;default:0"` // Incremented on every balance mutation.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// CustomerKey returns the canonical "<type>:<id>" key of the account.
func (a *BalanceAccount) CustomerKey() string {
	return a.CustomerType + ":" + a.CustomerID
}

// ProviderCustomer returns the provider customer id or an empty string.
func (a *BalanceAccount) ProviderCustomer() string {
	if a.ProviderCustomerID == nil {
		return ""
	}
	return *a.ProviderCustomerID
}
