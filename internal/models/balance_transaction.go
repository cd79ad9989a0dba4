package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Balance transaction types.
const (
	TransactionTypeTopup     = "topup"
	TransactionTypeDeduction = "deduction"
	TransactionTypeRefund    = "refund"
)

// BalanceTransaction is an append-only record of one balance-affecting event.
// Customer columns are copied from the account at write time.
type BalanceTransaction struct {
	TransactionID string `gorm:"type:varchar(36);primaryKey"` // Transaction UUID.

	CustomerType       string `gorm:"type:varchar(32);not null;index:idx_balance_transactions_customer,priority:1"`  // Customer type at write time.
	CustomerID         string `gorm:"type:varchar(255);not null;index:idx_balance_transactions_customer,priority:2"` // Customer id at write time.
	ProviderCustomerID string `gorm:"type:varchar(255);index"`                                                       // Stripe customer id at write time.

	TransactionType string          `gorm:"type:varchar(16);not null;index"` // topup, deduction or refund.
	Amount          decimal.Decimal `gorm:"type:decimal(20,10);not null"`    // Signed amount applied.
	BalanceBefore   decimal.Decimal `gorm:"type:decimal(20,10);not null"`    // Balance before the change.
	BalanceAfter    decimal.Decimal `gorm:"type:decimal(20,10);not null"`    // Balance after the change.

	ProviderReference string  `gorm:"type:varchar(255);index"` // Checkout session or payment intent id.
	RequestID         string  `gorm:"type:varchar(255);index"` // Billable request correlation id.
	IdempotencyKey    *string `gorm:"type:varchar(255);uniqueIndex"`

	Description string         `gorm:"type:text"`  // Human readable summary.
	Metadata    datatypes.JSON `gorm:"type:jsonb"` // Free-form details such as shortfall.

	CreatedAt time.Time `gorm:"not null;index"` // Creation timestamp.
}
