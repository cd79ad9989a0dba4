package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v82"
)

// Metadata keys written on provider objects.
const (
	MetaCustomerType = "customer_type"
	MetaCustomerID   = "customer_id"
	MetaCustomerKey  = "customer_key"
	MetaTopupAmount  = "topup_amount"
	MetaPurpose      = "purpose"

	PurposePrepaidTopup = "prepaid_topup"
	PurposeAutoTopup    = "auto_topup"
)

// CheckoutRequest describes a hosted checkout for a credit top-up.
type CheckoutRequest struct {
	ProviderCustomerID string
	Identity           Identity
	Amount             decimal.Decimal
	AmountMinor        int64
	Currency           string
	SuccessURL         string
	CancelURL          string
	SaveCard           bool // Keep the payment method for off-session auto top-ups.
	Metadata           map[string]string
}

// CheckoutSession is the provider's hosted checkout.
type CheckoutSession struct {
	ID        string
	URL       string
	ExpiresAt time.Time
}

// OffSessionCharge charges a saved payment method without the customer present.
type OffSessionCharge struct {
	ProviderCustomerID string
	PaymentMethodID    string
	AmountMinor        int64
	Currency           string
	IdempotencyKey     string
	Metadata           map[string]string
}

// MeterEvent is one usage report for metered billing.
type MeterEvent struct {
	EventName          string
	ProviderCustomerID string
	Value              int64
	Identifier         string
	Timestamp          time.Time
}

// SubscriptionUsage is one usage report against a subscription price.
type SubscriptionUsage struct {
	ProviderCustomerID string
	PriceID            string
	Quantity           int64
	Identifier         string
	Timestamp          time.Time
}

// Provider is the payment provider surface used by billing.
type Provider interface {
	EnsureCustomer(ctx context.Context, id Identity) (string, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	ChargeOffSession(ctx context.Context, charge OffSessionCharge) (string, error)
	EmitMeterEvent(ctx context.Context, ev MeterEvent) error
	RecordSubscriptionUsage(ctx context.Context, usage SubscriptionUsage) error
	// ListEvents returns events created at or after since, newest first.
	ListEvents(ctx context.Context, since time.Time, types []string) ([]*stripe.Event, error)
}

var minorUnitsPerMajor = decimal.NewFromInt(100)

// ToMinorUnits converts a major-unit amount into cents, rounding half away from zero.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(minorUnitsPerMajor).Round(0).IntPart()
}

// FromMinorUnits converts cents into a major-unit amount.
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.NewFromInt(minor).Div(minorUnitsPerMajor)
}
