package billing

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/router-for-me/CLIProxyAPIBilling/internal/models"
	log "github.com/sirupsen/logrus"
)

const defaultAutoTopupClaimTTL = 15 * time.Minute

// AutoTopup replenishes balances off-session when they run low.
// The credit itself only ever arrives through the webhook reconciler.
type AutoTopup struct {
	store    *Store
	provider Provider
	currency string
	claimTTL time.Duration
}

// NewAutoTopup constructs an AutoTopup charging in currency.
func NewAutoTopup(store *Store, provider Provider, currency string) *AutoTopup {
	if currency == "" {
		currency = "usd"
	}
	return &AutoTopup{store: store, provider: provider, currency: currency, claimTTL: defaultAutoTopupClaimTTL}
}

// ShouldTrigger reports whether account is configured for and due an automatic top-up.
func ShouldTrigger(account models.BalanceAccount) bool {
	if !account.AutoTopupEnabled || !account.AutoTopupAmount.Valid || !account.AutoTopupAmount.Decimal.IsPositive() {
		return false
	}
	if strings.TrimSpace(account.AutoTopupPaymentMethod) == "" {
		return false
	}
	if account.LowBalanceThreshold.Valid {
		return account.Balance.LessThan(account.LowBalanceThreshold.Decimal)
	}
	return account.Balance.IsZero()
}

// MaybeTrigger starts an off-session charge when account is due one.
// The per-account claim keeps at most one automatic charge in flight.
func (a *AutoTopup) MaybeTrigger(ctx context.Context, account models.BalanceAccount) error {
	if a == nil || !ShouldTrigger(account) {
		return nil
	}
	if errClaim := a.store.ClaimAutoTopup(ctx, account.ID, a.claimTTL); errClaim != nil {
		if errors.Is(errClaim, ErrAutoTopupInFlight) {
			autoTopupTotal.WithLabelValues("in_flight").Inc()
			return nil
		}
		return errClaim
	}

	customerID, errCustomer := a.store.EnsureProviderCustomer(ctx, &account, a.provider)
	if errCustomer != nil {
		a.release(ctx, account.ID)
		autoTopupTotal.WithLabelValues("failed").Inc()
		return errCustomer
	}

	amount := account.AutoTopupAmount.Decimal
	paymentIntentID, errCharge := a.provider.ChargeOffSession(ctx, OffSessionCharge{
		ProviderCustomerID: customerID,
		PaymentMethodID:    account.AutoTopupPaymentMethod,
		AmountMinor:        ToMinorUnits(amount),
		Currency:           a.currency,
		IdempotencyKey:     "autotopup:" + account.ID + ":" + strconv.FormatInt(account.Version, 10),
		Metadata: map[string]string{
			MetaCustomerType: account.CustomerType,
			MetaCustomerID:   account.CustomerID,
			MetaTopupAmount:  amount.String(),
			MetaPurpose:      PurposeAutoTopup,
		},
	})
	if errCharge != nil {
		a.release(ctx, account.ID)
		autoTopupTotal.WithLabelValues("failed").Inc()
		return providerError("charge off-session", errCharge)
	}

	autoTopupTotal.WithLabelValues("initiated").Inc()
	log.WithFields(log.Fields{
		"customer_key":      account.CustomerKey(),
		"amount":            amount.String(),
		"payment_intent_id": paymentIntentID,
	}).Info("billing: auto top-up initiated")
	return nil
}

func (a *AutoTopup) release(ctx context.Context, accountID string) {
	if errRelease := a.store.ReleaseAutoTopup(ctx, accountID); errRelease != nil {
		log.WithError(errRelease).WithField("account_id", accountID).Warn("billing: release auto top-up claim")
	}
}
