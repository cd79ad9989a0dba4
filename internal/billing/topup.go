package billing

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/router-for-me/CLIProxyAPIBilling/internal/config"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// TopupRequest asks for a hosted checkout crediting Amount to Identity.
type TopupRequest struct {
	Identity   Identity
	Amount     decimal.Decimal
	SuccessURL string
	CancelURL  string
	SaveCard   bool
}

// TopupInitiator creates hosted checkout sessions. It never mutates balances;
// credits arrive only through the webhook reconciler.
type TopupInitiator struct {
	store     *Store
	provider  Provider
	currency  string
	maxAmount decimal.Decimal
}

// NewTopupInitiator constructs a TopupInitiator.
func NewTopupInitiator(store *Store, provider Provider, cfg config.BillingConfig) *TopupInitiator {
	currency := strings.ToLower(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = "usd"
	}
	t := &TopupInitiator{store: store, provider: provider, currency: currency}
	if cfg.MaxTopupAmount > 0 {
		t.maxAmount = decimal.NewFromFloat(cfg.MaxTopupAmount)
	}
	return t
}

// CreateTopupSession validates req and returns a checkout session for it.
func (t *TopupInitiator) CreateTopupSession(ctx context.Context, req TopupRequest) (*CheckoutSession, error) {
	if errValidate := t.validate(req); errValidate != nil {
		return nil, errValidate
	}
	if t.provider == nil {
		return nil, fmt.Errorf("%w: no payment provider configured", ErrInsufficientConfiguration)
	}

	account, errAccount := t.store.GetOrCreate(ctx, req.Identity)
	if errAccount != nil {
		return nil, errAccount
	}
	customerID, errCustomer := t.store.EnsureProviderCustomer(ctx, account, t.provider)
	if errCustomer != nil {
		return nil, errCustomer
	}

	amount := req.Amount.Round(2)
	session, errSession := t.provider.CreateCheckoutSession(ctx, CheckoutRequest{
		ProviderCustomerID: customerID,
		Identity:           req.Identity,
		Amount:             amount,
		AmountMinor:        ToMinorUnits(amount),
		Currency:           t.currency,
		SuccessURL:         req.SuccessURL,
		CancelURL:          req.CancelURL,
		SaveCard:           req.SaveCard,
		Metadata: map[string]string{
			MetaCustomerType: string(req.Identity.Type),
			MetaCustomerID:   req.Identity.ID,
			MetaTopupAmount:  amount.StringFixed(2),
			MetaPurpose:      PurposePrepaidTopup,
		},
	})
	if errSession != nil {
		return nil, providerError("create checkout session", errSession)
	}
	log.WithFields(log.Fields{
		"customer_key":        req.Identity.Key(),
		"amount":              amount.StringFixed(2),
		"checkout_session_id": session.ID,
	}).Info("billing: checkout session created")
	return session, nil
}

func (t *TopupInitiator) validate(req TopupRequest) error {
	if strings.TrimSpace(req.Identity.ID) == "" {
		return ErrIdentityUnresolved
	}
	if !req.Amount.IsPositive() {
		return fmt.Errorf("%w: top-up amount must be positive", ErrInvalidAmount)
	}
	if ToMinorUnits(req.Amount) <= 0 {
		return fmt.Errorf("%w: top-up amount below the smallest currency unit", ErrInvalidAmount)
	}
	if t.maxAmount.IsPositive() && req.Amount.GreaterThan(t.maxAmount) {
		return fmt.Errorf("%w: top-up amount exceeds %s", ErrInvalidAmount, t.maxAmount)
	}
	for name, raw := range map[string]string{"success_url": req.SuccessURL, "cancel_url": req.CancelURL} {
		if strings.TrimSpace(raw) == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidRequest, name)
		}
		if u, errParse := url.Parse(raw); errParse != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: %s must be an absolute url", ErrInvalidRequest, name)
		}
	}
	return nil
}
