// Package stripe implements the billing provider on top of the Stripe API.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/billing"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/config"
	log "github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/billing/meter"
	"github.com/stripe/stripe-go/v82/billing/meterevent"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/event"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/price"
	"github.com/stripe/stripe-go/v82/subscription"
)

const (
	defaultTimeout    = 10 * time.Second
	lookupCacheSize   = 1024
	lookupCacheTTL    = 5 * time.Minute
	topupLineItemName = "API Credits Top-Up"
	maxListedEvents   = 1000
)

// ErrNoActiveSubscription means the customer has no active subscription on the price.
var ErrNoActiveSubscription = errors.New("stripe: no active subscription for price")

// Client implements billing.Provider against the Stripe API.
type Client struct {
	timeout  time.Duration
	currency string

	meterNames *lru.LRU[string, string]
	subscribed *lru.LRU[string, bool]
}

var _ billing.Provider = (*Client)(nil)

// NewClient configures the Stripe library from cfg and returns a Client.
func NewClient(cfg config.BillingConfig) *Client {
	stripe.Key = cfg.APIKey
	if base := strings.TrimSpace(cfg.APIBase); base != "" {
		stripe.SetBackend(stripe.APIBackend, stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			URL: stripe.String(strings.TrimRight(base, "/")),
		}))
	}
	timeout := cfg.ProviderTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	currency := strings.ToLower(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = "usd"
	}
	return &Client{
		timeout:    timeout,
		currency:   currency,
		meterNames: lru.NewLRU[string, string](lookupCacheSize, nil, lookupCacheTTL),
		subscribed: lru.NewLRU[string, bool](lookupCacheSize, nil, lookupCacheTTL),
	}
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// EnsureCustomer finds the Stripe customer tagged with the identity's
// customer key or creates one. Creation is idempotent per customer key.
func (c *Client) EnsureCustomer(ctx context.Context, id billing.Identity) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	search := &stripe.CustomerSearchParams{}
	search.Context = ctx
	search.Query = fmt.Sprintf("metadata['%s']:'%s'", billing.MetaCustomerKey, escapeSearchValue(id.Key()))
	iter := customer.Search(search)
	for iter.Next() {
		found := iter.Customer()
		log.WithFields(log.Fields{"customer_key": id.Key(), "provider_customer_id": found.ID}).Debug("stripe: found existing customer")
		return found.ID, nil
	}
	if errSearch := iter.Err(); errSearch != nil {
		log.WithError(errSearch).WithField("customer_key", id.Key()).Warn("stripe: customer search failed, creating")
	}

	params := &stripe.CustomerParams{
		Description: stripe.String("API billing customer " + id.Key()),
		Metadata: map[string]string{
			billing.MetaCustomerType: string(id.Type),
			billing.MetaCustomerID:   id.ID,
			billing.MetaCustomerKey:  id.Key(),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey("customer:" + id.Key())
	created, errCreate := customer.New(params)
	if errCreate != nil {
		return "", fmt.Errorf("stripe: create customer: %w", errCreate)
	}
	log.WithFields(log.Fields{"customer_key": id.Key(), "provider_customer_id": created.ID}).Info("stripe: created customer")
	return created.ID, nil
}

// CreateCheckoutSession creates a one-off payment checkout for a credit top-up.
func (c *Client) CreateCheckoutSession(ctx context.Context, req billing.CheckoutRequest) (*billing.CheckoutSession, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	currency := req.Currency
	if currency == "" {
		currency = c.currency
	}
	paymentIntentData := &stripe.CheckoutSessionPaymentIntentDataParams{
		Metadata: req.Metadata,
	}
	if req.SaveCard {
		paymentIntentData.SetupFutureUsage = stripe.String(string(stripe.PaymentIntentSetupFutureUsageOffSession))
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		Customer:          stripe.String(req.ProviderCustomerID),
		ClientReferenceID: stripe.String(req.Identity.Key()),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(currency),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name:        stripe.String(topupLineItemName),
						Description: stripe.String("Prepaid credits for " + req.Identity.Key()),
					},
					UnitAmount: stripe.Int64(req.AmountMinor),
				},
				Quantity: stripe.Int64(1),
			},
		},
		Metadata:          req.Metadata,
		PaymentIntentData: paymentIntentData,
	}
	params.Context = ctx

	sess, errSession := checkoutsession.New(params)
	if errSession != nil {
		return nil, fmt.Errorf("stripe: create checkout session: %w", errSession)
	}
	out := &billing.CheckoutSession{ID: sess.ID, URL: sess.URL}
	if sess.ExpiresAt > 0 {
		out.ExpiresAt = time.Unix(sess.ExpiresAt, 0).UTC()
	}
	return out, nil
}

// ChargeOffSession confirms a PaymentIntent against a saved payment method.
func (c *Client) ChargeOffSession(ctx context.Context, charge billing.OffSessionCharge) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	currency := charge.Currency
	if currency == "" {
		currency = c.currency
	}
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(charge.AmountMinor),
		Currency:      stripe.String(currency),
		Customer:      stripe.String(charge.ProviderCustomerID),
		PaymentMethod: stripe.String(charge.PaymentMethodID),
		OffSession:    stripe.Bool(true),
		Confirm:       stripe.Bool(true),
		Description:   stripe.String("Automatic credit top-up"),
		Metadata:      charge.Metadata,
	}
	params.Context = ctx
	if charge.IdempotencyKey != "" {
		params.SetIdempotencyKey(charge.IdempotencyKey)
	}
	intent, errIntent := paymentintent.New(params)
	if errIntent != nil {
		return "", fmt.Errorf("stripe: create payment intent: %w", errIntent)
	}
	return intent.ID, nil
}

// EmitMeterEvent reports usage to a billing meter. The identifier lets
// Stripe drop redelivered events.
func (c *Client) EmitMeterEvent(ctx context.Context, ev billing.MeterEvent) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	params := &stripe.BillingMeterEventParams{
		EventName: stripe.String(ev.EventName),
		Payload: map[string]string{
			billing.MeterPayloadCustomerKey: ev.ProviderCustomerID,
			billing.MeterPayloadValueKey:    strconv.FormatInt(ev.Value, 10),
		},
	}
	if ev.Identifier != "" {
		params.Identifier = stripe.String(ev.Identifier)
	}
	if !ev.Timestamp.IsZero() {
		params.Timestamp = stripe.Int64(ev.Timestamp.Unix())
	}
	params.Context = ctx
	if _, errEmit := meterevent.New(params); errEmit != nil {
		return fmt.Errorf("stripe: emit meter event %s: %w", ev.EventName, errEmit)
	}
	return nil
}

// RecordSubscriptionUsage reports usage against the meter backing a metered
// subscription price after checking that the customer is subscribed to it.
func (c *Client) RecordSubscriptionUsage(ctx context.Context, usage billing.SubscriptionUsage) error {
	eventName, errMeter := c.meterEventName(ctx, usage.PriceID)
	if errMeter != nil {
		return errMeter
	}
	active, errActive := c.hasActiveSubscription(ctx, usage.ProviderCustomerID, usage.PriceID)
	if errActive != nil {
		return errActive
	}
	if !active {
		return fmt.Errorf("%w: customer %s price %s", ErrNoActiveSubscription, usage.ProviderCustomerID, usage.PriceID)
	}
	return c.EmitMeterEvent(ctx, billing.MeterEvent{
		EventName:          eventName,
		ProviderCustomerID: usage.ProviderCustomerID,
		Value:              usage.Quantity,
		Identifier:         usage.Identifier,
		Timestamp:          usage.Timestamp,
	})
}

func (c *Client) meterEventName(ctx context.Context, priceID string) (string, error) {
	if name, ok := c.meterNames.Get(priceID); ok {
		return name, nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	priceParams := &stripe.PriceParams{}
	priceParams.Context = ctx
	p, errPrice := price.Get(priceID, priceParams)
	if errPrice != nil {
		return "", fmt.Errorf("stripe: get price %s: %w", priceID, errPrice)
	}
	if p.Recurring == nil || p.Recurring.Meter == "" {
		return "", fmt.Errorf("%w: price %s is not backed by a billing meter", billing.ErrInsufficientConfiguration, priceID)
	}

	meterParams := &stripe.BillingMeterParams{}
	meterParams.Context = ctx
	m, errGet := meter.Get(p.Recurring.Meter, meterParams)
	if errGet != nil {
		return "", fmt.Errorf("stripe: get billing meter %s: %w", p.Recurring.Meter, errGet)
	}
	c.meterNames.Add(priceID, m.EventName)
	return m.EventName, nil
}

func (c *Client) hasActiveSubscription(ctx context.Context, customerID, priceID string) (bool, error) {
	key := customerID + "|" + priceID
	if active, ok := c.subscribed.Get(key); ok {
		return active, nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Price:    stripe.String(priceID),
		Status:   stripe.String(string(stripe.SubscriptionStatusActive)),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(1)
	iter := subscription.List(params)
	active := iter.Next()
	if errList := iter.Err(); errList != nil {
		return false, fmt.Errorf("stripe: list subscriptions: %w", errList)
	}
	if active {
		c.subscribed.Add(key, true)
	}
	return active, nil
}

// ListEvents lists events of the given types created at or after since, newest first.
func (c *Client) ListEvents(ctx context.Context, since time.Time, types []string) ([]*stripe.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, 6*c.timeout)
	defer cancel()

	params := &stripe.EventListParams{
		CreatedRange: &stripe.RangeQueryParams{GreaterThanOrEqual: since.Unix()},
	}
	if len(types) > 0 {
		params.Types = stripe.StringSlice(types)
	}
	params.Context = ctx
	params.Limit = stripe.Int64(100)

	var events []*stripe.Event
	iter := event.List(params)
	for iter.Next() {
		events = append(events, iter.Event())
		if len(events) >= maxListedEvents {
			log.WithField("since", since).Warn("stripe: event listing truncated")
			break
		}
	}
	if errList := iter.Err(); errList != nil {
		return events, fmt.Errorf("stripe: list events: %w", errList)
	}
	return events, nil
}

func escapeSearchValue(v string) string {
	return strings.ReplaceAll(v, "'", "\\'")
}
