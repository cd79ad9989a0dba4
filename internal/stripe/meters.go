package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/router-for-me/CLIProxyAPIBilling/internal/billing"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/balance"
	"github.com/stripe/stripe-go/v82/billing/meter"
)

var _ billing.MeterManager = (*Client)(nil)

// ListMeters returns a single page of billing meters.
func (c *Client) ListMeters(ctx context.Context, status string, limit int) ([]billing.Meter, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	params := &stripe.BillingMeterListParams{}
	if status != "" {
		params.Status = stripe.String(status)
	}
	params.Context = ctx
	params.Limit = stripe.Int64(int64(limit))
	params.Single = true

	meters := make([]billing.Meter, 0, limit)
	iter := meter.List(params)
	for iter.Next() {
		meters = append(meters, toMeter(iter.BillingMeter()))
		if len(meters) >= limit {
			break
		}
	}
	if errList := iter.Err(); errList != nil {
		return nil, fmt.Errorf("stripe: list billing meters: %w", errList)
	}
	return meters, nil
}

// CreateMeter creates a billing meter mapping customers by id.
func (c *Client) CreateMeter(ctx context.Context, spec billing.MeterSpec) (*billing.Meter, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	params := &stripe.BillingMeterParams{
		DisplayName: stripe.String(spec.DisplayName),
		EventName:   stripe.String(spec.EventName),
		DefaultAggregation: &stripe.BillingMeterDefaultAggregationParams{
			Formula: stripe.String(spec.Formula),
		},
		CustomerMapping: &stripe.BillingMeterCustomerMappingParams{
			EventPayloadKey: stripe.String(spec.CustomerPayloadKey),
			Type:            stripe.String(string(stripe.BillingMeterCustomerMappingTypeByID)),
		},
		ValueSettings: &stripe.BillingMeterValueSettingsParams{
			EventPayloadKey: stripe.String(spec.ValuePayloadKey),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey("meter:" + spec.EventName)
	m, errCreate := meter.New(params)
	if errCreate != nil {
		return nil, fmt.Errorf("stripe: create billing meter %s: %w", spec.EventName, errCreate)
	}
	out := toMeter(m)
	return &out, nil
}

// GetMeter retrieves one billing meter.
func (c *Client) GetMeter(ctx context.Context, id string) (*billing.Meter, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	params := &stripe.BillingMeterParams{}
	params.Context = ctx
	m, errGet := meter.Get(id, params)
	if errGet != nil {
		return nil, meterCallError("get", id, errGet)
	}
	out := toMeter(m)
	return &out, nil
}

// UpdateMeter renames a billing meter.
func (c *Client) UpdateMeter(ctx context.Context, id, displayName string) (*billing.Meter, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	params := &stripe.BillingMeterParams{DisplayName: stripe.String(displayName)}
	params.Context = ctx
	m, errUpdate := meter.Update(id, params)
	if errUpdate != nil {
		return nil, meterCallError("update", id, errUpdate)
	}
	out := toMeter(m)
	return &out, nil
}

// DeactivateMeter deactivates a billing meter.
func (c *Client) DeactivateMeter(ctx context.Context, id string) (*billing.Meter, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	params := &stripe.BillingMeterDeactivateParams{}
	params.Context = ctx
	m, errDeactivate := meter.Deactivate(id, params)
	if errDeactivate != nil {
		return nil, meterCallError("deactivate", id, errDeactivate)
	}
	// Cached price lookups may point at this meter's event name.
	c.meterNames.Purge()
	out := toMeter(m)
	return &out, nil
}

// Account retrieves the balance of the account behind the API key.
func (c *Client) Account(ctx context.Context) (*billing.ProviderAccount, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	params := &stripe.BalanceParams{}
	params.Context = ctx
	b, errGet := balance.Get(params)
	if errGet != nil {
		return nil, fmt.Errorf("stripe: retrieve balance: %w", errGet)
	}
	out := &billing.ProviderAccount{
		Livemode:  b.Livemode,
		Available: make(map[string]decimal.Decimal, len(b.Available)),
	}
	for _, amount := range b.Available {
		if amount == nil {
			continue
		}
		currency := strings.ToLower(string(amount.Currency))
		out.Available[currency] = out.Available[currency].Add(billing.FromMinorUnits(amount.Amount))
	}
	return out, nil
}

func meterCallError(op, id string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", billing.ErrMeterNotFound, id)
	}
	return fmt.Errorf("stripe: %s billing meter %s: %w", op, id, err)
}

func toMeter(m *stripe.BillingMeter) billing.Meter {
	if m == nil {
		return billing.Meter{}
	}
	out := billing.Meter{
		ID:          m.ID,
		DisplayName: m.DisplayName,
		EventName:   m.EventName,
		Status:      string(m.Status),
		Livemode:    m.Livemode,
	}
	if m.DefaultAggregation != nil {
		out.Formula = string(m.DefaultAggregation.Formula)
	}
	if m.CustomerMapping != nil {
		out.CustomerPayloadKey = m.CustomerMapping.EventPayloadKey
	}
	if m.ValueSettings != nil {
		out.ValuePayloadKey = m.ValueSettings.EventPayloadKey
	}
	if m.Created > 0 {
		out.CreatedAt = time.Unix(m.Created, 0).UTC()
	}
	if m.Updated > 0 {
		out.UpdatedAt = time.Unix(m.Updated, 0).UTC()
	}
	return out
}
