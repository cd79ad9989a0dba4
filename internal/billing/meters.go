package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/router-for-me/CLIProxyAPIBilling/internal/config"
	"github.com/shopspring/decimal"
)

// Meter event payload keys. Meters created here map customers and values
// from the same keys the meter emitter writes.
const (
	MeterPayloadCustomerKey = "stripe_customer_id"
	MeterPayloadValueKey    = "value"
)

// Meter aggregation formulas and statuses.
const (
	MeterFormulaSum   = "sum"
	MeterFormulaCount = "count"
	MeterFormulaLast  = "last"

	MeterStatusActive   = "active"
	MeterStatusInactive = "inactive"
)

const (
	defaultMeterListLimit = 20
	maxMeterListLimit     = 100
	maxMeterEventNameLen  = 100
)

// Meter is a usage meter held by the payment provider.
type Meter struct {
	ID                 string    `json:"id"`
	DisplayName        string    `json:"display_name"`
	EventName          string    `json:"event_name"`
	Status             string    `json:"status"`
	Formula            string    `json:"formula"`
	CustomerPayloadKey string    `json:"customer_payload_key"`
	ValuePayloadKey    string    `json:"value_payload_key"`
	Livemode           bool      `json:"livemode"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// MeterSpec describes a meter to create.
type MeterSpec struct {
	DisplayName        string `json:"display_name"`
	EventName          string `json:"event_name"`
	Formula            string `json:"formula"`
	CustomerPayloadKey string `json:"customer_payload_key"`
	ValuePayloadKey    string `json:"value_payload_key"`
}

// ProviderAccount is the provider account reached with the configured key.
type ProviderAccount struct {
	Livemode  bool
	Available map[string]decimal.Decimal // Available balance per currency.
}

// ProviderCheck reports provider connectivity and whether the configured
// meter event name has an active meter behind it.
type ProviderCheck struct {
	Connected      bool                       `json:"connected"`
	Livemode       bool                       `json:"livemode"`
	Available      map[string]decimal.Decimal `json:"available"`
	MeterEventName string                     `json:"meter_event_name,omitempty"`
	MeterID        string                     `json:"meter_id,omitempty"`
	MeterActive    bool                       `json:"meter_active"`
}

// MeterManager is implemented by providers that administer usage meters.
type MeterManager interface {
	ListMeters(ctx context.Context, status string, limit int) ([]Meter, error)
	CreateMeter(ctx context.Context, spec MeterSpec) (*Meter, error)
	GetMeter(ctx context.Context, id string) (*Meter, error)
	UpdateMeter(ctx context.Context, id, displayName string) (*Meter, error)
	DeactivateMeter(ctx context.Context, id string) (*Meter, error)
	Account(ctx context.Context) (*ProviderAccount, error)
}

// MeterAdmin validates meter administration requests and forwards them to
// the provider.
type MeterAdmin struct {
	manager   MeterManager
	eventName string
}

// NewMeterAdmin returns nil when provider cannot administer meters.
func NewMeterAdmin(provider Provider, cfg config.BillingConfig) *MeterAdmin {
	manager, ok := provider.(MeterManager)
	if !ok || manager == nil {
		return nil
	}
	return &MeterAdmin{
		manager:   manager,
		eventName: strings.TrimSpace(cfg.MeterEventName),
	}
}

// List returns up to limit meters, optionally filtered by status.
func (a *MeterAdmin) List(ctx context.Context, status string, limit int) ([]Meter, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	switch status {
	case "", MeterStatusActive, MeterStatusInactive:
	default:
		return nil, fmt.Errorf("%w: unknown meter status %q", ErrInvalidRequest, status)
	}
	if limit <= 0 {
		limit = defaultMeterListLimit
	}
	if limit > maxMeterListLimit {
		limit = maxMeterListLimit
	}
	meters, errList := a.manager.ListMeters(ctx, status, limit)
	if errList != nil {
		return nil, meterError("list meters", errList)
	}
	return meters, nil
}

// Create registers a new meter. Payload keys default to the keys written by
// the meter emitter and the formula defaults to sum.
func (a *MeterAdmin) Create(ctx context.Context, spec MeterSpec) (*Meter, error) {
	spec.DisplayName = strings.TrimSpace(spec.DisplayName)
	spec.EventName = strings.TrimSpace(spec.EventName)
	spec.Formula = strings.ToLower(strings.TrimSpace(spec.Formula))
	spec.CustomerPayloadKey = strings.TrimSpace(spec.CustomerPayloadKey)
	spec.ValuePayloadKey = strings.TrimSpace(spec.ValuePayloadKey)

	if spec.DisplayName == "" {
		return nil, fmt.Errorf("%w: display_name is required", ErrInvalidRequest)
	}
	if spec.EventName == "" || len(spec.EventName) > maxMeterEventNameLen || strings.ContainsAny(spec.EventName, " \t\n") {
		return nil, fmt.Errorf("%w: event_name must be 1-%d characters without whitespace", ErrInvalidRequest, maxMeterEventNameLen)
	}
	switch spec.Formula {
	case "":
		spec.Formula = MeterFormulaSum
	case MeterFormulaSum, MeterFormulaCount, MeterFormulaLast:
	default:
		return nil, fmt.Errorf("%w: unknown aggregation formula %q", ErrInvalidRequest, spec.Formula)
	}
	if spec.CustomerPayloadKey == "" {
		spec.CustomerPayloadKey = MeterPayloadCustomerKey
	}
	if spec.ValuePayloadKey == "" {
		spec.ValuePayloadKey = MeterPayloadValueKey
	}

	m, errCreate := a.manager.CreateMeter(ctx, spec)
	if errCreate != nil {
		return nil, meterError("create meter", errCreate)
	}
	return m, nil
}

// Get returns one meter.
func (a *MeterAdmin) Get(ctx context.Context, id string) (*Meter, error) {
	id, errID := meterID(id)
	if errID != nil {
		return nil, errID
	}
	m, errGet := a.manager.GetMeter(ctx, id)
	if errGet != nil {
		return nil, meterError("get meter", errGet)
	}
	return m, nil
}

// Rename changes a meter's display name, the only mutable meter field.
func (a *MeterAdmin) Rename(ctx context.Context, id, displayName string) (*Meter, error) {
	id, errID := meterID(id)
	if errID != nil {
		return nil, errID
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return nil, fmt.Errorf("%w: display_name is required", ErrInvalidRequest)
	}
	m, errUpdate := a.manager.UpdateMeter(ctx, id, displayName)
	if errUpdate != nil {
		return nil, meterError("update meter", errUpdate)
	}
	return m, nil
}

// Deactivate stops a meter from accepting events.
func (a *MeterAdmin) Deactivate(ctx context.Context, id string) (*Meter, error) {
	id, errID := meterID(id)
	if errID != nil {
		return nil, errID
	}
	m, errDeactivate := a.manager.DeactivateMeter(ctx, id)
	if errDeactivate != nil {
		return nil, meterError("deactivate meter", errDeactivate)
	}
	return m, nil
}

// Check verifies the provider key and looks up the meter for the configured
// meter event name.
func (a *MeterAdmin) Check(ctx context.Context) (*ProviderCheck, error) {
	account, errAccount := a.manager.Account(ctx)
	if errAccount != nil {
		return nil, providerError("retrieve account", errAccount)
	}
	out := &ProviderCheck{
		Connected:      true,
		Livemode:       account.Livemode,
		Available:      account.Available,
		MeterEventName: a.eventName,
	}
	if a.eventName == "" {
		return out, nil
	}
	meters, errList := a.manager.ListMeters(ctx, MeterStatusActive, maxMeterListLimit)
	if errList != nil {
		return nil, providerError("list meters", errList)
	}
	for _, m := range meters {
		if m.EventName == a.eventName {
			out.MeterID = m.ID
			out.MeterActive = true
			break
		}
	}
	return out, nil
}

func meterID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", fmt.Errorf("%w: meter id is required", ErrInvalidRequest)
	}
	return id, nil
}

func meterError(op string, err error) error {
	if errors.Is(err, ErrMeterNotFound) {
		return err
	}
	return providerError(op, err)
}
