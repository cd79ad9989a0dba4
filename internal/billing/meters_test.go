package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/router-for-me/CLIProxyAPIBilling/internal/config"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// meteredProvider adds meter administration to fakeProvider.
type meteredProvider struct {
	fakeProvider

	meters      []Meter
	created     []MeterSpec
	listStatus  string
	listLimit   int
	accountErr  error
	getMissing  bool
	listedCalls int
}

func (p *meteredProvider) ListMeters(_ context.Context, status string, limit int) ([]Meter, error) {
	p.listStatus, p.listLimit = status, limit
	p.listedCalls++
	var out []Meter
	for _, m := range p.meters {
		if status == "" || m.Status == status {
			out = append(out, m)
		}
	}
	return out, nil
}

func (p *meteredProvider) CreateMeter(_ context.Context, spec MeterSpec) (*Meter, error) {
	p.created = append(p.created, spec)
	return &Meter{ID: "mtr_new", DisplayName: spec.DisplayName, EventName: spec.EventName, Status: MeterStatusActive, Formula: spec.Formula}, nil
}

func (p *meteredProvider) GetMeter(_ context.Context, id string) (*Meter, error) {
	if p.getMissing {
		return nil, ErrMeterNotFound
	}
	return &Meter{ID: id}, nil
}

func (p *meteredProvider) UpdateMeter(_ context.Context, id, displayName string) (*Meter, error) {
	return &Meter{ID: id, DisplayName: displayName}, nil
}

func (p *meteredProvider) DeactivateMeter(_ context.Context, id string) (*Meter, error) {
	return &Meter{ID: id, Status: MeterStatusInactive}, nil
}

func (p *meteredProvider) Account(context.Context) (*ProviderAccount, error) {
	if p.accountErr != nil {
		return nil, p.accountErr
	}
	return &ProviderAccount{Available: map[string]decimal.Decimal{"usd": decimal.NewFromInt(10)}}, nil
}

func TestNewMeterAdminRequiresMeterCapableProvider(t *testing.T) {
	assert.Nil(t, NewMeterAdmin(&fakeProvider{}, config.BillingConfig{}))
	assert.Nil(t, NewMeterAdmin(nil, config.BillingConfig{}))
	assert.NotNil(t, NewMeterAdmin(&meteredProvider{}, config.BillingConfig{}))
}

func TestMeterCreateAppliesDefaults(t *testing.T) {
	provider := &meteredProvider{}
	admin := NewMeterAdmin(provider, config.BillingConfig{})

	m, err := admin.Create(context.Background(), MeterSpec{DisplayName: " API tokens ", EventName: "api_tokens", Formula: "SUM"})
	require.NoError(t, err)
	assert.Equal(t, "mtr_new", m.ID)

	require.Len(t, provider.created, 1)
	spec := provider.created[0]
	assert.Equal(t, "API tokens", spec.DisplayName)
	assert.Equal(t, MeterFormulaSum, spec.Formula)
	assert.Equal(t, MeterPayloadCustomerKey, spec.CustomerPayloadKey)
	assert.Equal(t, MeterPayloadValueKey, spec.ValuePayloadKey)
}

func TestMeterCreateValidates(t *testing.T) {
	provider := &meteredProvider{}
	admin := NewMeterAdmin(provider, config.BillingConfig{})
	long := make([]byte, maxMeterEventNameLen+1)
	for i := range long {
		long[i] = 'a'
	}

	cases := map[string]MeterSpec{
		"missing name":    {EventName: "api_tokens"},
		"missing event":   {DisplayName: "API tokens"},
		"event spaces":    {DisplayName: "API tokens", EventName: "api tokens"},
		"event too long":  {DisplayName: "API tokens", EventName: string(long)},
		"unknown formula": {DisplayName: "API tokens", EventName: "api_tokens", Formula: "avg"},
	}
	for name, spec := range cases {
		_, err := admin.Create(context.Background(), spec)
		assert.ErrorIs(t, err, ErrInvalidRequest, name)
	}
	assert.Empty(t, provider.created)
}

func TestMeterListClampsLimitAndStatus(t *testing.T) {
	provider := &meteredProvider{}
	admin := NewMeterAdmin(provider, config.BillingConfig{})

	_, err := admin.List(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Equal(t, defaultMeterListLimit, provider.listLimit)

	_, err = admin.List(context.Background(), " Active ", 1000)
	require.NoError(t, err)
	assert.Equal(t, maxMeterListLimit, provider.listLimit)
	assert.Equal(t, MeterStatusActive, provider.listStatus)

	_, err = admin.List(context.Background(), "archived", 10)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestMeterGetPassesNotFoundThrough(t *testing.T) {
	admin := NewMeterAdmin(&meteredProvider{getMissing: true}, config.BillingConfig{})

	_, err := admin.Get(context.Background(), "mtr_x")
	assert.ErrorIs(t, err, ErrMeterNotFound)

	_, err = admin.Get(context.Background(), " ")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = admin.Rename(context.Background(), "mtr_x", "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestMeterCheckFindsConfiguredMeter(t *testing.T) {
	provider := &meteredProvider{meters: []Meter{
		{ID: "mtr_old", EventName: "tokens_used", Status: MeterStatusInactive},
		{ID: "mtr_tokens", EventName: "tokens_used", Status: MeterStatusActive},
	}}
	admin := NewMeterAdmin(provider, config.BillingConfig{MeterEventName: "tokens_used"})

	report, err := admin.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Connected)
	assert.True(t, report.MeterActive)
	assert.Equal(t, "mtr_tokens", report.MeterID)
	requireDecimal(t, "10", report.Available["usd"])

	unconfigured := NewMeterAdmin(provider, config.BillingConfig{})
	provider.listedCalls = 0
	report, err = unconfigured.Check(context.Background())
	require.NoError(t, err)
	assert.False(t, report.MeterActive)
	assert.Zero(t, provider.listedCalls)
}

func TestMeterCheckWrapsAccountFailure(t *testing.T) {
	admin := NewMeterAdmin(&meteredProvider{accountErr: errors.New("invalid api key")}, config.BillingConfig{})

	_, err := admin.Check(context.Background())
	assert.ErrorIs(t, err, ErrProviderCallFailed)
}
