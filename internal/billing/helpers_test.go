package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/router-for-me/CLIProxyAPIBilling/internal/db"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	conn, errOpen := db.Open(filepath.Join(t.TempDir(), "billing.db"))
	require.NoError(t, errOpen)
	require.NoError(t, db.Migrate(conn))
	t.Cleanup(func() {
		if sqlDB, errDB := conn.DB(); errDB == nil {
			_ = sqlDB.Close()
		}
	})
	store := NewStore(conn, nil)
	store.maxTries = 30
	return store
}

func dec(t *testing.T, raw string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(raw)
	require.NoError(t, err)
	return d
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	require.Truef(t, dec(t, want).Equal(got), "want %s, got %s %v", want, got, msgAndArgs)
}

func credit(t *testing.T, store *Store, id Identity, amount string) *ApplyResult {
	t.Helper()
	res, err := store.ApplyDelta(context.Background(), id, Delta{
		Type:   models.TransactionTypeTopup,
		Amount: dec(t, amount),
	})
	require.NoError(t, err)
	return res
}

func balanceOf(t *testing.T, store *Store, id Identity) decimal.Decimal {
	t.Helper()
	account, err := store.Find(context.Background(), id)
	require.NoError(t, err)
	return account.Balance
}

func countRows(t *testing.T, conn *gorm.DB, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, conn.Model(model).Count(&n).Error)
	return n
}

// fakeProvider records provider calls in memory.
type fakeProvider struct {
	mu sync.Mutex

	ensureCalls  int
	checkouts    []CheckoutRequest
	charges      []OffSessionCharge
	meterEvents  []MeterEvent
	subscription []SubscriptionUsage
	events       []*stripe.Event
	listSince    time.Time

	ensureErr     error
	checkoutErr   error
	chargeErr     error
	meterErr      error
	meterFailures int // Transient failures before EmitMeterEvent succeeds.
	meterCalls    int
}

func (f *fakeProvider) EnsureCustomer(_ context.Context, id Identity) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureCalls++
	if f.ensureErr != nil {
		return "", f.ensureErr
	}
	return fmt.Sprintf("cus_%s_%s", id.Type, id.ID), nil
}

func (f *fakeProvider) CreateCheckoutSession(_ context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.checkoutErr != nil {
		return nil, f.checkoutErr
	}
	f.checkouts = append(f.checkouts, req)
	id := fmt.Sprintf("cs_test_%d", len(f.checkouts))
	return &CheckoutSession{ID: id, URL: "https://checkout.stripe.com/c/pay/" + id}, nil
}

func (f *fakeProvider) ChargeOffSession(_ context.Context, charge OffSessionCharge) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chargeErr != nil {
		return "", f.chargeErr
	}
	f.charges = append(f.charges, charge)
	return fmt.Sprintf("pi_test_%d", len(f.charges)), nil
}

func (f *fakeProvider) EmitMeterEvent(_ context.Context, ev MeterEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.meterCalls++
	if f.meterErr != nil {
		return f.meterErr
	}
	if f.meterFailures > 0 {
		f.meterFailures--
		return errors.New("connection reset by peer")
	}
	f.meterEvents = append(f.meterEvents, ev)
	return nil
}

func (f *fakeProvider) RecordSubscriptionUsage(_ context.Context, usage SubscriptionUsage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscription = append(f.subscription, usage)
	return nil
}

func (f *fakeProvider) ListEvents(_ context.Context, since time.Time, _ []string) ([]*stripe.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listSince = since
	return f.events, nil
}

type providerCalls struct {
	ensureCalls  int
	checkouts    []CheckoutRequest
	charges      []OffSessionCharge
	meterEvents  []MeterEvent
	subscription []SubscriptionUsage
	meterCalls   int
}

func (f *fakeProvider) calls() providerCalls {
	f.mu.Lock()
	defer f.mu.Unlock()
	return providerCalls{
		ensureCalls:  f.ensureCalls,
		checkouts:    append([]CheckoutRequest(nil), f.checkouts...),
		charges:      append([]OffSessionCharge(nil), f.charges...),
		meterEvents:  append([]MeterEvent(nil), f.meterEvents...),
		subscription: append([]SubscriptionUsage(nil), f.subscription...),
		meterCalls:   f.meterCalls,
	}
}

func eventPayload(t *testing.T, eventID string, eventType stripe.EventType, object map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":          eventID,
		"object":      "event",
		"type":        string(eventType),
		"api_version": stripe.APIVersion,
		"created":     time.Now().Unix(),
		"livemode":    false,
		"data":        map[string]any{"object": object},
	})
	require.NoError(t, err)
	return raw
}

func checkoutObject(sessionID string, amountMinor int64, id Identity) map[string]any {
	return map[string]any{
		"id":             sessionID,
		"object":         "checkout.session",
		"mode":           "payment",
		"payment_status": "paid",
		"status":         "complete",
		"amount_total":   amountMinor,
		"currency":       "usd",
		"metadata": map[string]string{
			MetaCustomerType: string(id.Type),
			MetaCustomerID:   id.ID,
			MetaPurpose:      PurposePrepaidTopup,
		},
	}
}

func decodeEvent(t *testing.T, payload []byte) *stripe.Event {
	t.Helper()
	var ev stripe.Event
	require.NoError(t, json.Unmarshal(payload, &ev))
	return &ev
}
