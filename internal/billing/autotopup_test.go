package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/router-for-me/CLIProxyAPIBilling/internal/config"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
)

func configureAutoTopup(t *testing.T, store *Store, id Identity, threshold, amount string) *models.BalanceAccount {
	t.Helper()
	th := dec(t, threshold)
	am := dec(t, amount)
	account, err := store.UpdateAutoTopup(context.Background(), id, AutoTopupSettings{
		LowBalanceThreshold: &th,
		Enabled:             true,
		Amount:              &am,
		PaymentMethod:       "pm_card_visa",
	})
	require.NoError(t, err)
	return account
}

func TestShouldTrigger(t *testing.T) {
	base := models.BalanceAccount{
		Balance:                decimal.NewFromInt(3),
		AutoTopupEnabled:       true,
		AutoTopupAmount:        decimal.NullDecimal{Decimal: decimal.NewFromInt(10), Valid: true},
		AutoTopupPaymentMethod: "pm_1",
		LowBalanceThreshold:    decimal.NullDecimal{Decimal: decimal.NewFromInt(5), Valid: true},
	}
	assert.True(t, ShouldTrigger(base))

	above := base
	above.Balance = decimal.NewFromInt(6)
	assert.False(t, ShouldTrigger(above))

	disabled := base
	disabled.AutoTopupEnabled = false
	assert.False(t, ShouldTrigger(disabled))

	noMethod := base
	noMethod.AutoTopupPaymentMethod = ""
	assert.False(t, ShouldTrigger(noMethod))

	noThreshold := base
	noThreshold.LowBalanceThreshold = decimal.NullDecimal{}
	assert.False(t, ShouldTrigger(noThreshold))
	noThreshold.Balance = decimal.Zero
	assert.True(t, ShouldTrigger(noThreshold))
}

func TestAutoTopupChargesOnceUntilWebhookCredits(t *testing.T) {
	store := newTestStore(t)
	provider := &fakeProvider{}
	auto := NewAutoTopup(store, provider, "usd")
	engine := NewEngine(store, nil, auto)
	reconciler := NewReconciler(store, config.BillingConfig{})
	id := Identity{Type: CustomerUser, ID: "auto"}
	configureAutoTopup(t, store, id, "5", "20")
	credit(t, store, id, "6")

	_, err := engine.ChargeForUsage(context.Background(), id, dec(t, "2"), "req-a")
	require.NoError(t, err)
	engine.Wait()
	_, err = engine.ChargeForUsage(context.Background(), id, dec(t, "1"), "req-b")
	require.NoError(t, err)
	engine.Wait()

	calls := provider.calls()
	require.Len(t, calls.charges, 1)
	charge := calls.charges[0]
	assert.EqualValues(t, 2000, charge.AmountMinor)
	assert.Equal(t, "pm_card_visa", charge.PaymentMethodID)
	assert.Equal(t, "cus_user_auto", charge.ProviderCustomerID)
	assert.Equal(t, PurposeAutoTopup, charge.Metadata[MetaPurpose])
	assert.NotEmpty(t, charge.IdempotencyKey)

	pending, err := store.Find(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, pending.AutoTopupPendingAt)

	intent := map[string]any{
		"id":              "pi_test_1",
		"object":          "payment_intent",
		"amount":          2000,
		"amount_received": 2000,
		"currency":        "usd",
		"status":          "succeeded",
		"metadata":        charge.Metadata,
	}
	out, err := reconciler.ProcessEvent(context.Background(), decodeEvent(t, eventPayload(t, "evt_pi", stripe.EventTypePaymentIntentSucceeded, intent)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCredited, out.Outcome)

	account, err := store.Find(context.Background(), id)
	require.NoError(t, err)
	requireDecimal(t, "23", account.Balance)
	assert.Nil(t, account.AutoTopupPendingAt)
}

func TestAutoTopupReleasesClaimOnProviderFailure(t *testing.T) {
	store := newTestStore(t)
	provider := &fakeProvider{chargeErr: errors.New("card declined")}
	auto := NewAutoTopup(store, provider, "usd")
	id := Identity{Type: CustomerTeam, ID: "declined"}
	configureAutoTopup(t, store, id, "5", "10")

	account, err := store.Find(context.Background(), id)
	require.NoError(t, err)
	err = auto.MaybeTrigger(context.Background(), *account)
	require.ErrorIs(t, err, ErrProviderCallFailed)

	after, err := store.Find(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, after.AutoTopupPendingAt)
}

func TestPaymentFailedWebhookReleasesClaim(t *testing.T) {
	store := newTestStore(t)
	reconciler := NewReconciler(store, config.BillingConfig{})
	id := Identity{Type: CustomerUser, ID: "failed"}
	account := configureAutoTopup(t, store, id, "5", "10")
	require.NoError(t, store.ClaimAutoTopup(context.Background(), account.ID, defaultAutoTopupClaimTTL))

	intent := map[string]any{
		"id":       "pi_failed",
		"object":   "payment_intent",
		"amount":   1000,
		"currency": "usd",
		"status":   "requires_payment_method",
		"metadata": map[string]string{
			MetaCustomerType: string(id.Type),
			MetaCustomerID:   id.ID,
			MetaPurpose:      PurposeAutoTopup,
		},
	}
	out, err := reconciler.ProcessEvent(context.Background(), decodeEvent(t, eventPayload(t, "evt_pi_failed", stripe.EventTypePaymentIntentPaymentFailed, intent)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReleased, out.Outcome)

	after, err := store.Find(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, after.AutoTopupPendingAt)
	requireDecimal(t, "0", after.Balance)
}
