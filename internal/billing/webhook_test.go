package billing

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/router-for-me/CLIProxyAPIBilling/internal/config"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const testWebhookSecret = "whsec_test_secret"

func signed(t *testing.T, payload []byte) string {
	t.Helper()
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: payload,
		Secret:  testWebhookSecret,
	}).Header
}

func TestHandleEventDuplicateDeliveryCreditsOnce(t *testing.T) {
	store := newTestStore(t)
	reconciler := NewReconciler(store, config.BillingConfig{WebhookSecret: testWebhookSecret, Environment: "production"})
	id := Identity{Type: CustomerUser, ID: "dup"}
	payload := eventPayload(t, "evt_15", stripe.EventTypeCheckoutSessionCompleted, checkoutObject("cs_15", 1500, id))

	first, err := reconciler.HandleEvent(context.Background(), payload, signed(t, payload))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCredited, first.Outcome)

	second, err := reconciler.HandleEvent(context.Background(), payload, signed(t, payload))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)

	requireDecimal(t, "15", balanceOf(t, store, id))
	assert.EqualValues(t, 1, countRows(t, store.DB(), &models.BalanceTransaction{}))
	assert.EqualValues(t, 1, countRows(t, store.DB(), &models.WebhookEvent{}))

	rows, err := store.ListTransactions(context.Background(), id, 1)
	require.NoError(t, err)
	assert.Equal(t, "cs_15", rows[0].ProviderReference)
	assert.Equal(t, models.TransactionTypeTopup, rows[0].TransactionType)
}

func TestHandleEventConcurrentDuplicateDeliveryCreditsOnce(t *testing.T) {
	store := newTestStore(t)
	reconciler := NewReconciler(store, config.BillingConfig{WebhookSecret: testWebhookSecret})
	id := Identity{Type: CustomerUser, ID: "race"}
	payload := eventPayload(t, "evt_race", stripe.EventTypeCheckoutSessionCompleted, checkoutObject("cs_race", 1500, id))

	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			_, err := reconciler.HandleEvent(context.Background(), payload, signed(t, payload))
			done <- err
		}()
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, <-done)
	}
	requireDecimal(t, "15", balanceOf(t, store, id))
}

func TestHandleEventRejectsBadSignature(t *testing.T) {
	store := newTestStore(t)
	reconciler := NewReconciler(store, config.BillingConfig{WebhookSecret: testWebhookSecret})
	id := Identity{Type: CustomerUser, ID: "forged"}
	payload := eventPayload(t, "evt_forged", stripe.EventTypeCheckoutSessionCompleted, checkoutObject("cs_forged", 5000, id))

	forged := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: "whsec_other"}).Header
	_, err := reconciler.HandleEvent(context.Background(), payload, forged)
	require.ErrorIs(t, err, ErrSignatureInvalid)

	_, err = reconciler.HandleEvent(context.Background(), payload, "")
	require.ErrorIs(t, err, ErrSignatureInvalid)

	assert.EqualValues(t, 0, countRows(t, store.DB(), &models.BalanceAccount{}))
	assert.EqualValues(t, 0, countRows(t, store.DB(), &models.WebhookEvent{}))
}

func TestHandleEventSecretPolicy(t *testing.T) {
	store := newTestStore(t)
	id := Identity{Type: CustomerUser, ID: "dev"}
	payload := eventPayload(t, "evt_dev", stripe.EventTypeCheckoutSessionCompleted, checkoutObject("cs_dev", 300, id))

	production := NewReconciler(store, config.BillingConfig{Environment: "production"})
	_, err := production.HandleEvent(context.Background(), payload, "")
	require.ErrorIs(t, err, ErrWebhookSecretMissing)

	development := NewReconciler(store, config.BillingConfig{Environment: "development"})
	out, err := development.HandleEvent(context.Background(), payload, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCredited, out.Outcome)
	requireDecimal(t, "3", balanceOf(t, store, id))

	_, err = development.HandleEvent(context.Background(), []byte("{not json"), "")
	require.ErrorIs(t, err, ErrMalformedEvent)
}

func TestProcessEventUnpaidSessionWaitsForAsyncPayment(t *testing.T) {
	store := newTestStore(t)
	reconciler := NewReconciler(store, config.BillingConfig{})
	id := Identity{Type: CustomerTeam, ID: "bank"}

	object := checkoutObject("cs_async", 4200, id)
	object["payment_status"] = "unpaid"
	out, err := reconciler.ProcessEvent(context.Background(), decodeEvent(t, eventPayload(t, "evt_completed", stripe.EventTypeCheckoutSessionCompleted, object)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAwaiting, out.Outcome)

	object["payment_status"] = "paid"
	out, err = reconciler.ProcessEvent(context.Background(), decodeEvent(t, eventPayload(t, "evt_async", stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded, object)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCredited, out.Outcome)
	requireDecimal(t, "42", balanceOf(t, store, id))
}

func TestProcessEventResolvesClientReference(t *testing.T) {
	store := newTestStore(t)
	reconciler := NewReconciler(store, config.BillingConfig{})
	object := map[string]any{
		"id":                  "cs_ref",
		"object":              "checkout.session",
		"mode":                "payment",
		"payment_status":      "paid",
		"amount_total":        999,
		"client_reference_id": "end_user:bob",
		"metadata":            map[string]string{MetaPurpose: PurposePrepaidTopup},
	}
	out, err := reconciler.ProcessEvent(context.Background(), decodeEvent(t, eventPayload(t, "evt_ref", stripe.EventTypeCheckoutSessionCompleted, object)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCredited, out.Outcome)
	requireDecimal(t, "9.99", balanceOf(t, store, Identity{Type: CustomerEndUser, ID: "bob"}))
}

func TestProcessEventMalformedMetadataIsAcknowledged(t *testing.T) {
	store := newTestStore(t)
	reconciler := NewReconciler(store, config.BillingConfig{})
	object := map[string]any{
		"id":             "cs_bad",
		"object":         "checkout.session",
		"mode":           "payment",
		"payment_status": "paid",
		"amount_total":   500,
		"metadata":       map[string]string{MetaCustomerType: "martian", MetaCustomerID: "x", MetaPurpose: PurposePrepaidTopup},
	}
	out, err := reconciler.ProcessEvent(context.Background(), decodeEvent(t, eventPayload(t, "evt_bad", stripe.EventTypeCheckoutSessionCompleted, object)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, out.Outcome)

	var recorded models.WebhookEvent
	require.NoError(t, store.DB().Where("event_id = ?", "evt_bad").Take(&recorded).Error)
	assert.NotEmpty(t, recorded.ProcessingError)
	assert.EqualValues(t, 0, countRows(t, store.DB(), &models.BalanceTransaction{}))
}

func TestProcessEventIgnoresUnhandledTypes(t *testing.T) {
	store := newTestStore(t)
	reconciler := NewReconciler(store, config.BillingConfig{})
	event := decodeEvent(t, eventPayload(t, "evt_invoice", stripe.EventType("invoice.created"), map[string]any{"id": "in_1", "object": "invoice"}))

	out, err := reconciler.ProcessEvent(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out.Outcome)

	out, err = reconciler.ProcessEvent(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, out.Outcome)
}

func TestProcessEventSecondEventForSameSessionIsDuplicate(t *testing.T) {
	store := newTestStore(t)
	reconciler := NewReconciler(store, config.BillingConfig{})
	id := Identity{Type: CustomerUser, ID: "twice"}
	object := checkoutObject("cs_same", 1000, id)

	_, err := reconciler.ProcessEvent(context.Background(), decodeEvent(t, eventPayload(t, "evt_a", stripe.EventTypeCheckoutSessionCompleted, object)))
	require.NoError(t, err)
	out, err := reconciler.ProcessEvent(context.Background(), decodeEvent(t, eventPayload(t, "evt_b", stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded, object)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, out.Outcome)
	requireDecimal(t, "10", balanceOf(t, store, id))
	assert.EqualValues(t, 2, countRows(t, store.DB(), &models.WebhookEvent{}))
}

func TestProcessEventIgnoresNonTopupCheckouts(t *testing.T) {
	store := newTestStore(t)
	reconciler := NewReconciler(store, config.BillingConfig{})

	cases := []struct {
		name   string
		object map[string]any
	}{
		{"subscription signup", map[string]any{
			"id":                  "cs_sub",
			"object":              "checkout.session",
			"mode":                "subscription",
			"payment_status":      "paid",
			"amount_total":        4900,
			"client_reference_id": "team:acme",
			"metadata":            map[string]string{MetaPurpose: "subscription_signup"},
		}},
		{"subscription with topup purpose", map[string]any{
			"id":                  "cs_sub_topup",
			"object":              "checkout.session",
			"mode":                "subscription",
			"payment_status":      "paid",
			"amount_total":        4900,
			"client_reference_id": "team:acme",
			"metadata":            map[string]string{MetaPurpose: PurposePrepaidTopup},
		}},
		{"one-off payment for something else", map[string]any{
			"id":                  "cs_other",
			"object":              "checkout.session",
			"mode":                "payment",
			"payment_status":      "paid",
			"amount_total":        1200,
			"client_reference_id": "team:acme",
			"metadata":            map[string]string{MetaPurpose: "invoice_payment"},
		}},
		{"payment without purpose or amount", map[string]any{
			"id":                  "cs_bare",
			"object":              "checkout.session",
			"mode":                "payment",
			"payment_status":      "paid",
			"amount_total":        1200,
			"client_reference_id": "team:acme",
		}},
	}
	for i, tc := range cases {
		event := decodeEvent(t, eventPayload(t, fmt.Sprintf("evt_non_topup_%d", i), stripe.EventTypeCheckoutSessionCompleted, tc.object))
		out, err := reconciler.ProcessEvent(context.Background(), event)
		require.NoError(t, err, tc.name)
		assert.Equal(t, OutcomeIgnored, out.Outcome, tc.name)
	}

	assert.EqualValues(t, 0, countRows(t, store.DB(), &models.BalanceAccount{}))
	assert.EqualValues(t, 0, countRows(t, store.DB(), &models.BalanceTransaction{}))
	assert.EqualValues(t, len(cases), countRows(t, store.DB(), &models.WebhookEvent{}))
}

func TestProcessEventCreditsLegacyTopupWithoutPurpose(t *testing.T) {
	store := newTestStore(t)
	reconciler := NewReconciler(store, config.BillingConfig{})
	object := map[string]any{
		"id":             "cs_legacy",
		"object":         "checkout.session",
		"mode":           "payment",
		"payment_status": "paid",
		"amount_total":   2500,
		"metadata": map[string]string{
			MetaCustomerType: string(CustomerUser),
			MetaCustomerID:   "legacy",
			MetaTopupAmount:  "25.00",
		},
	}
	out, err := reconciler.ProcessEvent(context.Background(), decodeEvent(t, eventPayload(t, "evt_legacy", stripe.EventTypeCheckoutSessionCompleted, object)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCredited, out.Outcome)
	requireDecimal(t, "25", balanceOf(t, store, Identity{Type: CustomerUser, ID: "legacy"}))
}

func TestWebhookCreditsAndDeductionsSerializeOnOneAccount(t *testing.T) {
	store := newTestStore(t)
	reconciler := NewReconciler(store, config.BillingConfig{})
	engine := NewEngine(store, nil, nil)
	id := Identity{Type: CustomerUser, ID: "mixed"}
	credit(t, store, id, "100")

	// 2.50 and 1.37 share no small common multiple, so no two ledger states
	// reached here can hold the same balance.
	const rounds = 8
	var wg sync.WaitGroup
	errs := make(chan error, 2*rounds)
	for i := 0; i < rounds; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			event := decodeEvent(t, eventPayload(t, fmt.Sprintf("evt_mixed_%d", i), stripe.EventTypeCheckoutSessionCompleted,
				checkoutObject(fmt.Sprintf("cs_mixed_%d", i), 250, id)))
			out, err := reconciler.ProcessEvent(context.Background(), event)
			if err == nil && out.Outcome != OutcomeCredited {
				err = fmt.Errorf("event %s: outcome %s", out.EventID, out.Outcome)
			}
			errs <- err
		}()
		go func() {
			defer wg.Done()
			res, err := engine.ChargeForUsage(context.Background(), id, dec(t, "1.37"), fmt.Sprintf("req-mixed-%d", i))
			if err == nil && !res.Covered {
				err = fmt.Errorf("deduction %d not covered", i)
			}
			errs <- err
		}()
	}
	wg.Wait()
	engine.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	requireDecimal(t, "109.04", balanceOf(t, store, id))

	rows, err := store.ListTransactions(context.Background(), id, 100)
	require.NoError(t, err)
	require.Len(t, rows, 2*rounds+1)
	seenBefore := make(map[string]bool)
	for _, row := range rows {
		requireDecimal(t, row.BalanceAfter.String(), row.BalanceBefore.Add(row.Amount), row.TransactionID)
		key := row.BalanceBefore.String()
		assert.False(t, seenBefore[key], "two transactions observed balance %s", key)
		seenBefore[key] = true
	}
	assert.EqualValues(t, rounds, countRows(t, store.DB(), &models.WebhookEvent{}))
}
