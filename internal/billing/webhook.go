package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/router-for-me/CLIProxyAPIBilling/internal/config"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/models"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// ProviderStripe names the payment provider in the processed-events ledger.
const ProviderStripe = "stripe"

// Outcome classifies how a webhook event was handled.
type Outcome string

// Webhook outcomes. All of them are acknowledged to the provider.
const (
	OutcomeCredited  Outcome = "credited"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeAwaiting  Outcome = "awaiting_payment"
	OutcomeReleased  Outcome = "released"
	OutcomeRejected  Outcome = "rejected"
)

// HandledEventTypes are the provider events that can change local state.
var HandledEventTypes = []stripe.EventType{
	stripe.EventTypeCheckoutSessionCompleted,
	stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded,
	stripe.EventTypePaymentIntentSucceeded,
	stripe.EventTypePaymentIntentPaymentFailed,
}

// EventOutcome describes the processing of one webhook event.
type EventOutcome struct {
	EventID       string
	EventType     string
	Outcome       Outcome
	Identity      Identity
	Amount        decimal.Decimal
	TransactionID string
	Detail        string
}

// Reconciler verifies webhook deliveries and credits balances exactly once per event.
type Reconciler struct {
	store      *Store
	secret     string
	production bool
	tolerance  time.Duration
}

// NewReconciler constructs a Reconciler from billing configuration.
func NewReconciler(store *Store, cfg config.BillingConfig) *Reconciler {
	return &Reconciler{
		store:      store,
		secret:     strings.TrimSpace(cfg.WebhookSecret),
		production: cfg.IsProduction(),
		tolerance:  webhook.DefaultTolerance,
	}
}

// HandleEvent verifies payload against signatureHeader and processes the event.
// A returned error means the delivery must be retried or rejected; every
// non-error outcome, duplicates included, is a success.
func (r *Reconciler) HandleEvent(ctx context.Context, payload []byte, signatureHeader string) (*EventOutcome, error) {
	event, errVerify := r.verify(payload, signatureHeader)
	if errVerify != nil {
		webhookEventsTotal.WithLabelValues("unknown", "invalid").Inc()
		return nil, errVerify
	}
	return r.ProcessEvent(ctx, &event)
}

func (r *Reconciler) verify(payload []byte, signatureHeader string) (stripe.Event, error) {
	if r.secret == "" {
		if r.production {
			return stripe.Event{}, ErrWebhookSecretMissing
		}
		log.Warn("billing: webhook secret not configured, accepting unverified payload")
		var event stripe.Event
		if errDecode := json.Unmarshal(payload, &event); errDecode != nil {
			return stripe.Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, errDecode)
		}
		if event.ID == "" {
			return stripe.Event{}, fmt.Errorf("%w: missing event id", ErrMalformedEvent)
		}
		return event, nil
	}

	event, errConstruct := webhook.ConstructEventWithOptions(payload, signatureHeader, r.secret, webhook.ConstructEventOptions{
		Tolerance:                r.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if errConstruct != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, errConstruct)
	}
	if event.ID == "" {
		return stripe.Event{}, fmt.Errorf("%w: missing event id", ErrMalformedEvent)
	}
	return event, nil
}

// ProcessEvent applies a verified event. It is safe to call repeatedly for the same event.
func (r *Reconciler) ProcessEvent(ctx context.Context, event *stripe.Event) (*EventOutcome, error) {
	out := &EventOutcome{EventID: event.ID, EventType: string(event.Type)}
	seen, errSeen := r.store.WebhookEventProcessed(ctx, ProviderStripe, event.ID)
	if errSeen != nil {
		return nil, errSeen
	}

	var errProcess error
	if seen {
		out.Outcome = OutcomeDuplicate
	} else {
		switch event.Type {
		case stripe.EventTypeCheckoutSessionCompleted, stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
			errProcess = r.handleCheckoutSession(ctx, event, out)
		case stripe.EventTypePaymentIntentSucceeded:
			errProcess = r.handlePaymentIntentSucceeded(ctx, event, out)
		case stripe.EventTypePaymentIntentPaymentFailed:
			errProcess = r.handlePaymentIntentFailed(ctx, event, out)
		default:
			errProcess = r.acknowledge(ctx, event, out, OutcomeIgnored, "")
		}
	}
	if errProcess != nil {
		webhookEventsTotal.WithLabelValues(string(event.Type), "error").Inc()
		return nil, errProcess
	}

	webhookEventsTotal.WithLabelValues(string(event.Type), string(out.Outcome)).Inc()
	fields := log.Fields{
		"event_id":   out.EventID,
		"event_type": out.EventType,
		"outcome":    out.Outcome,
	}
	if out.Outcome == OutcomeCredited {
		fields["customer_key"] = out.Identity.Key()
		fields["amount"] = out.Amount.String()
		log.WithFields(fields).Info("billing: webhook credited balance")
	} else {
		log.WithFields(fields).Debug("billing: webhook processed")
	}
	return out, nil
}

func (r *Reconciler) handleCheckoutSession(ctx context.Context, event *stripe.Event, out *EventOutcome) error {
	var session stripe.CheckoutSession
	if errDecode := decodeEventObject(event, &session); errDecode != nil {
		return r.reject(ctx, event, out, errDecode.Error())
	}
	if !isTopupCheckout(session) {
		return r.acknowledge(ctx, event, out, OutcomeIgnored, "not a prepaid top-up session")
	}
	if event.Type == stripe.EventTypeCheckoutSessionCompleted && session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return r.acknowledge(ctx, event, out, OutcomeAwaiting, "payment status "+string(session.PaymentStatus))
	}

	id, errIdentity := identityFromMetadata(session.Metadata, session.ClientReferenceID)
	if errIdentity != nil {
		return r.reject(ctx, event, out, errIdentity.Error())
	}
	if session.AmountTotal <= 0 {
		return r.reject(ctx, event, out, fmt.Sprintf("non-positive amount_total %d", session.AmountTotal))
	}

	meta := map[string]any{
		"event_id":   event.ID,
		"event_type": string(event.Type),
		"currency":   string(session.Currency),
	}
	if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
		meta["payment_intent"] = session.PaymentIntent.ID
	}
	return r.credit(ctx, event, out, id, Delta{
		Type:              models.TransactionTypeTopup,
		Amount:            FromMinorUnits(session.AmountTotal),
		ProviderReference: session.ID,
		IdempotencyKey:    "topup:" + session.ID,
		Description:       "credit top-up via checkout",
		Metadata:          meta,
	})
}

// isTopupCheckout reports whether session was opened by CreateTopupSession.
// Sessions without a purpose are accepted only when they carry a top-up amount.
func isTopupCheckout(session stripe.CheckoutSession) bool {
	if session.Mode != stripe.CheckoutSessionModePayment {
		return false
	}
	switch strings.TrimSpace(session.Metadata[MetaPurpose]) {
	case PurposePrepaidTopup:
		return true
	case "":
		return strings.TrimSpace(session.Metadata[MetaTopupAmount]) != ""
	default:
		return false
	}
}

func (r *Reconciler) handlePaymentIntentSucceeded(ctx context.Context, event *stripe.Event, out *EventOutcome) error {
	var intent stripe.PaymentIntent
	if errDecode := decodeEventObject(event, &intent); errDecode != nil {
		return r.reject(ctx, event, out, errDecode.Error())
	}
	if intent.Metadata[MetaPurpose] != PurposeAutoTopup {
		return r.acknowledge(ctx, event, out, OutcomeIgnored, "")
	}
	id, errIdentity := identityFromMetadata(intent.Metadata, "")
	if errIdentity != nil {
		return r.reject(ctx, event, out, errIdentity.Error())
	}
	received := intent.AmountReceived
	if received <= 0 {
		received = intent.Amount
	}
	if received <= 0 {
		return r.reject(ctx, event, out, fmt.Sprintf("non-positive amount_received %d", intent.AmountReceived))
	}
	return r.credit(ctx, event, out, id, Delta{
		Type:              models.TransactionTypeTopup,
		Amount:            FromMinorUnits(received),
		ProviderReference: intent.ID,
		IdempotencyKey:    "autotopup:" + intent.ID,
		Description:       "automatic credit top-up",
		Metadata: map[string]any{
			"event_id":   event.ID,
			"event_type": string(event.Type),
			"currency":   string(intent.Currency),
			"purpose":    PurposeAutoTopup,
		},
		ClearAutoTopup: true,
	})
}

func (r *Reconciler) handlePaymentIntentFailed(ctx context.Context, event *stripe.Event, out *EventOutcome) error {
	var intent stripe.PaymentIntent
	if errDecode := decodeEventObject(event, &intent); errDecode != nil {
		return r.reject(ctx, event, out, errDecode.Error())
	}
	if intent.Metadata[MetaPurpose] != PurposeAutoTopup {
		return r.acknowledge(ctx, event, out, OutcomeIgnored, "")
	}
	id, errIdentity := identityFromMetadata(intent.Metadata, "")
	if errIdentity != nil {
		return r.reject(ctx, event, out, errIdentity.Error())
	}
	account, errFind := r.store.Find(ctx, id)
	if errFind != nil {
		if errors.Is(errFind, ErrAccountNotFound) {
			return r.reject(ctx, event, out, errFind.Error())
		}
		return errFind
	}
	if errRelease := r.store.ReleaseAutoTopup(ctx, account.ID); errRelease != nil {
		return errRelease
	}
	out.Identity = id
	autoTopupTotal.WithLabelValues("payment_failed").Inc()
	log.WithFields(log.Fields{
		"customer_key":      id.Key(),
		"payment_intent_id": intent.ID,
	}).Warn("billing: automatic top-up payment failed")
	return r.acknowledge(ctx, event, out, OutcomeReleased, "")
}

// credit applies a top-up and records the event in one database transaction.
func (r *Reconciler) credit(ctx context.Context, event *stripe.Event, out *EventOutcome, id Identity, delta Delta) error {
	delta.WebhookEvent = &models.WebhookEvent{
		Provider:  ProviderStripe,
		EventID:   event.ID,
		EventType: string(event.Type),
	}
	out.Identity = id
	out.Amount = delta.Amount

	res, errApply := r.store.ApplyDelta(ctx, id, delta)
	switch {
	case errApply == nil:
		out.Outcome = OutcomeCredited
		out.TransactionID = res.Transaction.TransactionID
		creditedAmountTotal.WithLabelValues(delta.Type).Add(delta.Amount.InexactFloat64())
		return nil
	case errors.Is(errApply, errDuplicateEvent):
		out.Outcome = OutcomeDuplicate
		return nil
	case errors.Is(errApply, ErrDuplicateTransaction):
		// Another event already credited this payment.
		if res != nil {
			out.TransactionID = res.Transaction.TransactionID
		}
		return r.acknowledge(ctx, event, out, OutcomeDuplicate, "payment already credited")
	default:
		return errApply
	}
}

func (r *Reconciler) acknowledge(ctx context.Context, event *stripe.Event, out *EventOutcome, outcome Outcome, detail string) error {
	record := models.WebhookEvent{
		Provider:  ProviderStripe,
		EventID:   event.ID,
		EventType: string(event.Type),
	}
	if outcome == OutcomeRejected {
		record.ProcessingError = detail
	}
	inserted, errRecord := r.store.RecordWebhookEvent(ctx, record)
	if errRecord != nil {
		return errRecord
	}
	out.Outcome = outcome
	out.Detail = detail
	if !inserted && outcome != OutcomeDuplicate {
		out.Outcome = OutcomeDuplicate
	}
	return nil
}

func (r *Reconciler) reject(ctx context.Context, event *stripe.Event, out *EventOutcome, detail string) error {
	log.WithFields(log.Fields{
		"event_id":   event.ID,
		"event_type": event.Type,
		"error":      detail,
	}).Error("billing: webhook event cannot be applied")
	return r.acknowledge(ctx, event, out, OutcomeRejected, detail)
}

func decodeEventObject(event *stripe.Event, dst any) error {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return errors.New("event has no data object")
	}
	if errDecode := json.Unmarshal(event.Data.Raw, dst); errDecode != nil {
		return fmt.Errorf("decode %s object: %w", event.Type, errDecode)
	}
	return nil
}

// identityFromMetadata resolves the account targeted by a provider object.
func identityFromMetadata(meta map[string]string, clientReferenceID string) (Identity, error) {
	customerType := strings.TrimSpace(meta[MetaCustomerType])
	customerID := strings.TrimSpace(meta[MetaCustomerID])
	if customerType != "" || customerID != "" {
		id, errIdentity := NewIdentity(customerType, customerID)
		if errIdentity != nil {
			return Identity{}, fmt.Errorf("invalid customer metadata: %w", errIdentity)
		}
		return id, nil
	}
	for _, key := range []string{meta[MetaCustomerKey], clientReferenceID} {
		if strings.TrimSpace(key) == "" {
			continue
		}
		id, errIdentity := ParseCustomerKey(key)
		if errIdentity != nil {
			return Identity{}, fmt.Errorf("invalid customer reference: %w", errIdentity)
		}
		return id, nil
	}
	return Identity{}, errors.New("customer metadata missing")
}
