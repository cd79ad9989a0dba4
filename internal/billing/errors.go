package billing

import (
	"errors"
	"fmt"
)

// Billing error taxonomy.
var (
	// ErrIdentityUnresolved means the configured identity field is absent from the request.
	ErrIdentityUnresolved = errors.New("billing: customer identity unresolved")
	// ErrInsufficientConfiguration means no billing mode can be derived from configuration.
	ErrInsufficientConfiguration = errors.New("billing: insufficient configuration")
	// ErrProviderCallFailed wraps network and API errors from the payment provider.
	ErrProviderCallFailed = errors.New("billing: provider call failed")
	// ErrSignatureInvalid means a webhook payload failed signature verification.
	ErrSignatureInvalid = errors.New("billing: webhook signature invalid")
	// ErrWebhookSecretMissing means webhooks cannot be verified in production mode.
	ErrWebhookSecretMissing = errors.New("billing: webhook secret not configured")
	// ErrMalformedEvent means a webhook payload could not be decoded.
	ErrMalformedEvent = errors.New("billing: malformed webhook event")
	// ErrInvalidAmount rejects non-positive top-ups and negative costs.
	ErrInvalidAmount = errors.New("billing: invalid amount")
	// ErrInvalidRequest rejects malformed caller input other than amounts.
	ErrInvalidRequest = errors.New("billing: invalid request")
	// ErrDuplicateTransaction means the idempotency key was already applied.
	ErrDuplicateTransaction = errors.New("billing: duplicate transaction")
	// ErrAccountNotFound means no balance account exists for the identity.
	ErrAccountNotFound = errors.New("billing: account not found")
	// ErrMeterNotFound means the provider has no meter with the requested id.
	ErrMeterNotFound = errors.New("billing: meter not found")
	// ErrAutoTopupInFlight means another automatic top-up holds the account claim.
	ErrAutoTopupInFlight = errors.New("billing: auto top-up already in flight")
)

// ProviderError reports a failed payment provider operation.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("billing: provider %s: %v", e.Op, e.Err)
}

// Unwrap exposes both the taxonomy sentinel and the underlying cause.
func (e *ProviderError) Unwrap() []error {
	return []error{ErrProviderCallFailed, e.Err}
}

func providerError(op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *ProviderError
	if errors.As(err, &existing) {
		return err
	}
	return &ProviderError{Op: op, Err: err}
}
