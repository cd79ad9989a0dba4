package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/config"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v82"
)

const (
	defaultDispatchTimeout = 30 * time.Second
	providerMaxTries       = 4
)

// TokenUsage is the token accounting of one completed request.
type TokenUsage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

// Quantity returns the billable token quantity, never less than one.
func (u TokenUsage) Quantity() int64 {
	total := u.TotalTokens
	if total <= 0 {
		total = u.PromptTokens + u.CompletionTokens
	}
	if total <= 0 {
		return 1
	}
	return total
}

// Charge is the resolved input handed to each mode handler.
type Charge struct {
	Identity  Identity
	RequestID string
	Usage     TokenUsage
	Cost      decimal.Decimal
	Timestamp time.Time
}

// ModeResult is the outcome of one mode handler.
type ModeResult struct {
	Mode      Mode
	Deduction *DeductionResult // Set for the prepaid mode.
	Err       error
	Duration  time.Duration
}

// DispatchReport collects the outcome of every mode for one request.
type DispatchReport struct {
	RequestID string
	Identity  Identity
	Err       error // Identity resolution failure; no mode ran.
	Results   []ModeResult
}

// Failed reports whether identity resolution or any mode failed.
func (r DispatchReport) Failed() bool {
	if r.Err != nil {
		return true
	}
	for _, res := range r.Results {
		if res.Err != nil {
			return true
		}
	}
	return false
}

// Result returns the outcome of mode.
func (r DispatchReport) Result(mode Mode) (ModeResult, bool) {
	for _, res := range r.Results {
		if res.Mode == mode {
			return res, true
		}
	}
	return ModeResult{}, false
}

type modeHandler func(ctx context.Context, charge Charge) (*DeductionResult, error)

// Dispatcher fans a billable request out to every active billing mode.
type Dispatcher struct {
	cfg      config.BillingConfig
	resolver Resolver
	modes    []Mode
	handlers map[Mode]modeHandler
	engine   *Engine
	store    *Store
	provider Provider
	timeout  time.Duration

	wg sync.WaitGroup
}

// NewDispatcher resolves the active modes from cfg and wires their handlers.
// provider may be nil when only the prepaid mode is active.
func NewDispatcher(cfg config.BillingConfig, resolver Resolver, engine *Engine, store *Store, provider Provider) (*Dispatcher, error) {
	modes, errModes := ResolveModes(cfg)
	if errModes != nil {
		return nil, errModes
	}
	if resolver == nil {
		return nil, fmt.Errorf("%w: no customer resolver", ErrInsufficientConfiguration)
	}
	d := &Dispatcher{
		cfg:      cfg,
		resolver: resolver,
		modes:    modes,
		engine:   engine,
		store:    store,
		provider: provider,
		timeout:  cfg.DispatchTimeout,
	}
	if d.timeout <= 0 {
		d.timeout = defaultDispatchTimeout
	}
	d.handlers = map[Mode]modeHandler{
		ModePrepaid:       d.chargePrepaid,
		ModeMeters:        d.emitMeter,
		ModeSubscriptions: d.recordSubscription,
	}
	for _, mode := range modes {
		if mode != ModePrepaid && provider == nil {
			return nil, fmt.Errorf("%w: %s mode requires a payment provider", ErrInsufficientConfiguration, mode)
		}
	}
	if HasMode(modes, ModePrepaid) && engine == nil {
		return nil, fmt.Errorf("%w: prepaid mode requires a deduction engine", ErrInsufficientConfiguration)
	}
	return d, nil
}

// Modes returns the active billing modes.
func (d *Dispatcher) Modes() []Mode {
	return append([]Mode(nil), d.modes...)
}

// Resolver returns the configured customer resolver.
func (d *Dispatcher) Resolver() Resolver { return d.resolver }

// Dispatch resolves the customer and runs every active mode concurrently.
// A failing or panicking mode never affects the others; errors are reported,
// logged and counted, never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, rc RequestContext, usage TokenUsage, cost decimal.Decimal) DispatchReport {
	report := DispatchReport{RequestID: rc.RequestID}
	id, errResolve := d.resolver.Resolve(rc)
	if errResolve != nil {
		identityUnresolvedTotal.Inc()
		log.WithError(errResolve).WithFields(log.Fields{
			"request_id": rc.RequestID,
			"charge_by":  d.resolver.Type(),
			"cost":       cost.String(),
		}).Error("billing: usage not billed")
		report.Err = errResolve
		return report
	}
	report.Identity = id

	charge := Charge{
		Identity:  id,
		RequestID: rc.RequestID,
		Usage:     usage,
		Cost:      cost,
		Timestamp: time.Now().UTC(),
	}
	results := make([]ModeResult, len(d.modes))
	var wg sync.WaitGroup
	for i, mode := range d.modes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = d.runMode(ctx, mode, charge)
		}()
	}
	wg.Wait()
	report.Results = results
	return report
}

// DispatchAsync runs Dispatch detached from ctx's cancellation with its own
// timeout. done, when non-nil, receives the report.
func (d *Dispatcher) DispatchAsync(ctx context.Context, rc RequestContext, usage TokenUsage, cost decimal.Decimal, done func(DispatchReport)) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		report := d.Dispatch(bg, rc, usage, cost)
		if done != nil {
			done(report)
		}
	}()
}

// Wait blocks until in-flight async dispatches and their side effects finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
	if d.engine != nil {
		d.engine.Wait()
	}
}

func (d *Dispatcher) runMode(ctx context.Context, mode Mode, charge Charge) (res ModeResult) {
	res.Mode = mode
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("billing: %s handler panic: %v", mode, r)
		}
		res.Duration = time.Since(start)
		status := "ok"
		if res.Err != nil {
			status = "error"
			log.WithError(res.Err).WithFields(log.Fields{
				"mode":         mode,
				"request_id":   charge.RequestID,
				"customer_key": charge.Identity.Key(),
				"cost":         charge.Cost.String(),
			}).Error("billing: mode failed")
		}
		dispatchTotal.WithLabelValues(string(mode), status).Inc()
	}()

	handler, ok := d.handlers[mode]
	if !ok {
		res.Err = fmt.Errorf("%w: no handler for mode %s", ErrInsufficientConfiguration, mode)
		return res
	}
	res.Deduction, res.Err = handler(ctx, charge)
	return res
}

func (d *Dispatcher) chargePrepaid(ctx context.Context, charge Charge) (*DeductionResult, error) {
	result, errCharge := d.engine.ChargeForUsage(ctx, charge.Identity, charge.Cost, charge.RequestID)
	if errCharge != nil {
		return nil, errCharge
	}
	if !result.Covered {
		log.WithFields(log.Fields{
			"request_id":   charge.RequestID,
			"customer_key": charge.Identity.Key(),
			"cost":         charge.Cost.String(),
			"shortfall":    result.Shortfall.String(),
		}).Warn("billing: prepaid balance did not cover usage")
	}
	return result, nil
}

func (d *Dispatcher) emitMeter(ctx context.Context, charge Charge) (*DeductionResult, error) {
	customerID, errCustomer := d.providerCustomer(ctx, charge.Identity)
	if errCustomer != nil {
		return nil, errCustomer
	}
	ev := MeterEvent{
		EventName:          d.cfg.MeterEventName,
		ProviderCustomerID: customerID,
		Value:              charge.Usage.Quantity(),
		Identifier:         providerIdentifier(charge, ModeMeters),
		Timestamp:          charge.Timestamp,
	}
	return nil, retryProvider(ctx, "meter event", func() error {
		return d.provider.EmitMeterEvent(ctx, ev)
	})
}

func (d *Dispatcher) recordSubscription(ctx context.Context, charge Charge) (*DeductionResult, error) {
	customerID, errCustomer := d.providerCustomer(ctx, charge.Identity)
	if errCustomer != nil {
		return nil, errCustomer
	}
	usage := SubscriptionUsage{
		ProviderCustomerID: customerID,
		PriceID:            d.cfg.PriceID,
		Quantity:           charge.Usage.Quantity(),
		Identifier:         providerIdentifier(charge, ModeSubscriptions),
		Timestamp:          charge.Timestamp,
	}
	return nil, retryProvider(ctx, "subscription usage", func() error {
		return d.provider.RecordSubscriptionUsage(ctx, usage)
	})
}

func (d *Dispatcher) providerCustomer(ctx context.Context, id Identity) (string, error) {
	account, errAccount := d.store.GetOrCreate(ctx, id)
	if errAccount != nil {
		return "", errAccount
	}
	return d.store.EnsureProviderCustomer(ctx, account, d.provider)
}

// providerIdentifier derives the provider-side dedupe identifier of a charge.
func providerIdentifier(charge Charge, mode Mode) string {
	if rid := strings.TrimSpace(charge.RequestID); rid != "" {
		return rid + ":" + string(mode)
	}
	return uuid.NewString()
}

// retryProvider retries transient provider failures with exponential backoff.
func retryProvider(ctx context.Context, op string, call func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		errCall := call()
		if errCall != nil && !isTransientProviderError(errCall) {
			return struct{}{}, backoff.Permanent(errCall)
		}
		return struct{}{}, errCall
	}, backoff.WithBackOff(b), backoff.WithMaxTries(providerMaxTries))
	return providerError(op, err)
}

func isTransientProviderError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrInsufficientConfiguration) {
		return false
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		status := stripeErr.HTTPStatusCode
		return status == 0 || status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
	}
	return true
}
