package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/router-for-me/CLIProxyAPIBilling/internal/models"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const sideEffectTimeout = 30 * time.Second

// LowBalanceSignal is emitted when a deduction leaves an account below its threshold.
type LowBalanceSignal struct {
	Identity  Identity
	AccountID string
	Balance   decimal.Decimal
	Threshold decimal.Decimal
	RequestID string
}

// Notifier receives low-balance signals. Implementations must not block for long.
type Notifier interface {
	LowBalance(ctx context.Context, signal LowBalanceSignal)
}

// DeductionResult is the outcome of charging one request against a prepaid balance.
type DeductionResult struct {
	Identity      Identity
	RequestID     string
	Cost          decimal.Decimal
	Deducted      decimal.Decimal // Magnitude actually taken from the balance.
	Shortfall     decimal.Decimal
	Covered       bool
	BalanceAfter  decimal.Decimal
	TransactionID string
	Duplicate     bool // The request had already been charged.
	LowBalance    bool
}

// Engine charges usage against prepaid balances.
type Engine struct {
	store     *Store
	notifier  Notifier
	autoTopup *AutoTopup

	wg sync.WaitGroup
}

// NewEngine constructs an Engine. notifier and autoTopup may be nil.
func NewEngine(store *Store, notifier Notifier, autoTopup *AutoTopup) *Engine {
	return &Engine{store: store, notifier: notifier, autoTopup: autoTopup}
}

// ChargeForUsage deducts cost from the account of id, clamped at zero.
// A repeated requestID returns the original result without deducting again.
func (e *Engine) ChargeForUsage(ctx context.Context, id Identity, cost decimal.Decimal, requestID string) (*DeductionResult, error) {
	if cost.IsNegative() {
		return nil, fmt.Errorf("%w: cost must not be negative, got %s", ErrInvalidAmount, cost)
	}
	requestID = strings.TrimSpace(requestID)
	out := &DeductionResult{
		Identity:  id,
		RequestID: requestID,
		Cost:      cost,
		Deducted:  decimal.Zero,
		Shortfall: decimal.Zero,
		Covered:   true,
	}
	if cost.IsZero() {
		return out, nil
	}

	delta := Delta{
		Type:        models.TransactionTypeDeduction,
		Amount:      cost.Neg(),
		RequestID:   requestID,
		Description: "usage charge",
		Metadata:    map[string]any{"cost": cost.String()},
	}
	if requestID != "" {
		delta.IdempotencyKey = "deduction:" + requestID
		delta.Description = "usage charge for request " + requestID
	}

	res, errApply := e.store.ApplyDelta(ctx, id, delta)
	duplicate := errors.Is(errApply, ErrDuplicateTransaction)
	if errApply != nil && !duplicate {
		return nil, errApply
	}

	out.Deducted = res.Applied.Abs()
	out.Shortfall = cost.Sub(out.Deducted)
	out.Covered = out.Shortfall.IsZero()
	out.BalanceAfter = res.Transaction.BalanceAfter
	out.TransactionID = res.Transaction.TransactionID
	out.Duplicate = duplicate
	if duplicate {
		return out, nil
	}

	deductionsTotal.WithLabelValues(strconv.FormatBool(out.Covered)).Inc()
	deductedAmountTotal.Add(out.Deducted.InexactFloat64())

	account := res.Account
	if account.LowBalanceThreshold.Valid && account.Balance.LessThan(account.LowBalanceThreshold.Decimal) {
		out.LowBalance = true
		lowBalanceSignalsTotal.Inc()
		e.signalLowBalance(ctx, LowBalanceSignal{
			Identity:  id,
			AccountID: account.ID,
			Balance:   account.Balance,
			Threshold: account.LowBalanceThreshold.Decimal,
			RequestID: requestID,
		})
	}
	if e.autoTopup != nil {
		e.spawn(ctx, func(bg context.Context) {
			if errTrigger := e.autoTopup.MaybeTrigger(bg, account); errTrigger != nil {
				log.WithError(errTrigger).WithField("customer_key", id.Key()).Warn("billing: auto top-up trigger failed")
			}
		})
	}
	return out, nil
}

// RefundUsage credits amount back to id for a previously billed request.
// When the request was deducted from this account the refund is capped at the
// amount actually deducted; requests billed elsewhere are refunded as given.
func (e *Engine) RefundUsage(ctx context.Context, id Identity, amount decimal.Decimal, requestID, reason string) (*ApplyResult, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return nil, fmt.Errorf("%w: refund requires a request id", ErrInvalidRequest)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: refund must be positive, got %s", ErrInvalidAmount, amount)
	}
	requested := amount
	deducted, errDeducted := e.deductedFor(ctx, id, requestID)
	if errDeducted != nil {
		return nil, errDeducted
	}
	if deducted != nil {
		if !deducted.IsPositive() {
			return nil, fmt.Errorf("%w: request %s deducted nothing to refund", ErrInvalidAmount, requestID)
		}
		if amount.GreaterThan(*deducted) {
			amount = *deducted
		}
	}
	meta := map[string]any{"reason": reason}
	if !amount.Equal(requested) {
		meta["requested_amount"] = requested.String()
	}

	description := "refund for request " + requestID
	if reason = strings.TrimSpace(reason); reason != "" {
		description += ": " + reason
	}
	res, errApply := e.store.ApplyDelta(ctx, id, Delta{
		Type:           models.TransactionTypeRefund,
		Amount:         amount,
		RequestID:      requestID,
		IdempotencyKey: "refund:" + requestID,
		Description:    description,
		Metadata:       meta,
	})
	if errApply != nil && !errors.Is(errApply, ErrDuplicateTransaction) {
		return nil, errApply
	}
	if errApply == nil {
		creditedAmountTotal.WithLabelValues(models.TransactionTypeRefund).Add(amount.InexactFloat64())
	}
	return res, errApply
}

// deductedFor returns the absolute amount deducted from id for requestID, or
// nil when no deduction was recorded for it.
func (e *Engine) deductedFor(ctx context.Context, id Identity, requestID string) (*decimal.Decimal, error) {
	txn, errFind := e.store.FindTransactionByKey(ctx, "deduction:"+requestID)
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errFind
	}
	if txn.CustomerType != string(id.Type) || txn.CustomerID != id.ID {
		return nil, fmt.Errorf("%w: request %s was billed to another account", ErrInvalidRequest, requestID)
	}
	deducted := txn.Amount.Abs()
	return &deducted, nil
}

func (e *Engine) signalLowBalance(ctx context.Context, signal LowBalanceSignal) {
	log.WithFields(log.Fields{
		"customer_key": signal.Identity.Key(),
		"balance":      signal.Balance.String(),
		"threshold":    signal.Threshold.String(),
	}).Warn("billing: balance below low-balance threshold")
	if e.notifier == nil {
		return
	}
	e.spawn(ctx, func(bg context.Context) {
		e.notifier.LowBalance(bg, signal)
	})
}

// spawn runs fn detached from the caller's cancellation.
func (e *Engine) spawn(ctx context.Context, fn func(context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
		defer cancel()
		fn(bg)
	}()
}

// Wait blocks until detached side effects have finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}
