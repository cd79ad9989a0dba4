package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	dbutil "github.com/router-for-me/CLIProxyAPIBilling/internal/db"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/models"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/settings"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultLedgerMaxTries   = 12
	defaultTransactionLimit = 50
	maxTransactionLimit     = 500
)

// errVersionConflict signals a lost compare-and-swap on the account row.
var errVersionConflict = errors.New("billing: account version conflict")

// errDuplicateEvent signals an already processed webhook event.
var errDuplicateEvent = errors.New("billing: webhook event already processed")

// Delta is one requested balance mutation.
type Delta struct {
	Type              string          // models.TransactionType*.
	Amount            decimal.Decimal // Signed: negative for deductions, positive for credits.
	RequestID         string
	ProviderReference string
	IdempotencyKey    string
	Description       string
	Metadata          map[string]any

	// WebhookEvent, when set, is recorded in the same database transaction.
	WebhookEvent *models.WebhookEvent
	// ClearAutoTopup releases the account's in-flight auto top-up claim.
	ClearAutoTopup bool
}

// ApplyResult describes a committed (or previously committed) mutation.
type ApplyResult struct {
	Account     models.BalanceAccount
	Transaction models.BalanceTransaction
	Requested   decimal.Decimal // Magnitude asked for.
	Applied     decimal.Decimal // Signed amount actually applied.
	Duplicate   bool            // True when the idempotency key had already been applied.
}

// Covered reports whether the full requested amount was applied.
func (r *ApplyResult) Covered() bool {
	return r.Applied.Abs().Equal(r.Requested)
}

// Store is the balance ledger. ApplyDelta is its only balance mutation.
type Store struct {
	db       *gorm.DB
	settings *settings.Store
	group    singleflight.Group
	maxTries uint
	now      func() time.Time
}

// NewStore constructs a Store. settings may be nil.
func NewStore(db *gorm.DB, settingsStore *settings.Store) *Store {
	return &Store{
		db:       db,
		settings: settingsStore,
		maxTries: defaultLedgerMaxTries,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// DB exposes the underlying connection for collaborators sharing the schema.
func (s *Store) DB() *gorm.DB { return s.db }

// Find returns the account for id or ErrAccountNotFound.
func (s *Store) Find(ctx context.Context, id Identity) (*models.BalanceAccount, error) {
	var account models.BalanceAccount
	errFind := s.db.WithContext(ctx).
		Where("customer_type = ? AND customer_id = ?", string(id.Type), id.ID).
		Take(&account).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("billing: find account: %w", errFind)
	}
	return &account, nil
}

// GetOrCreate returns the account for id, creating it with a zero balance.
// Concurrent callers for an unseen identity observe the same single row.
func (s *Store) GetOrCreate(ctx context.Context, id Identity) (*models.BalanceAccount, error) {
	if strings.TrimSpace(id.ID) == "" {
		return nil, ErrIdentityUnresolved
	}
	account, errFind := s.Find(ctx, id)
	if errFind == nil {
		return account, nil
	}
	if !errors.Is(errFind, ErrAccountNotFound) {
		return nil, errFind
	}

	row := models.BalanceAccount{
		ID:           uuid.NewString(),
		CustomerType: string(id.Type),
		CustomerID:   id.ID,
		Balance:      decimal.Zero,
		TotalTopups:  decimal.Zero,
		TotalSpent:   decimal.Zero,
	}
	if threshold, ok := s.settings.Decimal(settings.DefaultLowBalanceThresholdKey); ok && threshold.IsPositive() {
		row.LowBalanceThreshold = decimal.NullDecimal{Decimal: threshold, Valid: true}
	}

	errCreate := s.withRetry(ctx, func() error {
		errInsert := s.db.WithContext(ctx).Clauses(dbutil.InsertIgnoreConflicts()).Create(&row).Error
		if errInsert != nil && dbutil.IsUniqueViolation(errInsert) {
			return nil
		}
		return errInsert
	})
	if errCreate != nil {
		return nil, fmt.Errorf("billing: create account: %w", errCreate)
	}
	return s.Find(ctx, id)
}

// ApplyDelta atomically applies delta to the account of id and appends a
// transaction. Deductions are clamped so the balance never goes negative;
// credits are applied in full. Contention is retried as a whole transaction.
//
// When delta.IdempotencyKey was already applied the original result is
// returned together with ErrDuplicateTransaction.
func (s *Store) ApplyDelta(ctx context.Context, id Identity, delta Delta) (*ApplyResult, error) {
	if errValidate := validateDelta(delta); errValidate != nil {
		return nil, errValidate
	}
	if _, errAccount := s.GetOrCreate(ctx, id); errAccount != nil {
		return nil, errAccount
	}

	result, err := backoff.Retry(ctx, func() (*ApplyResult, error) {
		res, errApply := s.applyOnce(ctx, id, delta)
		if errApply == nil {
			return res, nil
		}
		if errors.Is(errApply, errVersionConflict) || dbutil.IsRetryable(errApply) {
			ledgerRetriesTotal.Inc()
			return nil, errApply
		}
		return res, backoff.Permanent(errApply)
	}, backoff.WithBackOff(newLedgerBackOff()), backoff.WithMaxTries(s.maxTries))

	if errors.Is(err, ErrDuplicateTransaction) {
		if result == nil || result.Transaction.TransactionID == "" {
			existing, errExisting := s.FindTransactionByKey(ctx, delta.IdempotencyKey)
			if errExisting != nil {
				return nil, errExisting
			}
			result = duplicateResult(*existing)
		}
		return result, ErrDuplicateTransaction
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) applyOnce(ctx context.Context, id Identity, delta Delta) (*ApplyResult, error) {
	var result *ApplyResult
	now := s.now()

	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if delta.WebhookEvent != nil {
			var seen int64
			if errCount := tx.Model(&models.WebhookEvent{}).
				Where("provider = ? AND event_id = ?", delta.WebhookEvent.Provider, delta.WebhookEvent.EventID).
				Count(&seen).Error; errCount != nil {
				return errCount
			}
			if seen > 0 {
				return errDuplicateEvent
			}
		}

		if delta.IdempotencyKey != "" {
			var existing models.BalanceTransaction
			errFind := tx.Where("idempotency_key = ?", delta.IdempotencyKey).Take(&existing).Error
			switch {
			case errFind == nil:
				result = duplicateResult(existing)
				return ErrDuplicateTransaction
			case !errors.Is(errFind, gorm.ErrRecordNotFound):
				return errFind
			}
		}

		var account models.BalanceAccount
		if errFind := dbutil.LockForUpdate(tx).
			Where("customer_type = ? AND customer_id = ?", string(id.Type), id.ID).
			Take(&account).Error; errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				return ErrAccountNotFound
			}
			return errFind
		}

		before := account.Balance
		requested := delta.Amount.Abs()
		applied := delta.Amount
		if delta.Type == models.TransactionTypeDeduction && requested.GreaterThan(before) {
			applied = before.Neg()
		}
		after := before.Add(applied)

		updates := map[string]any{
			"balance":    after,
			"version":    gorm.Expr("version + 1"),
			"updated_at": now,
		}
		switch delta.Type {
		case models.TransactionTypeDeduction:
			account.TotalSpent = account.TotalSpent.Add(applied.Neg())
			updates["total_spent"] = account.TotalSpent
		case models.TransactionTypeTopup:
			account.TotalTopups = account.TotalTopups.Add(applied)
			updates["total_topups"] = account.TotalTopups
		}
		if delta.ClearAutoTopup {
			updates["auto_topup_pending_at"] = nil
			account.AutoTopupPendingAt = nil
		}

		res := tx.Model(&models.BalanceAccount{}).
			Where("id = ? AND version = ?", account.ID, account.Version).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errVersionConflict
		}

		txn := models.BalanceTransaction{
			TransactionID:      uuid.NewString(),
			CustomerType:       account.CustomerType,
			CustomerID:         account.CustomerID,
			ProviderCustomerID: account.ProviderCustomer(),
			TransactionType:    delta.Type,
			Amount:             applied,
			BalanceBefore:      before,
			BalanceAfter:       after,
			ProviderReference:  delta.ProviderReference,
			RequestID:          delta.RequestID,
			Description:        delta.Description,
			Metadata:           buildTransactionMetadata(delta, requested, applied),
			CreatedAt:          now,
		}
		if delta.IdempotencyKey != "" {
			key := delta.IdempotencyKey
			txn.IdempotencyKey = &key
		}
		if errCreate := tx.Create(&txn).Error; errCreate != nil {
			if dbutil.IsUniqueViolation(errCreate) {
				return ErrDuplicateTransaction
			}
			return errCreate
		}

		if delta.WebhookEvent != nil {
			event := *delta.WebhookEvent
			event.ID = 0
			event.ProcessedAt = now
			if errCreate := tx.Create(&event).Error; errCreate != nil {
				if dbutil.IsUniqueViolation(errCreate) {
					return errDuplicateEvent
				}
				return errCreate
			}
		}

		account.Balance = after
		account.Version++
		account.UpdatedAt = now
		result = &ApplyResult{
			Account:     account,
			Transaction: txn,
			Requested:   requested,
			Applied:     applied,
		}
		return nil
	})
	if errTx != nil {
		if errors.Is(errTx, ErrDuplicateTransaction) {
			return result, ErrDuplicateTransaction
		}
		return nil, errTx
	}
	return result, nil
}

func validateDelta(delta Delta) error {
	switch delta.Type {
	case models.TransactionTypeDeduction:
		if !delta.Amount.IsNegative() {
			return fmt.Errorf("%w: deduction must be negative, got %s", ErrInvalidAmount, delta.Amount)
		}
	case models.TransactionTypeTopup, models.TransactionTypeRefund:
		if !delta.Amount.IsPositive() {
			return fmt.Errorf("%w: %s must be positive, got %s", ErrInvalidAmount, delta.Type, delta.Amount)
		}
	default:
		return fmt.Errorf("billing: unknown transaction type %q", delta.Type)
	}
	return nil
}

func buildTransactionMetadata(delta Delta, requested, applied decimal.Decimal) datatypes.JSON {
	meta := make(map[string]any, len(delta.Metadata)+3)
	for k, v := range delta.Metadata {
		meta[k] = v
	}
	if delta.Type == models.TransactionTypeDeduction {
		shortfall := requested.Sub(applied.Abs())
		meta["requested_amount"] = requested.String()
		meta["shortfall"] = shortfall.String()
		meta["covered"] = shortfall.IsZero()
	}
	if len(meta) == 0 {
		return nil
	}
	raw, errMarshal := json.Marshal(meta)
	if errMarshal != nil {
		log.WithError(errMarshal).Warn("billing: encode transaction metadata")
		return nil
	}
	return datatypes.JSON(raw)
}

func duplicateResult(existing models.BalanceTransaction) *ApplyResult {
	requested := existing.Amount.Abs()
	if existing.TransactionType == models.TransactionTypeDeduction {
		var meta struct {
			RequestedAmount string `json:"requested_amount"`
		}
		if len(existing.Metadata) > 0 && json.Unmarshal(existing.Metadata, &meta) == nil && meta.RequestedAmount != "" {
			if parsed, errParse := decimal.NewFromString(meta.RequestedAmount); errParse == nil {
				requested = parsed
			}
		}
	}
	return &ApplyResult{
		Transaction: existing,
		Requested:   requested,
		Applied:     existing.Amount,
		Duplicate:   true,
	}
}

// FindTransactionByKey returns the transaction recorded under an idempotency key.
func (s *Store) FindTransactionByKey(ctx context.Context, key string) (*models.BalanceTransaction, error) {
	var txn models.BalanceTransaction
	if errFind := s.db.WithContext(ctx).Where("idempotency_key = ?", key).Take(&txn).Error; errFind != nil {
		return nil, fmt.Errorf("billing: find transaction %s: %w", key, errFind)
	}
	return &txn, nil
}

// ListTransactions returns the newest transactions of id first.
func (s *Store) ListTransactions(ctx context.Context, id Identity, limit int) ([]models.BalanceTransaction, error) {
	if limit <= 0 {
		limit = defaultTransactionLimit
	}
	if limit > maxTransactionLimit {
		limit = maxTransactionLimit
	}
	var rows []models.BalanceTransaction
	if errFind := s.db.WithContext(ctx).
		Where("customer_type = ? AND customer_id = ?", string(id.Type), id.ID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("billing: list transactions: %w", errFind)
	}
	return rows, nil
}

// ListAccounts returns a page of accounts ordered by balance, lowest first.
func (s *Store) ListAccounts(ctx context.Context, limit, offset int) ([]models.BalanceAccount, int64, error) {
	if limit <= 0 {
		limit = defaultTransactionLimit
	}
	if limit > maxTransactionLimit {
		limit = maxTransactionLimit
	}
	if offset < 0 {
		offset = 0
	}
	var total int64
	if errCount := s.db.WithContext(ctx).Model(&models.BalanceAccount{}).Count(&total).Error; errCount != nil {
		return nil, 0, fmt.Errorf("billing: count accounts: %w", errCount)
	}
	var rows []models.BalanceAccount
	if errFind := s.db.WithContext(ctx).
		Order("balance ASC, created_at ASC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error; errFind != nil {
		return nil, 0, fmt.Errorf("billing: list accounts: %w", errFind)
	}
	return rows, total, nil
}

// AutoTopupSettings configures threshold alerts and automatic replenishment.
type AutoTopupSettings struct {
	LowBalanceThreshold *decimal.Decimal
	Enabled             bool
	Amount              *decimal.Decimal
	PaymentMethod       string
}

// UpdateAutoTopup stores the low-balance threshold and auto top-up settings.
func (s *Store) UpdateAutoTopup(ctx context.Context, id Identity, cfg AutoTopupSettings) (*models.BalanceAccount, error) {
	if cfg.LowBalanceThreshold != nil && cfg.LowBalanceThreshold.IsNegative() {
		return nil, fmt.Errorf("%w: threshold must not be negative", ErrInvalidAmount)
	}
	if cfg.Amount != nil && !cfg.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: auto top-up amount must be positive", ErrInvalidAmount)
	}
	if cfg.Enabled && (cfg.Amount == nil || strings.TrimSpace(cfg.PaymentMethod) == "") {
		return nil, fmt.Errorf("%w: auto top-up requires an amount and a payment method", ErrInvalidAmount)
	}

	account, errAccount := s.GetOrCreate(ctx, id)
	if errAccount != nil {
		return nil, errAccount
	}
	updates := map[string]any{
		"auto_topup_enabled":        cfg.Enabled,
		"auto_topup_payment_method": strings.TrimSpace(cfg.PaymentMethod),
		"low_balance_threshold":     nullDecimal(cfg.LowBalanceThreshold),
		"auto_topup_amount":         nullDecimal(cfg.Amount),
	}
	errUpdate := s.withRetry(ctx, func() error {
		return s.db.WithContext(ctx).Model(&models.BalanceAccount{}).
			Where("id = ?", account.ID).
			Updates(updates).Error
	})
	if errUpdate != nil {
		return nil, fmt.Errorf("billing: update auto top-up: %w", errUpdate)
	}
	return s.Find(ctx, id)
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

// ClaimAutoTopup marks the account as having an automatic top-up in flight.
// Claims older than staleAfter are considered abandoned and may be taken over.
func (s *Store) ClaimAutoTopup(ctx context.Context, accountID string, staleAfter time.Duration) error {
	now := s.now()
	var claimed int64
	errClaim := s.withRetry(ctx, func() error {
		res := s.db.WithContext(ctx).Model(&models.BalanceAccount{}).
			Where("id = ? AND auto_topup_enabled = ?", accountID, true).
			Where("(auto_topup_pending_at IS NULL OR auto_topup_pending_at < ?)", now.Add(-staleAfter)).
			Update("auto_topup_pending_at", now)
		claimed = res.RowsAffected
		return res.Error
	})
	if errClaim != nil {
		return fmt.Errorf("billing: claim auto top-up: %w", errClaim)
	}
	if claimed == 0 {
		return ErrAutoTopupInFlight
	}
	return nil
}

// ReleaseAutoTopup clears an in-flight automatic top-up claim.
func (s *Store) ReleaseAutoTopup(ctx context.Context, accountID string) error {
	return s.withRetry(ctx, func() error {
		return s.db.WithContext(ctx).Model(&models.BalanceAccount{}).
			Where("id = ?", accountID).
			Update("auto_topup_pending_at", nil).Error
	})
}

// EnsureProviderCustomer returns the account's provider customer id,
// provisioning it on first use. Concurrent callers share one provider call.
func (s *Store) EnsureProviderCustomer(ctx context.Context, account *models.BalanceAccount, provider Provider) (string, error) {
	if existing := account.ProviderCustomer(); existing != "" {
		return existing, nil
	}
	if provider == nil {
		return "", fmt.Errorf("%w: no provider configured", ErrInsufficientConfiguration)
	}
	id := Identity{Type: CustomerType(account.CustomerType), ID: account.CustomerID}

	v, err, _ := s.group.Do(account.ID, func() (any, error) {
		fresh, errFind := s.Find(ctx, id)
		if errFind != nil {
			return "", errFind
		}
		if existing := fresh.ProviderCustomer(); existing != "" {
			return existing, nil
		}

		customerID, errEnsure := provider.EnsureCustomer(ctx, id)
		if errEnsure != nil {
			return "", providerError("ensure customer", errEnsure)
		}

		var stored int64
		errUpdate := s.withRetry(ctx, func() error {
			res := s.db.WithContext(ctx).Model(&models.BalanceAccount{}).
				Where("id = ? AND provider_customer_id IS NULL", account.ID).
				Update("provider_customer_id", customerID)
			stored = res.RowsAffected
			return res.Error
		})
		if errUpdate != nil {
			return "", fmt.Errorf("billing: store provider customer: %w", errUpdate)
		}
		if stored == 0 {
			again, errAgain := s.Find(ctx, id)
			if errAgain != nil {
				return "", errAgain
			}
			return again.ProviderCustomer(), nil
		}
		log.WithFields(log.Fields{
			"customer_key":         id.Key(),
			"provider_customer_id": customerID,
		}).Info("billing: provisioned provider customer")
		return customerID, nil
	})
	if err != nil {
		return "", err
	}
	customerID, _ := v.(string)
	account.ProviderCustomerID = &customerID
	return customerID, nil
}

// withRetry retries op on lock contention.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		errOp := op()
		if errOp != nil && !dbutil.IsRetryable(errOp) {
			return struct{}{}, backoff.Permanent(errOp)
		}
		return struct{}{}, errOp
	}, backoff.WithBackOff(newLedgerBackOff()), backoff.WithMaxTries(s.maxTries))
	return err
}

func newLedgerBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	return b
}

// WebhookEventProcessed reports whether the provider event was already recorded.
func (s *Store) WebhookEventProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	var seen int64
	if errCount := s.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("provider = ? AND event_id = ?", provider, eventID).
		Count(&seen).Error; errCount != nil {
		return false, fmt.Errorf("billing: check webhook event: %w", errCount)
	}
	return seen > 0, nil
}

// RecordWebhookEvent marks an event processed without touching any balance.
// It reports false when the event had already been recorded.
func (s *Store) RecordWebhookEvent(ctx context.Context, event models.WebhookEvent) (bool, error) {
	event.ID = 0
	if event.ProcessedAt.IsZero() {
		event.ProcessedAt = s.now()
	}
	var inserted int64
	errRecord := s.withRetry(ctx, func() error {
		res := s.db.WithContext(ctx).Clauses(dbutil.InsertIgnoreConflicts()).Create(&event)
		if res.Error != nil && dbutil.IsUniqueViolation(res.Error) {
			inserted = 0
			return nil
		}
		inserted = res.RowsAffected
		return res.Error
	})
	if errRecord != nil {
		return false, fmt.Errorf("billing: record webhook event: %w", errRecord)
	}
	return inserted > 0, nil
}
