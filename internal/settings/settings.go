package settings

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/router-for-me/CLIProxyAPIBilling/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Runtime setting keys and defaults.
const (
	// DefaultLowBalanceThresholdKey sets the threshold given to new accounts.
	DefaultLowBalanceThresholdKey = "DEFAULT_LOW_BALANCE_THRESHOLD"
	// ReconcileLookbackHoursKey bounds how far back the sweep lists provider events.
	ReconcileLookbackHoursKey = "RECONCILE_LOOKBACK_HOURS"
	// LowBalanceAlertCooldownMinutesKey spaces repeated low-balance alerts.
	LowBalanceAlertCooldownMinutesKey = "LOW_BALANCE_ALERT_COOLDOWN_MINUTES"
	// UsagesRetentionDaysKey controls how long usage rows are kept.
	UsagesRetentionDaysKey = "USAGES_RETENTION_DAYS"

	DefaultReconcileLookbackHours         = 72
	DefaultLowBalanceAlertCooldownMinutes = 60
	DefaultUsagesRetentionDays            = 90
)

// KnownKeys lists the settings the billing components read.
var KnownKeys = []string{
	DefaultLowBalanceThresholdKey,
	ReconcileLookbackHoursKey,
	LowBalanceAlertCooldownMinutesKey,
	UsagesRetentionDaysKey,
}

// IsKnownKey reports whether key is one of KnownKeys.
func IsKnownKey(key string) bool {
	key = strings.TrimSpace(key)
	for _, known := range KnownKeys {
		if key == known {
			return true
		}
	}
	return false
}

// snapshot holds the in-memory settings values.
type snapshot struct {
	updatedAt time.Time
	values    map[string]json.RawMessage
}

// Store is an in-memory snapshot of the settings table.
type Store struct {
	db      *gorm.DB
	current atomic.Value // stores snapshot
}

// NewStore constructs an empty Store backed by db.
func NewStore(db *gorm.DB) *Store {
	s := &Store{db: db}
	s.current.Store(snapshot{values: map[string]json.RawMessage{}})
	return s
}

// Refresh reloads all settings from the database.
func (s *Store) Refresh(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("settings: nil db")
	}
	var rows []models.Setting
	if errFind := s.db.WithContext(ctx).
		Select("key", "value", "updated_at").
		Order("key ASC").
		Find(&rows).Error; errFind != nil {
		return errFind
	}

	values := make(map[string]json.RawMessage, len(rows))
	maxUpdatedAt := time.Time{}
	for _, row := range rows {
		key := strings.TrimSpace(row.Key)
		if key == "" {
			continue
		}
		values[key] = row.Value
		if row.UpdatedAt.After(maxUpdatedAt) {
			maxUpdatedAt = row.UpdatedAt
		}
	}
	s.current.Store(snapshot{updatedAt: maxUpdatedAt.UTC(), values: values})
	return nil
}

// Put writes one setting and refreshes the snapshot.
func (s *Store) Put(ctx context.Context, key string, value json.RawMessage, updatedBy string) error {
	if s == nil || s.db == nil {
		return errors.New("settings: nil db")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("settings: empty key")
	}
	if !json.Valid(value) {
		return errors.New("settings: value is not valid json")
	}
	row := models.Setting{Key: key, Value: value, UpdatedBy: updatedBy, UpdatedAt: time.Now().UTC()}
	if errUpsert := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_by", "updated_at"}),
	}).Create(&row).Error; errUpsert != nil {
		return errUpsert
	}
	return s.Refresh(ctx)
}

// UpdatedAt returns the newest setting timestamp in the snapshot.
func (s *Store) UpdatedAt() time.Time {
	return s.load().updatedAt
}

// Value returns a copy of the raw value for key.
func (s *Store) Value(key string) (json.RawMessage, bool) {
	val, ok := s.load().values[strings.TrimSpace(key)]
	if !ok || val == nil {
		return nil, ok
	}
	copied := make([]byte, len(val))
	copy(copied, val)
	return copied, true
}

// All returns a copy of every value in the snapshot.
func (s *Store) All() map[string]json.RawMessage {
	values := s.load().values
	out := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		copied := make([]byte, len(v))
		copy(copied, v)
		out[k] = copied
	}
	return out
}

// Int returns an integer setting or fallback when unset or malformed.
func (s *Store) Int(key string, fallback int) int {
	raw, ok := s.Value(key)
	if !ok {
		return fallback
	}
	if n, okParse := parseInt(raw); okParse {
		return n
	}
	return fallback
}

// Decimal returns a decimal setting; ok is false when unset or malformed.
func (s *Store) Decimal(key string) (decimal.Decimal, bool) {
	raw, ok := s.Value(key)
	if !ok {
		return decimal.Zero, false
	}
	var d decimal.Decimal
	if errUnmarshal := json.Unmarshal(raw, &d); errUnmarshal != nil {
		return decimal.Zero, false
	}
	return d, true
}

func (s *Store) load() snapshot {
	if s == nil {
		return snapshot{values: map[string]json.RawMessage{}}
	}
	cfg, ok := s.current.Load().(snapshot)
	if !ok || cfg.values == nil {
		return snapshot{values: map[string]json.RawMessage{}}
	}
	return cfg
}

func parseInt(raw json.RawMessage) (int, bool) {
	var n int
	if errUnmarshal := json.Unmarshal(raw, &n); errUnmarshal == nil {
		return n, true
	}
	var f float64
	if errUnmarshal := json.Unmarshal(raw, &f); errUnmarshal == nil {
		if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
			return 0, false
		}
		return int(f), true
	}
	var str string
	if errUnmarshal := json.Unmarshal(raw, &str); errUnmarshal == nil {
		parsed, errParse := strconv.Atoi(strings.TrimSpace(str))
		if errParse == nil {
			return parsed, true
		}
	}
	return 0, false
}
