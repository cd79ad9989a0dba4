package usage

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/billing"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/config"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/db"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/logging"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type usageFixture struct {
	conn       *gorm.DB
	store      *billing.Store
	dispatcher *billing.Dispatcher
	plugin     *GormUsagePlugin
}

func newUsageFixture(t *testing.T) *usageFixture {
	t.Helper()
	conn, errOpen := db.Open(filepath.Join(t.TempDir(), "usage.db"))
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}
	t.Cleanup(func() {
		if sqlDB, errDB := conn.DB(); errDB == nil {
			_ = sqlDB.Close()
		}
	})

	store := billing.NewStore(conn, nil)
	engine := billing.NewEngine(store, nil, nil)
	resolver, errResolver := billing.NewResolver(config.ChargeByUserID)
	if errResolver != nil {
		t.Fatalf("resolver: %v", errResolver)
	}
	dispatcher, errDispatcher := billing.NewDispatcher(config.BillingConfig{BillingMethod: "prepaid"}, resolver, engine, store, nil)
	if errDispatcher != nil {
		t.Fatalf("dispatcher: %v", errDispatcher)
	}
	return &usageFixture{
		conn:       conn,
		store:      store,
		dispatcher: dispatcher,
		plugin:     NewGormUsagePlugin(conn, dispatcher),
	}
}

func (f *usageFixture) topup(t *testing.T, userID, amount string) {
	t.Helper()
	_, err := f.store.ApplyDelta(context.Background(), billing.Identity{Type: billing.CustomerUser, ID: userID}, billing.Delta{
		Type:   models.TransactionTypeTopup,
		Amount: decimal.RequireFromString(amount),
	})
	if err != nil {
		t.Fatalf("topup: %v", err)
	}
}

func (f *usageFixture) balance(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	account, err := f.store.Find(context.Background(), billing.Identity{Type: billing.CustomerUser, ID: userID})
	if err != nil {
		t.Fatalf("find account: %v", err)
	}
	return account.Balance
}

func (f *usageFixture) usageRow(t *testing.T, id uint64) models.Usage {
	t.Helper()
	var row models.Usage
	if errFind := f.conn.First(&row, id).Error; errFind != nil {
		t.Fatalf("load usage row: %v", errFind)
	}
	return row
}

func TestHandleUsageDeductsAndMarksBilled(t *testing.T) {
	f := newUsageFixture(t)
	f.topup(t, "u-1", "10")

	row, err := f.plugin.HandleUsage(context.Background(), Record{
		RequestID:    "req-1",
		Provider:     "openai",
		Model:        "gpt-4o",
		UserID:       "u-1",
		InputTokens:  100,
		OutputTokens: 50,
		Cost:         decimal.RequireFromString("2.5"),
	})
	if err != nil {
		t.Fatalf("handle usage: %v", err)
	}
	if row.BillingStatus != models.BillingStatusPending || row.CustomerID != "u-1" || row.TotalTokens != 150 {
		t.Fatalf("unexpected initial row %+v", row)
	}
	f.dispatcher.Wait()

	stored := f.usageRow(t, row.ID)
	if stored.BillingStatus != models.BillingStatusBilled {
		t.Fatalf("expected billed, got %s (%s)", stored.BillingStatus, string(stored.BillingError))
	}
	if stored.BilledAt == nil || stored.BillingModes != "prepaid" {
		t.Fatalf("expected billed_at and modes to be set, got %+v", stored)
	}
	if got := f.balance(t, "u-1"); !got.Equal(decimal.RequireFromString("7.5")) {
		t.Fatalf("expected balance 7.5, got %s", got)
	}
}

func TestHandleUsageShortfallIsPartial(t *testing.T) {
	f := newUsageFixture(t)
	f.topup(t, "u-2", "1")

	row, err := f.plugin.HandleUsage(context.Background(), Record{
		RequestID: "req-2",
		UserID:    "u-2",
		Cost:      decimal.RequireFromString("3"),
	})
	if err != nil {
		t.Fatalf("handle usage: %v", err)
	}
	f.dispatcher.Wait()

	stored := f.usageRow(t, row.ID)
	if stored.BillingStatus != models.BillingStatusPartial {
		t.Fatalf("expected partial, got %s", stored.BillingStatus)
	}
	var detail map[string]string
	if errUnmarshal := json.Unmarshal(stored.BillingError, &detail); errUnmarshal != nil {
		t.Fatalf("decode billing error: %v", errUnmarshal)
	}
	if detail["prepaid"] != "shortfall 2" {
		t.Fatalf("expected shortfall detail, got %v", detail)
	}
	if got := f.balance(t, "u-2"); !got.IsZero() {
		t.Fatalf("expected balance to clamp at zero, got %s", got)
	}
}

func TestHandleUsageUnresolvedIdentityFails(t *testing.T) {
	f := newUsageFixture(t)

	row, err := f.plugin.HandleUsage(context.Background(), Record{
		RequestID: "req-3",
		TeamID:    "team-only",
		Cost:      decimal.RequireFromString("1"),
	})
	if err != nil {
		t.Fatalf("handle usage: %v", err)
	}
	f.dispatcher.Wait()

	stored := f.usageRow(t, row.ID)
	if stored.BillingStatus != models.BillingStatusFailed {
		t.Fatalf("expected failed, got %s", stored.BillingStatus)
	}
	if stored.CustomerID != "" {
		t.Fatalf("expected no customer, got %s", stored.CustomerID)
	}
	var detail map[string]string
	if errUnmarshal := json.Unmarshal(stored.BillingError, &detail); errUnmarshal != nil {
		t.Fatalf("decode billing error: %v", errUnmarshal)
	}
	if detail["identity"] == "" {
		t.Fatalf("expected identity error, got %v", detail)
	}
}

func TestHandleUsageSkipsFailedRequests(t *testing.T) {
	f := newUsageFixture(t)
	f.topup(t, "u-4", "5")

	row, err := f.plugin.HandleUsage(context.Background(), Record{
		RequestID: "req-4",
		UserID:    "u-4",
		Failed:    true,
		Cost:      decimal.RequireFromString("1"),
	})
	if err != nil {
		t.Fatalf("handle usage: %v", err)
	}
	f.dispatcher.Wait()

	if row.BillingStatus != models.BillingStatusSkipped {
		t.Fatalf("expected skipped, got %s", row.BillingStatus)
	}
	if got := f.balance(t, "u-4"); !got.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("expected untouched balance, got %s", got)
	}
}

func TestHandleUsageRejectsNegativeCost(t *testing.T) {
	f := newUsageFixture(t)
	_, err := f.plugin.HandleUsage(context.Background(), Record{UserID: "u-5", Cost: decimal.NewFromInt(-1)})
	if err == nil {
		t.Fatalf("expected error for negative cost")
	}
	var n int64
	f.conn.Model(&models.Usage{}).Count(&n)
	if n != 0 {
		t.Fatalf("expected no usage rows, got %d", n)
	}
}

func TestHandleUsageReadsGinContext(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newUsageFixture(t)
	f.topup(t, "u-gin", "5")

	recorder := httptest.NewRecorder()
	ginCtx, _ := gin.CreateTestContext(recorder)
	ginCtx.Request = httptest.NewRequest("POST", "/v1/chat/completions", nil)
	logging.SetGinRequestID(ginCtx, "req-gin-123")
	ginCtx.Set("accessMetadata", map[string]string{"user_id": "u-gin", "api_key_id": "42"})

	row, err := f.plugin.HandleUsage(ginCtx, Record{Cost: decimal.RequireFromString("1")})
	if err != nil {
		t.Fatalf("handle usage: %v", err)
	}
	f.dispatcher.Wait()

	if row.RequestID != "req-gin-123" {
		t.Fatalf("expected request_id=req-gin-123, got %q", row.RequestID)
	}
	if row.APIKeyID == nil || *row.APIKeyID != 42 {
		t.Fatalf("expected api key id 42, got %v", row.APIKeyID)
	}
	if got := f.balance(t, "u-gin"); !got.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("expected balance 4, got %s", got)
	}
}

func TestRetentionCleanerDeletesOldRows(t *testing.T) {
	f := newUsageFixture(t)
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	rows := []models.Usage{
		{RequestID: "old", Provider: "p", Model: "m", BillingStatus: models.BillingStatusBilled, RequestedAt: now.AddDate(0, 0, -120)},
		{RequestID: "old-pending", Provider: "p", Model: "m", BillingStatus: models.BillingStatusPending, RequestedAt: now.AddDate(0, 0, -120)},
		{RequestID: "recent", Provider: "p", Model: "m", BillingStatus: models.BillingStatusBilled, RequestedAt: now.AddDate(0, 0, -10)},
	}
	if errCreate := f.conn.Create(&rows).Error; errCreate != nil {
		t.Fatalf("seed usages: %v", errCreate)
	}

	cleaner := NewUsagesRetentionCleaner(f.conn, nil)
	cleaner.now = func() time.Time { return now }
	if deleted := cleaner.CleanupOnce(context.Background()); deleted != 1 {
		t.Fatalf("expected one deleted row, got %d", deleted)
	}

	var remaining []models.Usage
	if errFind := f.conn.Order("request_id").Find(&remaining).Error; errFind != nil {
		t.Fatalf("list usages: %v", errFind)
	}
	if len(remaining) != 2 || remaining[0].RequestID != "old-pending" || remaining[1].RequestID != "recent" {
		t.Fatalf("unexpected remaining rows %+v", remaining)
	}
}
