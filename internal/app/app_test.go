package app

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/billing"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/config"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/db"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/models"
	"github.com/shopspring/decimal"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server:   config.ServerConfig{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second},
		Database: config.DatabaseConfig{DSN: filepath.Join(t.TempDir(), "billing.db")},
		Auth:     config.AuthConfig{ServiceJWTSecret: "service-secret"},
		Billing: config.BillingConfig{
			ChargeBy:           config.ChargeByUserID,
			UsePrepaidBalance:  true,
			UnresolvedIdentity: config.UnresolvedBlockBilling,
			Currency:           "usd",
		},
	}
}

func buildForTest(t *testing.T, cfg *config.Config) (*Components, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	conn, errOpen := db.Open(cfg.Database.DSN)
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	t.Cleanup(func() { closeDB(conn) })
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	comps, errBuild := Build(context.Background(), cfg, conn)
	if errBuild != nil {
		t.Fatalf("build: %v", errBuild)
	}
	t.Cleanup(comps.Close)
	return comps, NewRouter(cfg, comps)
}

func serve(router *gin.Engine, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRouterServesHealthAndMetrics(t *testing.T) {
	_, router := buildForTest(t, testConfig(t))

	if rec := serve(router, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", rec.Code)
	}
	rec := serve(router, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected metrics 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatalf("expected prometheus exposition, got %q", rec.Body.String()[:min(200, rec.Body.Len())])
	}
	if rec := serve(router, http.MethodGet, "/nope", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCreateAPIKeyAuthenticatesBalanceRequests(t *testing.T) {
	cfg := testConfig(t)
	key, errCreate := CreateAPIKey(context.Background(), cfg, CreateAPIKeyParams{Name: "ci", UserID: "u-1"})
	if errCreate != nil {
		t.Fatalf("create api key: %v", errCreate)
	}
	if !strings.HasPrefix(key.APIKey, "cpb_") || key.IsAdmin {
		t.Fatalf("unexpected key %+v", key)
	}
	_, router := buildForTest(t, cfg)

	if rec := serve(router, http.MethodGet, "/v0/billing/balance", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}
	rec := serve(router, http.MethodGet, "/v0/billing/balance", key.APIKey, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"customer_id":"u-1"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
	if rec := serve(router, http.MethodGet, "/v0/billing/admin/balances", key.APIKey, ""); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for admin route, got %d", rec.Code)
	}
}

func TestCreateAPIKeyRequiresName(t *testing.T) {
	if _, errCreate := CreateAPIKey(context.Background(), testConfig(t), CreateAPIKeyParams{Name: " "}); errCreate == nil {
		t.Fatalf("expected error for empty name")
	}
}

func TestServiceTokenIngestsUsage(t *testing.T) {
	cfg := testConfig(t)
	comps, router := buildForTest(t, cfg)
	id := billing.Identity{Type: billing.CustomerUser, ID: "u-7"}
	if _, errApply := comps.Store.ApplyDelta(context.Background(), id, billing.Delta{
		Type:   models.TransactionTypeTopup,
		Amount: decimal.NewFromInt(2),
	}); errApply != nil {
		t.Fatalf("seed: %v", errApply)
	}
	token, errToken := IssueServiceToken(cfg, "proxy", time.Minute)
	if errToken != nil {
		t.Fatalf("issue token: %v", errToken)
	}

	rec := serve(router, http.MethodPost, "/v0/internal/usage", token, `{"request_id":"r-1","user_id":"u-7","cost":"0.5"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	comps.Dispatcher.Wait()

	var row models.Usage
	if errFind := comps.DB.Where("request_id = ?", "r-1").First(&row).Error; errFind != nil {
		t.Fatalf("load usage: %v", errFind)
	}
	if row.BillingStatus != models.BillingStatusBilled {
		t.Fatalf("expected billed, got %s", row.BillingStatus)
	}
	account, errFind := comps.Store.Find(context.Background(), id)
	if errFind != nil {
		t.Fatalf("find: %v", errFind)
	}
	if !account.Balance.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("expected balance 1.5, got %s", account.Balance)
	}
}

func TestBuildRejectsMissingBillingMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.Billing.UsePrepaidBalance = false
	conn, errOpen := db.Open(cfg.Database.DSN)
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	defer closeDB(conn)
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	_, errBuild := Build(context.Background(), cfg, conn)

	if !errors.Is(errBuild, billing.ErrInsufficientConfiguration) {
		t.Fatalf("expected ErrInsufficientConfiguration, got %v", errBuild)
	}
}
