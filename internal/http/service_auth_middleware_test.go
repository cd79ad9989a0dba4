package http

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/billing"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/security"
)

func TestServiceAuthMiddleware(t *testing.T) {
	valid, _ := security.GenerateServiceToken("s3cret", "proxy", []string{security.ScopeUsageIngest}, time.Minute)
	unscoped, _ := security.GenerateServiceToken("s3cret", "proxy", nil, time.Minute)
	expired, _ := security.GenerateServiceToken("s3cret", "proxy", []string{security.ScopeUsageIngest}, -time.Minute)

	cases := []struct {
		name   string
		secret string
		header string
		want   int
	}{
		{"valid", "s3cret", "Bearer " + valid, http.StatusNoContent},
		{"missing", "s3cret", "", http.StatusUnauthorized},
		{"wrong scheme", "s3cret", valid, http.StatusUnauthorized},
		{"expired", "s3cret", "Bearer " + expired, http.StatusUnauthorized},
		{"missing scope", "s3cret", "Bearer " + unscoped, http.StatusForbidden},
		{"not configured", "", "Bearer " + valid, http.StatusServiceUnavailable},
	}
	gin.SetMode(gin.TestMode)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := gin.New()
			router.Use(ServiceAuthMiddleware(tc.secret, security.ScopeUsageIngest))
			router.POST("/ingest", func(c *gin.Context) { c.Status(http.StatusNoContent) })
			req := httptest.NewRequest(http.MethodPost, "/ingest", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestStatusForError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{billing.ErrInvalidAmount, http.StatusBadRequest},
		{billing.ErrInvalidRequest, http.StatusBadRequest},
		{billing.ErrSignatureInvalid, http.StatusBadRequest},
		{billing.ErrMalformedEvent, http.StatusBadRequest},
		{billing.ErrWebhookSecretMissing, http.StatusServiceUnavailable},
		{billing.ErrDuplicateTransaction, http.StatusConflict},
		{billing.ErrAccountNotFound, http.StatusNotFound},
		{&billing.ProviderError{Op: "create checkout session", Err: errors.New("timeout")}, http.StatusBadGateway},
		{fmt.Errorf("wrapped: %w", billing.ErrInvalidAmount), http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := StatusForError(tc.err); got != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, got)
		}
	}
}
