package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/billing"
	billinghttp "github.com/router-for-me/CLIProxyAPIBilling/internal/http"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/models"
	"github.com/shopspring/decimal"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// requireIdentity returns the caller's billing identity or answers 400.
func requireIdentity(c *gin.Context) (billing.Identity, bool) {
	id, ok := billinghttp.BillingIdentity(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "billing identity unresolved"})
		return billing.Identity{}, false
	}
	return id, true
}

// targetIdentity lets admin keys act on another customer through
// customer_type/customer_id; everyone else gets their own identity.
func targetIdentity(c *gin.Context, customerType, customerID string) (billing.Identity, bool) {
	if strings.TrimSpace(customerType) == "" && strings.TrimSpace(customerID) == "" {
		return requireIdentity(c)
	}
	if !billinghttp.IsAdmin(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "permission denied"})
		return billing.Identity{}, false
	}
	id, errIdentity := billing.NewIdentity(customerType, customerID)
	if errIdentity != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errIdentity.Error()})
		return billing.Identity{}, false
	}
	return id, true
}

func parseLimit(c *gin.Context) int {
	limit := defaultListLimit
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		if n, errAtoi := strconv.Atoi(raw); errAtoi == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit
}

// accountDTO defines the balance response payload.
type accountDTO struct {
	AccountID           string           `json:"account_id"`
	CustomerType        string           `json:"customer_type"`
	CustomerID          string           `json:"customer_id"`
	ProviderCustomerID  string           `json:"provider_customer_id,omitempty"`
	Balance             decimal.Decimal  `json:"balance"`
	TotalTopups         decimal.Decimal  `json:"total_topups"`
	TotalSpent          decimal.Decimal  `json:"total_spent"`
	LowBalanceThreshold *decimal.Decimal `json:"low_balance_threshold"`
	AutoTopupEnabled    bool             `json:"auto_topup_enabled"`
	AutoTopupAmount     *decimal.Decimal `json:"auto_topup_amount"`
	AutoTopupPending    bool             `json:"auto_topup_pending"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// NewAccountDTO converts an account row into its response payload.
func NewAccountDTO(a *models.BalanceAccount) accountDTO {
	dto := accountDTO{
		AccountID:          a.ID,
		CustomerType:       a.CustomerType,
		CustomerID:         a.CustomerID,
		ProviderCustomerID: a.ProviderCustomer(),
		Balance:            a.Balance,
		TotalTopups:        a.TotalTopups,
		TotalSpent:         a.TotalSpent,
		AutoTopupEnabled:   a.AutoTopupEnabled,
		AutoTopupPending:   a.AutoTopupPendingAt != nil,
		UpdatedAt:          a.UpdatedAt,
	}
	if a.LowBalanceThreshold.Valid {
		threshold := a.LowBalanceThreshold.Decimal
		dto.LowBalanceThreshold = &threshold
	}
	if a.AutoTopupAmount.Valid {
		amount := a.AutoTopupAmount.Decimal
		dto.AutoTopupAmount = &amount
	}
	return dto
}
