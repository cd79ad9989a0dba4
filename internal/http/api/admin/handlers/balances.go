package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/billing"
	billinghttp "github.com/router-for-me/CLIProxyAPIBilling/internal/http"
	"github.com/shopspring/decimal"
)

// BalanceHandler lists prepaid accounts for operators.
type BalanceHandler struct {
	store *billing.Store
}

// NewBalanceHandler constructs a BalanceHandler.
func NewBalanceHandler(store *billing.Store) *BalanceHandler {
	return &BalanceHandler{store: store}
}

// balanceRow is one account in the admin listing.
type balanceRow struct {
	AccountID          string          `json:"account_id"`
	CustomerKey        string          `json:"customer_key"`
	ProviderCustomerID string          `json:"provider_customer_id,omitempty"`
	Balance            decimal.Decimal `json:"balance"`
	TotalTopups        decimal.Decimal `json:"total_topups"`
	TotalSpent         decimal.Decimal `json:"total_spent"`
	AutoTopupEnabled   bool            `json:"auto_topup_enabled"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// List returns a page of accounts, lowest balance first.
func (h *BalanceHandler) List(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)
	rows, total, errList := h.store.ListAccounts(c.Request.Context(), limit, offset)
	if errList != nil {
		billinghttp.WriteError(c, errList)
		return
	}
	out := make([]balanceRow, 0, len(rows))
	for i := range rows {
		account := &rows[i]
		out = append(out, balanceRow{
			AccountID:          account.ID,
			CustomerKey:        account.CustomerKey(),
			ProviderCustomerID: account.ProviderCustomer(),
			Balance:            account.Balance,
			TotalTopups:        account.TotalTopups,
			TotalSpent:         account.TotalSpent,
			AutoTopupEnabled:   account.AutoTopupEnabled,
			UpdatedAt:          account.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"accounts": out, "total": total})
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return fallback
	}
	n, errAtoi := strconv.Atoi(raw)
	if errAtoi != nil || n < 0 {
		return fallback
	}
	return n
}
