package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/billing"
	billinghttp "github.com/router-for-me/CLIProxyAPIBilling/internal/http"
	"github.com/shopspring/decimal"
)

// AutoTopupHandler configures low-balance alerts and automatic top-ups.
type AutoTopupHandler struct {
	store *billing.Store
}

// NewAutoTopupHandler constructs an AutoTopupHandler.
func NewAutoTopupHandler(store *billing.Store) *AutoTopupHandler {
	return &AutoTopupHandler{store: store}
}

// autoTopupRequest defines the request body for auto top-up settings.
type autoTopupRequest struct {
	LowBalanceThreshold *decimal.Decimal `json:"low_balance_threshold"`
	Enabled             bool             `json:"enabled"`
	Amount              *decimal.Decimal `json:"amount"`
	PaymentMethod       string           `json:"payment_method"`
	CustomerType        string           `json:"customer_type"`
	CustomerID          string           `json:"customer_id"`
}

// Update replaces the caller's threshold and auto top-up settings.
func (h *AutoTopupHandler) Update(c *gin.Context) {
	var body autoTopupRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	id, ok := targetIdentity(c, body.CustomerType, body.CustomerID)
	if !ok {
		return
	}
	account, errUpdate := h.store.UpdateAutoTopup(c.Request.Context(), id, billing.AutoTopupSettings{
		LowBalanceThreshold: body.LowBalanceThreshold,
		Enabled:             body.Enabled,
		Amount:              body.Amount,
		PaymentMethod:       body.PaymentMethod,
	})
	if errUpdate != nil {
		billinghttp.WriteError(c, errUpdate)
		return
	}
	c.JSON(http.StatusOK, NewAccountDTO(account))
}
