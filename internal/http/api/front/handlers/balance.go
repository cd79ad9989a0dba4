package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/billing"
	billinghttp "github.com/router-for-me/CLIProxyAPIBilling/internal/http"
)

// BalanceHandler serves the caller's prepaid balance.
type BalanceHandler struct {
	store *billing.Store
}

// NewBalanceHandler constructs a BalanceHandler.
func NewBalanceHandler(store *billing.Store) *BalanceHandler {
	return &BalanceHandler{store: store}
}

// Get returns the caller's account, creating an empty one on first access.
func (h *BalanceHandler) Get(c *gin.Context) {
	id, ok := targetIdentity(c, c.Query("customer_type"), c.Query("customer_id"))
	if !ok {
		return
	}
	account, errAccount := h.store.GetOrCreate(c.Request.Context(), id)
	if errAccount != nil {
		billinghttp.WriteError(c, errAccount)
		return
	}
	c.JSON(http.StatusOK, NewAccountDTO(account))
}
