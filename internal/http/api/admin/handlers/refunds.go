package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/billing"
	billinghttp "github.com/router-for-me/CLIProxyAPIBilling/internal/http"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// RefundHandler credits charges back to customers.
type RefundHandler struct {
	engine *billing.Engine
}

// NewRefundHandler constructs a RefundHandler.
func NewRefundHandler(engine *billing.Engine) *RefundHandler {
	return &RefundHandler{engine: engine}
}

// refundRequest defines the request body for a refund.
type refundRequest struct {
	CustomerType string          `json:"customer_type"`
	CustomerID   string          `json:"customer_id"`
	Amount       decimal.Decimal `json:"amount"`
	RequestID    string          `json:"request_id"`
	Reason       string          `json:"reason"`
}

// Create refunds one request. Repeating a refund for the same request id
// returns the original transaction with duplicate set.
func (h *RefundHandler) Create(c *gin.Context) {
	var body refundRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	id, errIdentity := billing.NewIdentity(body.CustomerType, body.CustomerID)
	if errIdentity != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errIdentity.Error()})
		return
	}

	res, errRefund := h.engine.RefundUsage(c.Request.Context(), id, body.Amount, body.RequestID, body.Reason)
	if errRefund != nil && !errors.Is(errRefund, billing.ErrDuplicateTransaction) {
		billinghttp.WriteError(c, errRefund)
		return
	}
	log.WithFields(log.Fields{
		"customer_key": id.Key(),
		"request_id":   body.RequestID,
		"requested":    body.Amount.String(),
		"amount":       res.Transaction.Amount.String(),
		"duplicate":    res.Duplicate,
		"admin_key":    billinghttp.AccessMetadata(c)["api_key_name"],
	}).Info("admin: refund applied")

	c.JSON(http.StatusOK, gin.H{
		"transaction_id": res.Transaction.TransactionID,
		"amount":         res.Transaction.Amount,
		"balance_after":  res.Transaction.BalanceAfter,
		"duplicate":      res.Duplicate,
	})
}
