package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/billing"
	billinghttp "github.com/router-for-me/CLIProxyAPIBilling/internal/http"
	"github.com/shopspring/decimal"
)

// TopupHandler starts hosted checkouts for credit top-ups.
type TopupHandler struct {
	initiator *billing.TopupInitiator
}

// NewTopupHandler constructs a TopupHandler.
func NewTopupHandler(initiator *billing.TopupInitiator) *TopupHandler {
	return &TopupHandler{initiator: initiator}
}

// topupRequest defines the request body for a top-up.
type topupRequest struct {
	Amount       decimal.Decimal `json:"amount"`
	SuccessURL   string          `json:"success_url"`
	CancelURL    string          `json:"cancel_url"`
	SaveCard     bool            `json:"save_card"`
	CustomerType string          `json:"customer_type"`
	CustomerID   string          `json:"customer_id"`
}

// Create returns a checkout URL. The balance is credited only when the
// provider confirms payment through the webhook.
func (h *TopupHandler) Create(c *gin.Context) {
	if h.initiator == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "top-ups are not configured"})
		return
	}
	var body topupRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	id, ok := targetIdentity(c, body.CustomerType, body.CustomerID)
	if !ok {
		return
	}

	session, errSession := h.initiator.CreateTopupSession(c.Request.Context(), billing.TopupRequest{
		Identity:   id,
		Amount:     body.Amount,
		SuccessURL: body.SuccessURL,
		CancelURL:  body.CancelURL,
		SaveCard:   body.SaveCard,
	})
	if errSession != nil {
		billinghttp.WriteError(c, errSession)
		return
	}
	resp := gin.H{
		"checkout_url":        session.URL,
		"checkout_session_id": session.ID,
	}
	if !session.ExpiresAt.IsZero() {
		resp["expires_at"] = session.ExpiresAt
	}
	c.JSON(http.StatusOK, resp)
}
