package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/billing"
	billinghttp "github.com/router-for-me/CLIProxyAPIBilling/internal/http"
)

// StripeSignatureHeader carries the webhook signature.
const StripeSignatureHeader = "Stripe-Signature"

const maxWebhookBodyBytes = 1 << 20

// WebhookHandler receives payment provider webhook deliveries.
type WebhookHandler struct {
	reconciler *billing.Reconciler
}

// NewWebhookHandler constructs a WebhookHandler.
func NewWebhookHandler(reconciler *billing.Reconciler) *WebhookHandler {
	return &WebhookHandler{reconciler: reconciler}
}

// Receive verifies and applies one delivery. Any 2xx tells the provider to
// stop retrying, so only failures that deserve a retry return an error status.
func (h *WebhookHandler) Receive(c *gin.Context) {
	payload, errRead := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes))
	if errRead != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body failed"})
		return
	}
	out, errHandle := h.reconciler.HandleEvent(c.Request.Context(), payload, c.GetHeader(StripeSignatureHeader))
	if errHandle != nil {
		billinghttp.WriteError(c, errHandle)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"received": true,
		"event_id": out.EventID,
		"outcome":  out.Outcome,
	})
}
