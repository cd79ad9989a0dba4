package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	billinghttp "github.com/router-for-me/CLIProxyAPIBilling/internal/http"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/usage"
	log "github.com/sirupsen/logrus"
)

// UsageHandler accepts completed-request usage from the proxy.
type UsageHandler struct {
	plugin usage.Plugin
}

// NewUsageHandler constructs a UsageHandler.
func NewUsageHandler(plugin usage.Plugin) *UsageHandler {
	return &UsageHandler{plugin: plugin}
}

// Create records one usage report. Billing runs in the background, so the
// response only confirms the report was accepted.
func (h *UsageHandler) Create(c *gin.Context) {
	var record usage.Record
	if errBind := c.ShouldBindJSON(&record); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	row, errHandle := h.plugin.HandleUsage(c.Request.Context(), record)
	if errHandle != nil {
		billinghttp.WriteError(c, errHandle)
		return
	}
	log.WithFields(log.Fields{
		"service":    c.GetString("service"),
		"request_id": row.RequestID,
		"status":     row.BillingStatus,
	}).Debug("ingest: usage accepted")

	resp := gin.H{
		"usage_id":       row.ID,
		"request_id":     row.RequestID,
		"billing_status": row.BillingStatus,
	}
	if row.CustomerID != "" {
		resp["customer_key"] = row.CustomerType + ":" + row.CustomerID
	}
	c.JSON(http.StatusAccepted, resp)
}
