package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/billing"
	billinghttp "github.com/router-for-me/CLIProxyAPIBilling/internal/http"
)

// ReconcileHandler triggers the reconciliation sweep on demand.
type ReconcileHandler struct {
	sweeper *billing.Sweeper
}

// NewReconcileHandler constructs a ReconcileHandler.
func NewReconcileHandler(sweeper *billing.Sweeper) *ReconcileHandler {
	return &ReconcileHandler{sweeper: sweeper}
}

// Run replays recent provider events and reports what was credited.
func (h *ReconcileHandler) Run(c *gin.Context) {
	if h.sweeper == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "payment provider is not configured"})
		return
	}
	report, errSweep := h.sweeper.RunOnce(c.Request.Context())
	if errSweep != nil {
		billinghttp.WriteError(c, errSweep)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"since":    report.Since,
		"listed":   report.Listed,
		"credited": report.Credited,
		"failed":   report.Failed,
		"outcomes": report.Outcomes,
	})
}
