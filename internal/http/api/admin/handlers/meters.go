package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/billing"
	billinghttp "github.com/router-for-me/CLIProxyAPIBilling/internal/http"
	log "github.com/sirupsen/logrus"
)

// MeterHandler administers the provider's usage meters.
type MeterHandler struct {
	meters *billing.MeterAdmin
}

// NewMeterHandler constructs a MeterHandler. A nil admin answers 503.
func NewMeterHandler(meters *billing.MeterAdmin) *MeterHandler {
	return &MeterHandler{meters: meters}
}

// renameMeterRequest defines the request body for a meter update.
type renameMeterRequest struct {
	DisplayName string `json:"display_name"`
}

func (h *MeterHandler) ready(c *gin.Context) bool {
	if h.meters == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "payment provider is not configured"})
		return false
	}
	return true
}

// List returns meters, optionally filtered by ?status=active|inactive.
func (h *MeterHandler) List(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	meters, errList := h.meters.List(c.Request.Context(), c.Query("status"), queryInt(c, "limit", 0))
	if errList != nil {
		billinghttp.WriteError(c, errList)
		return
	}
	c.JSON(http.StatusOK, gin.H{"meters": meters})
}

// Create registers a meter.
func (h *MeterHandler) Create(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	var body billing.MeterSpec
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	m, errCreate := h.meters.Create(c.Request.Context(), body)
	if errCreate != nil {
		billinghttp.WriteError(c, errCreate)
		return
	}
	log.WithFields(log.Fields{
		"meter_id":   m.ID,
		"event_name": m.EventName,
		"admin_key":  billinghttp.AccessMetadata(c)["api_key_name"],
	}).Info("admin: meter created")
	c.JSON(http.StatusCreated, m)
}

// Get returns one meter.
func (h *MeterHandler) Get(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	m, errGet := h.meters.Get(c.Request.Context(), c.Param("id"))
	if errGet != nil {
		billinghttp.WriteError(c, errGet)
		return
	}
	c.JSON(http.StatusOK, m)
}

// Update renames a meter.
func (h *MeterHandler) Update(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	var body renameMeterRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	m, errUpdate := h.meters.Rename(c.Request.Context(), c.Param("id"), body.DisplayName)
	if errUpdate != nil {
		billinghttp.WriteError(c, errUpdate)
		return
	}
	c.JSON(http.StatusOK, m)
}

// Deactivate stops a meter from accepting events.
func (h *MeterHandler) Deactivate(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	m, errDeactivate := h.meters.Deactivate(c.Request.Context(), c.Param("id"))
	if errDeactivate != nil {
		billinghttp.WriteError(c, errDeactivate)
		return
	}
	log.WithFields(log.Fields{
		"meter_id":  m.ID,
		"admin_key": billinghttp.AccessMetadata(c)["api_key_name"],
	}).Warn("admin: meter deactivated")
	c.JSON(http.StatusOK, m)
}

// Check reports provider connectivity and the configured meter's status.
func (h *MeterHandler) Check(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	report, errCheck := h.meters.Check(c.Request.Context())
	if errCheck != nil {
		billinghttp.WriteError(c, errCheck)
		return
	}
	c.JSON(http.StatusOK, report)
}
