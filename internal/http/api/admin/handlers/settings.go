package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	billinghttp "github.com/router-for-me/CLIProxyAPIBilling/internal/http"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/settings"
	log "github.com/sirupsen/logrus"
)

// SettingsHandler reads and writes runtime billing settings.
type SettingsHandler struct {
	store *settings.Store
}

// NewSettingsHandler constructs a SettingsHandler.
func NewSettingsHandler(store *settings.Store) *SettingsHandler {
	return &SettingsHandler{store: store}
}

// List returns every known setting; unset keys are null.
func (h *SettingsHandler) List(c *gin.Context) {
	values := h.store.All()
	out := make(map[string]json.RawMessage, len(settings.KnownKeys))
	for _, key := range settings.KnownKeys {
		if v, ok := values[key]; ok {
			out[key] = v
		} else {
			out[key] = json.RawMessage("null")
		}
	}
	c.JSON(http.StatusOK, gin.H{"settings": out, "updated_at": h.store.UpdatedAt()})
}

// updateSettingRequest defines the request body for a setting update.
type updateSettingRequest struct {
	Value json.RawMessage `json:"value"`
}

// Update stores one setting.
func (h *SettingsHandler) Update(c *gin.Context) {
	key := strings.TrimSpace(c.Param("key"))
	if !settings.IsKnownKey(key) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown setting"})
		return
	}
	var body updateSettingRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil || len(body.Value) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	updatedBy := billinghttp.AccessMetadata(c)["api_key_name"]
	if errPut := h.store.Put(c.Request.Context(), key, body.Value, updatedBy); errPut != nil {
		log.WithError(errPut).WithField("key", key).Error("admin: update setting failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update setting failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": body.Value})
}
