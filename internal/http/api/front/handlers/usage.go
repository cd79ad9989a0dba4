package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// UsageHandler lists billed requests.
type UsageHandler struct {
	db *gorm.DB
}

// NewUsageHandler constructs a UsageHandler.
func NewUsageHandler(db *gorm.DB) *UsageHandler {
	return &UsageHandler{db: db}
}

// usageDTO defines the usage response payload.
type usageDTO struct {
	RequestID     string          `json:"request_id"`
	Model         string          `json:"model"`
	TotalTokens   int64           `json:"total_tokens"`
	Cost          decimal.Decimal `json:"cost"`
	BillingModes  string          `json:"billing_modes"`
	BillingStatus string          `json:"billing_status"`
	BillingError  json.RawMessage `json:"billing_error,omitempty"`
	RequestedAt   time.Time       `json:"requested_at"`
}

// List returns the caller's recent usage with its billing outcome.
func (h *UsageHandler) List(c *gin.Context) {
	id, ok := targetIdentity(c, c.Query("customer_type"), c.Query("customer_id"))
	if !ok {
		return
	}
	var rows []models.Usage
	if errFind := h.db.WithContext(c.Request.Context()).
		Where("customer_type = ? AND customer_id = ?", string(id.Type), id.ID).
		Order("requested_at DESC, id DESC").
		Limit(parseLimit(c)).
		Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query usage failed"})
		return
	}
	out := make([]usageDTO, 0, len(rows))
	for _, row := range rows {
		dto := usageDTO{
			RequestID:     row.RequestID,
			Model:         row.Model,
			TotalTokens:   row.TotalTokens,
			Cost:          row.Cost,
			BillingModes:  row.BillingModes,
			BillingStatus: row.BillingStatus,
			RequestedAt:   row.RequestedAt,
		}
		if len(row.BillingError) > 0 {
			dto.BillingError = json.RawMessage(row.BillingError)
		}
		out = append(out, dto)
	}
	c.JSON(http.StatusOK, gin.H{"usage": out})
}
