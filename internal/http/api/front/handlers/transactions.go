package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/billing"
	billinghttp "github.com/router-for-me/CLIProxyAPIBilling/internal/http"
	"github.com/shopspring/decimal"
)

// TransactionsHandler lists ledger entries.
type TransactionsHandler struct {
	store *billing.Store
}

// NewTransactionsHandler constructs a TransactionsHandler.
func NewTransactionsHandler(store *billing.Store) *TransactionsHandler {
	return &TransactionsHandler{store: store}
}

// transactionDTO defines the transaction response payload.
type transactionDTO struct {
	TransactionID     string          `json:"transaction_id"`
	Type              string          `json:"type"`
	Amount            decimal.Decimal `json:"amount"`
	BalanceBefore     decimal.Decimal `json:"balance_before"`
	BalanceAfter      decimal.Decimal `json:"balance_after"`
	ProviderReference string          `json:"provider_reference,omitempty"`
	RequestID         string          `json:"request_id,omitempty"`
	Description       string          `json:"description,omitempty"`
	Metadata          json.RawMessage `json:"metadata,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// List returns the caller's transactions, newest first.
func (h *TransactionsHandler) List(c *gin.Context) {
	id, ok := targetIdentity(c, c.Query("customer_type"), c.Query("customer_id"))
	if !ok {
		return
	}
	rows, errList := h.store.ListTransactions(c.Request.Context(), id, parseLimit(c))
	if errList != nil {
		billinghttp.WriteError(c, errList)
		return
	}
	out := make([]transactionDTO, 0, len(rows))
	for _, row := range rows {
		dto := transactionDTO{
			TransactionID:     row.TransactionID,
			Type:              row.TransactionType,
			Amount:            row.Amount,
			BalanceBefore:     row.BalanceBefore,
			BalanceAfter:      row.BalanceAfter,
			ProviderReference: row.ProviderReference,
			RequestID:         row.RequestID,
			Description:       row.Description,
			CreatedAt:         row.CreatedAt,
		}
		if len(row.Metadata) > 0 {
			dto.Metadata = json.RawMessage(row.Metadata)
		}
		out = append(out, dto)
	}
	c.JSON(http.StatusOK, gin.H{"transactions": out})
}
