package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/billing"
	log "github.com/sirupsen/logrus"
)

// StatusForError maps billing errors to HTTP status codes.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, billing.ErrInvalidAmount),
		errors.Is(err, billing.ErrInvalidRequest),
		errors.Is(err, billing.ErrIdentityUnresolved),
		errors.Is(err, billing.ErrSignatureInvalid),
		errors.Is(err, billing.ErrMalformedEvent):
		return http.StatusBadRequest
	case errors.Is(err, billing.ErrAccountNotFound),
		errors.Is(err, billing.ErrMeterNotFound):
		return http.StatusNotFound
	case errors.Is(err, billing.ErrDuplicateTransaction):
		return http.StatusConflict
	case errors.Is(err, billing.ErrWebhookSecretMissing),
		errors.Is(err, billing.ErrInsufficientConfiguration):
		return http.StatusServiceUnavailable
	case errors.Is(err, billing.ErrProviderCallFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// WriteError answers with the status for err. Unclassified errors are logged
// and their message is not echoed.
func WriteError(c *gin.Context, err error) {
	status := StatusForError(err)
	if status == http.StatusInternalServerError {
		log.WithError(err).WithField("path", c.FullPath()).Error("request failed")
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
