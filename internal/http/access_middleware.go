package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/access"
	log "github.com/sirupsen/logrus"
)

// Authenticator resolves the API key on a request.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*access.Result, error)
}

// AccessAuthMiddleware authenticates API keys and injects access metadata.
func AccessAuthMiddleware(authenticator Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if authenticator == nil {
			c.Next()
			return
		}

		result, authErr := authenticator.Authenticate(c.Request.Context(), c.Request)
		if authErr == nil {
			if result != nil {
				c.Set("apiKey", result.Principal)
				c.Set("accessProvider", result.Provider)
				c.Set("apiKeyIsAdmin", result.IsAdmin)
				if len(result.Metadata) > 0 {
					c.Set("accessMetadata", result.Metadata)
				}
			}
			c.Next()
			return
		}

		switch {
		case errors.Is(authErr, access.ErrNoCredentials):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing API key"})
		case errors.Is(authErr, access.ErrInvalidCredential):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
		default:
			log.WithError(authErr).Error("access auth middleware error")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Authentication service error"})
		}
	}
}

// AdminOnlyMiddleware rejects requests whose API key is not an admin key.
func AdminOnlyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAdmin(c) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "permission denied"})
			return
		}
		c.Next()
	}
}

// IsAdmin reports whether the authenticated API key is an admin key.
func IsAdmin(c *gin.Context) bool {
	return c.GetBool("apiKeyIsAdmin")
}

// AccessMetadata returns the metadata stored by AccessAuthMiddleware.
func AccessMetadata(c *gin.Context) map[string]string {
	v, exists := c.Get("accessMetadata")
	if !exists {
		return nil
	}
	meta, _ := v.(map[string]string)
	return meta
}
