package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/security"
)

// ServiceAuthMiddleware accepts HS256 service tokens carrying scope.
func ServiceAuthMiddleware(secret string, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.TrimSpace(secret) == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service authentication not configured"})
			return
		}
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if header == "" || token == header {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing service token"})
			return
		}
		claims, errParse := security.ParseServiceToken(secret, token)
		if errParse != nil {
			msg := "invalid service token"
			if errors.Is(errParse, security.ErrExpiredToken) {
				msg = "service token expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}
		if scope != "" && !claims.HasScope(scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "permission denied"})
			return
		}
		c.Set("service", claims.Service)
		c.Next()
	}
}
