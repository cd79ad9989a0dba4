package http

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/billing"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/config"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/logging"
	log "github.com/sirupsen/logrus"
)

const (
	billingIdentityKey = "billingIdentity"
	// EndUserHeader carries the end-user id on requests without a JSON body.
	EndUserHeader = "X-End-User-Id"

	maxIdentityBodyBytes = 1 << 20
)

// IdentityMiddleware resolves the billing identity of the request with the
// configured resolver. With the block_request policy an unresolved identity
// aborts with 400; otherwise the request continues without one.
func IdentityMiddleware(resolver billing.Resolver, policy string) gin.HandlerFunc {
	blockRequest := strings.EqualFold(strings.TrimSpace(policy), config.UnresolvedBlockRequest)
	return func(c *gin.Context) {
		if resolver == nil {
			c.Next()
			return
		}
		rc := RequestContextFromGin(c)
		id, errResolve := resolver.Resolve(rc)
		if errResolve != nil {
			if blockRequest {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "billing identity unresolved: " + string(resolver.Type()) + " is required"})
				return
			}
			log.WithFields(log.Fields{
				"request_id": rc.RequestID,
				"charge_by":  resolver.Type(),
			}).Debug("identity middleware: billing identity unresolved")
			c.Next()
			return
		}
		c.Set(billingIdentityKey, id)
		c.Next()
	}
}

// BillingIdentity returns the identity resolved by IdentityMiddleware.
func BillingIdentity(c *gin.Context) (billing.Identity, bool) {
	v, exists := c.Get(billingIdentityKey)
	if !exists {
		return billing.Identity{}, false
	}
	id, ok := v.(billing.Identity)
	return id, ok
}

// RequestContextFromGin collects the identity-bearing fields of a request:
// the API key's bound end user, user and team. Caller-supplied end-user ids
// are honoured only for admin keys; a key bound to an end user always bills
// that end user.
func RequestContextFromGin(c *gin.Context) billing.RequestContext {
	meta := AccessMetadata(c)
	endUserID := strings.TrimSpace(meta["end_user_id"])
	if endUserID == "" && IsAdmin(c) {
		endUserID = endUserFromRequest(c)
	}
	return billing.RequestContext{
		RequestID: logging.GetGinRequestID(c),
		EndUserID: endUserID,
		UserID:    meta["user_id"],
		TeamID:    meta["team_id"],
		APIKeyID:  meta["api_key_id"],
	}
}

// endUserFromRequest reads the end-user id from the header, the user query
// parameter or the user field of a JSON body. The body is restored for the
// next handler.
func endUserFromRequest(c *gin.Context) string {
	if v := strings.TrimSpace(c.GetHeader(EndUserHeader)); v != "" {
		return v
	}
	if v := strings.TrimSpace(c.Query("user")); v != "" {
		return v
	}
	req := c.Request
	if req == nil || req.Body == nil || req.Method == http.MethodGet {
		return ""
	}
	if !strings.Contains(strings.ToLower(req.Header.Get("Content-Type")), "json") {
		return ""
	}
	raw, errRead := io.ReadAll(io.LimitReader(req.Body, maxIdentityBodyBytes))
	_ = req.Body.Close()
	req.Body = io.NopCloser(bytes.NewReader(raw))
	if errRead != nil || len(raw) == 0 {
		return ""
	}
	var body struct {
		User string `json:"user"`
	}
	if errUnmarshal := json.Unmarshal(raw, &body); errUnmarshal != nil {
		return ""
	}
	return strings.TrimSpace(body.User)
}
