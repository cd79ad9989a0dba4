package ingest

import (
	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/billing"
	billinghttp "github.com/router-for-me/CLIProxyAPIBilling/internal/http"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/http/api/ingest/handlers"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/security"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/usage"
)

// Options carries the dependencies of the machine-to-machine routes.
type Options struct {
	Reconciler       *billing.Reconciler
	Usage            usage.Plugin
	ServiceJWTSecret string
}

// RegisterIngestRoutes registers the provider webhook and the usage ingest endpoint.
func RegisterIngestRoutes(r *gin.Engine, opts Options) {
	if r == nil {
		return
	}

	if opts.Reconciler != nil {
		webhookHandler := handlers.NewWebhookHandler(opts.Reconciler)
		r.POST("/v0/billing/webhook", webhookHandler.Receive)
	}

	if opts.Usage != nil {
		internal := r.Group("/v0/internal")
		internal.Use(billinghttp.ServiceAuthMiddleware(opts.ServiceJWTSecret, security.ScopeUsageIngest))
		usageHandler := handlers.NewUsageHandler(opts.Usage)
		internal.POST("/usage", usageHandler.Create)
	}
}
