package admin

import (
	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/billing"
	billinghttp "github.com/router-for-me/CLIProxyAPIBilling/internal/http"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/http/api/admin/handlers"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/settings"
	"gorm.io/gorm"
)

// Options carries the dependencies of the operator routes.
type Options struct {
	DB            *gorm.DB
	Authenticator billinghttp.Authenticator
	Store         *billing.Store
	Engine        *billing.Engine
	Sweeper       *billing.Sweeper
	Settings      *settings.Store
	Meters        *billing.MeterAdmin
}

// RegisterAdminRoutes registers the health check and the admin-key billing routes.
func RegisterAdminRoutes(r *gin.Engine, opts Options) {
	if r == nil {
		return
	}

	healthHandler := handlers.NewHealthHandler(opts.DB)
	r.GET("/healthz", healthHandler.Healthz)

	if opts.Store == nil {
		return
	}
	admin := r.Group("/v0/billing/admin")
	admin.Use(
		billinghttp.AccessAuthMiddleware(opts.Authenticator),
		billinghttp.AdminOnlyMiddleware(),
	)

	balanceHandler := handlers.NewBalanceHandler(opts.Store)
	admin.GET("/balances", balanceHandler.List)

	if opts.Engine != nil {
		refundHandler := handlers.NewRefundHandler(opts.Engine)
		admin.POST("/refunds", refundHandler.Create)
	}

	reconcileHandler := handlers.NewReconcileHandler(opts.Sweeper)
	admin.POST("/reconcile", reconcileHandler.Run)

	meterHandler := handlers.NewMeterHandler(opts.Meters)
	admin.GET("/meters", meterHandler.List)
	admin.POST("/meters", meterHandler.Create)
	admin.GET("/meters/:id", meterHandler.Get)
	admin.PATCH("/meters/:id", meterHandler.Update)
	admin.POST("/meters/:id/deactivate", meterHandler.Deactivate)
	admin.GET("/provider/check", meterHandler.Check)

	if opts.Settings != nil {
		settingsHandler := handlers.NewSettingsHandler(opts.Settings)
		admin.GET("/settings", settingsHandler.List)
		admin.PUT("/settings/:key", settingsHandler.Update)
	}
}
