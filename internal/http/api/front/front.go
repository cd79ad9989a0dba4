package front

import (
	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/billing"
	billinghttp "github.com/router-for-me/CLIProxyAPIBilling/internal/http"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/http/api/front/handlers"
	"gorm.io/gorm"
)

// Options carries the dependencies of the customer billing routes.
type Options struct {
	DB                 *gorm.DB
	Authenticator      billinghttp.Authenticator
	Resolver           billing.Resolver
	UnresolvedIdentity string
	Store              *billing.Store
	Topups             *billing.TopupInitiator
}

// RegisterFrontRoutes registers the API-key authenticated billing routes.
func RegisterFrontRoutes(r *gin.Engine, opts Options) {
	if r == nil || opts.Store == nil {
		return
	}

	front := r.Group("/v0/billing")
	front.Use(
		billinghttp.AccessAuthMiddleware(opts.Authenticator),
		billinghttp.IdentityMiddleware(opts.Resolver, opts.UnresolvedIdentity),
	)

	balanceHandler := handlers.NewBalanceHandler(opts.Store)
	front.GET("/balance", balanceHandler.Get)

	topupHandler := handlers.NewTopupHandler(opts.Topups)
	front.POST("/topup", topupHandler.Create)

	transactionsHandler := handlers.NewTransactionsHandler(opts.Store)
	front.GET("/transactions", transactionsHandler.List)

	autoTopupHandler := handlers.NewAutoTopupHandler(opts.Store)
	front.PUT("/auto-topup", autoTopupHandler.Update)

	if opts.DB != nil {
		usageHandler := handlers.NewUsageHandler(opts.DB)
		front.GET("/usage", usageHandler.List)
	}
}
