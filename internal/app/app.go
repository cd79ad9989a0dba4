package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/access"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/alerts"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/billing"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/config"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/db"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/http/api/admin"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/http/api/front"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/http/api/ingest"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/logging"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/models"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/security"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/settings"
	stripeclient "github.com/router-for-me/CLIProxyAPIBilling/internal/stripe"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/usage"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/util"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const settingsRefreshSchedule = "@every 1m"

// CreateAPIKeyParams holds inputs for API key creation.
type CreateAPIKeyParams struct {
	Name      string
	Admin     bool
	UserID    string
	TeamID    string
	EndUserID string
	ExpiresIn time.Duration
}

// Components holds the billing services shared by the HTTP surface and the
// background jobs.
type Components struct {
	DB         *gorm.DB
	Settings   *settings.Store
	Redis      goredis.UniversalClient
	Provider   billing.Provider
	Store      *billing.Store
	Engine     *billing.Engine
	Dispatcher *billing.Dispatcher
	Reconciler *billing.Reconciler
	Topups     *billing.TopupInitiator
	Sweeper    *billing.Sweeper
	Meters     *billing.MeterAdmin
	APIKeys    *access.DBAPIKeyProvider
	Usage      *usage.GormUsagePlugin
	Retention  *usage.UsagesRetentionCleaner
}

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg *config.Config) error {
	conn, err := db.Open(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer closeDB(conn)
	return db.Migrate(conn.WithContext(ctx))
}

// CreateAPIKey stores a new API key bound to a user or team and returns the
// row together with the plaintext key.
func CreateAPIKey(ctx context.Context, cfg *config.Config, params CreateAPIKeyParams) (*models.APIKey, error) {
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return nil, errors.New("app: api key name is required")
	}
	conn, err := db.Open(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	defer closeDB(conn)
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return nil, errMigrate
	}

	token, errGenerate := security.GenerateAPIKey()
	if errGenerate != nil {
		return nil, errGenerate
	}
	row := models.APIKey{
		Name:      name,
		APIKey:    token,
		UserID:    strings.TrimSpace(params.UserID),
		TeamID:    strings.TrimSpace(params.TeamID),
		EndUserID: strings.TrimSpace(params.EndUserID),
		IsAdmin:   params.Admin,
		Active:    true,
	}
	if params.ExpiresIn > 0 {
		expiresAt := time.Now().UTC().Add(params.ExpiresIn)
		row.ExpiresAt = &expiresAt
	}
	if errCreate := conn.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return nil, fmt.Errorf("app: create api key: %w", errCreate)
	}
	log.WithFields(log.Fields{
		"api_key_id": row.ID,
		"name":       row.Name,
		"admin":      row.IsAdmin,
		"key":        security.MaskAPIKey(token),
	}).Info("api key created")
	return &row, nil
}

// IssueServiceToken signs a usage ingest token for the named service.
func IssueServiceToken(cfg *config.Config, service string, ttl time.Duration) (string, error) {
	return security.GenerateServiceToken(cfg.Auth.ServiceJWTSecret, service, []string{security.ScopeUsageIngest}, ttl)
}

// Build wires the billing services over an open, migrated database.
func Build(ctx context.Context, cfg *config.Config, conn *gorm.DB) (*Components, error) {
	c := &Components{DB: conn}

	c.Settings = settings.NewStore(conn)
	if errRefresh := c.Settings.Refresh(ctx); errRefresh != nil {
		log.WithError(errRefresh).Warn("settings: initial refresh failed, using defaults")
	}

	if strings.TrimSpace(cfg.Billing.APIKey) != "" {
		c.Provider = stripeclient.NewClient(cfg.Billing)
		log.WithFields(log.Fields{
			"stripe_key": util.HideAPIKey(cfg.Billing.APIKey),
			"production": cfg.Billing.IsProduction(),
		}).Info("billing: stripe client configured")
	} else {
		log.Warn("billing: no stripe api key configured, top-ups and provider modes are disabled")
	}
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		c.Redis = goredis.NewClient(&goredis.Options{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	c.Store = billing.NewStore(conn, c.Settings)
	var autoTopup *billing.AutoTopup
	if c.Provider != nil {
		autoTopup = billing.NewAutoTopup(c.Store, c.Provider, cfg.Billing.Currency)
	}
	c.Engine = billing.NewEngine(c.Store, alerts.NewNotifier(c.Redis, c.Settings), autoTopup)

	resolver, errResolver := billing.NewResolver(cfg.Billing.ChargeBy)
	if errResolver != nil {
		return nil, errResolver
	}
	dispatcher, errDispatcher := billing.NewDispatcher(cfg.Billing, resolver, c.Engine, c.Store, c.Provider)
	if errDispatcher != nil {
		return nil, errDispatcher
	}
	c.Dispatcher = dispatcher
	log.WithFields(log.Fields{
		"modes":     dispatcher.Modes(),
		"charge_by": cfg.Billing.ChargeBy,
	}).Info("billing: dispatcher configured")

	c.Reconciler = billing.NewReconciler(c.Store, cfg.Billing)
	c.Topups = billing.NewTopupInitiator(c.Store, c.Provider, cfg.Billing)
	if c.Provider != nil {
		c.Sweeper = billing.NewSweeper(c.Provider, c.Reconciler, c.Settings)
		c.Meters = billing.NewMeterAdmin(c.Provider, cfg.Billing)
	}

	apiKeys, errAPIKeys := access.NewDBAPIKeyProvider(conn, access.Options{
		BypassPathPrefixes: []string{"/healthz", "/metrics", "/v0/billing/webhook", "/v0/internal"},
	})
	if errAPIKeys != nil {
		return nil, errAPIKeys
	}
	c.APIKeys = apiKeys
	c.Usage = usage.NewGormUsagePlugin(conn, dispatcher)
	c.Retention = usage.NewUsagesRetentionCleaner(conn, c.Settings)
	return c, nil
}

// Close waits for in-flight billing work and releases external connections.
func (c *Components) Close() {
	if c == nil {
		return
	}
	if c.Dispatcher != nil {
		c.Dispatcher.Wait()
	}
	if c.Engine != nil {
		c.Engine.Wait()
	}
	if c.Redis != nil {
		if errClose := c.Redis.Close(); errClose != nil {
			log.WithError(errClose).Warn("redis: close failed")
		}
	}
}

// NewRouter builds the gin engine serving every billing route.
func NewRouter(cfg *config.Config, comps *Components) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), logging.RequestIDMiddleware(), logging.GinLogger())

	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	admin.RegisterAdminRoutes(engine, admin.Options{
		DB:            comps.DB,
		Authenticator: comps.APIKeys,
		Store:         comps.Store,
		Engine:        comps.Engine,
		Sweeper:       comps.Sweeper,
		Settings:      comps.Settings,
		Meters:        comps.Meters,
	})
	front.RegisterFrontRoutes(engine, front.Options{
		DB:                 comps.DB,
		Authenticator:      comps.APIKeys,
		Resolver:           comps.Dispatcher.Resolver(),
		UnresolvedIdentity: cfg.Billing.UnresolvedIdentity,
		Store:              comps.Store,
		Topups:             comps.Topups,
	})
	ingest.RegisterIngestRoutes(engine, ingest.Options{
		Reconciler:       comps.Reconciler,
		Usage:            comps.Usage,
		ServiceJWTSecret: cfg.Auth.ServiceJWTSecret,
	})
	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return engine
}

// RunServer boots the billing API and its background jobs and blocks until
// ctx is cancelled or the listener fails.
func RunServer(ctx context.Context, cfg *config.Config) error {
	conn, err := db.Open(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer closeDB(conn)
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}

	components, err := Build(ctx, cfg, conn)
	if err != nil {
		return err
	}

	scheduler := cron.New()
	if _, errAdd := scheduler.AddFunc(settingsRefreshSchedule, func() {
		if errRefresh := components.Settings.Refresh(ctx); errRefresh != nil {
			log.WithError(errRefresh).Warn("settings: refresh failed")
		}
	}); errAdd != nil {
		return fmt.Errorf("app: schedule settings refresh: %w", errAdd)
	}
	if components.Sweeper != nil {
		if _, errSchedule := components.Sweeper.Schedule(ctx, scheduler, cfg.Billing.ReconcileSchedule); errSchedule != nil {
			return errSchedule
		}
	}
	scheduler.Start()
	components.Retention.Start(ctx)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           NewRouter(cfg, components),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Infof("billing server listening on %s", cfg.Server.Addr)
		if errServe := srv.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", errServe)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		errShutdown := srv.Shutdown(shutdownCtx)
		cronDone := scheduler.Stop()
		components.Close()
		select {
		case <-cronDone.Done():
		case <-shutdownCtx.Done():
			log.Warn("app: shutdown timed out waiting for scheduled jobs")
		}
		log.Info("billing server stopped")
		return errShutdown
	})
	return group.Wait()
}

func closeDB(conn *gorm.DB) {
	if conn == nil {
		return
	}
	if sqlDB, errDB := conn.DB(); errDB == nil {
		_ = sqlDB.Close()
	}
}
