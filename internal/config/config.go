package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is used when no config path is supplied.
const DefaultConfigPath = "config.yaml"

// Charge-by strategies accepted in billing.charge-by.
const (
	ChargeByEndUserID = "end_user_id"
	ChargeByUserID    = "user_id"
	ChargeByTeamID    = "team_id"
)

// Policies for requests whose billing identity cannot be resolved.
const (
	UnresolvedBlockBilling = "block_billing"
	UnresolvedBlockRequest = "block_request"
)

// EnvironmentProduction turns on fail-closed webhook verification.
const EnvironmentProduction = "production"

// AppConfig holds process-level flags.
type AppConfig struct {
	ConfigPath string
}

// Config is the immutable process configuration. It is built once at startup
// and passed by pointer to every component that needs it.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
	Auth     AuthConfig     `yaml:"auth"`
	Billing  BillingConfig  `yaml:"billing"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`             // Listen address.
	ShutdownTimeout time.Duration `yaml:"shutdown-timeout"` // Graceful shutdown window.
}

// DatabaseConfig configures the ledger database.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // Postgres URL/keyword DSN or SQLite path.
}

// RedisConfig configures the optional alert cooldown store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoggingConfig configures logrus output.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`       // text or json.
	File       string `yaml:"file"`         // Optional rotated log file.
	MaxSizeMB  int    `yaml:"max-size-mb"`  // Rotation size.
	MaxBackups int    `yaml:"max-backups"`  // Rotated files to keep.
	MaxAgeDays int    `yaml:"max-age-days"` // Days to keep rotated files.
}

// AuthConfig configures service-to-service authentication.
type AuthConfig struct {
	ServiceJWTSecret string `yaml:"service-jwt-secret"` // HS256 secret for usage ingest tokens.
}

// BillingConfig configures the billing modes and the Stripe integration.
type BillingConfig struct {
	APIKey             string        `yaml:"api-key"`             // Stripe secret key.
	APIBase            string        `yaml:"api-base"`            // Optional Stripe API base URL override.
	PriceID            string        `yaml:"price-id"`            // Subscription price reference.
	MeterEventName     string        `yaml:"meter-event-name"`    // Metered-mode event name.
	ChargeBy           string        `yaml:"charge-by"`           // end_user_id, user_id or team_id.
	UsePrepaidBalance  bool          `yaml:"use-prepaid-balance"` // Enables prepaid deductions.
	BillingMethod      string        `yaml:"billing-method"`      // Explicit comma-separated mode list.
	WebhookSecret      string        `yaml:"webhook-secret"`      // Webhook signing secret.
	Environment        string        `yaml:"environment"`         // production or development.
	Currency           string        `yaml:"currency"`            // Checkout currency.
	UnresolvedIdentity string        `yaml:"unresolved-identity"` // block_billing or block_request.
	MaxTopupAmount     float64       `yaml:"max-topup-amount"`    // Upper bound for a single top-up, 0 disables.
	ReconcileSchedule  string        `yaml:"reconcile-schedule"`  // Cron spec for the reconciliation sweep.
	DispatchTimeout    time.Duration `yaml:"dispatch-timeout"`    // Budget for one async dispatch.
	ProviderTimeout    time.Duration `yaml:"provider-timeout"`    // Budget for one Stripe call.
}

// IsProduction reports whether billing runs in production mode.
func (b BillingConfig) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(b.Environment), EnvironmentProduction)
}

// ResolveConfigPath returns the config path to use.
func ResolveConfigPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultConfigPath
	}
	return filepath.Clean(path)
}

// Load reads the YAML config file (optional when it does not exist), applies
// .env and environment overrides, fills defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	path = ResolveConfigPath(path)

	data, errRead := os.ReadFile(path)
	switch {
	case errRead == nil:
		if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
		}
	case errors.Is(errRead, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("config: read %s: %w", path, errRead)
	}

	loadDotEnv(filepath.Dir(path))
	applyEnv(cfg)
	applyDefaults(cfg)

	if errValidate := cfg.Validate(); errValidate != nil {
		return nil, errValidate
	}
	return cfg, nil
}

// LoadDatabaseDSN loads only the database DSN from the config file and env.
func LoadDatabaseDSN(path string) (string, error) {
	cfg, err := Load(path)
	if err != nil {
		return "", err
	}
	if cfg.Database.DSN == "" {
		return "", errors.New("config: database.dsn is empty")
	}
	return cfg.Database.DSN, nil
}

// Validate checks the enumerated options.
func (c *Config) Validate() error {
	switch c.Billing.ChargeBy {
	case ChargeByEndUserID, ChargeByUserID, ChargeByTeamID:
	default:
		return fmt.Errorf("config: unsupported billing.charge-by %q, want one of %s, %s, %s",
			c.Billing.ChargeBy, ChargeByEndUserID, ChargeByUserID, ChargeByTeamID)
	}
	switch c.Billing.UnresolvedIdentity {
	case UnresolvedBlockBilling, UnresolvedBlockRequest:
	default:
		return fmt.Errorf("config: unsupported billing.unresolved-identity %q", c.Billing.UnresolvedIdentity)
	}
	if c.Billing.MaxTopupAmount < 0 {
		return errors.New("config: billing.max-topup-amount must not be negative")
	}
	return nil
}

// loadDotEnv loads .env files without overriding variables already set.
func loadDotEnv(dir string) {
	candidates := []string{".env"}
	if dir != "" && dir != "." {
		candidates = append(candidates, filepath.Join(dir, ".env"))
	}
	for _, file := range candidates {
		if _, errStat := os.Stat(file); errStat != nil {
			continue
		}
		_ = godotenv.Load(file)
	}
}

// applyEnv overlays environment variables on top of file values.
func applyEnv(cfg *Config) {
	setString(&cfg.Server.Addr, "SERVER_ADDR")
	setString(&cfg.Database.DSN, "DATABASE_URL")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "LOG_FORMAT")
	setString(&cfg.Logging.File, "LOG_FILE")
	setString(&cfg.Auth.ServiceJWTSecret, "SERVICE_JWT_SECRET")

	setString(&cfg.Billing.APIKey, "STRIPE_SECRET_KEY", "STRIPE_SECRET", "STRIPE_API_KEY")
	setString(&cfg.Billing.APIBase, "STRIPE_API_BASE")
	setString(&cfg.Billing.PriceID, "STRIPE_PRICE_ID")
	setString(&cfg.Billing.MeterEventName, "STRIPE_METER_EVENT_NAME")
	setString(&cfg.Billing.ChargeBy, "STRIPE_CHARGE_BY")
	setBool(&cfg.Billing.UsePrepaidBalance, "STRIPE_USE_PREPAID_BALANCE")
	setString(&cfg.Billing.BillingMethod, "STRIPE_BILLING_METHOD")
	setString(&cfg.Billing.WebhookSecret, "STRIPE_WEBHOOK_SECRET")
	setString(&cfg.Billing.Environment, "BILLING_ENVIRONMENT")
	setString(&cfg.Billing.Currency, "BILLING_CURRENCY")
	setString(&cfg.Billing.UnresolvedIdentity, "BILLING_UNRESOLVED_IDENTITY")
	setString(&cfg.Billing.ReconcileSchedule, "BILLING_RECONCILE_SCHEDULE")
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8318"
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	cfg.Billing.ChargeBy = strings.ToLower(strings.TrimSpace(cfg.Billing.ChargeBy))
	if cfg.Billing.ChargeBy == "" {
		cfg.Billing.ChargeBy = ChargeByEndUserID
	}
	cfg.Billing.UnresolvedIdentity = strings.ToLower(strings.TrimSpace(cfg.Billing.UnresolvedIdentity))
	if cfg.Billing.UnresolvedIdentity == "" {
		cfg.Billing.UnresolvedIdentity = UnresolvedBlockBilling
	}
	cfg.Billing.Currency = strings.ToLower(strings.TrimSpace(cfg.Billing.Currency))
	if cfg.Billing.Currency == "" {
		cfg.Billing.Currency = "usd"
	}
	if cfg.Billing.Environment == "" {
		cfg.Billing.Environment = "development"
	}
	if cfg.Billing.ReconcileSchedule == "" {
		cfg.Billing.ReconcileSchedule = "@every 15m"
	}
	if cfg.Billing.DispatchTimeout <= 0 {
		cfg.Billing.DispatchTimeout = 30 * time.Second
	}
	if cfg.Billing.ProviderTimeout <= 0 {
		cfg.Billing.ProviderTimeout = 10 * time.Second
	}
}

// setString assigns the first non-empty variable among keys.
func setString(dst *string, keys ...string) {
	for _, key := range keys {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
			return
		}
	}
}

func setBool(dst *bool, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	parsed, errParse := strconv.ParseBool(strings.TrimSpace(v))
	if errParse != nil {
		return
	}
	*dst = parsed
}

func setInt(dst *int, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	parsed, errParse := strconv.Atoi(strings.TrimSpace(v))
	if errParse != nil {
		return
	}
	*dst = parsed
}
