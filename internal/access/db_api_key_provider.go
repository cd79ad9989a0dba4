package access

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/router-for-me/CLIProxyAPIBilling/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ProviderTypeDBAPIKey identifies the database API key access provider.
const ProviderTypeDBAPIKey = "db-api-key"

// Authentication failures.
var (
	// ErrNoCredentials means the request carried no API key.
	ErrNoCredentials = errors.New("missing api key")
	// ErrInvalidCredential means the key is unknown, inactive, revoked or expired.
	ErrInvalidCredential = errors.New("invalid api key")
)

// Result is a successful authentication.
type Result struct {
	Provider  string
	Principal string
	IsAdmin   bool
	Metadata  map[string]string
}

// DBAPIKeyProvider authenticates requests using API keys stored in the database.
type DBAPIKeyProvider struct {
	db *gorm.DB

	name string

	header       string
	scheme       string
	allowXAPIKey bool

	bypassPathPrefixes []string

	now func() time.Time
}

// Options tune how the provider reads credentials.
type Options struct {
	Header             string   // Defaults to Authorization.
	Scheme             string   // Defaults to Bearer.
	DisableXAPIKey     bool     // Ignore the X-API-Key header.
	BypassPathPrefixes []string // Paths served without a key.
}

// NewDBAPIKeyProvider builds the provider over db.
func NewDBAPIKeyProvider(db *gorm.DB, opts Options) (*DBAPIKeyProvider, error) {
	if db == nil {
		return nil, fmt.Errorf("db api key provider: nil db")
	}
	p := &DBAPIKeyProvider{
		db:   db,
		name: ProviderTypeDBAPIKey,

		header:       "Authorization",
		scheme:       "Bearer",
		allowXAPIKey: !opts.DisableXAPIKey,

		now: time.Now,
	}
	if v := strings.TrimSpace(opts.Header); v != "" {
		p.header = v
	}
	if v := strings.TrimSpace(opts.Scheme); v != "" {
		p.scheme = v
	}
	for _, raw := range opts.BypassPathPrefixes {
		if trimmed := strings.TrimSpace(raw); trimmed != "" {
			p.bypassPathPrefixes = append(p.bypassPathPrefixes, trimmed)
		}
	}
	return p, nil
}

// Identifier returns the configured provider name.
func (p *DBAPIKeyProvider) Identifier() string { return p.name }

// Authenticate validates the request API key. A nil result with a nil error
// means the path bypasses authentication.
func (p *DBAPIKeyProvider) Authenticate(ctx context.Context, r *http.Request) (*Result, error) {
	if p == nil || p.db == nil || r == nil {
		return nil, errors.New("db api key provider: not configured")
	}

	path := ""
	if r.URL != nil {
		path = r.URL.Path
	}
	for _, prefix := range p.bypassPathPrefixes {
		if strings.HasPrefix(path, prefix) {
			return nil, nil
		}
	}

	token := extractToken(r, p.header, p.scheme, p.allowXAPIKey)
	if token == "" {
		return nil, ErrNoCredentials
	}

	var apiKey models.APIKey
	err := p.db.WithContext(ctx).
		Where("api_key = ? AND active = ? AND revoked_at IS NULL", token, true).
		First(&apiKey).Error
	switch {
	case err == nil:
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, ErrInvalidCredential
	default:
		return nil, fmt.Errorf("db api key provider: query failed: %w", err)
	}

	now := p.now().UTC()
	if apiKey.ExpiresAt != nil && !apiKey.ExpiresAt.After(now) {
		return nil, ErrInvalidCredential
	}

	if errUpdate := p.db.WithContext(ctx).Model(&models.APIKey{}).
		Where("id = ?", apiKey.ID).
		Update("last_used_at", &now).Error; errUpdate != nil {
		log.WithError(errUpdate).WithField("api_key_id", apiKey.ID).Debug("db api key provider: last_used_at update failed")
	}

	meta := map[string]string{
		"api_key_id":   strconv.FormatUint(apiKey.ID, 10),
		"api_key_name": apiKey.Name,
		"is_admin":     strconv.FormatBool(apiKey.IsAdmin),
	}
	if apiKey.UserID != "" {
		meta["user_id"] = apiKey.UserID
	}
	if apiKey.TeamID != "" {
		meta["team_id"] = apiKey.TeamID
	}
	if apiKey.EndUserID != "" {
		meta["end_user_id"] = apiKey.EndUserID
	}

	return &Result{
		Provider:  p.name,
		Principal: strconv.FormatUint(apiKey.ID, 10),
		IsAdmin:   apiKey.IsAdmin,
		Metadata:  meta,
	}, nil
}

// extractToken extracts an API key token from headers.
func extractToken(r *http.Request, header string, scheme string, allowXAPIKey bool) string {
	val := strings.TrimSpace(r.Header.Get(header))
	if val != "" && scheme != "" {
		prefix := scheme + " "
		if strings.HasPrefix(val, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(val, prefix))
		}
	}
	if val != "" && scheme == "" {
		return val
	}
	if allowXAPIKey {
		if v := strings.TrimSpace(r.Header.Get("X-API-Key")); v != "" {
			return v
		}
	}
	return ""
}
