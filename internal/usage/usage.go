package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/billing"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/logging"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/models"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Record is one completed LLM request reported by the proxy pipeline.
type Record struct {
	RequestID    string          `json:"request_id"`
	Provider     string          `json:"provider"`
	Model        string          `json:"model"`
	EndUserID    string          `json:"end_user_id"`
	UserID       string          `json:"user_id"`
	TeamID       string          `json:"team_id"`
	APIKeyID     *uint64         `json:"api_key_id,omitempty"`
	RequestedAt  time.Time       `json:"requested_at"`
	Failed       bool            `json:"failed"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	TotalTokens  int64           `json:"total_tokens"`
	Cost         decimal.Decimal `json:"cost"`
}

// Plugin receives usage records from the proxy pipeline.
type Plugin interface {
	HandleUsage(ctx context.Context, record Record) (*models.Usage, error)
}

// GormUsagePlugin persists usage records and hands them to the billing dispatcher.
type GormUsagePlugin struct {
	db         *gorm.DB
	dispatcher *billing.Dispatcher
}

var _ Plugin = (*GormUsagePlugin)(nil)

// NewGormUsagePlugin constructs a GormUsagePlugin backed by GORM.
func NewGormUsagePlugin(db *gorm.DB, dispatcher *billing.Dispatcher) *GormUsagePlugin {
	return &GormUsagePlugin{db: db, dispatcher: dispatcher}
}

// HandleUsage records the request and dispatches it to every active billing
// mode in the background. The returned row reflects the state before billing
// finishes; the dispatch outcome is written back to it later.
func (p *GormUsagePlugin) HandleUsage(ctx context.Context, record Record) (*models.Usage, error) {
	if p == nil || p.db == nil {
		return nil, errors.New("usage: plugin not configured")
	}
	if record.Cost.IsNegative() {
		return nil, fmt.Errorf("%w: negative cost %s", billing.ErrInvalidAmount, record.Cost)
	}
	mergeAccessMetadata(ctx, &record)

	requestID := strings.TrimSpace(record.RequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	totalTokens := record.TotalTokens
	if totalTokens == 0 {
		totalTokens = record.InputTokens + record.OutputTokens
	}

	rc := billing.RequestContext{
		RequestID: requestID,
		EndUserID: record.EndUserID,
		UserID:    record.UserID,
		TeamID:    record.TeamID,
	}
	if record.APIKeyID != nil {
		rc.APIKeyID = strconv.FormatUint(*record.APIKeyID, 10)
	}

	row := models.Usage{
		RequestID:     requestID,
		Provider:      strings.TrimSpace(record.Provider),
		Model:         strings.TrimSpace(record.Model),
		APIKeyID:      record.APIKeyID,
		RequestedAt:   normalizeTime(record.RequestedAt),
		Failed:        record.Failed,
		InputTokens:   record.InputTokens,
		OutputTokens:  record.OutputTokens,
		TotalTokens:   totalTokens,
		Cost:          record.Cost,
		BillingStatus: models.BillingStatusPending,
		CreatedAt:     time.Now().UTC(),
	}
	if p.dispatcher != nil {
		if id, errResolve := p.dispatcher.Resolver().Resolve(rc); errResolve == nil {
			row.CustomerType = string(id.Type)
			row.CustomerID = id.ID
		}
		row.BillingModes = joinModes(p.dispatcher.Modes())
	}
	if record.Failed || p.dispatcher == nil {
		row.BillingStatus = models.BillingStatusSkipped
	}

	dbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if errCreate := p.db.WithContext(dbCtx).Create(&row).Error; errCreate != nil {
		return nil, fmt.Errorf("usage: persist record: %w", errCreate)
	}
	if row.BillingStatus == models.BillingStatusSkipped {
		return &row, nil
	}

	usageID := row.ID
	tokens := billing.TokenUsage{
		PromptTokens:     record.InputTokens,
		CompletionTokens: record.OutputTokens,
		TotalTokens:      totalTokens,
	}
	p.dispatcher.DispatchAsync(ctx, rc, tokens, record.Cost, func(report billing.DispatchReport) {
		p.finish(usageID, report)
	})
	return &row, nil
}

// finish writes the dispatch outcome back to the usage row.
func (p *GormUsagePlugin) finish(usageID uint64, report billing.DispatchReport) {
	status, detail := summarize(report)
	now := time.Now().UTC()
	updates := map[string]any{
		"billing_status": status,
		"billed_at":      now,
	}
	if detail != nil {
		updates["billing_error"] = detail
	}
	if report.Identity.ID != "" {
		updates["customer_type"] = string(report.Identity.Type)
		updates["customer_id"] = report.Identity.ID
	}

	dbCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if errUpdate := p.db.WithContext(dbCtx).
		Model(&models.Usage{}).
		Where("id = ?", usageID).
		Updates(updates).Error; errUpdate != nil {
		log.WithError(errUpdate).WithField("request_id", report.RequestID).Warn("usage plugin: failed to record billing outcome")
	}
}

// summarize maps a dispatch report to a billing status and per-mode error detail.
func summarize(report billing.DispatchReport) (string, datatypes.JSON) {
	errs := map[string]string{}
	if report.Err != nil {
		errs["identity"] = report.Err.Error()
	}
	failed := 0
	shortfall := false
	for _, res := range report.Results {
		if res.Err != nil {
			errs[string(res.Mode)] = res.Err.Error()
			failed++
			continue
		}
		if res.Deduction != nil && !res.Deduction.Covered {
			errs[string(res.Mode)] = "shortfall " + res.Deduction.Shortfall.String()
			shortfall = true
		}
	}

	var status string
	switch {
	case report.Err != nil, len(report.Results) > 0 && failed == len(report.Results):
		status = models.BillingStatusFailed
	case failed > 0, shortfall:
		status = models.BillingStatusPartial
	default:
		status = models.BillingStatusBilled
	}
	if len(errs) == 0 {
		return status, nil
	}
	payload, errMarshal := json.Marshal(errs)
	if errMarshal != nil {
		return status, nil
	}
	return status, datatypes.JSON(payload)
}

// mergeAccessMetadata fills identity fields the record left empty from the
// access metadata and request id stored on a gin context.
func mergeAccessMetadata(ctx context.Context, record *Record) {
	ginCtx := ginContextFrom(ctx)
	if ginCtx == nil {
		return
	}
	if record.RequestID == "" {
		record.RequestID = logging.GetGinRequestID(ginCtx)
	}
	meta := accessMetadata(ginCtx)
	if len(meta) == 0 {
		return
	}
	if record.UserID == "" {
		record.UserID = strings.TrimSpace(meta["user_id"])
	}
	if record.TeamID == "" {
		record.TeamID = strings.TrimSpace(meta["team_id"])
	}
	if record.EndUserID == "" {
		record.EndUserID = strings.TrimSpace(meta["end_user_id"])
	}
	if record.APIKeyID == nil {
		if rawID := strings.TrimSpace(meta["api_key_id"]); rawID != "" {
			if parsed, errParseUint := strconv.ParseUint(rawID, 10, 64); errParseUint == nil {
				record.APIKeyID = &parsed
			}
		}
	}
}

func ginContextFrom(ctx context.Context) *gin.Context {
	if ctx == nil {
		return nil
	}
	if ginCtx, ok := ctx.(*gin.Context); ok {
		return ginCtx
	}
	ginCtx, _ := ctx.Value("gin").(*gin.Context)
	return ginCtx
}

// accessMetadata copies the access metadata stored by the API key middleware.
func accessMetadata(ginCtx *gin.Context) map[string]string {
	v, exists := ginCtx.Get("accessMetadata")
	if !exists {
		return nil
	}
	meta, ok := v.(map[string]string)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, val := range meta {
		out[k] = val
	}
	return out
}

func joinModes(modes []billing.Mode) string {
	parts := make([]string, 0, len(modes))
	for _, mode := range modes {
		parts = append(parts, string(mode))
	}
	return strings.Join(parts, ",")
}

// normalizeTime returns a UTC timestamp, defaulting to now if zero.
func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
