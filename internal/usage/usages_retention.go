package usage

import (
	"context"
	"time"

	"github.com/router-for-me/CLIProxyAPIBilling/internal/models"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/settings"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	defaultUsagesRetentionInterval = 6 * time.Hour
	defaultUsagesDeleteBatchSize   = 5000
	maxDeleteBatchesPerRun         = 2000
)

// UsagesRetentionCleaner periodically deletes old rows from the usages table.
// Rows still pending billing are kept; ledger tables are never touched.
type UsagesRetentionCleaner struct {
	db        *gorm.DB
	settings  *settings.Store
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

func NewUsagesRetentionCleaner(db *gorm.DB, store *settings.Store) *UsagesRetentionCleaner {
	if db == nil {
		return nil
	}
	return &UsagesRetentionCleaner{
		db:        db,
		settings:  store,
		interval:  defaultUsagesRetentionInterval,
		batchSize: defaultUsagesDeleteBatchSize,
		now:       time.Now,
	}
}

// Start launches the cleanup loop in a background goroutine.
func (c *UsagesRetentionCleaner) Start(ctx context.Context) {
	if c == nil {
		return
	}
	go c.run(ctx)
	log.Infof("usages retention cleaner started (interval=%s)", c.interval)
}

func (c *UsagesRetentionCleaner) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		c.CleanupOnce(ctx)
		timer := time.NewTimer(c.interval)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
	}
}

// CleanupOnce deletes usage rows older than the configured retention and
// returns the number removed. A retention of zero days keeps everything.
func (c *UsagesRetentionCleaner) CleanupOnce(ctx context.Context) int64 {
	if c == nil || c.db == nil {
		return 0
	}
	retentionDays := c.settings.Int(settings.UsagesRetentionDaysKey, settings.DefaultUsagesRetentionDays)
	if retentionDays <= 0 {
		return 0
	}

	cutoff := c.now().UTC().AddDate(0, 0, -retentionDays)

	deletedTotal := int64(0)
	for i := 0; i < maxDeleteBatchesPerRun; i++ {
		if ctx.Err() != nil {
			break
		}
		n, err := c.deleteBatch(ctx, cutoff)
		if err != nil {
			log.WithError(err).Warn("usages retention cleaner: delete batch failed")
			break
		}
		if n <= 0 {
			break
		}
		deletedTotal += n
	}

	if deletedTotal > 0 {
		log.Infof("usages retention cleaner: deleted %d rows (cutoff=%s retention_days=%d)", deletedTotal, cutoff.Format(time.RFC3339), retentionDays)
	}
	return deletedTotal
}

func (c *UsagesRetentionCleaner) deleteBatch(ctx context.Context, cutoff time.Time) (int64, error) {
	limit := c.batchSize
	if limit <= 0 {
		limit = defaultUsagesDeleteBatchSize
	}

	// Limited subquery keeps each delete short.
	res := c.db.WithContext(ctx).Exec(`
		DELETE FROM usages
		WHERE id IN (
			SELECT id FROM usages
			WHERE requested_at < ? AND billing_status <> ?
			ORDER BY requested_at ASC
			LIMIT ?
		)
	`, cutoff, models.BillingStatusPending, limit)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
