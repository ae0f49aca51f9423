package eligibility

import (
	"context"
	"time"

	"github.com/schemewise/governance/internal/settings"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	defaultRetentionInterval = 6 * time.Hour
	defaultDeleteBatchSize   = 5000
	maxDeleteBatchesPerRun   = 2000
)

// HistoryRetentionCleaner periodically deletes old rows from eligibility_checks.
type HistoryRetentionCleaner struct {
	db          *gorm.DB
	interval    time.Duration
	batchSize   int
	defaultDays int
	now         func() time.Time
}

// NewHistoryRetentionCleaner builds a cleaner. defaultDays applies until the
// CHECK_HISTORY_RETENTION_DAYS setting overrides it; zero or less keeps history forever.
func NewHistoryRetentionCleaner(db *gorm.DB, defaultDays int) *HistoryRetentionCleaner {
	if db == nil {
		return nil
	}
	return &HistoryRetentionCleaner{
		db:          db,
		interval:    defaultRetentionInterval,
		batchSize:   defaultDeleteBatchSize,
		defaultDays: defaultDays,
		now:         time.Now,
	}
}

// Start launches the cleanup loop in a background goroutine.
func (c *HistoryRetentionCleaner) Start(ctx context.Context) {
	if c == nil {
		return
	}
	go c.run(ctx)
	log.Infof("check history retention cleaner started (interval=%s)", c.interval)
}

func (c *HistoryRetentionCleaner) run(ctx context.Context) {
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

// CleanupOnce deletes expired rows in batches and returns how many went.
func (c *HistoryRetentionCleaner) CleanupOnce(ctx context.Context) int64 {
	if c == nil || c.db == nil {
		return 0
	}
	retentionDays := settings.Int(settings.CheckHistoryRetentionDaysKey, c.defaultDays)
	if retentionDays <= 0 {
		return 0
	}
	cutoff := c.now().UTC().AddDate(0, 0, -retentionDays)

	var deleted int64
	for i := 0; i < maxDeleteBatchesPerRun; i++ {
		if ctx.Err() != nil {
			break
		}
		n, err := c.deleteBatch(ctx, cutoff)
		if err != nil {
			log.WithError(err).Warn("check history retention cleaner: delete batch failed")
			break
		}
		if n <= 0 {
			break
		}
		deleted += n
	}
	if deleted > 0 {
		log.Infof("check history retention cleaner: deleted %d rows (cutoff=%s retention_days=%d)", deleted, cutoff.Format(time.RFC3339), retentionDays)
	}
	return deleted
}

func (c *HistoryRetentionCleaner) deleteBatch(ctx context.Context, cutoff time.Time) (int64, error) {
	limit := c.batchSize
	if limit <= 0 {
		limit = defaultDeleteBatchSize
	}
	// A limited subquery keeps each transaction short.
	res := c.db.WithContext(ctx).Exec(`
		DELETE FROM eligibility_checks
		WHERE id IN (
			SELECT id FROM eligibility_checks
			WHERE created_at < ?
			ORDER BY created_at ASC
			LIMIT ?
		)
	`, cutoff, limit)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
