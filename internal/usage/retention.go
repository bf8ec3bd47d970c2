package usage

import (
	"context"
	"time"

	"github.com/hragent/usageguard/internal/models"
	"github.com/hragent/usageguard/internal/settings"
	"github.com/hragent/usageguard/internal/util"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	defaultRetentionInterval = 6 * time.Hour
	defaultPruneBatch        = 5000
	maxPruneBatches          = 2000
)

// RetentionCleaner drops day partitions that fall outside USAGE_RETENTION_DAYS.
type RetentionCleaner struct {
	db        *gorm.DB
	now       func() time.Time
	interval  time.Duration
	batchSize int
}

// NewRetentionCleaner returns nil when db is nil.
func NewRetentionCleaner(db *gorm.DB) *RetentionCleaner {
	if db == nil {
		return nil
	}
	return &RetentionCleaner{
		db:        db,
		now:       time.Now,
		interval:  defaultRetentionInterval,
		batchSize: defaultPruneBatch,
	}
}

// Start prunes once right away and then every interval until ctx is done.
func (c *RetentionCleaner) Start(ctx context.Context) {
	if c == nil {
		return
	}
	go util.RunEvery(ctx, c.interval, true, func(ctx context.Context) { c.prune(ctx) })
	log.WithField("interval", c.interval).Info("usage: retention cleaner running")
}

// cutoff is the oldest day partition that is kept. ok is false when the
// retention window is disabled.
func (c *RetentionCleaner) cutoff() (day string, window int64, ok bool) {
	window = settings.DBConfigInt(settings.UsageRetentionDaysKey, settings.DefaultUsageRetentionDays)
	if window <= 0 {
		return "", window, false
	}
	return Partition(c.now().UTC().AddDate(0, 0, -int(window))), window, true
}

// prune deletes partitions older than the cutoff in bounded batches and
// returns the number of rows removed.
func (c *RetentionCleaner) prune(ctx context.Context) int64 {
	cutoff, window, ok := c.cutoff()
	if !ok {
		return 0
	}

	var removed int64
	for batch := 0; batch < maxPruneBatches && ctx.Err() == nil; batch++ {
		n, err := c.pruneBatch(ctx, cutoff)
		if err != nil {
			log.WithError(err).WithField("cutoff", cutoff).Warn("usage: retention batch failed")
			break
		}
		removed += n
		if n == 0 {
			break
		}
	}

	if removed > 0 {
		log.WithFields(log.Fields{"rows": removed, "cutoff": cutoff, "window_days": window}).Info("usage: pruned expired partitions")
	}
	return removed
}

func (c *RetentionCleaner) pruneBatch(ctx context.Context, cutoff string) (int64, error) {
	size := c.batchSize
	if size <= 0 {
		size = defaultPruneBatch
	}
	dbCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	expired := c.db.Model(&models.TokenUsage{}).
		Select("id").
		Where("day < ?", cutoff).
		Order("day ASC").
		Limit(size)
	res := c.db.WithContext(dbCtx).Where("id IN (?)", expired).Delete(&models.TokenUsage{})
	return res.RowsAffected, res.Error
}
