package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hragent/usageguard/internal/models"
	"github.com/hragent/usageguard/internal/util"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const dbTimeout = 5 * time.Second

// RefreshDBConfigSnapshot reloads all settings from the database and updates the in-memory snapshot.
//
// Call it at process startup; until then DBConfigValue reports every key as absent.
func RefreshDBConfigSnapshot(ctx context.Context, db *gorm.DB) error {
	if db == nil {
		return errors.New("settings: nil db")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	dbCtx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var rows []models.Setting
	if errFind := db.WithContext(dbCtx).
		Select("key", "value", "updated_at").
		Order("key ASC").
		Find(&rows).Error; errFind != nil {
		return fmt.Errorf("settings: load: %w", errFind)
	}

	values := make(map[string]json.RawMessage, len(rows))
	maxUpdatedAt := time.Time{}
	for _, row := range rows {
		key := strings.TrimSpace(row.Key)
		if key == "" {
			continue
		}
		values[key] = row.Value
		if rowUpdatedAt := row.UpdatedAt.UTC(); rowUpdatedAt.After(maxUpdatedAt) {
			maxUpdatedAt = rowUpdatedAt
		}
	}

	StoreDBConfig(maxUpdatedAt, values)
	return nil
}

// SaveDBConfigValue upserts one setting as JSON and refreshes the snapshot.
func SaveDBConfigValue(ctx context.Context, db *gorm.DB, key string, value any) error {
	if db == nil {
		return errors.New("settings: nil db")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("settings: empty key")
	}
	raw, errMarshal := json.Marshal(value)
	if errMarshal != nil {
		return fmt.Errorf("settings: encode %s: %w", key, errMarshal)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	dbCtx, cancel := context.WithTimeout(ctx, dbTimeout)
	row := models.Setting{Key: key, Value: raw, UpdatedAt: time.Now().UTC()}
	errSave := db.WithContext(dbCtx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
	cancel()
	if errSave != nil {
		return fmt.Errorf("settings: save %s: %w", key, errSave)
	}
	return RefreshDBConfigSnapshot(ctx, db)
}

// SnapshotRefresher periodically reloads the settings snapshot so operator edits
// take effect without a restart.
type SnapshotRefresher struct {
	db       *gorm.DB
	interval time.Duration
}

// NewSnapshotRefresher returns nil when db is nil.
func NewSnapshotRefresher(db *gorm.DB, interval time.Duration) *SnapshotRefresher {
	if db == nil {
		return nil
	}
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &SnapshotRefresher{db: db, interval: interval}
}

// Start launches the refresh loop in a background goroutine.
func (r *SnapshotRefresher) Start(ctx context.Context) {
	if r == nil {
		return
	}
	go util.RunEvery(ctx, r.interval, false, r.refresh)
	log.Infof("settings refresher started (interval=%s)", r.interval)
}

func (r *SnapshotRefresher) refresh(ctx context.Context) {
	if errRefresh := RefreshDBConfigSnapshot(ctx, r.db); errRefresh != nil && ctx.Err() == nil {
		log.WithError(errRefresh).Warn("settings refresher: reload failed")
	}
}
