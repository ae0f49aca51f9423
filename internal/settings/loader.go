package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/schemewise/governance/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RefreshDBConfigSnapshot reloads all settings from the database and updates the in-memory snapshot.
// It must run once at startup; until then every lookup falls back to its default.
func RefreshDBConfigSnapshot(ctx context.Context, db *gorm.DB) error {
	if db == nil {
		return errors.New("settings: nil db")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var rows []models.Setting
	if errFind := db.WithContext(ctx).
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
		if row.UpdatedAt.UTC().After(maxUpdatedAt) {
			maxUpdatedAt = row.UpdatedAt.UTC()
		}
	}

	StoreDBConfig(maxUpdatedAt, values)
	return nil
}

// Put upserts one setting and refreshes the snapshot so the change is visible immediately.
func Put(ctx context.Context, db *gorm.DB, key string, value any) error {
	if db == nil {
		return errors.New("settings: nil db")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("settings: empty key")
	}
	payload, errMarshal := json.Marshal(value)
	if errMarshal != nil {
		return fmt.Errorf("settings: encode %s: %w", key, errMarshal)
	}
	row := models.Setting{Key: key, Value: payload, UpdatedAt: time.Now().UTC()}
	if errUpsert := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error; errUpsert != nil {
		return fmt.Errorf("settings: put %s: %w", key, errUpsert)
	}
	return RefreshDBConfigSnapshot(ctx, db)
}

// Refresher periodically reloads the settings snapshot.
type Refresher struct {
	db *gorm.DB
}

// NewRefresher returns nil when db is nil.
func NewRefresher(db *gorm.DB) *Refresher {
	if db == nil {
		return nil
	}
	return &Refresher{db: db}
}

// Start launches the reload loop in a background goroutine.
func (r *Refresher) Start(ctx context.Context) {
	if r == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go r.run(ctx)
}

func (r *Refresher) run(ctx context.Context) {
	for {
		timer := time.NewTimer(interval())
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
		if errRefresh := RefreshDBConfigSnapshot(ctx, r.db); errRefresh != nil && ctx.Err() == nil {
			log.WithError(errRefresh).Warn("settings refresher: reload failed")
		}
	}
}

func interval() time.Duration {
	seconds := Int(RefreshIntervalSecondsKey, DefaultRefreshIntervalSeconds)
	if seconds < minRefreshIntervalSeconds {
		seconds = minRefreshIntervalSeconds
	}
	return time.Duration(seconds) * time.Second
}
