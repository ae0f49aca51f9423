// Package ledger keeps the durable per-service usage counters.
package ledger

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/schemewise/governance/internal/apperr"
	"github.com/schemewise/governance/internal/metrics"
	"github.com/schemewise/governance/internal/models"
	"github.com/schemewise/governance/internal/services"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxCASAttempts = 32

// Options tunes a Ledger.
type Options struct {
	// BackfillIdleDays records zero snapshots for days with no usage.
	BackfillIdleDays bool
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Ledger records metered usage. Increments for one service are serialized in-process and
// guarded across processes by a version compare-and-swap on the row.
type Ledger struct {
	db       *gorm.DB
	registry *services.Registry
	backfill bool
	now      func() time.Time

	locks sync.Map // service name -> *sync.Mutex
}

// New builds a Ledger over db.
func New(db *gorm.DB, registry *services.Registry, opts Options) *Ledger {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Ledger{db: db, registry: registry, backfill: opts.BackfillIdleDays, now: now}
}

// Registry exposes the service table the ledger meters against.
func (l *Ledger) Registry() *services.Registry {
	return l.registry
}

// RecordUsage adds amount to the category's today and total counters of service,
// rolling the entry over first when the day changed since its last use.
func (l *Ledger) RecordUsage(ctx context.Context, service string, amount float64, category models.Category) (models.UsageLedger, error) {
	const op = "ledger.RecordUsage"
	if !category.Valid() {
		return models.UsageLedger{}, apperr.Errorf(apperr.KindInvalidInput, op, "unknown category %q", category)
	}
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
		return models.UsageLedger{}, apperr.Errorf(apperr.KindInvalidInput, op, "amount must be positive, got %v", amount)
	}
	def, errResolve := l.registry.Resolve(op, service)
	if errResolve != nil {
		return models.UsageLedger{}, errResolve
	}

	mu := l.lockFor(def.Name)
	mu.Lock()
	defer mu.Unlock()

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		if errCtx := ctx.Err(); errCtx != nil {
			return models.UsageLedger{}, apperr.E(apperr.KindInternal, op, errCtx)
		}
		entry, errLoad := l.loadOrCreate(ctx, def)
		if errLoad != nil {
			return models.UsageLedger{}, apperr.E(apperr.KindInternal, op, errLoad)
		}

		now := l.now().UTC()
		rolled, errRoll := Apply(&entry, now, def.Location(), l.backfill)
		if errRoll != nil {
			return models.UsageLedger{}, apperr.E(apperr.KindInternal, op, errRoll)
		}
		switch category {
		case models.CategoryRegistered:
			entry.TodayRegisteredUsage += amount
			entry.TotalRegisteredUsage += amount
		case models.CategoryPublic:
			entry.TodayPublicUsage += amount
			entry.TotalPublicUsage += amount
		}
		entry.LastUsedAt = &now
		syncDefinition(&entry, def)

		res := l.db.WithContext(ctx).
			Model(&models.UsageLedger{}).
			Where("service_name = ? AND version = ?", def.Name, entry.Version).
			Updates(map[string]any{
				"provider":               entry.Provider,
				"unit":                   entry.Unit,
				"daily_limit":            entry.DailyLimit,
				"time_zone":              entry.TimeZone,
				"today_registered_usage": entry.TodayRegisteredUsage,
				"total_registered_usage": entry.TotalRegisteredUsage,
				"today_public_usage":     entry.TodayPublicUsage,
				"total_public_usage":     entry.TotalPublicUsage,
				"history":                entry.History,
				"last_used_at":           now,
				"version":                entry.Version + 1,
				"updated_at":             now,
			})
		if res.Error != nil {
			return models.UsageLedger{}, apperr.E(apperr.KindInternal, op, res.Error)
		}
		if res.RowsAffected == 1 {
			entry.Version++
			entry.UpdatedAt = now
			if rolled {
				metrics.LedgerRollovers.WithLabelValues(def.Name).Inc()
				log.WithField("service", def.Name).Debug("ledger: day rollover archived")
			}
			metrics.LedgerUsage.WithLabelValues(def.Name, string(category)).Add(amount)
			return entry, nil
		}

		// Another process won the race; reload and reapply.
		if errWait := backoff(ctx, attempt); errWait != nil {
			return models.UsageLedger{}, apperr.E(apperr.KindInternal, op, errWait)
		}
	}
	log.WithField("service", def.Name).Warn("ledger: gave up after repeated version conflicts")
	return models.UsageLedger{}, apperr.Errorf(apperr.KindContention, op, "service %s: %d version conflicts", def.Name, maxCASAttempts)
}

// CheckQuota reports whether estimate more units fit under service's daily limit.
// Counters from an earlier day count as zero. Nothing is written.
func (l *Ledger) CheckQuota(ctx context.Context, service string, estimate float64) (bool, error) {
	const op = "ledger.CheckQuota"
	if math.IsNaN(estimate) || math.IsInf(estimate, 0) || estimate < 0 {
		return false, apperr.Errorf(apperr.KindInvalidInput, op, "estimate must not be negative, got %v", estimate)
	}
	def, errResolve := l.registry.Resolve(op, service)
	if errResolve != nil {
		return false, errResolve
	}
	if def.DailyLimit <= 0 {
		return true, nil
	}
	entry, errGet := l.Get(ctx, def.Name)
	if errGet != nil {
		return false, errGet
	}
	return entry.TodayUsage()+estimate <= float64(def.DailyLimit), nil
}

// Get returns service's entry as of now: a pending rollover is applied to the returned copy
// but not persisted. A service never used yet yields a zero entry.
func (l *Ledger) Get(ctx context.Context, service string) (models.UsageLedger, error) {
	const op = "ledger.Get"
	def, errResolve := l.registry.Resolve(op, service)
	if errResolve != nil {
		return models.UsageLedger{}, errResolve
	}
	entry, found, errFind := l.find(ctx, def.Name)
	if errFind != nil {
		return models.UsageLedger{}, apperr.E(apperr.KindInternal, op, errFind)
	}
	if !found {
		entry = newEntry(def)
	}
	if _, errRoll := Apply(&entry, l.now(), def.Location(), l.backfill); errRoll != nil {
		return models.UsageLedger{}, apperr.E(apperr.KindInternal, op, errRoll)
	}
	syncDefinition(&entry, def)
	return entry, nil
}

// List returns Get for every known service, ordered by name.
func (l *Ledger) List(ctx context.Context) ([]models.UsageLedger, error) {
	names := l.registry.Names()
	out := make([]models.UsageLedger, 0, len(names))
	for _, name := range names {
		entry, errGet := l.Get(ctx, name)
		if errGet != nil {
			return nil, errGet
		}
		out = append(out, entry)
	}
	return out, nil
}

func (l *Ledger) lockFor(service string) *sync.Mutex {
	mu, _ := l.locks.LoadOrStore(service, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (l *Ledger) find(ctx context.Context, service string) (models.UsageLedger, bool, error) {
	var entry models.UsageLedger
	errFind := l.db.WithContext(ctx).Where("service_name = ?", service).Take(&entry).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return models.UsageLedger{}, false, nil
	}
	if errFind != nil {
		return models.UsageLedger{}, false, errFind
	}
	return entry, true, nil
}

// loadOrCreate reads the entry, inserting it first when missing. Concurrent first uses
// from several processes converge on the single row the unique index allows.
func (l *Ledger) loadOrCreate(ctx context.Context, def services.Definition) (models.UsageLedger, error) {
	entry, found, errFind := l.find(ctx, def.Name)
	if errFind != nil || found {
		return entry, errFind
	}
	fresh := newEntry(def)
	if errCreate := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "service_name"}}, DoNothing: true}).
		Create(&fresh).Error; errCreate != nil {
		return models.UsageLedger{}, errCreate
	}
	entry, found, errFind = l.find(ctx, def.Name)
	if errFind != nil {
		return models.UsageLedger{}, errFind
	}
	if !found {
		return models.UsageLedger{}, errors.New("ledger entry vanished after create")
	}
	return entry, nil
}

func newEntry(def services.Definition) models.UsageLedger {
	entry := models.UsageLedger{ServiceName: def.Name}
	syncDefinition(&entry, def)
	_ = entry.SetSnapshots(nil)
	return entry
}

// syncDefinition copies the configured metering fields onto entry.
func syncDefinition(entry *models.UsageLedger, def services.Definition) {
	entry.Provider = def.Provider
	entry.Unit = def.Unit
	entry.DailyLimit = def.DailyLimit
	entry.TimeZone = def.TimeZone
}

func backoff(ctx context.Context, attempt int) error {
	timer := time.NewTimer(time.Duration(attempt+1) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
