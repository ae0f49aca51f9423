package guest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/schemewise/governance/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CounterStore holds the authoritative per-guest check counters.
// Acquire must be a single atomic step: two concurrent calls for the same guest may not
// both succeed when only one check remains.
type CounterStore interface {
	// Acquire increments the guest's counter when it is below limit and returns the new value.
	// granted is false when the limit was already reached.
	Acquire(ctx context.Context, guestID string, limit int) (used int, granted bool, err error)
	// Release decrements the counter, never below zero.
	Release(ctx context.Context, guestID string) error
	// Used returns the current counter.
	Used(ctx context.Context, guestID string) (int, error)
}

// DBStore keeps counters in the guest_checks table.
type DBStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewDBStore builds a DBStore.
func NewDBStore(db *gorm.DB) *DBStore {
	return &DBStore{db: db, now: time.Now}
}

// Acquire uses one conditional UPDATE so the check and the increment cannot interleave.
func (s *DBStore) Acquire(ctx context.Context, guestID string, limit int) (int, bool, error) {
	now := s.now().UTC()
	if errCreate := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "guest_id"}}, DoNothing: true}).
		Create(&models.GuestCheck{GuestID: guestID}).Error; errCreate != nil {
		return 0, false, fmt.Errorf("guest: ensure counter: %w", errCreate)
	}

	res := s.db.WithContext(ctx).
		Model(&models.GuestCheck{}).
		Where("guest_id = ? AND used < ?", guestID, limit).
		Updates(map[string]any{
			"used":            gorm.Expr("used + ?", 1),
			"last_granted_at": now,
			"updated_at":      now,
		})
	if res.Error != nil {
		return 0, false, fmt.Errorf("guest: acquire: %w", res.Error)
	}
	used, errUsed := s.Used(ctx, guestID)
	if errUsed != nil {
		return 0, false, errUsed
	}
	return used, res.RowsAffected == 1, nil
}

// Release returns one check to the guest.
func (s *DBStore) Release(ctx context.Context, guestID string) error {
	if errUpdate := s.db.WithContext(ctx).
		Model(&models.GuestCheck{}).
		Where("guest_id = ? AND used > 0", guestID).
		Updates(map[string]any{
			"used":       gorm.Expr("used - ?", 1),
			"updated_at": s.now().UTC(),
		}).Error; errUpdate != nil {
		return fmt.Errorf("guest: release: %w", errUpdate)
	}
	return nil
}

// Used returns zero for a guest with no row yet.
func (s *DBStore) Used(ctx context.Context, guestID string) (int, error) {
	var row models.GuestCheck
	errFind := s.db.WithContext(ctx).Select("used").Where("guest_id = ?", guestID).Take(&row).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if errFind != nil {
		return 0, fmt.Errorf("guest: load counter: %w", errFind)
	}
	return row.Used, nil
}

// acquireScript increments KEYS[1] only while it is below ARGV[1] and refreshes its TTL.
var acquireScript = redis.NewScript(`
local used = tonumber(redis.call("GET", KEYS[1]) or "0")
if used >= tonumber(ARGV[1]) then
	return {used, 0}
end
used = redis.call("INCR", KEYS[1])
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return {used, 1}
`)

var releaseScript = redis.NewScript(`
local used = tonumber(redis.call("GET", KEYS[1]) or "0")
if used > 0 then
	return redis.call("DECR", KEYS[1])
end
return 0
`)

// RedisStore keeps counters in redis, shared by every server instance.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore builds a RedisStore. Counters expire ttl after the last grant, which should
// outlive the guest token itself.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &RedisStore{client: client, prefix: "governance:guest:", ttl: ttl}
}

func (s *RedisStore) key(guestID string) string {
	return s.prefix + strings.TrimSpace(guestID)
}

// Acquire runs the check-and-increment as one Lua script.
func (s *RedisStore) Acquire(ctx context.Context, guestID string, limit int) (int, bool, error) {
	out, errRun := acquireScript.Run(ctx, s.client, []string{s.key(guestID)}, limit, s.ttl.Milliseconds()).Int64Slice()
	if errRun != nil {
		return 0, false, fmt.Errorf("guest: redis acquire: %w", errRun)
	}
	if len(out) != 2 {
		return 0, false, fmt.Errorf("guest: redis acquire: unexpected reply %v", out)
	}
	return int(out[0]), out[1] == 1, nil
}

// Release returns one check to the guest.
func (s *RedisStore) Release(ctx context.Context, guestID string) error {
	if errRun := releaseScript.Run(ctx, s.client, []string{s.key(guestID)}).Err(); errRun != nil {
		return fmt.Errorf("guest: redis release: %w", errRun)
	}
	return nil
}

// Used returns zero for an unknown guest.
func (s *RedisStore) Used(ctx context.Context, guestID string) (int, error) {
	used, errGet := s.client.Get(ctx, s.key(guestID)).Int()
	if errors.Is(errGet, redis.Nil) {
		return 0, nil
	}
	if errGet != nil {
		return 0, fmt.Errorf("guest: redis used: %w", errGet)
	}
	return used, nil
}
