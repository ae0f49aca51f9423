package ledger

import (
	"time"

	"github.com/schemewise/governance/internal/models"
)

const dateLayout = "2006-01-02"

// civilDay maps t onto midnight UTC of its calendar date in loc, so day arithmetic ignores DST.
func civilDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NeedsRollover reports whether a use at now falls on a later calendar day than the entry's last use.
func NeedsRollover(entry *models.UsageLedger, now time.Time, loc *time.Location) bool {
	if entry == nil || entry.LastUsedAt == nil {
		return false
	}
	return civilDay(now, loc).After(civilDay(*entry.LastUsedAt, loc))
}

// Apply archives the entry's today counters when now is on a later day than its last use.
// One snapshot dated at the last-used day is pushed; with backfill, zero snapshots follow for
// every idle day in between. History keeps the newest MaxHistoryDays entries.
// The entry's counters are reset to zero; lastUsedAt is left for the caller to advance.
func Apply(entry *models.UsageLedger, now time.Time, loc *time.Location, backfill bool) (bool, error) {
	if !NeedsRollover(entry, now, loc) {
		return false, nil
	}
	history, errDecode := entry.Snapshots()
	if errDecode != nil {
		return false, errDecode
	}

	lastDay := civilDay(*entry.LastUsedAt, loc)
	today := civilDay(now, loc)
	history = append(history, models.HistorySnapshot{
		Date:            lastDay.Format(dateLayout),
		RegisteredUsage: entry.TodayRegisteredUsage,
		PublicUsage:     entry.TodayPublicUsage,
	})
	if backfill {
		from := lastDay.AddDate(0, 0, 1)
		if floor := today.AddDate(0, 0, -models.MaxHistoryDays); from.Before(floor) {
			from = floor
		}
		for day := from; day.Before(today); day = day.AddDate(0, 0, 1) {
			history = append(history, models.HistorySnapshot{Date: day.Format(dateLayout)})
		}
	}
	if overflow := len(history) - models.MaxHistoryDays; overflow > 0 {
		history = append([]models.HistorySnapshot(nil), history[overflow:]...)
	}

	if errEncode := entry.SetSnapshots(history); errEncode != nil {
		return false, errEncode
	}
	entry.TodayRegisteredUsage = 0
	entry.TodayPublicUsage = 0
	return true, nil
}
