package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// Category splits usage between the two consumer populations.
type Category string

// Consumer categories.
const (
	// CategoryRegistered is usage attributed to authenticated callers.
	CategoryRegistered Category = "registered"
	// CategoryPublic is usage attributed to anonymous callers.
	CategoryPublic Category = "public"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	return c == CategoryRegistered || c == CategoryPublic
}

// Unit is the measure a service's usage is counted in.
type Unit string

// Metering units.
const (
	UnitTokens     Unit = "tokens"
	UnitCharacters Unit = "characters"
	UnitRequests   Unit = "requests"
	UnitSeconds    Unit = "seconds"
)

// Valid reports whether u is one of the known units.
func (u Unit) Valid() bool {
	switch u {
	case UnitTokens, UnitCharacters, UnitRequests, UnitSeconds:
		return true
	default:
		return false
	}
}

// MaxHistoryDays bounds the number of daily snapshots kept per ledger entry.
const MaxHistoryDays = 30

// HistorySnapshot archives one day of usage.
type HistorySnapshot struct {
	Date            string  `json:"date"` // Day in YYYY-MM-DD, in the entry's time zone.
	RegisteredUsage float64 `json:"registeredUsage"`
	PublicUsage     float64 `json:"publicUsage"`
}

// UsageLedger is the per-service accounting record. One row per service name.
type UsageLedger struct {
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"-"` // Primary key.

	ServiceName string `gorm:"type:varchar(64);not null;uniqueIndex" json:"serviceName"` // Metered service identifier.
	Provider    string `gorm:"type:text;not null" json:"provider"`                        // Upstream vendor label.
	Unit        Unit   `gorm:"type:varchar(16);not null" json:"unit"`                     // Metering unit.
	DailyLimit  int64  `gorm:"not null;default:0" json:"dailyLimit"`                      // Daily ceiling, 0 = none.
	TimeZone    string `gorm:"type:varchar(64);not null;default:'UTC'" json:"timeZone"`   // Day-boundary zone.

	TotalRegisteredUsage float64 `gorm:"not null;default:0" json:"totalRegisteredUsage"` // Cumulative registered usage.
	TodayRegisteredUsage float64 `gorm:"not null;default:0" json:"todayRegisteredUsage"` // Same-day registered usage.
	TotalPublicUsage     float64 `gorm:"not null;default:0" json:"totalPublicUsage"`     // Cumulative public usage.
	TodayPublicUsage     float64 `gorm:"not null;default:0" json:"todayPublicUsage"`     // Same-day public usage.

	History datatypes.JSON `gorm:"type:jsonb" json:"history"` // Ordered daily snapshots, oldest first.

	LastUsedAt *time.Time `gorm:"index" json:"lastUsedAt"` // Most recent increment.

	Version int64 `gorm:"not null;default:0" json:"-"` // Optimistic concurrency token.

	CreatedAt time.Time `gorm:"not null;autoCreateTime" json:"createdAt"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime" json:"updatedAt"` // Last update timestamp.
}

// Snapshots decodes History. An empty column yields an empty slice.
func (u *UsageLedger) Snapshots() ([]HistorySnapshot, error) {
	if u == nil || len(u.History) == 0 || string(u.History) == "null" {
		return []HistorySnapshot{}, nil
	}
	var out []HistorySnapshot
	if errUnmarshal := json.Unmarshal(u.History, &out); errUnmarshal != nil {
		return nil, fmt.Errorf("usage ledger %s: decode history: %w", u.ServiceName, errUnmarshal)
	}
	return out, nil
}

// SetSnapshots encodes snapshots into History.
func (u *UsageLedger) SetSnapshots(snapshots []HistorySnapshot) error {
	if snapshots == nil {
		snapshots = []HistorySnapshot{}
	}
	payload, errMarshal := json.Marshal(snapshots)
	if errMarshal != nil {
		return fmt.Errorf("usage ledger %s: encode history: %w", u.ServiceName, errMarshal)
	}
	u.History = datatypes.JSON(payload)
	return nil
}

// TodayUsage returns registered plus public same-day usage.
func (u *UsageLedger) TodayUsage() float64 {
	if u == nil {
		return 0
	}
	return u.TodayRegisteredUsage + u.TodayPublicUsage
}
