package models

import (
	"time"

	"gorm.io/datatypes"
)

// GuestCheck is the server-side authoritative counter of free checks granted to one anonymous client.
type GuestCheck struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	GuestID string `gorm:"type:varchar(64);not null;uniqueIndex"` // Verified guest identifier or per-client day key.
	Used    int    `gorm:"not null;default:0"`                    // Checks granted so far.

	LastGrantedAt *time.Time `gorm:"index"` // Most recent grant.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// TableName overrides the default table name.
func (GuestCheck) TableName() string {
	return "guest_checks"
}

// EligibilityCheck is the persisted history record of one verdict served to a caller.
type EligibilityCheck struct {
	ID string `gorm:"type:varchar(36);primaryKey"` // UUID.

	UserID  *uint64 `gorm:"index"`                  // Registered caller, when known.
	GuestID string  `gorm:"type:varchar(64);index"` // Anonymous caller, when known.

	Category Category `gorm:"type:varchar(16);not null;index"` // Consumer category.
	SchemeID string   `gorm:"type:text;not null;index"`        // Scheme the check was for.
	Language string   `gorm:"type:varchar(16);not null"`       // Requested language.

	VerdictID string         `gorm:"type:varchar(64);not null;index"` // Stable verdict identity.
	Eligible  bool           `gorm:"not null;default:false"`          // Verdict outcome.
	Verdict   datatypes.JSON `gorm:"type:jsonb;not null"`             // Full verdict payload.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Creation timestamp.
}

// TableName overrides the default table name.
func (EligibilityCheck) TableName() string {
	return "eligibility_checks"
}
