package models

import (
	"encoding/json"
	"time"
)

// Setting is one runtime-tunable value, keyed by name and stored as JSON.
type Setting struct {
	Key       string          `gorm:"type:varchar(255);primaryKey"`                      // Setting name.
	Value     json.RawMessage `gorm:"type:jsonb"`                                        // JSON-encoded value.
	UpdatedAt time.Time       `gorm:"not null;autoUpdateTime;default:CURRENT_TIMESTAMP"` // Last update timestamp.
}
