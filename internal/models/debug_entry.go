package models

import "time"

// DebugEntry is one persisted debug/telemetry record.
type DebugEntry struct {
	ID          string    `gorm:"primaryKey;size:36"`
	WorkspaceID string    `gorm:"size:64;index"`
	Source      string    `gorm:"size:16;index"`
	Label       string    `gorm:"size:128"`
	Payload     string    `gorm:"type:text"`
	Timestamp   time.Time `gorm:"index"`
}
