package models

import "time"

// ThreadMeta is the operator-owned metadata of a thread. Rows are kept after
// archive so that archived thread IDs are never handed out again.
type ThreadMeta struct {
	ID          string  `gorm:"primaryKey;size:128"`
	WorkspaceID string  `gorm:"primaryKey;size:64"`
	Name        string  `gorm:"size:256"`
	ParentID    *string `gorm:"size:128"`
	Engine      string  `gorm:"size:64"`
	PinnedAt    *time.Time
	ArchivedAt  *time.Time `gorm:"index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
