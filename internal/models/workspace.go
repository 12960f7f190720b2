package models

import "time"

// Workspace is a project root bound to one engine.
type Workspace struct {
	ID         string `gorm:"primaryKey;size:64"`
	Name       string `gorm:"size:128"`
	Path       string `gorm:"size:512;not null"`
	Engine     string `gorm:"size:64"`
	AccessMode string `gorm:"size:16;default:on-request"`
	Model      string `gorm:"size:64"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
