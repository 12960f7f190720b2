// Package store persists operator-owned thread metadata and debug entries.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zulandar/switchboard/internal/models"
)

// Store is the GORM-backed persistence layer.
type Store struct {
	db *gorm.DB
}

// New wraps a migrated database.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("store: db is required")
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying connection.
func (s *Store) DB() *gorm.DB { return s.db }

// Threads returns every thread row of a workspace, archived ones included.
func (s *Store) Threads(ctx context.Context, workspaceID string) ([]models.ThreadMeta, error) {
	var rows []models.ThreadMeta
	err := s.db.WithContext(ctx).
		Where("workspace_id = ?", workspaceID).
		Order("created_at").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: threads of %s: %w", workspaceID, err)
	}
	return rows, nil
}

// SaveThread inserts a thread row, keeping existing operator fields when
// the row is already known.
func (s *Store) SaveThread(ctx context.Context, meta models.ThreadMeta) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}, {Name: "workspace_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"engine", "updated_at"}),
	}).Create(&meta).Error
	if err != nil {
		return fmt.Errorf("store: save thread %s: %w", meta.ID, err)
	}
	return nil
}

// RenameThread sets a thread's display name.
func (s *Store) RenameThread(ctx context.Context, workspaceID, threadID, name string) error {
	return s.update(ctx, workspaceID, threadID, "name", name)
}

// SetPinned pins the thread at the given time, or unpins it when at is nil.
func (s *Store) SetPinned(ctx context.Context, workspaceID, threadID string, at *time.Time) error {
	return s.update(ctx, workspaceID, threadID, "pinned_at", at)
}

// ArchiveThread marks the thread archived. The row is kept so its ID stays
// retired.
func (s *Store) ArchiveThread(ctx context.Context, workspaceID, threadID string, at time.Time) error {
	return s.update(ctx, workspaceID, threadID, "archived_at", at)
}

func (s *Store) update(ctx context.Context, workspaceID, threadID, column string, value any) error {
	tx := s.db.WithContext(ctx)
	// Threads discovered only through the engine have no row yet.
	meta := models.ThreadMeta{ID: threadID, WorkspaceID: workspaceID}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&meta).Error; err != nil {
		return fmt.Errorf("store: ensure %s: %w", threadID, err)
	}
	err := tx.Model(&models.ThreadMeta{}).
		Where("id = ? AND workspace_id = ?", threadID, workspaceID).
		Update(column, value).Error
	if err != nil {
		return fmt.Errorf("store: update %s of %s: %w", column, threadID, err)
	}
	return nil
}

// SaveDebugEntries writes a batch of debug entries.
func (s *Store) SaveDebugEntries(ctx context.Context, entries []models.DebugEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(&entries).Error; err != nil {
		return fmt.Errorf("store: save %d debug entries: %w", len(entries), err)
	}
	return nil
}

// DebugEntries returns the most recent entries, newest first. An empty
// workspaceID matches every workspace.
func (s *Store) DebugEntries(ctx context.Context, workspaceID string, limit int) ([]models.DebugEntry, error) {
	q := s.db.WithContext(ctx).Order("timestamp DESC")
	if workspaceID != "" {
		q = q.Where("workspace_id = ?", workspaceID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []models.DebugEntry
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: debug entries: %w", err)
	}
	return rows, nil
}
