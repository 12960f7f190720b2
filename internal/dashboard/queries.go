package dashboard

import (
	"encoding/json"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/zulandar/switchboard/internal/models"
)

// DebugFilter narrows a debug log query.
type DebugFilter struct {
	WorkspaceID string
	Source      string // client | server | internal
	Label       string // exact label, e.g. "turn/send"
	Since       time.Time
	Limit       int
}

// DebugRow holds one debug entry for display. Payload is raw JSON.
type DebugRow struct {
	ID          string          `json:"id"`
	WorkspaceID string          `json:"workspace_id"`
	Source      string          `json:"source"`
	Label       string          `json:"label"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

const (
	defaultDebugLimit = 200
	maxDebugLimit     = 1000
)

// DebugEntries returns the newest entries matching f.
func DebugEntries(db *gorm.DB, f DebugFilter) ([]DebugRow, error) {
	if db == nil {
		return []DebugRow{}, nil
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultDebugLimit
	}
	if limit > maxDebugLimit {
		limit = maxDebugLimit
	}

	q := db.Model(&models.DebugEntry{})
	if f.WorkspaceID != "" {
		q = q.Where("workspace_id = ?", f.WorkspaceID)
	}
	if f.Source != "" {
		q = q.Where("source = ?", f.Source)
	}
	if f.Label != "" {
		q = q.Where("label = ?", f.Label)
	}
	if !f.Since.IsZero() {
		q = q.Where("timestamp >= ?", f.Since)
	}

	var entries []models.DebugEntry
	if err := q.Order("timestamp DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, err
	}

	rows := make([]DebugRow, len(entries))
	for i, e := range entries {
		rows[i] = DebugRow{
			ID:          e.ID,
			WorkspaceID: e.WorkspaceID,
			Source:      e.Source,
			Label:       e.Label,
			Timestamp:   e.Timestamp,
		}
		if json.Valid([]byte(e.Payload)) {
			rows[i].Payload = json.RawMessage(e.Payload)
		}
	}
	return rows, nil
}

// LabelCount is the number of entries recorded under one source and label.
type LabelCount struct {
	Source string `json:"source"`
	Label  string `json:"label"`
	Count  int    `json:"count"`
}

// DebugSummary counts a workspace's entries per source and label, most
// frequent first.
func DebugSummary(db *gorm.DB, workspaceID string) ([]LabelCount, error) {
	if db == nil {
		return []LabelCount{}, nil
	}
	var rows []LabelCount
	q := db.Model(&models.DebugEntry{}).Select("source, label, count(*) as count")
	if workspaceID != "" {
		q = q.Where("workspace_id = ?", workspaceID)
	}
	if err := q.Group("source, label").Find(&rows).Error; err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Count != rows[j].Count {
			return rows[i].Count > rows[j].Count
		}
		if rows[i].Source != rows[j].Source {
			return rows[i].Source < rows[j].Source
		}
		return rows[i].Label < rows[j].Label
	})
	return rows, nil
}
