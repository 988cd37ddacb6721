package store

import (
	"time"
)

// SyncRun is the persisted form of one completed run. Rows are append-only:
// a run writes exactly one row at its very end, or none at all if it never
// got that far. The latest success row is the incremental watermark.
type SyncRun struct {
	ID                uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	RunTimestamp      time.Time `gorm:"index;not null" json:"run_timestamp"`
	Mode              string    `gorm:"size:16;not null" json:"mode"`
	RecordsConsidered int       `json:"records_considered"`
	RecordsUpdated    int       `json:"records_updated"`
	Status            string    `gorm:"size:16;index;not null" json:"status"`
	ErrorSummary      *string   `gorm:"type:text" json:"error_summary,omitempty"`
}

func (SyncRun) TableName() string {
	return "boundary_sync.runs"
}
