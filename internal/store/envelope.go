package store

import "time"

// Status enumerates the per-record synchronization states.
type Status string

const (
	// StatusPending marks a local change not yet acknowledged by the server.
	StatusPending Status = "pending"
	// StatusSynced marks a record matching the last known server state.
	StatusSynced Status = "synced"
	// StatusError marks a record whose last push the server rejected.
	StatusError Status = "error"
)

// Envelope carries the sync-tracking fields every persisted record embeds.
type Envelope struct {
	ID           string `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	LastModified int64  `gorm:"column:last_modified_ms;not null" json:"lastModified"`
	SyncStatus   Status `gorm:"column:sync_status;size:16;not null;index" json:"syncStatus"`
	SyncError    string `gorm:"column:sync_error;type:text" json:"syncError,omitempty"`
	IsDeleted    bool   `gorm:"column:is_deleted;not null;default:false;index" json:"isDeleted"`
}

// Touch stamps the envelope as locally modified and awaiting sync.
func (e *Envelope) Touch(now time.Time) {
	e.LastModified = now.UnixMilli()
	e.SyncStatus = StatusPending
	e.SyncError = ""
}

// RecordID returns the envelope's primary identifier.
func (e *Envelope) RecordID() string {
	return e.ID
}

// Syncable is satisfied by every model embedding an Envelope.
type Syncable interface {
	RecordID() string
}

// UnixMilli converts a wall-clock instant to the envelope timestamp unit.
func UnixMilli(t time.Time) int64 {
	return t.UnixMilli()
}
