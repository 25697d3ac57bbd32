package store

import (
	"encoding/json"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Record pairs a record identifier with its JSON wire form.
type Record struct {
	ID      string
	Payload json.RawMessage
}

// Collection is the uniform surface the sync engine and the backup layer use
// to operate on a named table without knowing its concrete row type.
type Collection interface {
	// Name is the wire-level collection name (also the table name).
	Name() string
	// Model returns a zero-value pointer for schema migration.
	Model() any
	// Syncable reports whether the collection participates in sync scans.
	Syncable() bool

	// Unsynced lists every record awaiting server acknowledgement: pending
	// local changes plus previously rejected records due for a retry.
	Unsynced(tx *gorm.DB) ([]Record, error)
	// Upsert decodes payload into a row and inserts or replaces it by id.
	Upsert(tx *gorm.DB, payload json.RawMessage) error
	// MarkSynced flips the listed records to synced and clears syncError.
	MarkSynced(tx *gorm.DB, ids []string) error
	// MarkError records a server rejection on one record. The boolean reports
	// whether the record was found in this collection.
	MarkError(tx *gorm.DB, id, message string) (bool, error)
	// Replace wipes the collection and repopulates it from payloads.
	Replace(tx *gorm.DB, payloads []json.RawMessage) error
	// Export returns every row in JSON wire form.
	Export(tx *gorm.DB) ([]json.RawMessage, error)
	// Clear deletes every row.
	Clear(tx *gorm.DB) error
}

type table[T any] struct {
	name     string
	syncable bool
}

// NewTable builds the Collection implementation for row type T, which must
// embed Envelope. Settings-style tables opt out of sync scans with
// syncable=false but still take part in export, import and bootstrap.
func NewTable[T any](name string, syncable bool) Collection {
	return table[T]{name: name, syncable: syncable}
}

func (t table[T]) Name() string { return t.name }

func (t table[T]) Model() any { return new(T) }

func (t table[T]) Syncable() bool { return t.syncable }

func (t table[T]) rowID(row *T) (string, error) {
	carrier, ok := any(row).(Syncable)
	if !ok {
		return "", fmt.Errorf("collection %q: row type does not embed an envelope", t.name)
	}
	return carrier.RecordID(), nil
}

func (t table[T]) Unsynced(tx *gorm.DB) ([]Record, error) {
	var rows []T
	if err := tx.Table(t.name).Where("sync_status IN ?", []Status{StatusPending, StatusError}).Find(&rows).Error; err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(rows))
	for i := range rows {
		id, err := t.rowID(&rows[i])
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(&rows[i])
		if err != nil {
			return nil, err
		}
		records = append(records, Record{ID: id, Payload: payload})
	}
	return records, nil
}

func (t table[T]) Upsert(tx *gorm.DB, payload json.RawMessage) error {
	var row T
	if err := json.Unmarshal(payload, &row); err != nil {
		return fmt.Errorf("collection %q: decode: %w", t.name, err)
	}
	id, err := t.rowID(&row)
	if err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("collection %q: record without id", t.name)
	}
	return tx.Table(t.name).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(&row).Error
}

func (t table[T]) MarkSynced(tx *gorm.DB, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return tx.Table(t.name).Where("id IN ?", ids).
		Updates(map[string]any{"sync_status": StatusSynced, "sync_error": ""}).Error
}

func (t table[T]) MarkError(tx *gorm.DB, id, message string) (bool, error) {
	result := tx.Table(t.name).Where("id = ?", id).
		Updates(map[string]any{"sync_status": StatusError, "sync_error": message})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (t table[T]) Replace(tx *gorm.DB, payloads []json.RawMessage) error {
	if err := t.Clear(tx); err != nil {
		return err
	}
	for _, payload := range payloads {
		var row T
		if err := json.Unmarshal(payload, &row); err != nil {
			return fmt.Errorf("collection %q: decode: %w", t.name, err)
		}
		if err := tx.Table(t.name).Create(&row).Error; err != nil {
			return err
		}
	}
	return nil
}

func (t table[T]) Export(tx *gorm.DB) ([]json.RawMessage, error) {
	var rows []T
	if err := tx.Table(t.name).Find(&rows).Error; err != nil {
		return nil, err
	}
	payloads := make([]json.RawMessage, 0, len(rows))
	for i := range rows {
		payload, err := json.Marshal(&rows[i])
		if err != nil {
			return nil, err
		}
		payloads = append(payloads, payload)
	}
	return payloads, nil
}

func (t table[T]) Clear(tx *gorm.DB) error {
	return tx.Table(t.name).Where("1 = 1").Delete(new(T)).Error
}
