package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"gorm.io/gorm"
)

type testRecord struct {
	Envelope
	Label string `gorm:"column:label;size:190" json:"label"`
}

func (testRecord) TableName() string { return "test_records" }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:store_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	st, err := Open(dsn, nil)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := st.Register(NewTable[testRecord]("test_records", true)); err != nil {
		t.Fatalf("failed to register collection: %v", err)
	}
	if err := st.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func insertRecord(t *testing.T, st *Store, id string, status Status) testRecord {
	t.Helper()
	row := testRecord{Label: "label-" + id}
	row.ID = id
	row.LastModified = time.Now().UnixMilli()
	row.SyncStatus = status
	if err := st.DB().Create(&row).Error; err != nil {
		t.Fatalf("failed to insert record: %v", err)
	}
	return row
}

func TestMigrateIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	if err := st.Migrate(); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
	var count int64
	if err := st.DB().Table("db_migrations").Count(&count).Error; err != nil {
		t.Fatalf("failed to count migrations: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 recorded migration, got %d", count)
	}
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	st := newTestStore(t)
	if err := st.Register(NewTable[testRecord]("test_records", true)); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}

func TestUnsyncedListsPendingAndErrorRecords(t *testing.T) {
	st := newTestStore(t)
	insertRecord(t, st, "rec-1", StatusPending)
	insertRecord(t, st, "rec-2", StatusSynced)
	insertRecord(t, st, "rec-3", StatusError)

	collection, _ := st.Collection("test_records")
	records, err := collection.Unsynced(st.DB())
	if err != nil {
		t.Fatalf("unsynced scan failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 unsynced records, got %d", len(records))
	}
	for _, record := range records {
		if record.ID != "rec-1" && record.ID != "rec-3" {
			t.Fatalf("unexpected unsynced record %q", record.ID)
		}
	}
}

func TestUpsertInsertsAndReplaces(t *testing.T) {
	st := newTestStore(t)
	collection, _ := st.Collection("test_records")

	payload := json.RawMessage(`{"id":"rec-1","lastModified":100,"syncStatus":"synced","isDeleted":false,"label":"first"}`)
	if err := collection.Upsert(st.DB(), payload); err != nil {
		t.Fatalf("insert upsert failed: %v", err)
	}
	replacement := json.RawMessage(`{"id":"rec-1","lastModified":200,"syncStatus":"synced","isDeleted":false,"label":"second"}`)
	if err := collection.Upsert(st.DB(), replacement); err != nil {
		t.Fatalf("replace upsert failed: %v", err)
	}

	var stored testRecord
	if err := st.DB().Where("id = ?", "rec-1").Take(&stored).Error; err != nil {
		t.Fatalf("failed to load record: %v", err)
	}
	if stored.Label != "second" || stored.LastModified != 200 {
		t.Fatalf("unexpected stored record: %+v", stored)
	}
}

func TestUpsertRejectsRecordWithoutID(t *testing.T) {
	st := newTestStore(t)
	collection, _ := st.Collection("test_records")
	if err := collection.Upsert(st.DB(), json.RawMessage(`{"label":"orphan"}`)); err == nil {
		t.Fatalf("expected upsert without id to fail")
	}
}

func TestMarkSyncedClearsSyncError(t *testing.T) {
	st := newTestStore(t)
	row := insertRecord(t, st, "rec-1", StatusPending)
	row.SyncError = "previous failure"
	if err := st.DB().Save(&row).Error; err != nil {
		t.Fatalf("failed to seed sync error: %v", err)
	}

	collection, _ := st.Collection("test_records")
	if err := collection.MarkSynced(st.DB(), []string{"rec-1"}); err != nil {
		t.Fatalf("mark synced failed: %v", err)
	}

	var stored testRecord
	if err := st.DB().Where("id = ?", "rec-1").Take(&stored).Error; err != nil {
		t.Fatalf("failed to load record: %v", err)
	}
	if stored.SyncStatus != StatusSynced {
		t.Fatalf("expected synced status, got %q", stored.SyncStatus)
	}
	if stored.SyncError != "" {
		t.Fatalf("expected sync error cleared, got %q", stored.SyncError)
	}
}

func TestMarkErrorReportsPresence(t *testing.T) {
	st := newTestStore(t)
	insertRecord(t, st, "rec-1", StatusPending)
	collection, _ := st.Collection("test_records")

	found, err := collection.MarkError(st.DB(), "rec-1", "rejected by server")
	if err != nil {
		t.Fatalf("mark error failed: %v", err)
	}
	if !found {
		t.Fatalf("expected record to be found")
	}
	found, err = collection.MarkError(st.DB(), "rec-missing", "rejected by server")
	if err != nil {
		t.Fatalf("mark error failed: %v", err)
	}
	if found {
		t.Fatalf("expected missing record not to be found")
	}

	var stored testRecord
	if err := st.DB().Where("id = ?", "rec-1").Take(&stored).Error; err != nil {
		t.Fatalf("failed to load record: %v", err)
	}
	if stored.SyncStatus != StatusError || stored.SyncError != "rejected by server" {
		t.Fatalf("unexpected record state: %+v", stored.Envelope)
	}
}

func TestReplaceWipesAndRepopulates(t *testing.T) {
	st := newTestStore(t)
	insertRecord(t, st, "old-1", StatusSynced)
	insertRecord(t, st, "old-2", StatusPending)

	collection, _ := st.Collection("test_records")
	err := collection.Replace(st.DB(), []json.RawMessage{
		json.RawMessage(`{"id":"new-1","lastModified":50,"syncStatus":"synced","isDeleted":false,"label":"fresh"}`),
	})
	if err != nil {
		t.Fatalf("replace failed: %v", err)
	}

	var rows []testRecord
	if err := st.DB().Find(&rows).Error; err != nil {
		t.Fatalf("failed to load rows: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "new-1" {
		t.Fatalf("unexpected rows after replace: %+v", rows)
	}
}

func TestTransactionRollsBackOnError(t *testing.T) {
	st := newTestStore(t)
	err := st.Transaction(context.Background(), func(tx *gorm.DB) error {
		row := testRecord{}
		row.ID = "tx-1"
		row.SyncStatus = StatusPending
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return fmt.Errorf("forced rollback")
	})
	if err == nil {
		t.Fatalf("expected transaction error")
	}
	var count int64
	if err := st.DB().Model(&testRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected rollback to remove rows, found %d", count)
	}
}

func TestExportRoundTripsEnvelope(t *testing.T) {
	st := newTestStore(t)
	row := insertRecord(t, st, "rec-1", StatusError)
	row.SyncError = "bad record"
	if err := st.DB().Save(&row).Error; err != nil {
		t.Fatalf("failed to seed record: %v", err)
	}

	collection, _ := st.Collection("test_records")
	payloads, err := collection.Export(st.DB())
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if len(payloads) != 1 {
		t.Fatalf("expected 1 exported record, got %d", len(payloads))
	}
	var decoded testRecord
	if err := json.Unmarshal(payloads[0], &decoded); err != nil {
		t.Fatalf("failed to decode export: %v", err)
	}
	if decoded.SyncStatus != StatusError || decoded.SyncError != "bad record" {
		t.Fatalf("envelope fields lost in export: %+v", decoded.Envelope)
	}
}
