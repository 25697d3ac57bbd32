// Package reports owns shift-handover reports: the shift lifecycle and the
// logbook and supplier entries embedded in each report.
package reports

import (
	"sort"

	"github.com/relevolab/relevo/internal/store"
)

// CollectionName is the wire-level name of the shift report collection.
const CollectionName = "shift_reports"

// Shift status values. A shift transitions open -> closed exactly once.
const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// FolioWidth is the zero-padding width of shift folios.
const FolioWidth = 3

// LogbookEntry is one logbook item embedded in its parent report. Entries
// are never persisted on their own.
type LogbookEntry struct {
	ID        string `json:"id"`
	Time      string `json:"time"`
	Timestamp int64  `json:"timestamp"`
	Text      string `json:"text"`
	Author    string `json:"author"`
}

// SupplierEntry records one supplier visit during the shift.
type SupplierEntry struct {
	ID          string `json:"id"`
	Time        string `json:"time"`
	Timestamp   int64  `json:"timestamp"`
	Supplier    string `json:"supplier"`
	Deliverable string `json:"deliverable"`
	ReceivedBy  string `json:"receivedBy"`
}

// ShiftReport is the persisted handover report for one shift.
type ShiftReport struct {
	store.Envelope
	Folio           string          `gorm:"column:folio;size:32;not null;uniqueIndex" json:"folio"`
	Date            string          `gorm:"column:date;size:32;not null" json:"date"`
	ShiftName       string          `gorm:"column:shift_name;size:190;not null" json:"shiftName"`
	ResponsibleUser string          `gorm:"column:responsible_user;size:190;not null" json:"responsibleUser"`
	StartTime       string          `gorm:"column:start_time;size:64;not null" json:"startTime"`
	EndTime         string          `gorm:"column:end_time;size:64" json:"endTime"`
	Status          string          `gorm:"column:status;size:16;not null;index" json:"status"`
	LogEntries      []LogbookEntry  `gorm:"column:log_entries;type:text;serializer:json" json:"logEntries"`
	SupplierEntries []SupplierEntry `gorm:"column:supplier_entries;type:text;serializer:json" json:"supplierEntries"`
}

// TableName provides the explicit table binding for GORM.
func (ShiftReport) TableName() string {
	return CollectionName
}

// Collection registers shift reports with the durable store.
func Collection() store.Collection {
	return store.NewTable[ShiftReport](CollectionName, true)
}

func sortLogEntries(entries []LogbookEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp < entries[j].Timestamp
	})
}

func sortSupplierEntries(entries []SupplierEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp < entries[j].Timestamp
	})
}

func cloneReport(report ShiftReport) ShiftReport {
	copied := report
	copied.LogEntries = append([]LogbookEntry(nil), report.LogEntries...)
	copied.SupplierEntries = append([]SupplierEntry(nil), report.SupplierEntries...)
	return copied
}
