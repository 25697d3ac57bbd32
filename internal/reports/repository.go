package reports

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/relevolab/relevo/internal/audit"
	"github.com/relevolab/relevo/internal/settings"
	"github.com/relevolab/relevo/internal/store"
)

// Validation errors surfaced to the caller with a user-facing message.
var (
	ErrShiftAlreadyOpen = errors.New("an open shift already exists")
	ErrNoOpenShift      = errors.New("no shift is currently open")
	ErrShiftClosed      = errors.New("the shift is already closed")
	ErrEntryNotFound    = errors.New("entry not found in the open shift")
	ErrEmptyShiftName   = errors.New("shift name is required")
)

var noOpLogger = zap.NewNop()

// RepositoryConfig wires the repository dependencies.
type RepositoryConfig struct {
	Database   *gorm.DB
	Settings   *settings.Registry
	Audit      *audit.Sink
	Clock      func() time.Time
	IDProvider store.IDProvider
	Logger     *zap.Logger
}

// Repository owns shift reports: the in-memory cache, the lifecycle rules
// and the embedded entry CRUD.
type Repository struct {
	db         *gorm.DB
	settings   *settings.Registry
	audit      *audit.Sink
	clock      func() time.Time
	idProvider store.IDProvider
	logger     *zap.Logger
	cache      []ShiftReport
}

// NewRepository constructs a Repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if cfg.Database == nil {
		return nil, errors.New("reports: database handle is required")
	}
	if cfg.Settings == nil {
		return nil, errors.New("reports: settings registry is required")
	}
	if cfg.Audit == nil {
		return nil, errors.New("reports: audit sink is required")
	}
	if cfg.IDProvider == nil {
		return nil, errors.New("reports: id provider is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Repository{
		db:         cfg.Database,
		settings:   cfg.Settings,
		audit:      cfg.Audit,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Load fills the in-memory cache, newest folio first.
func (r *Repository) Load(ctx context.Context) error {
	var rows []ShiftReport
	if err := r.db.WithContext(ctx).Order("folio DESC").Find(&rows).Error; err != nil {
		r.logError("reports.load", "query_failed", err)
		return err
	}
	r.cache = rows
	return nil
}

// Reports returns a copy of every cached report, newest folio first.
func (r *Repository) Reports() []ShiftReport {
	out := make([]ShiftReport, 0, len(r.cache))
	for i := range r.cache {
		out = append(out, cloneReport(r.cache[i]))
	}
	return out
}

// OpenShift returns a copy of the currently open shift, if any.
func (r *Repository) OpenShift() (ShiftReport, bool) {
	for i := range r.cache {
		if r.cache[i].Status == StatusOpen {
			return cloneReport(r.cache[i]), true
		}
	}
	return ShiftReport{}, false
}

// Get returns a copy of the report with the given id.
func (r *Repository) Get(id string) (ShiftReport, bool) {
	for i := range r.cache {
		if r.cache[i].ID == id {
			return cloneReport(r.cache[i]), true
		}
	}
	return ShiftReport{}, false
}

// StartShift opens a new shift: it rejects when a shift is already open,
// draws the next folio from the counter registry atomically with the report
// insert and synthesizes the opening logbook entry.
func (r *Repository) StartShift(ctx context.Context, actor, shiftName string) (ShiftReport, error) {
	if shiftName == "" {
		return ShiftReport{}, ErrEmptyShiftName
	}
	if _, open := r.OpenShift(); open {
		return ShiftReport{}, ErrShiftAlreadyOpen
	}

	now := r.clock()
	reportID, err := r.idProvider.NewID()
	if err != nil {
		r.logError("reports.start_shift", "id_generation_failed", err)
		return ShiftReport{}, err
	}
	entryID, err := r.idProvider.NewID()
	if err != nil {
		r.logError("reports.start_shift", "id_generation_failed", err)
		return ShiftReport{}, err
	}

	report := ShiftReport{
		Folio:           "",
		Date:            now.Format("2006-01-02"),
		ShiftName:       shiftName,
		ResponsibleUser: actor,
		StartTime:       now.Format(time.RFC3339),
		Status:          StatusOpen,
		LogEntries: []LogbookEntry{{
			ID:        entryID,
			Time:      now.Format("15:04"),
			Timestamp: now.UnixMilli(),
			Text:      fmt.Sprintf("Inicio de turno %s", shiftName),
			Author:    actor,
		}},
		SupplierEntries: []SupplierEntry{},
	}
	report.ID = reportID
	report.Touch(now)

	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		folio, err := r.settings.WithTx(tx).NextFolio(FolioWidth)
		if err != nil {
			return err
		}
		report.Folio = folio
		return tx.Create(&report).Error
	})
	if txErr != nil {
		r.logError("reports.start_shift", "persist_failed", txErr,
			zap.String("shift_name", shiftName))
		r.auditFailure(actor, "Iniciar Turno", txErr, map[string]any{"shiftName": shiftName})
		return ShiftReport{}, txErr
	}

	r.cache = append([]ShiftReport{cloneReport(report)}, r.cache...)
	r.auditSuccess(actor, "Iniciar Turno", map[string]any{
		"folio":     report.Folio,
		"shiftName": shiftName,
	})
	return report, nil
}

// CloseShift closes the open shift: it appends the synthesized closing
// entry, re-sorts the logbook, stamps the end time and flips the status.
// A close on an already-closed shift is rejected, never duplicated. When the
// write fails the cached shift stays open.
func (r *Repository) CloseShift(ctx context.Context, actor string) (ShiftReport, error) {
	cacheIndex := -1
	for i := range r.cache {
		if r.cache[i].Status == StatusOpen {
			cacheIndex = i
			break
		}
	}
	if cacheIndex < 0 {
		return ShiftReport{}, ErrNoOpenShift
	}

	now := r.clock()
	entryID, err := r.idProvider.NewID()
	if err != nil {
		r.logError("reports.close_shift", "id_generation_failed", err)
		return ShiftReport{}, err
	}

	updated := cloneReport(r.cache[cacheIndex])
	updated.LogEntries = append(updated.LogEntries, LogbookEntry{
		ID:        entryID,
		Time:      now.Format("15:04"),
		Timestamp: now.UnixMilli(),
		Text:      fmt.Sprintf("Cierre de turno %s", updated.ShiftName),
		Author:    actor,
	})
	sortLogEntries(updated.LogEntries)
	updated.Status = StatusClosed
	updated.EndTime = now.Format(time.RFC3339)
	updated.Touch(now)

	if err := r.db.WithContext(ctx).Save(&updated).Error; err != nil {
		r.logError("reports.close_shift", "persist_failed", err,
			zap.String("folio", updated.Folio))
		r.auditFailure(actor, "Cerrar Turno", err, map[string]any{"folio": updated.Folio})
		return ShiftReport{}, err
	}

	r.cache[cacheIndex] = cloneReport(updated)
	r.auditSuccess(actor, "Cerrar Turno", map[string]any{"folio": updated.Folio})
	return updated, nil
}

// AddLogEntry appends a logbook entry to the open shift.
func (r *Repository) AddLogEntry(ctx context.Context, actor, text string, at time.Time) (ShiftReport, error) {
	entryID, err := r.idProvider.NewID()
	if err != nil {
		r.logError("reports.add_log_entry", "id_generation_failed", err)
		return ShiftReport{}, err
	}
	entry := LogbookEntry{
		ID:        entryID,
		Time:      at.Format("15:04"),
		Timestamp: at.UnixMilli(),
		Text:      text,
		Author:    actor,
	}
	return r.mutateOpenShift(ctx, actor, "Agregar Novedad",
		map[string]any{"text": text},
		func(report *ShiftReport) error {
			report.LogEntries = append(report.LogEntries, entry)
			sortLogEntries(report.LogEntries)
			return nil
		})
}

// UpdateLogEntry replaces the text of an existing entry. The entry keeps its
// id and original timestamp.
func (r *Repository) UpdateLogEntry(ctx context.Context, actor, entryID, text string) (ShiftReport, error) {
	return r.mutateOpenShift(ctx, actor, "Editar Novedad",
		map[string]any{"entryId": entryID},
		func(report *ShiftReport) error {
			for i := range report.LogEntries {
				if report.LogEntries[i].ID == entryID {
					report.LogEntries[i].Text = text
					sortLogEntries(report.LogEntries)
					return nil
				}
			}
			return ErrEntryNotFound
		})
}

// DeleteLogEntry removes an entry from the open shift.
func (r *Repository) DeleteLogEntry(ctx context.Context, actor, entryID string) (ShiftReport, error) {
	return r.mutateOpenShift(ctx, actor, "Eliminar Novedad",
		map[string]any{"entryId": entryID},
		func(report *ShiftReport) error {
			for i := range report.LogEntries {
				if report.LogEntries[i].ID == entryID {
					report.LogEntries = append(report.LogEntries[:i], report.LogEntries[i+1:]...)
					sortLogEntries(report.LogEntries)
					return nil
				}
			}
			return ErrEntryNotFound
		})
}

// AddSupplierEntry appends a supplier visit to the open shift.
func (r *Repository) AddSupplierEntry(ctx context.Context, actor string, entry SupplierEntry, at time.Time) (ShiftReport, error) {
	entryID, err := r.idProvider.NewID()
	if err != nil {
		r.logError("reports.add_supplier_entry", "id_generation_failed", err)
		return ShiftReport{}, err
	}
	entry.ID = entryID
	entry.Time = at.Format("15:04")
	entry.Timestamp = at.UnixMilli()
	return r.mutateOpenShift(ctx, actor, "Agregar Proveedor",
		map[string]any{"supplier": entry.Supplier},
		func(report *ShiftReport) error {
			report.SupplierEntries = append(report.SupplierEntries, entry)
			sortSupplierEntries(report.SupplierEntries)
			return nil
		})
}

// UpdateSupplierEntry replaces the mutable fields of a supplier entry,
// preserving its id and original timestamp.
func (r *Repository) UpdateSupplierEntry(ctx context.Context, actor string, updated SupplierEntry) (ShiftReport, error) {
	return r.mutateOpenShift(ctx, actor, "Editar Proveedor",
		map[string]any{"entryId": updated.ID},
		func(report *ShiftReport) error {
			for i := range report.SupplierEntries {
				if report.SupplierEntries[i].ID == updated.ID {
					existing := &report.SupplierEntries[i]
					existing.Supplier = updated.Supplier
					existing.Deliverable = updated.Deliverable
					existing.ReceivedBy = updated.ReceivedBy
					sortSupplierEntries(report.SupplierEntries)
					return nil
				}
			}
			return ErrEntryNotFound
		})
}

// DeleteSupplierEntry removes a supplier entry from the open shift.
func (r *Repository) DeleteSupplierEntry(ctx context.Context, actor, entryID string) (ShiftReport, error) {
	return r.mutateOpenShift(ctx, actor, "Eliminar Proveedor",
		map[string]any{"entryId": entryID},
		func(report *ShiftReport) error {
			for i := range report.SupplierEntries {
				if report.SupplierEntries[i].ID == entryID {
					report.SupplierEntries = append(report.SupplierEntries[:i], report.SupplierEntries[i+1:]...)
					sortSupplierEntries(report.SupplierEntries)
					return nil
				}
			}
			return ErrEntryNotFound
		})
}

// mutateOpenShift applies mutate to a copy of the open shift, persists it and
// only then swaps the copy into the cache. Validation errors from mutate are
// returned untouched and leave no trace in storage.
func (r *Repository) mutateOpenShift(ctx context.Context, actor, action string, details map[string]any, mutate func(*ShiftReport) error) (ShiftReport, error) {
	cacheIndex := -1
	for i := range r.cache {
		if r.cache[i].Status == StatusOpen {
			cacheIndex = i
			break
		}
	}
	if cacheIndex < 0 {
		return ShiftReport{}, ErrNoOpenShift
	}

	updated := cloneReport(r.cache[cacheIndex])
	if err := mutate(&updated); err != nil {
		return ShiftReport{}, err
	}
	updated.Touch(r.clock())

	if err := r.db.WithContext(ctx).Save(&updated).Error; err != nil {
		r.logError("reports.mutate", "persist_failed", err,
			zap.String("action", action), zap.String("folio", updated.Folio))
		r.auditFailure(actor, action, err, details)
		return ShiftReport{}, err
	}

	r.cache[cacheIndex] = cloneReport(updated)
	r.auditSuccess(actor, action, details)
	return updated, nil
}

func (r *Repository) auditSuccess(actor, action string, details map[string]any) {
	if err := r.audit.Append(nil, actor, action, details); err != nil {
		r.logger.Warn("audit append failed", zap.String("action", action), zap.Error(err))
	}
}

func (r *Repository) auditFailure(actor, action string, cause error, details map[string]any) {
	failureDetails := map[string]any{"error": cause.Error()}
	for key, value := range details {
		failureDetails[key] = value
	}
	if err := r.audit.Append(nil, actor, action+" Failed", failureDetails); err != nil {
		r.logger.Warn("audit append failed", zap.String("action", action), zap.Error(err))
	}
}

func (r *Repository) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("shift report repository error", attrs...)
}
