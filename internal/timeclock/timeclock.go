// Package timeclock owns the daily time records produced by employee
// entrada/salida punches.
package timeclock

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/relevolab/relevo/internal/audit"
	"github.com/relevolab/relevo/internal/store"
)

// CollectionName is the wire-level name of the time record collection.
const CollectionName = "daily_time_records"

// Validation errors surfaced to the caller with a user-facing message.
var (
	ErrOpenPunchExists = errors.New("the employee already has an open punch")
	ErrNoOpenPunch     = errors.New("the employee has no open punch")
	ErrEmptyEmployee   = errors.New("employee id is required")
)

// DailyTimeRecord captures one entrada/salida pair for an employee. A record
// with entrada set and salida unset is an open punch; at most one may exist
// per employee at a time.
type DailyTimeRecord struct {
	store.Envelope
	EmployeeID       string `gorm:"column:employee_id;size:190;not null;index" json:"employeeId"`
	Entrada          string `gorm:"column:entrada;size:64" json:"entrada"`
	Salida           string `gorm:"column:salida;size:64" json:"salida"`
	EntradaTimestamp int64  `gorm:"column:entrada_timestamp;not null;index" json:"entradaTimestamp"`
	SalidaTimestamp  int64  `gorm:"column:salida_timestamp" json:"salidaTimestamp"`
}

// TableName provides the explicit table binding for GORM.
func (DailyTimeRecord) TableName() string {
	return CollectionName
}

// Collection registers time records with the durable store.
func Collection() store.Collection {
	return store.NewTable[DailyTimeRecord](CollectionName, true)
}

// Open reports whether the record is an open punch.
func (r DailyTimeRecord) Open() bool {
	return r.EntradaTimestamp > 0 && r.SalidaTimestamp == 0
}

// RepositoryConfig wires the repository dependencies.
type RepositoryConfig struct {
	Database   *gorm.DB
	Audit      *audit.Sink
	Clock      func() time.Time
	IDProvider store.IDProvider
	Logger     *zap.Logger
}

// Repository owns the time record cache and the punch rules.
type Repository struct {
	db         *gorm.DB
	audit      *audit.Sink
	clock      func() time.Time
	idProvider store.IDProvider
	logger     *zap.Logger
	cache      []DailyTimeRecord
}

// NewRepository constructs a Repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if cfg.Database == nil {
		return nil, errors.New("timeclock: database handle is required")
	}
	if cfg.Audit == nil {
		return nil, errors.New("timeclock: audit sink is required")
	}
	if cfg.IDProvider == nil {
		return nil, errors.New("timeclock: id provider is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{
		db:         cfg.Database,
		audit:      cfg.Audit,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Load fills the in-memory cache, newest entrada first.
func (r *Repository) Load(ctx context.Context) error {
	var rows []DailyTimeRecord
	if err := r.db.WithContext(ctx).Order("entrada_timestamp DESC").Find(&rows).Error; err != nil {
		r.logger.Error("timeclock load failed", zap.Error(err))
		return err
	}
	r.cache = rows
	return nil
}

// Records returns a copy of the cached records, newest entrada first.
func (r *Repository) Records() []DailyTimeRecord {
	return append([]DailyTimeRecord(nil), r.cache...)
}

// OpenPunch returns the employee's open punch, if any.
func (r *Repository) OpenPunch(employeeID string) (DailyTimeRecord, bool) {
	for i := range r.cache {
		if r.cache[i].EmployeeID == employeeID && r.cache[i].Open() {
			return r.cache[i], true
		}
	}
	return DailyTimeRecord{}, false
}

// PunchIn opens a new record for the employee.
func (r *Repository) PunchIn(ctx context.Context, actor, employeeID string) (DailyTimeRecord, error) {
	if employeeID == "" {
		return DailyTimeRecord{}, ErrEmptyEmployee
	}
	if _, open := r.OpenPunch(employeeID); open {
		return DailyTimeRecord{}, ErrOpenPunchExists
	}
	id, err := r.idProvider.NewID()
	if err != nil {
		r.logger.Error("time record id generation failed", zap.Error(err))
		return DailyTimeRecord{}, err
	}

	now := r.clock()
	record := DailyTimeRecord{
		EmployeeID:       employeeID,
		Entrada:          now.Format("15:04"),
		EntradaTimestamp: now.UnixMilli(),
	}
	record.ID = id
	record.Touch(now)

	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		r.logger.Error("punch in failed", zap.String("employee_id", employeeID), zap.Error(err))
		r.auditFailure(actor, "Marcar Entrada", err, employeeID)
		return DailyTimeRecord{}, err
	}

	r.cache = append([]DailyTimeRecord{record}, r.cache...)
	r.auditSuccess(actor, "Marcar Entrada", employeeID)
	return record, nil
}

// PunchOut closes the employee's open record.
func (r *Repository) PunchOut(ctx context.Context, actor, employeeID string) (DailyTimeRecord, error) {
	cacheIndex := -1
	for i := range r.cache {
		if r.cache[i].EmployeeID == employeeID && r.cache[i].Open() {
			cacheIndex = i
			break
		}
	}
	if cacheIndex < 0 {
		return DailyTimeRecord{}, ErrNoOpenPunch
	}

	now := r.clock()
	updated := r.cache[cacheIndex]
	updated.Salida = now.Format("15:04")
	updated.SalidaTimestamp = now.UnixMilli()
	updated.Touch(now)

	if err := r.db.WithContext(ctx).Save(&updated).Error; err != nil {
		r.logger.Error("punch out failed", zap.String("employee_id", employeeID), zap.Error(err))
		r.auditFailure(actor, "Marcar Salida", err, employeeID)
		return DailyTimeRecord{}, err
	}

	r.cache[cacheIndex] = updated
	r.auditSuccess(actor, "Marcar Salida", employeeID)
	return updated, nil
}

// RecordsInRange queries records whose entrada falls in [from, to), using
// the entrada timestamp index rather than the cache.
func (r *Repository) RecordsInRange(ctx context.Context, employeeID string, from, to time.Time) ([]DailyTimeRecord, error) {
	var rows []DailyTimeRecord
	query := r.db.WithContext(ctx).
		Where("entrada_timestamp >= ? AND entrada_timestamp < ?", from.UnixMilli(), to.UnixMilli())
	if employeeID != "" {
		query = query.Where("employee_id = ?", employeeID)
	}
	if err := query.Order("entrada_timestamp ASC").Find(&rows).Error; err != nil {
		r.logger.Error("time record range query failed", zap.Error(err))
		return nil, err
	}
	return rows, nil
}

func (r *Repository) auditSuccess(actor, action, employeeID string) {
	if err := r.audit.Append(nil, actor, action, map[string]any{"employeeId": employeeID}); err != nil {
		r.logger.Warn("audit append failed", zap.String("action", action), zap.Error(err))
	}
}

func (r *Repository) auditFailure(actor, action string, cause error, employeeID string) {
	details := map[string]any{"employeeId": employeeID, "error": cause.Error()}
	if err := r.audit.Append(nil, actor, action+" Failed", details); err != nil {
		r.logger.Warn("audit append failed", zap.String("action", action), zap.Error(err))
	}
}
