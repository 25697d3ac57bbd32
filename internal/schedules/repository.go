package schedules

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/relevolab/relevo/internal/audit"
	"github.com/relevolab/relevo/internal/settings"
	"github.com/relevolab/relevo/internal/store"
)

// Validation errors surfaced to the caller with a user-facing message.
var (
	ErrPatternInUse      = errors.New("the pattern is assigned to at least one employee")
	ErrPatternNotFound   = errors.New("pattern not found")
	ErrAssignmentMissing = errors.New("assignment not found")
	ErrEmptyPatternName  = errors.New("pattern name is required")
	ErrScheduleMismatch  = errors.New("daily schedules must match the cycle length")
)

// RepositoryConfig wires the repository dependencies.
type RepositoryConfig struct {
	Database   *gorm.DB
	Settings   *settings.Registry
	Audit      *audit.Sink
	Clock      func() time.Time
	IDProvider store.IDProvider
	Logger     *zap.Logger
}

// Repository owns both the pattern and the assignment caches; the delete
// guard and effective-schedule resolution need them together.
type Repository struct {
	db          *gorm.DB
	settings    *settings.Registry
	audit       *audit.Sink
	clock       func() time.Time
	idProvider  store.IDProvider
	logger      *zap.Logger
	patterns    []TheoreticalShiftPattern
	assignments []AssignedShift
}

// NewRepository constructs a Repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if cfg.Database == nil {
		return nil, errors.New("schedules: database handle is required")
	}
	if cfg.Settings == nil {
		return nil, errors.New("schedules: settings registry is required")
	}
	if cfg.Audit == nil {
		return nil, errors.New("schedules: audit sink is required")
	}
	if cfg.IDProvider == nil {
		return nil, errors.New("schedules: id provider is required")
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
		settings:   cfg.Settings,
		audit:      cfg.Audit,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Load fills both caches and recomputes derived hours against the current
// global ceiling.
func (r *Repository) Load(ctx context.Context) error {
	var patterns []TheoreticalShiftPattern
	if err := r.db.WithContext(ctx).Find(&patterns).Error; err != nil {
		r.logger.Error("schedules load failed", zap.Error(err))
		return err
	}
	var assignments []AssignedShift
	if err := r.db.WithContext(ctx).Find(&assignments).Error; err != nil {
		r.logger.Error("schedules load failed", zap.Error(err))
		return err
	}
	sort.Slice(patterns, func(i, j int) bool { return patterns[i].Name < patterns[j].Name })
	sort.Slice(assignments, func(i, j int) bool {
		return assignments[i].StartDate > assignments[j].StartDate
	})

	maxWeekly, err := r.settings.GetFloat(settings.KeyMaxWeeklyHours, settings.DefaultMaxWeeklyHours)
	if err != nil {
		r.logger.Warn("max weekly hours read failed", zap.Error(err))
		maxWeekly = settings.DefaultMaxWeeklyHours
	}
	for i := range patterns {
		if err := RecomputeHours(&patterns[i], maxWeekly); err != nil {
			r.logger.Warn("pattern hours recompute failed",
				zap.String("pattern_id", patterns[i].ID), zap.Error(err))
		}
	}

	r.patterns = patterns
	r.assignments = assignments
	return nil
}

// Patterns returns a copy of the cached patterns sorted by name.
func (r *Repository) Patterns() []TheoreticalShiftPattern {
	out := make([]TheoreticalShiftPattern, len(r.patterns))
	for i := range r.patterns {
		out[i] = r.patterns[i]
		out[i].DailySchedules = append([]DaySchedule(nil), r.patterns[i].DailySchedules...)
	}
	return out
}

// Assignments returns a copy of the cached assignments, latest start first.
func (r *Repository) Assignments() []AssignedShift {
	return append([]AssignedShift(nil), r.assignments...)
}

func (r *Repository) maxWeekly() float64 {
	value, err := r.settings.GetFloat(settings.KeyMaxWeeklyHours, settings.DefaultMaxWeeklyHours)
	if err != nil {
		r.logger.Warn("max weekly hours read failed", zap.Error(err))
		return settings.DefaultMaxWeeklyHours
	}
	return value
}

// AddPattern validates and persists a new pattern with derived hours.
func (r *Repository) AddPattern(ctx context.Context, actor string, pattern TheoreticalShiftPattern) (TheoreticalShiftPattern, error) {
	if pattern.Name == "" {
		return TheoreticalShiftPattern{}, ErrEmptyPatternName
	}
	if pattern.CycleLengthDays <= 0 || len(pattern.DailySchedules) != pattern.CycleLengthDays {
		return TheoreticalShiftPattern{}, ErrScheduleMismatch
	}
	if err := RecomputeHours(&pattern, r.maxWeekly()); err != nil {
		return TheoreticalShiftPattern{}, err
	}
	id, err := r.idProvider.NewID()
	if err != nil {
		r.logger.Error("pattern id generation failed", zap.Error(err))
		return TheoreticalShiftPattern{}, err
	}
	pattern.ID = id
	pattern.Touch(r.clock())

	if err := r.db.WithContext(ctx).Create(&pattern).Error; err != nil {
		r.logger.Error("pattern create failed", zap.String("name", pattern.Name), zap.Error(err))
		r.auditFailure(actor, "Crear Patron", err, pattern.Name)
		return TheoreticalShiftPattern{}, err
	}

	r.patterns = append(r.patterns, pattern)
	sort.Slice(r.patterns, func(i, j int) bool { return r.patterns[i].Name < r.patterns[j].Name })
	r.auditSuccess(actor, "Crear Patron", pattern.Name)
	return pattern, nil
}

// UpdatePattern replaces an existing pattern, recomputing derived hours.
func (r *Repository) UpdatePattern(ctx context.Context, actor string, pattern TheoreticalShiftPattern) (TheoreticalShiftPattern, error) {
	cacheIndex := -1
	for i := range r.patterns {
		if r.patterns[i].ID == pattern.ID {
			cacheIndex = i
			break
		}
	}
	if cacheIndex < 0 {
		return TheoreticalShiftPattern{}, ErrPatternNotFound
	}
	if pattern.CycleLengthDays <= 0 || len(pattern.DailySchedules) != pattern.CycleLengthDays {
		return TheoreticalShiftPattern{}, ErrScheduleMismatch
	}
	if err := RecomputeHours(&pattern, r.maxWeekly()); err != nil {
		return TheoreticalShiftPattern{}, err
	}
	pattern.Touch(r.clock())

	if err := r.db.WithContext(ctx).Save(&pattern).Error; err != nil {
		r.logger.Error("pattern update failed", zap.String("name", pattern.Name), zap.Error(err))
		r.auditFailure(actor, "Editar Patron", err, pattern.Name)
		return TheoreticalShiftPattern{}, err
	}

	r.patterns[cacheIndex] = pattern
	r.auditSuccess(actor, "Editar Patron", pattern.Name)
	return pattern, nil
}

// DeletePattern removes a pattern unless an assignment still references it.
func (r *Repository) DeletePattern(ctx context.Context, actor, id string) error {
	cacheIndex := -1
	for i := range r.patterns {
		if r.patterns[i].ID == id {
			cacheIndex = i
			break
		}
	}
	if cacheIndex < 0 {
		return ErrPatternNotFound
	}
	for i := range r.assignments {
		if r.assignments[i].PatternID == id {
			return ErrPatternInUse
		}
	}
	name := r.patterns[cacheIndex].Name

	if err := r.db.WithContext(ctx).Delete(&TheoreticalShiftPattern{}, "id = ?", id).Error; err != nil {
		r.logger.Error("pattern delete failed", zap.String("name", name), zap.Error(err))
		r.auditFailure(actor, "Eliminar Patron", err, name)
		return err
	}

	r.patterns = append(r.patterns[:cacheIndex], r.patterns[cacheIndex+1:]...)
	r.auditSuccess(actor, "Eliminar Patron", name)
	return nil
}

// SetMaxWeeklyHours updates the global ceiling and recomputes every cached
// pattern's derived hours against it.
func (r *Repository) SetMaxWeeklyHours(ctx context.Context, actor string, hours float64) error {
	if err := r.settings.Set(settings.KeyMaxWeeklyHours, hours); err != nil {
		r.logger.Error("max weekly hours write failed", zap.Error(err))
		r.auditFailure(actor, "Ajustar Horas Maximas", err, "")
		return err
	}
	for i := range r.patterns {
		if err := RecomputeHours(&r.patterns[i], hours); err != nil {
			r.logger.Warn("pattern hours recompute failed",
				zap.String("pattern_id", r.patterns[i].ID), zap.Error(err))
		}
	}
	r.auditSuccess(actor, "Ajustar Horas Maximas", "")
	return nil
}

// Assign binds an employee to a pattern over a date range.
func (r *Repository) Assign(ctx context.Context, actor string, assignment AssignedShift) (AssignedShift, error) {
	patternFound := false
	for i := range r.patterns {
		if r.patterns[i].ID == assignment.PatternID {
			patternFound = true
			break
		}
	}
	if !patternFound {
		return AssignedShift{}, ErrPatternNotFound
	}
	if _, err := parseDate(assignment.StartDate); err != nil {
		return AssignedShift{}, err
	}
	if assignment.EndDate != "" {
		if _, err := parseDate(assignment.EndDate); err != nil {
			return AssignedShift{}, err
		}
	}
	id, err := r.idProvider.NewID()
	if err != nil {
		r.logger.Error("assignment id generation failed", zap.Error(err))
		return AssignedShift{}, err
	}
	assignment.ID = id
	assignment.Touch(r.clock())

	if err := r.db.WithContext(ctx).Create(&assignment).Error; err != nil {
		r.logger.Error("assignment create failed",
			zap.String("employee_id", assignment.EmployeeID), zap.Error(err))
		r.auditFailure(actor, "Asignar Turno", err, assignment.EmployeeID)
		return AssignedShift{}, err
	}

	r.assignments = append(r.assignments, assignment)
	sort.Slice(r.assignments, func(i, j int) bool {
		return r.assignments[i].StartDate > r.assignments[j].StartDate
	})
	r.auditSuccess(actor, "Asignar Turno", assignment.EmployeeID)
	return assignment, nil
}

// Unassign removes an assignment.
func (r *Repository) Unassign(ctx context.Context, actor, id string) error {
	cacheIndex := -1
	for i := range r.assignments {
		if r.assignments[i].ID == id {
			cacheIndex = i
			break
		}
	}
	if cacheIndex < 0 {
		return ErrAssignmentMissing
	}
	employeeID := r.assignments[cacheIndex].EmployeeID

	if err := r.db.WithContext(ctx).Delete(&AssignedShift{}, "id = ?", id).Error; err != nil {
		r.logger.Error("assignment delete failed", zap.String("employee_id", employeeID), zap.Error(err))
		r.auditFailure(actor, "Quitar Asignacion", err, employeeID)
		return err
	}

	r.assignments = append(r.assignments[:cacheIndex], r.assignments[cacheIndex+1:]...)
	r.auditSuccess(actor, "Quitar Asignacion", employeeID)
	return nil
}

// EffectiveSchedule resolves the employee's schedule for a date: among
// assignments whose start is not after the date and whose end has not
// passed, the one with the latest start wins; the day inside the pattern
// cycle is the day count since the assignment start modulo the cycle length.
func (r *Repository) EffectiveSchedule(employeeID string, date time.Time) (DaySchedule, bool) {
	day := date.Format(dateLayout)
	var chosen *AssignedShift
	for i := range r.assignments {
		assignment := &r.assignments[i]
		if assignment.EmployeeID != employeeID {
			continue
		}
		if assignment.StartDate > day {
			continue
		}
		if assignment.EndDate != "" && assignment.EndDate < day {
			continue
		}
		if chosen == nil || assignment.StartDate > chosen.StartDate {
			chosen = assignment
		}
	}
	if chosen == nil {
		return DaySchedule{}, false
	}

	var pattern *TheoreticalShiftPattern
	for i := range r.patterns {
		if r.patterns[i].ID == chosen.PatternID {
			pattern = &r.patterns[i]
			break
		}
	}
	if pattern == nil || pattern.CycleLengthDays <= 0 {
		return DaySchedule{}, false
	}

	start, err := parseDate(chosen.StartDate)
	if err != nil {
		return DaySchedule{}, false
	}
	target, err := parseDate(day)
	if err != nil {
		return DaySchedule{}, false
	}
	elapsed := int(target.Sub(start).Hours() / 24)
	index := elapsed % pattern.CycleLengthDays
	if index < 0 || index >= len(pattern.DailySchedules) {
		return DaySchedule{}, false
	}
	return pattern.DailySchedules[index], true
}

func (r *Repository) auditSuccess(actor, action, subject string) {
	details := map[string]any{}
	if subject != "" {
		details["subject"] = subject
	}
	if err := r.audit.Append(nil, actor, action, details); err != nil {
		r.logger.Warn("audit append failed", zap.String("action", action), zap.Error(err))
	}
}

func (r *Repository) auditFailure(actor, action string, cause error, subject string) {
	details := map[string]any{"error": cause.Error()}
	if subject != "" {
		details["subject"] = subject
	}
	if err := r.audit.Append(nil, actor, action+" Failed", details); err != nil {
		r.logger.Warn("audit append failed", zap.String("action", action), zap.Error(err))
	}
}
