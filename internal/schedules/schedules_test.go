package schedules

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/relevolab/relevo/internal/audit"
	"github.com/relevolab/relevo/internal/settings"
	"github.com/relevolab/relevo/internal/store"
)

func newScheduleRepository(t *testing.T) (*Repository, *settings.Registry) {
	t.Helper()
	dsn := fmt.Sprintf("file:schedules_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&TheoreticalShiftPattern{}, &AssignedShift{}, &settings.AppSetting{}, &audit.Entry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	registry, err := settings.NewRegistry(db)
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	sink, err := audit.NewSink(audit.SinkConfig{
		Database:   db,
		IDProvider: store.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build audit sink: %v", err)
	}
	repo, err := NewRepository(RepositoryConfig{
		Database:   db,
		Settings:   registry,
		Audit:      sink,
		IDProvider: store.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build repository: %v", err)
	}
	if err := repo.Load(context.Background()); err != nil {
		t.Fatalf("failed to load repository: %v", err)
	}
	return repo, registry
}

func weekPattern(name string) TheoreticalShiftPattern {
	days := make([]DaySchedule, 7)
	for i := range days {
		days[i] = DaySchedule{StartTime: "08:00", EndTime: "17:00", HasColacion: true, ColacionMinutes: 60}
	}
	days[5].IsOffDay = true
	days[6].IsOffDay = true
	return TheoreticalShiftPattern{Name: name, CycleLengthDays: 7, DailySchedules: days}
}

func TestRecomputeHoursSubtractsColacion(t *testing.T) {
	pattern := weekPattern("semana")
	if err := RecomputeHours(&pattern, 0); err != nil {
		t.Fatalf("recompute failed: %v", err)
	}
	if math.Abs(pattern.DailySchedules[0].Hours-8) > 1e-9 {
		t.Fatalf("expected 8 worked hours, got %v", pattern.DailySchedules[0].Hours)
	}
	if pattern.DailySchedules[5].Hours != 0 {
		t.Fatalf("off day must derive zero hours")
	}
}

func TestRecomputeHoursHandlesOvernightShift(t *testing.T) {
	pattern := TheoreticalShiftPattern{
		CycleLengthDays: 1,
		DailySchedules:  []DaySchedule{{StartTime: "22:00", EndTime: "06:00"}},
	}
	if err := RecomputeHours(&pattern, 0); err != nil {
		t.Fatalf("recompute failed: %v", err)
	}
	if math.Abs(pattern.DailySchedules[0].Hours-8) > 1e-9 {
		t.Fatalf("expected 8 overnight hours, got %v", pattern.DailySchedules[0].Hours)
	}
}

func TestRecomputeHoursScalesToWeeklyCeiling(t *testing.T) {
	pattern := weekPattern("semana")
	// 5 worked days of 8h = 40h/week; ceiling of 20 halves every day.
	if err := RecomputeHours(&pattern, 20); err != nil {
		t.Fatalf("recompute failed: %v", err)
	}
	if math.Abs(pattern.DailySchedules[0].Hours-4) > 1e-9 {
		t.Fatalf("expected scaled 4 hours, got %v", pattern.DailySchedules[0].Hours)
	}
}

func TestDeletePatternBlockedWhileAssigned(t *testing.T) {
	repo, _ := newScheduleRepository(t)
	pattern, err := repo.AddPattern(context.Background(), "admin", weekPattern("semana"))
	if err != nil {
		t.Fatalf("add pattern failed: %v", err)
	}
	assignment, err := repo.Assign(context.Background(), "admin", AssignedShift{
		EmployeeID: "emp-1", PatternID: pattern.ID, StartDate: "2026-03-01",
	})
	if err != nil {
		t.Fatalf("assign failed: %v", err)
	}

	err = repo.DeletePattern(context.Background(), "admin", pattern.ID)
	if !errors.Is(err, ErrPatternInUse) {
		t.Fatalf("expected ErrPatternInUse, got %v", err)
	}

	if err := repo.Unassign(context.Background(), "admin", assignment.ID); err != nil {
		t.Fatalf("unassign failed: %v", err)
	}
	if err := repo.DeletePattern(context.Background(), "admin", pattern.ID); err != nil {
		t.Fatalf("delete after unassign failed: %v", err)
	}
}

func TestEffectiveSchedulePicksLatestApplicableAssignment(t *testing.T) {
	repo, _ := newScheduleRepository(t)
	older, err := repo.AddPattern(context.Background(), "admin", weekPattern("antigua"))
	if err != nil {
		t.Fatalf("add pattern failed: %v", err)
	}
	newerPattern := weekPattern("nueva")
	newerPattern.DailySchedules[0].StartTime = "09:00"
	newer, err := repo.AddPattern(context.Background(), "admin", newerPattern)
	if err != nil {
		t.Fatalf("add pattern failed: %v", err)
	}

	if _, err := repo.Assign(context.Background(), "admin", AssignedShift{
		EmployeeID: "emp-1", PatternID: older.ID, StartDate: "2026-01-01",
	}); err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	if _, err := repo.Assign(context.Background(), "admin", AssignedShift{
		EmployeeID: "emp-1", PatternID: newer.ID, StartDate: "2026-03-01",
	}); err != nil {
		t.Fatalf("assign failed: %v", err)
	}

	// 2026-03-02 is one day into the newer cycle.
	day, ok := repo.EffectiveSchedule("emp-1", time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))
	if !ok {
		t.Fatalf("expected an effective schedule")
	}
	if day.StartTime != "08:00" {
		t.Fatalf("unexpected day schedule: %+v", day)
	}

	// On the newer assignment's start date, day index 0 applies.
	first, ok := repo.EffectiveSchedule("emp-1", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	if !ok {
		t.Fatalf("expected an effective schedule")
	}
	if first.StartTime != "09:00" {
		t.Fatalf("expected the newer pattern's first day, got %+v", first)
	}
}

func TestEffectiveScheduleIgnoresExpiredAssignments(t *testing.T) {
	repo, _ := newScheduleRepository(t)
	pattern, err := repo.AddPattern(context.Background(), "admin", weekPattern("semana"))
	if err != nil {
		t.Fatalf("add pattern failed: %v", err)
	}
	if _, err := repo.Assign(context.Background(), "admin", AssignedShift{
		EmployeeID: "emp-1", PatternID: pattern.ID,
		StartDate: "2026-01-01", EndDate: "2026-01-31",
	}); err != nil {
		t.Fatalf("assign failed: %v", err)
	}

	if _, ok := repo.EffectiveSchedule("emp-1", time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)); ok {
		t.Fatalf("expired assignment must not resolve")
	}
}

func TestSetMaxWeeklyHoursRecomputesCachedPatterns(t *testing.T) {
	repo, registry := newScheduleRepository(t)
	if _, err := repo.AddPattern(context.Background(), "admin", weekPattern("semana")); err != nil {
		t.Fatalf("add pattern failed: %v", err)
	}

	if err := repo.SetMaxWeeklyHours(context.Background(), "admin", 20); err != nil {
		t.Fatalf("set max weekly hours failed: %v", err)
	}
	stored, err := registry.GetFloat(settings.KeyMaxWeeklyHours, 0)
	if err != nil {
		t.Fatalf("setting read failed: %v", err)
	}
	if stored != 20 {
		t.Fatalf("expected stored ceiling 20, got %v", stored)
	}
	patterns := repo.Patterns()
	if math.Abs(patterns[0].DailySchedules[0].Hours-4) > 1e-9 {
		t.Fatalf("expected recomputed 4 hours, got %v", patterns[0].DailySchedules[0].Hours)
	}
}
