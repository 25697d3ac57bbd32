// Package schedules owns theoretical shift patterns and their assignment to
// employees over date ranges.
package schedules

import (
	"fmt"
	"time"

	"github.com/relevolab/relevo/internal/store"
)

// Collection names.
const (
	PatternCollectionName    = "shift_patterns"
	AssignmentCollectionName = "assigned_shifts"
)

// DaySchedule describes one day inside a pattern cycle. Hours is derived and
// recomputed on every pattern write and on every change of the global
// max-weekly-hours setting; it is never trusted as stored.
type DaySchedule struct {
	StartTime       string  `json:"startTime"`
	EndTime         string  `json:"endTime"`
	IsOffDay        bool    `json:"isOffDay"`
	HasColacion     bool    `json:"hasColacion"`
	ColacionMinutes int     `json:"colacionMinutes"`
	Hours           float64 `json:"hours"`
}

// TheoreticalShiftPattern is a repeating N-day schedule template.
type TheoreticalShiftPattern struct {
	store.Envelope
	Name            string        `gorm:"column:name;size:190;not null" json:"name"`
	CycleLengthDays int           `gorm:"column:cycle_length_days;not null" json:"cycleLengthDays"`
	DailySchedules  []DaySchedule `gorm:"column:daily_schedules;type:text;serializer:json" json:"dailySchedules"`
}

// TableName provides the explicit table binding for GORM.
func (TheoreticalShiftPattern) TableName() string {
	return PatternCollectionName
}

// AssignedShift binds an employee to a pattern over [StartDate, EndDate].
// EndDate empty means open-ended. Overlapping assignments are permitted;
// resolution picks the latest applicable start date.
type AssignedShift struct {
	store.Envelope
	EmployeeID string `gorm:"column:employee_id;size:190;not null;index" json:"employeeId"`
	PatternID  string `gorm:"column:pattern_id;size:190;not null;index" json:"patternId"`
	StartDate  string `gorm:"column:start_date;size:32;not null" json:"startDate"`
	EndDate    string `gorm:"column:end_date;size:32" json:"endDate,omitempty"`
}

// TableName provides the explicit table binding for GORM.
func (AssignedShift) TableName() string {
	return AssignmentCollectionName
}

// PatternCollection registers patterns with the durable store.
func PatternCollection() store.Collection {
	return store.NewTable[TheoreticalShiftPattern](PatternCollectionName, true)
}

// AssignmentCollection registers assignments with the durable store.
func AssignmentCollection() store.Collection {
	return store.NewTable[AssignedShift](AssignmentCollectionName, true)
}

const dateLayout = "2006-01-02"

func parseDate(value string) (time.Time, error) {
	parsed, err := time.Parse(dateLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", value, err)
	}
	return parsed, nil
}

func parseClock(value string) (int, error) {
	parsed, err := time.Parse("15:04", value)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: %w", value, err)
	}
	return parsed.Hour()*60 + parsed.Minute(), nil
}

// RecomputeHours derives the per-day hours of a pattern from its schedule and
// the global weekly ceiling. Worked minutes run start to end (wrapping past
// midnight), minus the colacion break when taken. When the cycle-normalized
// week exceeds maxWeeklyHours every day is scaled down proportionally so the
// theoretical week fits the ceiling.
func RecomputeHours(pattern *TheoreticalShiftPattern, maxWeeklyHours float64) error {
	if pattern.CycleLengthDays <= 0 {
		return fmt.Errorf("cycle length must be positive")
	}
	total := 0.0
	for i := range pattern.DailySchedules {
		day := &pattern.DailySchedules[i]
		if day.IsOffDay {
			day.Hours = 0
			continue
		}
		start, err := parseClock(day.StartTime)
		if err != nil {
			return err
		}
		end, err := parseClock(day.EndTime)
		if err != nil {
			return err
		}
		minutes := end - start
		if minutes <= 0 {
			minutes += 24 * 60
		}
		if day.HasColacion {
			minutes -= day.ColacionMinutes
		}
		if minutes < 0 {
			minutes = 0
		}
		day.Hours = float64(minutes) / 60
		total += day.Hours
	}

	weekly := total * 7 / float64(pattern.CycleLengthDays)
	if maxWeeklyHours > 0 && weekly > maxWeeklyHours {
		scale := maxWeeklyHours / weekly
		for i := range pattern.DailySchedules {
			pattern.DailySchedules[i].Hours *= scale
		}
	}
	return nil
}
