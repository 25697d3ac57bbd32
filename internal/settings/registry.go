// Package settings provides the typed key-value registry backing scalar
// configuration and monotonic counters such as the shift folio sequence.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Reserved registry keys.
const (
	KeyFolioCounter   = "shift.folioCounter"
	KeyMaxWeeklyHours = "schedule.maxWeeklyHours"
	KeySyncWatermark  = "sync.lastTimestamp"
	KeySessionToken   = "session.token"
)

// DefaultMaxWeeklyHours applies until an administrator changes the setting.
const DefaultMaxWeeklyHours = 45.0

// AppSetting is one persisted key-value row. Values are JSON encoded so any
// scalar round-trips unchanged.
type AppSetting struct {
	Key       string `gorm:"column:key;primaryKey;size:190;not null" json:"key"`
	ValueJSON string `gorm:"column:value_json;type:text;not null" json:"value"`
}

// TableName provides the explicit table binding for GORM.
func (AppSetting) TableName() string {
	return "app_settings"
}

// Registry reads and writes settings against one database handle.
type Registry struct {
	db *gorm.DB
}

// NewRegistry constructs a Registry over the provided handle.
func NewRegistry(db *gorm.DB) (*Registry, error) {
	if db == nil {
		return nil, errors.New("settings: database handle is required")
	}
	return &Registry{db: db}, nil
}

// WithTx returns a Registry view scoped to an enclosing transaction so that
// counter draws commit or roll back with the caller's writes.
func (r *Registry) WithTx(tx *gorm.DB) *Registry {
	return &Registry{db: tx}
}

func (r *Registry) get(key string, out any) (bool, error) {
	var row AppSetting
	err := r.db.Where("key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(row.ValueJSON), out); err != nil {
		return false, fmt.Errorf("settings: decode %q: %w", key, err)
	}
	return true, nil
}

// Set stores value under key, replacing any previous value.
func (r *Registry) Set(key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("settings: encode %q: %w", key, err)
	}
	row := AppSetting{Key: key, ValueJSON: string(encoded)}
	return r.db.
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "key"}}, UpdateAll: true}).
		Create(&row).Error
}

// Delete removes key. Absent keys are not an error.
func (r *Registry) Delete(key string) error {
	return r.db.Where("key = ?", key).Delete(&AppSetting{}).Error
}

// GetString returns the stored string or fallback when the key is absent.
func (r *Registry) GetString(key, fallback string) (string, error) {
	var value string
	found, err := r.get(key, &value)
	if err != nil {
		return fallback, err
	}
	if !found {
		return fallback, nil
	}
	return value, nil
}

// GetInt returns the stored integer or fallback when the key is absent.
func (r *Registry) GetInt(key string, fallback int64) (int64, error) {
	var value int64
	found, err := r.get(key, &value)
	if err != nil {
		return fallback, err
	}
	if !found {
		return fallback, nil
	}
	return value, nil
}

// GetFloat returns the stored float or fallback when the key is absent.
func (r *Registry) GetFloat(key string, fallback float64) (float64, error) {
	var value float64
	found, err := r.get(key, &value)
	if err != nil {
		return fallback, err
	}
	if !found {
		return fallback, nil
	}
	return value, nil
}

// NextFolio draws the next shift folio: it reads the counter (first run
// starts at 1), returns the zero-padded string for the current value and
// writes back the incremented counter. Run inside the transaction that
// persists the record consuming the folio.
func (r *Registry) NextFolio(width int) (string, error) {
	current, err := r.GetInt(KeyFolioCounter, 1)
	if err != nil {
		return "", err
	}
	folio := fmt.Sprintf("%0*d", width, current)
	if err := r.Set(KeyFolioCounter, current+1); err != nil {
		return "", err
	}
	return folio, nil
}
