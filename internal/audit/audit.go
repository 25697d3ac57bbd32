// Package audit implements the append-only action journal. Every repository
// mutation lands one entry here; the journal itself is a syncable collection
// pushed to the server alongside domain records.
package audit

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/relevolab/relevo/internal/store"
)

// CollectionName is the wire-level name of the audit journal.
const CollectionName = "audit_logs"

// Entry is one journaled action. Entries are never mutated after creation,
// only appended or bulk-cleared.
type Entry struct {
	store.Envelope
	Timestamp     int64          `gorm:"column:timestamp_ms;not null;index" json:"timestamp"`
	ActorUsername string         `gorm:"column:actor_username;size:190;not null" json:"actorUsername"`
	Action        string         `gorm:"column:action;size:190;not null" json:"action"`
	Details       map[string]any `gorm:"column:details;type:text;serializer:json" json:"details"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return CollectionName
}

// Collection registers the journal with the durable store.
func Collection() store.Collection {
	return store.NewTable[Entry](CollectionName, true)
}

// Sink appends entries to the journal.
type Sink struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider store.IDProvider
	logger     *zap.Logger
}

// SinkConfig wires the Sink dependencies.
type SinkConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider store.IDProvider
	Logger     *zap.Logger
}

// NewSink constructs a Sink.
func NewSink(cfg SinkConfig) (*Sink, error) {
	if cfg.Database == nil {
		return nil, errors.New("audit: database handle is required")
	}
	if cfg.IDProvider == nil {
		return nil, errors.New("audit: id provider is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{db: cfg.Database, clock: clock, idProvider: cfg.IDProvider, logger: logger}, nil
}

// Append journals one action. tx may be nil to write outside any enclosing
// transaction. Journal failures are logged and returned but callers whose
// primary mutation already committed treat them as non-fatal.
func (s *Sink) Append(tx *gorm.DB, actor, action string, details map[string]any) error {
	if tx == nil {
		tx = s.db
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logger.Error("audit entry id generation failed",
			zap.String("action", action), zap.Error(err))
		return err
	}
	now := s.clock()
	entry := Entry{
		Timestamp:     now.UnixMilli(),
		ActorUsername: actor,
		Action:        action,
		Details:       details,
	}
	entry.ID = id
	entry.Touch(now)
	if err := tx.Create(&entry).Error; err != nil {
		s.logger.Error("audit entry write failed",
			zap.String("action", action), zap.Error(err))
		return err
	}
	return nil
}

// List returns the journal newest first.
func (s *Sink) List() ([]Entry, error) {
	var entries []Entry
	if err := s.db.Order("timestamp_ms DESC").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// Clear wipes the whole journal. Unlike repository mutations this propagates
// the raw storage error so the administrative caller can handle it in
// context.
func (s *Sink) Clear() error {
	return s.db.Where("1 = 1").Delete(&Entry{}).Error
}
