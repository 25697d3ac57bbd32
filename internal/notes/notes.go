// Package notes owns quick notes: short-lived messages between shifts,
// purged after a fixed retention window.
package notes

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/relevolab/relevo/internal/audit"
	"github.com/relevolab/relevo/internal/store"
	"github.com/relevolab/relevo/internal/users"
)

// CollectionName is the wire-level name of the quick note collection.
const CollectionName = "quick_notes"

// RetentionWindow is how long a note stays readable after creation.
const RetentionWindow = 5 * 24 * time.Hour

// Validation errors surfaced to the caller with a user-facing message.
var (
	ErrEmptyContent = errors.New("note content is required")
	ErrNoteNotFound = errors.New("note not found")
	ErrNotAuthor    = errors.New("only the author or an administrator can delete the note")
)

// QuickNote is one persisted note.
type QuickNote struct {
	store.Envelope
	Content        string `gorm:"column:content;type:text;not null" json:"content"`
	AuthorUsername string `gorm:"column:author_username;size:190;not null" json:"authorUsername"`
	CreatedAt      int64  `gorm:"column:created_at_ms;not null;index" json:"createdAt"`
}

// TableName provides the explicit table binding for GORM.
func (QuickNote) TableName() string {
	return CollectionName
}

// Collection registers quick notes with the durable store.
func Collection() store.Collection {
	return store.NewTable[QuickNote](CollectionName, true)
}

// RepositoryConfig wires the repository dependencies.
type RepositoryConfig struct {
	Database   *gorm.DB
	Audit      *audit.Sink
	Clock      func() time.Time
	IDProvider store.IDProvider
	Logger     *zap.Logger
}

// Repository owns the quick note cache and retention purge.
type Repository struct {
	db         *gorm.DB
	audit      *audit.Sink
	clock      func() time.Time
	idProvider store.IDProvider
	logger     *zap.Logger
	cache      []QuickNote
}

// NewRepository constructs a Repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if cfg.Database == nil {
		return nil, errors.New("notes: database handle is required")
	}
	if cfg.Audit == nil {
		return nil, errors.New("notes: audit sink is required")
	}
	if cfg.IDProvider == nil {
		return nil, errors.New("notes: id provider is required")
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

// Load fills the cache with notes inside the retention window, newest first,
// then purges the expired remainder in the background. A purge failure is
// logged but never blocks the returned read.
func (r *Repository) Load(ctx context.Context) error {
	var rows []QuickNote
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		r.logger.Error("notes load failed", zap.Error(err))
		return err
	}

	cutoff := r.clock().Add(-RetentionWindow).UnixMilli()
	valid := rows[:0]
	expired := 0
	for _, row := range rows {
		if row.CreatedAt > cutoff {
			valid = append(valid, row)
		} else {
			expired++
		}
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i].CreatedAt > valid[j].CreatedAt })
	r.cache = append([]QuickNote(nil), valid...)

	if expired > 0 {
		go r.purgeExpired(cutoff)
	}
	return nil
}

func (r *Repository) purgeExpired(cutoff int64) {
	if err := r.db.Where("created_at_ms <= ?", cutoff).Delete(&QuickNote{}).Error; err != nil {
		r.logger.Warn("expired note purge failed", zap.Error(err))
	}
}

// Notes returns a copy of the cached notes, newest first.
func (r *Repository) Notes() []QuickNote {
	return append([]QuickNote(nil), r.cache...)
}

// Add persists a new note authored by actor.
func (r *Repository) Add(ctx context.Context, actor, content string) (QuickNote, error) {
	if content == "" {
		return QuickNote{}, ErrEmptyContent
	}
	id, err := r.idProvider.NewID()
	if err != nil {
		r.logger.Error("note id generation failed", zap.Error(err))
		return QuickNote{}, err
	}
	now := r.clock()
	note := QuickNote{
		Content:        content,
		AuthorUsername: actor,
		CreatedAt:      now.UnixMilli(),
	}
	note.ID = id
	note.Touch(now)

	if err := r.db.WithContext(ctx).Create(&note).Error; err != nil {
		r.logger.Error("note create failed", zap.Error(err))
		r.auditFailure(actor, "Crear Nota", err)
		return QuickNote{}, err
	}

	r.cache = append([]QuickNote{note}, r.cache...)
	r.auditSuccess(actor, "Crear Nota")
	return note, nil
}

// Delete removes a note. Only the author or an administrator may delete.
func (r *Repository) Delete(ctx context.Context, actor, actorRole, id string) error {
	cacheIndex := -1
	for i := range r.cache {
		if r.cache[i].ID == id {
			cacheIndex = i
			break
		}
	}
	if cacheIndex < 0 {
		return ErrNoteNotFound
	}
	note := r.cache[cacheIndex]
	if note.AuthorUsername != actor && actorRole != users.RoleAdministrador {
		return ErrNotAuthor
	}

	if err := r.db.WithContext(ctx).Delete(&QuickNote{}, "id = ?", id).Error; err != nil {
		r.logger.Error("note delete failed", zap.Error(err))
		r.auditFailure(actor, "Eliminar Nota", err)
		return err
	}

	r.cache = append(r.cache[:cacheIndex], r.cache[cacheIndex+1:]...)
	r.auditSuccess(actor, "Eliminar Nota")
	return nil
}

func (r *Repository) auditSuccess(actor, action string) {
	if err := r.audit.Append(nil, actor, action, map[string]any{}); err != nil {
		r.logger.Warn("audit append failed", zap.String("action", action), zap.Error(err))
	}
}

func (r *Repository) auditFailure(actor, action string, cause error) {
	if err := r.audit.Append(nil, actor, action+" Failed", map[string]any{"error": cause.Error()}); err != nil {
		r.logger.Warn("audit append failed", zap.String("action", action), zap.Error(err))
	}
}
