// Package users owns local user accounts and their write-time invariants.
package users

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/relevolab/relevo/internal/audit"
	"github.com/relevolab/relevo/internal/store"
)

// CollectionName is the wire-level name of the user collection.
const CollectionName = "users"

// Role values, ordered by privilege.
const (
	RoleUsuario       = "Usuario"
	RoleSupervisor    = "Supervisor"
	RoleAdministrador = "Administrador"
)

// Validation errors surfaced to the caller with a user-facing message.
var (
	ErrDuplicateUsername = errors.New("the username is already taken")
	ErrEmployeeLinked    = errors.New("the employee is already linked to another user")
	ErrLastAdministrator = errors.New("the last administrator cannot be deleted")
	ErrUserNotFound      = errors.New("user not found")
	ErrEmptyUsername     = errors.New("username is required")
	ErrInvalidRole       = errors.New("unknown role")
)

// User is one local account. Password is an opaque string; verification
// happens server-side on login.
type User struct {
	store.Envelope
	Username   string `gorm:"column:username;size:190;not null;uniqueIndex" json:"username"`
	Password   string `gorm:"column:password;size:190;not null" json:"password"`
	Role       string `gorm:"column:role;size:32;not null" json:"role"`
	EmployeeID string `gorm:"column:employee_id;size:190;index" json:"employeeId,omitempty"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return CollectionName
}

// Collection registers users with the durable store.
func Collection() store.Collection {
	return store.NewTable[User](CollectionName, true)
}

func validRole(role string) bool {
	switch role {
	case RoleUsuario, RoleSupervisor, RoleAdministrador:
		return true
	}
	return false
}

// RepositoryConfig wires the repository dependencies.
type RepositoryConfig struct {
	Database   *gorm.DB
	Audit      *audit.Sink
	Clock      func() time.Time
	IDProvider store.IDProvider
	Logger     *zap.Logger
}

// Repository owns the user cache and mutation rules.
type Repository struct {
	db         *gorm.DB
	audit      *audit.Sink
	clock      func() time.Time
	idProvider store.IDProvider
	logger     *zap.Logger
	cache      []User
}

// NewRepository constructs a Repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if cfg.Database == nil {
		return nil, errors.New("users: database handle is required")
	}
	if cfg.Audit == nil {
		return nil, errors.New("users: audit sink is required")
	}
	if cfg.IDProvider == nil {
		return nil, errors.New("users: id provider is required")
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

// Load fills the in-memory cache sorted by username.
func (r *Repository) Load(ctx context.Context) error {
	var rows []User
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		r.logger.Error("users load failed", zap.Error(err))
		return err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Username < rows[j].Username })
	r.cache = rows
	return nil
}

// Users returns a copy of the cached accounts.
func (r *Repository) Users() []User {
	return append([]User(nil), r.cache...)
}

// FindByUsername looks an account up by exact username.
func (r *Repository) FindByUsername(username string) (User, bool) {
	for i := range r.cache {
		if r.cache[i].Username == username {
			return r.cache[i], true
		}
	}
	return User{}, false
}

// FindByEmployee looks an account up by linked employee id.
func (r *Repository) FindByEmployee(employeeID string) (User, bool) {
	if employeeID == "" {
		return User{}, false
	}
	for i := range r.cache {
		if r.cache[i].EmployeeID == employeeID {
			return r.cache[i], true
		}
	}
	return User{}, false
}

func (r *Repository) validate(candidate User, existingID string) error {
	if candidate.Username == "" {
		return ErrEmptyUsername
	}
	if !validRole(candidate.Role) {
		return ErrInvalidRole
	}
	for i := range r.cache {
		other := &r.cache[i]
		if other.ID == existingID {
			continue
		}
		if other.Username == candidate.Username {
			return ErrDuplicateUsername
		}
		if candidate.EmployeeID != "" && other.EmployeeID == candidate.EmployeeID {
			return ErrEmployeeLinked
		}
	}
	return nil
}

// Add creates a new account after validating the uniqueness invariants.
func (r *Repository) Add(ctx context.Context, actor string, user User) (User, error) {
	if err := r.validate(user, ""); err != nil {
		return User{}, err
	}
	id, err := r.idProvider.NewID()
	if err != nil {
		r.logger.Error("user id generation failed", zap.Error(err))
		return User{}, err
	}
	user.ID = id
	user.Touch(r.clock())

	if err := r.db.WithContext(ctx).Create(&user).Error; err != nil {
		r.logger.Error("user create failed", zap.String("username", user.Username), zap.Error(err))
		r.auditFailure(actor, "Crear Usuario", err, user.Username)
		return User{}, err
	}

	r.cache = append(r.cache, user)
	sort.Slice(r.cache, func(i, j int) bool { return r.cache[i].Username < r.cache[j].Username })
	r.auditSuccess(actor, "Crear Usuario", user.Username)
	return user, nil
}

// Update replaces the mutable fields of an existing account.
func (r *Repository) Update(ctx context.Context, actor string, user User) (User, error) {
	cacheIndex := -1
	for i := range r.cache {
		if r.cache[i].ID == user.ID {
			cacheIndex = i
			break
		}
	}
	if cacheIndex < 0 {
		return User{}, ErrUserNotFound
	}
	if err := r.validate(user, user.ID); err != nil {
		return User{}, err
	}
	user.Touch(r.clock())

	if err := r.db.WithContext(ctx).Save(&user).Error; err != nil {
		r.logger.Error("user update failed", zap.String("username", user.Username), zap.Error(err))
		r.auditFailure(actor, "Editar Usuario", err, user.Username)
		return User{}, err
	}

	r.cache[cacheIndex] = user
	sort.Slice(r.cache, func(i, j int) bool { return r.cache[i].Username < r.cache[j].Username })
	r.auditSuccess(actor, "Editar Usuario", user.Username)
	return user, nil
}

// Delete removes an account. The last remaining administrator is protected.
func (r *Repository) Delete(ctx context.Context, actor, id string) error {
	cacheIndex := -1
	for i := range r.cache {
		if r.cache[i].ID == id {
			cacheIndex = i
			break
		}
	}
	if cacheIndex < 0 {
		return ErrUserNotFound
	}
	target := r.cache[cacheIndex]
	if target.Role == RoleAdministrador {
		admins := 0
		for i := range r.cache {
			if r.cache[i].Role == RoleAdministrador {
				admins++
			}
		}
		if admins <= 1 {
			return ErrLastAdministrator
		}
	}

	if err := r.db.WithContext(ctx).Delete(&User{}, "id = ?", id).Error; err != nil {
		r.logger.Error("user delete failed", zap.String("username", target.Username), zap.Error(err))
		r.auditFailure(actor, "Eliminar Usuario", err, target.Username)
		return err
	}

	r.cache = append(r.cache[:cacheIndex], r.cache[cacheIndex+1:]...)
	r.auditSuccess(actor, "Eliminar Usuario", target.Username)
	return nil
}

func (r *Repository) auditSuccess(actor, action, username string) {
	if err := r.audit.Append(nil, actor, action, map[string]any{"username": username}); err != nil {
		r.logger.Warn("audit append failed", zap.String("action", action), zap.Error(err))
	}
}

func (r *Repository) auditFailure(actor, action string, cause error, username string) {
	details := map[string]any{"username": username, "error": cause.Error()}
	if err := r.audit.Append(nil, actor, action+" Failed", details); err != nil {
		r.logger.Warn("audit append failed", zap.String("action", action), zap.Error(err))
	}
}
