package users

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/relevolab/relevo/internal/audit"
	"github.com/relevolab/relevo/internal/store"
)

func newTestRepository(t *testing.T) (*Repository, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:users_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&User{}, &audit.Entry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
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
		Audit:      sink,
		IDProvider: store.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build repository: %v", err)
	}
	if err := repo.Load(context.Background()); err != nil {
		t.Fatalf("failed to load repository: %v", err)
	}
	return repo, db
}

func mustAdd(t *testing.T, repo *Repository, user User) User {
	t.Helper()
	created, err := repo.Add(context.Background(), "admin", user)
	if err != nil {
		t.Fatalf("unexpected add error: %v", err)
	}
	return created
}

func TestAddRejectsDuplicateUsername(t *testing.T) {
	repo, db := newTestRepository(t)
	mustAdd(t, repo, User{Username: "jperez", Password: "secret", Role: RoleUsuario})

	_, err := repo.Add(context.Background(), "admin",
		User{Username: "jperez", Password: "other", Role: RoleSupervisor})
	if !errors.Is(err, ErrDuplicateUsername) {
		t.Fatalf("expected ErrDuplicateUsername, got %v", err)
	}

	var count int64
	if err := db.Model(&User{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count users: %v", err)
	}
	if count != 1 {
		t.Fatalf("duplicate add must leave the store unchanged, found %d rows", count)
	}
}

func TestUsernameMatchIsCaseSensitive(t *testing.T) {
	repo, _ := newTestRepository(t)
	mustAdd(t, repo, User{Username: "jperez", Password: "secret", Role: RoleUsuario})
	if _, err := repo.Add(context.Background(), "admin",
		User{Username: "JPerez", Password: "secret", Role: RoleUsuario}); err != nil {
		t.Fatalf("differently-cased username must be accepted, got %v", err)
	}
}

func TestAddRejectsLinkedEmployee(t *testing.T) {
	repo, _ := newTestRepository(t)
	mustAdd(t, repo, User{Username: "jperez", Password: "secret", Role: RoleUsuario, EmployeeID: "emp-1"})

	_, err := repo.Add(context.Background(), "admin",
		User{Username: "mlopez", Password: "secret", Role: RoleUsuario, EmployeeID: "emp-1"})
	if !errors.Is(err, ErrEmployeeLinked) {
		t.Fatalf("expected ErrEmployeeLinked, got %v", err)
	}
}

func TestUpdateAllowsKeepingOwnUsername(t *testing.T) {
	repo, _ := newTestRepository(t)
	created := mustAdd(t, repo, User{Username: "jperez", Password: "secret", Role: RoleUsuario})

	created.Role = RoleSupervisor
	updated, err := repo.Update(context.Background(), "admin", created)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Role != RoleSupervisor {
		t.Fatalf("expected supervisor role, got %q", updated.Role)
	}
	if updated.SyncStatus != store.StatusPending {
		t.Fatalf("update must mark the record pending, got %q", updated.SyncStatus)
	}
}

func TestDeleteProtectsLastAdministrator(t *testing.T) {
	repo, _ := newTestRepository(t)
	admin := mustAdd(t, repo, User{Username: "admin", Password: "secret", Role: RoleAdministrador})

	err := repo.Delete(context.Background(), "admin", admin.ID)
	if !errors.Is(err, ErrLastAdministrator) {
		t.Fatalf("expected ErrLastAdministrator, got %v", err)
	}

	second := mustAdd(t, repo, User{Username: "admin2", Password: "secret", Role: RoleAdministrador})
	if err := repo.Delete(context.Background(), "admin", second.ID); err != nil {
		t.Fatalf("deleting a non-last administrator must succeed, got %v", err)
	}
}

func TestDeleteUnknownUser(t *testing.T) {
	repo, _ := newTestRepository(t)
	err := repo.Delete(context.Background(), "admin", "missing-id")
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestAddRejectsUnknownRole(t *testing.T) {
	repo, _ := newTestRepository(t)
	_, err := repo.Add(context.Background(), "admin",
		User{Username: "jperez", Password: "secret", Role: "Gerente"})
	if !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
}
