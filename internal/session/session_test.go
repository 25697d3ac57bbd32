package session

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"

	"github.com/relevolab/relevo/internal/settings"
)

func newTestSession(t *testing.T) (*Session, *settings.Registry) {
	t.Helper()
	dsn := fmt.Sprintf("file:session_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&settings.AppSetting{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	registry, err := settings.NewRegistry(db)
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	sess, err := New(registry, nil)
	if err != nil {
		t.Fatalf("failed to build session: %v", err)
	}
	return sess, registry
}

func signedToken(t *testing.T, userID, username, role string) string {
	t.Helper()
	claims := Claims{
		UserID:   userID,
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func TestEstablishDecodesClaimsWithoutValidation(t *testing.T) {
	sess, _ := newTestSession(t)
	token := signedToken(t, "user-1", "jperez", "Supervisor")

	if err := sess.Establish(token); err != nil {
		t.Fatalf("establish failed: %v", err)
	}
	if !sess.Active() {
		t.Fatalf("expected active session")
	}
	if sess.UserID() != "user-1" || sess.Username() != "jperez" || sess.Role() != "Supervisor" {
		t.Fatalf("unexpected claims: %q %q %q", sess.UserID(), sess.Username(), sess.Role())
	}
}

func TestRestoreRederivesSessionFromStorage(t *testing.T) {
	sess, registry := newTestSession(t)
	token := signedToken(t, "user-1", "jperez", "Usuario")
	if err := sess.Establish(token); err != nil {
		t.Fatalf("establish failed: %v", err)
	}

	restarted, err := New(registry, nil)
	if err != nil {
		t.Fatalf("failed to build session: %v", err)
	}
	if err := restarted.Restore(); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if !restarted.Active() || restarted.Username() != "jperez" {
		t.Fatalf("expected restored session for jperez")
	}
}

func TestClearRemovesPersistedToken(t *testing.T) {
	sess, registry := newTestSession(t)
	if err := sess.Establish(signedToken(t, "user-1", "jperez", "Usuario")); err != nil {
		t.Fatalf("establish failed: %v", err)
	}
	if err := sess.Clear(); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if sess.Active() {
		t.Fatalf("expected inactive session after clear")
	}
	stored, err := registry.GetString(settings.KeySessionToken, "")
	if err != nil {
		t.Fatalf("token read failed: %v", err)
	}
	if stored != "" {
		t.Fatalf("expected persisted token removed, got %q", stored)
	}
}

func TestEstablishRejectsGarbageToken(t *testing.T) {
	sess, _ := newTestSession(t)
	if err := sess.Establish("not-a-token"); err == nil {
		t.Fatalf("expected establish to fail")
	}
	if sess.Active() {
		t.Fatalf("session must stay inactive")
	}
}

func TestRestoreDropsUndecodableStoredToken(t *testing.T) {
	sess, registry := newTestSession(t)
	if err := registry.Set(settings.KeySessionToken, "corrupted"); err != nil {
		t.Fatalf("failed to seed token: %v", err)
	}
	if err := sess.Restore(); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if sess.Active() {
		t.Fatalf("expected inactive session")
	}
	stored, err := registry.GetString(settings.KeySessionToken, "")
	if err != nil {
		t.Fatalf("token read failed: %v", err)
	}
	if stored != "" {
		t.Fatalf("expected corrupted token dropped from storage")
	}
}
