package server_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/relevolab/relevo/internal/server"
	"github.com/relevolab/relevo/internal/syncer"
)

func newHandler(t *testing.T) (http.Handler, *gorm.DB, *server.TokenIssuer) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	tokens := server.NewTokenIssuer(server.TokenIssuerConfig{
		SigningSecret: []byte("server-test-secret"),
		Issuer:        "relevo-test",
	})
	handler, err := server.NewHTTPHandler(server.Dependencies{Database: db, Tokens: tokens})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return handler, db, tokens
}

func performJSON(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		payload = encoded
	}
	request := httptest.NewRequest(method, path, bytes.NewReader(payload))
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	handler, db, _ := newHandler(t)
	account := server.Account{Username: "jperez", Password: "clave123", UserID: "user-1", Role: "Usuario"}
	if err := db.Create(&account).Error; err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}

	response := performJSON(t, handler, http.MethodPost, "/api/login", "",
		syncer.LoginRequest{Username: "jperez", Password: "incorrecta"})
	if response.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", response.Code)
	}
}

func TestLoginIssuesUsableToken(t *testing.T) {
	handler, db, tokens := newHandler(t)
	account := server.Account{Username: "jperez", Password: "clave123", UserID: "user-1", Role: "Supervisor"}
	if err := db.Create(&account).Error; err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}

	response := performJSON(t, handler, http.MethodPost, "/api/login", "",
		syncer.LoginRequest{Username: "jperez", Password: "clave123"})
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", response.Code, response.Body.String())
	}
	var login syncer.LoginResponse
	if err := json.Unmarshal(response.Body.Bytes(), &login); err != nil {
		t.Fatalf("failed to decode login response: %v", err)
	}
	claims, err := tokens.ValidateToken(login.Token)
	if err != nil {
		t.Fatalf("issued token failed validation: %v", err)
	}
	if claims.UserID != "user-1" || claims.Role != "Supervisor" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestSyncRequiresBearerToken(t *testing.T) {
	handler, _, _ := newHandler(t)
	response := performJSON(t, handler, http.MethodPost, "/api/sync", "", syncer.SyncRequest{})
	if response.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", response.Code)
	}
}

func TestSyncNormalizesStoredPayloads(t *testing.T) {
	handler, db, tokens := newHandler(t)
	token, err := tokens.IssueToken("user-1", "jperez", "Usuario")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	request := syncer.SyncRequest{
		Changes: map[string][]json.RawMessage{
			"shift_reports": {json.RawMessage(`{"id":"rep-1","lastModified":1000,"syncStatus":"pending","syncError":"old failure","folio":"001"}`)},
		},
	}
	response := performJSON(t, handler, http.MethodPost, "/api/sync", token, request)
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", response.Code, response.Body.String())
	}

	var stored server.StoredRecord
	err = db.Where("collection = ? AND record_id = ?", "shift_reports", "rep-1").Take(&stored).Error
	if err != nil {
		t.Fatalf("failed to load stored record: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(stored.PayloadJSON), &fields); err != nil {
		t.Fatalf("stored payload is not JSON: %v", err)
	}
	if fields["syncStatus"] != "synced" {
		t.Fatalf("redistributed copy must be acknowledged, got %v", fields["syncStatus"])
	}
	if _, present := fields["syncError"]; present {
		t.Fatalf("stale sync error must be dropped from the stored copy")
	}
}

func TestSyncReportsOlderCopyAsConflict(t *testing.T) {
	handler, db, tokens := newHandler(t)
	token, err := tokens.IssueToken("user-1", "jperez", "Usuario")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	existing := server.StoredRecord{
		Collection:     "shift_reports",
		RecordID:       "rep-1",
		PayloadJSON:    `{"id":"rep-1","lastModified":9000,"syncStatus":"synced"}`,
		LastModifiedMs: 9000,
		ReceivedMs:     time.Now().UnixMilli() - 1000,
	}
	if err := db.Create(&existing).Error; err != nil {
		t.Fatalf("failed to seed record: %v", err)
	}

	request := syncer.SyncRequest{
		Changes: map[string][]json.RawMessage{
			"shift_reports": {json.RawMessage(`{"id":"rep-1","lastModified":1000,"syncStatus":"pending"}`)},
		},
	}
	response := performJSON(t, handler, http.MethodPost, "/api/sync", token, request)
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.Code)
	}
	var verdict syncer.SyncResponse
	if err := json.Unmarshal(response.Body.Bytes(), &verdict); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(verdict.Conflicts) != 1 || verdict.Conflicts[0].RecordID != "rep-1" {
		t.Fatalf("expected conflict for rep-1, got %+v", verdict.Conflicts)
	}

	var stored server.StoredRecord
	err = db.Where("collection = ? AND record_id = ?", "shift_reports", "rep-1").Take(&stored).Error
	if err != nil {
		t.Fatalf("failed to load stored record: %v", err)
	}
	if stored.LastModifiedMs != 9000 {
		t.Fatalf("newer server copy must survive, got %d", stored.LastModifiedMs)
	}
}

func TestBootstrapGroupsRecordsByCollection(t *testing.T) {
	handler, db, tokens := newHandler(t)
	token, err := tokens.IssueToken("user-1", "jperez", "Usuario")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	records := []server.StoredRecord{
		{Collection: "shift_reports", RecordID: "rep-1", PayloadJSON: `{"id":"rep-1"}`, LastModifiedMs: 1, ReceivedMs: 1},
		{Collection: "shift_reports", RecordID: "rep-2", PayloadJSON: `{"id":"rep-2"}`, LastModifiedMs: 2, ReceivedMs: 2},
		{Collection: "users", RecordID: "user-1", PayloadJSON: `{"id":"user-1"}`, LastModifiedMs: 3, ReceivedMs: 3},
	}
	for i := range records {
		if err := db.Create(&records[i]).Error; err != nil {
			t.Fatalf("failed to seed record: %v", err)
		}
	}

	response := performJSON(t, handler, http.MethodGet, "/api/bootstrap", token, nil)
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.Code)
	}
	var payload syncer.BootstrapResponse
	if err := json.Unmarshal(response.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(payload.Data["shift_reports"]) != 2 || len(payload.Data["users"]) != 1 {
		t.Fatalf("unexpected grouping: %+v", payload.Data)
	}
	if payload.NewSyncTimestamp == 0 {
		t.Fatalf("expected a fresh sync timestamp")
	}
}
