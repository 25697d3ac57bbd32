// Package server is the reference implementation of the remote authority
// contract the client syncs against. It backs local development and the sync
// engine's integration tests; production deployments replace it.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/relevolab/relevo/internal/syncer"
)

const claimsContextKey = "relevo_claims"

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingTokens   = errors.New("token issuer is required")
)

// StoredRecord is one synced record as the authority keeps it.
type StoredRecord struct {
	Collection     string `gorm:"column:collection;primaryKey;size:190;not null"`
	RecordID       string `gorm:"column:record_id;primaryKey;size:190;not null"`
	PayloadJSON    string `gorm:"column:payload_json;type:text;not null"`
	LastModifiedMs int64  `gorm:"column:last_modified_ms;not null"`
	ReceivedMs     int64  `gorm:"column:received_ms;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (StoredRecord) TableName() string {
	return "server_records"
}

// Account is one login account the authority accepts.
type Account struct {
	Username string `gorm:"column:username;primaryKey;size:190;not null"`
	Password string `gorm:"column:password;size:190;not null"`
	UserID   string `gorm:"column:user_id;size:190;not null"`
	Role     string `gorm:"column:role;size:32;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Account) TableName() string {
	return "server_accounts"
}

// Dependencies wires the handler.
type Dependencies struct {
	Database *gorm.DB
	Tokens   *TokenIssuer
	Clock    func() time.Time
	Logger   *zap.Logger
}

// NewHTTPHandler builds the gin handler implementing the sync contract.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Database == nil {
		return nil, errMissingDatabase
	}
	if deps.Tokens == nil {
		return nil, errMissingTokens
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := deps.Database.AutoMigrate(&StoredRecord{}, &Account{}); err != nil {
		return nil, err
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		db:     deps.Database,
		tokens: deps.Tokens,
		clock:  clock,
		logger: logger,
	}

	router.POST("/api/login", handler.handleLogin)

	protected := router.Group("/api")
	protected.Use(handler.authorizeRequest)
	protected.POST("/sync", handler.handleSync)
	protected.GET("/bootstrap", handler.handleBootstrap)

	return router, nil
}

type httpHandler struct {
	db     *gorm.DB
	tokens *TokenIssuer
	clock  func() time.Time
	logger *zap.Logger
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request syncer.LoginRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.Username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	var account Account
	err := h.db.Where("username = ?", request.Username).Take(&account).Error
	if err != nil || account.Password != request.Password {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	token, err := h.tokens.IssueToken(account.UserID, account.Username, account.Role)
	if err != nil {
		h.logger.Error("token issue failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(http.StatusOK, syncer.LoginResponse{Token: token})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	claims, err := h.tokens.ValidateToken(strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(claimsContextKey, claims)
	c.Next()
}

type incomingRecord struct {
	ID           string `json:"id"`
	LastModified int64  `json:"lastModified"`
}

// normalizePayload rewrites the envelope of a pushed record so the copy the
// authority redistributes is already acknowledged.
func normalizePayload(payload json.RawMessage) (string, error) {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return "", err
	}
	fields["syncStatus"] = "synced"
	delete(fields, "syncError")
	normalized, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	return string(normalized), nil
}

func (h *httpHandler) handleSync(c *gin.Context) {
	var request syncer.SyncRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	now := h.clock().UnixMilli()
	response := syncer.SyncResponse{
		Updates:          map[string][]json.RawMessage{},
		Errors:           []syncer.RecordError{},
		Conflicts:        []syncer.Conflict{},
		NewSyncTimestamp: now,
	}

	batches := map[string][]json.RawMessage{}
	for collection, payloads := range request.Changes {
		batches[collection] = payloads
	}
	if len(request.AuditLogs) > 0 {
		batches["audit_logs"] = append(batches["audit_logs"], request.AuditLogs...)
	}

	txErr := h.db.Transaction(func(tx *gorm.DB) error {
		for collection, payloads := range batches {
			for _, payload := range payloads {
				var incoming incomingRecord
				if err := json.Unmarshal(payload, &incoming); err != nil || incoming.ID == "" {
					response.Errors = append(response.Errors, syncer.RecordError{
						ClientRecordID: incoming.ID,
						Message:        "record is malformed or missing an id",
					})
					continue
				}

				var stored StoredRecord
				err := tx.Where("collection = ? AND record_id = ?", collection, incoming.ID).
					Take(&stored).Error
				if err == nil && stored.LastModifiedMs > incoming.LastModified {
					// Last write wins; the older client copy is superseded.
					response.Conflicts = append(response.Conflicts, syncer.Conflict{
						Message:    "a newer version of the record exists on the server",
						Collection: collection,
						RecordID:   incoming.ID,
					})
					continue
				}
				if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
					return err
				}

				normalized, err := normalizePayload(payload)
				if err != nil {
					response.Errors = append(response.Errors, syncer.RecordError{
						ClientRecordID: incoming.ID,
						Message:        "record payload is not valid JSON",
					})
					continue
				}
				record := StoredRecord{
					Collection:     collection,
					RecordID:       incoming.ID,
					PayloadJSON:    normalized,
					LastModifiedMs: incoming.LastModified,
					ReceivedMs:     now,
				}
				if err := tx.Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "collection"}, {Name: "record_id"}},
					UpdateAll: true,
				}).Create(&record).Error; err != nil {
					return err
				}
			}
		}

		// Changes other clients pushed since the caller's watermark.
		var changed []StoredRecord
		if err := tx.Where("received_ms > ? AND received_ms < ?", request.LastSyncTimestamp, now).
			Find(&changed).Error; err != nil {
			return err
		}
		for _, record := range changed {
			response.Updates[record.Collection] = append(
				response.Updates[record.Collection], json.RawMessage(record.PayloadJSON))
		}
		return nil
	})
	if txErr != nil {
		h.logger.Error("sync handling failed", zap.Error(txErr))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
		return
	}

	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleBootstrap(c *gin.Context) {
	var records []StoredRecord
	if err := h.db.Find(&records).Error; err != nil {
		h.logger.Error("bootstrap query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "bootstrap_failed"})
		return
	}

	response := syncer.BootstrapResponse{
		Data:             map[string][]json.RawMessage{},
		NewSyncTimestamp: h.clock().UnixMilli(),
	}
	for _, record := range records {
		response.Data[record.Collection] = append(
			response.Data[record.Collection], json.RawMessage(record.PayloadJSON))
	}
	c.JSON(http.StatusOK, response)
}
