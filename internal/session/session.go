// Package session holds the process-scoped authenticated session. The token
// issued by the remote authority is persisted across restarts and its claims
// are decoded locally without signature validation; the server remains the
// only party that verifies tokens.
package session

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/relevolab/relevo/internal/settings"
)

// ErrNoSession indicates that no authenticated session is active.
var ErrNoSession = errors.New("no active session")

// Claims are the identity fields the remote authority embeds in the token.
type Claims struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Session is the process-scoped authenticated state.
type Session struct {
	registry *settings.Registry
	logger   *zap.Logger

	token    string
	userID   string
	username string
	role     string
}

// New constructs an unauthenticated Session.
func New(registry *settings.Registry, logger *zap.Logger) (*Session, error) {
	if registry == nil {
		return nil, errors.New("session: settings registry is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{registry: registry, logger: logger}, nil
}

// Restore re-derives the session from durable storage at startup. A missing
// or undecodable stored token simply leaves the session unauthenticated.
func (s *Session) Restore() error {
	token, err := s.registry.GetString(settings.KeySessionToken, "")
	if err != nil {
		return err
	}
	if token == "" {
		return nil
	}
	if err := s.apply(token); err != nil {
		s.logger.Warn("stored session token is not decodable", zap.Error(err))
		return s.registry.Delete(settings.KeySessionToken)
	}
	return nil
}

// Establish decodes the token, populates the session and persists the token.
func (s *Session) Establish(token string) error {
	if err := s.apply(token); err != nil {
		return err
	}
	if err := s.registry.Set(settings.KeySessionToken, token); err != nil {
		s.logger.Error("session token persist failed", zap.Error(err))
		return err
	}
	s.logger.Info("session established", zap.String("username", s.username), zap.String("role", s.role))
	return nil
}

func (s *Session) apply(token string) error {
	claims := &Claims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return fmt.Errorf("session: decode token: %w", err)
	}
	if claims.UserID == "" || claims.Username == "" {
		return errors.New("session: token missing identity claims")
	}
	s.token = token
	s.userID = claims.UserID
	s.username = claims.Username
	s.role = claims.Role
	return nil
}

// Clear tears the session down and removes the persisted token.
func (s *Session) Clear() error {
	s.token = ""
	s.userID = ""
	s.username = ""
	s.role = ""
	return s.registry.Delete(settings.KeySessionToken)
}

// Active reports whether a session is established.
func (s *Session) Active() bool {
	return s.token != ""
}

// Token returns the bearer token, or ErrNoSession when unauthenticated.
func (s *Session) Token() (string, error) {
	if s.token == "" {
		return "", ErrNoSession
	}
	return s.token, nil
}

// UserID returns the authenticated user id.
func (s *Session) UserID() string { return s.userID }

// Username returns the authenticated username.
func (s *Session) Username() string { return s.username }

// Role returns the authenticated role.
func (s *Session) Role() string { return s.role }
