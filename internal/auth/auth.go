// Package auth validates session tokens issued by the REST auth service.
// The gateway never issues or refreshes tokens; it only resolves a token to
// the user it belongs to.
package auth

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrInvalidToken = errors.New("auth: invalid session token")
	ErrExpiredToken = errors.New("auth: session expired")
	ErrUnavailable  = errors.New("auth: session store unavailable")
)

// Session is the stored record behind a token.
type Session struct {
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Validator resolves a session token to a user id.
type Validator interface {
	ValidateSessionToken(ctx context.Context, token string) (string, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, token string) (string, error)

func (f ValidatorFunc) ValidateSessionToken(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

// check applies the expiry rule shared by every store.
func (s Session) check(now time.Time) (string, error) {
	if s.UserID == "" {
		return "", ErrInvalidToken
	}
	if !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt) {
		return "", ErrExpiredToken
	}
	return s.UserID, nil
}

// Static is an in-memory token table for local runs and tests.
type Static struct {
	mu       sync.RWMutex
	sessions map[string]Session
	now      func() time.Time
}

func NewStatic() *Static {
	return &Static{sessions: make(map[string]Session), now: time.Now}
}

// Put registers token for userID; a zero expiresAt never expires.
func (s *Static) Put(token, userID string, expiresAt time.Time) {
	s.mu.Lock()
	s.sessions[token] = Session{UserID: userID, ExpiresAt: expiresAt}
	s.mu.Unlock()
}

// Revoke removes token.
func (s *Static) Revoke(token string) {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
}

func (s *Static) ValidateSessionToken(_ context.Context, token string) (string, error) {
	s.mu.RLock()
	sess, ok := s.sessions[token]
	s.mu.RUnlock()
	if !ok {
		return "", ErrInvalidToken
	}
	return sess.check(s.now())
}
