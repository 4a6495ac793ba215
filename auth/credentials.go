// Copyright 2025 PLP Attendance Project
// SPDX-License-Identifier: Apache-2.0

// Package auth holds the bearer credential the sync engine attaches to
// remote calls, and answers whether a sync cycle is worth attempting at
// all. Sessions without a usable credential (signed out, local-only
// account, expired token) short-circuit the cycle instead of churning the
// retry queue.
package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoCredential is returned when no usable token is present.
var ErrNoCredential = errors.New("no valid credential")

// Provider answers credential questions for the orchestrator and the
// transport adapter.
type Provider interface {
	// Token returns the bearer token to attach to a call.
	Token(ctx context.Context) (string, error)
	// Valid reports whether a sync cycle should be attempted at all.
	Valid() bool
}

// TokenStore is a Provider backed by an in-memory bearer token, typically
// a JWT issued at sign-in. The token's exp claim is inspected without
// signature verification (the server remains the authority) to decide
// validity.
type TokenStore struct {
	mu    sync.RWMutex
	token string
	now   func() time.Time
}

// NewTokenStore creates a TokenStore holding the given token. An empty
// token models a local-only session.
func NewTokenStore(token string) *TokenStore {
	return &TokenStore{token: token, now: time.Now}
}

// SetToken replaces the stored credential, e.g. after a re-login.
func (s *TokenStore) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

// Clear drops the credential, e.g. on sign-out.
func (s *TokenStore) Clear() {
	s.SetToken("")
}

// Token implements Provider.
func (s *TokenStore) Token(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return "", ErrNoCredential
	}
	return s.token, nil
}

// Valid implements Provider. A token that does not parse as a JWT is
// still considered usable (opaque tokens are the server's business); only
// a provably expired JWT or a missing token invalidates the session.
func (s *TokenStore) Valid() bool {
	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()
	if token == "" {
		return false
	}

	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}
	return exp.After(s.now())
}
