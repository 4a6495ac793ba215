// Copyright 2025 PLP Attendance Project
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": "teacher-17"}
	if !exp.IsZero() {
		claims["exp"] = exp.Unix()
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

func TestEmptyTokenIsInvalid(t *testing.T) {
	s := NewTokenStore("")
	require.False(t, s.Valid())

	_, err := s.Token(context.Background())
	require.ErrorIs(t, err, ErrNoCredential)
}

func TestOpaqueTokenIsUsable(t *testing.T) {
	s := NewTokenStore("opaque-session-key")
	require.True(t, s.Valid(), "non-JWT tokens are the server's business")

	tok, err := s.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "opaque-session-key", tok)
}

func TestExpiredJWTIsInvalid(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	s := NewTokenStore(signedToken(t, now.Add(-time.Minute)))
	s.now = func() time.Time { return now }
	require.False(t, s.Valid())
}

func TestUnexpiredJWTIsValid(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	s := NewTokenStore(signedToken(t, now.Add(time.Hour)))
	s.now = func() time.Time { return now }
	require.True(t, s.Valid())
}

func TestJWTWithoutExpIsValid(t *testing.T) {
	s := NewTokenStore(signedToken(t, time.Time{}))
	require.True(t, s.Valid())
}

func TestSetTokenAndClear(t *testing.T) {
	s := NewTokenStore("")
	require.False(t, s.Valid())

	s.SetToken("fresh-token")
	require.True(t, s.Valid())

	s.Clear()
	require.False(t, s.Valid())
	_, err := s.Token(context.Background())
	require.ErrorIs(t, err, ErrNoCredential)
}
