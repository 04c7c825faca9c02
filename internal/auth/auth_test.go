// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package auth

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/sorad/internal/store"
)

func newService(t *testing.T) *Service {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st, "test-secret", zerolog.Nop())
}

func TestBootstrapSeedsAdminOnce(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	created, err := s.Bootstrap(ctx, "admin", "hunter2")
	require.NoError(t, err)
	require.True(t, created)

	created, err = s.Bootstrap(ctx, "admin", "hunter2")
	require.NoError(t, err)
	require.False(t, created)
}

func TestLoginRoundTrip(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	_, err := s.Bootstrap(ctx, "admin", "hunter2")
	require.NoError(t, err)

	token, user, err := s.Login(ctx, "admin", "hunter2")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.Equal(t, "admin", user.Username)
	require.Equal(t, "admin", user.Role)

	verified, err := s.Verify(ctx, token)
	require.NoError(t, err)
	require.Equal(t, "admin", verified.Username)
}

func TestLoginWrongPassword(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	_, err := s.Bootstrap(ctx, "admin", "hunter2")
	require.NoError(t, err)

	_, _, err = s.Login(ctx, "admin", "wrong")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginUnknownUser(t *testing.T) {
	s := newService(t)
	_, _, err := s.Login(context.Background(), "nobody", "whatever")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	_, err := s.Verify(ctx, "")
	require.ErrorIs(t, err, ErrInvalidToken)
	_, err = s.Verify(ctx, "not.a.jwt")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsForeignSecret(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	_, err := s.Bootstrap(ctx, "admin", "hunter2")
	require.NoError(t, err)
	token, _, err := s.Login(ctx, "admin", "hunter2")
	require.NoError(t, err)

	other := New(s.store, "other-secret", zerolog.Nop())
	_, err = other.Verify(ctx, token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsExpired(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	_, err := s.Bootstrap(ctx, "admin", "hunter2")
	require.NoError(t, err)

	issued := time.Now().Add(-48 * time.Hour)
	s.now = func() time.Time { return issued }
	token, _, err := s.Login(ctx, "admin", "hunter2")
	require.NoError(t, err)

	s.now = time.Now
	_, err = s.Verify(ctx, token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestExtractToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/v1/admin/logs", nil)
	r.Header.Set("Authorization", "Bearer abc123")
	require.Equal(t, "abc123", ExtractToken(r, false))

	r = httptest.NewRequest("GET", "/api/v1/admin/logs/stream?token=qry456", nil)
	require.Equal(t, "", ExtractToken(r, false))
	require.Equal(t, "qry456", ExtractToken(r, true))

	// Header wins over query.
	r.Header.Set("Authorization", "Bearer hdr789")
	require.Equal(t, "hdr789", ExtractToken(r, true))
}
