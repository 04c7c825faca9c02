// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package auth handles operator accounts: bcrypt-backed login, HS256 JWT
// issue/verify, and token extraction from requests. The SSE endpoint is the
// only place query-parameter tokens are accepted (EventSource cannot set
// headers).
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/ManuGH/sorad/internal/store"
)

const tokenLifetime = 24 * time.Hour

var (
	// ErrInvalidCredentials covers unknown user and wrong password alike.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrInvalidToken covers expired, malformed, and mis-signed tokens.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Service verifies credentials and mints tokens.
type Service struct {
	store  *store.Store
	secret []byte
	logger zerolog.Logger
	now    func() time.Time
}

// New builds a Service. The secret signs every issued token; rotating it
// invalidates all sessions.
func New(s *store.Store, secret string, logger zerolog.Logger) *Service {
	return &Service{
		store:  s,
		secret: []byte(secret),
		logger: logger.With().Str("component", "auth").Logger(),
		now:    time.Now,
	}
}

// Login checks the password and returns a signed token plus the account.
func (s *Service) Login(ctx context.Context, username, password string) (string, *store.User, error) {
	user, err := s.store.GetUserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		// Burn a comparison anyway so unknown users cost the same as wrong
		// passwords.
		_ = bcrypt.CompareHashAndPassword(
			[]byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"), []byte(password))
		return "", nil, ErrInvalidCredentials
	}
	if err != nil {
		return "", nil, fmt.Errorf("auth: user lookup: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return "", nil, ErrInvalidCredentials
	}

	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   user.Username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", nil, fmt.Errorf("auth: sign token: %w", err)
	}
	return token, user, nil
}

// Verify validates a token and returns the account it names.
func (s *Service) Verify(ctx context.Context, tokenString string) (*store.User, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	user, err := s.store.GetUserByUsername(ctx, claims.Subject)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("auth: user lookup: %w", err)
	}
	return user, nil
}

// Bootstrap seeds the initial admin account when the user table is empty.
// Returns true when it created one.
func (s *Service) Bootstrap(ctx context.Context, username, password string) (bool, error) {
	n, err := s.store.CountUsers(ctx)
	if err != nil {
		return false, fmt.Errorf("auth: count users: %w", err)
	}
	if n > 0 {
		return false, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return false, fmt.Errorf("auth: hash password: %w", err)
	}
	if _, err := s.store.CreateUser(ctx, username, string(hash), "admin"); err != nil {
		return false, fmt.Errorf("auth: seed admin: %w", err)
	}
	s.logger.Info().Str("username", username).Msg("seeded initial admin account")
	return true, nil
}

// ExtractToken pulls the bearer token from a request.
// 1. Authorization: Bearer <token>
// 2. Query: ?token= (only when allowQuery; used by the SSE stream)
func ExtractToken(r *http.Request, allowQuery bool) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	if allowQuery {
		if t := r.URL.Query().Get("token"); t != "" {
			return t
		}
	}
	return ""
}
