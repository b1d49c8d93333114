// Package auth issues and checks bearer tokens for the admin HTTP API.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/account"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/config"
)

const issuer = "ledger-chat"

var (
	ErrBadCredentials = apperr.New(apperr.KindUnauthorized, "invalid credentials")
	ErrInvalidToken   = apperr.New(apperr.KindUnauthorized, "invalid token")
	ErrNotConfigured  = apperr.New(apperr.KindUnauthorized, "admin api disabled")
)

// TokenService signs HS256 admin tokens with the shared admin secret.
type TokenService struct {
	cfg config.Config
	now func() time.Time
}

func NewTokenService(cfg config.Config) *TokenService {
	return &TokenService{cfg: cfg, now: time.Now}
}

// Issue exchanges an admin phone and the shared secret for a token.
func (s *TokenService) Issue(phone, secret string) (string, time.Time, error) {
	if s.cfg.AdminSecret == "" {
		return "", time.Time{}, ErrNotConfigured
	}
	if !account.ConstantTimeCompare(secret, s.cfg.AdminSecret) || !s.cfg.IsAdmin(phone) {
		return "", time.Time{}, ErrBadCredentials
	}
	now := s.now()
	exp := now.Add(s.cfg.AdminTokenTTL)
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   config.NormalizePhone(phone),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.AdminSecret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify returns the admin phone carried by a valid token. A phone removed
// from the admin list loses access even with an unexpired token.
func (s *TokenService) Verify(token string) (string, error) {
	if s.cfg.AdminSecret == "" {
		return "", ErrNotConfigured
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(s.cfg.AdminSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", apperr.Wrap(apperr.KindUnauthorized, ErrInvalidToken.Msg, err)
	}
	if !s.cfg.IsAdmin(claims.Subject) {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

type ctxKey struct{}

// AdminFrom returns the admin phone stored by RequireAdmin.
func AdminFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKey{}).(string)
	return v, ok
}

// RequireAdmin rejects requests without a valid bearer token.
func RequireAdmin(s *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := r.Header.Get("Authorization")
			if h == "" || !strings.HasPrefix(strings.ToLower(h), "bearer ") {
				http.Error(w, "missing_token", http.StatusUnauthorized)
				return
			}
			phone, err := s.Verify(strings.TrimSpace(h[len("bearer "):]))
			if err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, ErrNotConfigured) {
					status = http.StatusForbidden
				}
				http.Error(w, "invalid_token", status)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, phone)))
		})
	}
}
