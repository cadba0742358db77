package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tapminer/internal/mining"
)

var errBadToken = errors.New("invalid or expired token")

type Claims struct {
	UserID   int64  `json:"uid"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and checks HS256 session tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (ti *TokenIssuer) Issue(u mining.UserState) (string, time.Time, error) {
	now := ti.now()
	exp := now.Add(ti.ttl)
	claims := Claims{
		UserID:   u.UserID,
		Username: u.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(u.UserID, 10),
			Issuer:    "tapminer",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

func (ti *TokenIssuer) Parse(raw string) (Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return ti.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer("tapminer"),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(ti.now),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", errBadToken, err)
	}
	if claims.UserID <= 0 {
		return Claims{}, errBadToken
	}
	return claims, nil
}

type ctxKey int

const userIDKey ctxKey = iota

func withUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFrom returns the authenticated user, or 0.
func UserIDFrom(ctx context.Context) int64 {
	id, _ := ctx.Value(userIDKey).(int64)
	return id
}

// authenticate accepts a Bearer token or raw Telegram initData in
// X-Telegram-Init-Data. initData logins upsert the user.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return s.authMiddleware(next, false)
}

// authenticateStream also takes a token query parameter, since browser
// WebSocket clients cannot set headers.
func (s *Server) authenticateStream(next http.Handler) http.Handler {
	return s.authMiddleware(next, true)
}

func (s *Server) authMiddleware(next http.Handler, allowQueryToken bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.resolveUser(r, allowQueryToken)
		if err != nil {
			s.errs.HandleError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withUserID(r.Context(), userID)))
	})
}

func (s *Server) resolveUser(r *http.Request, allowQueryToken bool) (int64, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		raw, ok := strings.CutPrefix(h, "Bearer ")
		if !ok {
			return 0, NewUnauthorizedError("Authorization must be a Bearer token")
		}
		claims, err := s.tokens.Parse(strings.TrimSpace(raw))
		if err != nil {
			return 0, err
		}
		return claims.UserID, nil
	}
	if initData := r.Header.Get("X-Telegram-Init-Data"); initData != "" {
		u, err := s.verifier.Verify(initData)
		if err != nil {
			return 0, err
		}
		if _, err := s.engine.EnsureUser(r.Context(), u.Profile()); err != nil {
			return 0, err
		}
		return u.ID, nil
	}
	if raw := r.URL.Query().Get("token"); allowQueryToken && raw != "" {
		claims, err := s.tokens.Parse(raw)
		if err != nil {
			return 0, err
		}
		return claims.UserID, nil
	}
	return 0, NewUnauthorizedError("Authentication required")
}
