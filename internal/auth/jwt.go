// Package auth verifies HMAC-signed bearer tokens and puts the caller's
// identity on the request context. Login and account management live
// outside this server; IssueToken exists for operators and tests.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fruitsalade/pantry/internal/logging"
	"github.com/fruitsalade/pantry/internal/metrics"
)

type claimsKey struct{}

const issuer = "pantry"

// leeway absorbs clock skew between the issuer and this server.
const leeway = 30 * time.Second

// Claims identify the caller. The user id travels in the standard "sub"
// claim. Administrators are not named in the token: the first registered
// user is the administrator.
type Claims struct {
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// UserID returns the subject.
func (c *Claims) UserID() string { return c.Subject }

// Auth verifies tokens signed with one shared secret.
type Auth struct {
	secret []byte
	parser *jwt.Parser
}

func New(secret string) *Auth {
	return &Auth{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS512.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(leeway),
		),
	}
}

// Middleware rejects requests without a valid token with 401 and tags the
// request context (and its logger) with the caller.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := extractToken(r)
		if raw == "" {
			metrics.RecordAuthAttempt(false)
			unauthorized(w, "missing authentication token")
			return
		}
		claims, err := a.Validate(raw)
		if err != nil {
			metrics.RecordAuthAttempt(false)
			unauthorized(w, err.Error())
			return
		}
		metrics.RecordAuthAttempt(true)

		ctx := logging.WithUser(WithClaims(r.Context(), claims), claims.UserID())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetClaims returns the caller, or nil outside the middleware.
func GetClaims(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}

func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// IssueToken signs an HS256 token for userID that expires after ttl.
func (a *Auth) IssueToken(userID, username string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(ttl)
	c := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Validate checks signature, issuer and expiry, and requires a subject.
func (a *Auth) Validate(raw string) (*Claims, error) {
	c := &Claims{}
	if _, err := a.parser.ParseWithClaims(raw, c, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}); err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, errors.New("token expired")
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, errors.New("bad token signature")
		}
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if c.Subject == "" {
		return nil, errors.New("invalid token: no subject")
	}
	return c, nil
}

// extractToken reads "Authorization: Bearer <token>", falling back to the
// token query parameter for EventSource clients that cannot set headers.
func extractToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if ok && strings.EqualFold(scheme, "bearer") {
		return strings.TrimSpace(token)
	}
	return r.URL.Query().Get("token")
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="pantry"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
		Code  int    `json:"code"`
		Kind  string `json:"kind"`
	}{msg, http.StatusUnauthorized, "unauthenticated"})
}
