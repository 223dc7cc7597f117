// Package auth is the identity boundary. The exchange does not manage users;
// it verifies HS256 bearer tokens from the identity provider and trusts the
// token subject as the user id.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/atmx/exchange-engine/internal/model"
)

// RoleAdmin grants market administration (create, close, resolve).
const RoleAdmin = "admin"

// Claims are the token claims the exchange reads.
type Claims struct {
	Role string `json:"role,omitempty"`

	jwt.RegisteredClaims
}

// JWT signs and verifies tokens with a shared secret.
type JWT struct {
	Secret   []byte
	Issuer   string
	TokenTTL time.Duration
}

// Sign issues a token for subject. Used by tooling and tests; production
// tokens come from the identity provider.
func (j JWT) Sign(subject, role string) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    j.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.TokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.Secret)
}

// Verify parses token and checks signature, expiry and issuer.
func (j JWT) Verify(token string) (Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if j.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.Issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return j.Secret, nil
	}, opts...)
	if err != nil {
		return Claims{}, err
	}
	c, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, errors.New("invalid token")
	}
	if c.Subject == "" {
		return Claims{}, errors.New("token has no subject")
	}
	return *c, nil
}

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Role   string
}

type ctxKey int

const identityKey ctxKey = 1

// WithIdentity returns ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext returns the caller identity set by Middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// Middleware rejects requests without a valid bearer token and stores the
// caller identity in the request context.
func Middleware(j JWT) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := bearerToken(r.Header.Get("Authorization"))
			if tok == "" {
				writeError(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			claims, err := j.Verify(tok)
			if err != nil {
				writeError(w, "invalid token", http.StatusUnauthorized)
				return
			}
			id := Identity{UserID: claims.Subject, Role: claims.Role}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// Admins decides who may administer markets: anyone with the admin role
// claim, plus an explicit allowlist of user ids.
type Admins struct {
	allow []string
}

// NewAdmins creates an admin check with an optional allowlist.
func NewAdmins(allow []string) Admins {
	return Admins{allow: allow}
}

// Authorize returns model.ErrForbidden unless id is privileged.
func (a Admins) Authorize(id Identity) error {
	if id.Role == RoleAdmin || slices.Contains(a.allow, id.UserID) {
		return nil
	}
	return model.ErrForbidden
}

// Require is middleware that admits only privileged callers. It must run
// after Middleware.
func (a Admins) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := FromContext(r.Context())
		if !ok {
			writeError(w, model.ErrUnauthenticated.Error(), http.StatusUnauthorized)
			return
		}
		if err := a.Authorize(id); err != nil {
			writeError(w, err.Error(), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(v string) string {
	scheme, tok, ok := strings.Cut(strings.TrimSpace(v), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
