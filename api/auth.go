package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/warp/kos-engine/core"
)

// Claims are the JWT claims the identity provider issues. The subject is
// the user id.
type Claims struct {
	Role       string `json:"role"`
	OperatorID string `json:"operator_id,omitempty"`
	CustomerID string `json:"customer_id,omitempty"`
	jwt.RegisteredClaims
}

type identityKey struct{}

// WithIdentity stores id on ctx.
func WithIdentity(ctx context.Context, id core.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity resolved by Authenticator, or the zero
// Identity, which every guarded action rejects as Unauthorized.
func IdentityFrom(ctx context.Context) core.Identity {
	id, _ := ctx.Value(identityKey{}).(core.Identity)
	return id
}

// Authenticator verifies HS256 bearer tokens.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Middleware resolves the bearer token into a core.Identity.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, r, core.ErrUnauthorized)
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			writeError(w, r, fmt.Errorf("invalid authorization header format: %w", core.ErrUnauthorized))
			return
		}

		id, err := a.Verify(parts[1])
		if err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// Verify parses and validates a token.
func (a *Authenticator) Verify(token string) (core.Identity, error) {
	if len(a.secret) == 0 {
		return core.Identity{}, fmt.Errorf("token verification not configured: %w", core.ErrUnauthorized)
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return core.Identity{}, fmt.Errorf("invalid token: %w", errors.Join(core.ErrUnauthorized, err))
	}

	role, ok := core.ParseRole(claims.Role)
	if !ok || claims.Subject == "" {
		return core.Identity{}, fmt.Errorf("invalid token claims: %w", core.ErrUnauthorized)
	}
	return core.Identity{
		UserID:     core.UserID(claims.Subject),
		Role:       role,
		OperatorID: core.OperatorID(claims.OperatorID),
		CustomerID: core.CustomerID(claims.CustomerID),
	}, nil
}

// Issue signs a token for id. Used by tests and local tooling; production
// tokens come from the identity provider.
func (a *Authenticator) Issue(id core.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role:       string(id.Role),
		OperatorID: string(id.OperatorID),
		CustomerID: string(id.CustomerID),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(id.UserID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
