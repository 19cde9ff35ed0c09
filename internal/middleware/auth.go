package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mapstats/service/internal/authz"
	"github.com/mapstats/service/internal/response"
)

// contextKey is an unexported type for context keys in this package.
type contextKey string

// identityKey is the context key for the authenticated caller.
const identityKey contextKey = "identity"

// Claims are the bearer token claims this service understands.
type Claims struct {
	Role   string `json:"role"`
	ClubID string `json:"club_id,omitempty"`
	// ScopePrefix overrides the club-derived scope when set.
	ScopePrefix string `json:"scope_prefix,omitempty"`
	jwt.RegisteredClaims
}

// Identity converts verified claims into an authorization identity.
func (c *Claims) Identity() authz.Identity {
	id := authz.Identity{Subject: c.Subject, Role: authz.RoleClient}
	if c.Role == string(authz.RoleAdmin) {
		id.Role = authz.RoleAdmin
		return id
	}
	id.ScopePrefix = c.ScopePrefix
	if id.ScopePrefix == "" {
		id.ScopePrefix = authz.ScopeForClub(c.ClubID)
	}
	return id
}

// IssueToken signs claims with HS256 and the given lifetime.
func IssueToken(secret string, c Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	c.IssuedAt = jwt.NewNumericDate(now)
	c.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
}

// WithIdentity returns ctx carrying id.
func WithIdentity(ctx context.Context, id authz.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom returns the caller attached by RequireAuth.
func IdentityFrom(ctx context.Context) (authz.Identity, bool) {
	id, ok := ctx.Value(identityKey).(authz.Identity)
	return id, ok
}

// RequireAuth returns middleware that validates a Bearer JWT and injects
// the caller's identity into the request context.
func RequireAuth(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				response.Unauthorized(w, "Missing Authorization")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
				response.Unauthorized(w, "invalid authorization header format")
				return
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
				return []byte(jwtSecret), nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !token.Valid || claims.Subject == "" {
				response.Unauthorized(w, "Unauthorized")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), claims.Identity())))
		})
	}
}

// RequireAdmin rejects callers without the admin role. It must run after
// RequireAuth.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		if !ok {
			response.Unauthorized(w, "Unauthorized")
			return
		}
		if !id.IsAdmin() {
			response.Forbidden(w, "Forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}
