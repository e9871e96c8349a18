package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// adminContextKey is the context key for the authenticated admin.
type adminContextKey string

const adminIDKey adminContextKey = "admin_id"

// jwtTokenTTL is the lifetime of an admin JWT token.
const jwtTokenTTL = 24 * time.Hour

// AdminClaims holds the JWT claims for management API authentication.
type AdminClaims struct {
	AdminID  int64  `json:"adm_id"`
	Username string `json:"adm"`
	jwt.RegisteredClaims
}

// GenerateAdminToken creates a signed JWT for an admin login.
func GenerateAdminToken(secret []byte, adminID int64, username string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(jwtTokenTTL)

	claims := AdminClaims{
		AdminID:  adminID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    "dialcast",
			Subject:   username,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}

	return signed, expiresAt, nil
}

// RequireAdminAuth returns middleware that validates JWT bearer tokens on
// management endpoints. On success it stores the admin ID in the request
// context.
func RequireAdminAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeAuthError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				writeAuthError(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}

			claims, err := ValidateAdminToken(secret, parts[1])
			if err != nil {
				slog.Debug("admin auth: invalid jwt", "error", err)
				writeAuthError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), adminIDKey, claims.AdminID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ValidateAdminToken parses and verifies an admin JWT. It is used both by
// the auth middleware and by the WebSocket endpoint, where the token
// arrives as a query parameter.
func ValidateAdminToken(secret []byte, tokenStr string) (*AdminClaims, error) {
	claims := &AdminClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.AdminID == 0 {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// AdminIDFromContext retrieves the authenticated admin ID from the request
// context. Returns 0 if not set.
func AdminIDFromContext(ctx context.Context) int64 {
	id, _ := ctx.Value(adminIDKey).(int64)
	return id
}

// errEnvelope matches the api package's envelope format for error responses.
type errEnvelope struct {
	Error string `json:"error,omitempty"`
}

// writeAuthError writes a JSON error matching the API envelope format.
func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errEnvelope{Error: msg}) //nolint:errcheck
}
