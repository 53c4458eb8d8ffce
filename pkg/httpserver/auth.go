package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
)

type contextKey string

const (
	subjectKey contextKey = "subject"
	rolesKey   contextKey = "roles"
)

// APIKeyHeader is checked when no Authorization header is present
const APIKeyHeader = "X-API-Key"

var (
	errMissingToken = errors.New("no authentication token found")
	errInvalidToken = errors.New("invalid token")
)

// AuthValidator validates a caller token and returns an enriched context
type AuthValidator func(ctx context.Context, token string) (context.Context, error)

// Auth creates a router middleware that rejects requests without a valid token.
//
// Example usage:
//
//	server := httpserver.NewServer(client, resolver,
//	    httpserver.WithAuth(httpserver.JWTValidator("your-secret-key")),
//	)
func Auth(validator AuthValidator) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := extractToken(r)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="entity-guardian"`)
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}

			ctx, err := validator(r.Context(), token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "authentication failed: "+err.Error())
				return
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// JWTValidator accepts HS256 tokens signed with secret.
// The sub and roles claims are stored in the request context.
func JWTValidator(secret string) AuthValidator {
	return func(ctx context.Context, tokenString string) (context.Context, error) {
		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("invalid signing method")
			}
			return []byte(secret), nil
		})
		if err != nil {
			return ctx, err
		}

		if !token.Valid {
			return ctx, errInvalidToken
		}

		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			if sub, ok := claims["sub"].(string); ok {
				ctx = context.WithValue(ctx, subjectKey, sub)
			}

			if roles, ok := claims["roles"].([]interface{}); ok {
				roleStrings := make([]string, 0, len(roles))
				for _, role := range roles {
					if roleStr, ok := role.(string); ok {
						roleStrings = append(roleStrings, roleStr)
					}
				}
				ctx = context.WithValue(ctx, rolesKey, roleStrings)
			}
		}

		return ctx, nil
	}
}

// APIKeyValidator accepts keys for which isValidKey returns true
func APIKeyValidator(isValidKey func(string) bool) AuthValidator {
	return func(ctx context.Context, apiKey string) (context.Context, error) {
		if !isValidKey(apiKey) {
			return ctx, errors.New("invalid API key")
		}
		return ctx, nil
	}
}

// RequireRole rejects callers whose token carries none of the roles
func RequireRole(requiredRoles ...string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			roles, _ := Roles(r.Context())

			for _, userRole := range roles {
				for _, requiredRole := range requiredRoles {
					if userRole == requiredRole {
						next.ServeHTTP(w, r)
						return
					}
				}
			}

			writeError(w, http.StatusForbidden, "insufficient permissions: requires one of "+strings.Join(requiredRoles, ", "))
		})
	}
}

// extractToken reads a bearer token, falling back to the API key header
func extractToken(r *http.Request) (string, error) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")), nil
	}

	if key := r.Header.Get(APIKeyHeader); key != "" {
		return key, nil
	}

	return "", errMissingToken
}

// Subject returns the authenticated subject
func Subject(ctx context.Context) (string, bool) {
	sub, ok := ctx.Value(subjectKey).(string)
	return sub, ok
}

// Roles returns the roles of the authenticated caller
func Roles(ctx context.Context) ([]string, bool) {
	roles, ok := ctx.Value(rolesKey).([]string)
	return roles, ok
}
