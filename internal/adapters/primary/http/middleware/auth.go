package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/lorrc/studio-realtime/internal/auth"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// UserClaimsKey is the key used to store user claims in the request context.
const UserClaimsKey contextKey = "userClaims"

// Authentication failures.
var (
	ErrMissingToken   = errors.New("missing authentication token")
	ErrMalformedToken = errors.New("authorization header format must be Bearer {token}")
	ErrInvalidToken   = errors.New("invalid or expired token")
)

// TokenSource says where a request may carry its relay token.
type TokenSource int

const (
	// FromHeader accepts only an Authorization: Bearer header.
	FromHeader TokenSource = iota
	// FromHeaderOrQuery also accepts ?token=, which is all a browser can
	// send on a websocket handshake.
	FromHeaderOrQuery
)

// Authenticate validates the relay token carried by r and notes the viewer
// on the request's log line. Errors wrap one of the sentinels above.
func Authenticate(tm *auth.TokenManager, r *http.Request, src TokenSource) (*auth.Claims, error) {
	token, err := bearerToken(r.Header.Get("Authorization"))
	if errors.Is(err, ErrMissingToken) && src == FromHeaderOrQuery {
		token = r.URL.Query().Get("token")
		if token != "" {
			err = nil
		}
	}
	if err != nil {
		return nil, err
	}
	if tm == nil {
		return nil, fmt.Errorf("%w: no signing secret configured", ErrInvalidToken)
	}

	claims, err := tm.ValidateToken(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	NoteViewer(r.Context(), claims.Viewer())
	return claims, nil
}

func bearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", ErrMalformedToken
	}
	return strings.TrimSpace(token), nil
}

// Unauthorized writes a 401 naming which sentinel err wraps. Validation
// detail stays in the logs.
func Unauthorized(w http.ResponseWriter, err error) {
	msg := ErrInvalidToken.Error()
	for _, sentinel := range []error{ErrMissingToken, ErrMalformedToken} {
		if errors.Is(err, sentinel) {
			msg = sentinel.Error()
		}
	}
	http.Error(w, msg, http.StatusUnauthorized)
}

// JWTMiddleware requires a valid relay token in the Authorization header.
func JWTMiddleware(tm *auth.TokenManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := Authenticate(tm, r, FromHeader)
			if err != nil {
				Unauthorized(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), UserClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetClaims returns the claims stored by JWTMiddleware.
func GetClaims(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(UserClaimsKey).(*auth.Claims)
	return claims, ok
}

// RequireAdmin rejects callers whose token does not carry an admin role.
// It must run after JWTMiddleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := GetClaims(r.Context())
		if !ok {
			http.Error(w, "Authentication required", http.StatusUnauthorized)
			return
		}
		if !claims.Viewer().Role.IsAdmin() {
			http.Error(w, "Admin role required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
