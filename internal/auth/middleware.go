package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/sakif/kittygram/internal/apperror"
)

// TokenCookie is the cookie GitHub sign-in stores the bearer token in.
const TokenCookie = "token"

// Identity is the authenticated caller attached to a request context.
type Identity struct {
	UserID    string
	TokenID   string
	ExpiresAt time.Time
}

// Authenticator resolves a raw token to an Identity. service.AuthService
// implements it; the middleware only knows this interface so it can be
// tested without a database.
type Authenticator interface {
	Authenticate(ctx context.Context, raw string) (Identity, error)
}

// ErrorWriter renders an error response. The handler package passes its
// writeError so auth failures use the same JSON shape as every other error.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// contextKey is an unexported type used for context keys in this package.
//
// WHY A CUSTOM TYPE FOR CONTEXT KEYS?
// context.WithValue uses any as the key type. With a plain string key, ANY
// package that knows the string can read or shadow the value. Only this
// package can create a key of type contextKey.
type contextKey string

const identityKey contextKey = "identity"

// RequireAuth is a middleware that enforces authentication on protected routes.
//
// It extracts the token (see ExtractToken), asks authn to resolve it and
// stores the Identity in the request context. A missing or rejected token
// ends the request with 401; a store failure during the revocation lookup
// ends it with whatever onError maps StorageError to (503).
//
// MIDDLEWARE PATTERN IN GO:
//
//	func Middleware(next http.Handler) http.Handler {
//	    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
//	        // ... before ...
//	        next.ServeHTTP(w, r)
//	        // ... after ...
//	    })
//	}
func RequireAuth(authn Authenticator, onError ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := ExtractToken(r)
			if raw == "" {
				onError(w, r, apperror.Unauthenticated())
				return
			}
			id, err := authn.Authenticate(r.Context(), raw)
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// OptionalAuth lets anonymous requests through but still identifies the
// caller when a token is present.
//
// A request with NO token continues anonymously. A request WITH a token
// that fails is rejected: a client that believes it is logged in should
// learn that it isn't, rather than silently seeing the anonymous view.
func OptionalAuth(authn Authenticator, onError ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := ExtractToken(r)
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}
			id, err := authn.Authenticate(r.Context(), raw)
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext returns the caller, or false for an anonymous request.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok && id.UserID != ""
}

// UserIDFromContext is a shortcut for handlers that only need the user id.
// It returns "" for anonymous requests.
func UserIDFromContext(ctx context.Context) string {
	id, _ := IdentityFromContext(ctx)
	return id.UserID
}

// ExtractToken finds the raw token in a request. In order:
//   - Authorization: Bearer <token>
//   - Authorization: Token <token>   (the scheme the Kittygram front-end sends)
//   - the "token" cookie             (set by GitHub sign-in)
//
// An Authorization header with any other scheme yields "".
func ExtractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, value, ok := strings.Cut(h, " ")
		if !ok {
			return ""
		}
		switch strings.ToLower(scheme) {
		case "bearer", "token":
			return strings.TrimSpace(value)
		default:
			return ""
		}
	}
	if c, err := r.Cookie(TokenCookie); err == nil {
		return c.Value
	}
	return ""
}
