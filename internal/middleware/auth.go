// Package middleware holds the HTTP middleware shared by every API route.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwt"

	"github.com/zhouzirui/medivoice/backend/pkg/utils"
)

// ErrUnauthenticated is returned when no valid caller identity can be established.
var ErrUnauthenticated = errors.New("unauthorized")

type ownerKey struct{}

// WithOwner stores the verified caller id on ctx.
func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerKey{}, ownerID)
}

// OwnerFromContext returns the caller id placed by RequireIdentity.
func OwnerFromContext(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(ownerKey{}).(string)
	return owner, ok && owner != ""
}

// Authenticator resolves the caller of a request.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// JWTAuthenticator verifies HS256 bearer tokens; the subject claim is the owner id.
type JWTAuthenticator struct {
	key    []byte
	issuer string
}

// NewJWTAuthenticator creates a verifier. issuer is checked only when non-empty.
func NewJWTAuthenticator(secret, issuer string) (*JWTAuthenticator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &JWTAuthenticator{key: []byte(secret), issuer: issuer}, nil
}

// Authenticate implements Authenticator.
func (a *JWTAuthenticator) Authenticate(r *http.Request) (string, error) {
	raw := BearerToken(r)
	if raw == "" {
		return "", ErrUnauthenticated
	}

	opts := []jwt.ParseOption{
		jwt.WithKey(jwa.HS256(), a.key),
		jwt.WithValidate(true),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	token, err := jwt.ParseString(raw, opts...)
	if err != nil {
		return "", ErrUnauthenticated
	}
	subject, ok := token.Subject()
	if !ok || strings.TrimSpace(subject) == "" {
		return "", ErrUnauthenticated
	}
	return subject, nil
}

// HeaderAuthenticator trusts the X-Owner-ID header. Only for local development
// when no signing secret is configured.
type HeaderAuthenticator struct{}

// Authenticate implements Authenticator.
func (HeaderAuthenticator) Authenticate(r *http.Request) (string, error) {
	owner := strings.TrimSpace(r.Header.Get("X-Owner-ID"))
	if owner == "" {
		owner = strings.TrimSpace(r.URL.Query().Get("owner_id"))
	}
	if owner == "" {
		return "", ErrUnauthenticated
	}
	return owner, nil
}

// BearerToken reads the token from the Authorization header, falling back to
// the access_token query parameter used by browser WebSocket clients.
func BearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
			return strings.TrimSpace(header[7:])
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

// RequireIdentity rejects requests without a verified caller with 401.
func RequireIdentity(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner, err := auth.Authenticate(r)
			if err != nil {
				utils.RespondError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
		})
	}
}
