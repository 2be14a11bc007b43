// Package authn validates bearer tokens presented by clients of the Prekey
// Repository and Relay. It does not issue tokens: account creation and login
// happen outside this module's scope, so the only operation here is
// verification of a token minted elsewhere with the same shared secret.
package authn

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrMissingHeader = errors.New("authn: authorization header required")
	ErrMalformed     = errors.New("authn: malformed authorization header")
	ErrInvalidToken  = errors.New("authn: invalid token")
	ErrTokenExpired  = errors.New("authn: token expired")
)

// Claims identifies the caller behind a validated request.
type Claims struct {
	UserID uuid.UUID `json:"user_id"`
	jwt.RegisteredClaims
}

// SecretSource supplies the secret(s) an Authenticator verifies tokens
// against. It is polled on every request rather than captured once, so a
// rotation performed after construction takes effect immediately.
type SecretSource func() (current, previous string, hasPrevious bool)

// Authenticator validates bearer tokens against a shared HMAC secret. When
// built with NewWithRotation it also accepts, during a rotation's
// transition window, tokens signed under the previous secret: a token
// signed just before a rotation must keep validating until it expires on
// its own.
type Authenticator struct {
	secret []byte
	source SecretSource
}

func New(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// NewWithRotation builds an Authenticator that re-checks source on every
// call, accepting tokens signed under either the secret it currently
// reports as current or, while one is reported, the previous one.
func NewWithRotation(source SecretSource) *Authenticator {
	return &Authenticator{source: source}
}

// ValidateToken parses and verifies a bearer token, returning its claims. It
// tries the current secret first and, if that fails on signature grounds
// and a previous secret is configured, retries against it.
func (a *Authenticator) ValidateToken(tokenString string) (*Claims, error) {
	current, previous, hasPrevious := a.secret, "", false
	if a.source != nil {
		var currentStr string
		currentStr, previous, hasPrevious = a.source()
		current = []byte(currentStr)
	}

	claims, err := a.validateWithSecret(tokenString, current)
	if err != nil && hasPrevious && errors.Is(err, ErrInvalidToken) {
		return a.validateWithSecret(tokenString, []byte(previous))
	}
	return claims, err
}

func (a *Authenticator) validateWithSecret(tokenString string, secret []byte) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

type contextKey string

const userIDKey contextKey = "authn_user_id"

// Middleware enforces a valid bearer token on every request and stores the
// caller's user ID in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			http.Error(w, ErrMissingHeader.Error(), http.StatusUnauthorized)
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			http.Error(w, ErrMalformed.Error(), http.StatusUnauthorized)
			return
		}

		claims, err := a.ValidateToken(parts[1])
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, claims.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserID extracts the authenticated caller's user ID from a request context
// populated by Middleware.
func UserID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(userIDKey).(uuid.UUID)
	return id, ok
}
