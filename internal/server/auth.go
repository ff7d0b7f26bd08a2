package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultOwner owns every scan when no authentication is configured
const DefaultOwner = "local"

// errUnauthorized is returned when a request carries no valid credentials
var errUnauthorized = errors.New("unauthorized")

// Authenticator resolves the owner of a request
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// SingleUser treats every request as coming from one owner
type SingleUser struct {
	Owner string
}

// Authenticate always returns the configured owner
func (s SingleUser) Authenticate(r *http.Request) (string, error) {
	if s.Owner == "" {
		return DefaultOwner, nil
	}
	return s.Owner, nil
}

// BasicAuth holds basic authentication credentials. The username is the owner.
type BasicAuth struct {
	Username string
	Password string
}

// Authenticate checks basic auth credentials
func (b BasicAuth) Authenticate(r *http.Request) (string, error) {
	username, password, ok := r.BasicAuth()
	if !ok {
		return "", errUnauthorized
	}
	userMatch := subtle.ConstantTimeCompare([]byte(username), []byte(b.Username)) == 1
	passMatch := subtle.ConstantTimeCompare([]byte(password), []byte(b.Password)) == 1
	if !userMatch || !passMatch {
		return "", errUnauthorized
	}
	return username, nil
}

// JWTAuthenticator accepts HS256 bearer tokens. The owner is the user_id
// claim, or the subject when user_id is absent.
type JWTAuthenticator struct {
	secret []byte
}

// NewJWTAuthenticator creates a JWTAuthenticator
func NewJWTAuthenticator(secret string) (*JWTAuthenticator, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	return &JWTAuthenticator{secret: []byte(secret)}, nil
}

// Authenticate validates the bearer token of a request
func (j *JWTAuthenticator) Authenticate(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", errUnauthorized
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(strings.TrimPrefix(auth, "Bearer "), claims, func(token *jwt.Token) (any, error) {
		return j.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %w", errUnauthorized, err)
	}

	if owner, ok := claims["user_id"].(string); ok && owner != "" {
		return owner, nil
	}
	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return "", fmt.Errorf("%w: token has no owner", errUnauthorized)
	}
	return subject, nil
}

// GenerateToken signs a token for ownerID that expires after ttl
func (j *JWTAuthenticator) GenerateToken(ownerID string, ttl time.Duration) (string, error) {
	if ownerID == "" {
		return "", fmt.Errorf("owner is required")
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":     ownerID,
		"user_id": ownerID,
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
	})
	signed, err := token.SignedString(j.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Chain tries each Authenticator in order
type Chain []Authenticator

// Authenticate returns the owner from the first Authenticator that accepts the request
func (c Chain) Authenticate(r *http.Request) (string, error) {
	for _, a := range c {
		if owner, err := a.Authenticate(r); err == nil {
			return owner, nil
		}
	}
	return "", errUnauthorized
}

type ownerKey struct{}

// withOwner stores the authenticated owner in ctx
func withOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerKey{}, ownerID)
}

// OwnerFromContext returns the authenticated owner of a request
func OwnerFromContext(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(ownerKey{}).(string)
	return owner, ok && owner != ""
}

func wantsBasic(a Authenticator) bool {
	switch v := a.(type) {
	case BasicAuth, *BasicAuth:
		return true
	case Chain:
		for _, inner := range v {
			if wantsBasic(inner) {
				return true
			}
		}
	}
	return false
}
