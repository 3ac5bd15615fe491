// Package auth resolves the caller's user id. The identity service itself is
// external; this package only trusts what it hands us.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"pagewise/internal/util"
)

const (
	ModeHeader = "header"
	ModeJWT    = "jwt"

	// UserHeader carries the user id set by a trusted gateway.
	UserHeader = "X-User-ID"
)

// Resolver turns a request, or a websocket handshake, into a user id.
// Failures wrap util.ErrUnauthorized.
type Resolver interface {
	Resolve(r *http.Request) (string, error)
	Verify(userID, token string) error
}

// New picks the resolver for mode.
func New(mode, secret string) (Resolver, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ModeHeader:
		return Header{}, nil
	case ModeJWT:
		if secret == "" {
			return nil, fmt.Errorf("jwt auth needs PAGEWISE_JWT_SECRET: %w", util.ErrValidation)
		}
		return NewJWT(secret), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q: %w", mode, util.ErrValidation)
	}
}

// Header trusts X-User-ID. Use it only behind a gateway that sets it.
type Header struct{}

func (Header) Resolve(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.Header.Get(UserHeader))
	if id == "" {
		return "", fmt.Errorf("missing %s: %w", UserHeader, util.ErrUnauthorized)
	}
	return id, nil
}

func (Header) Verify(userID, _ string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("missing user id: %w", util.ErrUnauthorized)
	}
	return nil
}

// JWT accepts HS256 bearer tokens whose subject is the user id.
type JWT struct {
	secret []byte
	now    func() time.Time
}

func NewJWT(secret string) *JWT {
	return &JWT{secret: []byte(secret), now: time.Now}
}

// Issue signs a token for userID. The API never issues tokens itself; this
// serves tooling and tests.
func (j *JWT) Issue(userID string, ttl time.Duration) (string, error) {
	now := j.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}

func (j *JWT) parse(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return j.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(j.now), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("invalid token: %w: %v", util.ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("token has no subject: %w", util.ErrUnauthorized)
	}
	return claims.Subject, nil
}

func (j *JWT) Resolve(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("missing bearer token: %w", util.ErrUnauthorized)
	}
	return j.parse(strings.TrimSpace(token))
}

// Verify checks a websocket handshake: the token must belong to userID.
func (j *JWT) Verify(userID, token string) error {
	sub, err := j.parse(token)
	if err != nil {
		return err
	}
	if sub != userID {
		return fmt.Errorf("token subject does not match user: %w", util.ErrUnauthorized)
	}
	return nil
}

type ctxKey struct{}

func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserID returns the id stored by WithUser.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}
